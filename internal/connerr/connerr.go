// Package connerr defines the error taxonomy shared by the container-backend
// connectivity packages. Every failure that crosses the connectivity boundary
// is an *Error carrying a Kind, so callers can branch on the category with
// errors.As (or the KindOf helper) without parsing messages.
package connerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies a connectivity failure.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindTrust          Kind = "trust"
	KindTimeout        Kind = "timeout"
	KindTransport      Kind = "transport"
	KindEncryption     Kind = "encryption"
)

// Error is a classified connectivity error. Op names the operation that
// failed (e.g. "validate", "ssh probe", "tunnel start").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a classified error. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "" if
// err carries no classification.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout reports whether err represents an exceeded deadline, either from a
// context or from a network operation.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
