package backends

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gluk-w/portdash/internal/connerr"
)

// attempt is one way of producing a T.
type attempt[T any] struct {
	name string
	run  func(ctx context.Context) (T, error)
}

// firstSuccess runs attempts in order and returns the first success together
// with the name of the attempt that produced it. Failed attempts are logged.
// When all fail, the result is a transport error carrying every cause, with
// the last one as the proximate cause. A cancelled ctx stops the chain.
func firstSuccess[T any](ctx context.Context, op string, attempts ...attempt[T]) (T, string, error) {
	var zero T
	var failures []string
	var last error

	for i, a := range attempts {
		if err := ctx.Err(); err != nil {
			return zero, "", connerr.New(connerr.KindTimeout, op, err)
		}
		v, err := a.run(ctx)
		if err == nil {
			if i > 0 {
				log.Printf("[backends] %s: %s succeeded after %d failed attempt(s)", op, a.name, i)
			}
			return v, a.name, nil
		}
		log.Printf("[backends] %s: %s failed: %v", op, a.name, err)
		failures = append(failures, a.name+": "+err.Error())
		last = err
	}

	if last == nil {
		return zero, "", connerr.New(connerr.KindTransport, op, errors.New("no connection methods"))
	}
	return zero, "", connerr.New(connerr.KindTransport, op,
		fmt.Errorf("all methods failed (%s): %w", strings.Join(failures, "; "), last))
}
