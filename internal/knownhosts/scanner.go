package knownhosts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/portdash/internal/logutil"
	"golang.org/x/crypto/ssh"
	sshknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

// ExecScanner runs ssh-keyscan (or a compatible command).
type ExecScanner struct {
	Command string        // defaults to ssh-keyscan
	Timeout time.Duration // passed as -T, rounded up to whole seconds
}

func (e ExecScanner) Scan(ctx context.Context, host string, port int) ([]byte, error) {
	name := e.Command
	if name == "" {
		name = "ssh-keyscan"
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrScannerUnavailable, name, err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	secs := int(math.Ceil(timeout.Seconds()))

	cmd := exec.CommandContext(ctx, bin, "-T", strconv.Itoa(secs), "-p", strconv.Itoa(port), host)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, logutil.Truncate(strings.TrimSpace(string(exitErr.Stderr)), 200))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// NativeScanner learns the host key from an SSH handshake that is abandoned
// right after the server proves its key. No credentials are sent.
type NativeScanner struct {
	Timeout time.Duration
}

var errKeyCaptured = errors.New("host key captured")

func (n NativeScanner) Scan(ctx context.Context, host string, port int) ([]byte, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	var captured ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: "portdash-keyscan",
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			captured = key
			return errKeyCaptured
		},
		Timeout: timeout,
	}
	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)
	if captured == nil {
		if err == nil {
			err = errors.New("handshake finished without a host key")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	return []byte(sshknownhosts.Line([]string{Address(host, port)}, captured) + "\n"), nil
}
