// Package sshproxy dials authenticated SSH clients to container hosts and runs
// the command probe that precedes every Docker-over-SSH attempt.
package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"golang.org/x/crypto/ssh"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultProbeTimeout   = 10 * time.Second

	probeCommand = "echo ping"
	probeReply   = "ping"
)

// DialConfig describes one authenticated SSH connection.
type DialConfig struct {
	Target          instancecfg.SSHTarget
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration // connect + handshake; 0 means 10s
}

// Dial opens an SSH client. Host keys are verified by cfg.HostKeyCallback,
// which is required. Failures are classified connerr errors.
func Dial(ctx context.Context, cfg DialConfig) (*ssh.Client, error) {
	addr := cfg.Target.Addr()
	op := "ssh dial " + addr
	if cfg.HostKeyCallback == nil {
		return nil, connerr.New(connerr.KindTrust, op, errors.New("no host key callback"))
	}
	if cfg.Signer == nil {
		return nil, connerr.New(connerr.KindAuthentication, op, errors.New("no private key"))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Classify(op, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	netConn.SetDeadline(deadline)

	// the handshake does not watch ctx; closing the socket unblocks it
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	stop()
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			return nil, Classify(op, ctx.Err())
		}
		return nil, Classify(op, err)
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Probe runs "echo ping" on client and checks the reply.
func Probe(ctx context.Context, client *ssh.Client, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return Classify("ssh probe session", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- session.Run(probeCommand) }()

	select {
	case <-ctx.Done():
		session.Close()
		return Classify("ssh probe", ctx.Err())
	case err := <-done:
		if err != nil {
			return Classify("ssh probe", err)
		}
	}

	if got := strings.TrimSpace(stdout.String()); got != probeReply {
		return connerr.New(connerr.KindTransport, "ssh probe", fmt.Errorf("unexpected reply %q", got))
	}
	return nil
}

// Classify maps an SSH or network error onto a connerr kind. Errors that are
// already classified keep their kind.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *connerr.Error
	if errors.As(err, &ce) {
		if ce.Op == "" || ce.Op == op {
			return err
		}
		return connerr.New(ce.Kind, op, err)
	}
	if connerr.IsTimeout(err) {
		return connerr.New(connerr.KindTimeout, op, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "i/o timeout"):
		return connerr.New(connerr.KindTimeout, op, err)
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return connerr.New(connerr.KindAuthentication, op, err)
	case strings.Contains(msg, "knownhosts:"), strings.Contains(msg, "host key"):
		return connerr.New(connerr.KindTrust, op, err)
	}
	return connerr.New(connerr.KindTransport, op, err)
}

// Keepalive sends keepalive requests every interval until ctx ends. The first
// failed request calls onDead and stops.
func Keepalive(ctx context.Context, client *ssh.Client, interval time.Duration, onDead func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[sshproxy] Keepalive to %s failed: %v", client.RemoteAddr(), err)
				onDead(err)
				return
			}
		}
	}
}
