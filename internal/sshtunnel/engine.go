package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/sshproxy"
	"golang.org/x/crypto/ssh"
)

const (
	defaultStartupTimeout    = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
)

// DialFunc opens the SSH client a tunnel rides on.
type DialFunc func(ctx context.Context, cfg sshproxy.DialConfig) (*ssh.Client, error)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	ConnectTimeout    time.Duration
	StartupTimeout    time.Duration
	KeepaliveInterval time.Duration // negative disables keepalives
	Dial              DialFunc
}

// Engine starts tunnels and tracks the ones still running.
type Engine struct {
	opts Options

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

func NewEngine(opts Options) *Engine {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	if opts.Dial == nil {
		opts.Dial = sshproxy.Dial
	}
	return &Engine{opts: opts, tunnels: make(map[string]*Tunnel)}
}

// Start opens an SSH client to ep and serves a local listener that forwards
// to the remote engine. It returns once the listener is accepting. On failure
// the tunnel is left in the error state with its SSH client closed.
func (e *Engine) Start(ctx context.Context, ep Endpoint) (*Tunnel, error) {
	t := newTunnel(ep)
	t.transition(StateStarting, nil)

	startCtx, cancel := context.WithTimeout(ctx, e.opts.StartupTimeout)
	defer cancel()

	if err := e.start(startCtx, t); err != nil {
		t.transition(StateError, err)
		t.shutdown()
		log.Printf("[tunnel] Failed to start tunnel to %s: %v", ep.Target, err)
		return t, err
	}

	e.mu.Lock()
	e.tunnels[t.ID] = t
	e.mu.Unlock()

	log.Printf("[tunnel] Started %s: %s -> %s (%s)", t.ID, t.Addr(), ep.Target, t.Endpoint.RemoteSocket)
	return t, nil
}

func (e *Engine) start(ctx context.Context, t *Tunnel) error {
	client, err := e.opts.Dial(ctx, sshproxy.DialConfig{
		Target:          t.Endpoint.Target,
		Signer:          t.Endpoint.Signer,
		HostKeyCallback: t.Endpoint.HostKeyCallback,
		Timeout:         e.opts.ConnectTimeout,
	})
	if err != nil {
		return sshproxy.Classify("tunnel start", err)
	}
	t.client = client

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return connerr.New(connerr.KindTransport, "tunnel listen", err)
	}
	t.listener = ln

	// the tunnel outlives the startup context
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.onClose = e.forget

	ready := make(chan struct{})
	go t.serve(ready)

	select {
	case <-ready:
	case <-ctx.Done():
		return connerr.New(connerr.KindTimeout, "tunnel start", fmt.Errorf("listener not ready: %w", ctx.Err()))
	}

	t.mu.Lock()
	t.startedAt = time.Now()
	t.mu.Unlock()
	if !t.transition(StateActive, nil) {
		return connerr.New(connerr.KindTransport, "tunnel start", errors.New("tunnel stopped during startup"))
	}

	go t.watch(e.opts.KeepaliveInterval)
	return nil
}

// watch fails the tunnel when its SSH client dies while active.
func (t *Tunnel) watch(keepalive time.Duration) {
	if keepalive > 0 {
		go sshproxy.Keepalive(t.ctx, t.client, keepalive, func(err error) {
			t.fail(connerr.New(connerr.KindTransport, "tunnel keepalive", err))
			t.client.Close()
		})
	}

	err := t.client.Wait()
	if t.ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("ssh connection closed")
	}
	t.fail(connerr.New(connerr.KindTransport, "tunnel", err))
}

func (e *Engine) forget(t *Tunnel) {
	e.mu.Lock()
	delete(e.tunnels, t.ID)
	e.mu.Unlock()
}

// Active returns the running tunnels ordered by ID.
func (e *Engine) Active() []*Tunnel {
	e.mu.Lock()
	out := make([]*Tunnel, 0, len(e.tunnels))
	for _, t := range e.tunnels {
		out = append(out, t)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll closes every running tunnel.
func (e *Engine) CloseAll() {
	for _, t := range e.Active() {
		t.Close()
	}
}
