package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a tunnel.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
	StateError    State = "error"
)

// allowed lists the legal transitions.
var allowed = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateActive, StateError},
	StateActive:   {StateClosing, StateError},
	StateClosing:  {StateClosed, StateError},
}

const (
	DefaultRemoteSocket = "/var/run/docker.sock"
	DefaultFallbackPort = 2375
)

// Endpoint is the remote side of a tunnel.
type Endpoint struct {
	Target          instancecfg.SSHTarget
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	RemoteSocket    string // empty means DefaultRemoteSocket
	FallbackPort    int    // 0 means DefaultFallbackPort
}

// Stats are the forwarding counters of a tunnel.
type Stats struct {
	BytesIn     int64         `json:"bytes_in"`  // remote to local
	BytesOut    int64         `json:"bytes_out"` // local to remote
	Connections int64         `json:"connections"`
	Uptime      time.Duration `json:"uptime"`
}

// Tunnel is one running local-to-remote forward.
type Tunnel struct {
	ID       string
	Endpoint Endpoint

	mu        sync.Mutex
	state     State
	err       error
	startedAt time.Time
	closedAt  time.Time

	client   *ssh.Client
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	serveDone  chan struct{}
	forwarders errgroup.Group

	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	connections  atomic.Int64
	usedFallback atomic.Bool

	onClose func(*Tunnel)
}

func newTunnel(ep Endpoint) *Tunnel {
	if ep.RemoteSocket == "" {
		ep.RemoteSocket = DefaultRemoteSocket
	}
	if ep.FallbackPort == 0 {
		ep.FallbackPort = DefaultFallbackPort
	}
	return &Tunnel{
		ID:        uuid.NewString(),
		Endpoint:  ep,
		state:     StateIdle,
		serveDone: make(chan struct{}),
	}
}

// transition moves the tunnel to next if the state machine allows it.
func (t *Tunnel) transition(next State, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range allowed[t.state] {
		if s == next {
			t.state = next
			if next == StateError && cause != nil {
				t.err = cause
			}
			return true
		}
	}
	return false
}

func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the cause of the error state, if any.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Addr is the local listening address, 127.0.0.1:<port>.
func (t *Tunnel) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Port is the local listening port.
func (t *Tunnel) Port() int {
	if t.listener == nil {
		return 0
	}
	return t.listener.Addr().(*net.TCPAddr).Port
}

// DockerHost is the engine address for a Docker client.
func (t *Tunnel) DockerHost() string {
	return "tcp://" + t.Addr()
}

// Done is closed once the tunnel stops serving.
func (t *Tunnel) Done() <-chan struct{} {
	return t.serveDone
}

func (t *Tunnel) Stats() Stats {
	t.mu.Lock()
	var uptime time.Duration
	switch {
	case t.startedAt.IsZero():
	case !t.closedAt.IsZero():
		uptime = t.closedAt.Sub(t.startedAt)
	default:
		uptime = time.Since(t.startedAt)
	}
	t.mu.Unlock()

	return Stats{
		BytesIn:     t.bytesIn.Load(),
		BytesOut:    t.bytesOut.Load(),
		Connections: t.connections.Load(),
		Uptime:      uptime,
	}
}

// Close stops the tunnel and waits for its forwarders. Closing a tunnel that
// already stopped is a no-op.
func (t *Tunnel) Close() error {
	if !t.transition(StateClosing, nil) {
		// failed tunnels still release their resources
		t.shutdown()
		return nil
	}
	t.shutdown()
	t.transition(StateClosed, nil)

	st := t.Stats()
	log.Printf("[tunnel] Closed %s to %s: %s in, %s out over %d connection(s), up %s",
		t.ID, t.Endpoint.Target, units.HumanSize(float64(st.BytesIn)), units.HumanSize(float64(st.BytesOut)),
		st.Connections, units.HumanDuration(st.Uptime))
	return nil
}

// shutdown releases the listener, the SSH client and the forwarders.
func (t *Tunnel) shutdown() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		t.listener.Close()
	}
	if t.client != nil {
		t.client.Close()
	}
	if t.listener != nil {
		<-t.serveDone
	}
	t.forwarders.Wait()

	t.mu.Lock()
	if t.closedAt.IsZero() && !t.startedAt.IsZero() {
		t.closedAt = time.Now()
	}
	onClose := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	if onClose != nil {
		onClose(t)
	}
}

// fail moves an active tunnel to error and stops serving.
func (t *Tunnel) fail(cause error) {
	if !t.transition(StateError, cause) {
		return
	}
	log.Printf("[tunnel] %s to %s failed: %v", t.ID, t.Endpoint.Target, cause)
	go t.shutdown()
}

// serve accepts local connections until the listener closes. ready is closed
// once the loop is running.
func (t *Tunnel) serve(ready chan<- struct{}) {
	defer close(t.serveDone)
	close(ready)

	for {
		local, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				t.fail(connerr.New(connerr.KindTransport, "tunnel accept", err))
			}
			return
		}
		t.connections.Add(1)
		t.forwarders.Go(func() error {
			t.forward(local)
			return nil
		})
	}
}

// forward relays one local connection to the remote engine.
func (t *Tunnel) forward(local net.Conn) {
	defer local.Close()

	remote, err := t.openRemote()
	if err != nil {
		log.Printf("[tunnel] %s: dropping connection from %s: %v", t.ID, local.RemoteAddr(), err)
		return
	}
	defer remote.Close()

	g, ctx := errgroup.WithContext(t.ctx)
	g.Go(func() error {
		n, err := io.Copy(remote, local)
		t.bytesOut.Add(n)
		closeWrite(remote)
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(local, remote)
		t.bytesIn.Add(n)
		closeWrite(local)
		return err
	})

	stop := context.AfterFunc(ctx, func() {
		local.Close()
		remote.Close()
	})
	defer stop()
	g.Wait()
}

// openRemote opens a channel to the engine socket, or to the TCP fallback
// port when the server does not offer socket forwarding at all. A socket the
// server could not reach is reported as is.
func (t *Tunnel) openRemote() (net.Conn, error) {
	conn, err := t.client.Dial("unix", t.Endpoint.RemoteSocket)
	if err == nil {
		return conn, nil
	}
	if !socketForwardingRefused(err) {
		return nil, fmt.Errorf("open remote engine socket %s: %w", t.Endpoint.RemoteSocket, err)
	}

	fallback := net.JoinHostPort("127.0.0.1", strconv.Itoa(t.Endpoint.FallbackPort))
	if t.usedFallback.CompareAndSwap(false, true) {
		log.Printf("[tunnel] %s: socket forwarding to %s refused (%v), falling back to tcp %s",
			t.ID, t.Endpoint.RemoteSocket, err, fallback)
	}
	conn, tcpErr := t.client.Dial("tcp", fallback)
	if tcpErr != nil {
		return nil, fmt.Errorf("open remote engine: socket %s: %v; tcp %s: %w", t.Endpoint.RemoteSocket, err, fallback, tcpErr)
	}
	return conn, nil
}

// socketForwardingRefused reports whether err is the server declining the
// streamlocal channel type, as opposed to failing to reach the socket.
func socketForwardingRefused(err error) bool {
	var oce *ssh.OpenChannelError
	if !errors.As(err, &oce) {
		return false
	}
	return oce.Reason == ssh.UnknownChannelType || oce.Reason == ssh.Prohibited
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
