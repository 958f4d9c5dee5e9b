package sshtunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/sshproxy"
	"github.com/gluk-w/portdash/internal/sshtest"
	"golang.org/x/crypto/ssh"
)

// fakeEngine answers the Docker ping endpoint.
func fakeEngine(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Api-Version", "1.47")
		io.WriteString(w, "OK")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTo(addr string) func(string) (net.Conn, error) {
	return func(string) (net.Conn, error) { return net.Dial("tcp", addr) }
}

func endpointFor(srv *sshtest.Server, signer ssh.Signer) Endpoint {
	return Endpoint{
		Target:          instancecfg.SSHTarget{Host: srv.Host, Port: srv.Port, User: "root"},
		Signer:          signer,
		HostKeyCallback: ssh.FixedHostKey(srv.HostKey()),
	}
}

func newEngine() *Engine {
	return NewEngine(Options{ConnectTimeout: 5 * time.Second, StartupTimeout: 5 * time.Second, KeepaliveInterval: -1})
}

func get(t *testing.T, tun *Tunnel) string {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + tun.Addr() + "/_ping")
	if err != nil {
		t.Fatalf("GET through tunnel: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestTunnelStreamLocal(t *testing.T) {
	engineSrv := fakeEngine(t)
	signer := sshtest.NewHostSigner(t)

	var mu sync.Mutex
	var paths []string
	srv := sshtest.NewServer(t, sshtest.Options{
		AuthorizedKey: signer.PublicKey(),
		StreamLocal: func(path string) (net.Conn, error) {
			mu.Lock()
			paths = append(paths, path)
			mu.Unlock()
			return net.Dial("tcp", engineSrv.Listener.Addr().String())
		},
	})

	engine := newEngine()
	tun, err := engine.Start(context.Background(), endpointFor(srv, signer))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tun.Close()

	if tun.State() != StateActive {
		t.Fatalf("state: got %s, want active", tun.State())
	}
	host, port, _ := net.SplitHostPort(tun.Addr())
	if host != "127.0.0.1" || port == "0" {
		t.Errorf("unexpected listen address %q", tun.Addr())
	}
	if tun.DockerHost() != "tcp://"+tun.Addr() {
		t.Errorf("DockerHost: got %q", tun.DockerHost())
	}

	if body := get(t, tun); body != "OK" {
		t.Errorf("body: got %q, want OK", body)
	}
	if srv.TCPOpens() != 0 {
		t.Errorf("tcp fallback used %d times with streamlocal available", srv.TCPOpens())
	}
	mu.Lock()
	if len(paths) == 0 || paths[0] != DefaultRemoteSocket {
		t.Errorf("remote socket paths: %v", paths)
	}
	mu.Unlock()

	if len(engine.Active()) != 1 {
		t.Errorf("active tunnels: got %d, want 1", len(engine.Active()))
	}
}

func TestTunnelFallsBackToTCP(t *testing.T) {
	engineSrv := fakeEngine(t)
	_, portStr, _ := net.SplitHostPort(engineSrv.Listener.Addr().String())
	fallbackPort, _ := strconv.Atoi(portStr)

	signer := sshtest.NewHostSigner(t)
	var dialed []string
	var mu sync.Mutex
	srv := sshtest.NewServer(t, sshtest.Options{
		AuthorizedKey: signer.PublicKey(),
		TCP: func(addr string) (net.Conn, error) {
			mu.Lock()
			dialed = append(dialed, addr)
			mu.Unlock()
			return net.Dial("tcp", addr)
		},
	})

	ep := endpointFor(srv, signer)
	ep.FallbackPort = fallbackPort
	tun, err := newEngine().Start(context.Background(), ep)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tun.Close()

	for i := 0; i < 2; i++ {
		if body := get(t, tun); body != "OK" {
			t.Fatalf("body: got %q, want OK", body)
		}
	}
	if srv.StreamLocalOpens() == 0 {
		t.Error("socket forwarding was never attempted")
	}
	if srv.TCPOpens() == 0 {
		t.Error("tcp fallback was never used")
	}
	mu.Lock()
	defer mu.Unlock()
	if dialed[0] != "127.0.0.1:"+portStr {
		t.Errorf("fallback address: got %q", dialed[0])
	}
}

func TestTunnelDropsFailedConnectionAndKeepsServing(t *testing.T) {
	engineSrv := fakeEngine(t)
	signer := sshtest.NewHostSigner(t)

	var mu sync.Mutex
	fail := true
	srv := sshtest.NewServer(t, sshtest.Options{
		AuthorizedKey: signer.PublicKey(),
		StreamLocal: func(string) (net.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				fail = false
				return nil, errors.New("engine down")
			}
			return net.Dial("tcp", engineSrv.Listener.Addr().String())
		},
	})

	tun, err := newEngine().Start(context.Background(), endpointFor(srv, signer))
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()

	// first connection: the server cannot reach the socket, so no tcp fallback
	conn, err := net.Dial("tcp", tun.Addr())
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the failed connection to be closed")
	}
	conn.Close()

	if srv.TCPOpens() != 0 {
		t.Errorf("tcp fallback tried %d times for an unreachable socket", srv.TCPOpens())
	}

	if body := get(t, tun); body != "OK" {
		t.Errorf("body after failed connection: got %q", body)
	}
	if tun.State() != StateActive {
		t.Errorf("state: got %s, want active", tun.State())
	}
}

func TestTunnelClose(t *testing.T) {
	engineSrv := fakeEngine(t)
	signer := sshtest.NewHostSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{
		AuthorizedKey: signer.PublicKey(),
		StreamLocal:   dialTo(engineSrv.Listener.Addr().String()),
	})

	engine := newEngine()
	tun, err := engine.Start(context.Background(), endpointFor(srv, signer))
	if err != nil {
		t.Fatal(err)
	}
	get(t, tun)
	addr := tun.Addr()

	if err := tun.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tun.State() != StateClosed {
		t.Errorf("state: got %s, want closed", tun.State())
	}
	select {
	case <-tun.Done():
	default:
		t.Error("Done not closed after Close")
	}
	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("listener still accepting after Close")
	}
	if len(engine.Active()) != 0 {
		t.Errorf("closed tunnel still registered")
	}

	st := tun.Stats()
	if st.BytesIn == 0 || st.BytesOut == 0 || st.Connections != 1 {
		t.Errorf("stats: %+v", st)
	}

	// second close is a no-op
	if err := tun.Close(); err != nil || tun.State() != StateClosed {
		t.Errorf("second Close: err=%v state=%s", err, tun.State())
	}
}

func TestTunnelStartUntrustedHost(t *testing.T) {
	signer := sshtest.NewHostSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})

	ep := endpointFor(srv, signer)
	ep.HostKeyCallback = ssh.FixedHostKey(sshtest.NewHostSigner(t).PublicKey())

	engine := newEngine()
	tun, err := engine.Start(context.Background(), ep)
	if !connerr.Is(err, connerr.KindTrust) {
		t.Fatalf("expected trust error, got %v", err)
	}
	if tun.State() != StateError {
		t.Errorf("state: got %s, want error", tun.State())
	}
	if tun.Err() == nil {
		t.Error("Err is nil in error state")
	}
	if len(engine.Active()) != 0 {
		t.Error("failed tunnel registered")
	}
}

func TestTunnelStartTimeout(t *testing.T) {
	engine := NewEngine(Options{
		StartupTimeout:    50 * time.Millisecond,
		KeepaliveInterval: -1,
		Dial: func(ctx context.Context, _ sshproxy.DialConfig) (*ssh.Client, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	tun, err := engine.Start(context.Background(), Endpoint{})
	if !connerr.Is(err, connerr.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if tun.State() != StateError {
		t.Errorf("state: got %s, want error", tun.State())
	}
}

func TestTunnelClientDeathMovesToError(t *testing.T) {
	signer := sshtest.NewHostSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})

	engine := newEngine()
	tun, err := engine.Start(context.Background(), endpointFor(srv, signer))
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()

	srv.CloseConns()

	select {
	case <-tun.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel kept serving after the SSH connection died")
	}
	deadline := time.Now().Add(5 * time.Second)
	for tun.State() != StateError && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tun.State() != StateError {
		t.Fatalf("state: got %s, want error", tun.State())
	}
	if !connerr.Is(tun.Err(), connerr.KindTransport) {
		t.Errorf("Err: got %v, want transport error", tun.Err())
	}
	for len(engine.Active()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(engine.Active()) != 0 {
		t.Error("dead tunnel still registered")
	}
}

func TestCloseAll(t *testing.T) {
	signer := sshtest.NewHostSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})

	engine := newEngine()
	var tunnels []*Tunnel
	for i := 0; i < 3; i++ {
		tun, err := engine.Start(context.Background(), endpointFor(srv, signer))
		if err != nil {
			t.Fatal(err)
		}
		tunnels = append(tunnels, tun)
	}
	if len(engine.Active()) != 3 {
		t.Fatalf("active: got %d, want 3", len(engine.Active()))
	}

	engine.CloseAll()
	for _, tun := range tunnels {
		if tun.State() != StateClosed {
			t.Errorf("tunnel %s state: %s", tun.ID, tun.State())
		}
	}
	if len(engine.Active()) != 0 {
		t.Error("tunnels still registered after CloseAll")
	}
}
