// Package sshtest runs in-process SSH servers for tests. The server accepts a
// single authorized key, answers exec requests, and forwards
// direct-streamlocal and direct-tcpip channels to caller-supplied dialers.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Options configures a test server. Zero values reject the corresponding
// channel type.
type Options struct {
	// AuthorizedKey is the only client key accepted. Nil accepts any key.
	AuthorizedKey ssh.PublicKey

	// StreamLocal serves direct-streamlocal@openssh.com channels.
	StreamLocal func(socketPath string) (net.Conn, error)

	// TCP serves direct-tcpip channels.
	TCP func(addr string) (net.Conn, error)

	// ExecOutput is written to the session for every exec request.
	ExecOutput string
}

// Server tracks a test SSH server's state.
type Server struct {
	Addr       string
	Host       string
	Port       int
	HostSigner ssh.Signer

	opts     Options
	listener net.Listener
	done     chan struct{}

	mu    sync.Mutex
	conns []net.Conn

	streamLocalOpens atomic.Int32
	tcpOpens         atomic.Int32
	execs            atomic.Int32
}

// NewHostSigner returns a fresh ed25519 signer.
func NewHostSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	return signer
}

// NewServer starts a server on 127.0.0.1 and stops it on test cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	s := &Server{
		HostSigner: NewHostSigner(t),
		opts:       opts,
		done:       make(chan struct{}),
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if opts.AuthorizedKey == nil || ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(opts.AuthorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(s.HostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, netConn)
			s.mu.Unlock()
			go s.handle(netConn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// HostKey is the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.HostSigner.PublicKey()
}

// StreamLocalOpens counts direct-streamlocal channel requests, accepted or not.
func (s *Server) StreamLocalOpens() int { return int(s.streamLocalOpens.Load()) }

// TCPOpens counts direct-tcpip channel requests.
func (s *Server) TCPOpens() int { return int(s.tcpOpens.Load()) }

// Execs counts exec requests.
func (s *Server) Execs() int { return int(s.execs.Load()) }

// CloseConns forcefully closes all accepted TCP connections.
func (s *Server) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	s.CloseConns()
	<-s.done
}

func (s *Server) handle(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go s.session(newChan)
		case "direct-streamlocal@openssh.com":
			s.streamLocalOpens.Add(1)
			var msg struct {
				SocketPath string
				Reserved0  string
				Reserved1  uint32
			}
			if s.opts.StreamLocal == nil || ssh.Unmarshal(newChan.ExtraData(), &msg) != nil {
				newChan.Reject(ssh.Prohibited, "streamlocal forwarding disabled")
				continue
			}
			go forward(newChan, func() (net.Conn, error) { return s.opts.StreamLocal(msg.SocketPath) })
		case "direct-tcpip":
			s.tcpOpens.Add(1)
			var msg struct {
				Host       string
				Port       uint32
				OriginHost string
				OriginPort uint32
			}
			if s.opts.TCP == nil || ssh.Unmarshal(newChan.ExtraData(), &msg) != nil {
				newChan.Reject(ssh.Prohibited, "tcp forwarding disabled")
				continue
			}
			addr := net.JoinHostPort(msg.Host, strconv.Itoa(int(msg.Port)))
			go forward(newChan, func() (net.Conn, error) { return s.opts.TCP(addr) })
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) session(newChan ssh.NewChannel) {
	ch, requests, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	for req := range requests {
		if req.Type == "exec" {
			s.execs.Add(1)
			if req.WantReply {
				req.Reply(true, nil)
			}
			io.WriteString(ch, s.opts.ExecOutput)
			ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			return
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

func forward(newChan ssh.NewChannel, dial func() (net.Conn, error)) {
	target, err := dial()
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(ch, target)
		ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(target, ch)
		if tc, ok := target.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
	}()
	wg.Wait()
	ch.Close()
	target.Close()
}
