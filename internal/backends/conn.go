package backends

import (
	"context"
	"errors"
	"sync"

	dockerclient "github.com/docker/docker/client"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/sshtunnel"
	"golang.org/x/crypto/ssh"
)

// Transport names reported for a live connection.
const (
	TransportSocket    = "socket"
	TransportTCP       = "tcp"
	TransportSSH       = "ssh"
	TransportSSHTunnel = "ssh-tunnel"
	TransportHTTP      = "http"
)

// APIClient is a management-API backend client.
type APIClient interface {
	Ping(ctx context.Context) error
	Close() error
}

// Conn is a live, probed connection to one backend. Exactly one of Docker and
// API is set.
type Conn struct {
	InstanceID uint
	Type       instancecfg.Type
	Transport  string
	Endpoint   string // where the client points, e.g. tcp://127.0.0.1:40123

	Docker *dockerclient.Client
	API    APIClient

	sshClient *ssh.Client
	tunnel    *sshtunnel.Tunnel
}

// Ping probes the backend behind c.
func (c *Conn) Ping(ctx context.Context) error {
	if c.Docker != nil {
		_, err := c.Docker.Ping(ctx)
		return err
	}
	if c.API != nil {
		return c.API.Ping(ctx)
	}
	return errors.New("connection has no client")
}

// alive reports whether the transport under c is still usable.
func (c *Conn) alive() bool {
	if c.tunnel != nil {
		select {
		case <-c.tunnel.Done():
			return false
		default:
		}
		return c.tunnel.State() == sshtunnel.StateActive
	}
	if c.sshClient != nil {
		// a closed client fails the round trip immediately
		_, _, err := c.sshClient.SendRequest("keepalive@openssh.com", true, nil)
		return err == nil
	}
	return true
}

// close releases every resource held by c.
func (c *Conn) close() error {
	var errs []error
	if c.Docker != nil {
		errs = append(errs, c.Docker.Close())
	}
	if c.API != nil {
		errs = append(errs, c.API.Close())
	}
	if c.tunnel != nil {
		errs = append(errs, c.tunnel.Close())
	}
	if c.sshClient != nil {
		c.sshClient.Close()
	}
	return errors.Join(errs...)
}

// entry is a shared connection for one instance, counted by live handles.
type entry struct {
	done chan struct{} // closed once conn or err is set
	conn *Conn
	err  error
	refs int
}

func (e *entry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Handle is one caller's reference to a shared connection. Close must be
// called exactly once per handle; extra calls are ignored. The connection is
// torn down when its last handle closes.
type Handle struct {
	*Conn

	fresh   bool // built and probed for this caller
	once    sync.Once
	release func()
}

func (h *Handle) Close() error {
	h.once.Do(h.release)
	return nil
}
