// Package backends turns stored instance configurations into live, probed
// connections to container backends.
//
// A Docker instance is reached over a local socket, plain or TLS-protected
// TCP, or SSH. SSH connections run strictly in order: credential (the
// vault's generated key, created on first use, or an explicit key file),
// host trust (fetched on first use), a command probe, then the engine API
// over an SSH socket channel, and finally a local tunnel when that fails.
// Portainer and Komodo instances are reached through their HTTP APIs.
//
// Concurrent GetClient calls for one instance share a single connection
// attempt and a single connection; each caller gets its own Handle and the
// connection is closed with the last one.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/gluk-w/portdash/internal/apiclient"
	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/database"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/knownhosts"
	"github.com/gluk-w/portdash/internal/logutil"
	"github.com/gluk-w/portdash/internal/sshkeys"
	"github.com/gluk-w/portdash/internal/sshproxy"
	"github.com/gluk-w/portdash/internal/sshtunnel"
	"golang.org/x/crypto/ssh"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultProbeTimeout   = 10 * time.Second
)

// InstanceStore loads instances.
type InstanceStore interface {
	GetInstance(ctx context.Context, id uint) (*database.Instance, error)
}

// KeyVault owns per-instance SSH keys. *sshkeys.Vault implements it.
type KeyVault interface {
	EnsureKey(ctx context.Context, id uint) (privateKey []byte, generated bool, err error)
	Generate(ctx context.Context, id uint) (*sshkeys.KeyInfo, error)
	PublicKey(ctx context.Context, id uint) (*sshkeys.KeyInfo, error)
	MigrateIfNeeded(ctx context.Context, id uint) (*sshkeys.MigrationResult, error)
}

// TunnelStarter starts SSH tunnels. *sshtunnel.Engine implements it.
type TunnelStarter interface {
	Start(ctx context.Context, ep sshtunnel.Endpoint) (*sshtunnel.Tunnel, error)
}

// Options are the collaborators and bounds of a Manager. Store, Vault,
// Materializer, Trust and Tunnels are required.
type Options struct {
	Store        InstanceStore
	Vault        KeyVault
	Materializer sshkeys.KeyMaterializer
	Trust        knownhosts.TrustStore
	Tunnels      TunnelStarter

	// Dial opens SSH clients for the probe and the native engine path.
	// Defaults to sshproxy.Dial.
	Dial sshtunnel.DialFunc

	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	RemoteSocket   string // engine socket on SSH hosts when the instance sets none
	FallbackPort   int    // remote TCP port tried by tunnels when socket forwarding is refused

	Now func() time.Time
}

// Manager hands out connections to container backends.
type Manager struct {
	opts  Options
	state *stateTracker

	mu      sync.Mutex
	entries map[uint]*entry
}

func NewManager(opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = sshproxy.Dial
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.RemoteSocket == "" {
		opts.RemoteSocket = sshtunnel.DefaultRemoteSocket
	}
	if opts.FallbackPort == 0 {
		opts.FallbackPort = sshtunnel.DefaultFallbackPort
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:    opts,
		state:   newStateTracker(opts.Now),
		entries: make(map[uint]*entry),
	}
}

// GetClient returns a probed connection to instance id. Callers must Close
// the handle.
func (m *Manager) GetClient(ctx context.Context, id uint) (*Handle, error) {
	for retried := false; ; retried = true {
		e, owner := m.join(id)
		if owner {
			// shared by every joined caller, so no single caller may cancel it
			go m.build(context.WithoutCancel(ctx), id, e)
		}

		select {
		case <-ctx.Done():
			m.release(id, e)
			return nil, connerr.New(connerr.KindTimeout, "get client", ctx.Err())
		case <-e.done:
		}

		if e.err != nil {
			m.release(id, e)
			return nil, e.err
		}
		if !owner && !retried && !e.conn.alive() {
			log.Printf("[backends] Connection to instance %d went stale, reconnecting", id)
			m.evict(id, e)
			m.release(id, e)
			continue
		}
		return &Handle{Conn: e.conn, fresh: owner, release: func() { m.release(id, e) }}, nil
	}
}

// join returns the shared entry for id, creating it when none exists.
func (m *Manager) join(id uint) (e *entry, owner bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{done: make(chan struct{})}
		m.entries[id] = e
		owner = true
	}
	e.refs++
	return e, owner
}

func (m *Manager) build(ctx context.Context, id uint, e *entry) {
	conn, err := m.safeConnect(ctx, id)

	m.mu.Lock()
	e.conn, e.err = conn, err
	orphaned := err == nil && e.refs == 0
	if err != nil || orphaned {
		if m.entries[id] == e {
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()
	close(e.done)

	if orphaned {
		m.teardown(id, conn, "no callers left")
	}
}

// release drops one reference to e and closes the connection with the last.
func (m *Manager) release(id uint, e *entry) {
	m.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && m.entries[id] == e {
		delete(m.entries, id)
	}
	conn := e.conn
	m.mu.Unlock()

	if last && conn != nil {
		m.teardown(id, conn, "last handle closed")
	}
}

// evict stops new callers from joining e; current handles keep it alive.
func (m *Manager) evict(id uint, e *entry) {
	m.mu.Lock()
	if m.entries[id] == e {
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

func (m *Manager) teardown(id uint, conn *Conn, reason string) {
	if err := conn.close(); err != nil {
		log.Printf("[backends] Closing connection to instance %d: %v", id, err)
	}
	m.mu.Lock()
	_, replaced := m.entries[id]
	m.mu.Unlock()
	if !replaced {
		m.state.set(id, change{to: StateDisconnected, transport: conn.Transport, reason: reason})
	}
}

// Invalidate makes the next GetClient for id build a fresh connection. Open
// handles stay usable until closed.
func (m *Manager) Invalidate(id uint) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Forget drops the connection and the state history of a deleted instance.
func (m *Manager) Forget(id uint) {
	m.Invalidate(id)
	m.state.remove(id)
}

// safeConnect runs connect, turning a panic into an error for the waiters.
func (m *Manager) safeConnect(ctx context.Context, id uint) (conn *Conn, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[backends] panic while connecting instance %d: %v\n%s", id, r, debug.Stack())
			conn, err = nil, fmt.Errorf("internal error: %v", r)
			m.state.set(id, change{to: StateFailed, err: err})
		}
	}()
	return m.connect(ctx, id)
}

// connect loads, validates and dials instance id.
func (m *Manager) connect(ctx context.Context, id uint) (*Conn, error) {
	inst, err := m.opts.Store.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load instance %d: %w", id, err)
	}
	name := logutil.SanitizeForLog(inst.Name)
	if !inst.Enabled {
		return nil, connerr.Newf(connerr.KindValidation, "get client", "instance %q is disabled", name)
	}
	cfg := inst.ConfigMap()
	if err := instancecfg.Validate(inst.Type, cfg); err != nil {
		m.state.set(id, change{to: StateFailed, err: err})
		return nil, err
	}

	planned := plannedTransport(inst.Type, cfg)
	m.state.set(id, change{to: StateConnecting, transport: planned, reason: "connecting"})
	conn, err := m.open(ctx, inst, cfg)
	if err != nil {
		m.state.set(id, change{to: StateFailed, transport: planned, err: err})
		log.Printf("[backends] Instance %s (id=%d): connection failed: %v", name, id, err)
		return nil, err
	}
	m.state.set(id, change{to: StateConnected, transport: conn.Transport, reason: "connected via " + conn.Transport})
	log.Printf("[backends] Instance %s (id=%d): connected via %s (%s)", name, id, conn.Transport, conn.Endpoint)
	return conn, nil
}

// plannedTransport names the transport open will try first for cfg.
func plannedTransport(typ instancecfg.Type, cfg map[string]any) string {
	switch typ {
	case instancecfg.TypePortainer, instancecfg.TypeKomodo:
		return TransportHTTP
	}
	return string(instancecfg.ResolveTransport(cfg))
}

func (m *Manager) open(ctx context.Context, inst *database.Instance, cfg map[string]any) (*Conn, error) {
	switch inst.Type {
	case instancecfg.TypePortainer:
		api := apiclient.NewPortainer(instancecfg.String(cfg, instancecfg.KeyURL),
			instancecfg.String(cfg, instancecfg.KeyAPIKey),
			instancecfg.Bool(cfg, instancecfg.KeyVerifySSL, true))
		return m.verified(ctx, &Conn{InstanceID: inst.ID, Type: inst.Type, Transport: TransportHTTP, Endpoint: api.BaseURL, API: api})
	case instancecfg.TypeKomodo:
		api := apiclient.NewKomodo(instancecfg.String(cfg, instancecfg.KeyURL),
			instancecfg.String(cfg, instancecfg.KeyAPIKey),
			instancecfg.String(cfg, instancecfg.KeyAPISecret),
			instancecfg.Bool(cfg, instancecfg.KeyVerifySSL, true))
		return m.verified(ctx, &Conn{InstanceID: inst.ID, Type: inst.Type, Transport: TransportHTTP, Endpoint: api.BaseURL, API: api})
	}

	switch instancecfg.ResolveTransport(cfg) {
	case instancecfg.TransportSSH:
		return m.openSSH(ctx, inst, cfg)
	case instancecfg.TransportTCP:
		return m.openTCP(ctx, inst, cfg)
	default:
		return m.openSocket(ctx, inst, cfg)
	}
}

func (m *Manager) openSocket(ctx context.Context, inst *database.Instance, cfg map[string]any) (*Conn, error) {
	target, err := instancecfg.ParseSocket(cfg)
	if err != nil {
		return nil, connerr.New(connerr.KindValidation, "parse socket target", err)
	}
	cli, err := dockerclient.NewClientWithOpts(socketOpts(target)...)
	if err != nil {
		return nil, connerr.New(connerr.KindValidation, "create docker client", err)
	}
	return m.verified(ctx, &Conn{InstanceID: inst.ID, Type: inst.Type, Transport: TransportSocket, Endpoint: cli.DaemonHost(), Docker: cli})
}

func (m *Manager) openTCP(ctx context.Context, inst *database.Instance, cfg map[string]any) (*Conn, error) {
	target, err := instancecfg.ParseTCP(cfg)
	if err != nil {
		return nil, connerr.New(connerr.KindValidation, "parse tcp target", err)
	}
	plan := planTCP(target)
	opts, err := plan.clientOpts()
	if err != nil {
		return nil, err
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, connerr.New(connerr.KindValidation, "create docker client", err)
	}
	return m.verified(ctx, &Conn{InstanceID: inst.ID, Type: inst.Type, Transport: TransportTCP, Endpoint: plan.ConnectionString, Docker: cli})
}

func (m *Manager) openSSH(ctx context.Context, inst *database.Instance, cfg map[string]any) (*Conn, error) {
	target, err := instancecfg.ParseSSH(cfg)
	if err != nil {
		return nil, connerr.New(connerr.KindValidation, "parse ssh target", err)
	}
	if target.RemoteSocket == "" {
		target.RemoteSocket = m.opts.RemoteSocket
	}

	signer, err := m.signer(ctx, inst, target)
	if err != nil {
		return nil, err
	}
	callback, err := m.hostKeyCallback(ctx, target)
	if err != nil {
		return nil, err
	}

	client, err := m.opts.Dial(ctx, sshproxy.DialConfig{
		Target:          target,
		Signer:          signer,
		HostKeyCallback: callback,
		Timeout:         m.opts.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := sshproxy.Probe(ctx, client, m.opts.ProbeTimeout); err != nil {
		client.Close()
		return nil, err
	}

	conn, via, err := firstSuccess(ctx, "connect "+target.String(),
		attempt[*Conn]{name: "native", run: func(ctx context.Context) (*Conn, error) {
			return m.sshNative(ctx, inst, target, client)
		}},
		attempt[*Conn]{name: "tunnel", run: func(ctx context.Context) (*Conn, error) {
			return m.sshTunnel(ctx, inst, target, signer, callback)
		}},
	)
	if err != nil || via != "native" {
		client.Close()
	}
	return conn, err
}

// signer loads the private key for target: the explicit key file when set,
// otherwise the vault's key, generated on first use.
func (m *Manager) signer(ctx context.Context, inst *database.Instance, target instancecfg.SSHTarget) (ssh.Signer, error) {
	if target.KeyPath != "" {
		data, err := os.ReadFile(target.KeyPath)
		if err != nil {
			return nil, connerr.New(connerr.KindAuthentication, "read ssh key", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, connerr.New(connerr.KindAuthentication, "parse ssh key "+target.KeyPath, err)
		}
		return signer, nil
	}

	key, generated, err := m.opts.Vault.EnsureKey(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if generated {
		log.Printf("[backends] Generated SSH key for instance %s (id=%d); add its public key to %s@%s authorized_keys",
			logutil.SanitizeForLog(inst.Name), inst.ID, target.User, target.Host)
	}

	mk, err := m.opts.Materializer.Materialize(inst.ID, key)
	if err != nil {
		if errors.Is(err, sshkeys.ErrFormatIncompatible) {
			return nil, connerr.New(connerr.KindAuthentication, "load ssh key",
				fmt.Errorf("%w; migrate the key format and reinstall the public key", err))
		}
		return nil, connerr.New(connerr.KindAuthentication, "load ssh key", err)
	}
	// the signer holds the key in memory
	defer mk.Release()
	return mk.Signer, nil
}

// hostKeyCallback makes sure the host key of target is trusted, fetching it
// when unknown, and returns the strict verification callback.
func (m *Manager) hostKeyCallback(ctx context.Context, target instancecfg.SSHTarget) (ssh.HostKeyCallback, error) {
	if !m.opts.Trust.IsKnown(target.Host, target.Port) {
		log.Printf("[backends] Host %s is not trusted yet, fetching its host key", knownhosts.Address(target.Host, target.Port))
		if err := m.opts.Trust.FetchAndTrust(ctx, target.Host, target.Port); err != nil {
			if connerr.KindOf(err) == "" {
				err = connerr.New(connerr.KindTrust, "fetch host key", err)
			}
			return nil, err
		}
	}
	cb, err := m.opts.Trust.HostKeyCallback()
	if err != nil {
		return nil, connerr.New(connerr.KindTrust, "load known hosts", err)
	}
	return cb, nil
}

func (m *Manager) sshNative(ctx context.Context, inst *database.Instance, target instancecfg.SSHTarget, client *ssh.Client) (*Conn, error) {
	cli, err := sshDockerClient(client, target.RemoteSocket)
	if err != nil {
		return nil, err
	}
	return m.verified(ctx, &Conn{
		InstanceID: inst.ID,
		Type:       inst.Type,
		Transport:  TransportSSH,
		Endpoint:   target.String(),
		Docker:     cli,
		sshClient:  client,
	})
}

func (m *Manager) sshTunnel(ctx context.Context, inst *database.Instance, target instancecfg.SSHTarget, signer ssh.Signer, callback ssh.HostKeyCallback) (*Conn, error) {
	tun, err := m.opts.Tunnels.Start(ctx, sshtunnel.Endpoint{
		Target:          target,
		Signer:          signer,
		HostKeyCallback: callback,
		RemoteSocket:    target.RemoteSocket,
		FallbackPort:    m.opts.FallbackPort,
	})
	if err != nil {
		return nil, err
	}
	cli, err := dockerclient.NewClientWithOpts(dockerclient.WithHost(tun.DockerHost()), dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		tun.Close()
		return nil, fmt.Errorf("create docker client for tunnel: %w", err)
	}
	return m.verified(ctx, &Conn{
		InstanceID: inst.ID,
		Type:       inst.Type,
		Transport:  TransportSSHTunnel,
		Endpoint:   tun.DockerHost(),
		Docker:     cli,
		tunnel:     tun,
	})
}

// verified probes conn and closes it when the probe fails.
func (m *Manager) verified(ctx context.Context, conn *Conn) (*Conn, error) {
	if err := m.ping(ctx, conn); err != nil {
		// an SSH client in conn belongs to the caller
		conn.sshClient = nil
		conn.close()
		return nil, err
	}
	return conn, nil
}

// ping probes conn within the probe timeout and classifies the failure.
func (m *Manager) ping(ctx context.Context, conn *Conn) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	err := conn.Ping(ctx)
	switch {
	case err == nil:
		return nil
	case connerr.KindOf(err) != "":
		return err
	case connerr.IsTimeout(err) || ctx.Err() != nil:
		return connerr.New(connerr.KindTimeout, "ping "+conn.Endpoint, err)
	}
	return connerr.New(connerr.KindTransport, "ping "+conn.Endpoint, err)
}

// Close tears down every shared connection, open handles included.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[uint]*entry)
	m.mu.Unlock()

	for id, e := range entries {
		if e.finished() && e.conn != nil {
			m.teardown(id, e.conn, "shutdown")
		}
	}
}

// GenerateSSHKey replaces the SSH key of instance id. Open connections keep
// the old key; new ones use the new key.
func (m *Manager) GenerateSSHKey(ctx context.Context, id uint) (*sshkeys.KeyInfo, error) {
	info, err := m.opts.Vault.Generate(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Invalidate(id)
	return info, nil
}

// GetPublicKey returns the public half of instance id's SSH key.
func (m *Manager) GetPublicKey(ctx context.Context, id uint) (*sshkeys.KeyInfo, error) {
	return m.opts.Vault.PublicKey(ctx, id)
}

// MigrateKeyFormat regenerates instance id's key when it is in a format the
// SSH client cannot load.
func (m *Manager) MigrateKeyFormat(ctx context.Context, id uint) (*sshkeys.MigrationResult, error) {
	res, err := m.opts.Vault.MigrateIfNeeded(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Migrated {
		m.Invalidate(id)
	}
	return res, nil
}

// ValidateConfig checks an instance configuration without touching the network.
func (m *Manager) ValidateConfig(typ instancecfg.Type, cfg map[string]any) error {
	return instancecfg.Validate(typ, cfg)
}

func (m *Manager) ConnectionState(id uint) ConnectionState {
	return m.state.get(id)
}

// StateTransitions returns up to 50 recent transitions of id, oldest first.
func (m *Manager) StateTransitions(id uint) []StateTransition {
	return m.state.transitions(id)
}

// OnStateChange registers a callback invoked on every state change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.state.onChange(cb)
}
