package instancecfg

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// SocketTarget is a local Unix socket endpoint.
type SocketTarget struct {
	Path string
}

// IsDefault reports whether the target is the well-known engine socket, which
// is resolved through ambient environment discovery instead of verbatim.
func (s SocketTarget) IsDefault() bool {
	return s.Path == DefaultSocketPath
}

// DockerHost returns the target as a unix:// URI.
func (s SocketTarget) DockerHost() string {
	return "unix://" + s.Path
}

// SSHTarget is an SSH endpoint hosting a Docker engine.
type SSHTarget struct {
	Host         string
	Port         int
	User         string
	KeyPath      string // explicit private key; empty means the vault's generated key
	RemoteSocket string // engine socket path on the remote host; empty means the configured default
}

// Addr returns host:port suitable for dialing.
func (t SSHTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String returns the target as an ssh:// URI.
func (t SSHTarget) String() string {
	return fmt.Sprintf("ssh://%s@%s", t.User, t.Addr())
}

// TLSSettings describes the TLS material for a TCP engine endpoint.
type TLSSettings struct {
	Enabled    bool
	Verify     bool
	CACert     string
	ClientCert string
	ClientKey  string
}

// TLS material modes, from least to most specific.
const (
	TLSModeNone       = "none"
	TLSModeVerify     = "verify"
	TLSModeCA         = "ca"
	TLSModeClientCert = "client-cert"
)

// Mode returns which TLS material the settings select.
func (t TLSSettings) Mode() string {
	switch {
	case !t.Enabled:
		return TLSModeNone
	case t.ClientCert != "" && t.ClientKey != "":
		return TLSModeClientCert
	case t.CACert != "":
		return TLSModeCA
	default:
		return TLSModeVerify
	}
}

// TCPTarget is a Docker engine reachable over TCP, optionally with TLS.
type TCPTarget struct {
	Host string
	Port int
	TLS  TLSSettings
}

// Addr returns host:port.
func (t TCPTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ConnectionString returns https://host:port when TLS is enabled and
// tcp://host:port otherwise.
func (t TCPTarget) ConnectionString() string {
	if t.TLS.Enabled {
		return "https://" + t.Addr()
	}
	return "tcp://" + t.Addr()
}

// DockerHost returns the tcp:// form the engine client expects; the scheme
// switches to https when the client is built with TLS material.
func (t TCPTarget) DockerHost() string {
	return "tcp://" + t.Addr()
}

// ParseSocket extracts the socket path from a Docker instance config.
func ParseSocket(cfg map[string]any) (SocketTarget, error) {
	host := String(cfg, KeyHost)
	if host == "" {
		return SocketTarget{}, fmt.Errorf("socket path is required")
	}
	path := host
	if strings.HasPrefix(strings.ToLower(host), "unix://") {
		path = host[len("unix://"):]
	}
	if path == "" {
		return SocketTarget{}, fmt.Errorf("socket path is empty in %q", host)
	}
	return SocketTarget{Path: path}, nil
}

// ParseSSH extracts the SSH target from a Docker instance config. The host may
// embed the user and port as ssh://user@host:port or user@host[:port]; an
// embedded port wins over the port field.
func ParseSSH(cfg map[string]any) (SSHTarget, error) {
	raw := String(cfg, KeyHost)
	if raw == "" {
		return SSHTarget{}, fmt.Errorf("ssh host is required")
	}
	if strings.HasPrefix(strings.ToLower(raw), "ssh://") {
		raw = raw[len("ssh://"):]
	}
	raw = strings.TrimSuffix(raw, "/")

	t := SSHTarget{
		KeyPath:      String(cfg, KeySSHKeyPath),
		RemoteSocket: String(cfg, KeyRemoteSocket),
	}

	if at := strings.LastIndex(raw, "@"); at >= 0 {
		t.User = raw[:at]
		raw = raw[at+1:]
	}

	host, port, err := splitHostPort(raw)
	if err != nil {
		return SSHTarget{}, fmt.Errorf("ssh host %q: %w", raw, err)
	}
	if host == "" {
		return SSHTarget{}, fmt.Errorf("ssh host is empty")
	}
	t.Host = host

	if port == 0 {
		p, present, err := Int(cfg, KeyPort)
		if err != nil {
			return SSHTarget{}, err
		}
		if present {
			port = p
		} else {
			port = DefaultSSHPort
		}
	}
	if port < 1 || port > 65535 {
		return SSHTarget{}, fmt.Errorf("ssh port %d out of range", port)
	}
	t.Port = port

	if t.User == "" {
		t.User = String(cfg, KeySSHUser)
	}
	if t.User == "" {
		t.User = String(cfg, KeyUsername)
	}
	if t.User == "" {
		return SSHTarget{}, fmt.Errorf("ssh username is required (use user@host or %s)", KeySSHUser)
	}
	return t, nil
}

// ParseTCP extracts the TCP target from a Docker instance config.
func ParseTCP(cfg map[string]any) (TCPTarget, error) {
	raw := String(cfg, KeyHost)
	if raw == "" {
		return TCPTarget{}, fmt.Errorf("tcp host is required")
	}

	var host string
	var port int
	if isURI(raw) {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return TCPTarget{}, fmt.Errorf("invalid tcp URI %q", raw)
		}
		host = u.Hostname()
		if u.Port() != "" {
			port, err = strconv.Atoi(u.Port())
			if err != nil {
				return TCPTarget{}, fmt.Errorf("invalid port in %q", raw)
			}
		}
	} else {
		h, p, err := splitHostPort(raw)
		if err != nil {
			return TCPTarget{}, fmt.Errorf("tcp host %q: %w", raw, err)
		}
		host, port = h, p
	}

	if port == 0 {
		p, present, err := Int(cfg, KeyPort)
		if err != nil {
			return TCPTarget{}, err
		}
		if present {
			port = p
		} else {
			port = DefaultTCPPort
		}
	}
	if port < 1 || port > 65535 {
		return TCPTarget{}, fmt.Errorf("tcp port %d out of range", port)
	}

	return TCPTarget{
		Host: host,
		Port: port,
		TLS: TLSSettings{
			Enabled:    Bool(cfg, KeyTLSEnabled, false),
			Verify:     Bool(cfg, KeyTLSVerify, true),
			CACert:     String(cfg, KeyTLSCACert),
			ClientCert: String(cfg, KeyTLSClientCert),
			ClientKey:  String(cfg, KeyTLSClientKey),
		},
	}, nil
}

func isURI(s string) bool {
	return strings.Contains(s, "://")
}

// splitHostPort splits host[:port], accepting bare hosts and bracketed IPv6.
// A missing port is returned as 0.
func splitHostPort(s string) (string, int, error) {
	if s == "" {
		return "", 0, nil
	}
	hasPort := strings.HasPrefix(s, "[") || strings.Count(s, ":") == 1
	if !hasPort {
		return s, 0, nil
	}
	if strings.HasPrefix(s, "[") && !strings.Contains(s, "]:") {
		return strings.Trim(s, "[]"), 0, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	if portStr == "" {
		return host, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port %q is not numeric", portStr)
	}
	return host, port, nil
}
