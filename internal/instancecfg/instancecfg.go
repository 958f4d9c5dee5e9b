// Package instancecfg validates and interprets the free-form configuration map
// stored on each backend instance. Everything here is pure: no network or
// filesystem access, and identical input always yields identical output.
package instancecfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the kind of container backend an instance points at.
type Type string

const (
	TypeDocker    Type = "docker"    // container engine
	TypePortainer Type = "portainer" // container-management UI
	TypeKomodo    Type = "komodo"    // stack orchestrator
)

// Valid reports whether t is a known instance type.
func (t Type) Valid() bool {
	switch t {
	case TypeDocker, TypePortainer, TypeKomodo:
		return true
	}
	return false
}

// Transport is the network mechanism used to reach a Docker engine.
type Transport string

const (
	TransportSocket Transport = "socket"
	TransportSSH    Transport = "ssh"
	TransportTCP    Transport = "tcp"
)

// Configuration map keys.
const (
	KeyConnectionType = "connection_type"
	KeyHost           = "host"
	KeyPort           = "port"
	KeySSHUser        = "ssh_user"
	KeyUsername       = "username"
	KeySSHKeyPath     = "ssh_key_path"
	KeyRemoteSocket   = "remote_socket"

	KeyTLSEnabled    = "tls_enabled"
	KeyTLSVerify     = "tls_verify"
	KeyTLSCACert     = "tls_ca_cert"
	KeyTLSClientCert = "tls_client_cert"
	KeyTLSClientKey  = "tls_client_key"

	KeyURL       = "url"
	KeyAPIKey    = "api_key"
	KeyAPISecret = "api_secret"
	KeyVerifySSL = "verify_ssl"

	// SSH key material managed by the credential vault.
	KeySSHPrivateKeyEncrypted = "ssh_private_key_encrypted"
	KeySSHPublicKey           = "ssh_public_key"
	KeySSHKeyFingerprint      = "ssh_key_fingerprint"
	KeySSHKeyGeneratedAt      = "ssh_key_generated_at"
)

const (
	DefaultSocketPath   = "/var/run/docker.sock"
	DefaultSSHPort      = 22
	DefaultTCPPort      = 2376
	MinScanInterval     = 60
	DefaultScanInterval = 300
)

// SecretKeys lists configuration keys whose values must never be returned
// verbatim by the API.
var SecretKeys = []string{KeyAPIKey, KeyAPISecret, KeySSHPrivateKeyEncrypted}

// KeyMaterialKeys are the config keys owned by the credential vault.
var KeyMaterialKeys = []string{
	KeySSHPrivateKeyEncrypted,
	KeySSHPublicKey,
	KeySSHKeyFingerprint,
	KeySSHKeyGeneratedAt,
}

// String returns the trimmed string value stored under key, or "".
func String(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return strings.TrimSpace(s.String())
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}

// Int returns the integer stored under key. present is false when the key is
// missing or empty; err is set when a value is present but not an integer.
func Int(cfg map[string]any, key string) (n int, present bool, err error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch x := v.(type) {
	case int:
		return x, true, nil
	case int64:
		return int(x), true, nil
	case float64:
		if x != float64(int(x)) {
			return 0, true, fmt.Errorf("%s must be an integer, got %v", key, x)
		}
		return int(x), true, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, true, fmt.Errorf("%s must be numeric, got %q", key, s)
		}
		return n, true, nil
	}
	return 0, true, fmt.Errorf("%s has unsupported type %T", key, v)
}

// Bool returns the boolean stored under key, or def when the key is missing
// or unparseable. Accepts JSON booleans and the usual string spellings.
func Bool(cfg map[string]any, key string, def bool) bool {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

// ResolveTransport picks the transport for a Docker instance: an explicit
// connection_type wins, then the host's URI prefix, then socket for
// backward compatibility with un-prefixed hosts.
func ResolveTransport(cfg map[string]any) Transport {
	switch Transport(strings.ToLower(String(cfg, KeyConnectionType))) {
	case TransportSocket:
		return TransportSocket
	case TransportSSH:
		return TransportSSH
	case TransportTCP:
		return TransportTCP
	}

	host := strings.ToLower(String(cfg, KeyHost))
	switch {
	case strings.HasPrefix(host, "unix://"):
		return TransportSocket
	case strings.HasPrefix(host, "ssh://"):
		return TransportSSH
	case strings.HasPrefix(host, "tcp://"):
		return TransportTCP
	}
	return TransportSocket
}

// Merge returns a copy of base with every key of patch applied on top.
// A nil value in patch deletes the key.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Redact returns a copy of cfg with secret values masked by mask.
func Redact(cfg map[string]any, mask func(string) string) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, k := range SecretKeys {
		if s, ok := out[k].(string); ok && s != "" {
			out[k] = mask(s)
		}
	}
	return out
}
