// Package knownhosts is the trust store for SSH host keys. Entries live in an
// OpenSSH known_hosts file shared by the whole process; hosts are keyed as
// "host" for port 22 and "[host]:port" otherwise.
//
// Host keys are learned on first use through a KeyScanner and verified
// strictly afterwards. A host that is neither known nor fetchable is refused.
package knownhosts

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	sshknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

// TrustStore decides whether an SSH host key is trusted.
type TrustStore interface {
	// IsKnown reports whether at least one key is on file for host:port.
	IsKnown(host string, port int) bool

	// FetchAndTrust retrieves the host keys of host:port and records them.
	FetchAndTrust(ctx context.Context, host string, port int) error

	// HostKeyCallback returns a strict callback for ssh.ClientConfig.
	HostKeyCallback() (ssh.HostKeyCallback, error)
}

// KeyScanner retrieves the host keys offered by a server, in known_hosts
// format.
type KeyScanner interface {
	Scan(ctx context.Context, host string, port int) ([]byte, error)
}

// ErrScannerUnavailable is returned when the scanning tool is missing.
var ErrScannerUnavailable = errors.New("host key scanner unavailable")

// ErrHostKeyChanged is returned when a scanned key conflicts with the key on
// file.
var ErrHostKeyChanged = errors.New("host key changed")

// Address returns the known_hosts form of host:port.
func Address(host string, port int) string {
	return sshknownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))
}

// probeKey never matches a real host key; checking it tells known from unknown
// hosts without holding the real key.
var probeKey = func() ssh.PublicKey {
	k, err := ssh.NewPublicKey(ed25519.PublicKey(make([]byte, ed25519.PublicKeySize)))
	if err != nil {
		panic(err)
	}
	return k
}()

// known evaluates cb for host:port: true when the callback holds any key for
// the address.
func known(cb ssh.HostKeyCallback, host string, port int) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	err := cb(addr, &net.TCPAddr{IP: net.IPv4zero, Port: port}, probeKey)
	if err == nil {
		return true
	}
	var keyErr *sshknownhosts.KeyError
	return errors.As(err, &keyErr) && len(keyErr.Want) > 0
}

// scannedKeys parses scanner output into public keys. Comment and blank lines
// are skipped; a malformed line fails the whole batch.
func scannedKeys(out []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		marker, _, key, _, _, err := ssh.ParseKnownHosts([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("invalid known_hosts line %q: %w", truncate(line), err)
		}
		if marker != "" {
			return nil, fmt.Errorf("unexpected marker %q in scanner output", marker)
		}
		keys = append(keys, key)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("scanner returned no host keys")
	}
	return keys, nil
}

func truncate(s string) string {
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

func fingerprints(keys []ssh.PublicKey) string {
	fps := make([]string, len(keys))
	for i, k := range keys {
		fps[i] = k.Type() + " " + ssh.FingerprintSHA256(k)
	}
	return strings.Join(fps, ", ")
}
