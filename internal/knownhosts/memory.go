package knownhosts

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gluk-w/portdash/internal/connerr"
	"golang.org/x/crypto/ssh"
	sshknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

// MemoryStore is an in-memory TrustStore. FetchAndTrust consults Scanner
// when set and fails otherwise.
type MemoryStore struct {
	Scanner KeyScanner

	mu      sync.Mutex
	keys    map[string][]ssh.PublicKey
	fetches int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]ssh.PublicKey)}
}

// Trust records key for host:port.
func (m *MemoryStore) Trust(host string, port int, key ssh.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trustLocked(Address(host, port), key)
}

func (m *MemoryStore) trustLocked(addr string, key ssh.PublicKey) {
	for _, k := range m.keys[addr] {
		if k.Type() == key.Type() && string(k.Marshal()) == string(key.Marshal()) {
			return
		}
	}
	m.keys[addr] = append(m.keys[addr], key)
}

// Fetches counts FetchAndTrust calls.
func (m *MemoryStore) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *MemoryStore) IsKnown(host string, port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys[Address(host, port)]) > 0
}

func (m *MemoryStore) FetchAndTrust(ctx context.Context, host string, port int) error {
	m.mu.Lock()
	m.fetches++
	scanner := m.Scanner
	m.mu.Unlock()

	op := "trust " + Address(host, port)
	if scanner == nil {
		return connerr.New(connerr.KindTrust, op, ErrScannerUnavailable)
	}
	out, err := scanner.Scan(ctx, host, port)
	if err != nil {
		return connerr.New(connerr.KindTrust, op, fmt.Errorf("scan host keys: %w", err))
	}
	keys, err := scannedKeys(out)
	if err != nil {
		return connerr.New(connerr.KindTrust, op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.trustLocked(Address(host, port), k)
	}
	return nil
}

func (m *MemoryStore) HostKeyCallback() (ssh.HostKeyCallback, error) {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		addr := sshknownhosts.Normalize(hostname)
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, k := range m.keys[addr] {
			if string(k.Marshal()) == string(key.Marshal()) {
				return nil
			}
		}
		return connerr.New(connerr.KindTrust, "verify host key for "+addr,
			fmt.Errorf("no matching key on file (%s)", ssh.FingerprintSHA256(key)))
	}, nil
}
