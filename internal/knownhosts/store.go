package knownhosts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/portdash/internal/connerr"
	"golang.org/x/crypto/ssh"
	sshknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

const defaultScanTimeout = 10 * time.Second

// appendMu serializes appends to known_hosts files within the process.
var appendMu sync.Mutex

// Store is the file-backed TrustStore.
type Store struct {
	path    string
	scanner KeyScanner
	timeout time.Duration
}

// NewStore returns a store over the known_hosts file at path. A zero timeout
// means 10s per scan.
func NewStore(path string, scanner KeyScanner, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	return &Store{path: path, scanner: scanner, timeout: timeout}
}

func (s *Store) Path() string { return s.path }

func (s *Store) IsKnown(host string, port int) bool {
	cb, err := sshknownhosts.New(s.path)
	if err != nil {
		return false
	}
	return known(cb, host, port)
}

func (s *Store) FetchAndTrust(ctx context.Context, host string, port int) error {
	op := "trust " + Address(host, port)
	if s.scanner == nil {
		return connerr.New(connerr.KindTrust, op, ErrScannerUnavailable)
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.scanner.Scan(scanCtx, host, port)
	if err != nil {
		if scanCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", scanCtx.Err(), err)
		}
		return connerr.New(connerr.KindTrust, op, fmt.Errorf("scan host keys: %w", err))
	}
	keys, err := scannedKeys(out)
	if err != nil {
		return connerr.New(connerr.KindTrust, op, err)
	}

	appendMu.Lock()
	defer appendMu.Unlock()

	fresh, err := s.newKeys(host, port, keys)
	if err != nil {
		return connerr.New(connerr.KindTrust, op, err)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := s.appendLines(Address(host, port), fresh); err != nil {
		return connerr.New(connerr.KindTrust, op, err)
	}

	log.Printf("[trust] Trusted host keys for %s: %s", Address(host, port), fingerprints(fresh))
	return nil
}

// newKeys filters out keys already on file and rejects keys that replace a
// known key of the same type.
func (s *Store) newKeys(host string, port int, keys []ssh.PublicKey) ([]ssh.PublicKey, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return keys, nil
	}
	cb, err := sshknownhosts.New(s.path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	addr := net.JoinHostPort(host, fmt.Sprint(port))
	remote := &net.TCPAddr{IP: net.IPv4zero, Port: port}
	var fresh []ssh.PublicKey
	for _, key := range keys {
		err := cb(addr, remote, key)
		if err == nil {
			continue
		}
		var keyErr *sshknownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return nil, err
		}
		for _, want := range keyErr.Want {
			if want.Key.Type() == key.Type() {
				return nil, fmt.Errorf("%w: %s offers %s, known_hosts has %s (%s:%d)",
					ErrHostKeyChanged, Address(host, port), ssh.FingerprintSHA256(key),
					ssh.FingerprintSHA256(want.Key), want.Filename, want.Line)
			}
		}
		fresh = append(fresh, key)
	}
	return fresh, nil
}

func (s *Store) appendLines(address string, keys []ssh.PublicKey) error {
	if err := ensureFile(s.path); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(sshknownhosts.Line([]string{address}, key))
		b.WriteByte('\n')
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

func (s *Store) HostKeyCallback() (ssh.HostKeyCallback, error) {
	if err := ensureFile(s.path); err != nil {
		return nil, connerr.New(connerr.KindTrust, "load known_hosts", err)
	}
	cb, err := sshknownhosts.New(s.path)
	if err != nil {
		return nil, connerr.New(connerr.KindTrust, "load known_hosts", err)
	}
	return strict(cb), nil
}

// strict wraps host key rejections as trust errors.
func strict(cb ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			return connerr.New(connerr.KindTrust, "verify host key for "+sshknownhosts.Normalize(hostname), err)
		}
		return nil
	}
}

// ensureFile creates an empty known_hosts file (0600, directory 0700) when
// none exists.
func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}
