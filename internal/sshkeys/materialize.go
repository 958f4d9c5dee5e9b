package sshkeys

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
)

// KeyMaterializer turns a decrypted private key into something the SSH client
// can authenticate with.
type KeyMaterializer interface {
	Materialize(instanceID uint, privateKey []byte) (*MaterializedKey, error)
}

// MaterializedKey is a loaded private key. Path is empty for in-memory keys.
// Release must be called once the signer is no longer needed; it is safe to
// call more than once.
type MaterializedKey struct {
	Path   string
	Signer ssh.Signer

	once    sync.Once
	release func() error
	err     error
}

func (k *MaterializedKey) Release() error {
	if k == nil || k.release == nil {
		return nil
	}
	k.once.Do(func() { k.err = k.release() })
	return k.err
}

// FileMaterializer writes keys to Dir/instance-<id>.key for the lifetime of
// the returned MaterializedKey.
type FileMaterializer struct {
	Dir string
}

func (m FileMaterializer) Materialize(instanceID uint, privateKey []byte) (*MaterializedKey, error) {
	if err := os.MkdirAll(m.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	path := filepath.Join(m.Dir, fmt.Sprintf("instance-%d.key", instanceID))

	if err := os.WriteFile(path, privateKey, 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	// WriteFile keeps the mode of a pre-existing file
	if err := os.Chmod(path, 0600); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("chmod private key: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("read back private key: %w", err)
	}
	signer, err := CheckFormat(data)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	return &MaterializedKey{
		Path:   path,
		Signer: signer,
		release: func() error {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Printf("[sshkeys] Failed to remove key file %s: %v", path, err)
				return err
			}
			return nil
		},
	}, nil
}

// MemoryMaterializer parses keys without touching the filesystem.
type MemoryMaterializer struct{}

func (MemoryMaterializer) Materialize(_ uint, privateKey []byte) (*MaterializedKey, error) {
	signer, err := CheckFormat(privateKey)
	if err != nil {
		return nil, err
	}
	return &MaterializedKey{Signer: signer}, nil
}
