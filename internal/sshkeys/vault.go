package sshkeys

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/database"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/logutil"
)

// ErrNoKey is returned by PublicKey when the instance has no generated key.
var ErrNoKey = errors.New("no ssh key generated")

// InstanceStore is the subset of the instance store the vault needs.
type InstanceStore interface {
	GetInstance(ctx context.Context, id uint) (*database.Instance, error)
	UpdateInstanceConfig(ctx context.Context, id uint, patch map[string]any) error
}

// Encrypter protects private keys at rest. *crypto.Cipher implements it.
type Encrypter interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// KeyInfo is the public half of an instance key.
type KeyInfo struct {
	PublicKey   string    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	GeneratedAt time.Time `json:"generated_at"`
}

// MigrationResult reports the outcome of MigrateIfNeeded.
type MigrationResult struct {
	Migrated       bool   `json:"migrated"`
	Reason         string `json:"reason"`
	OldFingerprint string `json:"old_fingerprint,omitempty"`
	NewFingerprint string `json:"new_fingerprint,omitempty"`
}

// Vault owns per-instance SSH key material.
type Vault struct {
	store  InstanceStore
	cipher Encrypter

	// Now is the clock used for generated_at timestamps.
	Now func() time.Time

	// serializes generation so concurrent first uses produce one key
	mu sync.Mutex
}

func NewVault(store InstanceStore, cipher Encrypter) *Vault {
	return &Vault{store: store, cipher: cipher, Now: time.Now}
}

// Generate creates a new key pair for instance id, replacing any existing one.
func (v *Vault) Generate(ctx context.Context, id uint) (*KeyInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, _, err := v.generateLocked(ctx, id)
	return info, err
}

func (v *Vault) generateLocked(ctx context.Context, id uint) (*KeyInfo, []byte, error) {
	inst, err := v.store.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	pair, err := GenerateKeyPair(keyComment(inst.Name))
	if err != nil {
		return nil, nil, err
	}

	encrypted, err := v.cipher.Encrypt(pair.PrivateKey)
	if err != nil {
		return nil, nil, connerr.New(connerr.KindEncryption, "encrypt private key", err)
	}

	generatedAt := v.Now().UTC().Truncate(time.Second)
	patch := map[string]any{
		instancecfg.KeySSHPrivateKeyEncrypted: encrypted,
		instancecfg.KeySSHPublicKey:           pair.PublicKey,
		instancecfg.KeySSHKeyFingerprint:      pair.Fingerprint,
		instancecfg.KeySSHKeyGeneratedAt:      generatedAt.Format(time.RFC3339),
	}
	if err := v.store.UpdateInstanceConfig(ctx, id, patch); err != nil {
		return nil, nil, fmt.Errorf("store ssh key: %w", err)
	}

	log.Printf("[sshkeys] Generated key for instance %s (id=%d, fingerprint=%s)",
		logutil.SanitizeForLog(inst.Name), id, pair.Fingerprint)

	return &KeyInfo{
		PublicKey:   pair.PublicKey,
		Fingerprint: pair.Fingerprint,
		GeneratedAt: generatedAt,
	}, pair.PrivateKey, nil
}

// PrivateKey returns the decrypted private key, or nil when none is stored.
func (v *Vault) PrivateKey(ctx context.Context, id uint) ([]byte, error) {
	inst, err := v.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.decrypt(inst)
}

func (v *Vault) decrypt(inst *database.Instance) ([]byte, error) {
	encrypted := instancecfg.String(inst.ConfigMap(), instancecfg.KeySSHPrivateKeyEncrypted)
	if encrypted == "" {
		return nil, nil
	}
	plain, err := v.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, connerr.New(connerr.KindEncryption, "decrypt private key", err)
	}
	return plain, nil
}

// PublicKey returns the stored public key of instance id.
func (v *Vault) PublicKey(ctx context.Context, id uint) (*KeyInfo, error) {
	inst, err := v.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := inst.ConfigMap()
	pub := instancecfg.String(cfg, instancecfg.KeySSHPublicKey)
	if pub == "" {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNoKey)
	}

	info := &KeyInfo{
		PublicKey:   pub,
		Fingerprint: instancecfg.String(cfg, instancecfg.KeySSHKeyFingerprint),
	}
	if info.Fingerprint == "" {
		if fp, err := Fingerprint(pub); err == nil {
			info.Fingerprint = fp
		}
	}
	if ts := instancecfg.String(cfg, instancecfg.KeySSHKeyGeneratedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			info.GeneratedAt = t
		}
	}
	return info, nil
}

// EnsureKey returns the private key of instance id, generating a pair first
// when none exists.
func (v *Vault) EnsureKey(ctx context.Context, id uint) (privateKey []byte, generated bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	inst, err := v.store.GetInstance(ctx, id)
	if err != nil {
		return nil, false, err
	}
	key, err := v.decrypt(inst)
	if err != nil {
		return nil, false, err
	}
	if key != nil {
		return key, false, nil
	}

	_, key, err = v.generateLocked(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// MigrateIfNeeded regenerates the key pair of instance id when the stored
// private key fails CheckFormat. Instances without a key are left alone.
func (v *Vault) MigrateIfNeeded(ctx context.Context, id uint) (*MigrationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	inst, err := v.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	key, err := v.decrypt(inst)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return &MigrationResult{Reason: "no key stored"}, nil
	}

	oldFP := instancecfg.String(inst.ConfigMap(), instancecfg.KeySSHKeyFingerprint)
	_, formatErr := CheckFormat(key)
	if formatErr == nil {
		return &MigrationResult{Reason: "key format is current", OldFingerprint: oldFP, NewFingerprint: oldFP}, nil
	}

	info, _, err := v.generateLocked(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("migrate key for instance %d: %w", id, err)
	}

	log.Printf("[sshkeys] Migrated key for instance %s (id=%d): %s -> %s (%v)",
		logutil.SanitizeForLog(inst.Name), id, oldFP, info.Fingerprint, formatErr)

	return &MigrationResult{
		Migrated:       true,
		Reason:         formatErr.Error(),
		OldFingerprint: oldFP,
		NewFingerprint: info.Fingerprint,
	}, nil
}
