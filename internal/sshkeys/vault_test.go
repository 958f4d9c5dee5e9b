package sshkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/portdash/internal/connerr"
	"github.com/gluk-w/portdash/internal/crypto"
	"github.com/gluk-w/portdash/internal/database"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"golang.org/x/crypto/ssh"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func setupVault(t *testing.T, secret string) (*Vault, *database.Store, uint) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store := database.NewStore(db)

	inst := &database.Instance{
		Name:    "nas box",
		Type:    instancecfg.TypeDocker,
		Enabled: true,
		Config:  map[string]any{"host": "ssh://root@10.0.0.9"},
	}
	if err := store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	cipher, err := crypto.NewCipher(secret)
	if err != nil {
		t.Fatal(err)
	}
	v := NewVault(store, cipher)
	v.Now = func() time.Time { return fixedNow }
	return v, store, inst.ID
}

type failingCipher struct{}

func (failingCipher) Encrypt([]byte) (string, error) { return "", errors.New("cipher unavailable") }
func (failingCipher) Decrypt(string) ([]byte, error) { return nil, errors.New("cipher unavailable") }

func TestGenerateRoundTrip(t *testing.T) {
	v, store, id := setupVault(t, "secret")
	ctx := context.Background()

	info, err := v.Generate(ctx, id)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(info.PublicKey, "ssh-rsa ") {
		t.Errorf("public key type: %q", info.PublicKey)
	}
	if !strings.HasSuffix(info.PublicKey, " portdash-nas-box") {
		t.Errorf("public key comment: %q", info.PublicKey)
	}
	if !info.GeneratedAt.Equal(fixedNow) {
		t.Errorf("GeneratedAt: got %v, want %v", info.GeneratedAt, fixedNow)
	}

	priv, err := v.PrivateKey(ctx, id)
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	block, _ := pem.Decode(priv)
	if block == nil || block.Type != "OPENSSH PRIVATE KEY" {
		t.Fatalf("private key is not in OpenSSH format")
	}

	signer, err := CheckFormat(priv)
	if err != nil {
		t.Fatalf("CheckFormat: %v", err)
	}
	if got := ssh.FingerprintSHA256(signer.PublicKey()); got != info.Fingerprint {
		t.Errorf("fingerprint of private key %s != stored %s", got, info.Fingerprint)
	}
	if got, _ := Fingerprint(info.PublicKey); got != info.Fingerprint {
		t.Errorf("fingerprint of public key %s != stored %s", got, info.Fingerprint)
	}

	inst, _ := store.GetInstance(ctx, id)
	cfg := inst.ConfigMap()
	if enc := instancecfg.String(cfg, instancecfg.KeySSHPrivateKeyEncrypted); enc == "" || strings.Contains(enc, "PRIVATE KEY") {
		t.Error("private key not stored encrypted")
	}
	if got := instancecfg.String(cfg, instancecfg.KeySSHKeyGeneratedAt); got != "2026-03-14T09:26:53Z" {
		t.Errorf("generated_at: got %q", got)
	}

	pub, err := v.PublicKey(ctx, id)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if pub.PublicKey != info.PublicKey || pub.Fingerprint != info.Fingerprint || !pub.GeneratedAt.Equal(fixedNow) {
		t.Errorf("PublicKey mismatch: %+v vs %+v", pub, info)
	}
}

func TestGenerateReplacesPair(t *testing.T) {
	v, _, id := setupVault(t, "secret")
	ctx := context.Background()

	first, err := v.Generate(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.Generate(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint == second.Fingerprint {
		t.Error("regeneration produced the same key")
	}
	pub, _ := v.PublicKey(ctx, id)
	if pub.Fingerprint != second.Fingerprint {
		t.Error("stored fingerprint is not the latest")
	}
}

func TestPrivateKeyAbsent(t *testing.T) {
	v, _, id := setupVault(t, "secret")
	key, err := v.PrivateKey(context.Background(), id)
	if err != nil || key != nil {
		t.Fatalf("PrivateKey on fresh instance = %v, %v; want nil, nil", key, err)
	}
	if _, err := v.PublicKey(context.Background(), id); !errors.Is(err, ErrNoKey) {
		t.Fatalf("PublicKey: expected ErrNoKey, got %v", err)
	}
}

func TestEnsureKeyGeneratesOnce(t *testing.T) {
	v, _, id := setupVault(t, "secret")
	ctx := context.Background()

	key1, generated, err := v.EnsureKey(ctx, id)
	if err != nil || !generated {
		t.Fatalf("first EnsureKey: generated=%v err=%v", generated, err)
	}
	key2, generated, err := v.EnsureKey(ctx, id)
	if err != nil || generated {
		t.Fatalf("second EnsureKey: generated=%v err=%v", generated, err)
	}
	if string(key1) != string(key2) {
		t.Error("EnsureKey returned a different key")
	}
}

func TestEncryptionFailureKeepsStoredKey(t *testing.T) {
	v, store, id := setupVault(t, "secret")
	ctx := context.Background()

	info, err := v.Generate(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	broken := NewVault(store, failingCipher{})
	if _, err := broken.Generate(ctx, id); !connerr.Is(err, connerr.KindEncryption) {
		t.Fatalf("expected encryption error, got %v", err)
	}

	pub, err := v.PublicKey(ctx, id)
	if err != nil || pub.Fingerprint != info.Fingerprint {
		t.Errorf("stored key changed after failed generation: %+v, %v", pub, err)
	}
	if _, err := v.PrivateKey(ctx, id); err != nil {
		t.Errorf("stored key no longer decrypts: %v", err)
	}
}

func TestDecryptWithWrongSecret(t *testing.T) {
	v, store, id := setupVault(t, "secret")
	ctx := context.Background()
	if _, err := v.Generate(ctx, id); err != nil {
		t.Fatal(err)
	}

	other, _ := crypto.NewCipher("another-secret")
	wrong := NewVault(store, other)
	if _, err := wrong.PrivateKey(ctx, id); !connerr.Is(err, connerr.KindEncryption) {
		t.Fatalf("expected encryption error, got %v", err)
	}
	if _, _, err := wrong.EnsureKey(ctx, id); !connerr.Is(err, connerr.KindEncryption) {
		t.Fatalf("EnsureKey must not regenerate over an undecryptable key, got %v", err)
	}
}

func storeRawKey(t *testing.T, v *Vault, store *database.Store, id uint, key []byte, fingerprint string) {
	t.Helper()
	enc, err := v.cipher.Encrypt(key)
	if err != nil {
		t.Fatal(err)
	}
	err = store.UpdateInstanceConfig(context.Background(), id, map[string]any{
		instancecfg.KeySSHPrivateKeyEncrypted: enc,
		instancecfg.KeySSHKeyFingerprint:      fingerprint,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func legacyRSAKey(t *testing.T) []byte {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
}

func TestMigrateLegacyKey(t *testing.T) {
	v, store, id := setupVault(t, "secret")
	ctx := context.Background()

	storeRawKey(t, v, store, id, legacyRSAKey(t), "SHA256:legacy")

	res, err := v.MigrateIfNeeded(ctx, id)
	if err != nil {
		t.Fatalf("MigrateIfNeeded: %v", err)
	}
	if !res.Migrated {
		t.Fatalf("legacy key not migrated: %+v", res)
	}
	if res.OldFingerprint != "SHA256:legacy" || res.NewFingerprint == "" || res.NewFingerprint == res.OldFingerprint {
		t.Errorf("unexpected fingerprints: %+v", res)
	}

	priv, _ := v.PrivateKey(ctx, id)
	if _, err := CheckFormat(priv); err != nil {
		t.Errorf("migrated key fails format check: %v", err)
	}

	again, err := v.MigrateIfNeeded(ctx, id)
	if err != nil || again.Migrated {
		t.Errorf("second migration: %+v, %v", again, err)
	}
}

func TestMigrateNonRSAKey(t *testing.T) {
	v, store, id := setupVault(t, "secret")

	_, edPriv, _ := ed25519.GenerateKey(rand.Reader)
	block, err := ssh.MarshalPrivateKey(edPriv, "")
	if err != nil {
		t.Fatal(err)
	}
	storeRawKey(t, v, store, id, pem.EncodeToMemory(block), "")

	res, err := v.MigrateIfNeeded(context.Background(), id)
	if err != nil || !res.Migrated {
		t.Fatalf("ed25519 key should be migrated: %+v, %v", res, err)
	}
}

func TestMigrateWithoutKey(t *testing.T) {
	v, _, id := setupVault(t, "secret")
	res, err := v.MigrateIfNeeded(context.Background(), id)
	if err != nil || res.Migrated {
		t.Fatalf("instance without key: %+v, %v", res, err)
	}
	if _, err := v.PublicKey(context.Background(), id); !errors.Is(err, ErrNoKey) {
		t.Error("migration generated a key for an instance without one")
	}
}

func TestCheckFormat(t *testing.T) {
	if _, err := CheckFormat([]byte("garbage")); !errors.Is(err, ErrFormatIncompatible) {
		t.Errorf("garbage: %v", err)
	}
	if _, err := CheckFormat(legacyRSAKey(t)); !errors.Is(err, ErrFormatIncompatible) {
		t.Errorf("legacy PEM: %v", err)
	}
	pair, err := GenerateKeyPair("portdash-test")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := CheckFormat(pair.PrivateKey); err != nil {
		t.Errorf("fresh key: %v", err)
	}
}

func TestFileMaterializer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	pair, err := GenerateKeyPair("portdash-test")
	if err != nil {
		t.Fatal(err)
	}

	m := FileMaterializer{Dir: dir}
	key, err := m.Materialize(7, pair.PrivateKey)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if key.Path != filepath.Join(dir, "instance-7.key") {
		t.Errorf("Path: got %s", key.Path)
	}

	fi, err := os.Stat(key.Path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0600 {
		t.Errorf("key file permissions: got %o, want 0600", perm)
	}
	di, _ := os.Stat(dir)
	if perm := di.Mode().Perm(); perm != 0700 {
		t.Errorf("key dir permissions: got %o, want 0700", perm)
	}
	if ssh.FingerprintSHA256(key.Signer.PublicKey()) != pair.Fingerprint {
		t.Error("signer does not match generated key")
	}

	if err := key.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(key.Path); !os.IsNotExist(err) {
		t.Error("key file still present after Release")
	}
	if err := key.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestFileMaterializerRejectsLegacy(t *testing.T) {
	dir := t.TempDir()
	_, err := FileMaterializer{Dir: dir}.Materialize(3, legacyRSAKey(t))
	if !errors.Is(err, ErrFormatIncompatible) {
		t.Fatalf("expected ErrFormatIncompatible, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "instance-3.key")); !os.IsNotExist(err) {
		t.Error("incompatible key file left on disk")
	}
}

func TestMemoryMaterializer(t *testing.T) {
	pair, _ := GenerateKeyPair("")
	key, err := MemoryMaterializer{}.Materialize(1, pair.PrivateKey)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if key.Path != "" {
		t.Errorf("memory key has path %q", key.Path)
	}
	if err := key.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
}
