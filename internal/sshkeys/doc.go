// Package sshkeys is the credential vault for SSH-reachable container
// engines.
//
// Each instance owns at most one RSA 2048 key pair. The pair lives inside the
// instance config:
//
//   - ssh_private_key_encrypted: OpenSSH-format private key, fernet encrypted
//   - ssh_public_key: authorized_keys line with a portdash-<name> comment
//   - ssh_key_fingerprint: SHA256:<base64> over the public key wire bytes
//   - ssh_key_generated_at: RFC 3339 timestamp
//
// All four fields are written in a single config update, and only after the
// private key was encrypted. A failed encryption or decryption never touches
// stored material.
//
// # Key Lifecycle
//
// 1. Generation: [Vault.Generate] creates the pair and stores it, replacing
// any previous one.
//
// 2. Use: [Vault.EnsureKey] returns the decrypted private key, generating one
// on first use. A [KeyMaterializer] turns it into an [ssh.Signer]; the file
// variant writes instance-<id>.key with 0600 permissions into a 0700 directory
// and removes it again on [MaterializedKey.Release].
//
// 3. Migration: keys stored in the legacy PEM encoding, or of a non-RSA type,
// fail [CheckFormat]. [Vault.MigrateIfNeeded] replaces them with a freshly
// generated pair and logs both fingerprints. The new public key must be
// installed on the remote host again.
//
// The encryption key is derived from the application secret and is not
// rotated.
package sshkeys
