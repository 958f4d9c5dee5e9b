package sshkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	keyBits      = 2048
	openSSHBlock = "OPENSSH PRIVATE KEY"
)

// ErrFormatIncompatible is returned for private keys the SSH stack will not
// load: legacy PEM encodings, unparseable data and non-RSA keys.
var ErrFormatIncompatible = errors.New("ssh private key format incompatible")

// KeyPair is a freshly generated key pair.
type KeyPair struct {
	PrivateKey  []byte // PEM, OPENSSH PRIVATE KEY block
	PublicKey   string // authorized_keys line including comment
	Fingerprint string
}

// GenerateKeyPair creates an RSA key pair. The private key is serialized in the
// OpenSSH format, not PKCS#1.
func GenerateKeyPair(comment string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("create ssh public key: %w", err)
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}

	return &KeyPair{
		PrivateKey:  pem.EncodeToMemory(block),
		PublicKey:   line,
		Fingerprint: ssh.FingerprintSHA256(pub),
	}, nil
}

// CheckFormat verifies that privateKey is an RSA key in the OpenSSH encoding
// and returns a signer for it. Any other input yields ErrFormatIncompatible.
func CheckFormat(privateKey []byte) (ssh.Signer, error) {
	block, _ := pem.Decode(privateKey)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrFormatIncompatible)
	}
	if block.Type != openSSHBlock {
		return nil, fmt.Errorf("%w: legacy %q encoding", ErrFormatIncompatible, block.Type)
	}

	raw, err := ssh.ParseRawPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatIncompatible, err)
	}
	if _, ok := raw.(*rsa.PrivateKey); !ok {
		return nil, fmt.Errorf("%w: key type %T is not RSA", ErrFormatIncompatible, raw)
	}

	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatIncompatible, err)
	}
	return signer, nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line.
func Fingerprint(publicKey string) (string, error) {
	if strings.TrimSpace(publicKey) == "" {
		return "", fmt.Errorf("fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// keyComment builds the authorized_keys comment for an instance.
func keyComment(instanceName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, strings.TrimSpace(instanceName))
	return "portdash-" + name
}
