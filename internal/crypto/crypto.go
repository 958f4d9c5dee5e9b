package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/portdash/internal/config"
	"github.com/gluk-w/portdash/internal/database"
)

const appSecretSetting = "app_secret"

// keyDomain separates the derived encryption key from any other use of the
// application secret.
const keyDomain = "portdash/ssh-private-key/v1:"

var ErrInvalidToken = errors.New("decrypt: invalid token")

// Cipher encrypts small secrets (SSH private keys) at rest with fernet. The
// fernet key is derived deterministically from the application secret, so the
// same secret always decrypts previously stored blobs.
type Cipher struct {
	key *fernet.Key
}

// NewCipher derives the fernet key from secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("new cipher: application secret is empty")
	}
	return &Cipher{key: DeriveKey(secret)}, nil
}

// DeriveKey maps the application secret to a fernet key via SHA-256.
func DeriveKey(secret string) *fernet.Key {
	sum := sha256.Sum256([]byte(keyDomain + secret))
	k := fernet.Key(sum)
	return &k
}

func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{c.key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}

// AppSecret returns the configured application secret. Without one, a random
// secret is generated on first use and kept in the settings table so that
// encrypted key material survives restarts.
func AppSecret() (string, error) {
	if config.Cfg.SecretKey != "" {
		return config.Cfg.SecretKey, nil
	}

	secret, err := database.GetSetting(appSecretSetting)
	if err == nil && secret != "" {
		return secret, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate app secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)
	if err := database.SetSetting(appSecretSetting, secret); err != nil {
		return "", fmt.Errorf("save app secret: %w", err)
	}
	return secret, nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
