// Package secretcipher provides AES-256-GCM authenticated encryption for
// broker passwords at rest, keyed from a process-wide operator secret.
package secretcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DefaultSecret is used when the operator supplies no MQTT_PROXY_SECRET.
// Its use is logged as a warning by the caller — it offers no real secrecy.
const DefaultSecret = "mqtt-multi-proxy-insecure-default-secret"

// hkdfInfo versions the key-derivation context so the derived key can be
// rotated later without changing the env var contract.
const hkdfInfo = "mqtt-multi-proxy/secretcipher/v1"

// RetainSentinel is the placeholder value admin clients send in update
// payloads to mean "keep the existing password".
const RetainSentinel = "********"

// ErrDecrypt is returned when ciphertext fails to authenticate or decode.
var ErrDecrypt = errors.New("secretcipher: decrypt failed")

// Cipher encrypts and decrypts password strings for storage in the broker
// config JSON file.
type Cipher struct {
	gcm cipher.AEAD
}

// New derives a 32-byte AES-256 key from secret via HKDF-SHA256 and
// constructs a Cipher. secret should be the raw MQTT_PROXY_SECRET value (or
// DefaultSecret).
func New(secret string) (*Cipher, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secretcipher: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretcipher: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretcipher: new gcm: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plaintext and returns a base64-encoded nonce‖ciphertext
// string suitable for JSON storage. An empty plaintext encrypts to an empty
// string so absent passwords round-trip without a spurious ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretcipher: nonce: %w", err)
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an opaque ciphertext produced by Encrypt. An empty input
// decrypts to an empty plaintext. On failure it returns ErrDecrypt; callers
// surface the record with an empty password and a warning rather than
// failing the whole load.
func (c *Cipher) Decrypt(opaque string) (string, error) {
	if opaque == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

// IsRetainSentinel reports whether value is the "keep existing password"
// placeholder an admin client sends on update.
func IsRetainSentinel(value string) bool {
	return value == RetainSentinel
}
