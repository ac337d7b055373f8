// Package vault encrypts OAuth tokens at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrConfiguration indicates the vault secret is absent or too weak to use.
var ErrConfiguration = errors.New("vault: secret missing or too short")

// CryptoError reports a decryption failure. Tokens that fail to decrypt must
// never be returned as plaintext, so callers are expected to treat this as
// fatal for the affected connection.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vault: %s", e.Op)
}

func (e *CryptoError) Unwrap() error { return e.Err }

const minSecretLen = 16

// Vault holds the derived AEAD used for token encryption.
type Vault struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from the configured secret and builds the vault.
func New(secret string) (*Vault, error) {
	if len(secret) < minSecretLen {
		return nil, ErrConfiguration
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("ledgerbridge/token-vault"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce. The result is
// base64(nonce) + "." + base64(ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + "." + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any malformed input or
// authentication failure yields a *CryptoError, never garbage plaintext.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	parts := strings.SplitN(ciphertext, ".", 2)
	if len(parts) != 2 {
		return "", &CryptoError{Op: "decrypt", Err: errors.New("missing nonce separator")}
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	if len(nonce) != v.aead.NonceSize() {
		return "", &CryptoError{Op: "decrypt", Err: errors.New("bad nonce length")}
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}
