// Package secret implements the credential envelope: connection API keys are
// stored as (hex ciphertext, UUIDv7 salt) pairs sealed with AES-256-GCM. The
// per-record key is SHA-256 of the salt string concatenated with the
// application secret string, so rotating the application secret invalidates
// every stored key at once.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ErrDecrypt is wrapped into every decryption failure so callers can map it
// to an internal error without inspecting the cause.
var ErrDecrypt = fmt.Errorf("secret: decryption failed")

// Box seals and opens connection credentials with a process-wide secret.
// The secret is normalized to a UUIDv5 of the configured string, matching
// the id-derivation scheme used for virtual keys.
type Box struct {
	secret uuid.UUID
}

// NewBox derives the application secret from its configured string form.
func NewBox(applicationSecret string) *Box {
	return &Box{secret: uuid.NewSHA1(uuid.NameSpaceDNS, []byte(applicationSecret))}
}

// Encrypt seals plaintext under a freshly allocated UUIDv7 salt and returns
// hex(nonce || ciphertext) plus the salt.
func (b *Box) Encrypt(plaintext string) (string, uuid.UUID, error) {
	salt, err := uuid.NewV7()
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("secret: allocate salt: %w", err)
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return "", uuid.Nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", uuid.Nil, fmt.Errorf("secret: nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), salt, nil
}

// Decrypt opens a hex(nonce || ciphertext) envelope with its salt.
// The returned key material must never be logged.
func (b *Box) Decrypt(cipherHex string, salt uuid.UUID) (string, error) {
	raw, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecrypt)
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

func (b *Box) aead(salt uuid.UUID) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(salt.String() + b.secret.String()))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secret: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: gcm: %w", err)
	}
	return gcm, nil
}

// VirtualKeyID derives the stable id of a virtual key from its plaintext
// form: UUIDv5 in the DNS namespace. Lookup by key therefore needs no scan.
func VirtualKeyID(key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(key))
}
