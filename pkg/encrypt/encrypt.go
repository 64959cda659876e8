// Package encrypt seals key material at rest with a passphrase.
// Uses Argon2id for key derivation and AES-256-GCM for authenticated encryption.
package encrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the size of AES-256 keys in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	// SaltSize is the size of salts for key derivation.
	SaltSize = 16

	// Argon2Time is the time parameter for Argon2id.
	Argon2Time = 1

	// Argon2Memory is the memory parameter for Argon2id (64 MB).
	Argon2Memory = 64 * 1024

	// Argon2Threads is the parallelism parameter for Argon2id.
	Argon2Threads = 4
)

// Magic prefixes every sealed blob.
var Magic = []byte("SEALEDSK")

var (
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("invalid encryption key: must be 32 bytes")

	// ErrInvalidCiphertext is returned when ciphertext is too short.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when decryption fails (wrong key or tampered data).
	ErrDecryptionFailed = errors.New("decryption failed: authentication error")

	// ErrEmptyPassphrase is returned when sealing or opening without a passphrase.
	ErrEmptyPassphrase = errors.New("empty passphrase")
)

// AESGCM implements authenticated encryption with AES-256-GCM.
type AESGCM struct {
	cipher cipher.AEAD
}

// NewAESGCM creates a new AES-256-GCM encryptor with the given key.
// Key must be exactly 32 bytes (256 bits).
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCM{cipher: gcm}, nil
}

// EncryptWithAAD encrypts with additional authenticated data.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (e *AESGCM) EncryptWithAAD(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.cipher.Seal(nonce, nonce, plaintext, aad), nil
}

// DecryptWithAAD decrypts data produced by EncryptWithAAD.
func (e *AESGCM) DecryptWithAAD(ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+e.cipher.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	nonce := ciphertext[:NonceSize]
	plaintext, err := e.cipher.Open(nil, nonce, ciphertext[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DeriveKey derives a 256-bit key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		Argon2Time,
		Argon2Memory,
		Argon2Threads,
		KeySize,
	)
}

// IsSealed reports whether data starts with the sealed-blob magic.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Seal encrypts plaintext under a passphrase.
// Layout: magic || salt (16) || nonce (12) || ciphertext || tag (16).
// The magic and salt are bound as additional authenticated data.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	enc, err := NewAESGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(Magic)+SaltSize)
	header = append(header, Magic...)
	header = append(header, salt...)

	body, err := enc.EncryptWithAAD(plaintext, header)
	if err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// Open reverses Seal.
func Open(passphrase string, sealed []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if !IsSealed(sealed) || len(sealed) < len(Magic)+SaltSize {
		return nil, ErrInvalidCiphertext
	}

	headerLen := len(Magic) + SaltSize
	salt := sealed[len(Magic):headerLen]

	enc, err := NewAESGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return enc.DecryptWithAAD(sealed[headerLen:], sealed[:headerLen])
}
