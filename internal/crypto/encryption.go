package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort is returned when a ciphertext cannot even hold its nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor seals secrets at rest with AES-256-GCM: the SMTP and IMAP
// passwords of a user, and the bytes of draft attachments.
// Sealed values are laid out as [nonce][ciphertext][tag].
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor from a base64 encoded 32-byte key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals a password.
func (e *Encryptor) Encrypt(plaintext string) ([]byte, error) {
	return e.Seal([]byte(plaintext))
}

// Decrypt opens a password sealed by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) (string, error) {
	plaintext, err := e.Open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Seal encrypts data with a fresh random nonce, so equal inputs give different outputs.
func (e *Encryptor) Seal(data []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(data)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, data, nil), nil
}

// Open decrypts data sealed by Seal. It fails if the data was altered or
// sealed with another key.
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
