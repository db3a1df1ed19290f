// Package crypto seals account secrets so they can sit in a config file.
package crypto

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

	"golang.org/x/crypto/pbkdf2"
)

// SealedPrefix marks a config value produced by Seal
const SealedPrefix = "enc:"

const (
	minPassphraseLen = 16
	pbkdf2Iterations = 100000
)

var (
	// ErrWeakPassphrase is returned for passphrases shorter than 16 characters
	ErrWeakPassphrase = errors.New("passphrase must be at least 16 characters")
	// ErrNoPassphrase is returned when a sealed value is found without a key to open it
	ErrNoPassphrase = errors.New("sealed secret requires a passphrase")
)

// Sealer encrypts and decrypts secrets with AES-256-GCM
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte key from passphrase with PBKDF2-SHA256
func NewSealer(passphrase string) (*Sealer, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, ErrWeakPassphrase
	}

	// fixed salt: the same passphrase must open values sealed on another host
	salt := []byte("imapforward-v1-salt")
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns it as "enc:<base64>"
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. The prefix is optional.
func (s *Sealer) Open(sealed string) (string, error) {
	encoded := strings.TrimPrefix(sealed, SealedPrefix)
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("malformed sealed secret: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed secret: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the sealed prefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Resolve returns value unchanged unless it is sealed, in which case it is
// opened with passphrase.
func Resolve(value, passphrase string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if passphrase == "" {
		return "", ErrNoPassphrase
	}

	s, err := NewSealer(passphrase)
	if err != nil {
		return "", err
	}
	return s.Open(value)
}
