// Package secret seals small values with AES-GCM under a PBKDF2-derived key.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize   = 32
	keySize    = 32
	iterations = 100000

	// PassphraseEnv overrides the generated passphrase file
	PassphraseEnv = "IGCRAWLER_PASSPHRASE"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Sealer encrypts and decrypts values with a single derived key
type Sealer struct {
	aead cipher.AEAD
}

// NewSalt returns SaltSize random bytes
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewSealer derives the key for passphrase and salt
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal returns nonce||ciphertext
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrCiphertextTooShort
	}
	return s.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
}

// SealString seals v and base64-encodes the result
func (s *Sealer) SealString(v string) (string, error) {
	out, err := s.Seal([]byte(v))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenString reverses SealString
func (s *Sealer) OpenString(v string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	out, err := s.Open(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ConfigDir returns (and creates) the per-user configuration directory
func ConfigDir() (string, error) {
	var dir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, "Library", "Application Support", "igcrawler")
	case "windows":
		dir = filepath.Join(os.Getenv("APPDATA"), "igcrawler")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "igcrawler")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dir = filepath.Join(home, ".config", "igcrawler")
		}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// Passphrase returns the passphrase from the environment or from
// dir/.passphrase, generating the file on first use.
func Passphrase(dir string) (string, error) {
	if pass := os.Getenv(PassphraseEnv); pass != "" {
		return pass, nil
	}

	path := filepath.Join(dir, ".passphrase")
	if content, err := os.ReadFile(path); err == nil && len(content) > 0 {
		return strings.TrimSpace(string(content)), nil
	}

	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	pass := base64.URLEncoding.EncodeToString(b)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(pass), 0600); err != nil {
		return "", fmt.Errorf("failed to save passphrase: %w", err)
	}
	return pass, nil
}
