// Package credential encrypts provider API keys before they are written to
// the configuration table. Keys are sealed with AES-256-GCM under a key
// derived from the current machine and user.
package credential

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
	"runtime"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EncryptedPrefix marks sealed values in storage.
const EncryptedPrefix = "enc:v1:"

const salt = "enkidu-credential-v1"

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid encrypted format")
)

// ConfigStore is the key/value table secrets are kept in.
type ConfigStore interface {
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
}

// IsSecretKey reports whether a configuration key holds a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	return strings.HasSuffix(k, "api_key") || strings.HasSuffix(k, "token")
}

// Manager seals and opens credentials.
type Manager struct {
	aead cipher.AEAD
}

// NewManager builds a manager keyed to this machine.
func NewManager() (*Manager, error) {
	return NewManagerWithSeed(machineSeed())
}

// NewManagerWithSeed builds a manager from an explicit seed.
func NewManagerWithSeed(seed string) (*Manager, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(seed), []byte(salt), []byte("aes-256-gcm")), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Manager{aead: aead}, nil
}

// Encrypt seals plaintext. An empty value stays empty.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. Values without the prefix were stored before
// encryption existed and are returned unchanged.
func (m *Manager) Decrypt(stored string) (string, error) {
	if stored == "" || !IsEncrypted(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}
	n := m.aead.NonceSize()
	if len(raw) < n {
		return "", ErrInvalidFormat
	}
	plain, err := m.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Put stores value under key, sealing it when the key holds a credential.
func (m *Manager) Put(s ConfigStore, key, value string) error {
	if IsSecretKey(key) && !IsEncrypted(value) {
		sealed, err := m.Encrypt(value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return s.SetConfig(key, value)
}

// Get reads key and opens it when sealed.
func (m *Manager) Get(s ConfigStore, key string) (string, error) {
	v, err := s.GetConfig(key)
	if err != nil {
		return "", err
	}
	out, err := m.Decrypt(v)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return out, nil
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// MaskSecret keeps the first and last four characters of long secrets.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func machineSeed() string {
	var b strings.Builder
	hostname, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	b.WriteString(hostname)
	b.WriteString(home)
	b.WriteString(runtime.GOOS)
	b.WriteString(runtime.GOARCH)
	if uid := os.Getuid(); uid != -1 {
		fmt.Fprintf(&b, "uid:%d", uid)
	}
	b.WriteString(os.Getenv("USER"))
	return b.String()
}
