// Package secrets keeps third-party API keys (Anthropic, Tavily, Wolfram Alpha)
// in an AES-GCM encrypted file under the vcmatrix config directory. The file
// key lives in the OS keyring, an environment variable, or is derived from a
// passphrase.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/vcmatrix/config"
)

// DefaultFileName is the secrets file inside the config directory.
const DefaultFileName = "secrets.yaml"

var (
	// ErrNotFound is returned for unknown secret names.
	ErrNotFound = config.ErrSecretNotFound
	// ErrDecryptFailed means the file key does not match the stored values.
	ErrDecryptFailed = errors.New("secret decryption failed")
	// ErrInvalidName rejects names that are not lower_snake_case.
	ErrInvalidName = errors.New("invalid secret name")
)

type fileFormat struct {
	Version   int               `yaml:"version"`
	Salt      string            `yaml:"salt,omitempty"`
	UpdatedAt time.Time         `yaml:"updated_at"`
	Secrets   map[string]string `yaml:"secrets"`
}

// Store reads and writes the encrypted secrets file.
type Store struct {
	path string
	key  []byte
	desc string
	mu   sync.Mutex
}

// Open creates a Store at path using the key from provider.
func Open(path string, provider KeyProvider) (*Store, error) {
	key, err := provider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keyLength, len(key))
	}
	return &Store{path: path, key: key, desc: provider.Description()}, nil
}

// OpenDefault opens config-dir/secrets.yaml with DefaultKeyProvider, or with
// a passphrase-derived key when passphrase is non-empty.
func OpenDefault(passphrase string) (*Store, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, DefaultFileName)

	var provider KeyProvider
	if passphrase != "" {
		salt, err := loadOrCreateSalt(path)
		if err != nil {
			return nil, err
		}
		provider = NewPassphraseKeyProvider(passphrase, salt)
	} else {
		provider, err = DefaultKeyProvider()
		if err != nil {
			return nil, err
		}
	}
	return Open(path, provider)
}

// Path returns the secrets file location.
func (s *Store) Path() string { return s.path }

// KeySource describes where the encryption key comes from.
func (s *Store) KeySource() string { return s.desc }

// Get decrypts the named secret. Unknown names return ErrNotFound.
func (s *Store) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return "", err
	}
	ct, ok := f.Secrets[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return s.decrypt(ct)
}

// Set encrypts and stores value under name.
func (s *Store) Set(name, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("secret %s: value must not be empty", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	ct, err := s.encrypt(value)
	if err != nil {
		return err
	}
	f.Secrets[name] = ct
	return s.write(f)
}

// Delete removes name. Deleting an unknown name returns ErrNotFound.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f.Secrets[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	delete(f.Secrets, name)
	return s.write(f)
}

// List returns stored secret names in sorted order.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Secrets))
	for name := range f.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ValidateName accepts lower_snake_case names such as tavily_api_key.
func ValidateName(name string) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Mask hides all but the last four characters of a secret value.
func Mask(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}

func (s *Store) read() (*fileFormat, error) {
	f := &fileFormat{Version: 1, Secrets: map[string]string{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if f.Secrets == nil {
		f.Secrets = map[string]string{}
	}
	return f, nil
}

func (s *Store) write(f *fileFormat) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets directory: %w", err)
	}
	f.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *Store) encrypt(plaintext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrDecryptFailed, err)
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plain), nil
}

// loadOrCreateSalt reads the salt recorded in the secrets file, writing a new
// one when the file does not exist yet.
func loadOrCreateSalt(path string) ([]byte, error) {
	s := &Store{path: path}
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	if f.Salt != "" {
		salt, err := hex.DecodeString(f.Salt)
		if err != nil {
			return nil, fmt.Errorf("invalid salt in secrets file: %w", err)
		}
		return salt, nil
	}
	if len(f.Secrets) > 0 {
		return nil, errors.New("secrets file was not created with a passphrase")
	}
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	f.Salt = hex.EncodeToString(salt)
	if err := s.write(f); err != nil {
		return nil, err
	}
	return salt, nil
}
