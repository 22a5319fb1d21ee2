// Package blob stores uploaded document bytes on the local filesystem, in
// an S3-compatible bucket or in memory.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Driver names a storage backend.
type Driver string

const (
	DriverFS     Driver = "fs"
	DriverS3     Driver = "s3"
	DriverMemory Driver = "memory"
)

// DefaultPresignExpiry is used when PresignURL is given no expiry.
const DefaultPresignExpiry = 15 * time.Minute

// PutOptions are optional attributes of a stored object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored object.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is an S3-like object store. Put is create-only: an existing key
// yields ErrAlreadyExists. Missing keys yield ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	// PresignURL returns a time-limited GET URL. Drivers without public
	// URLs return ErrUnavailable and callers stream through Get instead.
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Driver() Driver
}

// Config selects and configures a driver.
type Config struct {
	Driver Driver `yaml:"driver"`
	// Root is the fs driver's directory.
	Root string `yaml:"root"`

	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"-"`
}

// DefaultConfig stores blobs under ./data/blobs.
func DefaultConfig() Config {
	return Config{Driver: DriverFS, Root: "./data/blobs", Region: "us-east-1"}
}

// Validate checks the driver-specific fields.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverFS:
		if c.Root == "" {
			return fmt.Errorf("blob root is required for the fs driver: %w", vcerrors.ErrValidation)
		}
	case DriverS3:
		if c.Bucket == "" {
			return fmt.Errorf("blob bucket is required for the s3 driver: %w", vcerrors.ErrValidation)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown blob driver %q: %w", c.Driver, vcerrors.ErrValidation)
	}
	return nil
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case DriverS3:
		return NewS3(ctx, cfg)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return NewFS(cfg.Root)
	}
}

// CleanKey validates a key and returns its canonical slash-separated form.
// Keys may not be absolute or climb out of the store.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("blob key is required: %w", vcerrors.ErrValidation)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid blob key %q: %w", key, vcerrors.ErrValidation)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid blob key %q: %w", key, vcerrors.ErrValidation)
		}
	}
	clean := path.Clean(key)
	if clean == "." || strings.HasSuffix(clean, ".meta") {
		return "", fmt.Errorf("invalid blob key %q: %w", key, vcerrors.ErrValidation)
	}
	return clean, nil
}

func notFound(key string) error {
	return fmt.Errorf("blob %s: %w", key, vcerrors.ErrNotFound)
}

func alreadyExists(key string) error {
	return fmt.Errorf("blob %s: %w", key, vcerrors.ErrAlreadyExists)
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
