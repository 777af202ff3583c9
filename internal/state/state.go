// Package state persists the last applied admission policy across restarts.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// persistenceVersion is the current file format version.
const persistenceVersion = "v1"

// Policy is the on-disk record. A nil field means the policy was cleared.
type Policy struct {
	Version        string    `yaml:"version"`
	BandwidthLimit *uint64   `yaml:"bandwidth_limit,omitempty"`
	LossRate       *int32    `yaml:"loss_rate,omitempty"`
	UpdatedAt      time.Time `yaml:"updated_at"`
}

// Store reads and writes Policy records. Implementations must be safe for
// concurrent use.
type Store interface {
	Save(p Policy) error
	// Load returns an error satisfying errors.Is(err, os.ErrNotExist) when
	// nothing was saved yet.
	Load() (Policy, error)
}

// FileStore keeps the policy in a single YAML file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore at path, creating parent directories.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("state: create directory for %q: %w", path, err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the state file location.
func (s *FileStore) Path() string { return s.path }

// Save atomically replaces the state file through a unique temp file and
// rename, so concurrent saves never interleave.
func (s *FileStore) Save(p Policy) error {
	if p.Version == "" {
		p.Version = persistenceVersion
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	data, err := yaml.Marshal(&p)
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir, base := filepath.Split(s.path)
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: rename to %q: %w", s.path, err)
	}

	slog.Debug("policy state persisted", "path", s.path)
	return nil
}

// Load reads the state file.
func (s *FileStore) Load() (Policy, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Policy{}, fmt.Errorf("state: %q not found: %w", s.path, os.ErrNotExist)
		}
		return Policy{}, fmt.Errorf("state: read %q: %w", s.path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("state: unmarshal %q: %w", s.path, err)
	}
	if p.Version != persistenceVersion {
		return Policy{}, fmt.Errorf("state: unsupported version %q in %q", p.Version, s.path)
	}
	return p, nil
}
