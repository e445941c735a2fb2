// Package nvm persists the device configuration snapshot. The on-disk form
// is YAML with a checksum over the encoded snapshot, written atomically so
// a crash never leaves a torn file behind.
package nvm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
	"go.yaml.in/yaml/v2"

	"github.com/kstaniek/go-foc-firmware/internal/controller"
	"github.com/kstaniek/go-foc-firmware/internal/motor"
	"github.com/kstaniek/go-foc-firmware/internal/observer"
)

// FormatVersion is bumped on incompatible snapshot layout changes.
const FormatVersion = 1

var (
	ErrNotFound = errors.New("nvm: no saved configuration")
	ErrChecksum = errors.New("nvm: checksum mismatch")
	ErrVersion  = errors.New("nvm: unsupported format version")
	ErrInvalid  = errors.New("nvm: invalid snapshot")
)

// Snapshot is everything restored at boot.
type Snapshot struct {
	Version    uint32            `yaml:"version"`
	Firmware   string            `yaml:"firmware,omitempty"`
	NodeID     uint8             `yaml:"node_id"`
	Controller controller.Config `yaml:"controller"`
	Motor      motor.Params      `yaml:"motor"`
	Observer   observer.Config   `yaml:"observer"`
}

// Default returns a snapshot of factory defaults for node.
func Default(node uint8) Snapshot {
	return Snapshot{
		Version:    FormatVersion,
		NodeID:     node,
		Controller: controller.DefaultConfig(),
		Motor:      motor.DefaultParams(),
		Observer:   observer.DefaultConfig(),
	}
}

// Validate reports every invalid field of the snapshot.
func (s Snapshot) Validate() error {
	var err error
	if s.Version != FormatVersion {
		err = multierr.Append(err, fmt.Errorf("%w: %d", ErrVersion, s.Version))
	}
	if s.NodeID == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: node_id 0 is reserved", ErrInvalid))
	}
	return multierr.Combine(err, s.Controller.Validate(), s.Motor.Validate(), s.Observer.Validate())
}

type envelope struct {
	Snapshot `yaml:",inline"`
	Checksum string `yaml:"checksum"`
}

func checksum(s Snapshot) (string, error) {
	b, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16), nil
}

// Encode renders s with its checksum.
func Encode(s Snapshot) ([]byte, error) {
	sum, err := checksum(s)
	if err != nil {
		return nil, fmt.Errorf("nvm: encode: %w", err)
	}
	return yaml.Marshal(envelope{Snapshot: s, Checksum: sum})
}

// Decode parses and verifies an encoded snapshot. A missing checksum is
// accepted so hand-written files can be loaded; a wrong one is not.
func Decode(b []byte) (Snapshot, error) {
	var env envelope
	if err := yaml.UnmarshalStrict(b, &env); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if env.Checksum != "" {
		sum, err := checksum(env.Snapshot)
		if err != nil {
			return Snapshot{}, err
		}
		if sum != env.Checksum {
			return Snapshot{}, fmt.Errorf("%w: have %s want %s", ErrChecksum, env.Checksum, sum)
		}
	}
	if err := env.Snapshot.Validate(); err != nil {
		return Snapshot{}, err
	}
	return env.Snapshot, nil
}

// Store is the persistence backend.
type Store interface {
	Save(Snapshot) error
	Load() (Snapshot, error)
	Erase() error
}

// FileStore keeps the snapshot in a single YAML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (f *FileStore) Path() string { return f.path }

// Save validates s and replaces the file atomically.
func (f *FileStore) Save(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b, err := Encode(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("nvm: save: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after rename
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("nvm: save: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("nvm: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("nvm: save: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("nvm: save: %w", err)
	}
	return nil
}

func (f *FileStore) Load() (Snapshot, error) {
	f.mu.Lock()
	b, err := os.ReadFile(f.path)
	f.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("nvm: load: %w", err)
	}
	return Decode(b)
}

func (f *FileStore) Erase() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("nvm: erase: %w", err)
	}
	return nil
}

// MemStore keeps the encoded snapshot in memory. Used when no file is
// configured and in tests.
type MemStore struct {
	mu   sync.Mutex
	data []byte
}

func (m *MemStore) Save(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b, err := Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = b
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Load() (Snapshot, error) {
	m.mu.Lock()
	b := m.data
	m.mu.Unlock()
	if b == nil {
		return Snapshot{}, ErrNotFound
	}
	return Decode(b)
}

func (m *MemStore) Erase() error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}
