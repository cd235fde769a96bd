// Package persist stores the network information base between restarts.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Version of the snapshot format.
const Version = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeUnix,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("persist: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("persist: cbor decoder: %v", err))
	}
}

// Network is the descriptor of the network the node belongs to.
type Network struct {
	ExtendedPANID   uint64 `cbor:"1,keyasint"`
	PANID           uint16 `cbor:"2,keyasint"`
	Channel         uint8  `cbor:"3,keyasint"`
	StackProfile    uint8  `cbor:"4,keyasint"`
	ZigbeeVersion   uint8  `cbor:"5,keyasint"`
	BeaconOrder     uint8  `cbor:"6,keyasint"`
	SuperframeOrder uint8  `cbor:"7,keyasint"`
	Parent          uint16 `cbor:"8,keyasint"`
}

// Device is one address table entry.
type Device struct {
	Extended uint64 `cbor:"1,keyasint"`
	Short    uint16 `cbor:"2,keyasint"`
}

// Snapshot is the persisted network information base.
type Snapshot struct {
	Version      int       `cbor:"1,keyasint"`
	SavedAt      time.Time `cbor:"2,keyasint"`
	Role         uint8     `cbor:"3,keyasint"`
	ShortAddress uint16    `cbor:"4,keyasint"`
	Network      Network   `cbor:"5,keyasint"`
	Devices      []Device  `cbor:"6,keyasint,omitempty"`
	FrameCounter uint32    `cbor:"7,keyasint"`
	KeySequence  uint8     `cbor:"8,keyasint,omitempty"`
}

// Store is implemented by FileStore and MemoryStore.
type Store interface {
	Save(s *Snapshot) error
	// Load returns nil, nil when nothing was saved.
	Load() (*Snapshot, error)
	Clear() error
}

// Marshal encodes a snapshot.
func Marshal(s *Snapshot) ([]byte, error) {
	return encMode.Marshal(s)
}

// Unmarshal decodes a snapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := decMode.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("persist: decode: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("persist: unsupported snapshot version %d", s.Version)
	}
	return s, nil
}

// FileStore keeps the snapshot in one CBOR file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Save(s *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	s.Version = Version
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now()
	}
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	// write and rename so a crash never leaves half a file
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Load() (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryStore keeps the encoded snapshot in memory.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func (m *MemoryStore) Save(s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Version = Version
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func (m *MemoryStore) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return Unmarshal(m.data)
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}
