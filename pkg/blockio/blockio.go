// Package blockio provides the block I/O transport consumed by the bitmap
// engine.
//
// The main types are:
//   - [Store]: positional page I/O against a single backing device or file
//   - [FileStore]: production implementation over an open file descriptor,
//     using pread/pwrite so that every access goes straight to the kernel
//     without a buffered layer in between
//   - [MemStore]: in-memory implementation for tests
//   - [FaultStore]: wrapper that injects I/O failures at chosen points
//   - [Member]: one member device of a redundant array, addressed in
//     512-byte sectors
package blockio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// SectorSize is the unit in which members are addressed.
const SectorSize = 512

// ErrFault is returned by [FaultStore] for injected failures.
// Callers should use errors.Is(err, ErrFault).
var ErrFault = errors.New("blockio: injected fault")

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("blockio: closed")

// Store is positional I/O against a single backing device or file.
//
// Implementations must allow concurrent calls. Reads and writes are
// full-buffer: a short transfer without an error is reported as an error by
// the implementation itself.
type Store interface {
	// ReadAt fills p from the byte offset off.
	ReadAt(p []byte, off int64) error

	// WriteAt writes p at the byte offset off, extending the store if
	// needed.
	WriteAt(p []byte, off int64) error

	// Sync commits written data to stable storage.
	Sync() error

	// Size returns the current size in bytes.
	Size() (int64, error)

	// Close releases the store. Further calls return [ErrClosed].
	Close() error
}

// Member is one member device of a redundant array.
//
// Offsets (SBStart, DataOffset) and sizes are in sectors, matching how the
// array metadata layer describes its devices. The bitmap engine writes its
// image to every member that is not faulty, and reads it only from members
// that are in-sync and not faulty.
type Member struct {
	// Name identifies the device in logs.
	Name string

	// Store is the backing device.
	Store Store

	// SBStart is the sector of the member's array superblock.
	SBStart int64

	// DataOffset is the first data sector.
	DataOffset int64

	// Sectors is the amount of data the member carries.
	Sectors uint64

	// LogicalBlockSize is the device's logical block size in bytes.
	// Writes are rounded up to a multiple of it.
	LogicalBlockSize int

	insync atomic.Bool
	faulty atomic.Bool
}

// NewMember returns a member in the in-sync, non-faulty state.
func NewMember(name string, store Store, sbStart, dataOffset int64, sectors uint64) *Member {
	m := &Member{
		Name:             name,
		Store:            store,
		SBStart:          sbStart,
		DataOffset:       dataOffset,
		Sectors:          sectors,
		LogicalBlockSize: SectorSize,
	}
	m.insync.Store(true)

	return m
}

// InSync reports whether the member holds up-to-date data.
func (m *Member) InSync() bool { return m.insync.Load() }

// Faulty reports whether the member has failed.
func (m *Member) Faulty() bool { return m.faulty.Load() }

// SetInSync marks the member in or out of sync.
func (m *Member) SetInSync(v bool) { m.insync.Store(v) }

// SetFaulty marks the member failed or healthy.
func (m *Member) SetFaulty(v bool) { m.faulty.Store(v) }

// WriteSectors writes p starting at the given sector.
func (m *Member) WriteSectors(sector int64, p []byte) error {
	err := m.Store.WriteAt(p, sector*SectorSize)
	if err != nil {
		return fmt.Errorf("member %s: write %d sectors at %d: %w",
			m.Name, len(p)/SectorSize, sector, err)
	}

	return m.Store.Sync()
}

// ReadSectors fills p starting at the given sector.
func (m *Member) ReadSectors(sector int64, p []byte) error {
	err := m.Store.ReadAt(p, sector*SectorSize)
	if err != nil {
		return fmt.Errorf("member %s: read %d sectors at %d: %w",
			m.Name, len(p)/SectorSize, sector, err)
	}

	return nil
}

// MemStore is an in-memory [Store] for tests.
type MemStore struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewMemStore returns a MemStore pre-sized to size bytes.
func NewMemStore(size int) *MemStore {
	return &MemStore{data: make([]byte, size)}
}

// Bytes returns a copy of the store contents.
func (s *MemStore) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, len(s.data))
	copy(out, s.data)

	return out
}

func (s *MemStore) ReadAt(p []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return fmt.Errorf("memstore: read [%d,%d) beyond size %d", off, off+int64(len(p)), len(s.data))
	}

	copy(p, s.data[off:])

	return nil
}

func (s *MemStore) WriteAt(p []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if off < 0 {
		return fmt.Errorf("memstore: negative offset %d", off)
	}

	end := off + int64(len(p))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}

	copy(s.data[off:], p)

	return nil
}

func (s *MemStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

func (s *MemStore) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	return int64(len(s.data)), nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// Compile-time interface checks.
var (
	_ Store = (*MemStore)(nil)
	_ Store = (*FaultStore)(nil)
	_ Store = (*FileStore)(nil)
)
