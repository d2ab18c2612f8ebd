package blockio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// FileStore is a [Store] over an open file descriptor.
//
// The file is opened once; all subsequent I/O uses pread/pwrite on the raw
// descriptor, so nothing in this package goes through a buffered layer that
// could reorder or delay page writes. This mirrors how the engine treats a
// file-backed image: resolve it once, then bypass the filesystem for the
// data path.
type FileStore struct {
	mu     sync.Mutex
	fd     int
	path   string
	closed bool
}

// OpenFileStore opens (or creates, with create=true) the file at path for
// read/write page I/O.
func OpenFileStore(path string, create bool) (*FileStore, error) {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT
	}

	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	return &FileStore{fd: fd, path: path}, nil
}

// Path returns the path the store was opened with.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) ReadAt(p []byte, off int64) error {
	s.mu.Lock()
	fd, closed := s.fd, s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	for len(p) > 0 {
		n, err := unix.Pread(fd, p, off)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("pread %q at %d: %w", s.path, off, err)
		}

		if n == 0 {
			return fmt.Errorf("pread %q at %d: %w", s.path, off, io.ErrUnexpectedEOF)
		}

		p = p[n:]
		off += int64(n)
	}

	return nil
}

func (s *FileStore) WriteAt(p []byte, off int64) error {
	s.mu.Lock()
	fd, closed := s.fd, s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	for len(p) > 0 {
		n, err := unix.Pwrite(fd, p, off)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("pwrite %q at %d: %w", s.path, off, err)
		}

		p = p[n:]
		off += int64(n)
	}

	return nil
}

func (s *FileStore) Sync() error {
	s.mu.Lock()
	fd, closed := s.fd, s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	err := unix.Fsync(fd)
	if err != nil {
		return fmt.Errorf("fsync %q: %w", s.path, err)
	}

	return nil
}

func (s *FileStore) Size() (int64, error) {
	s.mu.Lock()
	fd, closed := s.fd, s.closed
	s.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}

	var stat unix.Stat_t

	err := unix.Fstat(fd, &stat)
	if err != nil {
		return 0, fmt.Errorf("fstat %q: %w", s.path, err)
	}

	return stat.Size, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	err := unix.Close(s.fd)
	if err != nil {
		return fmt.Errorf("close %q: %w", s.path, err)
	}

	return nil
}
