package blockio

import (
	"sync"
)

// FaultStore wraps a [Store] and injects failures at chosen points.
//
// It exists for crash and error-path testing: the bitmap engine must react
// to a failed page write by kicking the image, and the only reliable way to
// exercise that is to make a specific write fail on demand.
//
// The zero counters mean "never fail". FailWriteAt(n) fails the n-th write
// (1-based) and every write after it; FailReads() fails all reads.
type FaultStore struct {
	inner Store

	mu         sync.Mutex
	failWrite  int // fail writes once this many have been issued
	failReads  bool
	writeCount int
	readCount  int
}

// NewFaultStore wraps inner with fault injection disabled.
func NewFaultStore(inner Store) *FaultStore {
	return &FaultStore{inner: inner}
}

// FailWriteAt makes the n-th and all subsequent WriteAt calls fail with
// [ErrFault]. n is 1-based; 0 disables write faults.
func (s *FaultStore) FailWriteAt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failWrite = n
}

// FailReads makes every ReadAt call fail with [ErrFault].
func (s *FaultStore) FailReads(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failReads = v
}

// Writes returns how many WriteAt calls have been issued, including failed
// ones.
func (s *FaultStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeCount
}

// Reads returns how many ReadAt calls have been issued.
func (s *FaultStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readCount
}

func (s *FaultStore) ReadAt(p []byte, off int64) error {
	s.mu.Lock()
	s.readCount++
	fail := s.failReads
	s.mu.Unlock()

	if fail {
		return ErrFault
	}

	return s.inner.ReadAt(p, off)
}

func (s *FaultStore) WriteAt(p []byte, off int64) error {
	s.mu.Lock()
	s.writeCount++
	fail := s.failWrite > 0 && s.writeCount >= s.failWrite
	s.mu.Unlock()

	if fail {
		return ErrFault
	}

	return s.inner.WriteAt(p, off)
}

func (s *FaultStore) Sync() error {
	return s.inner.Sync()
}

func (s *FaultStore) Size() (int64, error) {
	return s.inner.Size()
}

func (s *FaultStore) Close() error {
	return s.inner.Close()
}
