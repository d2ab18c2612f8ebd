// Package dlm defines the multi-mode lock manager contract the bitmap
// engine consumes, plus a single-node implementation.
//
// Lock calls are asynchronous: [LockSpace.Lock] returns after the request is
// dispatched, and the grant is delivered through the ast callback. When
// another request conflicts with a held lock, the holder's bast callback is
// invoked asking it to release. [LockSync] and [UnlockSync] wrap the
// asynchronous calls for callers that just want to block.
package dlm

import (
	"errors"
	"sync"
)

// Mode is a lock mode, ordered by strength.
type Mode int

const (
	// Unlocked means no lock is held.
	Unlocked Mode = iota

	// CR is concurrent-read: compatible with CR and PW.
	CR

	// PW is protected-write: compatible with CR only.
	PW

	// EX is exclusive: compatible with nothing.
	EX
)

func (m Mode) String() string {
	switch m {
	case Unlocked:
		return "UN"
	case CR:
		return "CR"
	case PW:
		return "PW"
	case EX:
		return "EX"
	default:
		return "??"
	}
}

// compatible reports whether two modes can be held simultaneously.
func compatible(a, b Mode) bool {
	if a == Unlocked || b == Unlocked {
		return true
	}

	if a == EX || b == EX {
		return false
	}

	// CR/CR, CR/PW ok; PW/PW conflicts.
	return !(a == PW && b == PW)
}

// ErrClosed is returned for operations on a closed lock space.
var ErrClosed = errors.New("dlm: lockspace closed")

// AST delivers the completion of a lock or unlock request.
// A nil error means the request was granted.
type AST func(err error)

// BAST asks the holder of a resource to release it because a request in the
// given mode is blocked behind it.
type BAST func(blocked Mode)

// Resource is a named lockable entity. A Resource belongs to exactly one
// owner goroutine at a time; the lock space tracks its granted mode.
type Resource struct {
	// Name identifies the resource within the lock space.
	Name string

	mu      sync.Mutex
	mode    Mode
	granted chan struct{}
	lastErr error
}

// NewResource returns an unlocked resource.
func NewResource(name string) *Resource {
	return &Resource{Name: name, granted: make(chan struct{}, 1)}
}

// Mode returns the currently granted mode.
func (r *Resource) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mode
}

func (r *Resource) setMode(m Mode) {
	r.mu.Lock()
	r.mode = m
	r.mu.Unlock()
}

// complete records the result of an asynchronous request and signals the
// resource's waiter event.
func (r *Resource) complete(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	select {
	case r.granted <- struct{}{}:
	default:
	}
}

// wait blocks until the next completion and returns its status.
func (r *Resource) wait() error {
	<-r.granted

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastErr
}

// LockSpace hands out locks on named resources.
type LockSpace interface {
	// Lock requests mode on r. It returns after the request is queued;
	// the grant arrives via ast. bast may be nil.
	//
	// r must be unlocked with no request pending: a Resource is a
	// single-owner handle, and implementations reject re-acquisition.
	// Concurrent callers each use their own Resource.
	Lock(r *Resource, mode Mode, ast AST, bast BAST) error

	// Unlock releases r. Completion arrives via ast.
	Unlock(r *Resource, ast AST) error

	// Close shuts the lock space down. Pending requests fail with
	// [ErrClosed].
	Close() error
}

// LockSync requests mode on r and blocks until the grant callback fires.
func LockSync(ls LockSpace, r *Resource, mode Mode) error {
	err := ls.Lock(r, mode, func(err error) { r.complete(err) }, nil)
	if err != nil {
		return err
	}

	return r.wait()
}

// UnlockSync releases r and blocks until the completion callback fires.
func UnlockSync(ls LockSpace, r *Resource) error {
	err := ls.Unlock(r, func(err error) { r.complete(err) })
	if err != nil {
		return err
	}

	return r.wait()
}
