package dlm

import (
	"fmt"
	"sync"
)

// Local is a single-node [LockSpace].
//
// Grants are FIFO per resource. Callbacks (ast, bast) run on a dedicated
// dispatcher goroutine, never on the caller's stack, matching the
// asynchronous delivery contract of a real cluster lock manager.
type Local struct {
	mu     sync.Mutex
	closed bool
	res    map[string]*localResource

	dispatch chan func()
	done     chan struct{}
}

type localRequest struct {
	r    *Resource
	mode Mode
	ast  AST
	bast BAST
}

type localResource struct {
	holders map[*Resource]*localRequest
	queue   []*localRequest
}

// NewLocal returns a running local lock space.
func NewLocal() *Local {
	l := &Local{
		res:      make(map[string]*localResource),
		dispatch: make(chan func(), 64),
		done:     make(chan struct{}),
	}

	go l.run()

	return l
}

func (l *Local) run() {
	defer close(l.done)

	for fn := range l.dispatch {
		fn()
	}
}

func (l *Local) Lock(r *Resource, mode Mode, ast AST, bast BAST) error {
	if mode == Unlocked {
		return fmt.Errorf("dlm: cannot lock %q in mode %s", r.Name, mode)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	st := l.res[r.Name]
	if st == nil {
		st = &localResource{holders: make(map[*Resource]*localRequest)}
		l.res[r.Name] = st
	}

	// A Resource is a single-owner handle: re-acquiring one that is held
	// or still queued would let two callers believe they each hold the
	// grant, and the second completion could be lost on the waiter
	// event. Surface the misuse instead.
	if _, held := st.holders[r]; held {
		return fmt.Errorf("dlm: resource %q already held; unlock it first", r.Name)
	}

	for _, q := range st.queue {
		if q.r == r {
			return fmt.Errorf("dlm: resource %q already has a pending request", r.Name)
		}
	}

	st.queue = append(st.queue, &localRequest{r: r, mode: mode, ast: ast, bast: bast})
	l.promoteLocked(st)

	return nil
}

func (l *Local) Unlock(r *Resource, ast AST) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	st := l.res[r.Name]
	if st == nil {
		return fmt.Errorf("dlm: unlock of unknown resource %q", r.Name)
	}

	if _, held := st.holders[r]; !held {
		return fmt.Errorf("dlm: unlock of unheld resource %q", r.Name)
	}

	delete(st.holders, r)
	r.setMode(Unlocked)

	if ast != nil {
		l.dispatch <- func() { ast(nil) }
	}

	l.promoteLocked(st)

	return nil
}

// promoteLocked grants queued requests in order while they stay compatible
// with every current holder. The first blocked request stops the scan and
// triggers bast callbacks on the holders in its way.
func (l *Local) promoteLocked(st *localResource) {
	for len(st.queue) > 0 {
		req := st.queue[0]

		blockedBy := st.blockers(req.mode)
		if len(blockedBy) > 0 {
			for _, holder := range blockedBy {
				if holder.bast != nil {
					bast, mode := holder.bast, req.mode
					l.dispatch <- func() { bast(mode) }
				}
			}

			return
		}

		st.queue = st.queue[1:]
		st.holders[req.r] = req
		req.r.setMode(req.mode)

		if req.ast != nil {
			ast := req.ast
			l.dispatch <- func() { ast(nil) }
		}
	}
}

// blockers returns the holders incompatible with mode.
func (st *localResource) blockers(mode Mode) []*localRequest {
	var out []*localRequest

	for _, h := range st.holders {
		if !compatible(h.mode, mode) {
			out = append(out, h)
		}
	}

	return out
}

func (l *Local) Close() error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return nil
	}

	l.closed = true

	// Fail everything still queued.
	for _, st := range l.res {
		for _, req := range st.queue {
			if req.ast != nil {
				ast := req.ast
				l.dispatch <- func() { ast(ErrClosed) }
			}
		}

		st.queue = nil
	}

	l.mu.Unlock()

	close(l.dispatch)
	<-l.done

	return nil
}

// Compile-time interface check.
var _ LockSpace = (*Local)(nil)
