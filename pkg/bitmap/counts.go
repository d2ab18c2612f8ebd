package bitmap

import (
	"fmt"
	"sync"
)

// counterPage is one slot of the page pool. Either it holds an allocated
// page of counters, or - when allocation failed under memory pressure - the
// slot itself is hijacked as two coarse inline counters, each covering half
// the page's chunk range.
//
// Invariant: hijacked implies counters == nil.
type counterPage struct {
	// counters is the allocated page, nil when missing or hijacked.
	counters []counter

	// inline holds the two coarse cells while hijacked.
	inline [2]counter

	// hijacked marks the inline fallback active.
	hijacked bool

	// count is the number of chunks with a non-zero counter on this
	// page. When it drops to zero the page is released.
	count int

	// pending hints that some counter on this page may need daemon
	// attention.
	pending bool
}

// counts is the two-level in-memory counter structure: a flat table of page
// slots resolved per chunk.
//
// mu is the counter lock. Every method except newCounts expects it held by
// the caller; checkpage and getCounter(create=true) may drop and retake it,
// so callers must re-validate anything they cached across the call.
type counts struct {
	mu sync.Mutex

	bp           []counterPage
	pages        int
	missingPages int

	chunkshift uint
	chunks     uint64

	// alloc provides zeroed counter pages. It runs without mu held and
	// must not block on the I/O path; nil return means allocation
	// failure and triggers the hijack fallback.
	alloc func() []counter

	// overflow parks writers whose chunk counter is saturated. It waits
	// on mu; endwrite broadcasts.
	overflow *sync.Cond
}

// newCounts sizes a page pool for the given chunk count.
func newCounts(chunks uint64, chunkshift uint) *counts {
	pages := int((chunks + pageCounterRatio - 1) / pageCounterRatio)

	c := &counts{
		bp:           make([]counterPage, pages),
		pages:        pages,
		missingPages: pages,
		chunkshift:   chunkshift,
		chunks:       chunks,
		alloc:        func() []counter { return make([]counter, pageCounterRatio) },
	}
	c.overflow = sync.NewCond(&c.mu)

	return c
}

// checkpage ensures bp[page] is ready for counter access, allocating (or
// hijacking) it when create is set.
//
// The allocation drops mu, so a concurrent winner may have installed a page
// meanwhile; the loser's page is discarded.
func (c *counts) checkpage(page int, create bool) error {
	if page >= c.pages {
		// Sync probes can run past end-of-device while rounding to a
		// whole page. Harmless.
		return fmt.Errorf("counter page %d past end %d: %w", page, c.pages, ErrInvalidInput)
	}

	if c.bp[page].hijacked {
		return nil
	}

	if c.bp[page].counters != nil {
		return nil
	}

	if !create {
		return fmt.Errorf("counter page %d: %w", page, ErrNotFound)
	}

	c.mu.Unlock()
	mapping := c.alloc()
	c.mu.Lock()

	switch {
	case mapping == nil:
		if c.bp[page].counters == nil {
			c.bp[page].hijacked = true
		}
	case c.bp[page].counters != nil || c.bp[page].hijacked:
		// Somebody beat us to the slot; drop ours.
	default:
		c.bp[page].counters = mapping
		c.missingPages--
	}

	return nil
}

// checkfree releases a slot whose count dropped to zero. A hijacked slot is
// un-hijacked so the next allocation may succeed; a normal slot has its
// page freed.
func (c *counts) checkfree(page int) {
	if c.bp[page].count != 0 {
		return
	}

	if c.bp[page].hijacked {
		c.bp[page].hijacked = false
		c.bp[page].inline = [2]counter{}

		return
	}

	if c.bp[page].counters != nil {
		c.bp[page].counters = nil
		c.missingPages++
	}
}

// getCounter resolves the counter cell covering the sector offset.
//
// blocks reports how many sectors the returned cell covers, from offset to
// the end of its chunk (a coarse hijacked span when the slot has no page).
// A nil cell with non-zero blocks tells the caller how far to skip.
func (c *counts) getCounter(offset uint64, create bool) (*counter, uint64) {
	chunk := offset >> c.chunkshift
	page := int(chunk >> pageCounterShift)
	pageoff := chunk & pageCounterMask

	err := c.checkpage(page, create)

	var csize uint64
	if page >= c.pages || c.bp[page].hijacked || c.bp[page].counters == nil {
		csize = uint64(1) << (c.chunkshift + pageCounterShift - 1)
	} else {
		csize = uint64(1) << c.chunkshift
	}

	blocks := csize - (offset & (csize - 1))

	if err != nil {
		return nil, blocks
	}

	if c.bp[page].hijacked {
		hi := 0
		if pageoff >= pageCounterRatio/2 {
			hi = 1
		}

		return &c.bp[page].inline[hi], blocks
	}

	return &c.bp[page].counters[pageoff], blocks
}

// countPage adjusts the owning slot's non-zero-chunk count and releases the
// slot when it empties.
func (c *counts) countPage(offset uint64, inc int) {
	chunk := offset >> c.chunkshift
	page := int(chunk >> pageCounterShift)

	c.bp[page].count += inc
	c.checkfree(page)
}

// setPending raises the owning slot's daemon-attention hint.
func (c *counts) setPending(offset uint64) {
	chunk := offset >> c.chunkshift
	page := int(chunk >> pageCounterShift)

	c.bp[page].pending = true
}

// allocatedPages counts slots currently holding a page.
func (c *counts) allocatedPages() int {
	return c.pages - c.missingPages
}
