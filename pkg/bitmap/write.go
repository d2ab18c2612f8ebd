package bitmap

import (
	"fmt"
)

// StartWrite records an in-flight write against [offset, offset+sectors).
//
// For each chunk touched, the in-memory counter is raised; a chunk going
// from idle to busy gets its on-disk bit set and its storage page marked
// dirty. The caller must invoke [Bitmap.Unplug] before issuing the data
// write so the bit reaches stable storage first.
//
// A saturated counter parks the caller until a matching [Bitmap.EndWrite]
// makes room. With behind set, the write counts against the write-behind
// budget and may park until the gauge drops below the configured cap.
func (b *Bitmap) StartWrite(offset, sectors uint64, behind bool) {
	if behind {
		b.addBehindWrite()
	}

	for sectors > 0 {
		b.counts.mu.Lock()

		bmc, blocks := b.counts.getCounter(offset, true)
		if bmc == nil {
			b.counts.mu.Unlock()
			return
		}

		for countOf(*bmc) == CounterMax {
			// Wait re-acquires counts.mu; the slot may have been
			// freed or hijacked meanwhile, so resolve it again.
			b.counts.overflow.Wait()

			bmc, blocks = b.counts.getCounter(offset, true)
			if bmc == nil {
				b.counts.mu.Unlock()
				return
			}
		}

		switch *bmc {
		case 0:
			b.fileSetBit(offset)
			b.counts.countPage(offset, 1)
			*bmc = 2
		case 1:
			*bmc = 2
		}

		*bmc++

		b.counts.mu.Unlock()

		offset += blocks
		if sectors > blocks {
			sectors -= blocks
		} else {
			sectors = 0
		}
	}
}

// EndWrite completes a write started with [Bitmap.StartWrite].
//
// A failed write marks its chunks NEEDED so they are resynced. A counter
// leaving saturation wakes parked writers; a counter dropping to the decay
// band hands the chunk to the daemon.
func (b *Bitmap) EndWrite(offset, sectors uint64, success, behind bool) {
	if behind {
		b.endBehindWrite()
	}

	for sectors > 0 {
		b.counts.mu.Lock()

		bmc, blocks := b.counts.getCounter(offset, false)
		if bmc == nil {
			b.counts.mu.Unlock()
			return
		}

		if success && !b.array.Degraded() && b.eventsCleared < b.array.Events() {
			b.eventsCleared = b.array.Events()
			b.needSync = true
		}

		if !success && !needed(*bmc) {
			*bmc |= neededMask
		}

		if countOf(*bmc) == CounterMax {
			b.counts.overflow.Broadcast()
		}

		*bmc--

		if *bmc <= 2 {
			b.counts.setPending(offset)
			b.raiseWork()
		}

		b.counts.mu.Unlock()

		offset += blocks
		if sectors > blocks {
			sectors -= blocks
		} else {
			sectors = 0
		}
	}
}

// addBehindWrite raises the write-behind gauge, waiting below the cap, and
// tracks the high-water mark.
func (b *Bitmap) addBehindWrite() {
	maxBehind := int64(b.info.MaxWriteBehind)

	b.behindMu.Lock()
	for maxBehind > 0 && b.behindWrites.Load() >= maxBehind {
		b.behindCond.Wait()
	}

	bw := b.behindWrites.Add(1)
	b.behindMu.Unlock()

	for {
		used := b.behindWritesUsed.Load()
		if bw <= used || b.behindWritesUsed.CompareAndSwap(used, bw) {
			break
		}
	}

	b.log.Debugf("inc write-behind count %d/%d", bw, maxBehind)
}

// endBehindWrite drops the gauge, waking the drain at zero and any writer
// parked on the cap.
func (b *Bitmap) endBehindWrite() {
	b.behindMu.Lock()
	bw := b.behindWrites.Add(-1)
	b.behindCond.Broadcast()
	b.behindMu.Unlock()

	b.log.Debugf("dec write-behind count %d/%d", bw, b.info.MaxWriteBehind)
}

// Unplug is the flush barrier between bitmap persistence and data I/O:
// every dirty or scheduled page is written out, and the call does not
// return until pages that carried newly set bits are stable.
//
// Returns [ErrWriteError] (after kicking the image) when a page write
// failed.
func (b *Bitmap) Unplug() error {
	// The writeout runs under b.mutex, like the daemon's: page writes
	// from both sides funnel through the one cluster-lock handle, and
	// the mutex is what keeps the superblock-first ordering intact when
	// both race to flush.
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.storage.mu.Lock()
	filemap := b.storage.filemap
	pages := b.storage.filePages
	b.storage.mu.Unlock()

	if filemap == nil || b.testFlag(flagStale) {
		return nil
	}

	wait := false

	for i := 0; i < pages; i++ {
		dirty := b.storage.testAndClearAttr(i, attrDirty)
		needWrite := b.storage.testAndClearAttr(i, attrNeedwrite)

		if dirty || needWrite {
			b.storage.clearAttr(i, attrPending)
			b.writePage(i, false)
		}

		if dirty {
			wait = true
		}
	}

	if wait {
		// Only file-backed writes are asynchronous; member writes
		// completed above.
		b.waitWrites()
	}

	if b.testFlag(flagWriteError) {
		b.kick()
		return fmt.Errorf("unplug: %w", ErrWriteError)
	}

	return nil
}
