package bitmap

import (
	"encoding/binary"
	"time"
)

// startDaemon launches the background task that decays counters and
// schedules page writes. Idempotent.
func (b *Bitmap) startDaemon() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.daemonStarted || b.detached {
		return
	}

	b.daemonStarted = true

	go b.daemonLoop()
}

// daemonLoop hosts the periodic work. While the bitmap is all clean the
// timer is parked indefinitely; any producer that raises work wakes it
// through the wake channel.
func (b *Bitmap) daemonLoop() {
	defer close(b.done)

	timer := time.NewTimer(b.info.DaemonSleep)
	defer timer.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
		case <-timer.C:
		}

		b.DaemonWork()

		b.counts.mu.Lock()
		parked := b.allclean
		b.counts.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		if !parked {
			timer.Reset(b.info.DaemonSleep)
		}
	}
}

// DaemonWork runs one daemon tick: promote PENDING pages, stamp a fresh
// events_cleared into the superblock when needed, decay idle counters
// (clearing on-disk bits for chunks that reached zero), then write out
// scheduled pages.
//
// Exposed so shutdown paths can drive the decay without waiting for the
// timer; normally the background task calls it.
func (b *Bitmap) DaemonWork() {
	// The mutex guards against Destroy tearing the structures down
	// mid-tick.
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.detached {
		return
	}

	b.daemonMu.Lock()
	if b.now().Before(b.daemonLastRun.Add(b.info.DaemonSleep)) {
		b.daemonMu.Unlock()
		return
	}

	b.daemonLastRun = b.now()
	b.daemonMu.Unlock()

	b.counts.mu.Lock()
	if b.allclean {
		b.counts.mu.Unlock()
		return
	}

	b.allclean = true
	b.counts.mu.Unlock()

	b.stats.daemonRuns.Add(1)

	// Any page which is PENDING now needs to be written. Set NEEDWRITE
	// first so last-minute changes below become part of the same batch.
	b.storage.mu.Lock()
	for j := 0; j < b.storage.filePages; j++ {
		if b.storage.testAttrLocked(j, attrPending) {
			b.storage.clearAttrLocked(j, attrPending)
			b.storage.setAttrLocked(j, attrNeedwrite)
		}
	}
	b.storage.mu.Unlock()

	b.counts.mu.Lock()

	if b.needSync && !b.info.External {
		// Arrange for a superblock update along with the other
		// changes.
		b.needSync = false

		eventsCleared := b.eventsCleared

		b.storage.mu.Lock()
		if b.storage.sbPage != nil {
			binary.LittleEndian.PutUint64(b.storage.sbPage[offEventsCleared:], eventsCleared)
			b.storage.setAttrLocked(0, attrNeedwrite)
		}
		b.storage.mu.Unlock()
	}

	// Walk the counters page-granularly: a page whose pending hint is
	// clear is skipped wholesale.
	var nextPage uint64

	for j := uint64(0); j < b.counts.chunks; j++ {
		block := j << b.counts.chunkshift

		if j == nextPage {
			nextPage += pageCounterRatio

			if !b.counts.bp[j>>pageCounterShift].pending {
				j |= pageCounterMask
				continue
			}

			b.counts.bp[j>>pageCounterShift].pending = false
		}

		bmc, _ := b.counts.getCounter(block, false)
		if bmc == nil {
			j |= pageCounterMask
			continue
		}

		if *bmc == 1 && !b.needSync {
			// Idle for two ticks: retire the chunk.
			*bmc = 0
			b.counts.countPage(block, -1)
			b.fileClearBit(block)
		} else if *bmc != 0 && *bmc <= 2 {
			*bmc = 1
			b.counts.setPending(block)
			b.allclean = false
		}
	}
	b.counts.mu.Unlock()

	// Start writeout on scheduled pages that aren't DIRTY. DIRTY pages
	// must be written by unplug so it can wait on them - and the
	// superblock, when queued, must go out before any other page, so
	// stop at the first DIRTY page and let unplug carry the rest.
	for j := 0; j < b.storage.filePages && !b.testFlag(flagStale); j++ {
		if b.storage.testAttr(j, attrDirty) {
			break
		}

		if b.storage.testAndClearAttr(j, attrNeedwrite) {
			b.writePage(j, false)
		}
	}
}

// SetDaemonSleep adjusts the daemon period at runtime and rearms the timer
// unless the bitmap is parked all-clean.
func (b *Bitmap) SetDaemonSleep(d time.Duration) {
	b.info.DaemonSleep = d

	b.counts.mu.Lock()
	parked := b.allclean
	b.counts.mu.Unlock()

	if !parked {
		b.wakeDaemon()
	}
}
