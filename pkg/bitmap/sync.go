package bitmap

import (
	"fmt"
)

// startSyncOne checks one counter cell: needed reports whether the chunk
// must be resynced, blocks how many sectors the answer covers. Unless the
// array is degraded, a NEEDED chunk transitions to RESYNC.
func (b *Bitmap) startSyncOne(offset uint64, degraded bool) (bool, uint64) {
	b.counts.mu.Lock()
	defer b.counts.mu.Unlock()

	bmc, blocks := b.counts.getCounter(offset, false)
	if bmc == nil {
		return false, blocks
	}

	rv := false

	if resyncing(*bmc) {
		rv = true
	} else if needed(*bmc) {
		rv = true

		if !degraded {
			// Don't set or clear bits while degraded.
			*bmc |= resyncMask
			*bmc &^= neededMask
		}
	}

	return rv, blocks
}

// StartSync reports whether resync is needed at offset.
//
// The answer always covers a multiple of a whole storage page worth of
// sectors, since resync engines work page-at-a-time; the per-chunk checks
// are or-ed together across the span.
func (b *Bitmap) StartSync(offset uint64, degraded bool) (bool, uint64) {
	needed := false

	var blocks uint64
	for blocks < pageSectors {
		n, step := b.startSyncOne(offset, degraded)
		needed = needed || n
		offset += step
		blocks += step
	}

	return needed, blocks
}

// EndSync completes (or aborts) a resync of the chunk at offset, clearing
// RESYNC. An aborted chunk is marked NEEDED again; a completed idle chunk
// is handed to the daemon for bit clearing.
func (b *Bitmap) EndSync(offset uint64, aborted bool) uint64 {
	b.counts.mu.Lock()
	defer b.counts.mu.Unlock()

	bmc, blocks := b.counts.getCounter(offset, false)
	if bmc == nil {
		return blocks
	}

	if resyncing(*bmc) {
		*bmc &^= resyncMask

		if !needed(*bmc) && aborted {
			*bmc |= neededMask
		} else if *bmc <= 2 {
			b.counts.setPending(offset)
			b.raiseWork()
		}
	}

	return blocks
}

// CloseSync sweeps the whole device clearing any RESYNC bit still set once
// the sync has finished; chunks that weren't synced properly were already
// flipped back to NEEDED by their aborted EndSync.
func (b *Bitmap) CloseSync() {
	var sector uint64
	for sector < b.array.ResyncMaxSectors() {
		sector += b.EndSync(sector, false)
	}
}

// CondEndSync is a rate-limited resync-progress checkpoint. At most once
// per daemon period it waits for in-flight recovery I/O, records the
// completed position, and retires RESYNC state below it. sector == 0 resets
// the rate limiter.
func (b *Bitmap) CondEndSync(sector uint64) {
	if sector == 0 {
		b.daemonMu.Lock()
		b.lastEndSync = b.now()
		b.daemonMu.Unlock()

		return
	}

	b.daemonMu.Lock()
	last := b.lastEndSync
	b.daemonMu.Unlock()

	if b.now().Before(last.Add(b.info.DaemonSleep)) {
		return
	}

	b.array.WaitRecoveryIdle()

	b.array.SetResyncCompleted(sector)

	sector &^= (uint64(1) << b.counts.chunkshift) - 1

	var s uint64
	for s < sector && s < b.array.ResyncMaxSectors() {
		s += b.EndSync(s, false)
	}

	b.daemonMu.Lock()
	b.lastEndSync = b.now()
	b.daemonMu.Unlock()
}

// setMemoryBits primes the counter of the chunk at offset during load or
// resize: counter 2, plus NEEDED when the chunk must be resynced. Idle
// chunks only; an already-busy counter is left alone.
func (b *Bitmap) setMemoryBits(offset uint64, markNeeded bool) {
	b.counts.mu.Lock()
	defer b.counts.mu.Unlock()

	bmc, _ := b.counts.getCounter(offset, true)
	if bmc == nil {
		return
	}

	if *bmc == 0 {
		*bmc = 2
		if markNeeded {
			*bmc |= neededMask
		}

		b.counts.countPage(offset, 1)
		b.counts.setPending(offset)
		b.raiseWork()
	}
}

// DirtyBits forces chunks s through e dirty in memory and on disk, pulling
// the array's recovery checkpoint back so the range is obviously dirty.
func (b *Bitmap) DirtyBits(s, e uint64) {
	for chunk := s; chunk <= e; chunk++ {
		sec := chunk << b.counts.chunkshift

		b.setMemoryBits(sec, true)
		b.fileSetBit(sec)

		if sec < b.array.RecoveryOffset() {
			b.array.SetRecoveryOffset(sec)
		}
	}
}

// initFromDisk builds the in-memory counters from the on-disk bits at load
// time.
//
// Without persistent storage every chunk is painted NEEDED, forcing a full
// resync. Bits for chunks whose end sector is below start are loaded
// without NEEDED: that prefix is known good. A stale image has its bits
// overwritten with ones page by page as it is read, deterministically
// converting it into a full-resync image.
func (b *Bitmap) initFromDisk(start uint64) error {
	chunks := b.counts.chunks

	if b.storage.file == nil && b.info.Offset == 0 {
		// No permanent bitmap - fill with ones.
		for i := uint64(0); i < chunks; i++ {
			markNeeded := (i+1)<<b.counts.chunkshift >= start
			b.setMemoryBits(i<<b.counts.chunkshift, markNeeded)
		}

		return nil
	}

	outOfDate := b.testFlag(flagStale)
	if outOfDate {
		b.log.Infof("bitmap file is out of date, doing full recovery")
	}

	if b.storage.file != nil {
		size, err := b.storage.file.Size()
		if err != nil {
			return fmt.Errorf("init from disk: %w", err)
		}

		if size < int64(b.storage.bytes) {
			return fmt.Errorf("bitmap file too short %d < %d: %w",
				size, b.storage.bytes, ErrCorrupt)
		}
	}

	// Byte offset of the first bit byte on the page being read; only the
	// superblock page has a non-zero one.
	sbOffset := 0
	if !b.info.External {
		sbOffset = superblockSize
	}

	oldIndex := -1
	bitCount := uint64(0)

	for i := uint64(0); i < chunks; i++ {
		index := b.storage.pageIndex(i)

		if index != oldIndex {
			count := PageSize
			if index == b.storage.filePages-1 {
				count = int(b.storage.bytes) - index*PageSize
			}

			// Page 0 also holds the superblock prepared by readSB or
			// newDiskSB; keep it across the read.
			var sb []byte
			if index == 0 && b.storage.sbPage != nil {
				sb = append(sb, b.storage.sbPage[:superblockSize]...)
			}

			err := b.readStoragePage(index, count)
			if err != nil {
				b.log.Infof("bitmap initialisation failed: %v", err)
				return err
			}

			if sb != nil {
				copy(b.storage.sbPage, sb)
			}

			oldIndex = index

			if outOfDate {
				// Dirty the whole page beyond the superblock
				// and write it back out.
				b.storage.mu.Lock()
				page := b.storage.filemap[index]
				for j := sbOffset; j < PageSize; j++ {
					page[j] = 0xFF
				}
				b.storage.mu.Unlock()

				b.writePage(index, true)

				if b.testFlag(flagWriteError) {
					return fmt.Errorf("init from disk: %w", ErrWriteError)
				}
			}
		}

		sbOffset = 0

		if b.storage.testBit(i, b.hostendian()) {
			markNeeded := (i+1)<<b.counts.chunkshift >= start
			b.setMemoryBits(i<<b.counts.chunkshift, markNeeded)
			bitCount++
		}
	}

	b.log.Infof("bitmap initialized from disk: read %d pages, set %d of %d bits",
		b.storage.filePages, bitCount, chunks)

	return nil
}
