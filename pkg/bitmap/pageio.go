package bitmap

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/calvinalkan/writeintent/pkg/blockio"
	"github.com/calvinalkan/writeintent/pkg/dlm"
)

const pageSectors = PageSize / blockio.SectorSize

// readSB reads and validates the on-disk superblock, importing chunksize,
// daemon sleep, write-behind cap, node count and reserved space into the
// bitmap's configuration.
//
// With neither a file nor an offset configured there is no persistent
// image: defaults are installed and the bitmap starts stale, forcing a full
// resync on load.
func (b *Bitmap) readSB() error {
	if b.storage.file == nil && b.info.Offset == 0 {
		b.info.Chunksize = defaultChunksize
		b.info.DaemonSleep = defaultDaemonSleep
		b.info.MaxWriteBehind = 0
		b.setFlag(flagStale)

		return nil
	}

	page := make([]byte, PageSize)

	if b.storage.file != nil {
		size, err := b.storage.file.Size()
		if err != nil {
			return fmt.Errorf("read sb: %w", err)
		}

		n := int64(PageSize)
		if size < n {
			n = size
		}

		if n < superblockSize {
			return fmt.Errorf("image too short for a superblock (%d bytes): %w", size, ErrCorrupt)
		}

		err = b.storage.file.ReadAt(page[:n], 0)
		if err != nil {
			return fmt.Errorf("read sb: %w", err)
		}
	} else {
		err := dlm.LockSync(b.locks, b.superRes, dlm.CR)
		if err != nil {
			return fmt.Errorf("read sb: lock: %w", err)
		}

		err = b.readMemberPage(page[:superblockSize], 0)

		unlockErr := dlm.UnlockSync(b.locks, b.superRes)
		if err == nil {
			err = unlockErr
		}

		if err != nil {
			return fmt.Errorf("read sb: %w", err)
		}
	}

	sb := decodeSuperblock(page)

	err := validateSuperblock(&sb)
	if err != nil {
		b.log.Infof("invalid bitmap superblock: %v", err)
		return err
	}

	if b.array.Persistent() && sb.UUID != b.array.UUID() {
		b.log.Infof("bitmap superblock UUID mismatch")
		return fmt.Errorf("superblock UUID %s does not match array: %w", sb.UUID, ErrIncompatible)
	}

	b.setFlag(sb.State & (flagStale | flagWriteError))
	if sb.Version == versionHostendian {
		b.setFlag(flagHostendian)
	}

	b.eventsCleared = sb.EventsCleared

	b.info.Chunksize = sb.Chunksize
	b.info.DaemonSleep = time.Duration(sb.DaemonSleep) * time.Second
	b.info.MaxWriteBehind = sb.WriteBehind
	b.info.Nodes = sb.Nodes

	if b.info.Space == 0 || b.info.Space > uint64(sb.SectorsReserved) {
		b.info.Space = uint64(sb.SectorsReserved)
	}

	b.storage.mu.Lock()
	b.storage.sbPage = page
	b.storage.mu.Unlock()

	return nil
}

// newDiskSB formats a fresh superblock from the configured tunables. The
// reverse of readSB: it validates the configuration and populates the
// on-disk structure, which load will write out. The image starts stale so
// the first load forces a full sync.
func (b *Bitmap) newDiskSB(hostEndian bool) error {
	if b.info.Chunksize == 0 || bits.OnesCount32(b.info.Chunksize) != 1 {
		return fmt.Errorf("chunksize %d not a power of 2: %w", b.info.Chunksize, ErrInvalidInput)
	}

	if b.info.DaemonSleep < time.Second || b.info.DaemonSleep > maxDaemonSleep {
		b.log.Infof("choosing daemon sleep default (%v)", defaultDaemonSleep)
		b.info.DaemonSleep = defaultDaemonSleep
	}

	if b.info.MaxWriteBehind > CounterMax {
		b.info.MaxWriteBehind = CounterMax / 2
	}

	version := uint32(versionHi)

	b.setFlag(flagStale)

	if hostEndian {
		version = versionHostendian
		b.setFlag(flagHostendian)
	}

	b.eventsCleared = b.array.Events()

	sb := superblock{
		Magic:           Magic,
		Version:         version,
		UUID:            b.array.UUID(),
		Events:          b.array.Events(),
		EventsCleared:   b.eventsCleared,
		State:           b.flags.Load(),
		Chunksize:       b.info.Chunksize,
		DaemonSleep:     uint32(b.info.DaemonSleep / time.Second),
		WriteBehind:     b.info.MaxWriteBehind,
		SyncSize:        b.array.ResyncMaxSectors(),
		Nodes:           b.info.Nodes,
		SectorsReserved: uint32(b.info.Space),
	}

	page := make([]byte, PageSize)
	encodeSuperblock(&sb, page)

	b.storage.mu.Lock()
	b.storage.sbPage = page
	b.storage.mu.Unlock()

	return nil
}

// updateSB stamps the current event counter and mutable tunables into the
// superblock page and rewrites it synchronously. The event counter moves
// monotonically; if the array's counter regressed, events_cleared is
// clamped down with it.
func (b *Bitmap) updateSB() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.updateSBLocked()
}

// updateSBLocked is updateSB for callers already holding b.mutex (the
// daemon, the kick path, and the flush paths that reach here from a page
// write).
func (b *Bitmap) updateSBLocked() {
	if b.info.External {
		return
	}

	// Lock order is counts.mu -> storage.mu: read eventsCleared first.
	b.counts.mu.Lock()
	if b.array.Events() < b.eventsCleared {
		// Rocking back to read-only.
		b.eventsCleared = b.array.Events()
	}
	eventsCleared := b.eventsCleared
	b.counts.mu.Unlock()

	b.storage.mu.Lock()

	if b.storage.sbPage == nil {
		b.storage.mu.Unlock()
		return
	}

	sb := decodeSuperblock(b.storage.sbPage)
	sb.Events = b.array.Events()
	sb.EventsCleared = eventsCleared
	sb.State = b.flags.Load()
	sb.DaemonSleep = uint32(b.info.DaemonSleep / time.Second)
	sb.WriteBehind = b.info.MaxWriteBehind
	sb.SyncSize = b.array.ResyncMaxSectors()
	sb.Chunksize = b.info.Chunksize
	sb.Nodes = b.info.Nodes
	sb.SectorsReserved = uint32(b.info.Space)
	encodeSuperblock(&sb, b.storage.sbPage)

	b.storage.mu.Unlock()

	b.writePage(0, true)
}

// writePage persists one storage page. Device-embedded pages go out
// synchronously to every usable member under the exclusive cluster lock;
// file-backed pages are dispatched to the store and optionally awaited.
// Any failure marks the image for kicking.
//
// Callers hold b.mutex: it is what serializes the daemon's writeout,
// unplug, and superblock updates onto the single superRes lock handle.
func (b *Bitmap) writePage(index int, wait bool) {
	b.stats.pageWrites.Add(1)

	if b.storage.file == nil {
		err := b.writeMemberPage(index)
		if err != nil {
			b.stats.writeErrors.Add(1)
			b.log.Errorf("bitmap page %d write failed: %v", index, err)
			b.setFlag(flagWriteError)
		}
	} else {
		snap, _ := b.storage.snapshotPage(index)
		off := int64(index) * PageSize

		b.startPendingWrite()

		go func() {
			err := b.storage.file.WriteAt(snap, off)
			if err == nil {
				err = b.storage.file.Sync()
			}

			if err != nil {
				b.stats.writeErrors.Add(1)
				b.log.Errorf("bitmap page %d write failed: %v", index, err)
				b.setFlag(flagWriteError)
			}

			b.endPendingWrite()
		}()

		if wait {
			b.waitWrites()
		}
	}

	if b.testFlag(flagWriteError) {
		b.kick()
	}
}

// writeMemberPage writes one page to every active non-faulty member at the
// configured offset, holding the exclusive cluster lock across the sweep.
// The last page is truncated to the payload size rounded up to the member's
// logical block size. A page that would land on data or external metadata
// fails with [ErrOverlap] without writing.
func (b *Bitmap) writeMemberPage(index int) error {
	err := dlm.LockSync(b.locks, b.superRes, dlm.EX)
	if err != nil {
		return fmt.Errorf("lock super: %w", err)
	}

	defer func() {
		unlockErr := dlm.UnlockSync(b.locks, b.superRes)
		if unlockErr != nil {
			b.log.Errorf("unlock super: %v", unlockErr)
		}
	}()

	snap, payload := b.storage.snapshotPage(index)
	offset := b.info.Offset

	for _, m := range b.array.Members() {
		if m.Faulty() {
			continue
		}

		size := PageSize
		if index == b.storage.filePages-1 {
			size = roundUp(payload, m.LogicalBlockSize)
		}

		err := checkPlacement(m, offset, index, size, b.info.External)
		if err != nil {
			return err
		}

		target := m.SBStart + offset + int64(index)*pageSectors

		err = m.WriteSectors(target, snap[:size])
		if err != nil {
			return err
		}
	}

	return nil
}

// checkPlacement rejects a page write that would overlap the member's data
// region or external metadata.
func checkPlacement(m *blockio.Member, offset int64, index, size int, external bool) error {
	pageStart := offset + int64(index)*pageSectors
	sizeSectors := int64(size / blockio.SectorSize)

	switch {
	case external:
		// Bitmap could be anywhere.
		if m.SBStart+pageStart > m.DataOffset &&
			m.SBStart+offset < m.DataOffset+int64(m.Sectors)+pageSectors {
			return fmt.Errorf("member %s: %w", m.Name, ErrOverlap)
		}
	case offset < 0:
		// DATA BITMAP METADATA
		if pageStart+sizeSectors > 0 {
			// bitmap runs in to metadata
			return fmt.Errorf("member %s: %w", m.Name, ErrOverlap)
		}

		if m.DataOffset+int64(m.Sectors) > m.SBStart+offset {
			// data runs in to bitmap
			return fmt.Errorf("member %s: %w", m.Name, ErrOverlap)
		}
	case m.SBStart < m.DataOffset:
		// METADATA BITMAP DATA
		if m.SBStart+pageStart+sizeSectors > m.DataOffset {
			// bitmap runs in to data
			return fmt.Errorf("member %s: %w", m.Name, ErrOverlap)
		}
	default:
		// DATA METADATA BITMAP - no problems.
	}

	return nil
}

// readMemberPage reads a page from the first good member.
func (b *Bitmap) readMemberPage(p []byte, index int) error {
	offset := b.info.Offset

	var lastErr error

	for _, m := range b.array.Members() {
		if !m.InSync() || m.Faulty() {
			continue
		}

		target := m.SBStart + offset + int64(index)*pageSectors

		n := roundUp(len(p), m.LogicalBlockSize)

		buf := p
		if n != len(p) {
			buf = make([]byte, n)
		}

		err := m.ReadSectors(target, buf)
		if err != nil {
			lastErr = err
			continue
		}

		if n != len(p) {
			copy(p, buf)
		}

		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable member: %w", ErrNotFound)
	}

	return fmt.Errorf("read page %d: %w", index, lastErr)
}

// readStoragePage fills a storage page from disk, payload bytes only.
func (b *Bitmap) readStoragePage(index, count int) error {
	if b.storage.file != nil {
		b.storage.mu.Lock()
		page := b.storage.filemap[index]
		b.storage.mu.Unlock()

		err := b.storage.file.ReadAt(page[:count], int64(index)*PageSize)
		if err != nil {
			return fmt.Errorf("read page %d: %w", index, err)
		}

		return nil
	}

	b.storage.mu.Lock()
	page := b.storage.filemap[index]
	b.storage.mu.Unlock()

	return b.readMemberPage(page[:count], index)
}

// kick permanently degrades the image after an I/O failure: the stale mark
// is set and written back, and bits are no longer updated. The next load
// forces a full resync. Caller holds b.mutex (kick is only reached from
// page writes).
func (b *Bitmap) kick() {
	if b.testAndSetFlag(flagStale) {
		return
	}

	if b.storage.path != "" {
		b.log.Errorf("kicking failed bitmap file %s from array", b.storage.path)
	} else {
		b.log.Errorf("disabling internal bitmap due to errors")
	}

	b.updateSBLocked()
}

// fileSetBit sets a chunk's on-disk bit and marks its page dirty, before
// the caller's data write is allowed to proceed. Dropped once the image has
// been kicked.
func (b *Bitmap) fileSetBit(offset uint64) {
	if b.testFlag(flagStale) {
		return
	}

	chunk := offset >> b.counts.chunkshift

	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()

	if b.storage.filemap == nil {
		return
	}

	index := b.storage.pageIndex(chunk)
	if index >= b.storage.filePages {
		return
	}

	bit := b.storage.pageOffset(chunk)

	if b.hostendian() {
		setBitHost(b.storage.filemap[index], bit)
	} else {
		setBitLE(b.storage.filemap[index], bit)
	}

	b.storage.setAttrLocked(index, attrDirty)
}

// fileClearBit clears a chunk's on-disk bit and moves its page to PENDING
// so the write happens after a grace period. Caller holds counts.mu.
func (b *Bitmap) fileClearBit(offset uint64) {
	if b.testFlag(flagStale) {
		return
	}

	chunk := offset >> b.counts.chunkshift

	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()

	if b.storage.filemap == nil {
		return
	}

	index := b.storage.pageIndex(chunk)
	if index >= b.storage.filePages {
		return
	}

	bit := b.storage.pageOffset(chunk)

	if b.hostendian() {
		clearBitHost(b.storage.filemap[index], bit)
	} else {
		clearBitLE(b.storage.filemap[index], bit)
	}

	if !b.storage.testAttrLocked(index, attrNeedwrite) {
		b.storage.setAttrLocked(index, attrPending)
		b.raiseWork()
	}
}

// WriteAll flags every storage page for writeout, used after metadata-only
// changes that must reach all member copies. A file-backed image has a
// single copy and needs nothing.
func (b *Bitmap) WriteAll() {
	b.storage.mu.Lock()

	if b.storage.filemap == nil || b.storage.file != nil {
		b.storage.mu.Unlock()
		return
	}

	for i := 0; i < b.storage.filePages; i++ {
		b.storage.setAttrLocked(i, attrNeedwrite)
	}
	b.storage.mu.Unlock()

	b.counts.mu.Lock()
	b.raiseWork()
	b.counts.mu.Unlock()
}

func roundUp(n, to int) int {
	if to <= 0 {
		return n
	}

	return (n + to - 1) / to * to
}
