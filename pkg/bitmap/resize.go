package bitmap

import (
	"fmt"
	"math/bits"
)

// Resize re-sizes the bitmap to cover blocks sectors with the given chunk
// size (bytes). A zero chunksize keeps the current one, doubling it until
// the image fits the reserved space. With init set this is the initial
// sizing at create time; otherwise the array is quiesced around the swap.
//
// Chunks that were NEEDED keep NEEDED in the new geometry; space beyond the
// old end starts NEEDED so it gets resynced.
func (b *Bitmap) Resize(blocks uint64, chunksize uint32, init bool) error {
	var chunkshift uint

	if chunksize == 0 {
		// Leave the chunk size unchanged if there is enough space,
		// else double until the image fits.
		space := b.info.Space

		if space == 0 {
			// Unknown reservation: limit to the current size.
			bytes := (b.counts.chunks + 7) / 8
			if !b.info.External {
				bytes += superblockSize
			}

			space = (bytes + 511) / 512
			b.info.Space = space
		}

		chunkshift = b.counts.chunkshift

		for {
			chunks := divRoundUp(blocks, uint64(1)<<chunkshift)

			bytes := (chunks + 7) / 8
			if !b.info.External {
				bytes += superblockSize
			}

			if bytes <= space<<BlockShift {
				break
			}

			chunkshift++
		}
	} else {
		if chunksize < 512 || bits.OnesCount32(chunksize) != 1 {
			return fmt.Errorf("chunksize %d: %w", chunksize, ErrInvalidInput)
		}

		chunkshift = chunkshiftFor(chunksize)
	}

	chunks := divRoundUp(blocks, uint64(1)<<chunkshift)

	var store *storage
	if b.storage.file != nil || b.info.Offset != 0 {
		store = allocStorage(chunks, !b.info.External)
	} else {
		store = &storage{}
	}

	newCountsTable := newCounts(chunks, chunkshift)
	newCountsTable.alloc = b.counts.alloc

	if !init {
		b.array.Quiesce(true)
	}

	// Exclude the daemon while the structures are swapped.
	b.mutex.Lock()

	store.file = b.storage.file
	store.path = b.storage.path
	b.storage.file = nil

	b.storage.mu.Lock()
	if store.sbPage != nil && b.storage.sbPage != nil {
		copy(store.sbPage[:superblockSize], b.storage.sbPage[:superblockSize])
	}
	b.storage.mu.Unlock()

	oldCounts := b.counts
	oldStorage := b.storage

	b.storage = store
	b.counts = newCountsTable

	b.info.Chunksize = uint32(1) << (chunkshift + BlockShift)

	overlap := oldCounts.chunks << oldCounts.chunkshift
	if c := chunks << chunkshift; c < overlap {
		overlap = c
	}

	b.counts.mu.Lock()

	var block uint64
	for block < overlap {
		// The array is quiesced and the daemon excluded, so the old
		// table is read without its lock.
		bmcOld, oldBlocks := oldCounts.getCounter(block, false)

		if bmcOld != nil && needed(*bmcOld) {
			bmcNew, newBlocks := b.counts.getCounter(block, true)
			if bmcNew != nil {
				if *bmcNew == 0 {
					// Set the on-disk bits for every chunk
					// the new cell covers.
					end := block + newBlocks
					start := (block >> chunkshift) << chunkshift

					for start < end {
						b.fileSetBit(start)
						start += uint64(1) << chunkshift
					}

					*bmcNew = 2
					b.counts.countPage(block, 1)
					b.counts.setPending(block)
				}

				*bmcNew |= neededMask

				if newBlocks < oldBlocks {
					oldBlocks = newBlocks
				}
			}
		}

		block += oldBlocks
	}

	if !init {
		// New space beyond the old end needs a resync.
		for block < chunks<<chunkshift {
			bmc, newBlocks := b.counts.getCounter(block, true)
			if bmc != nil && *bmc == 0 {
				*bmc = neededMask | 2
				b.counts.countPage(block, 1)
				b.counts.setPending(block)
			}

			block += newBlocks
		}

		b.storage.mu.Lock()
		for i := 0; i < b.storage.filePages; i++ {
			b.storage.setAttrLocked(i, attrDirty)
		}
		b.storage.mu.Unlock()

		b.allclean = false
	}
	b.counts.mu.Unlock()

	b.mutex.Unlock()

	releaseErr := oldStorage.release()
	if releaseErr != nil {
		b.log.Errorf("release old storage: %v", releaseErr)
	}

	if !init {
		err := b.Unplug()
		b.array.Quiesce(false)
		b.wakeDaemon()

		if err != nil {
			return err
		}
	}

	return nil
}

func divRoundUp(n, d uint64) uint64 {
	return (n + d - 1) / d
}
