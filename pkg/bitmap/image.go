package bitmap

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/writeintent/pkg/blockio"
)

// ImageInfo is the decoded, validated superblock of an image opened for
// offline inspection. It exposes what tooling needs without an Array or an
// active engine.
type ImageInfo struct {
	Version         uint32
	UUID            uuid.UUID
	Events          uint64
	EventsCleared   uint64
	State           uint32
	Chunksize       uint32
	DaemonSleep     time.Duration
	WriteBehind     uint32
	SyncSize        uint64
	Nodes           uint32
	SectorsReserved uint32
}

// HostEndian reports whether the image uses the legacy native bit order.
func (i ImageInfo) HostEndian() bool { return i.Version == versionHostendian }

// Stale reports whether the image carries the stale mark.
func (i ImageInfo) Stale() bool { return i.State&flagStale != 0 }

// Chunks returns how many chunks the image covers, from its sync size.
func (i ImageInfo) Chunks() uint64 {
	chunkSectors := uint64(i.Chunksize) >> BlockShift

	return divRoundUp(i.SyncSize, chunkSectors)
}

// ReadImageSuperblock reads and validates page 0 of an image.
func ReadImageSuperblock(store blockio.Store) (ImageInfo, error) {
	page := make([]byte, superblockSize)

	err := store.ReadAt(page, 0)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("read superblock: %w", err)
	}

	sb := decodeSuperblock(page)

	err = validateSuperblock(&sb)
	if err != nil {
		return ImageInfo{}, err
	}

	return ImageInfo{
		Version:         sb.Version,
		UUID:            sb.UUID,
		Events:          sb.Events,
		EventsCleared:   sb.EventsCleared,
		State:           sb.State,
		Chunksize:       sb.Chunksize,
		DaemonSleep:     time.Duration(sb.DaemonSleep) * time.Second,
		WriteBehind:     sb.WriteBehind,
		SyncSize:        sb.SyncSize,
		Nodes:           sb.Nodes,
		SectorsReserved: sb.SectorsReserved,
	}, nil
}

// DumpImageSuperblock renders an image's superblock to w.
func DumpImageSuperblock(store blockio.Store, w io.Writer) error {
	page := make([]byte, superblockSize)

	err := store.ReadAt(page, 0)
	if err != nil {
		return fmt.Errorf("read superblock: %w", err)
	}

	sb := decodeSuperblock(page)
	dumpSuperblock(w, &sb)

	return nil
}

// imageBitPos locates a chunk's bit in an embedded image.
func imageBitPos(chunk uint64) (off int64, bit uint64) {
	bitIndex := chunk + superblockSize*8

	return int64(bitIndex/8) &^ 7, bitIndex % 64
}

// ImageBit reads one chunk's bit from an image with an embedded
// superblock.
func ImageBit(store blockio.Store, info ImageInfo, chunk uint64) (bool, error) {
	if chunk >= info.Chunks() {
		return false, fmt.Errorf("chunk %d past end %d: %w", chunk, info.Chunks(), ErrInvalidInput)
	}

	off, bit := imageBitPos(chunk)

	word := make([]byte, 8)

	err := store.ReadAt(word, off)
	if err != nil {
		return false, fmt.Errorf("read chunk %d: %w", chunk, err)
	}

	if info.HostEndian() {
		return testBitHost(word, bit), nil
	}

	return testBitLE(word, bit), nil
}

// SetImageBit sets or clears one chunk's bit in an image with an embedded
// superblock. Offline use only; an active engine owns its image.
func SetImageBit(store blockio.Store, info ImageInfo, chunk uint64, value bool) error {
	if chunk >= info.Chunks() {
		return fmt.Errorf("chunk %d past end %d: %w", chunk, info.Chunks(), ErrInvalidInput)
	}

	off, bit := imageBitPos(chunk)

	word := make([]byte, 8)

	err := store.ReadAt(word, off)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", chunk, err)
	}

	switch {
	case info.HostEndian() && value:
		setBitHost(word, bit)
	case info.HostEndian():
		clearBitHost(word, bit)
	case value:
		setBitLE(word, bit)
	default:
		clearBitLE(word, bit)
	}

	err = store.WriteAt(word, off)
	if err != nil {
		return fmt.Errorf("write chunk %d: %w", chunk, err)
	}

	return store.Sync()
}
