package bitmap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"time"

	"github.com/google/uuid"
)

// On-disk superblock: 256 bytes, little-endian, at page 0 of the image.
const (
	// Magic identifies a write-intent bitmap superblock ("bitm").
	Magic = 0x6d746962

	// superblockSize is the fixed on-disk size.
	superblockSize = 256

	// versionLo..versionHi is the accepted version range. versionHostendian
	// marks the legacy native-bit-order format.
	versionLo         = 3
	versionHi         = 4
	versionHostendian = 3
)

// Superblock field offsets (bytes from page start).
const (
	offMagic           = 0  // uint32
	offVersion         = 4  // uint32
	offUUID            = 8  // [16]byte
	offEvents          = 24 // uint64
	offEventsCleared   = 32 // uint64
	offState           = 40 // uint32
	offChunksize       = 44 // uint32
	offDaemonSleep     = 48 // uint32, seconds
	offWriteBehind     = 52 // uint32
	offSyncSize        = 56 // uint64, sectors
	offNodes           = 64 // uint32
	offSectorsReserved = 68 // uint32
	// Reserved zeros through byte 255.
)

// State flag bits stored in the superblock and mirrored on the runtime
// bitmap.
const (
	flagStale      = 1 << 1
	flagWriteError = 1 << 2
	flagHostendian = 1 << 15
)

// superblock is the decoded page-0 header.
type superblock struct {
	Magic           uint32
	Version         uint32
	UUID            uuid.UUID
	Events          uint64
	EventsCleared   uint64
	State           uint32
	Chunksize       uint32 // bytes, power of two >= 512
	DaemonSleep     uint32 // seconds
	WriteBehind     uint32
	SyncSize        uint64 // sectors
	Nodes           uint32
	SectorsReserved uint32
}

// encodeSuperblock serializes sb into the first 256 bytes of page.
func encodeSuperblock(sb *superblock, page []byte) {
	for i := 0; i < superblockSize; i++ {
		page[i] = 0
	}

	binary.LittleEndian.PutUint32(page[offMagic:], sb.Magic)
	binary.LittleEndian.PutUint32(page[offVersion:], sb.Version)
	copy(page[offUUID:], sb.UUID[:])
	binary.LittleEndian.PutUint64(page[offEvents:], sb.Events)
	binary.LittleEndian.PutUint64(page[offEventsCleared:], sb.EventsCleared)
	binary.LittleEndian.PutUint32(page[offState:], sb.State)
	binary.LittleEndian.PutUint32(page[offChunksize:], sb.Chunksize)
	binary.LittleEndian.PutUint32(page[offDaemonSleep:], sb.DaemonSleep)
	binary.LittleEndian.PutUint32(page[offWriteBehind:], sb.WriteBehind)
	binary.LittleEndian.PutUint64(page[offSyncSize:], sb.SyncSize)
	binary.LittleEndian.PutUint32(page[offNodes:], sb.Nodes)
	binary.LittleEndian.PutUint32(page[offSectorsReserved:], sb.SectorsReserved)
}

// decodeSuperblock deserializes the first 256 bytes of page without
// validating (callers validate separately).
func decodeSuperblock(page []byte) superblock {
	var sb superblock

	sb.Magic = binary.LittleEndian.Uint32(page[offMagic:])
	sb.Version = binary.LittleEndian.Uint32(page[offVersion:])
	copy(sb.UUID[:], page[offUUID:offUUID+16])
	sb.Events = binary.LittleEndian.Uint64(page[offEvents:])
	sb.EventsCleared = binary.LittleEndian.Uint64(page[offEventsCleared:])
	sb.State = binary.LittleEndian.Uint32(page[offState:])
	sb.Chunksize = binary.LittleEndian.Uint32(page[offChunksize:])
	sb.DaemonSleep = binary.LittleEndian.Uint32(page[offDaemonSleep:])
	sb.WriteBehind = binary.LittleEndian.Uint32(page[offWriteBehind:])
	sb.SyncSize = binary.LittleEndian.Uint64(page[offSyncSize:])
	sb.Nodes = binary.LittleEndian.Uint32(page[offNodes:])
	sb.SectorsReserved = binary.LittleEndian.Uint32(page[offSectorsReserved:])

	return sb
}

// maxDaemonSleep bounds the daemon period accepted from disk or from the
// attribute surface.
const maxDaemonSleep = 24 * time.Hour

// validateSuperblock checks the bitmap-specific fields. The UUID match
// against the array is checked by the caller, which knows whether the array
// metadata is persistent.
func validateSuperblock(sb *superblock) error {
	if sb.Magic != Magic {
		return fmt.Errorf("bad magic %#08x: %w", sb.Magic, ErrCorrupt)
	}

	if sb.Version < versionLo || sb.Version > versionHi {
		return fmt.Errorf("unrecognized superblock version %d: %w", sb.Version, ErrIncompatible)
	}

	if sb.Chunksize < 512 {
		return fmt.Errorf("chunksize %d too small: %w", sb.Chunksize, ErrCorrupt)
	}

	if bits.OnesCount32(sb.Chunksize) != 1 {
		return fmt.Errorf("chunksize %d not a power of 2: %w", sb.Chunksize, ErrCorrupt)
	}

	sleep := time.Duration(sb.DaemonSleep) * time.Second
	if sleep < time.Second || sleep > maxDaemonSleep {
		return fmt.Errorf("daemon sleep period %ds out of range: %w", sb.DaemonSleep, ErrCorrupt)
	}

	if sb.WriteBehind > CounterMax {
		return fmt.Errorf("write-behind limit %d out of range (0 - %d): %w",
			sb.WriteBehind, CounterMax, ErrCorrupt)
	}

	return nil
}

// chunkshiftFor converts a chunk size in bytes to the sector shift.
func chunkshiftFor(chunksize uint32) uint {
	return uint(bits.TrailingZeros32(chunksize)) - BlockShift
}

// dumpSuperblock writes a human-readable rendering of sb, matching the
// fields an operator needs when diagnosing an image.
func dumpSuperblock(w io.Writer, sb *superblock) {
	fmt.Fprintf(w, "         magic: %08x\n", sb.Magic)
	fmt.Fprintf(w, "       version: %d\n", sb.Version)
	fmt.Fprintf(w, "          uuid: %s\n", sb.UUID)
	fmt.Fprintf(w, "        events: %d\n", sb.Events)
	fmt.Fprintf(w, "events cleared: %d\n", sb.EventsCleared)
	fmt.Fprintf(w, "         state: %08x\n", sb.State)
	fmt.Fprintf(w, "     chunksize: %d B\n", sb.Chunksize)
	fmt.Fprintf(w, "  daemon sleep: %ds\n", sb.DaemonSleep)
	fmt.Fprintf(w, "     sync size: %d KB\n", sb.SyncSize/2)
	fmt.Fprintf(w, "max write behind: %d\n", sb.WriteBehind)
}
