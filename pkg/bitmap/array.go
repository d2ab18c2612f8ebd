package bitmap

import (
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/writeintent/pkg/blockio"
)

// Array is the metadata layer of the redundant array the bitmap serves.
// The engine only consumes it; implementations live with the array driver.
type Array interface {
	// UUID identifies the array; a persistent image must carry the same
	// UUID in its superblock.
	UUID() uuid.UUID

	// Events is the array's metadata event counter.
	Events() uint64

	// Persistent reports whether the array has persistent metadata
	// (enables the UUID check on open).
	Persistent() bool

	// Degraded reports whether a member is missing. While degraded,
	// resync does not flip NEEDED/RESYNC state and endwrite does not
	// advance events_cleared.
	Degraded() bool

	// Syncing reports whether a resync or recovery is running.
	Syncing() bool

	// ResyncMaxSectors is the size of the region the bitmap covers.
	ResyncMaxSectors() uint64

	// RecoveryOffset is the resume checkpoint: sectors below it are
	// known good after a clean restart.
	RecoveryOffset() uint64

	// SetRecoveryOffset pulls the checkpoint back when chunks are
	// forced dirty.
	SetRecoveryOffset(sector uint64)

	// SetResyncCompleted records resync progress for observers.
	SetResyncCompleted(sector uint64)

	// WaitRecoveryIdle blocks until in-flight recovery I/O drains.
	WaitRecoveryIdle()

	// Quiesce pauses (true) or resumes (false) array I/O.
	Quiesce(pause bool)

	// Members returns a snapshot of the member devices.
	Members() []*blockio.Member
}

// Info holds the array-side bitmap configuration. The attribute surface
// mutates it; an active Bitmap reads it through its Controller.
type Info struct {
	// Chunksize in bytes; power of two >= 512.
	Chunksize uint32

	// DaemonSleep is the daemon period.
	DaemonSleep time.Duration

	// MaxWriteBehind caps in-flight write-behind requests.
	MaxWriteBehind uint32

	// Offset locates a device-embedded image, in sectors relative to
	// each member's superblock. Negative means below it.
	Offset int64

	// Space is the reserved size at Offset, in sectors.
	Space uint64

	// External marks the bitmap image as externally managed: no
	// superblock page is embedded.
	External bool

	// Nodes is the cluster node count; 0 and 1 mean single-node.
	Nodes uint32
}

// Default tunables used when no persistent image provides them.
const (
	defaultChunksize   = 128 * 1024 * 1024
	defaultDaemonSleep = 5 * time.Second
)
