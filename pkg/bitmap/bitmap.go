// Package bitmap implements a write-intent bitmap for a block-level
// redundant array.
//
// The bitmap records which chunks of the logical device may contain writes
// not yet known to be synchronized across all members, so that after an
// unclean shutdown or a transient member failure only those chunks are
// resynchronized.
//
// The engine keeps a two-level in-memory counter structure (one 16-bit
// counter per chunk, allocated page-wise with a coarse inline fallback under
// memory pressure) and persists one bit per chunk, either embedded on the
// member devices next to the array superblock or in a standalone file-backed
// image. A background daemon decays idle counters and flushes pages; the
// [Bitmap.Unplug] barrier guarantees a chunk's bit reaches stable storage
// before the data write it covers is allowed to proceed.
package bitmap

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/common/log"

	"github.com/calvinalkan/writeintent/pkg/blockio"
	"github.com/calvinalkan/writeintent/pkg/dlm"
)

// Options configures a new bitmap.
type Options struct {
	// Array is the metadata layer of the array served. Required.
	Array Array

	// File backs the image with a standalone store instead of embedding
	// it on the members. Ownership passes to the bitmap; Destroy closes
	// it. Mutually exclusive with Offset.
	File blockio.Store

	// Path is the file path of File, used in status output.
	Path string

	// Offset locates a device-embedded image in sectors relative to each
	// member superblock; negative means below it.
	Offset int64

	// Space is the reserved image size at Offset, in sectors.
	Space uint64

	// Chunksize in bytes. For a fresh image it must be a power of two
	// >= 512; when reading an existing superblock it is taken from disk.
	Chunksize uint32

	// DaemonSleep is the daemon period. With FirstUse, a value outside
	// [1s, 24h] is replaced by the 5s default; an existing superblock's
	// value takes precedence over this one.
	DaemonSleep time.Duration

	// MaxWriteBehind caps in-flight write-behind requests.
	MaxWriteBehind uint32

	// External marks an externally managed image: no superblock page.
	External bool

	// Nodes is the cluster node count.
	Nodes uint32

	// FirstUse formats a fresh superblock instead of reading one.
	FirstUse bool

	// HostEndian formats the image with native bit order (legacy).
	// Only meaningful with FirstUse.
	HostEndian bool

	// Locks is the cluster lock manager guarding superblock and
	// device-embedded page writes. Defaults to a single-node local
	// lock space.
	Locks dlm.LockSpace

	// Logger receives engine events. Defaults to the package base
	// logger.
	Logger log.Logger
}

// Bitmap is the runtime root of the engine.
type Bitmap struct {
	array Array
	info  *Info
	locks dlm.LockSpace

	superRes *dlm.Resource
	cluster  *cluster
	log      log.Logger
	stats    stats

	counts  *counts
	storage *storage

	flags atomic.Uint32

	// Guarded by counts.mu.
	eventsCleared uint64
	needSync      bool
	allclean      bool

	behindWrites     atomic.Int64
	behindWritesUsed atomic.Int64
	behindMu         sync.Mutex
	behindCond       *sync.Cond

	// Pending asynchronous storage writes; guarded by writeMu.
	writeMu       sync.Mutex
	pendingWrites int
	writeCond     *sync.Cond

	// mutex serializes daemon work against Load and Destroy.
	mutex sync.Mutex

	// Guarded by daemonMu.
	daemonMu      sync.Mutex
	daemonLastRun time.Time
	lastEndSync   time.Time

	wake          chan struct{}
	stop          chan struct{}
	done          chan struct{}
	daemonStarted bool
	detached      bool

	now func() time.Time
}

// stats feeds the prometheus collector.
type stats struct {
	pageWrites  atomic.Uint64
	writeErrors atomic.Uint64
	daemonRuns  atomic.Uint64
}

// New builds a bitmap, reading (or formatting, with Options.FirstUse) the
// superblock and sizing the in-memory structures for the array. The bitmap
// does not persist counters or run the daemon until [Bitmap.Load].
//
// Possible errors:
//   - [ErrInvalidInput]: bad options
//   - [ErrCorrupt], [ErrIncompatible]: superblock validation failures
//   - [ErrWriteError]: the image was kicked while initializing
//   - transport errors from reading the superblock
func New(opts Options) (*Bitmap, error) {
	if opts.Array == nil {
		return nil, fmt.Errorf("array is required: %w", ErrInvalidInput)
	}

	if opts.File != nil && opts.Offset != 0 {
		return nil, fmt.Errorf("file and offset are mutually exclusive: %w", ErrInvalidInput)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Base()
	}

	locks := opts.Locks
	if locks == nil {
		locks = dlm.NewLocal()
	}

	b := &Bitmap{
		array: opts.Array,
		info: &Info{
			Chunksize:      opts.Chunksize,
			DaemonSleep:    opts.DaemonSleep,
			MaxWriteBehind: opts.MaxWriteBehind,
			Offset:         opts.Offset,
			Space:          opts.Space,
			External:       opts.External,
			Nodes:          opts.Nodes,
		},
		locks:    locks,
		superRes: dlm.NewResource("bitmap-super"),
		log:      logger,
		counts:   newCounts(0, 0),
		storage:  &storage{file: opts.File, path: opts.Path},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	b.behindCond = sync.NewCond(&b.behindMu)
	b.writeCond = sync.NewCond(&b.writeMu)

	var err error

	if !b.info.External {
		if opts.FirstUse {
			err = b.newDiskSB(opts.HostEndian)
		} else {
			err = b.readSB()
		}
	} else if b.info.Chunksize == 0 || b.info.DaemonSleep == 0 {
		// chunksize and time_base must be set first for external
		// metadata.
		err = fmt.Errorf("external bitmap needs chunksize and daemon sleep: %w", ErrInvalidInput)
	}

	if err != nil {
		return nil, err
	}

	if b.info.Nodes > 1 {
		b.cluster = newCluster(b, int(b.info.Nodes))
	}

	b.daemonMu.Lock()
	b.daemonLastRun = b.now()
	b.daemonMu.Unlock()

	err = b.Resize(b.array.ResyncMaxSectors(), b.info.Chunksize, true)
	if err != nil {
		return nil, err
	}

	b.log.Infof("created bitmap (%d pages) covering %d chunks",
		b.counts.pages, b.counts.chunks)

	if b.testFlag(flagWriteError) {
		return nil, fmt.Errorf("initial write failed: %w", ErrWriteError)
	}

	return b, nil
}

// Info returns the bitmap's configuration.
func (b *Bitmap) Info() *Info { return b.info }

// --- flag helpers ---

func (b *Bitmap) setFlag(mask uint32) { b.flags.Or(mask) }

func (b *Bitmap) clearFlag(mask uint32) { b.flags.And(^mask) }

func (b *Bitmap) testFlag(mask uint32) bool { return b.flags.Load()&mask != 0 }

func (b *Bitmap) testAndSetFlag(mask uint32) bool { return b.flags.Or(mask)&mask != 0 }

// Stale reports whether the image has been kicked or was stale at open.
func (b *Bitmap) Stale() bool { return b.testFlag(flagStale) }

func (b *Bitmap) hostendian() bool { return b.testFlag(flagHostendian) }

// --- pending-write accounting ---

func (b *Bitmap) startPendingWrite() {
	b.writeMu.Lock()
	b.pendingWrites++
	b.writeMu.Unlock()
}

func (b *Bitmap) endPendingWrite() {
	b.writeMu.Lock()
	b.pendingWrites--

	if b.pendingWrites == 0 {
		b.writeCond.Broadcast()
	}
	b.writeMu.Unlock()
}

// waitWrites blocks until all dispatched storage writes complete.
func (b *Bitmap) waitWrites() {
	b.writeMu.Lock()
	for b.pendingWrites > 0 {
		b.writeCond.Wait()
	}
	b.writeMu.Unlock()
}

// raiseWork clears allclean (caller holds counts.mu) and rearms the daemon.
func (b *Bitmap) raiseWork() {
	b.allclean = false
	b.wakeDaemon()
}

func (b *Bitmap) wakeDaemon() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Load activates the bitmap: it clears stale resync state, reads the
// on-disk bits into memory (painting everything dirty when there is no
// persistent image or it was stale), starts the daemon, and rewrites the
// superblock.
func (b *Bitmap) Load() error {
	// Forget cached resync state first; chunks should be clean but some
	// may still carry RESYNC from a previous incarnation.
	var sector uint64
	for sector < b.array.ResyncMaxSectors() {
		_, blocks := b.StartSync(sector, false)
		sector += blocks
	}

	b.CloseSync()

	var start uint64
	if !b.array.Degraded() || b.eventsClearedValue() == b.array.Events() {
		// No need to keep dirty bits to optimise a re-add of a
		// missing device.
		start = b.array.RecoveryOffset()
	}

	b.mutex.Lock()
	err := b.initFromDisk(start)
	b.mutex.Unlock()

	if err != nil {
		return err
	}

	b.clearFlag(flagStale)

	if b.cluster != nil {
		err = b.cluster.start()
		if err != nil {
			return err
		}
	}

	// Write the superblock before the daemon starts so its first
	// writeout cannot race this write on the cluster lock handle.
	b.updateSB()

	b.startDaemon()
	b.wakeDaemon()

	if b.testFlag(flagWriteError) {
		return fmt.Errorf("load: %w", ErrWriteError)
	}

	return nil
}

func (b *Bitmap) eventsClearedValue() uint64 {
	b.counts.mu.Lock()
	defer b.counts.mu.Unlock()

	return b.eventsCleared
}

// Destroy tears the bitmap down: it detaches from the array, stops the
// daemon, drains write-behind and storage writes, and releases every
// counter page and the storage image.
func (b *Bitmap) Destroy() error {
	b.mutex.Lock()
	if b.detached {
		b.mutex.Unlock()
		return nil
	}

	b.detached = true
	daemonStarted := b.daemonStarted
	b.mutex.Unlock()

	if daemonStarted {
		close(b.stop)
		<-b.done
	}

	if b.cluster != nil {
		b.cluster.stop()
	}

	b.waitBehindDrain()
	b.waitWrites()

	b.counts.mu.Lock()
	for i := range b.counts.bp {
		b.counts.bp[i] = counterPage{}
	}
	b.counts.missingPages = b.counts.pages
	b.counts.mu.Unlock()

	err := b.storage.release()
	if err != nil {
		return fmt.Errorf("release storage: %w", err)
	}

	return nil
}

// Flush forces out any pending updates: the daemon runs enough times to
// decay every counter that can be decayed, then the superblock is
// rewritten. Used for orderly shutdown.
func (b *Bitmap) Flush() {
	// Each daemon pass moves counters one step (2 -> 1 -> 0) and pages
	// one tracker state; three passes flush everything flushable.
	sleep := b.info.DaemonSleep * 2
	for i := 0; i < 3; i++ {
		b.daemonMu.Lock()
		b.daemonLastRun = b.daemonLastRun.Add(-sleep)
		b.daemonMu.Unlock()

		b.DaemonWork()
	}

	b.updateSB()
}

// Status writes a one-line summary of memory use and configuration.
func (b *Bitmap) Status(w io.Writer) {
	b.counts.mu.Lock()
	allocated := b.counts.allocatedPages()
	pages := b.counts.pages
	b.counts.mu.Unlock()

	chunkKB := b.info.Chunksize >> 10

	fmt.Fprintf(w, "bitmap: %d/%d pages [%dKB], ", allocated, pages,
		allocated*(PageSize>>10))

	if chunkKB != 0 {
		fmt.Fprintf(w, "%dKB chunk", chunkKB)
	} else {
		fmt.Fprintf(w, "%dB chunk", b.info.Chunksize)
	}

	if b.storage.path != "" {
		fmt.Fprintf(w, ", file: %s", b.storage.path)
	}

	fmt.Fprintln(w)
}

// PrintSB writes the current superblock fields for diagnostics.
func (b *Bitmap) PrintSB(w io.Writer) {
	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()

	if b.storage.sbPage == nil {
		fmt.Fprintln(w, "no superblock")
		return
	}

	sb := decodeSuperblock(b.storage.sbPage)
	dumpSuperblock(w, &sb)
}

// BehindWritesUsed returns the write-behind high-water mark.
func (b *Bitmap) BehindWritesUsed() int64 { return b.behindWritesUsed.Load() }

// ResetBehindWritesUsed clears the high-water mark.
func (b *Bitmap) ResetBehindWritesUsed() { b.behindWritesUsed.Store(0) }

// waitBehindDrain blocks until every write-behind completes.
func (b *Bitmap) waitBehindDrain() {
	b.behindMu.Lock()
	for b.behindWrites.Load() > 0 {
		b.behindCond.Wait()
	}
	b.behindMu.Unlock()
}
