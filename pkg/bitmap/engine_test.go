package bitmap

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/log"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/writeintent/pkg/blockio"
)

// countingLogger counts error-level lines so tests can assert that a path
// surfaced no spurious errors.
type countingLogger struct {
	errors atomic.Int64
}

func (l *countingLogger) Debug(...interface{})          {}
func (l *countingLogger) Debugln(...interface{})        {}
func (l *countingLogger) Debugf(string, ...interface{}) {}
func (l *countingLogger) Info(...interface{})           {}
func (l *countingLogger) Infoln(...interface{})         {}
func (l *countingLogger) Infof(string, ...interface{})  {}
func (l *countingLogger) Warn(...interface{})           {}
func (l *countingLogger) Warnln(...interface{})         {}
func (l *countingLogger) Warnf(string, ...interface{})  {}

func (l *countingLogger) Error(...interface{})          { l.errors.Add(1) }
func (l *countingLogger) Errorln(...interface{})        { l.errors.Add(1) }
func (l *countingLogger) Errorf(string, ...interface{}) { l.errors.Add(1) }

func (l *countingLogger) Fatal(...interface{})          { l.errors.Add(1) }
func (l *countingLogger) Fatalln(...interface{})        { l.errors.Add(1) }
func (l *countingLogger) Fatalf(string, ...interface{}) { l.errors.Add(1) }

func (l *countingLogger) With(string, interface{}) log.Logger { return l }

func (l *countingLogger) SetFormat(string) error { return nil }
func (l *countingLogger) SetLevel(string) error  { return nil }

var _ log.Logger = (*countingLogger)(nil)

// fakeArray implements Array for tests.
type fakeArray struct {
	mu sync.Mutex

	id              uuid.UUID
	events          uint64
	persistent      bool
	degraded        bool
	syncing         bool
	sectors         uint64
	recoveryOffset  uint64
	resyncCompleted uint64
	members         []*blockio.Member
	quiesceDepth    int
	quiesceCalls    int
}

func newFakeArray(sectors uint64) *fakeArray {
	return &fakeArray{
		id:         uuid.New(),
		events:     10,
		persistent: true,
		sectors:    sectors,
	}
}

func (a *fakeArray) UUID() uuid.UUID { return a.id }

func (a *fakeArray) Events() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.events
}

func (a *fakeArray) setEvents(e uint64) {
	a.mu.Lock()
	a.events = e
	a.mu.Unlock()
}

func (a *fakeArray) Persistent() bool { return a.persistent }

func (a *fakeArray) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.degraded
}

func (a *fakeArray) Syncing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.syncing
}

func (a *fakeArray) ResyncMaxSectors() uint64 { return a.sectors }

func (a *fakeArray) RecoveryOffset() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.recoveryOffset
}

func (a *fakeArray) SetRecoveryOffset(s uint64) {
	a.mu.Lock()
	a.recoveryOffset = s
	a.mu.Unlock()
}

func (a *fakeArray) SetResyncCompleted(s uint64) {
	a.mu.Lock()
	a.resyncCompleted = s
	a.mu.Unlock()
}

func (a *fakeArray) WaitRecoveryIdle() {}

func (a *fakeArray) Quiesce(pause bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pause {
		a.quiesceDepth++
		a.quiesceCalls++
	} else {
		a.quiesceDepth--
	}
}

func (a *fakeArray) Members() []*blockio.Member {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.members
}

// imageBytes is the payload size for a chunk count with a superblock.
func imageBytes(chunks uint64) uint64 {
	return (chunks+7)/8 + superblockSize
}

// formatImage writes a valid little-endian superblock into store.
func formatImage(t *testing.T, store blockio.Store, arr *fakeArray, chunksize uint32) {
	t.Helper()

	sb := superblock{
		Magic:           Magic,
		Version:         versionHi,
		UUID:            arr.id,
		Events:          arr.Events(),
		EventsCleared:   arr.Events(),
		Chunksize:       chunksize,
		DaemonSleep:     5,
		SyncSize:        arr.sectors,
		SectorsReserved: 8192,
	}

	page := make([]byte, superblockSize)
	encodeSuperblock(&sb, page)

	require.NoError(t, store.WriteAt(page, 0))
}

// testEnv bundles a file-backed bitmap over an in-memory store with a
// frozen clock. The background daemon, if started, is gated by the clock;
// ticks are driven explicitly with env.tick.
type testEnv struct {
	t     *testing.T
	b     *Bitmap
	arr   *fakeArray
	mem   *blockio.MemStore
	fault *blockio.FaultStore
	clock time.Time
}

// newTestEnv builds a bitmap over a formatted image. sectors and chunksize
// define the geometry; the bitmap is created but not loaded.
func newTestEnv(t *testing.T, sectors uint64, chunksize uint32) *testEnv {
	t.Helper()

	arr := newFakeArray(sectors)

	chunkSectors := uint64(chunksize) >> BlockShift
	chunks := divRoundUp(sectors, chunkSectors)

	mem := blockio.NewMemStore(int(imageBytes(chunks)))
	fault := blockio.NewFaultStore(mem)

	formatImage(t, mem, arr, chunksize)

	b, err := New(Options{
		Array: arr,
		File:  fault,
		Path:  "test.img",
	})
	require.NoError(t, err)

	env := &testEnv{
		t:     t,
		b:     b,
		arr:   arr,
		mem:   mem,
		fault: fault,
		clock: time.Unix(1000000, 0),
	}

	b.now = func() time.Time { return env.clock }

	b.daemonMu.Lock()
	b.daemonLastRun = env.clock
	b.daemonMu.Unlock()

	return env
}

// tick runs one daemon pass, rewinding the last-run stamp past the sleep
// gate, and waits out any page writes it dispatched.
func (e *testEnv) tick() {
	e.t.Helper()

	e.b.daemonMu.Lock()
	e.b.daemonLastRun = e.clock.Add(-2 * e.b.info.DaemonSleep)
	e.b.daemonMu.Unlock()

	e.b.DaemonWork()
	e.b.waitWrites()
}

// counterAt reads the raw counter cell for a sector offset.
func (e *testEnv) counterAt(offset uint64) counter {
	e.b.counts.mu.Lock()
	defer e.b.counts.mu.Unlock()

	bmc, _ := e.b.counts.getCounter(offset, false)
	if bmc == nil {
		return 0
	}

	return *bmc
}

// diskBit reads a chunk's bit from the backing store, bypassing the
// engine's in-memory pages.
func (e *testEnv) diskBit(chunk uint64) bool {
	bitIndex := chunk + superblockSize*8

	buf := make([]byte, 1)
	require.NoError(e.t, e.mem.ReadAt(buf, int64(bitIndex/8)))

	return buf[0]&(1<<(bitIndex%8)) != 0
}
