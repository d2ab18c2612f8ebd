package bitmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCleanUnplugPath walks one chunk through the full write lifecycle:
// startwrite raises the counter and dirties the page, unplug persists the
// bit, endwrite hands the chunk to the daemon, and two decay ticks retire
// it (the writeout of the cleared bit rides the following tick).
func TestCleanUnplugPath(t *testing.T) {
	env := newTestEnv(t, 8, 4096) // one 4KiB chunk

	env.b.StartWrite(0, 8, false)

	require.Equal(t, counter(3), env.counterAt(0))
	require.True(t, env.b.storage.testBit(0, false))
	require.True(t, env.b.storage.testAttr(0, attrDirty))
	require.False(t, env.diskBit(0), "bit must not be on disk before unplug")

	require.NoError(t, env.b.Unplug())

	require.False(t, env.b.storage.testAttr(0, attrDirty))
	require.True(t, env.diskBit(0), "unplug persists the bit")

	env.b.EndWrite(0, 8, true, false)

	require.Equal(t, counter(2), env.counterAt(0))
	require.True(t, env.b.counts.bp[0].pending)

	env.tick()
	require.Equal(t, counter(1), env.counterAt(0))

	env.tick()
	require.Equal(t, counter(0), env.counterAt(0))
	require.False(t, env.b.storage.testBit(0, false))
	require.True(t, env.b.storage.testAttr(0, attrPending))

	// The cleared bit reaches disk on the next writeout pass.
	env.tick()
	require.False(t, env.diskBit(0))
}

// TestStartEndWriteBalance is the balance law: matched start/end pairs
// return the counter to its prior value, modulo the 2 -> 0 decay that only
// the daemon performs.
func TestStartEndWriteBalance(t *testing.T) {
	env := newTestEnv(t, 1024, 4096)

	const n = 10

	for i := 0; i < n; i++ {
		env.b.StartWrite(0, 8, false)
	}

	require.Equal(t, counter(2+n), env.counterAt(0))

	for i := 0; i < n; i++ {
		env.b.EndWrite(0, 8, true, false)
	}

	require.Equal(t, counter(2), env.counterAt(0))

	env.tick()
	env.tick()

	require.Equal(t, counter(0), env.counterAt(0))
}

func TestStartWriteSpansChunks(t *testing.T) {
	env := newTestEnv(t, 64, 4096) // 8 chunks of 8 sectors

	// 20 sectors starting mid-chunk touch chunks 0..2.
	env.b.StartWrite(4, 20, false)

	require.Equal(t, counter(3), env.counterAt(0))
	require.Equal(t, counter(3), env.counterAt(8))
	require.Equal(t, counter(3), env.counterAt(16))
	require.Equal(t, counter(0), env.counterAt(24))

	env.b.EndWrite(4, 20, true, false)

	require.Equal(t, counter(2), env.counterAt(0))
	require.Equal(t, counter(2), env.counterAt(16))
}

func TestFailedWriteMarksNeeded(t *testing.T) {
	env := newTestEnv(t, 8, 4096)

	env.b.StartWrite(0, 8, false)
	env.b.EndWrite(0, 8, false, false)

	c := env.counterAt(0)
	require.True(t, needed(c))
	require.Equal(t, uint16(2), countOf(c))

	// NEEDED chunks never decay to zero behind the resync's back.
	env.tick()
	env.tick()
	env.tick()

	c = env.counterAt(0)
	require.True(t, needed(c))
	require.Equal(t, uint16(2), countOf(c))
}

// TestCounterOverflow saturates one chunk and checks that the next writer
// parks until an endwrite makes room.
func TestCounterOverflow(t *testing.T) {
	env := newTestEnv(t, 8, 4096)

	// Drive the counter to saturation. The first startwrite contributes
	// 3; each subsequent one adds 1.
	env.b.StartWrite(0, 8, false)
	for countOf(env.counterAt(0)) < CounterMax {
		env.b.StartWrite(0, 8, false)
	}

	require.Equal(t, uint16(CounterMax), countOf(env.counterAt(0)))

	released := make(chan struct{})

	go func() {
		env.b.StartWrite(0, 8, false)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("startwrite must park on a saturated counter")
	case <-time.After(50 * time.Millisecond):
	}

	env.b.EndWrite(0, 8, true, false)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("endwrite must release exactly one parked writer")
	}

	require.Equal(t, uint16(CounterMax), countOf(env.counterAt(0)))
}

func TestBehindWritesGauge(t *testing.T) {
	env := newTestEnv(t, 64, 4096)
	env.b.info.MaxWriteBehind = 2

	env.b.StartWrite(0, 8, true)
	env.b.StartWrite(8, 8, true)

	require.Equal(t, int64(2), env.b.behindWrites.Load())
	require.Equal(t, int64(2), env.b.BehindWritesUsed())

	// The cap parks the third behind-writer.
	released := make(chan struct{})

	go func() {
		env.b.StartWrite(16, 8, true)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("behind write over the cap must park")
	case <-time.After(50 * time.Millisecond):
	}

	env.b.EndWrite(0, 8, true, true)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("endwrite must admit the parked behind-writer")
	}

	env.b.EndWrite(8, 8, true, true)
	env.b.EndWrite(16, 8, true, true)

	require.Equal(t, int64(0), env.b.behindWrites.Load())

	// The high-water mark survives the drain until reset.
	require.Equal(t, int64(2), env.b.BehindWritesUsed())
	env.b.ResetBehindWritesUsed()
	require.Equal(t, int64(0), env.b.BehindWritesUsed())
}

func TestEndWriteAdvancesEventsCleared(t *testing.T) {
	env := newTestEnv(t, 8, 4096)

	env.b.counts.mu.Lock()
	env.b.eventsCleared = 5
	env.b.counts.mu.Unlock()

	env.arr.setEvents(9)

	env.b.StartWrite(0, 8, false)
	env.b.EndWrite(0, 8, true, false)

	env.b.counts.mu.Lock()
	require.Equal(t, uint64(9), env.b.eventsCleared)
	require.True(t, env.b.needSync)
	env.b.counts.mu.Unlock()

	// The next daemon tick consumes need_sync and stamps the new value
	// into the superblock page.
	env.tick()

	sb := decodeSuperblock(env.b.storage.sbPage)
	require.Equal(t, uint64(9), sb.EventsCleared)
}

func TestEndWriteDegradedHoldsEventsCleared(t *testing.T) {
	env := newTestEnv(t, 8, 4096)

	env.b.counts.mu.Lock()
	env.b.eventsCleared = 5
	env.b.counts.mu.Unlock()

	env.arr.setEvents(9)
	env.arr.mu.Lock()
	env.arr.degraded = true
	env.arr.mu.Unlock()

	env.b.StartWrite(0, 8, false)
	env.b.EndWrite(0, 8, true, false)

	env.b.counts.mu.Lock()
	require.Equal(t, uint64(5), env.b.eventsCleared)
	require.False(t, env.b.needSync)
	env.b.counts.mu.Unlock()
}
