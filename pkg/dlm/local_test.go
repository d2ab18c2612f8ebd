package dlm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockSyncGrantsAndReleases(t *testing.T) {
	ls := NewLocal()
	defer func() { require.NoError(t, ls.Close()) }()

	r := NewResource("super")

	require.NoError(t, LockSync(ls, r, EX))
	require.Equal(t, EX, r.Mode())

	require.NoError(t, UnlockSync(ls, r))
	require.Equal(t, Unlocked, r.Mode())
}

func TestExclusiveBlocksUntilRelease(t *testing.T) {
	ls := NewLocal()
	defer func() { require.NoError(t, ls.Close()) }()

	r1 := NewResource("super")
	r2 := NewResource("super")

	require.NoError(t, LockSync(ls, r1, EX))

	granted := make(chan struct{})

	go func() {
		require.NoError(t, LockSync(ls, r2, EX))
		close(granted)
	}()

	select {
	case <-granted:
		t.Fatal("second EX lock must wait")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, UnlockSync(ls, r1))

	select {
	case <-granted:
	case <-time.After(2 * time.Second):
		t.Fatal("queued EX lock must be granted after release")
	}

	require.Equal(t, EX, r2.Mode())
}

func TestConcurrentReadersShare(t *testing.T) {
	ls := NewLocal()
	defer func() { require.NoError(t, ls.Close()) }()

	readers := make([]*Resource, 3)

	for i := range readers {
		readers[i] = NewResource("node")
		require.NoError(t, LockSync(ls, readers[i], CR))
	}

	for _, r := range readers {
		require.Equal(t, CR, r.Mode())
	}

	// PW coexists with CR but a second PW queues.
	w1 := NewResource("node")
	require.NoError(t, LockSync(ls, w1, PW))

	w2 := NewResource("node")
	granted := make(chan struct{})

	go func() {
		require.NoError(t, LockSync(ls, w2, PW))
		close(granted)
	}()

	select {
	case <-granted:
		t.Fatal("second PW must queue behind the first")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, UnlockSync(ls, w1))

	select {
	case <-granted:
	case <-time.After(2 * time.Second):
		t.Fatal("queued PW must be granted after release")
	}
}

func TestBlockingNotificationReachesHolders(t *testing.T) {
	ls := NewLocal()
	defer func() { require.NoError(t, ls.Close()) }()

	holder := NewResource("bitmap-node-0001")

	var mu sync.Mutex

	var basts []Mode

	require.NoError(t, ls.Lock(holder, CR,
		func(err error) { holder.complete(err) },
		func(blocked Mode) {
			mu.Lock()
			basts = append(basts, blocked)
			mu.Unlock()
		}))
	require.NoError(t, holder.wait())

	// An EX request against the held resource triggers the holder's
	// blocking callback.
	taker := NewResource("bitmap-node-0001")
	require.NoError(t, ls.Lock(taker, EX, func(err error) { taker.complete(err) }, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(basts) == 1 && basts[0] == EX
	}, 2*time.Second, 10*time.Millisecond)

	// Releasing hands the resource over.
	require.NoError(t, UnlockSync(ls, holder))
	require.NoError(t, taker.wait())
	require.Equal(t, EX, taker.Mode())
}

func TestGrantOrderIsFIFO(t *testing.T) {
	ls := NewLocal()
	defer func() { require.NoError(t, ls.Close()) }()

	first := NewResource("r")
	require.NoError(t, LockSync(ls, first, EX))

	var mu sync.Mutex

	var order []int

	resources := make([]*Resource, 3)

	for i := range resources {
		resources[i] = NewResource("r")

		n := i
		r := resources[i]

		require.NoError(t, ls.Lock(r, EX, func(err error) {
			require.NoError(t, err)

			mu.Lock()
			order = append(order, n)
			mu.Unlock()

			// Hand the lock straight on.
			_ = ls.Unlock(r, nil)
		}, nil))
	}

	require.NoError(t, UnlockSync(ls, first))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []int{0, 1, 2}, order)
	mu.Unlock()
}

func TestCloseFailsPendingRequests(t *testing.T) {
	ls := NewLocal()

	holder := NewResource("r")
	require.NoError(t, LockSync(ls, holder, EX))

	waiter := NewResource("r")

	errCh := make(chan error, 1)
	require.NoError(t, ls.Lock(waiter, EX, func(err error) { errCh <- err }, nil))

	require.NoError(t, ls.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request must fail on close")
	}

	// New requests are rejected outright.
	require.ErrorIs(t, ls.Lock(NewResource("r"), EX, nil, nil), ErrClosed)
}

func TestUnlockValidation(t *testing.T) {
	ls := NewLocal()
	defer func() { require.NoError(t, ls.Close()) }()

	require.Error(t, ls.Unlock(NewResource("unknown"), nil))

	r := NewResource("r")
	require.NoError(t, LockSync(ls, r, CR))
	require.NoError(t, UnlockSync(ls, r))
	require.Error(t, ls.Unlock(r, nil))
}

func TestLockRejectsDoubleAcquire(t *testing.T) {
	ls := NewLocal()
	defer func() { require.NoError(t, ls.Close()) }()

	r := NewResource("r")
	require.NoError(t, LockSync(ls, r, CR))

	// A held Resource cannot be re-locked; it must be unlocked first.
	require.Error(t, ls.Lock(r, EX, nil, nil))
	require.Equal(t, CR, r.Mode())

	// Nor can one with a request still queued.
	waiter := NewResource("r")
	require.NoError(t, ls.Lock(waiter, EX, func(err error) { waiter.complete(err) }, nil))
	require.Error(t, ls.Lock(waiter, EX, nil, nil))

	require.NoError(t, UnlockSync(ls, r))
	require.NoError(t, waiter.wait())
	require.Equal(t, EX, waiter.Mode())
}

func TestLockRejectsUnlockedMode(t *testing.T) {
	ls := NewLocal()
	defer func() { require.NoError(t, ls.Close()) }()

	require.Error(t, ls.Lock(NewResource("r"), Unlocked, nil, nil))
}
