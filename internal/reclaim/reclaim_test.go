package reclaim

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/johnson452/amrex/internal/gpu"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// eventLog records stream-ordered events from multiple goroutines
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func newStreamPair(t *testing.T) (*gpu.SimDevice, *gpu.SimStream) {
	t.Helper()
	dev := gpu.NewSimDevice()
	t.Cleanup(func() { dev.Free() })
	s, err := dev.NewStream()
	require.NoError(t, err)
	return dev, s.(*gpu.SimStream)
}

func makePair(t *testing.T, dev *gpu.SimDevice) Pair {
	t.Helper()
	h, err := dev.AllocHost(64)
	require.NoError(t, err)
	d, err := dev.AllocDevice(64)
	require.NoError(t, err)
	return Pair{Host: h, Device: d}
}

func TestCallbackReclaimerOrdering(t *testing.T) {
	dev, s := newStreamPair(t)
	log := &eventLog{}

	r, err := New(BackendCallback, func(Pair) { log.add("free") }, 0)
	require.NoError(t, err)
	defer r.Close()

	p := makePair(t, dev)
	require.NoError(t, s.Enqueue("read", func() { log.add("read") }))
	require.NoError(t, r.Retire(s, p))
	require.NoError(t, s.Synchronize())

	events := log.snapshot()
	require.Equal(t, []string{"read", "free"}, events)
}

func TestCallbackReclaimerInterleaved(t *testing.T) {
	// Many arrays sharing one stream: every free must land strictly
	// after the read issued before its retire, for any interleaving.
	dev, s := newStreamPair(t)
	log := &eventLog{}

	r, err := New(BackendCallback, func(p Pair) {
		log.add("free")
	}, 0)
	require.NoError(t, err)
	defer r.Close()

	const n = 50
	pairs := make([]Pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = makePair(t, dev)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, s.Enqueue("read", func() { log.add("read") }))
		require.NoError(t, r.Retire(s, pairs[i]))
	}
	require.NoError(t, s.Synchronize())

	events := log.snapshot()
	require.Len(t, events, 2*n)
	reads, frees := 0, 0
	for _, e := range events {
		if e == "read" {
			reads++
		} else {
			frees++
			// Free k can only execute once read k has
			assert.GreaterOrEqual(t, reads, frees, "free ran before its read: %v", events)
		}
	}
	assert.Equal(t, n, reads)
	assert.Equal(t, n, frees)
}

func TestCallbackReclaimerFreesExactlyOnce(t *testing.T) {
	dev, s := newStreamPair(t)

	var mu sync.Mutex
	count := 0
	r, err := New(BackendCallback, func(Pair) {
		mu.Lock()
		count++
		mu.Unlock()
	}, 0)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Retire(s, makePair(t, dev)))
	require.NoError(t, s.Synchronize())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestHostTaskReclaimer(t *testing.T) {
	dev, s := newStreamPair(t)
	log := &eventLog{}
	freed := make(chan struct{})

	r, err := New(BackendHostTask, func(Pair) {
		log.add("free")
		close(freed)
	}, 8)
	require.NoError(t, err)

	require.NoError(t, s.Enqueue("read", func() { log.add("read") }))
	require.NoError(t, r.Retire(s, makePair(t, dev)))

	require.NoError(t, s.Synchronize())
	<-freed
	require.NoError(t, r.Close())

	assert.Equal(t, []string{"read", "free"}, log.snapshot())
}

func TestHostTaskReclaimerDrainOnClose(t *testing.T) {
	dev, s := newStreamPair(t)

	var mu sync.Mutex
	count := 0
	r, err := New(BackendHostTask, func(Pair) {
		mu.Lock()
		count++
		mu.Unlock()
	}, 4)
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, r.Retire(s, makePair(t, dev)))
	}
	require.NoError(t, s.Synchronize())
	require.NoError(t, r.Close())
	// Close is idempotent
	require.NoError(t, r.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, count, "every retired pair must be freed exactly once")
}

func TestBlockingReclaimer(t *testing.T) {
	dev, s := newStreamPair(t)
	log := &eventLog{}

	r, err := New(BackendBlocking, func(Pair) { log.add("free") }, 0)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, s.Enqueue("read", func() { log.add("read") }))
	require.NoError(t, r.Retire(s, makePair(t, dev)))

	// Blocking retire returns only after the free already happened
	assert.Equal(t, []string{"read", "free"}, log.snapshot())
}

func TestRetireEmptyPair(t *testing.T) {
	_, s := newStreamPair(t)

	for _, backend := range []string{BackendCallback, BackendHostTask, BackendBlocking} {
		r, err := New(backend, func(Pair) {
			t.Errorf("%s: free called for empty pair", backend)
		}, 1)
		require.NoError(t, err)
		require.NoError(t, r.Retire(s, Pair{}))
		require.NoError(t, s.Synchronize())
		require.NoError(t, r.Close())
	}
}

// syncOnlyStream lacks host-function support
type syncOnlyStream struct{ gpu.Stream }

func TestResolve(t *testing.T) {
	_, s := newStreamPair(t)

	assert.Equal(t, BackendCallback, Resolve("auto", s))
	assert.Equal(t, BackendBlocking, Resolve("auto", syncOnlyStream{}))
	assert.Equal(t, BackendHostTask, Resolve(BackendHostTask, s))
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New("bogus", func(Pair) {}, 0)
	assert.Error(t, err)
}
