package arena

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnson452/amrex/internal/gpu"
)

func newTestArena(t *testing.T, maxBytes int64) (*Arena, *gpu.SimDevice) {
	t.Helper()
	dev := gpu.NewSimDevice()
	t.Cleanup(func() { dev.Free() })
	return New("test", dev.AllocHost, maxBytes), dev
}

func TestArenaAllocFree(t *testing.T) {
	a, _ := newTestArena(t, 1<<20)

	buf, err := a.Alloc(1024)
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.GreaterOrEqual(t, buf.Size(), int64(1024))

	require.NoError(t, a.Free(buf))

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Allocations)
	assert.Equal(t, int64(1), stats.PoolMisses)
}

func TestArenaReuse(t *testing.T) {
	a, dev := newTestArena(t, 1<<20)

	buf1, err := a.Alloc(1024)
	require.NoError(t, err)
	require.NoError(t, a.Free(buf1))

	buf2, err := a.Alloc(1024)
	require.NoError(t, err)
	defer a.Free(buf2)

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Reuses)
	assert.Equal(t, int64(1), stats.PoolHits)

	// The backend only saw one allocation
	hostAllocs, _ := dev.AllocCount()
	assert.Equal(t, int64(1), hostAllocs)
}

func TestArenaSizeClassRounding(t *testing.T) {
	a, _ := newTestArena(t, 1<<20)

	// 100 rounds to the 128 class; 120 should reuse it
	buf1, err := a.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, a.Free(buf1))

	buf2, err := a.Alloc(120)
	require.NoError(t, err)
	defer a.Free(buf2)

	assert.Equal(t, int64(1), a.Stats().Reuses)
}

func TestArenaBufferUnwrapsToBackend(t *testing.T) {
	a, _ := newTestArena(t, 1<<20)

	buf, err := a.Alloc(64)
	require.NoError(t, err)
	defer a.Free(buf)

	// Streams see through the pool wrapper to the device's own buffer,
	// so arena-served buffers are usable wherever raw ones are.
	raw := gpu.Unwrap(buf)
	require.NotNil(t, raw)
	assert.NotSame(t, buf, raw)
	_, wrapped := raw.(gpu.Unwrapper)
	assert.False(t, wrapped, "unwrapped buffer should be the backend's own")
	assert.Equal(t, buf.Ptr(), raw.Ptr())
}

func TestArenaFreeNil(t *testing.T) {
	a, _ := newTestArena(t, 1<<20)
	assert.NoError(t, a.Free(nil))
	assert.Equal(t, int64(0), a.Stats().Allocations)
}

func TestArenaDoubleFree(t *testing.T) {
	a, _ := newTestArena(t, 1<<20)

	buf, err := a.Alloc(256)
	require.NoError(t, err)
	require.NoError(t, a.Free(buf))
	// Second free of the same block is tolerated
	assert.NoError(t, a.Free(buf))

	pooled, active, _ := a.MemoryUsage()
	assert.Equal(t, int64(256), pooled)
	assert.Equal(t, 0, active)
}

func TestArenaEviction(t *testing.T) {
	// Pool cap of 512 bytes: the second freed buffer must be evicted
	a, _ := newTestArena(t, 512)

	buf1, err := a.Alloc(512)
	require.NoError(t, err)
	buf2, err := a.Alloc(512)
	require.NoError(t, err)

	require.NoError(t, a.Free(buf1))
	require.NoError(t, a.Free(buf2))

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Evictions)

	pooled, _, _ := a.MemoryUsage()
	assert.LessOrEqual(t, pooled, int64(512))
}

func TestArenaClear(t *testing.T) {
	a, _ := newTestArena(t, 1<<20)

	for i := 0; i < 4; i++ {
		buf, err := a.Alloc(1024)
		require.NoError(t, err)
		require.NoError(t, a.Free(buf))
		_, err = a.Alloc(2048)
		require.NoError(t, err)
	}

	require.NoError(t, a.Clear())
	pooled, _, _ := a.MemoryUsage()
	assert.Equal(t, int64(0), pooled)
}

func TestArenaInvalidSize(t *testing.T) {
	a, _ := newTestArena(t, 1<<20)

	_, err := a.Alloc(0)
	assert.Error(t, err)
	_, err = a.Alloc(-5)
	assert.Error(t, err)
}

func TestArenaAllocatorFailure(t *testing.T) {
	failing := func(size int64) (gpu.Buffer, error) {
		return nil, errors.New("out of memory")
	}
	a := New("failing", failing, 0)

	_, err := a.Alloc(64)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
}

func TestRoundUpPowerOf2(t *testing.T) {
	cases := []struct {
		in, out int64
	}{
		{1, 1}, {2, 2}, {3, 4}, {5, 8}, {100, 128}, {1024, 1024}, {1025, 2048},
		{1 << 62, 1 << 62}, {1<<62 + 1, 1<<62 + 1},
	}
	for _, c := range cases {
		assert.Equal(t, c.out, roundUpPowerOf2(c.in), "roundUpPowerOf2(%d)", c.in)
	}
}
