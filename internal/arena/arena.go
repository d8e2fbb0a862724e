// Package arena provides the pool allocator backing async arrays. An
// Arena fronts a device allocation function with power-of-2 size-class
// free lists so short-lived buffers are recycled instead of going back
// to the backend on every release.
package arena

import (
	"fmt"
	"sync"

	"github.com/johnson452/amrex/internal/gpu"
)

// AllocFunc allocates a raw buffer of the given size in bytes.
type AllocFunc func(size int64) (gpu.Buffer, error)

// Arena manages a pool of buffers for efficient reuse
type Arena struct {
	name     string
	alloc    AllocFunc
	pools    map[int64][]*block // Size class -> available buffers
	active   map[uintptr]*block // Ptr -> active buffers
	mu       sync.Mutex
	maxBytes int64 // Maximum total bytes to pool
	curBytes int64 // Current pooled bytes
	stats    Stats
}

// Stats tracks arena statistics
type Stats struct {
	Allocations int64 // Total allocations
	Reuses      int64 // Buffers reused from pool
	Evictions   int64 // Buffers evicted due to memory pressure
	PoolHits    int64 // Successful pool lookups
	PoolMisses  int64 // Failed pool lookups (allocated new)
}

// block wraps a raw buffer with pool bookkeeping
type block struct {
	gpu.Buffer
	actualSize int64 // Actual allocation size
	poolKey    int64 // Size class used for pool storage
}

// Unwrap exposes the backend buffer so streams can see through the
// pool wrapper.
func (b *block) Unwrap() gpu.Buffer { return b.Buffer }

// New creates an arena over the given allocation function.
// maxBytes caps the memory kept pooled for reuse (0 = unlimited).
func New(name string, alloc AllocFunc, maxBytes int64) *Arena {
	return &Arena{
		name:     name,
		alloc:    alloc,
		pools:    make(map[int64][]*block),
		active:   make(map[uintptr]*block),
		maxBytes: maxBytes,
	}
}

// Name returns the arena's name ("pinned", "device")
func (a *Arena) Name() string { return a.name }

// Alloc gets a buffer from the pool or allocates a new one
func (a *Arena) Alloc(size int64) (gpu.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena %s: invalid allocation size %d", a.name, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Allocations++

	// Look for an available buffer big enough, checking power-of-2
	// size classes from the requested size up.
	poolSize := roundUpPowerOf2(size)
	for checkSize := poolSize; checkSize <= poolSize*2; checkSize *= 2 {
		if buffers, ok := a.pools[checkSize]; ok && len(buffers) > 0 {
			b := buffers[len(buffers)-1]
			a.pools[checkSize] = buffers[:len(buffers)-1]

			a.active[b.Ptr()] = b
			a.curBytes -= b.actualSize
			a.stats.Reuses++
			a.stats.PoolHits++

			return b, nil
		}
	}

	a.stats.PoolMisses++

	// Allocate at the rounded class size so any pooled buffer in a
	// class can serve any request that maps to it.
	raw, err := a.alloc(poolSize)
	if err != nil {
		return nil, fmt.Errorf("arena %s: %w", a.name, err)
	}

	b := &block{
		Buffer:     raw,
		actualSize: poolSize,
		poolKey:    poolSize,
	}
	a.active[raw.Ptr()] = b

	return b, nil
}

// Free returns a buffer to the pool. A nil buffer is a no-op.
func (a *Arena) Free(buf gpu.Buffer) error {
	if buf == nil {
		return nil
	}

	b, ok := buf.(*block)
	if !ok {
		// Not one of ours, free directly
		return buf.Free()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ptr := b.Ptr()
	if _, tracked := a.active[ptr]; !tracked {
		// Already returned; tolerate the repeat
		return nil
	}
	delete(a.active, ptr)

	// Evict instead of pooling when over the cap
	if a.maxBytes > 0 && a.curBytes+b.actualSize > a.maxBytes {
		a.stats.Evictions++
		return b.Buffer.Free()
	}

	a.pools[b.poolKey] = append(a.pools[b.poolKey], b)
	a.curBytes += b.actualSize
	return nil
}

// Clear releases all pooled buffers back to the backend
func (a *Arena) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for key, buffers := range a.pools {
		for _, b := range buffers {
			if err := b.Buffer.Free(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(a.pools, key)
	}
	a.curBytes = 0
	return firstErr
}

// Stats returns a snapshot of arena statistics
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// MemoryUsage returns pooled bytes, active buffer count, and the pool cap
func (a *Arena) MemoryUsage() (pooled int64, active int, max int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.curBytes, len(a.active), a.maxBytes
}

// roundUpPowerOf2 rounds size up to the next power of 2. Sizes above
// the largest int64 power of 2 become their own class; rounding them
// would overflow.
func roundUpPowerOf2(size int64) int64 {
	if size <= 0 {
		return 1
	}
	if size > 1<<62 {
		return size
	}
	size--
	size |= size >> 1
	size |= size >> 2
	size |= size >> 4
	size |= size >> 8
	size |= size >> 16
	size |= size >> 32
	return size + 1
}
