// Package asyncarray provides arrays whose backing memory may be read
// asynchronously by device work while release is deferred until stream
// ordering makes the free safe. Construction, access, and release all
// happen on the calling goroutine; release never blocks it when the
// backend supports asynchronous notification.
package asyncarray

import (
	"runtime"
	"sync/atomic"

	"github.com/johnson452/amrex/internal/gpu"
	"github.com/johnson452/amrex/internal/reclaim"
)

// State describes where an array's memory lives.
type State int

const (
	// StateEmpty is a zero-length array. It owns nothing and release
	// is a no-op; Empty is its own terminal state.
	StateEmpty State = iota
	// StateHostOnly holds pinned host memory only (host-mode runtime).
	StateHostOnly
	// StateHostAndDevicePending holds both buffers, with the
	// host-to-device copy ordered on the stream but possibly not yet
	// executed. No flag tracks completion; stream order alone makes
	// later device reads safe.
	StateHostAndDevicePending
	// StateDeviceOnly holds device memory only (uninitialized
	// construction on an accelerated runtime).
	StateDeviceOnly
	// StateReleased is terminal; both buffers are gone from the array.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateHostOnly:
		return "HostOnly"
	case StateHostAndDevicePending:
		return "HostAndDevicePending"
	case StateDeviceOnly:
		return "DeviceOnly"
	case StateReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// noCopy triggers `go vet -copylocks` on value copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Array owns one host/device buffer pair for its whole lifetime. It is
// never copied or shared between goroutines: construction and release
// are the only ownership events, and release is idempotent.
type Array[T Scalar] struct {
	noCopy noCopy

	rt       *Runtime
	n        int
	host     gpu.Buffer
	dev      gpu.Buffer
	released atomic.Bool
}

// New constructs an array from an existing host slice. The contents of
// src are copied synchronously into pinned memory, so the caller may
// reuse or free src as soon as New returns. On an accelerated runtime
// a device buffer is also allocated and an asynchronous host-to-device
// copy is enqueued on the current stream; New does not wait for it.
//
// Allocation or submission failure terminates the process.
func New[T Scalar](rt *Runtime, src []T) *Array[T] {
	a := &Array[T]{rt: rt, n: len(src)}
	if a.n == 0 {
		return a
	}

	nbytes := int64(a.n * sizeOf[T]())
	host, err := rt.allocPinned(nbytes)
	if err != nil {
		rt.fatalf("pinned allocation of %d bytes failed: %v", nbytes, err)
	}
	if err := host.CopyFromHost(asBytes(src)); err != nil {
		rt.fatalf("filling pinned buffer: %v", err)
	}
	a.host = host

	if rt.Accelerated() {
		dev, err := rt.allocDevice(nbytes)
		if err != nil {
			rt.fatalf("device allocation of %d bytes failed: %v", nbytes, err)
		}
		a.dev = dev
		if err := rt.CurrentStream().EnqueueHostToDevice(dev, host, nbytes); err != nil {
			rt.fatalf("async host-to-device copy submission failed: %v", err)
		}
	}

	rt.met.ArraysCreated.Inc()
	rt.met.ArraysLive.Inc()
	runtime.SetFinalizer(a, (*Array[T]).Release)
	return a
}

// NewUninitialized constructs an array of n elements with undefined
// contents: device memory only on an accelerated runtime, pinned host
// memory only otherwise.
func NewUninitialized[T Scalar](rt *Runtime, n int) *Array[T] {
	a := &Array[T]{rt: rt, n: n}
	if n == 0 {
		return a
	}

	nbytes := int64(n * sizeOf[T]())
	if rt.Accelerated() {
		dev, err := rt.allocDevice(nbytes)
		if err != nil {
			rt.fatalf("device allocation of %d bytes failed: %v", nbytes, err)
		}
		a.dev = dev
	} else {
		host, err := rt.allocPinned(nbytes)
		if err != nil {
			rt.fatalf("pinned allocation of %d bytes failed: %v", nbytes, err)
		}
		a.host = host
	}

	rt.met.ArraysCreated.Inc()
	rt.met.ArraysLive.Inc()
	runtime.SetFinalizer(a, (*Array[T]).Release)
	return a
}

// Len returns the element count fixed at construction.
func (a *Array[T]) Len() int { return a.n }

// Data returns the device buffer if one exists, else the host buffer,
// else nil. Which memory space it refers to depends on the runtime's
// execution mode, not on the caller; treat it as opaque. There is no
// readiness check — any use ordered on the stream after construction
// is safe by stream order alone.
func (a *Array[T]) Data() gpu.Buffer {
	if a.dev != nil {
		return a.dev
	}
	return a.host
}

// State reports the array's lifecycle state.
func (a *Array[T]) State() State {
	if a.n == 0 {
		return StateEmpty
	}
	if a.released.Load() {
		return StateReleased
	}
	switch {
	case a.host != nil && a.dev != nil:
		return StateHostAndDevicePending
	case a.dev != nil:
		return StateDeviceOnly
	default:
		return StateHostOnly
	}
}

// CopyToHost synchronously copies min(len(dst), Len()) elements into
// dst. With a device buffer this blocks on a device-to-host transfer
// ordered after outstanding stream work; otherwise it is a direct host
// copy. A zero-length dst is a no-op.
func (a *Array[T]) CopyToHost(dst []T) {
	if len(dst) == 0 {
		return
	}
	switch {
	case a.dev != nil:
		// Order the blocking read after the construction copy and any
		// device work already on the stream.
		if err := a.rt.CurrentStream().Synchronize(); err != nil {
			a.rt.fatalf("stream synchronization failed: %v", err)
		}
		if err := a.dev.CopyToHost(asBytes(dst)); err != nil {
			a.rt.fatalf("device-to-host copy failed: %v", err)
		}
	case a.host != nil:
		if err := a.host.CopyToHost(asBytes(dst)); err != nil {
			a.rt.fatalf("host copy failed: %v", err)
		}
	}
}

// Release gives up the array's memory. Idempotent: the second and
// later calls do nothing, as does releasing an empty array.
//
// On a host-mode runtime the pinned buffer goes back to the arena
// immediately. On an accelerated runtime the buffer pair is handed to
// the deferred reclaimer, ordered on the current stream after all
// previously enqueued work; the array drops its references right away
// either way, so stale use after Release sees no buffers rather than
// freed ones.
func (a *Array[T]) Release() {
	if a == nil {
		return
	}
	if !a.released.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(a, nil)

	host, dev := a.host, a.dev
	a.host, a.dev = nil, nil
	if host == nil && dev == nil {
		return
	}

	if dev != nil {
		a.rt.retire(reclaim.Pair{Host: host, Device: dev})
	} else {
		if err := a.rt.pinned.Free(host); err != nil {
			a.rt.fatalf("freeing pinned buffer: %v", err)
		}
	}
	a.rt.met.ArraysLive.Dec()
}
