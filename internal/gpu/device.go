package gpu

import (
	"fmt"
	"sync"
	"unsafe"
)

// Device represents an accelerator backend. It hands out pinned host
// memory and device memory, and creates execution streams.
type Device interface {
	// Type returns the device type
	Type() DeviceType

	// Name returns a human-readable device name
	Name() string

	// AllocHost allocates pinned host memory of the given size in bytes
	AllocHost(size int64) (Buffer, error)

	// AllocDevice allocates device memory of the given size in bytes
	AllocDevice(size int64) (Buffer, error)

	// NewStream creates a new execution stream on the device
	NewStream() (Stream, error)

	// Free releases the device and all associated resources
	Free() error

	// MemoryUsage returns current device memory usage in bytes (used, total)
	MemoryUsage() (int64, int64)
}

// DeviceType represents the type of compute device
type DeviceType int

const (
	DeviceTypeSim DeviceType = iota
	DeviceTypeCUDA
)

func (dt DeviceType) String() string {
	switch dt {
	case DeviceTypeSim:
		return "Sim"
	case DeviceTypeCUDA:
		return "CUDA"
	default:
		return "Unknown"
	}
}

// NewHostBuffer allocates plain host memory. It backs the pinned arena
// when no accelerator is configured, where "pinned" degenerates to
// ordinary allocation.
func NewHostBuffer(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}
	return &hostBuffer{data: make([]byte, size)}, nil
}

// hostBuffer implements Buffer for host memory
type hostBuffer struct {
	data []byte
	mu   sync.RWMutex
}

func (b *hostBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *hostBuffer) Ptr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.data[0]))
}

func (b *hostBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return fmt.Errorf("copy from freed host buffer")
	}
	copy(dst, b.data)
	return nil
}

func (b *hostBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int64(len(b.data)) < int64(len(src)) {
		return fmt.Errorf("buffer too small: %d < %d", len(b.data), len(src))
	}
	copy(b.data, src)
	return nil
}

func (b *hostBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}
