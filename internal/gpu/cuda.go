//go:build linux && cgo
// +build linux,cgo

package gpu

/*
#cgo CFLAGS: -I/opt/cuda/include -I/usr/local/cuda/include
#cgo LDFLAGS: -L/opt/cuda/lib64 -L/usr/local/cuda/lib64 -lcudart

#include <cuda_runtime.h>
#include <stdlib.h>

// Error checking helper
static const char* getCudaErrorString(cudaError_t error) {
    return cudaGetErrorString(error);
}

// Launch the Go-side host function bridge on a stream. cudaLaunchHostFunc
// runs the function on a CUDA-managed thread after all prior stream work.
static cudaError_t amrexLaunchHostFunc(cudaStream_t stream, void* data) {
    extern void amrexHostFuncBridge(void*);
    return cudaLaunchHostFunc(stream, (cudaHostFn_t)amrexHostFuncBridge, data);
}
*/
import "C"
import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"
)

// CUDADevice represents a CUDA GPU device
type CUDADevice struct {
	deviceID int
	name     string
	mu       sync.Mutex
	streams  []*CUDAStream
}

// Singleton CUDA device — creating multiple CUDA contexts wastes GPU memory
var (
	cudaDeviceSingleton *CUDADevice
	cudaDeviceOnce      sync.Once
	cudaDeviceErr       error
)

// NewCUDADevice returns the singleton CUDA device (created on first call)
func NewCUDADevice() (*CUDADevice, error) {
	cudaDeviceOnce.Do(func() {
		cudaDeviceSingleton, cudaDeviceErr = initCUDADevice()
	})
	return cudaDeviceSingleton, cudaDeviceErr
}

// CUDAAvailable reports whether a usable CUDA device exists
func CUDAAvailable() bool {
	_, err := NewCUDADevice()
	return err == nil
}

func initCUDADevice() (*CUDADevice, error) {
	var deviceCount C.int
	err := C.cudaGetDeviceCount(&deviceCount)
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("CUDA not available: %s", C.GoString(C.getCudaErrorString(err)))
	}

	if deviceCount == 0 {
		return nil, fmt.Errorf("no CUDA devices found")
	}

	deviceID := 0
	err = C.cudaSetDevice(C.int(deviceID))
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to set CUDA device %d: %s", deviceID, C.GoString(C.getCudaErrorString(err)))
	}

	var props C.struct_cudaDeviceProp
	err = C.cudaGetDeviceProperties(&props, C.int(deviceID))
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to get device properties: %s", C.GoString(C.getCudaErrorString(err)))
	}

	return &CUDADevice{
		deviceID: deviceID,
		name:     C.GoString(&props.name[0]),
	}, nil
}

func (d *CUDADevice) Type() DeviceType { return DeviceTypeCUDA }
func (d *CUDADevice) Name() string     { return d.name }

func (d *CUDADevice) AllocHost(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}
	var ptr unsafe.Pointer
	err := C.cudaMallocHost(&ptr, C.size_t(size))
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to allocate %d bytes of pinned memory: %s",
			size, C.GoString(C.getCudaErrorString(err)))
	}
	return &cudaPinnedBuffer{ptr: ptr, size: size}, nil
}

func (d *CUDADevice) AllocDevice(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}
	var ptr unsafe.Pointer
	err := C.cudaMalloc(&ptr, C.size_t(size))
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to allocate CUDA buffer of size %d: %s",
			size, C.GoString(C.getCudaErrorString(err)))
	}
	return &cudaDeviceBuffer{ptr: ptr, size: size}, nil
}

func (d *CUDADevice) NewStream() (Stream, error) {
	var handle C.cudaStream_t
	err := C.cudaStreamCreate(&handle)
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to create CUDA stream: %s", C.GoString(C.getCudaErrorString(err)))
	}
	s := &CUDAStream{handle: handle}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *CUDADevice) Free() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	for _, s := range streams {
		if err := s.Close(); err != nil {
			return err
		}
	}

	err := C.cudaDeviceReset()
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to reset CUDA device: %s", C.GoString(C.getCudaErrorString(err)))
	}
	return nil
}

func (d *CUDADevice) MemoryUsage() (int64, int64) {
	var free, total C.size_t
	err := C.cudaMemGetInfo(&free, &total)
	if err != C.cudaSuccess {
		return 0, 0
	}
	return int64(total) - int64(free), int64(total)
}

// CUDAStream wraps a cudaStream_t
type CUDAStream struct {
	handle C.cudaStream_t
	mu     sync.Mutex
	closed bool
}

func (s *CUDAStream) EnqueueHostToDevice(dst, src Buffer, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	d, ok := Unwrap(dst).(*cudaDeviceBuffer)
	if !ok {
		return fmt.Errorf("dst is not a CUDA device buffer")
	}
	h, ok := Unwrap(src).(*cudaPinnedBuffer)
	if !ok {
		return fmt.Errorf("src is not a pinned host buffer")
	}
	if n > d.size || n > h.size {
		return fmt.Errorf("copy size %d exceeds buffer size (dst: %d, src: %d)", n, d.size, h.size)
	}
	err := C.cudaMemcpyAsync(d.ptr, h.ptr, C.size_t(n), C.cudaMemcpyHostToDevice, s.handle)
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to enqueue host-to-device copy: %s", C.GoString(C.getCudaErrorString(err)))
	}
	return nil
}

// AddHostFunc schedules fn after all prior work on the stream. It runs
// on a CUDA-managed thread, not the calling goroutine.
func (s *CUDAStream) AddHostFunc(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	h := cgo.NewHandle(fn)
	err := C.amrexLaunchHostFunc(s.handle, unsafe.Pointer(uintptr(h)))
	if err != C.cudaSuccess {
		h.Delete()
		return fmt.Errorf("failed to launch host function: %s", C.GoString(C.getCudaErrorString(err)))
	}
	return nil
}

func (s *CUDAStream) Synchronize() error {
	err := C.cudaStreamSynchronize(s.handle)
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to synchronize CUDA stream: %s", C.GoString(C.getCudaErrorString(err)))
	}
	return nil
}

func (s *CUDAStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.Synchronize(); err != nil {
		return err
	}
	errc := C.cudaStreamDestroy(s.handle)
	if errc != C.cudaSuccess {
		return fmt.Errorf("failed to destroy CUDA stream: %s", C.GoString(C.getCudaErrorString(errc)))
	}
	return nil
}

// cudaPinnedBuffer implements Buffer for page-locked host memory
type cudaPinnedBuffer struct {
	ptr  unsafe.Pointer
	size int64
	mu   sync.RWMutex
}

func (b *cudaPinnedBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *cudaPinnedBuffer) Ptr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uintptr(b.ptr)
}

func (b *cudaPinnedBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ptr == nil {
		return fmt.Errorf("copy from freed pinned buffer")
	}
	n := b.size
	if int64(len(dst)) < n {
		n = int64(len(dst))
	}
	copy(dst, unsafe.Slice((*byte)(b.ptr), b.size)[:n])
	return nil
}

func (b *cudaPinnedBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ptr == nil {
		return fmt.Errorf("copy into freed pinned buffer")
	}
	if b.size < int64(len(src)) {
		return fmt.Errorf("buffer too small: %d < %d", b.size, len(src))
	}
	copy(unsafe.Slice((*byte)(b.ptr), b.size), src)
	return nil
}

func (b *cudaPinnedBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ptr != nil {
		err := C.cudaFreeHost(b.ptr)
		if err != C.cudaSuccess {
			return fmt.Errorf("failed to free pinned buffer: %s", C.GoString(C.getCudaErrorString(err)))
		}
		b.ptr = nil
	}
	return nil
}

// cudaDeviceBuffer implements Buffer for CUDA device memory
type cudaDeviceBuffer struct {
	ptr  unsafe.Pointer
	size int64
	mu   sync.RWMutex
}

func (b *cudaDeviceBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *cudaDeviceBuffer) Ptr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uintptr(b.ptr)
}

func (b *cudaDeviceBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ptr == nil {
		return fmt.Errorf("copy from freed CUDA buffer")
	}
	n := b.size
	if int64(len(dst)) < n {
		n = int64(len(dst))
	}
	if n == 0 {
		return nil
	}
	err := C.cudaMemcpy(unsafe.Pointer(&dst[0]), b.ptr, C.size_t(n), C.cudaMemcpyDeviceToHost)
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to copy to host: %s", C.GoString(C.getCudaErrorString(err)))
	}
	return nil
}

func (b *cudaDeviceBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ptr == nil {
		return fmt.Errorf("copy into freed CUDA buffer")
	}
	if b.size < int64(len(src)) {
		return fmt.Errorf("buffer too small: %d < %d", b.size, len(src))
	}
	if len(src) == 0 {
		return nil
	}
	err := C.cudaMemcpy(b.ptr, unsafe.Pointer(&src[0]), C.size_t(len(src)), C.cudaMemcpyHostToDevice)
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to copy from host: %s", C.GoString(C.getCudaErrorString(err)))
	}
	return nil
}

func (b *cudaDeviceBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ptr != nil {
		err := C.cudaFree(b.ptr)
		if err != C.cudaSuccess {
			return fmt.Errorf("failed to free CUDA buffer: %s", C.GoString(C.getCudaErrorString(err)))
		}
		b.ptr = nil
	}
	return nil
}
