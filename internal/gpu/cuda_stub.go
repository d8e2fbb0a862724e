//go:build !linux || !cgo
// +build !linux !cgo

package gpu

import "fmt"

// CUDADevice stub for non-Linux or non-CGO builds
type CUDADevice struct{}

// NewCUDADevice returns an error on unsupported platforms
func NewCUDADevice() (*CUDADevice, error) {
	return nil, fmt.Errorf("CUDA support requires Linux with CGO enabled")
}

// CUDAAvailable reports whether a usable CUDA device exists
func CUDAAvailable() bool { return false }

func (d *CUDADevice) Type() DeviceType { return DeviceTypeCUDA }
func (d *CUDADevice) Name() string     { return "CUDA (unavailable)" }
func (d *CUDADevice) AllocHost(size int64) (Buffer, error) {
	return nil, fmt.Errorf("CUDA not available")
}
func (d *CUDADevice) AllocDevice(size int64) (Buffer, error) {
	return nil, fmt.Errorf("CUDA not available")
}
func (d *CUDADevice) NewStream() (Stream, error) { return nil, fmt.Errorf("CUDA not available") }
func (d *CUDADevice) Free() error                { return nil }
func (d *CUDADevice) MemoryUsage() (int64, int64) {
	return 0, 0
}
