//go:build linux && cgo
// +build linux,cgo

package gpu

// This file only carries the exported bridge; cgo forbids C function
// definitions in the preamble of files containing //export.

import "C"
import (
	"runtime/cgo"
	"unsafe"
)

//export amrexHostFuncBridge
func amrexHostFuncBridge(data unsafe.Pointer) {
	h := cgo.Handle(uintptr(data))
	fn := h.Value().(func())
	h.Delete()
	fn()
}
