package gpu

// Buffer represents a memory region owned by a device or by the host
type Buffer interface {
	// Size returns the size of the buffer in bytes
	Size() int64

	// Ptr returns the raw address of the buffer (for backend APIs)
	Ptr() uintptr

	// CopyToHost copies up to min(len(dst), Size()) bytes of buffer data
	// into dst. The call blocks until the transfer completes.
	CopyToHost(dst []byte) error

	// CopyFromHost copies host memory into the buffer. The buffer must be
	// at least len(src) bytes. The call blocks until the copy completes.
	CopyFromHost(src []byte) error

	// Free releases the buffer
	Free() error
}

// Unwrapper is implemented by buffers that wrap another buffer, such
// as pool-managed blocks. Backends unwrap before inspecting a buffer's
// concrete type.
type Unwrapper interface {
	Unwrap() Buffer
}

// Unwrap peels wrapper layers off b until the backend's own buffer is
// reached. Returns b unchanged when nothing wraps it.
func Unwrap(b Buffer) Buffer {
	for {
		w, ok := b.(Unwrapper)
		if !ok {
			return b
		}
		b = w.Unwrap()
	}
}
