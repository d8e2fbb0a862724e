package gpu

import "errors"

// ErrStreamClosed is returned when work is enqueued on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// Stream is an ordered work queue on a device. Items enqueued on the
// same stream execute in issue order relative to each other; the stream
// progresses independently of the calling goroutine.
type Stream interface {
	// EnqueueHostToDevice schedules an asynchronous copy of n bytes from
	// src (host memory) to dst (device memory), ordered after all work
	// previously enqueued on the stream. The call returns without
	// waiting for the copy; src must stay valid until it executes.
	EnqueueHostToDevice(dst, src Buffer, n int64) error

	// Synchronize blocks the calling goroutine until every operation
	// previously enqueued on the stream has completed.
	Synchronize() error

	// Close drains the stream and releases its backend resources.
	Close() error
}

// HostFuncAdder is implemented by streams that can run a host-side
// function ordered after all previously enqueued work. The function
// runs on a backend-managed context, never on the enqueuing goroutine.
type HostFuncAdder interface {
	AddHostFunc(fn func()) error
}
