// Package reclaim defers the release of buffer pairs until stream
// ordering guarantees no in-flight accelerator work can still read
// them. The actual free is never issued before every operation
// enqueued on the stream ahead of the retire call has executed.
package reclaim

import (
	"fmt"

	"github.com/johnson452/amrex/internal/gpu"
)

// Pair is the host/device buffer pair of one retired array. Either
// side may be nil.
type Pair struct {
	Host   gpu.Buffer
	Device gpu.Buffer
}

// Empty reports whether the pair owns no memory at all.
func (p Pair) Empty() bool {
	return p.Host == nil && p.Device == nil
}

// FreeFunc returns both regions of a retired pair to their arenas. It
// must run exactly once per retired pair and tolerate nil sides.
type FreeFunc func(Pair)

// Reclaimer schedules the release of retired buffer pairs.
type Reclaimer interface {
	// Retire takes ownership of p and schedules its release no earlier,
	// in stream order, than every operation previously enqueued on s.
	Retire(s gpu.Stream, p Pair) error

	// Close drains and stops any worker the reclaimer owns.
	Close() error
}

// Backend names accepted by New.
const (
	BackendCallback = "callback"
	BackendHostTask = "hosttask"
	BackendBlocking = "blocking"
)

// New builds a reclaimer for the named backend. free receives every
// retired pair exactly once.
func New(backend string, free FreeFunc, queueDepth int) (Reclaimer, error) {
	switch backend {
	case BackendCallback:
		return &callbackReclaimer{free: free}, nil
	case BackendHostTask:
		return newHostTaskReclaimer(free, queueDepth), nil
	case BackendBlocking:
		return &blockingReclaimer{free: free}, nil
	default:
		return nil, fmt.Errorf("unknown reclaim backend %q", backend)
	}
}

// Resolve maps "auto" to the best backend the stream supports.
func Resolve(backend string, s gpu.Stream) string {
	if backend != "auto" {
		return backend
	}
	if _, ok := s.(gpu.HostFuncAdder); ok {
		return BackendCallback
	}
	return BackendBlocking
}

// callbackReclaimer frees the pair from a host function enqueued on
// the stream itself. The free runs on the backend's notification
// context; the caller returns immediately.
type callbackReclaimer struct {
	free FreeFunc
}

func (r *callbackReclaimer) Retire(s gpu.Stream, p Pair) error {
	if p.Empty() {
		return nil
	}
	hf, ok := s.(gpu.HostFuncAdder)
	if !ok {
		return fmt.Errorf("stream does not support host functions")
	}
	return hf.AddHostFunc(func() { r.free(p) })
}

func (r *callbackReclaimer) Close() error { return nil }

// blockingReclaimer is the fallback for backends without asynchronous
// notification: synchronize the whole stream on the calling goroutine,
// then free immediately. Functionally equivalent, no longer
// non-blocking.
type blockingReclaimer struct {
	free FreeFunc
}

func (r *blockingReclaimer) Retire(s gpu.Stream, p Pair) error {
	if p.Empty() {
		return nil
	}
	if err := s.Synchronize(); err != nil {
		return err
	}
	r.free(p)
	return nil
}

func (r *blockingReclaimer) Close() error { return nil }
