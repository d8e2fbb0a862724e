package reclaim

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/johnson452/amrex/internal/gpu"
)

// hostTaskReclaimer models the deferred release as message passing: a
// marker enqueued on the stream posts the pair to a completion queue
// once all prior stream work has executed, and a runtime-managed
// worker consumes the queue and performs the frees. Keeps the free off
// both the calling goroutine and the stream worker.
type hostTaskReclaimer struct {
	free  FreeFunc
	depth int

	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
	done   chan struct{}
}

func newHostTaskReclaimer(free FreeFunc, depth int) *hostTaskReclaimer {
	if depth < 1 {
		depth = 1
	}
	r := &hostTaskReclaimer{
		free:  free,
		depth: depth,
		q:     queue.New(),
		done:  make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

func (r *hostTaskReclaimer) Retire(s gpu.Stream, p Pair) error {
	if p.Empty() {
		return nil
	}
	hf, ok := s.(gpu.HostFuncAdder)
	if !ok {
		return fmt.Errorf("stream does not support host functions")
	}
	// The marker reaches the front of the stream only after everything
	// enqueued before this call; posting from there preserves ordering.
	return hf.AddHostFunc(func() { r.post(p) })
}

// post hands a completed pair to the worker. Blocks the stream context
// while the queue is at depth, which backpressures a stalled worker.
func (r *hostTaskReclaimer) post(p Pair) {
	r.mu.Lock()
	for r.q.Length() >= r.depth && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		// Worker gone; free inline so the pair is never leaked.
		r.mu.Unlock()
		r.free(p)
		return
	}
	r.q.Add(p)
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *hostTaskReclaimer) loop() {
	r.mu.Lock()
	for {
		for r.q.Length() == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.q.Length() == 0 {
			break
		}
		p := r.q.Remove().(Pair)
		r.cond.Broadcast()
		r.mu.Unlock()
		r.free(p)
		r.mu.Lock()
	}
	r.mu.Unlock()
	close(r.done)
}

// Close drains the completion queue and stops the worker. Pairs whose
// stream marker has not yet fired are freed inline when it does.
func (r *hostTaskReclaimer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	<-r.done
	return nil
}
