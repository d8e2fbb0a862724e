package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/eapache/queue"
)

// simTotalMemory is the nominal device memory reported by the simulator.
const simTotalMemory = 8 << 30

// SimDevice is an in-process device backend. Its streams are real
// ordered work queues driven by worker goroutines, so everything about
// stream ordering, asynchronous copies, and deferred reclamation
// behaves as it does on hardware, just with host memory on both sides.
type SimDevice struct {
	name string

	mu      sync.Mutex
	streams []*SimStream
	closed  bool

	hostAllocs   atomic.Int64
	deviceAllocs atomic.Int64
	usedBytes    atomic.Int64
}

// NewSimDevice creates a simulated device
func NewSimDevice() *SimDevice {
	return &SimDevice{name: "Simulated accelerator"}
}

func (d *SimDevice) Type() DeviceType { return DeviceTypeSim }
func (d *SimDevice) Name() string     { return d.name }

func (d *SimDevice) AllocHost(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}
	d.hostAllocs.Add(1)
	d.usedBytes.Add(size)
	return &simBuffer{data: make([]byte, size), dev: d, space: spaceHost}, nil
}

func (d *SimDevice) AllocDevice(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}
	d.deviceAllocs.Add(1)
	d.usedBytes.Add(size)
	return &simBuffer{data: make([]byte, size), dev: d, space: spaceDevice}, nil
}

func (d *SimDevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("device freed")
	}
	s := newSimStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *SimDevice) Free() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.closed = true
	d.mu.Unlock()

	for _, s := range streams {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (d *SimDevice) MemoryUsage() (int64, int64) {
	return d.usedBytes.Load(), simTotalMemory
}

// AllocCount reports how many host and device allocations the device
// has served. Used by callers that need to assert allocation behavior.
func (d *SimDevice) AllocCount() (host, device int64) {
	return d.hostAllocs.Load(), d.deviceAllocs.Load()
}

type memSpace int

const (
	spaceHost memSpace = iota
	spaceDevice
)

// simBuffer implements Buffer for simulated memory in either space
type simBuffer struct {
	data  []byte
	dev   *SimDevice
	space memSpace
	mu    sync.RWMutex
}

func (b *simBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *simBuffer) Ptr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.data[0]))
}

func (b *simBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return fmt.Errorf("copy from freed buffer")
	}
	copy(dst, b.data)
	return nil
}

func (b *simBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return fmt.Errorf("copy into freed buffer")
	}
	if int64(len(b.data)) < int64(len(src)) {
		return fmt.Errorf("buffer too small: %d < %d", len(b.data), len(src))
	}
	copy(b.data, src)
	return nil
}

func (b *simBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data != nil && b.dev != nil {
		b.dev.usedBytes.Add(-int64(len(b.data)))
	}
	b.data = nil
	return nil
}

// simOp is one unit of stream work
type simOp struct {
	label string
	run   func()
}

// SimStream is the simulated execution stream. A single worker
// goroutine drains a FIFO of operations, which yields the same
// ordering guarantee as a hardware stream: operations execute in
// enqueue order, one at a time.
type SimStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ops     *queue.Queue
	pending int
	closed  bool
	done    chan struct{}
	journal []string
}

func newSimStream() *SimStream {
	s := &SimStream{
		ops:  queue.New(),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *SimStream) loop() {
	s.mu.Lock()
	for {
		for s.ops.Length() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.ops.Length() == 0 {
			break
		}
		op := s.ops.Remove().(simOp)
		s.mu.Unlock()
		// Run without the lock. FIFO order is preserved because this
		// single worker is the only consumer.
		op.run()
		s.mu.Lock()
		s.journal = append(s.journal, op.label)
		s.pending--
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	close(s.done)
}

// Enqueue schedules an arbitrary labeled operation on the stream. The
// label shows up in the execution journal, letting callers stand in
// for kernels or other accelerator work ordered on the stream.
func (s *SimStream) Enqueue(label string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.ops.Add(simOp{label: label, run: fn})
	s.pending++
	s.cond.Broadcast()
	return nil
}

func (s *SimStream) EnqueueHostToDevice(dst, src Buffer, n int64) error {
	d, ok := Unwrap(dst).(*simBuffer)
	if !ok || d.space != spaceDevice {
		return fmt.Errorf("dst is not a simulated device buffer")
	}
	h, ok := Unwrap(src).(*simBuffer)
	if !ok {
		// Host-mode buffers also feed the simulator.
		if hb, isHost := Unwrap(src).(*hostBuffer); isHost {
			if n > int64(len(hb.data)) || n > int64(len(d.data)) {
				return fmt.Errorf("copy size %d exceeds buffer size (dst: %d, src: %d)",
					n, len(d.data), len(hb.data))
			}
			return s.Enqueue("htod", func() {
				d.mu.Lock()
				hb.mu.RLock()
				copy(d.data[:n], hb.data[:n])
				hb.mu.RUnlock()
				d.mu.Unlock()
			})
		}
		return fmt.Errorf("src is not a host buffer")
	}
	if h.space != spaceHost {
		return fmt.Errorf("src is not host memory")
	}
	if n > int64(len(h.data)) || n > int64(len(d.data)) {
		return fmt.Errorf("copy size %d exceeds buffer size (dst: %d, src: %d)",
			n, len(d.data), len(h.data))
	}
	return s.Enqueue("htod", func() {
		d.mu.Lock()
		h.mu.RLock()
		copy(d.data[:n], h.data[:n])
		h.mu.RUnlock()
		d.mu.Unlock()
	})
}

// AddHostFunc runs fn on the stream worker after all previously
// enqueued operations have executed.
func (s *SimStream) AddHostFunc(fn func()) error {
	return s.Enqueue("hostfunc", fn)
}

func (s *SimStream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	return nil
}

func (s *SimStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
	return nil
}

// Journal returns the labels of executed operations in execution
// order.
func (s *SimStream) Journal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.journal))
	copy(out, s.journal)
	return out
}
