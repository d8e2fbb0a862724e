package asyncarray

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/johnson452/amrex/internal/arena"
	"github.com/johnson452/amrex/internal/config"
	"github.com/johnson452/amrex/internal/gpu"
	"github.com/johnson452/amrex/internal/logging"
	"github.com/johnson452/amrex/internal/metrics"
	"github.com/johnson452/amrex/internal/reclaim"
)

// Runtime binds the execution mode, the device, the arenas, and the
// deferred reclaimer. The mode is fixed for the runtime's lifetime:
// arrays constructed against an accelerated runtime get device
// buffers, arrays constructed against a host runtime never do.
type Runtime struct {
	dev      gpu.Device // nil in host-only mode
	pinned   *arena.Arena
	devArena *arena.Arena // nil in host-only mode
	rec      reclaim.Reclaimer
	met      *metrics.Metrics
	log      *logrus.Entry
	backend  string

	mu      sync.Mutex
	cur     gpu.Stream
	streams []gpu.Stream

	lastPinnedReuses int64
	lastDeviceReuses int64
}

// NewRuntime builds a runtime from configuration. Mode "auto" selects
// CUDA when built in and available, otherwise host-only execution.
func NewRuntime(cfg *config.Config) (*Runtime, error) {
	met, err := metrics.New()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		met: met,
		log: logging.WithComponent("runtime"),
	}

	pinnedMax := int64(cfg.Arena.PinnedMaxMB) << 20
	deviceMax := int64(cfg.Arena.DeviceMaxMB) << 20

	mode := cfg.Runtime.Mode
	if mode == "auto" {
		if gpu.CUDAAvailable() {
			mode = "cuda"
		} else {
			mode = "host"
		}
	}

	switch mode {
	case "host":
		rt.pinned = arena.New("pinned", gpu.NewHostBuffer, pinnedMax)
		rt.log.Info("runtime started in host-only mode")
		return rt, nil
	case "sim":
		rt.dev = gpu.NewSimDevice()
	case "cuda":
		dev, err := gpu.NewCUDADevice()
		if err != nil {
			return nil, fmt.Errorf("initializing CUDA: %w", err)
		}
		rt.dev = dev
	default:
		return nil, fmt.Errorf("unknown runtime mode %q", mode)
	}

	rt.pinned = arena.New("pinned", rt.dev.AllocHost, pinnedMax)
	rt.devArena = arena.New("device", rt.dev.AllocDevice, deviceMax)

	for i := 0; i < cfg.Runtime.Streams; i++ {
		s, err := rt.dev.NewStream()
		if err != nil {
			return nil, fmt.Errorf("creating stream %d: %w", i, err)
		}
		rt.streams = append(rt.streams, s)
	}
	rt.cur = rt.streams[0]

	rt.backend = reclaim.Resolve(cfg.Reclaim.Backend, rt.cur)
	rec, err := reclaim.New(rt.backend, rt.freePair, cfg.Reclaim.QueueDepth)
	if err != nil {
		return nil, err
	}
	rt.rec = rec

	rt.log.WithFields(logrus.Fields{
		"device":  rt.dev.Name(),
		"streams": len(rt.streams),
		"reclaim": rt.backend,
	}).Info("runtime started in accelerated mode")

	return rt, nil
}

// Accelerated reports whether the runtime drives a device. Fixed at
// construction time.
func (rt *Runtime) Accelerated() bool { return rt.dev != nil }

// Device returns the runtime's device, nil in host-only mode.
func (rt *Runtime) Device() gpu.Device { return rt.dev }

// ReclaimBackend names the reclaimer variant in use ("" in host mode).
func (rt *Runtime) ReclaimBackend() string { return rt.backend }

// CurrentStream returns the stream new work is ordered on.
func (rt *Runtime) CurrentStream() gpu.Stream {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cur
}

// SetCurrentStream switches the stream new work is ordered on.
func (rt *Runtime) SetCurrentStream(s gpu.Stream) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.cur = s
}

// Streams returns all streams created at startup.
func (rt *Runtime) Streams() []gpu.Stream {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]gpu.Stream, len(rt.streams))
	copy(out, rt.streams)
	return out
}

// Metrics returns the runtime's metric collectors.
func (rt *Runtime) Metrics() *metrics.Metrics { return rt.met }

// PinnedArena returns the pinned host arena.
func (rt *Runtime) PinnedArena() *arena.Arena { return rt.pinned }

// DeviceArena returns the device arena, nil in host-only mode.
func (rt *Runtime) DeviceArena() *arena.Arena { return rt.devArena }

// Close drains all streams, stops the reclaimer, and releases pooled
// memory. Arrays released after Close have undefined behavior.
func (rt *Runtime) Close() error {
	for _, s := range rt.Streams() {
		if err := s.Synchronize(); err != nil {
			return err
		}
	}
	if rt.rec != nil {
		if err := rt.rec.Close(); err != nil {
			return err
		}
	}
	for _, s := range rt.Streams() {
		if err := s.Close(); err != nil {
			return err
		}
	}
	if rt.devArena != nil {
		if err := rt.devArena.Clear(); err != nil {
			return err
		}
	}
	if err := rt.pinned.Clear(); err != nil {
		return err
	}
	if rt.dev != nil {
		return rt.dev.Free()
	}
	return nil
}

// allocPinned serves a pinned host allocation, accounting for it.
func (rt *Runtime) allocPinned(size int64) (gpu.Buffer, error) {
	b, err := rt.pinned.Alloc(size)
	if err != nil {
		return nil, err
	}
	rt.met.ArenaAllocations.WithLabelValues("pinned").Inc()
	return b, nil
}

// allocDevice serves a device allocation, accounting for it.
func (rt *Runtime) allocDevice(size int64) (gpu.Buffer, error) {
	b, err := rt.devArena.Alloc(size)
	if err != nil {
		return nil, err
	}
	rt.met.ArenaAllocations.WithLabelValues("device").Inc()
	return b, nil
}

// retire hands a buffer pair to the reclaimer, ordered on the current
// stream. Submission failure is fatal: continuing would risk a free
// racing in-flight device reads.
func (rt *Runtime) retire(p reclaim.Pair) {
	rt.met.DeferredPending.Inc()
	if err := rt.rec.Retire(rt.CurrentStream(), p); err != nil {
		rt.fatalf("deferred release submission failed: %v", err)
	}
}

// freePair returns both sides of a retired pair to their arenas. Runs
// once per pair, on the reclaimer's context.
func (rt *Runtime) freePair(p reclaim.Pair) {
	if err := rt.pinned.Free(p.Host); err != nil {
		rt.fatalf("freeing pinned buffer: %v", err)
	}
	if err := rt.devArena.Free(p.Device); err != nil {
		rt.fatalf("freeing device buffer: %v", err)
	}
	rt.met.DeferredPending.Dec()
	rt.met.DeferredCompleted.Inc()
	rt.sampleArenas()
}

// sampleArenas refreshes the arena-level collectors from arena stats.
func (rt *Runtime) sampleArenas() {
	rt.sampleArena("pinned", rt.pinned, &rt.lastPinnedReuses)
	if rt.devArena != nil {
		rt.sampleArena("device", rt.devArena, &rt.lastDeviceReuses)
	}
}

func (rt *Runtime) sampleArena(name string, a *arena.Arena, lastReuses *int64) {
	pooled, _, _ := a.MemoryUsage()
	rt.met.ArenaBytesPooled.WithLabelValues(name).Set(float64(pooled))

	rt.mu.Lock()
	reuses := a.Stats().Reuses
	delta := reuses - *lastReuses
	*lastReuses = reuses
	rt.mu.Unlock()
	if delta > 0 {
		rt.met.ArenaReuses.WithLabelValues(name).Add(float64(delta))
	}
}

// fatalf terminates the process. Allocation exhaustion and backend
// submission faults are unrecoverable here: the calling goroutine has
// no way to verify outstanding device work, so continuing risks
// use-after-free.
func (rt *Runtime) fatalf(format string, args ...interface{}) {
	logging.Fatalc("runtime", format, args...)
}
