// Package metrics provides Prometheus metrics for array lifecycle,
// deferred reclamation, and arena activity.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all Prometheus collectors for the runtime.
type Metrics struct {
	ArraysCreated     prometheus.Counter
	ArraysLive        prometheus.Gauge
	DeferredPending   prometheus.Gauge
	DeferredCompleted prometheus.Counter
	ArenaAllocations  *prometheus.CounterVec
	ArenaReuses       *prometheus.CounterVec
	ArenaBytesPooled  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a Metrics instance backed by its own registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register runtime metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.ArraysCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amrex_arrays_created_total",
		Help: "Total number of async arrays constructed",
	})

	m.ArraysLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amrex_arrays_live",
		Help: "Async arrays currently holding memory",
	})

	m.DeferredPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amrex_deferred_releases_pending",
		Help: "Buffer pairs retired but not yet freed by the reclaimer",
	})

	m.DeferredCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amrex_deferred_releases_total",
		Help: "Total number of deferred releases executed",
	})

	m.ArenaAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amrex_arena_allocations_total",
		Help: "Total allocation requests served per arena",
	}, []string{"arena"})

	m.ArenaReuses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amrex_arena_reuses_total",
		Help: "Allocation requests served from pooled buffers per arena",
	}, []string{"arena"})

	m.ArenaBytesPooled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amrex_arena_bytes_pooled",
		Help: "Bytes currently held in arena free lists",
	}, []string{"arena"})
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.ArraysCreated.Describe(ch)
	m.ArraysLive.Describe(ch)
	m.DeferredPending.Describe(ch)
	m.DeferredCompleted.Describe(ch)
	m.ArenaAllocations.Describe(ch)
	m.ArenaReuses.Describe(ch)
	m.ArenaBytesPooled.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.ArraysCreated.Collect(ch)
	m.ArraysLive.Collect(ch)
	m.DeferredPending.Collect(ch)
	m.DeferredCompleted.Collect(ch)
	m.ArenaAllocations.Collect(ch)
	m.ArenaReuses.Collect(ch)
	m.ArenaBytesPooled.Collect(ch)
}

// Registry returns the underlying registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
