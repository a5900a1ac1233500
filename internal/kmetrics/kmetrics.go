// Package kmetrics is the kernel's only outward-facing introspection
// surface, standing in for /proc's counters in spec.md's out-of-scope
// "proc" filesystem. Wired per SPEC_FULL.md's DOMAIN STACK onto
// prometheus/client_golang, the metrics library talyz-systemd_exporter and
// we-are-musicos-opentelemetry-collector-contrib both build on.
package kmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every gauge/counter the core components report through.
// A fresh Registry is independent so tests can run concurrently without
// colliding on the default prometheus registry.
type Registry struct {
	Reg *prometheus.Registry

	FreePages      prometheus.Gauge
	UsedPages      prometheus.Gauge
	PageReclaims   prometheus.Counter
	PageCacheHits  prometheus.Counter
	PageCacheMiss  prometheus.Counter
	BufferHits     prometheus.Counter
	BufferMiss     prometheus.Counter
	BufferWriteback prometheus.Counter
	ReadyQueueDepth prometheus.Gauge
	ContextSwitches prometheus.Counter
	SignalsDelivered prometheus.Counter
	TimerExpirations prometheus.Counter
}

// New builds a Registry with every metric registered under the "coreos_"
// namespace.
func New() *Registry {
	reg := prometheus.NewRegistry()
	mk := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "coreos", Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	mkc := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "coreos", Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	return &Registry{
		Reg:              reg,
		FreePages:        mk("free_pages", "physical pages on the free list"),
		UsedPages:        mk("used_pages", "physical pages with nonzero refcount"),
		PageReclaims:     mkc("page_reclaims_total", "pages reclaimed from cache under pressure"),
		PageCacheHits:    mkc("page_cache_hits_total", "page cache lookups that hit"),
		PageCacheMiss:    mkc("page_cache_misses_total", "page cache lookups that missed"),
		BufferHits:       mkc("buffer_cache_hits_total", "buffer cache lookups that hit"),
		BufferMiss:       mkc("buffer_cache_misses_total", "buffer cache lookups that missed"),
		BufferWriteback:  mkc("buffer_writeback_total", "dirty buffers written back"),
		ReadyQueueDepth:  mk("ready_queue_depth", "runnable tasks waiting for the CPU"),
		ContextSwitches:  mkc("context_switches_total", "scheduler context switches"),
		SignalsDelivered: mkc("signals_delivered_total", "signals delivered on return to user"),
		TimerExpirations: mkc("timer_expirations_total", "timer_event callbacks run"),
	}
}
