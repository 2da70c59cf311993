// Package metrics exports engine counters to Prometheus. Collectors
// pull from Stats() at scrape time, so no event plumbing runs on the
// request path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unkn0wn-root/reqcache"
)

// StatsSource is anything that reports engine counters. Every
// reqcache.Engine satisfies it.
type StatsSource interface {
	Stats() reqcache.Stats
}

// Metrics holds a registry with one collector per engine counter. All
// series carry the engine namespace as a "cache" label so several
// engines can share one scrape endpoint.
type Metrics struct {
	registry *prometheus.Registry
	cols     []prometheus.Collector
}

// New builds collectors for src. When runtime is true the standard Go
// and process collectors are registered alongside.
func New(namespace string, src StatsSource, runtime bool) *Metrics {
	labels := prometheus.Labels{"cache": namespace}

	counter := func(name, help string, read func(reqcache.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "reqcache",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(read(src.Stats())) })
	}
	gauge := func(name, help string, read func(reqcache.Stats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "reqcache",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(read(src.Stats())) })
	}

	cols := []prometheus.Collector{
		counter("hits_total", "Fresh cache hits",
			func(s reqcache.Stats) uint64 { return s.Hits }),
		counter("misses_total", "Cache reads answered by the producer",
			func(s reqcache.Stats) uint64 { return s.Misses }),
		counter("stale_hits_total", "Reads served a stale value while revalidating",
			func(s reqcache.Stats) uint64 { return s.StaleHits }),
		counter("evictions_total", "Entries removed by invalidation or backend pressure",
			func(s reqcache.Stats) uint64 { return s.Evictions }),
		counter("invalidations_total", "Invalidation calls",
			func(s reqcache.Stats) uint64 { return s.Invalidations }),
		counter("coalesced_requests_total", "Callers that attached to an in-flight execution",
			func(s reqcache.Stats) uint64 { return s.CoalescedRequests }),
		counter("executions_total", "Producer and batch executions",
			func(s reqcache.Stats) uint64 { return s.Executions }),
		counter("backend_errors_total", "Storage and generation backend failures",
			func(s reqcache.Stats) uint64 { return s.BackendErrors }),
		counter("self_heals_total", "Unusable entries dropped on read",
			func(s reqcache.Stats) uint64 { return s.SelfHeals }),
		counter("race_drops_total", "Writes discarded because a generation moved mid-flight",
			func(s reqcache.Stats) uint64 { return s.RaceDrops }),
		gauge("in_flight", "Executions currently running",
			func(s reqcache.Stats) int64 { return s.InFlight }),
		gauge("open_batch_windows", "Batch windows currently collecting items",
			func(s reqcache.Stats) int64 { return s.OpenBatchWindows }),
	}

	registry := prometheus.NewRegistry()
	if runtime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	registry.MustRegister(cols...)

	return &Metrics{registry: registry, cols: cols}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Collectors returns the engine collectors for registration into an
// existing registry instead of the owned one.
func (m *Metrics) Collectors() []prometheus.Collector {
	return m.cols
}
