// Package metrics exposes prometheus counters for the sync pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several instances can coexist in tests.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	downloadsTotal  *prometheus.CounterVec
	downloadsActive prometheus.Gauge
	downloadsQueued prometheus.Gauge
	groupsCompleted prometheus.Counter
	networkPauses   prometheus.Counter

	bundlesInited  prometheus.Counter
	bundleFiles    *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Finished asset downloads by result",
		},
		[]string{"result"},
	)
	c.downloadsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "downloads_in_flight",
		Help:      "Downloads currently dispatched to the fetcher",
	})
	c.downloadsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "downloads_pending",
		Help:      "Downloads waiting for a free connection",
	})
	c.groupsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "download_groups_completed_total",
		Help:      "Download groups whose every file finished",
	})
	c.networkPauses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "network_pauses_total",
		Help:      "Times the queue paused for lost connectivity",
	})
	c.bundlesInited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bundles_inited_total",
		Help:      "Bundles whose preload set finished",
	})
	c.bundleFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_files_total",
			Help:      "Files touched by bundle reconciliation by action",
		},
		[]string{"action"},
	)
	c.tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Completed sync tasks by name and outcome",
		},
		[]string{"task", "outcome"},
	)

	c.registry.MustRegister(
		c.downloadsTotal,
		c.downloadsActive,
		c.downloadsQueued,
		c.groupsCompleted,
		c.networkPauses,
		c.bundlesInited,
		c.bundleFiles,
		c.tasksCompleted,
	)
	return c
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordDownload(success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "fail"
	}
	c.downloadsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) SetQueueDepth(inFlight, pending int) {
	if c == nil {
		return
	}
	c.downloadsActive.Set(float64(inFlight))
	c.downloadsQueued.Set(float64(pending))
}

func (c *Collector) RecordGroupComplete() {
	if c == nil {
		return
	}
	c.groupsCompleted.Inc()
}

func (c *Collector) RecordNetworkPause() {
	if c == nil {
		return
	}
	c.networkPauses.Inc()
}

func (c *Collector) RecordBundleInited() {
	if c == nil {
		return
	}
	c.bundlesInited.Inc()
}

// RecordBundleFiles adds n to the counter for action ("download", "discard", "sweep").
func (c *Collector) RecordBundleFiles(action string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bundleFiles.WithLabelValues(action).Add(float64(n))
}

func (c *Collector) RecordTask(name, outcome string) {
	if c == nil {
		return
	}
	c.tasksCompleted.WithLabelValues(name, outcome).Inc()
}
