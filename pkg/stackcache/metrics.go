package stackcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collector exports the cache statistics. Values are taken from a
// snapshot at scrape time, so the hot path does not touch prometheus.
type collector struct {
	snapshot func() Statistics

	cached          *prometheus.Desc
	size            *prometheus.Desc
	pages           *prometheus.Desc
	saturated       *prometheus.Desc
	unreferenced    *prometheus.Desc
	references      *prometheus.Desc
	frames          *prometheus.Desc
	requested       *prometheus.Desc
	allocated       *prometheus.Desc
	truncated       *prometheus.Desc
	invalidReleases *prometheus.Desc
	compression     *prometheus.Desc
}

func newCollector(snapshot func() Statistics) *collector {
	return &collector{
		snapshot: snapshot,

		cached: prometheus.NewDesc("stack_cache_stacks",
			"Number of stack traces currently cached.", nil, nil),
		size: prometheus.NewDesc("stack_cache_size_bytes",
			"Memory held by stack trace pages.", nil, nil),
		pages: prometheus.NewDesc("stack_cache_pages",
			"Number of stack trace pages allocated.", nil, nil),
		saturated: prometheus.NewDesc("stack_cache_saturated_stacks",
			"Number of stack traces pinned by a saturated reference count.", nil, nil),
		unreferenced: prometheus.NewDesc("stack_cache_unreferenced_stacks",
			"Number of released stack traces available for reuse.", nil, nil),
		references: prometheus.NewDesc("stack_cache_references",
			"Number of active references to cached stack traces.", nil, nil),
		frames: prometheus.NewDesc("stack_cache_frames",
			"Number of frames by state.", []string{"state"}, nil),
		requested: prometheus.NewDesc("stack_cache_requests_total",
			"Total number of stack traces submitted to the cache.", nil, nil),
		allocated: prometheus.NewDesc("stack_cache_allocations_total",
			"Total number of stack traces stored by the cache.", nil, nil),
		truncated: prometheus.NewDesc("stack_cache_truncated_total",
			"Total number of stack traces truncated to the maximum number of frames.", nil, nil),
		invalidReleases: prometheus.NewDesc("stack_cache_invalid_releases_total",
			"Total number of releases of stack traces not owned by the cache.", nil, nil),
		compression: prometheus.NewDesc("stack_cache_compression_ratio",
			"Ratio of referenced frames to stored frames.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cached
	ch <- c.size
	ch <- c.pages
	ch <- c.saturated
	ch <- c.unreferenced
	ch <- c.references
	ch <- c.frames
	ch <- c.requested
	ch <- c.allocated
	ch <- c.truncated
	ch <- c.invalidReleases
	ch <- c.compression
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	gauge := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.cached, s.Cached)
	gauge(c.size, s.Size)
	gauge(c.pages, s.Pages)
	gauge(c.saturated, s.Saturated)
	gauge(c.unreferenced, s.Unreferenced)
	gauge(c.references, s.References)
	gauge(c.frames, s.FramesStored, "stored")
	gauge(c.frames, s.FramesAlive, "alive")
	gauge(c.frames, s.FramesDead, "dead")
	counter(c.requested, s.Requested)
	counter(c.allocated, s.Allocated)
	counter(c.truncated, s.Truncated)
	counter(c.invalidReleases, s.InvalidReleases)
	ch <- prometheus.MustNewConstMetric(c.compression, prometheus.GaugeValue, s.CompressionRatio())
}
