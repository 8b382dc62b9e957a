// Package memnotify attributes the memory a component allocates for its
// own bookkeeping to a tracker.
package memnotify

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/stackcache/pkg/util"
)

// Tracker accumulates the internal memory reported by its users.
// It is safe for concurrent use.
type Tracker struct {
	inUse    atomic.Int64
	peak     atomic.Int64
	returned atomic.Int64

	gauge prometheus.Gauge
}

func NewTracker(reg prometheus.Registerer) *Tracker {
	return &Tracker{
		gauge: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stack_cache_internal_memory_bytes",
			Help: "Memory allocated by the stack trace cache for its own use.",
		})),
	}
}

func (t *Tracker) NotifyInternalUse(size int) {
	v := t.inUse.Add(int64(size))
	for {
		p := t.peak.Load()
		if v <= p || t.peak.CompareAndSwap(p, v) {
			break
		}
	}
	t.gauge.Add(float64(size))
}

func (t *Tracker) NotifyReturnedToOS(size int) {
	t.inUse.Sub(int64(size))
	t.returned.Add(int64(size))
	t.gauge.Sub(float64(size))
}

// InUse returns the number of bytes currently in use.
func (t *Tracker) InUse() int64 { return t.inUse.Load() }

// Peak returns the highest number of bytes in use observed.
func (t *Tracker) Peak() int64 { return t.peak.Load() }

// Returned returns the total number of bytes given back.
func (t *Tracker) Returned() int64 { return t.returned.Load() }
