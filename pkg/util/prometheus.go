package util

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterOrGet registers the collector c with the provided registerer.
// If the registerer is nil, the collector is returned without registration.
// If an equal collector is already registered, the existing one is returned,
// which lets several components share a metric.
func RegisterOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

// Register registers the collectors, ignoring the ones already registered.
// A nil registerer is a no-op.
func Register(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	for _, c := range collectors {
		RegisterOrGet(reg, c)
	}
}
