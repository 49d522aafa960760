package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registry's Prometheus collectors.
type Metrics struct {
	// LoadsTotal counts group loads by result: loaded, cached or error.
	LoadsTotal *prometheus.CounterVec

	// GraphsLoaded is the number of ID-CFGs held by the registry.
	GraphsLoaded prometheus.Gauge

	// PathsTotal counts reported paths.
	PathsTotal prometheus.Counter

	// MismatchesTotal counts path elements without a requirement, by kind.
	MismatchesTotal *prometheus.CounterVec

	// NewlyCoveredTotal counts requirements covered for the first time.
	NewlyCoveredTotal prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "probecov_loads_total",
			Help: "Group loads by result",
		}, []string{"result"}),
		GraphsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "probecov_graphs_loaded",
			Help: "ID-CFGs held by the registry",
		}),
		PathsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "probecov_paths_total",
			Help: "Executed paths reported",
		}),
		MismatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "probecov_mismatches_total",
			Help: "Path elements without a matching requirement, by kind",
		}, []string{"kind"}),
		NewlyCoveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "probecov_requirements_newly_covered_total",
			Help: "Test requirements covered for the first time",
		}),
	}
}
