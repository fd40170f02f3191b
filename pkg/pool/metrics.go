package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/neurogrid/zerocopy/pkg/registry"
)

type metrics struct {
	allocations     *prometheus.CounterVec
	allocFailures   *prometheus.CounterVec
	successors      *prometheus.CounterVec
	reclaimed       prometheus.Counter
	releaseFailures prometheus.Counter
	deadBytes       prometheus.Counter
	live            prometheus.Gauge
}

func newMetrics(r prometheus.Registerer, reg *registry.Registry) *metrics {
	promauto.With(r).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "zerocopy",
		Name:      "registry_slots",
		Help:      "Current number of registry slots.",
	}, func() float64 { return float64(reg.Size()) })
	promauto.With(r).NewCounterFunc(prometheus.CounterOpts{
		Namespace: "zerocopy",
		Name:      "registry_growths_total",
		Help:      "Total registry slab appends.",
	}, func() float64 { return float64(reg.Growths()) })

	return &metrics{
		allocations: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "zerocopy",
			Name:      "region_allocations_total",
			Help:      "Total regions allocated through the pool, by kind.",
		}, []string{"kind"}),
		allocFailures: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "zerocopy",
			Name:      "region_allocation_failures_total",
			Help:      "Total failed region allocations, by kind.",
		}, []string{"kind"}),
		successors: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "zerocopy",
			Name:      "region_successors_total",
			Help:      "Total successor regions allocated by producer claims, by kind.",
		}, []string{"kind"}),
		reclaimed: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "zerocopy",
			Name:      "regions_reclaimed_total",
			Help:      "Total regions retired by the reclaimer.",
		}),
		releaseFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "zerocopy",
			Name:      "region_release_failures_total",
			Help:      "Total region releases that reported an error.",
		}),
		deadBytes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "zerocopy",
			Name:      "region_dead_bytes_total",
			Help:      "Bytes abandoned at region tails by retired regions.",
		}),
		live: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "zerocopy",
			Name:      "regions_live",
			Help:      "Regions currently registered.",
		}),
	}
}
