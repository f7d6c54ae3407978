package coalesce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var coalescedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_coalesced_calls",
	Help: "Number of vendor calls satisfied by an identical in-flight call",
}, []string{"vendor", "kind"})

var batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "sieve_vendor_batch_size",
	Help:    "Number of inputs per dispatched vendor batch",
	Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
}, []string{"vendor"})
