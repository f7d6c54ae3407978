package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "sieve_pass_duration_sec",
	Help: "Total duration of moderation passes",
}, []string{"type"})

var passCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_pass_processed",
	Help: "Number of moderation passes processed",
}, []string{"type"})

var passErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_pass_errors",
	Help: "Number of moderation passes which hit the fail-safe path",
}, []string{"reason"})

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_decisions",
	Help: "Number of decisions issued, by action and primary category",
}, []string{"action", "category"})

var cacheHitCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_cache_lookups",
	Help: "Moderation cache lookups, by outcome (hit/near-hit/miss)",
}, []string{"outcome"})

var vendorOutageCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sieve_vendor_total_outages",
	Help: "Number of passes in which no vendor returned successfully",
})

var mediaFetchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_media_fetches",
	Help: "Number of media downloads, by HTTP status code",
}, []string{"status"})

var mediaFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "sieve_media_fetch_duration_sec",
	Help: "Duration of media download attempts",
})
