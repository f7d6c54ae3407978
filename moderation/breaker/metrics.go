package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_breaker_transitions",
	Help: "Number of vendor circuit breaker state transitions, by new state",
}, []string{"vendor", "state"})

var breakerRejects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_breaker_rejects",
	Help: "Number of vendor calls short-circuited by the breaker",
}, []string{"vendor", "reason"})
