// Per-vendor circuit breakers protecting the ensemble orchestrator from
// cascading vendor latency.
//
// The state machine itself comes from sony/gobreaker (closed -> open on
// failure-rate, open -> half-open after a cooldown, a single trial call
// decides from there). This package adds the per-vendor registry and the
// force-open/force-closed operational overrides, which the upstream breaker
// does not support.
package breaker

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sony/gobreaker"
)

type forceState int32

const (
	forceAuto forceState = iota
	forceOpen
	forceClosed
)

type Config struct {
	// Minimum observed calls in the window before the breaker may trip.
	MinCalls uint32
	// Failure ratio at or above which the breaker opens.
	FailureRatio float64
	// Width of the sliding counting window while closed.
	Window time.Duration
	// How long the breaker stays open before allowing a half-open trial.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinCalls:     10,
		FailureRatio: 0.5,
		Window:       60 * time.Second,
		Cooldown:     30 * time.Second,
	}
}

// Breaker for a single vendor. Safe for concurrent use; all moderation
// passes share one instance per vendor.
type VendorBreaker struct {
	name   string
	cb     *gobreaker.TwoStepCircuitBreaker
	forced atomic.Int32
}

// Asks the breaker whether a call to the vendor may proceed. When allowed,
// the returned done func must be called exactly once with the call outcome.
func (b *VendorBreaker) Allow() (done func(success bool), ok bool) {
	switch forceState(b.forced.Load()) {
	case forceOpen:
		breakerRejects.WithLabelValues(b.name, "forced").Inc()
		return nil, false
	case forceClosed:
		// outcomes are discarded so a forced-closed breaker never trips
		return func(success bool) {}, true
	}
	done, err := b.cb.Allow()
	if err != nil {
		breakerRejects.WithLabelValues(b.name, "open").Inc()
		return nil, false
	}
	return done, true
}

func (b *VendorBreaker) State() gobreaker.State {
	switch forceState(b.forced.Load()) {
	case forceOpen:
		return gobreaker.StateOpen
	case forceClosed:
		return gobreaker.StateClosed
	}
	return b.cb.State()
}

// Healthy means calls are currently being admitted.
func (b *VendorBreaker) Healthy() bool {
	return b.State() != gobreaker.StateOpen
}

// Operational override: short-circuit all calls to this vendor.
func (b *VendorBreaker) ForceOpen() {
	b.forced.Store(int32(forceOpen))
}

// Operational override: admit all calls regardless of failure rate.
func (b *VendorBreaker) ForceClosed() {
	b.forced.Store(int32(forceClosed))
}

// Returns the breaker to automatic operation.
func (b *VendorBreaker) Reset() {
	b.forced.Store(int32(forceAuto))
}

// Registry of breakers keyed by vendor name. Breakers are created lazily on
// first use and shared across all concurrent moderation passes.
type Registry struct {
	logger   *slog.Logger
	config   Config
	breakers *xsync.MapOf[string, *VendorBreaker]
}

func NewRegistry(logger *slog.Logger, config Config) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		config:   config,
		breakers: xsync.NewMapOf[string, *VendorBreaker](),
	}
}

func (r *Registry) Get(vendorName string) *VendorBreaker {
	br, _ := r.breakers.LoadOrCompute(vendorName, func() *VendorBreaker {
		return r.newBreaker(vendorName)
	})
	return br
}

func (r *Registry) newBreaker(vendorName string) *VendorBreaker {
	cfg := r.config
	vb := &VendorBreaker{name: vendorName}
	vb.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        vendorName,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinCalls {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("vendor breaker state change", "vendor", name, "from", from.String(), "to", to.String())
			breakerTransitions.WithLabelValues(name, to.String()).Inc()
		},
	})
	return vb
}

// Snapshot of breaker states by vendor, for the health endpoint.
func (r *Registry) States() map[string]string {
	out := make(map[string]string)
	r.breakers.Range(func(name string, vb *VendorBreaker) bool {
		out[name] = vb.State().String()
		return true
	})
	return out
}
