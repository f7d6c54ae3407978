// Vendor API optimizer: coalesces and batches concurrent vendor calls to
// control cost and respect rate limits.
//
// Three mechanisms, applied per vendor:
//
//   - identical concurrent submissions are deduplicated in-flight
//     (singleflight), so the same text never hits a vendor twice at once;
//   - vendors whose API accepts multiple inputs per request are batched
//     behind a short bounded window (tens of milliseconds), with the batch
//     response demultiplexed back to individual callers;
//   - everything else is throttled by a token-bucket rate limit and a
//     concurrency cap.
//
// The batching window is the only intentional delay inserted into the
// moderation path.
package coalesce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/fingerprint"
	"github.com/arbiter-mod/sieve/moderation/vendor"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

type Config struct {
	// Maximum time a request waits for co-batched peers before dispatch.
	Window time.Duration
	// Maximum inputs per batched vendor call; a full batch dispatches
	// immediately.
	MaxBatch int
	// Per-vendor request rate and burst for non-batching adapters.
	RPS   float64
	Burst int
	// Per-vendor cap on in-flight calls.
	MaxConcurrent int64
	// Deadline for a dispatched batch call (callers may have differing
	// deadlines, so the batch runs on its own).
	BatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:        25 * time.Millisecond,
		MaxBatch:      10,
		RPS:           20,
		Burst:         10,
		MaxConcurrent: 8,
		BatchTimeout:  8 * time.Second,
	}
}

type Optimizer struct {
	logger *slog.Logger
	config Config

	flight   singleflight.Group
	batchers *xsync.MapOf[string, *textBatcher]
	limiters *xsync.MapOf[string, *vendorLimiter]
}

func NewOptimizer(logger *slog.Logger, config Config) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Window <= 0 {
		config.Window = 25 * time.Millisecond
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = 10
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 8 * time.Second
	}
	return &Optimizer{
		logger:   logger,
		config:   config,
		batchers: xsync.NewMapOf[string, *textBatcher](),
		limiters: xsync.NewMapOf[string, *vendorLimiter](),
	}
}

type vendorLimiter struct {
	rate *rate.Limiter
	sem  *semaphore.Weighted
}

func (o *Optimizer) limiter(vendorName string) *vendorLimiter {
	vl, _ := o.limiters.LoadOrCompute(vendorName, func() *vendorLimiter {
		rps := o.config.RPS
		if rps <= 0 {
			rps = 20
		}
		burst := o.config.Burst
		if burst <= 0 {
			burst = 10
		}
		maxConc := o.config.MaxConcurrent
		if maxConc <= 0 {
			maxConc = 8
		}
		return &vendorLimiter{
			rate: rate.NewLimiter(rate.Limit(rps), burst),
			sem:  semaphore.NewWeighted(maxConc),
		}
	})
	return vl
}

// Scans text through the optimizer. Identical concurrent texts share one
// underlying call; batching-capable vendors get batched.
func (o *Optimizer) ScanText(ctx context.Context, adapter vendor.Adapter, text string) moderation.VendorResult {
	key := adapter.Name() + "/" + fingerprint.Text(text)
	v, _, shared := o.flight.Do(key, func() (interface{}, error) {
		if bts, ok := adapter.(vendor.BatchTextScanner); ok {
			return o.submitBatched(ctx, adapter.Name(), bts, text), nil
		}
		return o.throttled(ctx, adapter.Name(), func(callCtx context.Context) moderation.VendorResult {
			return adapter.ScanText(callCtx, text)
		}), nil
	})
	if shared {
		coalescedCalls.WithLabelValues(adapter.Name(), "text").Inc()
	}
	return v.(moderation.VendorResult)
}

// Scans an image through the optimizer. Images are never batched, but
// identical concurrent bytes are deduplicated and calls are throttled.
func (o *Optimizer) ScanImage(ctx context.Context, adapter vendor.Adapter, img vendor.ImageInput) moderation.VendorResult {
	key := adapter.Name() + "/" + fingerprint.Bytes(img.Bytes)
	v, _, shared := o.flight.Do(key, func() (interface{}, error) {
		return o.throttled(ctx, adapter.Name(), func(callCtx context.Context) moderation.VendorResult {
			return adapter.ScanImage(callCtx, img)
		}), nil
	})
	if shared {
		coalescedCalls.WithLabelValues(adapter.Name(), "image").Inc()
	}
	return v.(moderation.VendorResult)
}

func (o *Optimizer) throttled(ctx context.Context, vendorName string, call func(context.Context) moderation.VendorResult) moderation.VendorResult {
	start := time.Now()
	vl := o.limiter(vendorName)
	if err := vl.rate.Wait(ctx); err != nil {
		return vendor.Failure(vendorName, start, err)
	}
	if err := vl.sem.Acquire(ctx, 1); err != nil {
		return vendor.Failure(vendorName, start, err)
	}
	defer vl.sem.Release(1)
	return call(ctx)
}

type batchItem struct {
	text string
	ch   chan moderation.VendorResult
}

// Per-vendor accumulator for batched text scans.
type textBatcher struct {
	optimizer *Optimizer
	scanner   vendor.BatchTextScanner
	name      string

	mu      sync.Mutex
	pending []batchItem
	timer   *time.Timer
}

func (o *Optimizer) submitBatched(ctx context.Context, vendorName string, bts vendor.BatchTextScanner, text string) moderation.VendorResult {
	start := time.Now()
	tb, _ := o.batchers.LoadOrCompute(vendorName, func() *textBatcher {
		return &textBatcher{optimizer: o, scanner: bts, name: vendorName}
	})
	ch := tb.submit(text)
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return vendor.Failure(vendorName, start, ctx.Err())
	}
}

func (tb *textBatcher) submit(text string) chan moderation.VendorResult {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	ch := make(chan moderation.VendorResult, 1)
	tb.pending = append(tb.pending, batchItem{text: text, ch: ch})

	if len(tb.pending) >= tb.optimizer.config.MaxBatch {
		if tb.timer != nil {
			tb.timer.Stop()
			tb.timer = nil
		}
		tb.flushLocked()
		return ch
	}
	if tb.timer == nil {
		tb.timer = time.AfterFunc(tb.optimizer.config.Window, func() {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			tb.timer = nil
			tb.flushLocked()
		})
	}
	return ch
}

// caller must hold tb.mu
func (tb *textBatcher) flushLocked() {
	if len(tb.pending) == 0 {
		return
	}
	items := tb.pending
	tb.pending = nil

	go func() {
		// batch runs against its own deadline; the callers' contexts may
		// each be different
		ctx, cancel := context.WithTimeout(context.Background(), tb.optimizer.config.BatchTimeout)
		defer cancel()

		texts := make([]string, len(items))
		for i, it := range items {
			texts[i] = it.text
		}
		batchSize.WithLabelValues(tb.name).Observe(float64(len(texts)))

		start := time.Now()
		results := tb.scanner.ScanTextBatch(ctx, texts)
		if len(results) != len(items) {
			tb.optimizer.logger.Error("batch scan result count mismatch", "vendor", tb.name, "want", len(items), "got", len(results))
			for _, it := range items {
				it.ch <- vendor.Failure(tb.name, start, fmt.Errorf("batch result count mismatch: want %d, got %d", len(items), len(results)))
			}
			return
		}
		for i, it := range items {
			it.ch <- results[i]
		}
	}()
}
