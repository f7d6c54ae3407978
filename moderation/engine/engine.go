package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/breaker"
	"github.com/arbiter-mod/sieve/moderation/cachestore"
	"github.com/arbiter-mod/sieve/moderation/coalesce"
	"github.com/arbiter-mod/sieve/moderation/countstore"
	"github.com/arbiter-mod/sieve/moderation/evidence"
	"github.com/arbiter-mod/sieve/moderation/fingerprint"
	"github.com/arbiter-mod/sieve/moderation/vendor"
)

type Config struct {
	// Hard deadline for one full moderation pass, vendor fan-out included.
	PassDeadline time.Duration
	// Per-vendor call timeout within a pass.
	VendorTimeout time.Duration
	// Accounts younger than this many days get stricter thresholds.
	NewAccountDays int
	// Violations within the current month bucket at or above this count
	// mark the user a repeat offender.
	RepeatOffenderThreshold int
	// Minimum ensemble confidence for the repeat-offender escalation to
	// fire; below it the normal policy path applies.
	RepeatOffenderMinConfidence float64
	// Content types that fail closed (review) instead of open (allow)
	// when every vendor is unavailable.
	FailClosedTypes []moderation.ContentType
	// Maximum Hamming distance for perceptual near-duplicate image hits.
	NearDuplicateDistance int
	// When set, evidence bundles are written off the request path.
	AsyncEvidence bool
}

func DefaultConfig() Config {
	return Config{
		PassDeadline:                8 * time.Second,
		VendorTimeout:               4 * time.Second,
		NewAccountDays:              7,
		RepeatOffenderThreshold:     4,
		RepeatOffenderMinConfidence: 0.60,
		NearDuplicateDistance:       10,
	}
}

// Engine is the moderation decision core: it fans one content item out to
// the vendor ensemble (behind per-vendor circuit breakers and the call
// optimizer), aggregates the results, applies policy and account context,
// and persists evidence and audit records for the resulting decision.
//
// An Engine is shared across all passes; all fields are set at construction
// and never mutated after.
type Engine struct {
	Logger    *slog.Logger
	Vendors   vendor.Registry
	Breakers  *breaker.Registry
	Optimizer *coalesce.Optimizer
	Cache     cachestore.DecisionCache
	Counters  countstore.CountStore
	Policies  *PolicySnapshot
	Evidence  *evidence.Service
	Directory AccountDirectory
	Media     *MediaFetcher
	// Optional cheap image classifier gating the paid image vendors.
	Prescreen *PreScreenClient
	// Perceptual-hash index for near-duplicate image detection.
	NearImages *fingerprint.NearIndex
	Config     Config
}

// Moderate runs one full moderation pass. It never panics and only returns
// a non-nil error for unusable input plumbing (nil engine collaborators);
// every operational failure inside the pass degrades to a fail-safe review
// or fail-open allow decision instead.
func (eng *Engine) Moderate(ctx context.Context, input *moderation.ContentInput) (decision *moderation.Decision, result *moderation.ModerationResult, outErr error) {
	if input == nil {
		return nil, nil, fmt.Errorf("nil content input")
	}
	start := time.Now()
	defer func() {
		passDuration.WithLabelValues(string(input.Type)).Observe(time.Since(start).Seconds())
		passCount.WithLabelValues(string(input.Type)).Inc()
		if r := recover(); r != nil {
			eng.Logger.Error("moderation pass panicked", "contentID", input.ID, "panic", r)
			passErrorCount.WithLabelValues("panic").Inc()
			decision = eng.failSafeAudited(ctx, input, fmt.Sprintf("internal error: %v", r))
			result = failSafeResult(input, decision)
			outErr = nil
		}
	}()

	if err := input.Validate(); err != nil {
		passErrorCount.WithLabelValues("malformed").Inc()
		d := eng.failSafeAudited(ctx, input, fmt.Sprintf("malformed submission: %v", err))
		return d, failSafeResult(input, d), nil
	}

	ctx, cancel := context.WithTimeout(ctx, eng.Config.PassDeadline)
	defer cancel()

	if input.Empty() {
		d := eng.allowEmpty(input)
		eng.audit(ctx, input.ID, evidence.ActionDecision, d.Reasoning, "")
		return d, failSafeResult(input, d), nil
	}

	media := eng.fetchMedia(ctx, input.Media)
	fp := combinedFingerprint(input.Text, media)

	if cached := eng.cacheLookup(ctx, fp, media); cached != nil {
		d, r := eng.duplicateOutcome(input, cached)
		eng.audit(ctx, input.ID, evidence.ActionScan,
			fmt.Sprintf("duplicate of %s, served from moderation cache", cached.ContentID), "")
		decisionCount.WithLabelValues(string(d.Action), d.PrimaryCategory).Inc()
		return d, r, nil
	}

	result = eng.runEnsemble(ctx, input, media)

	// An expired pass deadline is not a vendor outage: every call above
	// failed (or was cut short) because the pass ran out of time, so the
	// fail-open outage path must not apply.
	if err := ctx.Err(); err != nil {
		eng.Logger.Warn("pass deadline exceeded, failing safe", "contentID", input.ID, "err", err)
		passErrorCount.WithLabelValues("deadline").Inc()
		d := eng.failSafeAudited(ctx, input, "moderation pass deadline exceeded, queued for human review")
		return d, result, nil
	}

	meta, err := eng.accountMeta(ctx, input)
	if err != nil {
		eng.Logger.Error("account context unavailable, failing safe", "contentID", input.ID, "err", err)
		passErrorCount.WithLabelValues("account_context").Inc()
		d := eng.failSafeAudited(ctx, input, "account context unavailable, queued for human review")
		return d, result, nil
	}

	decision, err = eng.decide(ctx, input, result, meta)
	if err != nil {
		eng.Logger.Error("decision engine failed, failing safe", "contentID", input.ID, "err", err)
		passErrorCount.WithLabelValues("decision").Inc()
		d := eng.failSafeAudited(ctx, input, "policy evaluation unavailable, queued for human review")
		return d, result, nil
	}
	decisionCount.WithLabelValues(string(decision.Action), decision.PrimaryCategory).Inc()

	eng.recordPass(ctx, input, fp, media, result, decision, meta)
	return decision, result, nil
}

// ModerateBatch runs passes for multiple items sequentially. The per-vendor
// coalescing layer underneath batches and dedupes the actual vendor traffic,
// so the win from overlapping whole passes here is small; sequential keeps
// decision ordering deterministic.
func (eng *Engine) ModerateBatch(ctx context.Context, inputs []*moderation.ContentInput) []*moderation.Decision {
	out := make([]*moderation.Decision, len(inputs))
	for i, input := range inputs {
		d, _, err := eng.Moderate(ctx, input)
		if err != nil {
			eng.Logger.Error("pass failed in batch", "idx", i, "err", err)
			d = eng.failSafe(&moderation.ContentInput{}, "internal error, queued for human review")
		}
		out[i] = d
	}
	return out
}

// HealthCheck probes every registered vendor and reports reachability. The
// probe result and the breaker state are reported separately: a vendor can
// be reachable again while its breaker is still cooling down.
func (eng *Engine) HealthCheck(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(eng.Vendors))
	for _, reg := range eng.Vendors {
		name := reg.Adapter.Name()
		probeCtx, cancel := context.WithTimeout(ctx, eng.Config.VendorTimeout)
		out[name] = reg.Adapter.IsHealthy(probeCtx) && eng.Breakers.Get(name).Healthy()
		cancel()
	}
	return out
}

// recordPass does the post-decision bookkeeping: violation counters,
// moderation cache, near-duplicate index, evidence bundle, audit trail.
// Failures here are logged, never surfaced; the decision already stands.
func (eng *Engine) recordPass(ctx context.Context, input *moderation.ContentInput, fp string, media []fetchedMedia, result *moderation.ModerationResult, decision *moderation.Decision, meta *AccountMeta) {
	if decision.Action == moderation.ActionBlock || decision.Action == moderation.ActionLimit {
		if err := eng.Counters.Increment(ctx, countstore.NameViolations, input.UserID); err != nil {
			eng.Logger.Error("failed to increment violation counter", "userID", input.UserID, "err", err)
		}
	}

	if result.SuccessCount() > 0 {
		if err := eng.Cache.Set(ctx, fp, &cachestore.CachedOutcome{
			ContentID: input.ID,
			Result:    result,
			Decision:  decision,
		}); err != nil {
			eng.Logger.Error("failed to write moderation cache", "fingerprint", fp, "err", err)
		}
		for _, m := range media {
			if m.Err != nil {
				continue
			}
			if h, err := fingerprint.Perceptual(m.Bytes); err == nil {
				eng.NearImages.Add(h, fp, input.ID)
			}
		}
	}

	eng.audit(ctx, input.ID, evidence.ActionScan,
		fmt.Sprintf("scanned via %d/%d vendors, primary category %s at %.2f",
			result.SuccessCount(), len(result.VendorResults), result.PrimaryCategory, result.OverallConfidence), "")

	eng.storeEvidence(ctx, input, fp, result, decision)

	eng.audit(ctx, input.ID, evidence.ActionDecision, decision.Reasoning, decision.EvidenceRef)
	eng.Logger.Info("moderation pass complete",
		"contentID", input.ID,
		"action", decision.Action,
		"category", decision.PrimaryCategory,
		"confidence", decision.Confidence,
		"risk", decision.RiskScore,
		"violations", meta.RecentViolations,
	)
}

func (eng *Engine) storeEvidence(ctx context.Context, input *moderation.ContentInput, fp string, result *moderation.ModerationResult, decision *moderation.Decision) {
	bi := evidence.BundleInput{
		CaseID:            input.ID,
		ContentHash:       fp,
		VendorResults:     result.VendorResults,
		DecisionRationale: decision.Reasoning,
		PolicyVersion:     decision.PolicyVersion,
		Timestamp:         decision.Timestamp,
	}

	if eng.Config.AsyncEvidence {
		go func() {
			wctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := eng.Evidence.StoreBundle(wctx, bi); err != nil {
				eng.Logger.Error("async evidence store failed", "caseID", bi.CaseID, "err", err)
			}
		}()
		return
	}

	stored, err := eng.Evidence.StoreBundle(ctx, bi)
	if err != nil {
		eng.Logger.Error("evidence store failed", "caseID", bi.CaseID, "err", err)
		return
	}
	decision.EvidenceRef = stored.Ref.String()
}

func (eng *Engine) audit(ctx context.Context, caseID, action, reasoning, storageRef string) {
	_, err := eng.Evidence.Audit.Append(ctx, evidence.AuditLogEntry{
		CaseID:     caseID,
		ActionType: action,
		ActorID:    "sieve",
		ActorType:  evidence.ActorSystem,
		Reasoning:  reasoning,
		StorageRef: storageRef,
	})
	if err != nil {
		eng.Logger.Error("audit append failed", "caseID", caseID, "action", action, "err", err)
	}
}

// cacheLookup checks the exact fingerprint first, then the perceptual
// near-duplicate index when the submission is a single image with no text.
func (eng *Engine) cacheLookup(ctx context.Context, fp string, media []fetchedMedia) *cachestore.CachedOutcome {
	cached, err := eng.Cache.Get(ctx, fp)
	if err != nil {
		eng.Logger.Error("moderation cache lookup failed", "fingerprint", fp, "err", err)
		cacheHitCount.WithLabelValues("miss").Inc()
		return nil
	}
	if cached != nil {
		cacheHitCount.WithLabelValues("hit").Inc()
		return cached
	}

	if len(media) == 1 && media[0].Err == nil {
		if h, err := fingerprint.Perceptual(media[0].Bytes); err == nil {
			if nearFp, _, ok := eng.NearImages.Lookup(h); ok {
				if near, err := eng.Cache.Get(ctx, nearFp); err == nil && near != nil {
					cacheHitCount.WithLabelValues("near-hit").Inc()
					return near
				}
			}
		}
	}

	cacheHitCount.WithLabelValues("miss").Inc()
	return nil
}

// duplicateOutcome reuses a cached pass for fresh content: same verdict,
// new content identity, zero vendor calls.
func (eng *Engine) duplicateOutcome(input *moderation.ContentInput, cached *cachestore.CachedOutcome) (*moderation.Decision, *moderation.ModerationResult) {
	r := *cached.Result
	r.ContentID = input.ID
	r.IsDuplicate = true
	r.OriginalContentID = cached.ContentID
	r.VendorResults = nil

	d := *cached.Decision
	d.ContentID = input.ID
	d.Timestamp = time.Now()
	d.Reasoning = fmt.Sprintf("duplicate of previously moderated content %s: %s", cached.ContentID, cached.Decision.Reasoning)
	return &d, &r
}

func (eng *Engine) allowEmpty(input *moderation.ContentInput) *moderation.Decision {
	return &moderation.Decision{
		ContentID:       input.ID,
		Action:          moderation.ActionAllow,
		PrimaryCategory: moderation.CategorySafe,
		Reasoning:       "empty submission, nothing to scan",
		Timestamp:       time.Now(),
	}
}

// failSafe is the decision of last resort: queue for human review rather
// than guessing in either direction.
func (eng *Engine) failSafe(input *moderation.ContentInput, reasoning string) *moderation.Decision {
	return &moderation.Decision{
		ContentID:       input.ID,
		Action:          moderation.ActionReview,
		PrimaryCategory: moderation.CategoryError,
		Reasoning:       reasoning,
		Timestamp:       time.Now(),
	}
}

// failSafeAudited is failSafe plus the bookkeeping every verdict gets: a
// decision audit record and the decision metric. The audit write survives an
// expired or cancelled pass context.
func (eng *Engine) failSafeAudited(ctx context.Context, input *moderation.ContentInput, reasoning string) *moderation.Decision {
	d := eng.failSafe(input, reasoning)
	eng.audit(context.WithoutCancel(ctx), input.ID, evidence.ActionDecision, d.Reasoning, "")
	decisionCount.WithLabelValues(string(d.Action), d.PrimaryCategory).Inc()
	return d
}

func failSafeResult(input *moderation.ContentInput, d *moderation.Decision) *moderation.ModerationResult {
	return &moderation.ModerationResult{
		ContentID:       input.ID,
		PrimaryCategory: d.PrimaryCategory,
		Hint:            d.Action,
	}
}

func combinedFingerprint(text string, media []fetchedMedia) string {
	var blobs [][]byte
	for _, m := range media {
		if m.Err == nil {
			blobs = append(blobs, m.Bytes)
		}
	}
	return fingerprint.Combined(text, blobs)
}
