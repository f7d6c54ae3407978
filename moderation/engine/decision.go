package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arbiter-mod/sieve/moderation"
)

// Threshold multiplier bounds. Above 1.0 the user is treated more strictly
// (effective threshold drops), below 1.0 more leniently.
const (
	minMultiplier = 0.5
	maxMultiplier = 3.0
)

// Base enforcement durations per policy severity. All quadruple for repeat
// offenders.
var severityDurations = map[moderation.Severity]time.Duration{
	moderation.SeverityLow:      time.Hour,
	moderation.SeverityMedium:   24 * time.Hour,
	moderation.SeverityHigh:     7 * 24 * time.Hour,
	moderation.SeverityCritical: 30 * 24 * time.Hour,
}

// decide turns the aggregated ensemble result plus account context into the
// final verdict for one pass.
func (eng *Engine) decide(ctx context.Context, input *moderation.ContentInput, result *moderation.ModerationResult, meta *AccountMeta) (*moderation.Decision, error) {
	if result.SuccessCount() == 0 {
		return eng.decideOutage(ctx, input), nil
	}

	if result.PrimaryCategory == moderation.CategorySafe {
		version, err := eng.Policies.Version(ctx)
		if err != nil {
			return nil, err
		}
		return &moderation.Decision{
			ContentID:       input.ID,
			Action:          moderation.ActionAllow,
			PrimaryCategory: moderation.CategorySafe,
			Confidence:      result.OverallConfidence,
			Reasoning:       "no category flagged above vendor reporting thresholds",
			PolicyVersion:   version,
			Timestamp:       time.Now(),
		}, nil
	}

	p, version, err := eng.Policies.For(ctx, result.PrimaryCategory)
	if err != nil {
		return nil, fmt.Errorf("policy lookup for %s: %w", result.PrimaryCategory, err)
	}

	multiplier := eng.thresholdMultiplier(input, meta, p)
	effective := p.ConfidenceThreshold / multiplier
	conf := result.OverallConfidence
	repeat := meta.RecentViolations >= eng.Config.RepeatOffenderThreshold &&
		conf >= eng.Config.RepeatOffenderMinConfidence

	d := &moderation.Decision{
		ContentID:            input.ID,
		PrimaryCategory:      result.PrimaryCategory,
		Confidence:           conf,
		ThresholdAdjustments: map[string]float64{result.PrimaryCategory: multiplier},
		PolicyVersion:        version,
		Timestamp:            time.Now(),
	}

	switch {
	case repeat:
		d.Action = moderation.ActionBlock
		d.Reasoning = fmt.Sprintf("repeat offender (%d violations this month): %s at %.2f",
			meta.RecentViolations, result.PrimaryCategory, conf)
	case conf < effective:
		d.Action = moderation.ActionAllow
		d.Reasoning = fmt.Sprintf("%s at %.2f below effective threshold %.2f (policy %.2f, multiplier %.2f)",
			result.PrimaryCategory, conf, effective, p.ConfidenceThreshold, multiplier)
	default:
		d.Action = p.Action
		d.Reasoning = fmt.Sprintf("%s at %.2f breaches effective threshold %.2f (policy %.2f, multiplier %.2f)",
			result.PrimaryCategory, conf, effective, p.ConfidenceThreshold, multiplier)
	}

	d.RiskScore = riskScore(conf, p.Severity, multiplier)
	d.DurationSeconds = enforcementDuration(d.Action, p, repeat)
	return d, nil
}

// decideOutage handles a pass in which no vendor returned successfully.
// The default is fail-open: allow with zero confidence, flagged for
// visibility. Content types configured to fail closed go to review instead.
func (eng *Engine) decideOutage(ctx context.Context, input *moderation.ContentInput) *moderation.Decision {
	version, err := eng.Policies.Version(ctx)
	if err != nil {
		eng.Logger.Warn("policy version unavailable during vendor outage", "contentID", input.ID, "err", err)
	}
	d := &moderation.Decision{
		ContentID:       input.ID,
		Action:          moderation.ActionAllow,
		PrimaryCategory: moderation.CategorySafe,
		Reasoning:       "all moderation vendors unavailable, failing open",
		PolicyVersion:   version,
		Timestamp:       time.Now(),
	}
	for _, t := range eng.Config.FailClosedTypes {
		if input.Type == t {
			d.Action = moderation.ActionReview
			d.PrimaryCategory = moderation.CategoryError
			d.Reasoning = fmt.Sprintf("all moderation vendors unavailable, %s content fails closed to review", input.Type)
			break
		}
	}
	return d
}

// thresholdMultiplier blends account trust and content riskiness into a
// single factor applied against the policy threshold. Low reputation, young
// accounts, links, attached media, and marketplace-facing content types all
// tighten the threshold; established trusted accounts loosen it.
func (eng *Engine) thresholdMultiplier(input *moderation.ContentInput, meta *AccountMeta, p moderation.Policy) float64 {
	m := 1.0

	repScale := p.ReputationModifier
	if repScale <= 0 {
		repScale = 1.0
	}
	switch {
	case meta.Reputation < 25:
		m += 0.5 * repScale
	case meta.Reputation < 50:
		m += 0.25 * repScale
	case meta.Reputation >= 75:
		m -= 0.25 * repScale
	}

	if meta.NewAccount(eng.Config.NewAccountDays) {
		m += 0.5
	} else if meta.AccountAgeDays >= 90 {
		m -= 0.25
	}

	if containsLink(input.Text) {
		m += 0.25
	}
	if len(input.Media) > 0 {
		m += 0.15
	}
	switch input.Type {
	case moderation.ContentListing, moderation.ContentNFT, moderation.ContentService:
		m += 0.25
	}

	if m < minMultiplier {
		return minMultiplier
	}
	if m > maxMultiplier {
		return maxMultiplier
	}
	return m
}

func containsLink(text string) bool {
	return strings.Contains(text, "http://") || strings.Contains(text, "https://")
}

// riskScore blends ensemble confidence, policy severity, and how far the
// account context pushed the threshold, clamped to [0,1].
func riskScore(confidence float64, severity moderation.Severity, multiplier float64) float64 {
	r := 0.6*confidence + 0.3*severity.Weight() + 0.1*(multiplier-1)/2
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func enforcementDuration(action moderation.Action, p moderation.Policy, repeat bool) int64 {
	switch action {
	case moderation.ActionBlock:
		if p.PermanentBlock {
			return 0
		}
	case moderation.ActionLimit:
	default:
		return 0
	}
	dur := severityDurations[p.Severity]
	if dur == 0 {
		dur = time.Hour
	}
	if repeat {
		dur *= 4
	}
	return int64(dur.Seconds())
}
