package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/vendor"
)

// runEnsemble fans the content out to every applicable, breaker-closed
// vendor and aggregates whatever comes back. It always returns a result;
// total vendor outage shows up as zero successful VendorResults, which the
// decision engine maps to its fail-open path.
func (eng *Engine) runEnsemble(ctx context.Context, input *moderation.ContentInput, media []fetchedMedia) *moderation.ModerationResult {
	images := eng.scannableImages(ctx, media)

	var wg sync.WaitGroup
	results := make([]moderation.VendorResult, 0, len(eng.Vendors))
	var mu sync.Mutex

	for _, reg := range eng.Vendors {
		adapter := reg.Adapter
		scanText := input.Text != "" && adapter.SupportsText()
		scanImages := len(images) > 0 && adapter.SupportsImages()
		if !scanText && !scanImages {
			continue
		}

		name := adapter.Name()
		done, ok := eng.Breakers.Get(name).Allow()
		if !ok {
			mu.Lock()
			results = append(results, vendor.Failure(name, time.Now(), errors.New("circuit breaker open")))
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			var parts []moderation.VendorResult
			if scanText {
				callCtx, cancel := context.WithTimeout(ctx, eng.Config.VendorTimeout)
				parts = append(parts, eng.Optimizer.ScanText(callCtx, adapter, input.Text))
				cancel()
			}
			if scanImages {
				for _, img := range images {
					callCtx, cancel := context.WithTimeout(ctx, eng.Config.VendorTimeout)
					parts = append(parts, eng.Optimizer.ScanImage(callCtx, adapter, img))
					cancel()
				}
			}
			merged := mergeVendorParts(name, parts)
			done(merged.Success)
			mu.Lock()
			results = append(results, merged)
			mu.Unlock()
		}()
	}
	wg.Wait()

	return eng.aggregate(input, results)
}

// scannableImages filters the fetched media down to what the image vendors
// should actually see: downloads that worked, minus anything the prescreen
// classifier confidently cleared.
func (eng *Engine) scannableImages(ctx context.Context, media []fetchedMedia) []vendor.ImageInput {
	var out []vendor.ImageInput
	for _, m := range media {
		if m.Err != nil {
			continue
		}
		if eng.Prescreen != nil {
			verdict, err := eng.Prescreen.Check(ctx, m.Bytes)
			if err != nil {
				eng.Logger.Warn("prescreen check failed, scanning normally", "url", m.Item.URL, "err", err)
			} else if verdict == "clean" {
				eng.Logger.Debug("prescreen cleared image, skipping vendor scans", "url", m.Item.URL)
				continue
			}
		}
		out = append(out, m.imageInput())
	}
	return out
}

// mergeVendorParts collapses a vendor's per-target results (one text call
// plus one call per image) into the single VendorResult the ensemble
// aggregates. A vendor counts as successful if any of its calls succeeded;
// its confidence is the worst (highest) score it reported.
func mergeVendorParts(name string, parts []moderation.VendorResult) moderation.VendorResult {
	if len(parts) == 1 {
		return parts[0]
	}

	out := moderation.VendorResult{Vendor: name}
	var cats []string
	var errs []string
	for _, p := range parts {
		out.Cost += p.Cost
		if p.LatencyMs > out.LatencyMs {
			out.LatencyMs = p.LatencyMs
		}
		if !p.Success {
			if p.Error != "" {
				errs = append(errs, p.Error)
			}
			continue
		}
		out.Success = true
		if p.Confidence > out.Confidence {
			out.Confidence = p.Confidence
		}
		cats = append(cats, p.Categories...)
		if p.Reasoning != "" {
			if out.Reasoning != "" {
				out.Reasoning += "; "
			}
			out.Reasoning += p.Reasoning
		}
	}
	out.Categories = moderation.DedupeStrings(cats)
	if !out.Success {
		out.Error = strings.Join(errs, "; ")
	}
	return out
}

// aggregate computes the weighted ensemble view over the vendor results.
// Weights are renormalized over the vendors that actually succeeded, so one
// vendor being down shifts weight to the others instead of deflating every
// score.
func (eng *Engine) aggregate(input *moderation.ContentInput, results []moderation.VendorResult) *moderation.ModerationResult {
	out := &moderation.ModerationResult{
		ContentID:     input.ID,
		VendorResults: results,
		EvidenceHash:  ensembleHash(results),
	}

	var weightSum, confSum float64
	catScores := make(map[string]float64)
	catTopWeight := make(map[string]float64)
	for _, vr := range results {
		if !vr.Success {
			continue
		}
		w := eng.Vendors.Weight(vr.Vendor)
		if w <= 0 {
			continue
		}
		weightSum += w
		confSum += w * vr.Confidence
		for _, cat := range vr.Categories {
			catScores[cat] += w * vr.Confidence
			if w > catTopWeight[cat] {
				catTopWeight[cat] = w
			}
		}
	}

	if weightSum == 0 {
		vendorOutageCount.Inc()
		out.PrimaryCategory = moderation.CategorySafe
		out.Hint = moderation.ActionAllow
		return out
	}

	out.OverallConfidence = confSum / weightSum
	out.PrimaryCategory = primaryCategory(catScores, catTopWeight)
	out.RiskScore = out.OverallConfidence
	out.Hint = hintFor(out.OverallConfidence, out.PrimaryCategory)
	return out
}

// primaryCategory picks the category with the highest weighted score. Ties
// go to the category backed by the heavier vendor, then alphabetically so
// the pick stays deterministic.
func primaryCategory(scores, topWeight map[string]float64) string {
	if len(scores) == 0 {
		return moderation.CategorySafe
	}
	cats := make([]string, 0, len(scores))
	for cat := range scores {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		a, b := cats[i], cats[j]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		if topWeight[a] != topWeight[b] {
			return topWeight[a] > topWeight[b]
		}
		return a < b
	})
	return cats[0]
}

func hintFor(confidence float64, category string) moderation.Action {
	if category == moderation.CategorySafe || confidence < 0.5 {
		return moderation.ActionAllow
	}
	switch {
	case confidence < 0.75:
		return moderation.ActionReview
	case confidence < 0.9:
		return moderation.ActionLimit
	default:
		return moderation.ActionBlock
	}
}

// ensembleHash is a deterministic digest of what every vendor reported,
// independent of completion order. Stored in the evidence bundle so the
// ensemble view can be re-verified later.
func ensembleHash(results []moderation.VendorResult) string {
	lines := make([]string, 0, len(results))
	for _, vr := range results {
		cats := append([]string(nil), vr.Categories...)
		sort.Strings(cats)
		lines = append(lines, fmt.Sprintf("%s|%.4f|%s", vr.Vendor, vr.Confidence, strings.Join(cats, ",")))
	}
	sort.Strings(lines)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(lines, "\n"))))
}
