// Moderation cache: prior decisions keyed by content fingerprint.
//
// A cache hit short-circuits the whole vendor ensemble; the orchestrator
// must make zero vendor calls for a duplicate submission. Writes are
// idempotent (same fingerprint implies identical inputs), so last-writer-wins
// is acceptable under concurrency.
package cachestore

import (
	"context"

	"github.com/arbiter-mod/sieve/moderation"
)

// Cached outcome of a prior moderation pass for one fingerprint.
type CachedOutcome struct {
	ContentID string                       `json:"contentId"`
	Result    *moderation.ModerationResult `json:"result"`
	Decision  *moderation.Decision         `json:"decision"`
}

type DecisionCache interface {
	// Returns nil (not an error) on a cache miss.
	Get(ctx context.Context, fingerprint string) (*CachedOutcome, error)
	Set(ctx context.Context, fingerprint string, outcome *CachedOutcome) error
	Purge(ctx context.Context, fingerprint string) error
}
