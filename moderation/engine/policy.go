package engine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arbiter-mod/sieve/moderation"
)

// PolicySnapshot caches the active policy set from the externally-owned
// policy store. Policies change rarely and every moderation pass reads them,
// so the engine works from a snapshot refreshed at most once per TTL, with
// concurrent refreshes coalesced.
type PolicySnapshot struct {
	store moderation.PolicyStore
	ttl   time.Duration

	sf singleflight.Group

	mu          sync.RWMutex
	policies    map[string]moderation.Policy
	version     string
	refreshedAt time.Time
}

func NewPolicySnapshot(store moderation.PolicyStore, ttl time.Duration) *PolicySnapshot {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PolicySnapshot{store: store, ttl: ttl}
}

// For returns the active policy for a category, plus the snapshot version it
// came from. Falls back to moderation.DefaultPolicy when the category has no
// configured policy.
func (ps *PolicySnapshot) For(ctx context.Context, category string) (moderation.Policy, string, error) {
	if err := ps.ensureFresh(ctx); err != nil {
		return moderation.Policy{}, "", err
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if p, ok := ps.policies[category]; ok {
		return p, ps.version, nil
	}
	return moderation.DefaultPolicy(category), ps.version, nil
}

// Version returns the current snapshot version, refreshing first if stale.
func (ps *PolicySnapshot) Version(ctx context.Context) (string, error) {
	if err := ps.ensureFresh(ctx); err != nil {
		return "", err
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.version, nil
}

// Invalidate forces the next read to hit the policy store.
func (ps *PolicySnapshot) Invalidate() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.refreshedAt = time.Time{}
}

func (ps *PolicySnapshot) ensureFresh(ctx context.Context) error {
	ps.mu.RLock()
	fresh := ps.policies != nil && time.Since(ps.refreshedAt) < ps.ttl
	loaded := ps.policies != nil
	ps.mu.RUnlock()
	if fresh {
		return nil
	}

	_, err, _ := ps.sf.Do("refresh", func() (any, error) {
		return nil, ps.refresh(ctx)
	})
	if err != nil && loaded {
		// Serving a stale snapshot beats failing the pass; only a cold
		// start with an unreachable store is fatal.
		return nil
	}
	return err
}

func (ps *PolicySnapshot) refresh(ctx context.Context) error {
	active, err := ps.store.ListActivePolicies(ctx)
	if err != nil {
		return fmt.Errorf("listing active policies: %w", err)
	}

	byCategory := make(map[string]moderation.Policy, len(active))
	for _, p := range active {
		byCategory[p.Category] = p
	}

	enc, err := json.Marshal(active)
	if err != nil {
		return fmt.Errorf("encoding policy set: %w", err)
	}
	version := fmt.Sprintf("%x", sha256.Sum256(enc))[:16]

	ps.mu.Lock()
	ps.policies = byCategory
	ps.version = version
	ps.refreshedAt = time.Now()
	ps.mu.Unlock()
	return nil
}
