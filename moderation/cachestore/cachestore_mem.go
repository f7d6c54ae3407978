package cachestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// In-process decision cache backed by an expiring LRU. Values are stored
// JSON-encoded so that mem and redis implementations round-trip identically.
type MemDecisionCache struct {
	data *expirable.LRU[string, string]
}

func NewMemDecisionCache(capacity int, ttl time.Duration) *MemDecisionCache {
	return &MemDecisionCache{
		data: expirable.NewLRU[string, string](capacity, nil, ttl),
	}
}

var _ DecisionCache = (*MemDecisionCache)(nil)

func (s *MemDecisionCache) Get(ctx context.Context, fingerprint string) (*CachedOutcome, error) {
	raw, ok := s.data.Get(fingerprint)
	if !ok {
		return nil, nil
	}
	var out CachedOutcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemDecisionCache) Set(ctx context.Context, fingerprint string, outcome *CachedOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	s.data.Add(fingerprint, string(raw))
	return nil
}

func (s *MemDecisionCache) Purge(ctx context.Context, fingerprint string) error {
	s.data.Remove(fingerprint)
	return nil
}
