package moderation

import (
	"context"
	"sort"
	"sync"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight used when blending severity into the risk score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	case SeverityCritical:
		return 1.0
	}
	return 0.25
}

// Per-category moderation policy. Persistence is owned by an external admin
// collaborator; the decision engine treats the active set as a read-mostly
// snapshot refreshed on a short interval.
type Policy struct {
	Category            string   `json:"category"`
	Severity            Severity `json:"severity"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
	Action              Action   `json:"action"`
	ReputationModifier  float64  `json:"reputationModifier"`
	IsActive            bool     `json:"isActive"`
	// Permanent block policies yield no duration on block decisions.
	PermanentBlock bool `json:"permanentBlock,omitempty"`
}

// Fallback used when no policy is configured for a category.
func DefaultPolicy(category string) Policy {
	return Policy{
		Category:            category,
		Severity:            SeverityLow,
		ConfidenceThreshold: 0.9,
		Action:              ActionReview,
		ReputationModifier:  1.0,
		IsActive:            true,
	}
}

// Read/write boundary to the externally-owned policy store. The decision
// engine only reads; UpsertPolicy exists for admin tooling.
type PolicyStore interface {
	ListActivePolicies(ctx context.Context) ([]Policy, error)
	UpsertPolicy(ctx context.Context, p Policy) (bool, error)
}

// In-memory PolicyStore, used when the daemon runs without an external
// policy service and in tests.
type MemPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewMemPolicyStore(initial ...Policy) *MemPolicyStore {
	s := &MemPolicyStore{policies: make(map[string]Policy)}
	for _, p := range initial {
		s.policies[p.Category] = p
	}
	return s
}

func (s *MemPolicyStore) ListActivePolicies(ctx context.Context) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *MemPolicyStore) UpsertPolicy(ctx context.Context, p Policy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.policies[p.Category]
	s.policies[p.Category] = p
	return !existed, nil
}

var _ PolicyStore = (*MemPolicyStore)(nil)
