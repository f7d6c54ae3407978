package moderation

import "time"

// Moderation verdict for one pass.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionLimit  Action = "limit"
	ActionBlock  Action = "block"
	ActionReview Action = "review"
)

// Ordering for monotonicity comparisons: allow < limit < review < block.
func (a Action) Severity() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionLimit:
		return 1
	case ActionReview:
		return 2
	case ActionBlock:
		return 3
	}
	return 2
}

// Terminal output of one moderation pass. Never mutated after creation;
// re-moderation of the same content produces a new Decision.
type Decision struct {
	ContentID            string             `json:"contentId"`
	Action               Action             `json:"action"`
	PrimaryCategory      string             `json:"primaryCategory"`
	Confidence           float64            `json:"confidence"`
	RiskScore            float64            `json:"riskScore"`
	ThresholdAdjustments map[string]float64 `json:"thresholdAdjustments,omitempty"`
	Reasoning            string             `json:"reasoning"`
	// Version of the policy snapshot this decision was evaluated against.
	PolicyVersion string `json:"policyVersion,omitempty"`
	// Zero means indefinite (permanent for block policies, n/a for allow).
	DurationSeconds int64     `json:"durationSeconds,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	// Storage reference for the evidence bundle backing this decision, when
	// evidence persistence has completed (may be empty for async writes).
	EvidenceRef string `json:"evidenceRef,omitempty"`
}
