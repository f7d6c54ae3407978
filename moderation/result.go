package moderation

// Normalized output of a single vendor scan. Adapters always return one of
// these, even on failure; vendor errors are carried in Error with
// Success=false, never as a Go error to the caller.
type VendorResult struct {
	Vendor     string   `json:"vendor"`
	Confidence float64  `json:"confidence"`
	Categories []string `json:"categories,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Cost       float64  `json:"cost"`
	LatencyMs  int      `json:"latencyMs"`
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	// Vendor-internal response payload. Never persisted: the evidence
	// service strips this field before any bundle is written.
	RawResponse map[string]any `json:"rawResponse,omitempty"`
}

// Aggregated ensemble output for one content item. Derived state: recomputed
// on every scan, never independently mutated.
type ModerationResult struct {
	ContentID         string         `json:"contentId"`
	OverallConfidence float64        `json:"overallConfidence"`
	PrimaryCategory   string         `json:"primaryCategory"`
	VendorResults     []VendorResult `json:"vendorResults"`
	RiskScore         float64        `json:"riskScore"`
	EvidenceHash      string         `json:"evidenceHash"`
	Hint              Action         `json:"decisionHint"`
	// Set when the pass was satisfied from the moderation cache without any
	// vendor calls. OriginalContentID references the item that was actually
	// scanned.
	IsDuplicate       bool   `json:"isDuplicate,omitempty"`
	OriginalContentID string `json:"originalContentId,omitempty"`
}

// Count of vendor results that came back successfully.
func (mr *ModerationResult) SuccessCount() int {
	n := 0
	for _, vr := range mr.VendorResults {
		if vr.Success {
			n++
		}
	}
	return n
}
