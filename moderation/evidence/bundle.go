// Evidence and audit service: durable, tamper-evident records of every
// moderation decision.
//
// Bundles are redacted (PII scrubbed, vendor raw responses stripped) before
// anything touches storage, content-addressed by the hash of their final
// bytes, and carry an internal verification hash so that both the storage
// ref and the bundle contents can be independently re-checked.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-mod/sieve/moderation"

	"github.com/ipfs/go-cid"
)

// Write-once evidence record for one moderation case. Referenced by the
// CID of its stored bytes thereafter.
type Bundle struct {
	CaseID            string                             `json:"caseId"`
	ContentHash       string                             `json:"contentHash"`
	ModelOutputs      map[string]moderation.VendorResult `json:"modelOutputs"`
	DecisionRationale string                             `json:"decisionRationale"`
	PolicyVersion     string                             `json:"policyVersion"`
	ModeratorID       string                             `json:"moderatorId,omitempty"`
	Screenshots       []string                           `json:"screenshots,omitempty"`
	Timestamp         time.Time                          `json:"timestamp"`
	VerificationHash  string                             `json:"verificationHash"`
}

// Inputs for one bundle store. Screenshot bytes are uploaded individually
// to the block store; the bundle references them by CID.
type BundleInput struct {
	CaseID            string
	ContentHash       string
	VendorResults     []moderation.VendorResult
	DecisionRationale string
	PolicyVersion     string
	ModeratorID       string
	Screenshots       [][]byte
	Timestamp         time.Time
}

type StoredBundle struct {
	Bundle Bundle
	Ref    cid.Cid
}

type RetrievedBundle struct {
	Bundle Bundle
	Ref    cid.Cid
	// False when either the stored bytes no longer match the ref, or the
	// bundle contents no longer reproduce the verification hash.
	Valid bool
}

type Service struct {
	Logger *slog.Logger
	Blocks BlockStore
	Audit  AuditStore
}

func NewService(logger *slog.Logger, blocks BlockStore, audit AuditStore) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Logger: logger, Blocks: blocks, Audit: audit}
}

// Deterministic hash over the redacted bundle contents, excluding the
// verification hash field itself. Re-hashing a retrieved bundle must
// reproduce it exactly.
func (b *Bundle) ComputeVerificationHash() (string, error) {
	cp := *b
	cp.VerificationHash = ""
	// encoding/json sorts map keys, so this serialization is canonical
	raw, err := json.Marshal(&cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Strips vendor-internal payloads and scrubs PII from free-text fields.
func redactVendorResult(vr moderation.VendorResult) moderation.VendorResult {
	vr.RawResponse = nil
	vr.Reasoning = Redact(vr.Reasoning)
	vr.Error = Redact(vr.Error)
	return vr
}

// Redacts, uploads screenshots, composes and uploads the bundle, and
// appends an audit entry. Storage failures propagate: evidence durability
// is a compliance requirement, so the caller must know when it failed.
func (s *Service) StoreBundle(ctx context.Context, input BundleInput) (*StoredBundle, error) {
	ts := input.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	bundle := Bundle{
		CaseID:            input.CaseID,
		ContentHash:       input.ContentHash,
		ModelOutputs:      make(map[string]moderation.VendorResult, len(input.VendorResults)),
		DecisionRationale: Redact(input.DecisionRationale),
		PolicyVersion:     input.PolicyVersion,
		ModeratorID:       input.ModeratorID,
		Timestamp:         ts,
	}
	for _, vr := range input.VendorResults {
		bundle.ModelOutputs[vr.Vendor] = redactVendorResult(vr)
	}

	for i, shot := range input.Screenshots {
		ref, err := s.Blocks.Put(ctx, shot)
		if err != nil {
			evidenceStoreCount.WithLabelValues("screenshot_error").Inc()
			return nil, fmt.Errorf("storing screenshot %d for case %s: %w", i, input.CaseID, err)
		}
		if err := s.Blocks.Pin(ctx, ref); err != nil {
			return nil, fmt.Errorf("pinning screenshot %d for case %s: %w", i, input.CaseID, err)
		}
		bundle.Screenshots = append(bundle.Screenshots, ref.String())
	}

	vh, err := bundle.ComputeVerificationHash()
	if err != nil {
		return nil, fmt.Errorf("hashing evidence bundle: %w", err)
	}
	bundle.VerificationHash = vh

	raw, err := json.Marshal(&bundle)
	if err != nil {
		return nil, fmt.Errorf("encoding evidence bundle: %w", err)
	}
	ref, err := s.Blocks.Put(ctx, raw)
	if err != nil {
		evidenceStoreCount.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("storing evidence bundle for case %s: %w", input.CaseID, err)
	}
	if err := s.Blocks.Pin(ctx, ref); err != nil {
		return nil, fmt.Errorf("pinning evidence bundle for case %s: %w", input.CaseID, err)
	}
	evidenceStoreCount.WithLabelValues("ok").Inc()

	if _, err := s.Audit.Append(ctx, AuditLogEntry{
		CaseID:     input.CaseID,
		ActionType: ActionEvidenceStore,
		ActorID:    "sieve",
		ActorType:  ActorSystem,
		Reasoning:  "evidence bundle persisted",
		StorageRef: ref.String(),
	}); err != nil {
		return nil, fmt.Errorf("appending audit entry for case %s: %w", input.CaseID, err)
	}

	s.Logger.Info("stored evidence bundle", "caseId", input.CaseID, "ref", ref.String())
	return &StoredBundle{Bundle: bundle, Ref: ref}, nil
}

// Fetches a bundle and re-verifies both the storage ref and the internal
// verification hash before returning it.
func (s *Service) RetrieveBundle(ctx context.Context, ref cid.Cid) (*RetrievedBundle, error) {
	raw, err := s.Blocks.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetching evidence bundle %s: %w", ref.String(), err)
	}

	valid := true
	actual, err := ComputeRef(raw)
	if err != nil {
		return nil, err
	}
	if !actual.Equals(ref) {
		s.Logger.Warn("evidence bundle bytes do not match storage ref", "ref", ref.String(), "actual", actual.String())
		valid = false
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return &RetrievedBundle{Ref: ref, Valid: false}, nil
	}
	want, err := bundle.ComputeVerificationHash()
	if err != nil || want != bundle.VerificationHash {
		s.Logger.Warn("evidence bundle failed verification hash check", "ref", ref.String(), "caseId", bundle.CaseID)
		valid = false
	}

	return &RetrievedBundle{Bundle: bundle, Ref: ref, Valid: valid}, nil
}

// Stores each bundle independently; one item's storage failure is logged
// and skipped rather than aborting the batch. Returned list contains only
// the successful stores.
func (s *Service) StoreBatch(ctx context.Context, inputs []BundleInput) []StoredBundle {
	var out []StoredBundle
	for _, input := range inputs {
		stored, err := s.StoreBundle(ctx, input)
		if err != nil {
			s.Logger.Error("failed to store evidence bundle in batch", "caseId", input.CaseID, "err", err)
			continue
		}
		out = append(out, *stored)
	}
	return out
}
