package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/countstore"
	"github.com/arbiter-mod/sieve/moderation/evidence"
)

func TestDuplicateContentShortCircuits(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.8, moderation.ActionReview))
	f.user("alice", 400)
	f.user("bob", 400)

	ctx := context.Background()
	first, _, err := f.eng.Moderate(ctx, textInput("c1", "alice", 60, "the exact same text"))
	require.NoError(t, err)
	callsAfterFirst := f.hive.Calls() + f.persp.Calls()
	require.Greater(t, callsAfterFirst, int64(0))

	second, result, err := f.eng.Moderate(ctx, textInput("c2", "bob", 60, "the exact same text"))
	require.NoError(t, err)

	// Zero vendor calls for the duplicate.
	assert.Equal(callsAfterFirst, f.hive.Calls()+f.persp.Calls())
	assert.True(result.IsDuplicate)
	assert.Equal("c1", result.OriginalContentID)
	assert.Equal("c2", second.ContentID)
	assert.Equal(first.Action, second.Action)
}

func TestNormalizedTextDeduplicates(t *testing.T) {
	f := newFixture(harassmentPolicy(0.8, moderation.ActionReview))
	f.user("alice", 400)

	ctx := context.Background()
	_, _, err := f.eng.Moderate(ctx, textInput("c1", "alice", 60, "Buy   CHEAP stuff!!"))
	require.NoError(t, err)
	_, result, err := f.eng.Moderate(ctx, textInput("c2", "alice", 60, "buy cheap stuff"))
	require.NoError(t, err)
	require.True(t, result.IsDuplicate)
}

func TestEmptySubmissionAllowsWithoutVendorCalls(t *testing.T) {
	assert := assert.New(t)
	f := newFixture()
	f.user("alice", 400)

	input := &moderation.ContentInput{ID: "c1", Type: moderation.ContentPost, UserID: "alice"}
	decision, _, err := f.eng.Moderate(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(moderation.ActionAllow, decision.Action)
	assert.Zero(f.hive.Calls())
}

func TestMalformedInputFailsSafe(t *testing.T) {
	assert := assert.New(t)
	f := newFixture()

	decision, _, err := f.eng.Moderate(context.Background(), &moderation.ContentInput{ID: "c1", Type: "bogus", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(moderation.ActionReview, decision.Action)
	assert.Equal(moderation.CategoryError, decision.PrimaryCategory)
	assert.Zero(f.hive.Calls())

	// Even a rejected submission leaves a decision record behind.
	entries, err := f.audit.Query(context.Background(), evidence.AuditQuery{CaseID: "c1", ActionType: evidence.ActionDecision})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(entries[0].Reasoning, "malformed")
}

func TestPassDeadlineExpiryFailsSafe(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.8, moderation.ActionReview))
	f.user("alice", 400)
	f.eng.Config.PassDeadline = time.Nanosecond

	decision, _, err := f.eng.Moderate(context.Background(), textInput("c1", "alice", 60, "some text"))
	require.NoError(t, err)

	// Running out of the pass budget queues for review; the fail-open path
	// is reserved for vendor outages within a live pass.
	assert.Equal(moderation.ActionReview, decision.Action)
	assert.Equal(moderation.CategoryError, decision.PrimaryCategory)
	assert.Contains(decision.Reasoning, "deadline")

	entries, err := f.audit.Query(context.Background(), evidence.AuditQuery{CaseID: "c1", ActionType: evidence.ActionDecision})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPanicInPassFailsSafeWithAudit(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.8, moderation.ActionReview))
	f.user("alice", 400)
	f.eng.Directory = nil // blows up mid-pass

	decision, _, err := f.eng.Moderate(context.Background(), textInput("c1", "alice", 60, "some text"))
	require.NoError(t, err)
	assert.Equal(moderation.ActionReview, decision.Action)
	assert.Equal(moderation.CategoryError, decision.PrimaryCategory)

	entries, err := f.audit.Query(context.Background(), evidence.AuditQuery{CaseID: "c1", ActionType: evidence.ActionDecision})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

type failingDirectory struct{}

func (failingDirectory) Lookup(ctx context.Context, userID string) (*AccountRecord, error) {
	return nil, fmt.Errorf("directory unavailable")
}

func TestAccountLookupFailureFailsSafe(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.8, moderation.ActionBlock))
	f.eng.Directory = failingDirectory{}

	decision, _, err := f.eng.Moderate(context.Background(), textInput("c1", "alice", 60, "some text"))
	require.NoError(t, err)
	assert.Equal(moderation.ActionReview, decision.Action)
	assert.Equal(moderation.CategoryError, decision.PrimaryCategory)
}

func TestOpenBreakerSkipsVendor(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.95, moderation.ActionReview))
	f.hive.Result.Confidence = 0.9
	f.persp.Result.Confidence = 0.5
	f.user("alice", 400)
	f.eng.Breakers.Get("hive").ForceOpen()

	_, result, err := f.eng.Moderate(context.Background(), textInput("c1", "alice", 60, "some text"))
	require.NoError(t, err)

	assert.Zero(f.hive.Calls() + f.hive.BatchCalls())
	assert.Equal(1, result.SuccessCount())
	// Only the surviving vendor contributes.
	assert.InDelta(0.5, result.OverallConfidence, 0.0001)
	var hiveResult *moderation.VendorResult
	for i := range result.VendorResults {
		if result.VendorResults[i].Vendor == "hive" {
			hiveResult = &result.VendorResults[i]
		}
	}
	require.NotNil(t, hiveResult)
	assert.False(hiveResult.Success)
	assert.Contains(hiveResult.Error, "circuit breaker open")
}

func TestViolationCounterIncrementsOnBlock(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.5, moderation.ActionBlock))
	f.user("alice", 400)

	ctx := context.Background()
	decision, _, err := f.eng.Moderate(ctx, textInput("c1", "alice", 60, "clearly bad text"))
	require.NoError(t, err)
	require.Equal(t, moderation.ActionBlock, decision.Action)

	n, err := f.counters.GetCount(ctx, countstore.NameViolations, "alice", countstore.PeriodMonth)
	require.NoError(t, err)
	assert.Equal(1, n)
}

func TestEvidenceBundlePersisted(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.5, moderation.ActionBlock))
	f.user("alice", 400)

	ctx := context.Background()
	decision, result, err := f.eng.Moderate(ctx, textInput("c1", "alice", 60, "clearly bad text"))
	require.NoError(t, err)
	require.NotEmpty(t, decision.EvidenceRef)

	ref, err := cid.Parse(decision.EvidenceRef)
	require.NoError(t, err)
	retrieved, err := f.eng.Evidence.RetrieveBundle(ctx, ref)
	require.NoError(t, err)
	assert.True(retrieved.Valid)
	assert.Equal("c1", retrieved.Bundle.CaseID)
	assert.Equal(decision.Reasoning, retrieved.Bundle.DecisionRationale)
	assert.Len(retrieved.Bundle.ModelOutputs, len(result.VendorResults))
}

func TestAuditTrailCoversThePass(t *testing.T) {
	f := newFixture(harassmentPolicy(0.5, moderation.ActionBlock))
	f.user("alice", 400)

	ctx := context.Background()
	_, _, err := f.eng.Moderate(ctx, textInput("c1", "alice", 60, "clearly bad text"))
	require.NoError(t, err)

	entries, err := f.audit.Query(ctx, evidence.AuditQuery{CaseID: "c1"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, evidence.ActionScan, entries[0].ActionType)
	require.Equal(t, evidence.ActionEvidenceStore, entries[1].ActionType)
	require.Equal(t, evidence.ActionDecision, entries[2].ActionType)
	require.NotEmpty(t, entries[2].StorageRef)
}

func TestModerateBatchKeepsOrder(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.5, moderation.ActionBlock))
	f.user("alice", 400)

	inputs := []*moderation.ContentInput{
		textInput("c1", "alice", 60, "first bad text"),
		textInput("c2", "alice", 60, "second bad text"),
		textInput("c3", "alice", 60, "third bad text"),
	}
	decisions := f.eng.ModerateBatch(context.Background(), inputs)
	require.Len(t, decisions, 3)
	for i, d := range decisions {
		assert.Equal(inputs[i].ID, d.ContentID)
	}
}

func TestHealthCheckReportsPerVendor(t *testing.T) {
	assert := assert.New(t)
	f := newFixture()
	f.persp.Healthy = false

	health := f.eng.HealthCheck(context.Background())
	assert.True(health["hive"])
	assert.False(health["perspective"])
}
