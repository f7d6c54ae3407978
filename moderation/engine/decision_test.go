package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/countstore"
)

func TestWeightedAggregation(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.95, moderation.ActionReview))
	f.hive.Result.Confidence = 0.9
	f.persp.Result.Confidence = 0.3
	f.user("alice", 30)

	_, result, err := f.eng.Moderate(context.Background(), textInput("c1", "alice", 60, "some text"))
	require.NoError(t, err)

	// (0.4*0.9 + 0.3*0.3) / 0.7
	assert.InDelta(0.642857, result.OverallConfidence, 0.0001)
	// Higher-weight vendor pulls the blend toward its score.
	assert.Less(0.9-result.OverallConfidence, result.OverallConfidence-0.3)
	assert.Equal(moderation.CategoryHarassment, result.PrimaryCategory)
	assert.Equal(2, result.SuccessCount())
}

func TestRenormalizationOnVendorFailure(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.95, moderation.ActionReview))
	f.hive.Result.Confidence = 0.9
	f.persp.FailWith = "server error: 503"
	f.user("alice", 30)

	_, result, err := f.eng.Moderate(context.Background(), textInput("c1", "alice", 60, "some text"))
	require.NoError(t, err)

	// The surviving vendor carries full weight rather than deflating the blend.
	assert.InDelta(0.9, result.OverallConfidence, 0.0001)
	assert.Equal(1, result.SuccessCount())
	assert.Len(result.VendorResults, 2)
}

func TestFailOpenOnTotalOutage(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.8, moderation.ActionReview))
	f.hive.FailWith = "connection refused"
	f.persp.FailWith = "connection refused"
	f.user("alice", 400)

	decision, result, err := f.eng.Moderate(context.Background(), textInput("c1", "alice", 60, "some text"))
	require.NoError(t, err)

	assert.Equal(moderation.ActionAllow, decision.Action)
	assert.Equal(moderation.CategorySafe, decision.PrimaryCategory)
	assert.Zero(decision.Confidence)
	assert.Zero(result.OverallConfidence)
	assert.Contains(decision.Reasoning, "failing open")
}

func TestFailClosedTypesGoToReviewOnOutage(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.8, moderation.ActionReview))
	f.eng.Config.FailClosedTypes = []moderation.ContentType{moderation.ContentListing}
	f.hive.FailWith = "connection refused"
	f.persp.FailWith = "connection refused"
	f.user("alice", 400)

	input := textInput("c1", "alice", 60, "some text")
	input.Type = moderation.ContentListing
	decision, _, err := f.eng.Moderate(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(moderation.ActionReview, decision.Action)
	assert.Contains(decision.Reasoning, "fails closed")
}

func TestRepeatOffenderEscalation(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.8, moderation.ActionReview))
	f.hive.Result.Confidence = 0.75
	f.persp.Result.Confidence = 0.75
	f.user("repeat", 400)
	f.user("clean", 400)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, f.counters.Increment(ctx, countstore.NameViolations, "repeat"))
	}

	baseline, _, err := f.eng.Moderate(ctx, textInput("c1", "clean", 60, "borderline text"))
	require.NoError(t, err)
	escalated, _, err := f.eng.Moderate(ctx, textInput("c2", "repeat", 60, "other borderline text"))
	require.NoError(t, err)

	// 0.75 sits under the 0.8 policy threshold, so a clean account walks.
	assert.Equal(moderation.ActionAllow, baseline.Action)
	assert.Equal(moderation.ActionBlock, escalated.Action)
	assert.Contains(escalated.Reasoning, "repeat offender")
	// Medium severity base of 24h, quadrupled.
	assert.Equal(int64(4*24*3600), escalated.DurationSeconds)
}

func TestRepeatOffenderNeedsMinimumConfidence(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.8, moderation.ActionReview))
	f.hive.Result.Confidence = 0.4
	f.persp.Result.Confidence = 0.4
	f.user("repeat", 400)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, f.counters.Increment(ctx, countstore.NameViolations, "repeat"))
	}

	decision, _, err := f.eng.Moderate(ctx, textInput("c1", "repeat", 60, "mild text"))
	require.NoError(t, err)
	assert.NotEqual(moderation.ActionBlock, decision.Action)
}

func TestNewAccountsGetStricterThresholds(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(harassmentPolicy(0.85, moderation.ActionReview))
	f.hive.Result.Confidence = 0.85
	f.persp.Result.Confidence = 0.85
	f.user("newbie", 1)
	f.user("veteran", 120)

	ctx := context.Background()
	fresh, _, err := f.eng.Moderate(ctx, textInput("c1", "newbie", 30, "borderline harassment"))
	require.NoError(t, err)
	veteran, _, err := f.eng.Moderate(ctx, textInput("c2", "veteran", 80, "different borderline harassment"))
	require.NoError(t, err)

	assert.Equal(moderation.ActionReview, fresh.Action)
	assert.Equal(moderation.ActionAllow, veteran.Action)
	assert.Greater(fresh.ThresholdAdjustments[moderation.CategoryHarassment],
		veteran.ThresholdAdjustments[moderation.CategoryHarassment])
}

func TestSeverityMonotonicInReputation(t *testing.T) {
	f := newFixture(harassmentPolicy(0.85, moderation.ActionBlock))
	f.hive.Result.Confidence = 0.8
	f.persp.Result.Confidence = 0.8

	ctx := context.Background()
	prev := -1
	for i, rep := range []int{80, 60, 30, 10} {
		userID := string(rune('a' + i))
		f.user(userID, 30)
		input := textInput(userID+"-content", userID, rep, "the same borderline text for everyone "+userID)
		decision, _, err := f.eng.Moderate(ctx, input)
		require.NoError(t, err)
		// Dropping reputation while holding everything else fixed must
		// never soften the verdict.
		require.GreaterOrEqual(t, decision.Action.Severity(), prev,
			"reputation %d got %s", rep, decision.Action)
		prev = decision.Action.Severity()
	}
}

func TestPermanentBlockHasNoDuration(t *testing.T) {
	assert := assert.New(t)
	p := harassmentPolicy(0.5, moderation.ActionBlock)
	p.Severity = moderation.SeverityCritical
	p.PermanentBlock = true
	f := newFixture(p)
	f.user("alice", 400)

	decision, _, err := f.eng.Moderate(context.Background(), textInput("c1", "alice", 60, "bad text"))
	require.NoError(t, err)
	assert.Equal(moderation.ActionBlock, decision.Action)
	assert.Zero(decision.DurationSeconds)
}

func TestThresholdMultiplierClamped(t *testing.T) {
	assert := assert.New(t)
	f := newFixture()
	p := moderation.DefaultPolicy(moderation.CategoryScam)
	p.ReputationModifier = 5.0

	worst := &moderation.ContentInput{
		Type:  moderation.ContentListing,
		Text:  "click https://sketchy.example now",
		Media: []moderation.MediaItem{{URL: "https://img.example/x.png"}},
	}
	m := f.eng.thresholdMultiplier(worst, &AccountMeta{Reputation: 1, AccountAgeDays: 0}, p)
	assert.LessOrEqual(m, maxMultiplier)

	best := &moderation.ContentInput{Type: moderation.ContentPost, Text: "hello"}
	m = f.eng.thresholdMultiplier(best, &AccountMeta{Reputation: 99, AccountAgeDays: 2000}, p)
	assert.GreaterOrEqual(m, minMultiplier)
}

func TestRiskScoreClamped(t *testing.T) {
	assert := assert.New(t)
	assert.InDelta(0.74, riskScore(0.9, moderation.SeverityMedium, 2.0), 0.0001)
	assert.InDelta(1.0, riskScore(1.0, moderation.SeverityCritical, 3.0), 0.0001)
	assert.GreaterOrEqual(riskScore(0, moderation.SeverityLow, 0.5), 0.0)
}
