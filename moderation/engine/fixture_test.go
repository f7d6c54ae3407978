package engine

import (
	"log/slog"
	"os"
	"time"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/breaker"
	"github.com/arbiter-mod/sieve/moderation/cachestore"
	"github.com/arbiter-mod/sieve/moderation/coalesce"
	"github.com/arbiter-mod/sieve/moderation/countstore"
	"github.com/arbiter-mod/sieve/moderation/evidence"
	"github.com/arbiter-mod/sieve/moderation/fingerprint"
	"github.com/arbiter-mod/sieve/moderation/vendor"
)

// fixture wires a complete engine over in-memory collaborators and two
// scripted vendors (hive-shaped at weight 0.4, perspective-shaped at 0.3).
type fixture struct {
	eng      *Engine
	hive     *vendor.MockAdapter
	persp    *vendor.MockAdapter
	policies *moderation.MemPolicyStore
	counters *countstore.MemCountStore
	cache    *cachestore.MemDecisionCache
	audit    *evidence.MemAuditStore
	blocks   *evidence.MemBlockStore
	dir      *MockDirectory
}

func newFixture(policies ...moderation.Policy) *fixture {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	f := &fixture{
		hive:     vendor.NewMockAdapter("hive", []string{moderation.CategoryHarassment}, 0.9, true),
		persp:    vendor.NewMockAdapter("perspective", []string{moderation.CategoryHarassment}, 0.9, true),
		policies: moderation.NewMemPolicyStore(policies...),
		counters: countstore.NewMemCountStore(),
		cache:    cachestore.NewMemDecisionCache(1000, time.Hour),
		audit:    evidence.NewMemAuditStore(),
		blocks:   evidence.NewMemBlockStore(),
		dir:      NewMockDirectory(),
	}
	f.persp.Images = false

	cfg := DefaultConfig()
	coalesceCfg := coalesce.DefaultConfig()
	coalesceCfg.Window = time.Millisecond

	f.eng = &Engine{
		Logger: logger,
		Vendors: vendor.Registry{
			{Adapter: f.hive, Weight: 0.4},
			{Adapter: f.persp, Weight: 0.3},
		},
		Breakers:   breaker.NewRegistry(logger, breaker.DefaultConfig()),
		Optimizer:  coalesce.NewOptimizer(logger, coalesceCfg),
		Cache:      f.cache,
		Counters:   f.counters,
		Policies:   NewPolicySnapshot(f.policies, time.Second),
		Evidence:   evidence.NewService(logger, f.blocks, f.audit),
		Directory:  f.dir,
		Media:      NewMediaFetcher(8 << 20),
		NearImages: fingerprint.NewNearIndex(128, cfg.NearDuplicateDistance),
		Config:     cfg,
	}
	return f
}

// user registers an account of the given age with the directory.
func (f *fixture) user(id string, ageDays int) {
	f.dir.Insert(AccountRecord{
		UserID:    id,
		CreatedAt: time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour),
	})
}

func textInput(contentID, userID string, reputation int, text string) *moderation.ContentInput {
	return &moderation.ContentInput{
		ID:             contentID,
		Type:           moderation.ContentPost,
		Text:           text,
		UserID:         userID,
		UserReputation: reputation,
	}
}

func harassmentPolicy(threshold float64, action moderation.Action) moderation.Policy {
	return moderation.Policy{
		Category:            moderation.CategoryHarassment,
		Severity:            moderation.SeverityMedium,
		ConfidenceThreshold: threshold,
		Action:              action,
		ReputationModifier:  1.0,
		IsActive:            true,
	}
}
