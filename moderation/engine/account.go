package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/countstore"
)

// AccountRecord is what the platform's account service knows about a user.
type AccountRecord struct {
	UserID    string
	CreatedAt time.Time
}

// AccountDirectory resolves user IDs against the platform's account service.
// Lookups happen on every moderation pass, so implementations should cache.
type AccountDirectory interface {
	Lookup(ctx context.Context, userID string) (*AccountRecord, error)
}

// AccountMeta is the per-user context the decision engine works from.
type AccountMeta struct {
	UserID           string
	Reputation       int
	AccountAgeDays   int
	RecentViolations int
}

// NewAccount reports whether the account is younger than the configured
// new-account window.
func (m *AccountMeta) NewAccount(windowDays int) bool {
	return m.AccountAgeDays < windowDays
}

func (eng *Engine) accountMeta(ctx context.Context, input *moderation.ContentInput) (*AccountMeta, error) {
	meta := &AccountMeta{
		UserID:     input.UserID,
		Reputation: input.UserReputation,
	}

	rec, err := eng.Directory.Lookup(ctx, input.UserID)
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if rec == nil {
		// Unknown accounts get treated as brand new.
		eng.Logger.Warn("account not found in directory, treating as new", "userID", input.UserID)
	} else {
		meta.AccountAgeDays = int(time.Since(rec.CreatedAt).Hours() / 24)
	}

	violations, err := eng.Counters.GetCount(ctx, countstore.NameViolations, input.UserID, countstore.PeriodMonth)
	if err != nil {
		return nil, fmt.Errorf("violation count lookup failed: %w", err)
	}
	meta.RecentViolations = violations
	return meta, nil
}

// MockDirectory is a thread-safe in-memory AccountDirectory for testing and
// for running the daemon without a platform account service attached.
type MockDirectory struct {
	mu      sync.RWMutex
	records map[string]AccountRecord
}

func NewMockDirectory() *MockDirectory {
	return &MockDirectory{records: make(map[string]AccountRecord)}
}

func (d *MockDirectory) Insert(rec AccountRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[rec.UserID] = rec
}

func (d *MockDirectory) Lookup(ctx context.Context, userID string) (*AccountRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if rec, ok := d.records[userID]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

var _ AccountDirectory = (*MockDirectory)(nil)
