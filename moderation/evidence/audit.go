package evidence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorModerator ActorType = "moderator"
	ActorSystem    ActorType = "system"
)

// Action types recorded in the audit trail.
const (
	ActionScan          = "scan"
	ActionDecision      = "decision"
	ActionEvidenceStore = "evidence_store"
	ActionOverride      = "override"
)

// One append-only audit trail entry. Entries are never updated or deleted;
// corrections are new entries whose Reasoning references the original ID.
type AuditLogEntry struct {
	ID         string    `json:"id"`
	CaseID     string    `json:"caseId"`
	ActionType string    `json:"actionType"`
	ActorID    string    `json:"actorId"`
	ActorType  ActorType `json:"actorType"`
	Reasoning  string    `json:"reasoning"`
	StorageRef string    `json:"storageRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type AuditQuery struct {
	CaseID     string
	ActorID    string
	ActionType string
	Limit      int
}

// Append-only audit boundary. Implementations must return a case's entries
// in CreatedAt order and must never reorder or rewrite history.
type AuditStore interface {
	Append(ctx context.Context, entry AuditLogEntry) (string, error)
	Query(ctx context.Context, q AuditQuery) ([]AuditLogEntry, error)
}

type MemAuditStore struct {
	mu      sync.RWMutex
	entries []AuditLogEntry
}

func NewMemAuditStore() *MemAuditStore {
	return &MemAuditStore{}
}

var _ AuditStore = (*MemAuditStore)(nil)

func (s *MemAuditStore) Append(ctx context.Context, entry AuditLogEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	auditAppendCount.WithLabelValues(entry.ActionType).Inc()
	return entry.ID, nil
}

func (s *MemAuditStore) Query(ctx context.Context, q AuditQuery) ([]AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditLogEntry
	for _, e := range s.entries {
		if q.CaseID != "" && e.CaseID != q.CaseID {
			continue
		}
		if q.ActorID != "" && e.ActorID != q.ActorID {
			continue
		}
		if q.ActionType != "" && e.ActionType != q.ActionType {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
