package evidence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Relational audit record. Append-only at the application level: this store
// exposes no update or delete path.
type auditRecord struct {
	ID         string `gorm:"primarykey"`
	CaseID     string `gorm:"index"`
	ActionType string `gorm:"index"`
	ActorID    string `gorm:"index"`
	ActorType  string
	Reasoning  string
	StorageRef string
	CreatedAt  time.Time `gorm:"index"`
}

func (auditRecord) TableName() string {
	return "audit_log"
}

type GormAuditStore struct {
	db *gorm.DB
}

func NewGormAuditStore(db *gorm.DB) (*GormAuditStore, error) {
	if err := db.AutoMigrate(&auditRecord{}); err != nil {
		return nil, err
	}
	return &GormAuditStore{db: db}, nil
}

var _ AuditStore = (*GormAuditStore)(nil)

func (s *GormAuditStore) Append(ctx context.Context, entry AuditLogEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	rec := auditRecord{
		ID:         entry.ID,
		CaseID:     entry.CaseID,
		ActionType: entry.ActionType,
		ActorID:    entry.ActorID,
		ActorType:  string(entry.ActorType),
		Reasoning:  entry.Reasoning,
		StorageRef: entry.StorageRef,
		CreatedAt:  entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", err
	}
	auditAppendCount.WithLabelValues(entry.ActionType).Inc()
	return entry.ID, nil
}

func (s *GormAuditStore) Query(ctx context.Context, q AuditQuery) ([]AuditLogEntry, error) {
	tx := s.db.WithContext(ctx).Model(&auditRecord{})
	if q.CaseID != "" {
		tx = tx.Where("case_id = ?", q.CaseID)
	}
	if q.ActorID != "" {
		tx = tx.Where("actor_id = ?", q.ActorID)
	}
	if q.ActionType != "" {
		tx = tx.Where("action_type = ?", q.ActionType)
	}
	tx = tx.Order("created_at asc")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var recs []auditRecord
	if err := tx.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]AuditLogEntry, len(recs))
	for i, rec := range recs {
		out[i] = AuditLogEntry{
			ID:         rec.ID,
			CaseID:     rec.CaseID,
			ActionType: rec.ActionType,
			ActorID:    rec.ActorID,
			ActorType:  ActorType(rec.ActorType),
			Reasoning:  rec.Reasoning,
			StorageRef: rec.StorageRef,
			CreatedAt:  rec.CreatedAt,
		}
	}
	return out, nil
}
