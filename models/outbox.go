package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lwhitworth8/ngi-capital-backend/utils"
	"gorm.io/gorm"
)

// ApprovalEventRecord implements the transactional outbox for approval and
// execution events: the row is written inside the caller's DB transaction and
// published asynchronously by the dispatcher after commit.
type ApprovalEventRecord struct {
	ID               int        `gorm:"primary_key" json:"id"`
	EntityId         string     `gorm:"size:64;index;not null" json:"entity_id"`
	EventType        string     `gorm:"size:64;not null;index" json:"event_type"`
	SubjectKind      string     `gorm:"size:20;not null" json:"subject_kind"`
	Reference        string     `gorm:"size:64;not null" json:"reference"`
	ActorEmail       string     `gorm:"size:255" json:"actor_email"`
	OccurredAt       time.Time  `gorm:"not null" json:"occurred_at"`
	Payload          []byte     `gorm:"type:json" json:"payload"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index" json:"publish_status"`
	PublishAttempts  int        `gorm:"default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:64" json:"pub_sub_message_id"`
	CorrelationId    string     `gorm:"size:64" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EmitApprovalEvent appends an outbox row inside the caller's transaction.
// It never publishes directly; delivery is the dispatcher's job.
func EmitApprovalEvent(ctx context.Context, tx *gorm.DB, entityId, eventType string, subject ApprovalSubject, actorEmail string, payload interface{}) error {
	var payloadJSON []byte
	var err error
	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	record := ApprovalEventRecord{
		EntityId:      entityId,
		EventType:     eventType,
		SubjectKind:   string(subject.Kind),
		Reference:     subject.Reference,
		ActorEmail:    actorEmail,
		OccurredAt:    time.Now().UTC(),
		Payload:       payloadJSON,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
