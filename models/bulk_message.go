package models

import (
	"time"

	"gorm.io/gorm"
)

// BatchStatus is the lifecycle state of a bulk message batch.
// Once a batch is completed or failed it is never revisited by the dispatcher.
type BatchStatus string

const (
	BatchStatusQueued    BatchStatus = "queued"
	BatchStatusSending   BatchStatus = "sending"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// RecipientStatus is the delivery state of a single recipient row.
// Valid transitions: pending -> sending -> {sent | pending (retry) | failed}.
// sent, failed and skipped are terminal.
type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSending RecipientStatus = "sending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
	RecipientStatusSkipped RecipientStatus = "skipped"
)

// Send strategies
const (
	SendStrategyImmediate = "immediate"
	SendStrategyScheduled = "scheduled"
)

// RecipientFilter describes which users a bulk message targets. It is
// persisted on the batch as an audit snapshot of the original request.
type RecipientFilter struct {
	Roles         []string `json:"roles,omitempty"`
	PropertyIDs   []uint   `json:"property_ids,omitempty"`
	LeaseStatuses []string `json:"lease_statuses,omitempty"`
	Search        string   `json:"search,omitempty"`
}

// BulkMessageBatch is one bulk-send request. The resolved template body and
// the request snapshots are stored at queue time so later dispatch ticks can
// re-render without access to the original request.
type BulkMessageBatch struct {
	gorm.Model
	Title  string      `gorm:"not null" json:"title"`
	Body   string      `gorm:"not null" json:"body"`
	Status BatchStatus `gorm:"type:varchar(20);default:'queued';index" json:"status"`

	// Scheduling
	SendStrategy string     `gorm:"default:'immediate'" json:"send_strategy"` // immediate, scheduled
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Dispatch tuning, resolved from defaults at queue time
	ThrottlePerMinute int `gorm:"not null" json:"throttle_per_minute"`
	MaxRetries        int `gorm:"not null" json:"max_retries"`

	// Request snapshots
	FiltersSnapshot     *RecipientFilter  `gorm:"type:jsonb;serializer:json" json:"filters_snapshot,omitempty"`
	MergeFieldsSnapshot map[string]string `gorm:"type:jsonb;serializer:json" json:"merge_fields_snapshot,omitempty"`
	TemplateID          *uint             `json:"template_id,omitempty"`
	CreatorID           uint              `gorm:"index" json:"creator_id"`

	// Relations
	Recipients []BulkMessageRecipient `gorm:"foreignKey:BatchID" json:"recipients,omitempty"`
}

// Terminal reports whether the batch reached a final status.
func (b *BulkMessageBatch) Terminal() bool {
	return b.Status == BatchStatusCompleted || b.Status == BatchStatusFailed
}

// BulkMessageRecipient is one user's delivery record within a batch. The
// membership set is fixed at queue time; no late additions.
type BulkMessageRecipient struct {
	gorm.Model
	BatchID uint            `gorm:"not null;index" json:"batch_id"`
	UserID  uint            `gorm:"not null;index" json:"user_id"`
	Status  RecipientStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`

	Attempts        int               `gorm:"default:0" json:"attempts"`
	MergeVariables  map[string]string `gorm:"type:jsonb;serializer:json" json:"merge_variables,omitempty"`
	RenderedContent string            `json:"rendered_content,omitempty"`
	MessageID       string            `json:"message_id,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	LastAttemptAt   *time.Time        `json:"last_attempt_at,omitempty"`
	NextAttemptAt   *time.Time        `json:"next_attempt_at,omitempty"`
}

// BatchSummary aggregates recipient statuses for reporting. "failed" folds in
// skipped rows, "pending" folds in rows currently marked sending.
type BatchSummary struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}
