package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/signalworks/insight/internal/pricing"
	"gorm.io/datatypes"
)

// JobStatus is the analysis job lifecycle state. Transitions are monotonic:
// pending -> processing -> done | failed, terminal states are final.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

var (
	ErrJobNotFound  = errors.New("analysis_job_not_found")
	ErrInvalidInput = errors.New("invalid_analysis_input")
	// ErrRefundFailure means a failed job could not be compensated; the
	// account was debited for work that neither completed nor refunded.
	ErrRefundFailure = errors.New("refund_failure")
)

// AnalysisJob tracks one priced unit of analysis work.
type AnalysisJob struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	AccountID     snowflake.ID   `gorm:"not null;index" json:"account_id"`
	Mode          pricing.Mode   `gorm:"type:text;not null" json:"mode"`
	Provider      string         `gorm:"type:text;not null" json:"provider"`
	Model         string         `gorm:"type:text;not null" json:"model"`
	TextLength    int            `gorm:"not null" json:"text_length"`
	ImageCount    int            `gorm:"not null" json:"image_count"`
	Status        JobStatus      `gorm:"type:text;not null;index" json:"status"`
	Result        datatypes.JSON `gorm:"type:jsonb" json:"result,omitempty"`
	TokensUsed    int64          `gorm:"not null" json:"tokens_used"`
	CostCredits   int64          `gorm:"not null" json:"cost_credits"`
	DebitTxID     snowflake.ID   `gorm:"not null" json:"-"`
	RefundTxID    *snowflake.ID  `json:"-"`
	FailureReason *string        `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (AnalysisJob) TableName() string { return "analysis_jobs" }

// Terminal reports whether the status allows no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}
