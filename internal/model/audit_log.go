package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Audit operation kinds.
const (
	OpSendText       = "send_text"
	OpSendMedia      = "send_media"
	OpCreateGroup    = "create_group"
	OpRemoveMember   = "remove_member"
	OpFetchContacts  = "fetch_contacts"
	OpFetchGroups    = "fetch_groups"
	OpFetchMessages  = "fetch_messages"
	OpFetchMembers   = "fetch_members"
	OpCheckContacts  = "check_contacts"
	OpHealthCheck    = "health_check"
	OpProcessWebhook = "process_webhook"
	OpSyncRun        = "sync_run"
)

// AuditLogEntry is an immutable record of one operation outcome. Append-only:
// the repository exposes no update or delete beyond retention cleanup.
type AuditLogEntry struct {
	ID              int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	RequestID       string    `json:"request_id,omitempty" gorm:"column:request_id;type:text;index"`
	Operation       string    `json:"operation" gorm:"column:operation;type:text;index" validate:"required"`
	Provider        string    `json:"provider,omitempty" gorm:"column:provider;type:text;index"`
	ConfigurationID int64     `json:"configuration_id,omitempty" gorm:"column:configuration_id;index"`
	Actor           string    `json:"actor,omitempty" gorm:"column:actor;type:text"`
	Success         bool      `json:"success" gorm:"column:success;index"`
	Attempt         int       `json:"attempt,omitempty" gorm:"column:attempt"`
	ResponseTimeMs  float64   `json:"response_time_ms,omitempty" gorm:"column:response_time_ms"`
	ErrorCode       string    `json:"error_code,omitempty" gorm:"column:error_code;type:text"`
	ErrorMessage    string    `json:"error_message,omitempty" gorm:"column:error_message;type:text"`
	Timestamp       time.Time `json:"timestamp" gorm:"column:timestamp;index;autoCreateTime"`
}

// TableName specifies the table name for the AuditLogEntry model, respecting the Namer.
func (AuditLogEntry) TableName(namer schema.Namer) string {
	return namer.TableName("audit_log_entries")
}

// AuditSummary aggregates audit outcomes for monitoring reads.
type AuditSummary struct {
	Total         int64   `json:"total"`
	Succeeded     int64   `json:"succeeded"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	LastErrorCode string  `json:"last_error_code,omitempty"`
}
