package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// ProcessedEvent is the idempotency ledger for webhook ingestion.
// (configuration_id, event_id) unique; the first writer wins and concurrent
// duplicates observe "already processed".
type ProcessedEvent struct {
	ID              int64     `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	ConfigurationID int64     `json:"configuration_id" gorm:"column:configuration_id;uniqueIndex:idx_processed_config_event" validate:"required"`
	EventID         string    `json:"event_id" gorm:"column:event_id;uniqueIndex:idx_processed_config_event;type:text" validate:"required"`
	EventKind       string    `json:"event_kind,omitempty" gorm:"column:event_kind;type:text"`
	ProcessedAt     time.Time `json:"processed_at" gorm:"column:processed_at;autoCreateTime;index"`
}

// TableName specifies the table name for the ProcessedEvent model, respecting the Namer.
func (ProcessedEvent) TableName(namer schema.Namer) string {
	return namer.TableName("processed_events")
}
