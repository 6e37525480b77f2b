package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Message direction relative to the gateway.
const (
	MessageFlowIncoming = "IN"
	MessageFlowOutgoing = "OUT"
)

// Message content types normalized across providers.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeDocument = "document"
	MessageTypeAudio    = "audio"
)

// Delivery statuses normalized across providers.
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// Message represents a single inbound or outbound message owned by one
// Configuration. (configuration_id, message_id) unique — this is the
// idempotency anchor for both sync and webhook ingestion.
type Message struct {
	ID               int64          `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	ConfigurationID  int64          `json:"configuration_id" gorm:"column:configuration_id;uniqueIndex:idx_messages_config_message;index" validate:"required"`
	MessageID        string         `json:"id" gorm:"column:message_id;uniqueIndex:idx_messages_config_message;type:text" validate:"required"`
	ChatID           string         `json:"chat_id,omitempty" gorm:"column:chat_id;type:text;index"`
	FromContactID    string         `json:"from,omitempty" gorm:"column:from_contact_id;type:text;index"`
	Body             string         `json:"body,omitempty" gorm:"column:body;type:text"`
	MessageType      string         `json:"message_type,omitempty" gorm:"column:message_type;type:text"`
	Flow             string         `json:"flow,omitempty" gorm:"column:flow;type:text"`
	Status           string         `json:"status,omitempty" gorm:"column:status;type:text"`
	MessageTimestamp int64          `json:"message_timestamp,omitempty" gorm:"column:message_timestamp;index"`
	SyncedAt         time.Time      `json:"synced_at,omitempty" gorm:"column:synced_at"`
	CreatedAt        time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
	LastMetadata     datatypes.JSON `json:"last_metadata,omitempty" gorm:"type:jsonb;column:last_metadata"`
}

// TableName specifies the table name for the Message model, respecting the Namer.
func (Message) TableName(namer schema.Namer) string {
	return namer.TableName("messages")
}

// GetUpdatableFields returns the column names that may change during an
// ON CONFLICT clause.
func (m *Message) GetUpdatableFields() []string {
	return []string{
		"chat_id", "from_contact_id", "body", "message_type", "flow",
		"status", "message_timestamp", "synced_at", "updated_at", "last_metadata",
	}
}
