package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Contact represents a remote WhatsApp identity owned by one Configuration.
// (configuration_id, contact_id) is the dedup anchor shared by sync and
// webhook writes.
type Contact struct {
	ID              int64          `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	ConfigurationID int64          `json:"configuration_id" gorm:"column:configuration_id;uniqueIndex:idx_contacts_config_contact;index" validate:"required"`
	ContactID       string         `json:"id" gorm:"column:contact_id;uniqueIndex:idx_contacts_config_contact;type:text" validate:"required"`
	PhoneNumber     string         `json:"phone_number,omitempty" gorm:"column:phone_number;type:text;index"`
	DisplayName     string         `json:"display_name,omitempty" gorm:"column:display_name;type:text"`
	PushName        string         `json:"push_name,omitempty" gorm:"column:push_name;type:text"`
	Active          bool           `json:"active,omitempty" gorm:"column:active;default:true"`
	RemoteTimestamp int64          `json:"remote_timestamp,omitempty" gorm:"column:remote_timestamp"`
	SyncedAt        time.Time      `json:"synced_at,omitempty" gorm:"column:synced_at"`
	CreatedAt       time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
	LastMetadata    datatypes.JSON `json:"last_metadata,omitempty" gorm:"type:jsonb;column:last_metadata"`
}

// TableName specifies the table name for the Contact model, respecting the Namer.
func (Contact) TableName(namer schema.Namer) string {
	return namer.TableName("contacts")
}

// GetUpdatableFields returns the column names that may change during an
// ON CONFLICT clause. Excludes the primary key, the conflict target and
// created_at.
func (c *Contact) GetUpdatableFields() []string {
	return []string{
		"phone_number", "display_name", "push_name", "active",
		"remote_timestamp", "synced_at", "updated_at", "last_metadata",
	}
}
