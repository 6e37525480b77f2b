package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Group represents a remote chat group owned by one Configuration.
// (configuration_id, group_id) unique.
type Group struct {
	ID              int64          `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	ConfigurationID int64          `json:"configuration_id" gorm:"column:configuration_id;uniqueIndex:idx_groups_config_group;index" validate:"required"`
	GroupID         string         `json:"id" gorm:"column:group_id;uniqueIndex:idx_groups_config_group;type:text" validate:"required"`
	WireID          string         `json:"wire_id,omitempty" gorm:"column:wire_id;type:text;index"`
	Name            string         `json:"name,omitempty" gorm:"column:name;type:text"`
	Description     string         `json:"description,omitempty" gorm:"column:description;type:text"`
	InviteLink      string         `json:"invite_link,omitempty" gorm:"column:invite_link;type:text"`
	Active          bool           `json:"active,omitempty" gorm:"column:active;default:true"`
	RemoteTimestamp int64          `json:"remote_timestamp,omitempty" gorm:"column:remote_timestamp"`
	SyncedAt        time.Time      `json:"synced_at,omitempty" gorm:"column:synced_at"`
	CreatedAt       time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
	LastMetadata    datatypes.JSON `json:"last_metadata,omitempty" gorm:"type:jsonb;column:last_metadata"`
}

// TableName specifies the table name for the Group model, respecting the Namer.
func (Group) TableName(namer schema.Namer) string {
	return namer.TableName("groups")
}

// GetUpdatableFields returns the column names that may change during an
// ON CONFLICT clause.
func (g *Group) GetUpdatableFields() []string {
	return []string{
		"wire_id", "name", "description", "invite_link", "active",
		"remote_timestamp", "synced_at", "updated_at", "last_metadata",
	}
}

// GroupMember links a Contact to a Group by provider identifiers.
// (configuration_id, group_id, contact_id) unique.
type GroupMember struct {
	ID              int64     `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	ConfigurationID int64     `json:"configuration_id" gorm:"column:configuration_id;uniqueIndex:idx_members_config_group_contact;index" validate:"required"`
	GroupID         string    `json:"group_id" gorm:"column:group_id;uniqueIndex:idx_members_config_group_contact;type:text;index" validate:"required"`
	ContactID       string    `json:"contact_id" gorm:"column:contact_id;uniqueIndex:idx_members_config_group_contact;type:text;index" validate:"required"`
	IsAdmin         bool      `json:"is_admin,omitempty" gorm:"column:is_admin;default:false"`
	Active          bool      `json:"active,omitempty" gorm:"column:active;default:true"`
	SyncedAt        time.Time `json:"synced_at,omitempty" gorm:"column:synced_at"`
	CreatedAt       time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for the GroupMember model, respecting the Namer.
func (GroupMember) TableName(namer schema.Namer) string {
	return namer.TableName("group_members")
}

// GetUpdatableFields returns the column names that may change during an
// ON CONFLICT clause.
func (m *GroupMember) GetUpdatableFields() []string {
	return []string{"is_admin", "active", "synced_at", "updated_at"}
}
