package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// ResourceType identifies one syncable resource class.
type ResourceType string

const (
	ResourceContacts ResourceType = "contacts"
	ResourceGroups   ResourceType = "groups"
	ResourceMessages ResourceType = "messages"
	ResourceMembers  ResourceType = "members"
)

// AllResources lists the resource types in the order a full sync visits them.
// Groups before members so membership rows always reference a known group.
func AllResources() []ResourceType {
	return []ResourceType{ResourceContacts, ResourceGroups, ResourceMembers, ResourceMessages}
}

// SyncCursor records how far incremental sync has progressed for one
// (Configuration, resource). The cursor value is opaque to the engine;
// adapters define its encoding. Monotonically non-decreasing.
type SyncCursor struct {
	ID              int64     `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	ConfigurationID int64     `json:"configuration_id" gorm:"column:configuration_id;uniqueIndex:idx_cursors_config_resource" validate:"required"`
	Resource        string    `json:"resource" gorm:"column:resource;uniqueIndex:idx_cursors_config_resource;type:text" validate:"required"`
	Cursor          string    `json:"cursor" gorm:"column:cursor;type:text"`
	UpdatedAt       time.Time `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
	CreatedAt       time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for the SyncCursor model, respecting the Namer.
func (SyncCursor) TableName(namer schema.Namer) string {
	return namer.TableName("sync_cursors")
}
