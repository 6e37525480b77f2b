package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Provider kinds known to the registry.
const (
	ProviderWhapi     = "whapi"
	ProviderWassenger = "wassenger"
)

// Configuration binds one credentialed provider account to the gateway.
// It is the ownership root for contacts, groups, messages and sync cursors.
type Configuration struct {
	ID             int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Name           string    `json:"name" gorm:"column:name;type:text" validate:"required"`
	Provider       string    `json:"provider" gorm:"column:provider;type:text;uniqueIndex:idx_configurations_provider_channel" validate:"required"`
	Token          string    `json:"-" gorm:"column:token;type:text" validate:"required"`
	WebhookSecret  string    `json:"-" gorm:"column:webhook_secret;type:text"`
	ChannelID      string    `json:"channel_id,omitempty" gorm:"column:channel_id;type:text;uniqueIndex:idx_configurations_provider_channel"`
	OwnerScope     string    `json:"owner_scope,omitempty" gorm:"column:owner_scope;type:text;index"`
	Active         bool      `json:"active" gorm:"column:active;default:true"`
	NeedsAttention bool      `json:"needs_attention,omitempty" gorm:"column:needs_attention;default:false"`
	CreatedAt      time.Time `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for the Configuration model, respecting the Namer.
func (Configuration) TableName(namer schema.Namer) string {
	return namer.TableName("configurations")
}

// GetUpdatableFields returns the column names that may change on conflict.
// Excludes the primary key, the (provider, channel_id) conflict target and
// created_at.
func (c *Configuration) GetUpdatableFields() []string {
	return []string{
		"name", "token", "webhook_secret",
		"owner_scope", "active", "needs_attention", "updated_at",
	}
}
