package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
)

// ConfigurationRepository resolves provider configurations.
type ConfigurationRepository interface {
	FindConfigurationByID(ctx context.Context, id int64) (*model.Configuration, error)
	FindConfigurationByChannel(ctx context.Context, provider, channelID string) (*model.Configuration, error)
	ListActiveConfigurations(ctx context.Context) ([]model.Configuration, error)
	SaveConfiguration(ctx context.Context, cfg *model.Configuration) error
	FlagConfigurationAttention(ctx context.Context, id int64, needsAttention bool) error
}

// ContactRepository persists synced and webhook-sourced contacts.
type ContactRepository interface {
	BulkUpsertContacts(ctx context.Context, contacts []model.Contact) (int64, error)
	FindContactByContactID(ctx context.Context, configID int64, contactID string) (*model.Contact, error)
}

// GroupRepository persists groups and group membership.
type GroupRepository interface {
	BulkUpsertGroups(ctx context.Context, groups []model.Group) (int64, error)
	BulkUpsertGroupMembers(ctx context.Context, members []model.GroupMember) (int64, error)
	DeactivateGroupMember(ctx context.Context, configID int64, groupID, contactID string) error
	ListActiveGroupIDs(ctx context.Context, configID int64) ([]string, error)
}

// MessageRepository persists messages from both the sync and webhook paths.
type MessageRepository interface {
	BulkUpsertMessages(ctx context.Context, messages []model.Message) (int64, error)
	InsertMessageIfNew(ctx context.Context, message *model.Message) (bool, error)
	UpdateMessageStatus(ctx context.Context, configID int64, messageID, status string, statusTimestamp int64) error
}

// CursorRepository persists incremental sync progress.
type CursorRepository interface {
	GetCursor(ctx context.Context, configID int64, resource model.ResourceType) (string, error)
	AdvanceCursor(ctx context.Context, configID int64, resource model.ResourceType, cursor string) error
}

// EventRepository is the idempotency ledger for webhook ingestion.
type EventRepository interface {
	MarkEventProcessed(ctx context.Context, event *model.ProcessedEvent) (bool, error)
}

// AuditRepository stores operation outcomes. Append-only plus retention.
type AuditRepository interface {
	InsertAuditLog(ctx context.Context, entry *model.AuditLogEntry) error
	AuditSummary(ctx context.Context, configID int64, since time.Time) (*model.AuditSummary, error)
	PurgeAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	LastSyncOutcome(ctx context.Context, configID int64) (*model.AuditLogEntry, error)
}

// Repository is the full persistence surface of the gateway.
type Repository interface {
	ConfigurationRepository
	ContactRepository
	GroupRepository
	MessageRepository
	CursorRepository
	EventRepository
	AuditRepository
	Close(ctx context.Context) error
}
