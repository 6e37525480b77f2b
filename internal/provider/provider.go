package provider

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
)

// MessageReceipt is the normalized result of a send operation.
type MessageReceipt struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ContactPage is one page of remote contacts plus the cursor for the next
// page. An empty NextCursor means the provider reported no further pages.
type ContactPage struct {
	Contacts   []model.Contact
	NextCursor string
}

// GroupPage is one page of remote groups.
type GroupPage struct {
	Groups     []model.Group
	NextCursor string
}

// MessagePage is one page of remote messages.
type MessagePage struct {
	Messages   []model.Message
	NextCursor string
}

// Adapter is the fixed capability contract every provider implements.
// Methods are side-effect-only at the provider boundary: adapters never touch
// local persistence. Field names and error codes are normalized into the
// shared entity shapes and the apperrors taxonomy.
//
// Entities returned by fetch methods carry provider identifiers only; the
// caller stamps the owning ConfigurationID before persisting.
type Adapter interface {
	// Kind returns the provider kind this adapter speaks.
	Kind() string

	// SendText delivers a text message. Fails with ErrAuth, ErrRateLimited,
	// ErrInvalidRecipient or ErrTransient.
	SendText(ctx context.Context, to, body string) (*MessageReceipt, error)

	// SendMedia delivers a media message. Same error kinds as SendText plus
	// ErrPayloadTooLarge.
	SendMedia(ctx context.Context, to string, media []byte, filename, mediaType, caption string) (*MessageReceipt, error)

	// FetchContacts returns one page of contacts starting at cursor.
	// An empty cursor starts from the beginning.
	FetchContacts(ctx context.Context, cursor string, pageSize int) (*ContactPage, error)

	// FetchGroups returns one page of groups starting at cursor.
	FetchGroups(ctx context.Context, cursor string, pageSize int) (*GroupPage, error)

	// FetchMessages returns one page of messages. chatScope restricts the
	// fetch to a single chat when non-empty.
	FetchMessages(ctx context.Context, chatScope, cursor string, pageSize int) (*MessagePage, error)

	// FetchGroupMembers returns the current member list of a group.
	FetchGroupMembers(ctx context.Context, groupID string) ([]model.GroupMember, error)

	// CreateGroup creates a group with the given participants.
	CreateGroup(ctx context.Context, name string, participants []string) (*model.Group, error)

	// RemoveMember removes a contact from a group.
	RemoveMember(ctx context.Context, groupID, contactID string) error

	// CheckContacts reports, per phone number, whether it exists on WhatsApp.
	CheckContacts(ctx context.Context, phones []string) (map[string]bool, error)

	// HealthCheck probes provider connectivity.
	HealthCheck(ctx context.Context) error

	// SignatureHeader returns the HTTP header carrying the webhook signature.
	SignatureHeader() string

	// ValidateWebhookSignature checks the provider signature scheme over the
	// raw request body using the configuration's shared secret.
	ValidateWebhookSignature(rawBody []byte, headerSignature, secret string) bool

	// ParseWebhookEvents maps a provider webhook body into normalized events.
	ParseWebhookEvents(rawBody []byte) ([]model.NormalizedEvent, error)
}
