package model

// Webhook event envelope kinds after normalization.
type EventKind string

const (
	EventKindMessage       EventKind = "message"
	EventKindMessageStatus EventKind = "message_status"
	EventKindContact       EventKind = "contact"
	EventKindGroup         EventKind = "group"
)

// StatusUpdate carries a delivery status transition for an existing message.
type StatusUpdate struct {
	MessageID string `json:"message_id" validate:"required"`
	Status    string `json:"status" validate:"required"`
	Timestamp int64  `json:"timestamp"`
}

// NormalizedEvent is one provider event mapped into the shared entity shapes.
// EventID is the provider event id used to derive the idempotency key.
// Exactly one of the entity pointers is set, matching Kind.
type NormalizedEvent struct {
	Kind    EventKind     `json:"kind"`
	EventID string        `json:"event_id"`
	ChatID  string        `json:"chat_id,omitempty"`
	Message *Message      `json:"message,omitempty"`
	Status  *StatusUpdate `json:"status,omitempty"`
	Contact *Contact      `json:"contact,omitempty"`
	Group   *Group        `json:"group,omitempty"`
}
