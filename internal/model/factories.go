package model

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/datatypes"
)

// Test data factories. Overrides mutate the generated value before return.

// NewConfiguration generates a Configuration with fake but plausible values.
func NewConfiguration(overrides ...func(*Configuration)) *Configuration {
	cfg := &Configuration{
		ID:            int64(gofakeit.Number(1, 1_000_000)),
		Name:          gofakeit.Company(),
		Provider:      ProviderWhapi,
		Token:         gofakeit.UUID(),
		WebhookSecret: gofakeit.UUID(),
		ChannelID:     fmt.Sprintf("channel-%s", gofakeit.LetterN(8)),
		Active:        true,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	for _, o := range overrides {
		o(cfg)
	}
	return cfg
}

// NewContact generates a Contact owned by configID.
func NewContact(configID int64, overrides ...func(*Contact)) *Contact {
	phone := gofakeit.Phone()
	c := &Contact{
		ConfigurationID: configID,
		ContactID:       phone + "@s.whatsapp.net",
		PhoneNumber:     phone,
		DisplayName:     gofakeit.Name(),
		PushName:        gofakeit.FirstName(),
		Active:          true,
		RemoteTimestamp: time.Now().Unix(),
		SyncedAt:        time.Now().UTC(),
	}
	for _, o := range overrides {
		o(c)
	}
	return c
}

// NewGroup generates a Group owned by configID.
func NewGroup(configID int64, overrides ...func(*Group)) *Group {
	id := gofakeit.LetterN(12)
	g := &Group{
		ConfigurationID: configID,
		GroupID:         id,
		WireID:          id + "@g.us",
		Name:            gofakeit.BookTitle(),
		Active:          true,
		RemoteTimestamp: time.Now().Unix(),
		SyncedAt:        time.Now().UTC(),
	}
	for _, o := range overrides {
		o(g)
	}
	return g
}

// NewMessage generates a Message owned by configID.
func NewMessage(configID int64, overrides ...func(*Message)) *Message {
	m := &Message{
		ConfigurationID:  configID,
		MessageID:        gofakeit.UUID(),
		ChatID:           gofakeit.Phone() + "@s.whatsapp.net",
		FromContactID:    gofakeit.Phone(),
		Body:             gofakeit.Sentence(6),
		MessageType:      MessageTypeText,
		Flow:             MessageFlowIncoming,
		Status:           MessageStatusDelivered,
		MessageTimestamp: time.Now().Unix(),
		SyncedAt:         time.Now().UTC(),
		LastMetadata:     datatypes.JSON([]byte(`{}`)),
	}
	for _, o := range overrides {
		o(m)
	}
	return m
}
