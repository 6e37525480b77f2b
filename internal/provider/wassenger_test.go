package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
)

func newWassengerTestServer(t *testing.T, handler http.HandlerFunc) *WassengerAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewWassengerAdapter("test-token", "dev-1", server.URL, server.Client())
}

func TestWassengerSendText(t *testing.T) {
	adapter := newWassengerTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("Token"))

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "628123456789", payload["phone"])
		assert.Equal(t, "hello", payload["message"])

		_, _ = w.Write([]byte(`{"id":"internal-1","waId":"wamid.was","createdAt":1735000000}`))
	})

	receipt, err := adapter.SendText(context.Background(), "628123456789", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.was", receipt.MessageID)
	assert.Equal(t, model.MessageStatusSent, receipt.Status)
}

func TestWassengerSendTextAuthError(t *testing.T) {
	adapter := newWassengerTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
	})
	_, err := adapter.SendText(context.Background(), "628123456789", "hello")
	assert.ErrorIs(t, err, apperrors.ErrAuth)
}

func TestWassengerFetchContactsPaging(t *testing.T) {
	adapter := newWassengerTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices/dev-1/contacts", r.URL.Path)
		switch r.URL.Query().Get("page") {
		case "0":
			_, _ = w.Write([]byte(`[{"wid":"628111@s.whatsapp.net","phone":"628111","name":"Alice"},{"phone":"628222","displayName":"Bob"}]`))
		case "1":
			_, _ = w.Write([]byte(`[]`))
		default:
			t.Fatalf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})

	ctx := context.Background()

	first, err := adapter.FetchContacts(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Contacts, 2)
	assert.Equal(t, "1", first.NextCursor)
	assert.Equal(t, "628111@s.whatsapp.net", first.Contacts[0].ContactID)
	assert.Equal(t, "628222@s.whatsapp.net", first.Contacts[1].ContactID, "wid falls back to phone")

	second, err := adapter.FetchContacts(ctx, first.NextCursor, 2)
	require.NoError(t, err)
	assert.Empty(t, second.Contacts)
	assert.Empty(t, second.NextCursor)
}

func TestWassengerFetchGroupMembers(t *testing.T) {
	adapter := newWassengerTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices/dev-1/groups/g1", r.URL.Path)
		_, _ = w.Write([]byte(`{"wid":"g1","name":"Team","participants":[{"wid":"628111@s.whatsapp.net","isAdmin":true},{"wid":"628222@s.whatsapp.net"}]}`))
	})

	members, err := adapter.FetchGroupMembers(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.True(t, members[0].IsAdmin)
	assert.False(t, members[1].IsAdmin)
	assert.Equal(t, "g1", members[0].GroupID)
}

func TestWassengerRemoveMember(t *testing.T) {
	adapter := newWassengerTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/devices/dev-1/groups/g1/participants/628111@s.whatsapp.net", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, adapter.RemoveMember(context.Background(), "g1", "628111@s.whatsapp.net"))
}

func TestWassengerParseWebhookEvents(t *testing.T) {
	adapter := NewWassengerAdapter("tok", "dev-1", "", nil)

	t.Run("InboundMessage", func(t *testing.T) {
		body := []byte(`{"event":"message:in:new","data":{"wid":"m1","chat":"c1","fromNumber":"628111","flow":"inbound","body":"hey","type":"text","createdAt":1735000001}}`)
		events, err := adapter.ParseWebhookEvents(body)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.EventKindMessage, events[0].Kind)
		require.NotNil(t, events[0].Message)
		assert.Equal(t, model.MessageFlowIncoming, events[0].Message.Flow)
		assert.Equal(t, "hey", events[0].Message.Body)
	})

	t.Run("Ack", func(t *testing.T) {
		body := []byte(`{"event":"message:out:ack","data":{"wid":"m2","ack":"delivered","deliveredAt":1735000002}}`)
		events, err := adapter.ParseWebhookEvents(body)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.EventKindMessageStatus, events[0].Kind)
		require.NotNil(t, events[0].Status)
		assert.Equal(t, model.MessageStatusDelivered, events[0].Status.Status)
	})

	t.Run("Failed", func(t *testing.T) {
		body := []byte(`{"event":"message:out:failed","data":{"wid":"m3","ack":"error"}}`)
		events, err := adapter.ParseWebhookEvents(body)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.MessageStatusFailed, events[0].Status.Status)
	})

	t.Run("UnknownEventSkipped", func(t *testing.T) {
		events, err := adapter.ParseWebhookEvents([]byte(`{"event":"device:battery","data":{}}`))
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry(nil, nil)

	t.Run("Whapi", func(t *testing.T) {
		cfg := model.NewConfiguration(func(c *model.Configuration) {
			c.Provider = model.ProviderWhapi
			c.Active = true
		})
		adapter, err := registry.Resolve(cfg)
		require.NoError(t, err)
		assert.Equal(t, model.ProviderWhapi, adapter.Kind())
	})

	t.Run("Wassenger", func(t *testing.T) {
		cfg := model.NewConfiguration(func(c *model.Configuration) {
			c.Provider = model.ProviderWassenger
			c.Active = true
		})
		adapter, err := registry.Resolve(cfg)
		require.NoError(t, err)
		assert.Equal(t, model.ProviderWassenger, adapter.Kind())
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		cfg := model.NewConfiguration(func(c *model.Configuration) {
			c.Provider = "telegram"
			c.Active = true
		})
		_, err := registry.Resolve(cfg)
		assert.ErrorIs(t, err, apperrors.ErrUnknownProvider)
	})

	t.Run("InactiveConfiguration", func(t *testing.T) {
		cfg := model.NewConfiguration(func(c *model.Configuration) {
			c.Provider = model.ProviderWhapi
			c.Active = false
		})
		_, err := registry.Resolve(cfg)
		assert.ErrorIs(t, err, apperrors.ErrConfigurationInactive)
	})

	t.Run("Kinds", func(t *testing.T) {
		assert.Equal(t, []string{model.ProviderWassenger, model.ProviderWhapi}, registry.Kinds())
		assert.True(t, registry.Supported(model.ProviderWhapi))
		assert.False(t, registry.Supported("telegram"))
	})
}
