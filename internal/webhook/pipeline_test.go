package webhook

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize("error"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeStore is an in-memory Store with first-writer-wins event claims.
type fakeStore struct {
	mu sync.Mutex

	configs map[string]*model.Configuration // keyed provider|channel

	claims    map[string]bool // keyed configID:eventID
	messages  []model.Message
	contacts  []model.Contact
	groups    []model.Group
	statusUps []string

	statusErr error
	claimErr  error
	insertErr error // consumed by the next InsertMessageIfNew
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs: make(map[string]*model.Configuration),
		claims:  make(map[string]bool),
	}
}

func (f *fakeStore) addConfig(cfg *model.Configuration) {
	f.configs[cfg.Provider+"|"+cfg.ChannelID] = cfg
}

func (f *fakeStore) FindConfigurationByID(_ context.Context, id int64) (*model.Configuration, error) {
	for _, cfg := range f.configs {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeStore) FindConfigurationByChannel(_ context.Context, providerKind, channelID string) (*model.Configuration, error) {
	cfg, ok := f.configs[providerKind+"|"+channelID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeStore) ListActiveConfigurations(context.Context) ([]model.Configuration, error) {
	return nil, nil
}

func (f *fakeStore) SaveConfiguration(context.Context, *model.Configuration) error { return nil }

func (f *fakeStore) FlagConfigurationAttention(context.Context, int64, bool) error { return nil }

func (f *fakeStore) BulkUpsertContacts(_ context.Context, contacts []model.Contact) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, contacts...)
	return int64(len(contacts)), nil
}

func (f *fakeStore) FindContactByContactID(context.Context, int64, string) (*model.Contact, error) {
	return nil, apperrors.ErrNotFound
}

func (f *fakeStore) BulkUpsertGroups(_ context.Context, groups []model.Group) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, groups...)
	return int64(len(groups)), nil
}

func (f *fakeStore) BulkUpsertGroupMembers(_ context.Context, members []model.GroupMember) (int64, error) {
	return int64(len(members)), nil
}

func (f *fakeStore) DeactivateGroupMember(context.Context, int64, string, string) error { return nil }

func (f *fakeStore) ListActiveGroupIDs(context.Context, int64) ([]string, error) { return nil, nil }

func (f *fakeStore) BulkUpsertMessages(_ context.Context, messages []model.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, messages...)
	return int64(len(messages)), nil
}

func (f *fakeStore) InsertMessageIfNew(_ context.Context, message *model.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		err := f.insertErr
		f.insertErr = nil
		return false, err
	}
	for _, m := range f.messages {
		if m.ConfigurationID == message.ConfigurationID && m.MessageID == message.MessageID {
			return false, nil
		}
	}
	f.messages = append(f.messages, *message)
	return true, nil
}

func (f *fakeStore) UpdateMessageStatus(_ context.Context, configID int64, messageID, status string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statusUps = append(f.statusUps, fmt.Sprintf("%d:%s:%s", configID, messageID, status))
	return nil
}

func (f *fakeStore) MarkEventProcessed(_ context.Context, event *model.ProcessedEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	key := fmt.Sprintf("%d:%s", event.ConfigurationID, event.EventID)
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

// fakeForwarder captures forwarded events.
type fakeForwarder struct {
	mu     sync.Mutex
	events []model.NormalizedEvent
}

func (f *fakeForwarder) Forward(_ context.Context, _ string, _ int64, event *model.NormalizedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeForwarder) Close() {}

// fakeRecorder captures audit entries synchronously.
type fakeRecorder struct {
	mu      sync.Mutex
	entries []model.AuditLogEntry
}

func (f *fakeRecorder) Record(_ context.Context, entry model.AuditLogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeRecorder) Summary(context.Context, int64, time.Time) (*model.AuditSummary, error) {
	return nil, nil
}

func (f *fakeRecorder) LastSyncOutcome(context.Context, int64) (*model.AuditLogEntry, error) {
	return nil, nil
}

func (f *fakeRecorder) Stop() {}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *fakeStore
	fwd      *fakeForwarder
	recorder *fakeRecorder
	config   *model.Configuration
}

func newPipelineFixture(t *testing.T, cfg config.WebhookConfig) *pipelineFixture {
	t.Helper()

	store := newFakeStore()
	conf := &model.Configuration{
		ID:            7,
		Name:          "main line",
		Provider:      model.ProviderWhapi,
		Token:         "tok",
		WebhookSecret: "sekrit",
		ChannelID:     "CHAN-1",
		Active:        true,
	}
	store.addConfig(conf)

	fwd := &fakeForwarder{}
	rec := &fakeRecorder{}
	pipeline := NewPipeline(
		cfg,
		store,
		provider.NewRegistry(http.DefaultClient, nil),
		cache.NewStore(config.CacheConfig{ContactTTL: time.Minute, GroupTTL: time.Minute, MessageTTL: time.Minute, MemberTTL: time.Minute}),
		fwd,
		rec,
	)
	return &pipelineFixture{pipeline: pipeline, store: store, fwd: fwd, recorder: rec, config: conf}
}

func signedHeaders(body []byte, secret string) http.Header {
	h := http.Header{}
	h.Set("X-Webhook-Signature", utils.ComputeHMACSHA256(body, secret))
	return h
}

func TestPipelineAcceptsMessageEvent(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-1","chat_id":"628111@s.whatsapp.net","from":"628111","type":"text","text":{"body":"hello"},"timestamp":1700000000,"from_me":false}]}`)

	result, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "sekrit"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Zero(t, result.Failed)

	require.Len(t, fx.store.messages, 1)
	stored := fx.store.messages[0]
	assert.Equal(t, int64(7), stored.ConfigurationID, "configuration must be stamped before persisting")
	assert.Equal(t, "msg-1", stored.MessageID)
	assert.Equal(t, "hello", stored.Body)

	require.Len(t, fx.fwd.events, 1)
	assert.Equal(t, model.EventKindMessage, fx.fwd.events[0].Kind)

	require.NotEmpty(t, fx.recorder.entries)
	assert.Equal(t, model.OpProcessWebhook, fx.recorder.entries[0].Operation)
	assert.True(t, fx.recorder.entries[0].Success)
}

func TestPipelineIdempotentOnRedelivery(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-1","chat_id":"628111@s.whatsapp.net","from":"628111","type":"text","text":{"body":"hello"},"timestamp":1700000000}]}`)
	headers := signedHeaders(body, "sekrit")

	first, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, headers)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Accepted)

	second, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, headers)
	require.NoError(t, err)
	assert.Zero(t, second.Accepted)
	assert.Equal(t, 1, second.Duplicates)

	assert.Len(t, fx.store.messages, 1, "redelivery must not duplicate the message")
	assert.Len(t, fx.fwd.events, 1, "redelivery must not be forwarded again")
}

func TestPipelineDurableClaimWithoutSeenSet(t *testing.T) {
	// A replay arriving after the seen-set expired still dedupes through
	// the storage claim.
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-9","chat_id":"628111@s.whatsapp.net","type":"text","text":{"body":"hi"},"timestamp":1700000000}]}`)
	headers := signedHeaders(body, "sekrit")

	_, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, headers)
	require.NoError(t, err)

	fx.pipeline.seen.Flush()

	second, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, headers)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Duplicates)
	assert.Len(t, fx.store.messages, 1)
}

func TestPipelineRejectsForgedSignature(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-1","type":"text","text":{"body":"x"}}]}`)

	_, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "wrong-secret"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)

	assert.Empty(t, fx.store.messages, "no write may happen before the signature verifies")
	assert.Empty(t, fx.store.claims)
	assert.Empty(t, fx.fwd.events)
}

func TestPipelineRejectsMissingSignature(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})

	body := []byte(`{"channel_id":"CHAN-1"}`)
	_, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestPipelineUnroutableChannel(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})

	body := []byte(`{"messages":[]}`)
	_, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	body = []byte(`{"channel_id":"NO-SUCH-CHANNEL"}`)
	_, err = fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPipelineInactiveConfiguration(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	fx.config.Active = false

	body := []byte(`{"channel_id":"CHAN-1"}`)
	_, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "sekrit"))
	assert.ErrorIs(t, err, apperrors.ErrConfigurationInactive)
}

func TestPipelineStatusEventUpdatesMessage(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})

	body := []byte(`{"channel_id":"CHAN-1","statuses":[{"id":"msg-1","status":"read","timestamp":1700000100}]}`)
	result, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "sekrit"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, []string{"7:msg-1:read"}, fx.store.statusUps)
}

func TestPipelineStatusForUnknownMessageIsNotAnError(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	fx.store.statusErr = apperrors.ErrNotFound

	body := []byte(`{"channel_id":"CHAN-1","statuses":[{"id":"ghost","status":"delivered","timestamp":1700000100}]}`)
	result, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "sekrit"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Zero(t, result.Failed)
}

func TestPipelineGroupOnlyFilter(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute, GroupOnly: true})

	body := []byte(`{"channel_id":"CHAN-1","messages":[` +
		`{"id":"dm-1","chat_id":"628111@s.whatsapp.net","type":"text","text":{"body":"direct"},"timestamp":1700000000},` +
		`{"id":"grp-1","chat_id":"12036@g.us","type":"text","text":{"body":"group"},"timestamp":1700000000}]}`)

	result, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "sekrit"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Skipped)

	require.Len(t, fx.store.messages, 1)
	assert.Equal(t, "grp-1", fx.store.messages[0].MessageID)
}

func TestPipelineClaimFailureCountsAsFailed(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	fx.store.claimErr = apperrors.ErrDatabase

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-1","chat_id":"628111@s.whatsapp.net","type":"text","text":{"body":"x"},"timestamp":1700000000}]}`)
	result, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "sekrit"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDatabase)
	assert.Equal(t, 1, result.Failed)

	// The entity outlives the failed claim; the insert is keyed so the
	// redelivered event still converges on one row.
	assert.Len(t, fx.store.messages, 1)
	assert.Empty(t, fx.fwd.events)
}

func TestPipelinePersistFailureRetriesInFull(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	fx.store.insertErr = apperrors.ErrDatabase

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-1","chat_id":"628111@s.whatsapp.net","type":"text","text":{"body":"x"},"timestamp":1700000000}]}`)

	result, err := fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "sekrit"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDatabase)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, fx.store.messages)
	assert.Empty(t, fx.store.claims)
	assert.Empty(t, fx.fwd.events)

	// The redelivery must not be swallowed as a duplicate: nothing was
	// stored, so the event is accepted end to end this time.
	result, err = fx.pipeline.Process(context.Background(), model.ProviderWhapi, body, signedHeaders(body, "sekrit"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Zero(t, result.Duplicates)
	require.Len(t, fx.store.messages, 1)
	assert.Equal(t, "msg-1", fx.store.messages[0].MessageID)
	assert.Len(t, fx.fwd.events, 1)
}

func TestExtractChannelID(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"whapi top level", `{"channel_id":"CH-9"}`, "CH-9"},
		{"wassenger device string", `{"event":"message:in:new","device":"dev-3"}`, "dev-3"},
		{"wassenger device object", `{"event":"message:in:new","device":{"id":"dev-7"}}`, "dev-7"},
		{"absent", `{"messages":[]}`, ""},
		{"malformed", `not-json`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractChannelID([]byte(tt.body)))
		})
	}
}
