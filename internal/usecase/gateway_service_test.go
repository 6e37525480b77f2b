package usecase

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
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/resilience"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize("error"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// scriptedAdapter returns queued errors before succeeding, and counts calls.
type scriptedAdapter struct {
	mu sync.Mutex

	sendErrs  []error // consumed one per SendText/SendMedia attempt
	sendCalls int

	fetchContactsCalls int
	fetchGroupsCalls   int
	fetchMembersCalls  int

	healthErr error
}

func (a *scriptedAdapter) nextSendErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendCalls++
	if len(a.sendErrs) == 0 {
		return nil
	}
	err := a.sendErrs[0]
	a.sendErrs = a.sendErrs[1:]
	return err
}

func (a *scriptedAdapter) Kind() string { return "scripted" }

func (a *scriptedAdapter) SendText(_ context.Context, to, _ string) (*provider.MessageReceipt, error) {
	if err := a.nextSendErr(); err != nil {
		return nil, err
	}
	return &provider.MessageReceipt{MessageID: "sent-1", Status: model.MessageStatusSent, Timestamp: 1700000000}, nil
}

func (a *scriptedAdapter) SendMedia(_ context.Context, _ string, _ []byte, _, _, _ string) (*provider.MessageReceipt, error) {
	if err := a.nextSendErr(); err != nil {
		return nil, err
	}
	return &provider.MessageReceipt{MessageID: "media-1", Status: model.MessageStatusSent}, nil
}

func (a *scriptedAdapter) FetchContacts(context.Context, string, int) (*provider.ContactPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchContactsCalls++
	return &provider.ContactPage{Contacts: []model.Contact{{ContactID: "c-1"}}}, nil
}

func (a *scriptedAdapter) FetchGroups(context.Context, string, int) (*provider.GroupPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchGroupsCalls++
	return &provider.GroupPage{Groups: []model.Group{{GroupID: "g-1", Name: "Ops"}}}, nil
}

func (a *scriptedAdapter) FetchMessages(context.Context, string, string, int) (*provider.MessagePage, error) {
	return &provider.MessagePage{}, nil
}

func (a *scriptedAdapter) FetchGroupMembers(context.Context, string) ([]model.GroupMember, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchMembersCalls++
	return []model.GroupMember{{ContactID: "c-1", IsAdmin: true}}, nil
}

func (a *scriptedAdapter) CreateGroup(_ context.Context, name string, _ []string) (*model.Group, error) {
	return &model.Group{GroupID: "g-new", Name: name}, nil
}

func (a *scriptedAdapter) RemoveMember(context.Context, string, string) error { return nil }

func (a *scriptedAdapter) CheckContacts(_ context.Context, phones []string) (map[string]bool, error) {
	out := make(map[string]bool, len(phones))
	for _, p := range phones {
		out[p] = true
	}
	return out, nil
}

func (a *scriptedAdapter) HealthCheck(context.Context) error { return a.healthErr }

func (a *scriptedAdapter) SignatureHeader() string { return "X-Scripted-Signature" }

func (a *scriptedAdapter) ValidateWebhookSignature([]byte, string, string) bool { return true }

func (a *scriptedAdapter) ParseWebhookEvents([]byte) ([]model.NormalizedEvent, error) {
	return nil, nil
}

// serviceStore is an in-memory Store recording writes.
type serviceStore struct {
	mu sync.Mutex

	config *model.Configuration

	messages    []model.Message
	groups      []model.Group
	deactivated []string
	flagged     []int64
}

func (f *serviceStore) FindConfigurationByID(_ context.Context, id int64) (*model.Configuration, error) {
	if f.config != nil && f.config.ID == id {
		return f.config, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *serviceStore) FindConfigurationByChannel(context.Context, string, string) (*model.Configuration, error) {
	return nil, apperrors.ErrNotFound
}

func (f *serviceStore) ListActiveConfigurations(context.Context) ([]model.Configuration, error) {
	return nil, nil
}

func (f *serviceStore) SaveConfiguration(context.Context, *model.Configuration) error { return nil }

func (f *serviceStore) FlagConfigurationAttention(_ context.Context, id int64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged = append(f.flagged, id)
	return nil
}

func (f *serviceStore) BulkUpsertContacts(_ context.Context, contacts []model.Contact) (int64, error) {
	return int64(len(contacts)), nil
}

func (f *serviceStore) FindContactByContactID(context.Context, int64, string) (*model.Contact, error) {
	return nil, apperrors.ErrNotFound
}

func (f *serviceStore) BulkUpsertGroups(_ context.Context, groups []model.Group) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, groups...)
	return int64(len(groups)), nil
}

func (f *serviceStore) BulkUpsertGroupMembers(_ context.Context, members []model.GroupMember) (int64, error) {
	return int64(len(members)), nil
}

func (f *serviceStore) DeactivateGroupMember(_ context.Context, configID int64, groupID, contactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, fmt.Sprintf("%d:%s:%s", configID, groupID, contactID))
	return nil
}

func (f *serviceStore) ListActiveGroupIDs(context.Context, int64) ([]string, error) { return nil, nil }

func (f *serviceStore) BulkUpsertMessages(_ context.Context, messages []model.Message) (int64, error) {
	return int64(len(messages)), nil
}

func (f *serviceStore) InsertMessageIfNew(_ context.Context, message *model.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, *message)
	return true, nil
}

func (f *serviceStore) UpdateMessageStatus(context.Context, int64, string, string, int64) error {
	return nil
}

// auditSink captures recorder entries synchronously.
type auditSink struct {
	mu      sync.Mutex
	entries []model.AuditLogEntry
}

func (a *auditSink) Record(_ context.Context, entry model.AuditLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *auditSink) Summary(context.Context, int64, time.Time) (*model.AuditSummary, error) {
	return nil, nil
}

func (a *auditSink) LastSyncOutcome(context.Context, int64) (*model.AuditLogEntry, error) {
	return nil, nil
}

func (a *auditSink) Stop() {}

func (a *auditSink) last(t *testing.T) model.AuditLogEntry {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.entries)
	return a.entries[len(a.entries)-1]
}

type serviceFixture struct {
	service *GatewayService
	store   *serviceStore
	adapter *scriptedAdapter
	audit   *auditSink
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	adapter := &scriptedAdapter{}
	registry := provider.NewRegistry(http.DefaultClient, nil)
	registry.Register("scripted", func(*model.Configuration) provider.Adapter { return adapter })

	store := &serviceStore{config: &model.Configuration{
		ID: 11, Name: "line", Provider: "scripted", Token: "t", Active: true,
	}}
	sink := &auditSink{}
	conf := &config.Config{Providers: map[string]config.RatePolicyConfig{
		"scripted": {RatePerSecond: 1000, Burst: 100, MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BreakerThreshold: 100, BreakerCooldown: time.Second, CallTimeout: time.Second},
	}}

	service := NewGatewayService(
		store,
		registry,
		resilience.NewExecutor(conf, sink),
		cache.NewStore(config.CacheConfig{ContactTTL: time.Minute, GroupTTL: time.Minute, MessageTTL: time.Minute, MemberTTL: time.Minute}),
	)
	return &serviceFixture{service: service, store: store, adapter: adapter, audit: sink}
}

func TestSendTextSuccess(t *testing.T) {
	fx := newServiceFixture(t)

	receipt, err := fx.service.SendText(context.Background(), SendTextRequest{
		ConfigurationID: 11, To: "628111", Body: "hello", Actor: "crm-user",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", receipt.MessageID)
	assert.Equal(t, model.MessageStatusSent, receipt.Status)

	require.Len(t, fx.store.messages, 1)
	stored := fx.store.messages[0]
	assert.Equal(t, int64(11), stored.ConfigurationID)
	assert.Equal(t, model.MessageFlowOutgoing, stored.Flow)
	assert.Equal(t, "hello", stored.Body)

	entry := fx.audit.last(t)
	assert.Equal(t, model.OpSendText, entry.Operation)
	assert.Equal(t, "crm-user", entry.Actor)
	assert.True(t, entry.Success)
	assert.Equal(t, 1, entry.Attempt)
}

func TestSendTextInvalidRecipientNotRetried(t *testing.T) {
	fx := newServiceFixture(t)
	fx.adapter.sendErrs = []error{fmt.Errorf("%w: no such number", apperrors.ErrInvalidRecipient)}

	_, err := fx.service.SendText(context.Background(), SendTextRequest{
		ConfigurationID: 11, To: "badnumber", Body: "x",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRecipient)
	assert.Equal(t, "InvalidRecipient", apperrors.CodeOf(err))

	assert.Equal(t, 1, fx.adapter.sendCalls, "caller errors must not be retried")
	assert.Empty(t, fx.store.messages)

	entry := fx.audit.last(t)
	assert.False(t, entry.Success)
	assert.Equal(t, "InvalidRecipient", entry.ErrorCode)
}

func TestSendTextTransientRetriedToSuccess(t *testing.T) {
	fx := newServiceFixture(t)
	fx.adapter.sendErrs = []error{fmt.Errorf("%w: 502", apperrors.ErrTransient)}

	receipt, err := fx.service.SendText(context.Background(), SendTextRequest{
		ConfigurationID: 11, To: "628111", Body: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", receipt.MessageID)
	assert.Equal(t, 2, fx.adapter.sendCalls)

	// Both attempts land in the trail: the failed first try and the retry.
	require.Len(t, fx.audit.entries, 2)
	assert.Equal(t, 1, fx.audit.entries[0].Attempt)
	assert.False(t, fx.audit.entries[0].Success)
	assert.Equal(t, "Transient", fx.audit.entries[0].ErrorCode)
	assert.Equal(t, 2, fx.audit.entries[1].Attempt)
	assert.True(t, fx.audit.entries[1].Success)
}

func TestSendTextAuthFailureFlagsConfiguration(t *testing.T) {
	fx := newServiceFixture(t)
	fx.adapter.sendErrs = []error{fmt.Errorf("%w: token expired", apperrors.ErrAuth)}

	_, err := fx.service.SendText(context.Background(), SendTextRequest{
		ConfigurationID: 11, To: "628111", Body: "x",
	})
	require.ErrorIs(t, err, apperrors.ErrAuth)
	assert.Equal(t, []int64{11}, fx.store.flagged)
}

func TestAuthFailureDropsCachedPages(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.service.ListContacts(context.Background(), 11, "", 50)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.adapter.fetchContactsCalls)

	fx.adapter.sendErrs = []error{fmt.Errorf("%w: token expired", apperrors.ErrAuth)}
	_, err = fx.service.SendText(context.Background(), SendTextRequest{
		ConfigurationID: 11, To: "628111", Body: "x",
	})
	require.ErrorIs(t, err, apperrors.ErrAuth)

	// Pages fetched under the rejected token are gone; the next read goes
	// back to the provider.
	_, err = fx.service.ListContacts(context.Background(), 11, "", 50)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.adapter.fetchContactsCalls)
}

func TestSendTextValidation(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.service.SendText(context.Background(), SendTextRequest{ConfigurationID: 11})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Zero(t, fx.adapter.sendCalls)
}

func TestSendTextUnknownConfiguration(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.service.SendText(context.Background(), SendTextRequest{
		ConfigurationID: 999, To: "628111", Body: "x",
	})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSendMediaStoresOutboundRecord(t *testing.T) {
	fx := newServiceFixture(t)

	receipt, err := fx.service.SendMedia(context.Background(), SendMediaRequest{
		ConfigurationID: 11, To: "628111",
		Media: []byte{0x89, 0x50}, Filename: "pic.png", MediaType: model.MessageTypeImage, Caption: "look",
	})
	require.NoError(t, err)
	assert.Equal(t, "media-1", receipt.MessageID)

	require.Len(t, fx.store.messages, 1)
	assert.Equal(t, model.MessageTypeImage, fx.store.messages[0].MessageType)
	assert.Equal(t, "look", fx.store.messages[0].Body)
}

func TestListContactsServedFromCache(t *testing.T) {
	fx := newServiceFixture(t)

	first, err := fx.service.ListContacts(context.Background(), 11, "", 50)
	require.NoError(t, err)
	second, err := fx.service.ListContacts(context.Background(), 11, "", 50)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fx.adapter.fetchContactsCalls, "second read must come from cache")

	// A different query signature misses the cache.
	_, err = fx.service.ListContacts(context.Background(), 11, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.adapter.fetchContactsCalls)
}

func TestCreateGroupInvalidatesGroupCache(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.service.ListGroups(context.Background(), 11, "", 50)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.adapter.fetchGroupsCalls)

	group, err := fx.service.CreateGroup(context.Background(), CreateGroupRequest{
		ConfigurationID: 11, Name: "New Ops", Participants: []string{"628111"},
	})
	require.NoError(t, err)
	assert.Equal(t, "g-new", group.GroupID)
	assert.Equal(t, int64(11), group.ConfigurationID)
	require.Len(t, fx.store.groups, 1)

	_, err = fx.service.ListGroups(context.Background(), 11, "", 50)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.adapter.fetchGroupsCalls, "group cache must be invalidated after create")
}

func TestRemoveMemberDeactivatesLocally(t *testing.T) {
	fx := newServiceFixture(t)

	err := fx.service.RemoveMember(context.Background(), RemoveMemberRequest{
		ConfigurationID: 11, GroupID: "g-1", ContactID: "c-2",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"11:g-1:c-2"}, fx.store.deactivated)
}

func TestCheckContacts(t *testing.T) {
	fx := newServiceFixture(t)

	result, err := fx.service.CheckContacts(context.Background(), 11, []string{"628111", "628222"})
	require.NoError(t, err)
	assert.True(t, result["628111"])
	assert.True(t, result["628222"])

	entry := fx.audit.last(t)
	assert.Equal(t, model.OpCheckContacts, entry.Operation)
	assert.True(t, entry.Success)

	_, err = fx.service.CheckContacts(context.Background(), 11, nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestHealthCheckRecordsOutcome(t *testing.T) {
	fx := newServiceFixture(t)
	fx.adapter.healthErr = fmt.Errorf("%w: unreachable", apperrors.ErrTransient)

	err := fx.service.HealthCheck(context.Background(), 11)
	require.Error(t, err)

	entry := fx.audit.last(t)
	assert.Equal(t, model.OpHealthCheck, entry.Operation)
	assert.False(t, entry.Success)
}
