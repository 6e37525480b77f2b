package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/audit"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/resilience"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

// Store is the persistence surface the gateway service needs.
type Store interface {
	storage.ConfigurationRepository
	storage.ContactRepository
	storage.GroupRepository
	storage.MessageRepository
}

// SendTextRequest carries one outbound text message.
type SendTextRequest struct {
	ConfigurationID int64  `json:"configuration_id" validate:"required"`
	To              string `json:"to" validate:"required"`
	Body            string `json:"body" validate:"required"`
	Actor           string `json:"actor,omitempty"`
}

// SendMediaRequest carries one outbound media message.
type SendMediaRequest struct {
	ConfigurationID int64  `json:"configuration_id" validate:"required"`
	To              string `json:"to" validate:"required"`
	Media           []byte `json:"-" validate:"required"`
	Filename        string `json:"filename" validate:"required"`
	MediaType       string `json:"media_type" validate:"required"`
	Caption         string `json:"caption,omitempty"`
	Actor           string `json:"actor,omitempty"`
}

// CreateGroupRequest creates a remote group with initial participants.
type CreateGroupRequest struct {
	ConfigurationID int64    `json:"configuration_id" validate:"required"`
	Name            string   `json:"name" validate:"required"`
	Participants    []string `json:"participants" validate:"required,min=1"`
	Actor           string   `json:"actor,omitempty"`
}

// RemoveMemberRequest removes one member from a remote group.
type RemoveMemberRequest struct {
	ConfigurationID int64  `json:"configuration_id" validate:"required"`
	GroupID         string `json:"group_id" validate:"required"`
	ContactID       string `json:"contact_id" validate:"required"`
	Actor           string `json:"actor,omitempty"`
}

// GatewayService is the outbound half of the gateway: it resolves the
// adapter for a configuration, runs every provider call through the
// resilience executor, and keeps the read cache coherent after writes.
// The executor audits each call attempt; the service stamps the acting
// principal on the context so those entries carry it.
type GatewayService struct {
	store    Store
	registry *provider.Registry
	executor *resilience.Executor
	cache    *cache.Store
}

func NewGatewayService(
	store Store,
	registry *provider.Registry,
	executor *resilience.Executor,
	cacheStore *cache.Store,
) *GatewayService {
	return &GatewayService{
		store:    store,
		registry: registry,
		executor: executor,
		cache:    cacheStore,
	}
}

// resolve loads the configuration and its adapter.
func (s *GatewayService) resolve(ctx context.Context, configID int64) (*model.Configuration, provider.Adapter, error) {
	cfg, err := s.store.FindConfigurationByID(ctx, configID)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration %d: %w", configID, err)
	}
	adapter, err := s.registry.Resolve(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, adapter, nil
}

// flagAuthFailure marks a configuration whose credential the provider
// rejected and drops its cached pages, so reads stop serving entries
// fetched under a token that no longer works.
func (s *GatewayService) flagAuthFailure(ctx context.Context, cfg *model.Configuration, err error) {
	if !apperrors.IsAuthError(err) {
		return
	}
	log := logger.FromContext(ctx)
	log.Warn("Provider rejected credentials, flagging configuration",
		zap.Int64("configuration_id", cfg.ID),
		zap.String("provider", cfg.Provider),
	)
	if flagErr := s.store.FlagConfigurationAttention(ctx, cfg.ID, true); flagErr != nil {
		log.Error("Failed to flag configuration", zap.Int64("configuration_id", cfg.ID), zap.Error(flagErr))
	}
	s.cache.InvalidateConfiguration(cfg.ID)
}

// SendText dispatches a text message and stores the outbound record.
func (s *GatewayService) SendText(ctx context.Context, req SendTextRequest) (*provider.MessageReceipt, error) {
	if err := validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	cfg, adapter, err := s.resolve(ctx, req.ConfigurationID)
	if err != nil {
		return nil, err
	}

	ctx = audit.WithActor(ctx, req.Actor)
	var receipt *provider.MessageReceipt
	_, err = s.executor.Execute(ctx, cfg, model.OpSendText, func(ctx context.Context) error {
		var sendErr error
		receipt, sendErr = adapter.SendText(ctx, req.To, req.Body)
		return sendErr
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return nil, err
	}

	s.storeOutbound(ctx, cfg, receipt, req.To, req.Body, "text")
	return receipt, nil
}

// SendMedia dispatches a media message and stores the outbound record.
func (s *GatewayService) SendMedia(ctx context.Context, req SendMediaRequest) (*provider.MessageReceipt, error) {
	if err := validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	cfg, adapter, err := s.resolve(ctx, req.ConfigurationID)
	if err != nil {
		return nil, err
	}

	ctx = audit.WithActor(ctx, req.Actor)
	var receipt *provider.MessageReceipt
	_, err = s.executor.Execute(ctx, cfg, model.OpSendMedia, func(ctx context.Context) error {
		var sendErr error
		receipt, sendErr = adapter.SendMedia(ctx, req.To, req.Media, req.Filename, req.MediaType, req.Caption)
		return sendErr
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return nil, err
	}

	s.storeOutbound(ctx, cfg, receipt, req.To, req.Caption, req.MediaType)
	return receipt, nil
}

// storeOutbound persists the local record of a sent message. Best-effort:
// the provider accepted the message, so a storage hiccup must not fail the
// send; the next message sync reconciles.
func (s *GatewayService) storeOutbound(ctx context.Context, cfg *model.Configuration, receipt *provider.MessageReceipt, to, body, messageType string) {
	msg := &model.Message{
		ConfigurationID:  cfg.ID,
		MessageID:        receipt.MessageID,
		ChatID:           to,
		Body:             body,
		MessageType:      messageType,
		Flow:             model.MessageFlowOutgoing,
		Status:           receipt.Status,
		MessageTimestamp: receipt.Timestamp,
		SyncedAt:         utils.Now(),
	}
	if _, err := s.store.InsertMessageIfNew(ctx, msg); err != nil {
		logger.FromContext(ctx).Warn("Failed to store outbound message",
			zap.Int64("configuration_id", cfg.ID),
			zap.String("message_id", receipt.MessageID),
			zap.Error(err),
		)
	}
	s.cache.InvalidateResource(cfg.ID, model.ResourceMessages)
}

// CreateGroup creates a remote group and persists it locally.
func (s *GatewayService) CreateGroup(ctx context.Context, req CreateGroupRequest) (*model.Group, error) {
	if err := validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	cfg, adapter, err := s.resolve(ctx, req.ConfigurationID)
	if err != nil {
		return nil, err
	}

	ctx = audit.WithActor(ctx, req.Actor)
	var group *model.Group
	_, err = s.executor.Execute(ctx, cfg, model.OpCreateGroup, func(ctx context.Context) error {
		var createErr error
		group, createErr = adapter.CreateGroup(ctx, req.Name, req.Participants)
		return createErr
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return nil, err
	}

	group.ConfigurationID = cfg.ID
	group.SyncedAt = utils.Now()
	if _, err := s.store.BulkUpsertGroups(ctx, []model.Group{*group}); err != nil {
		logger.FromContext(ctx).Warn("Failed to store created group",
			zap.String("group_id", group.GroupID),
			zap.Error(err),
		)
	}
	s.cache.InvalidateResource(cfg.ID, model.ResourceGroups)
	return group, nil
}

// RemoveMember removes a member from a remote group and mirrors the
// change locally.
func (s *GatewayService) RemoveMember(ctx context.Context, req RemoveMemberRequest) error {
	if err := validator.Validate(req); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	cfg, adapter, err := s.resolve(ctx, req.ConfigurationID)
	if err != nil {
		return err
	}

	ctx = audit.WithActor(ctx, req.Actor)
	_, err = s.executor.Execute(ctx, cfg, model.OpRemoveMember, func(ctx context.Context) error {
		return adapter.RemoveMember(ctx, req.GroupID, req.ContactID)
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return err
	}

	if err := s.store.DeactivateGroupMember(ctx, cfg.ID, req.GroupID, req.ContactID); err != nil {
		logger.FromContext(ctx).Warn("Failed to deactivate removed member locally",
			zap.String("group_id", req.GroupID),
			zap.String("contact_id", req.ContactID),
			zap.Error(err),
		)
	}
	s.cache.InvalidateResource(cfg.ID, model.ResourceMembers)
	s.cache.InvalidateResource(cfg.ID, model.ResourceGroups)
	return nil
}

// ListContacts returns one page of remote contacts, served from cache
// when a fresh entry exists.
func (s *GatewayService) ListContacts(ctx context.Context, configID int64, cursor string, pageSize int) (*provider.ContactPage, error) {
	signature := fmt.Sprintf("cursor=%s&size=%d", cursor, pageSize)
	if cached, ok := s.cache.Get(configID, model.ResourceContacts, signature); ok {
		if page, ok := cached.(*provider.ContactPage); ok {
			return page, nil
		}
	}

	cfg, adapter, err := s.resolve(ctx, configID)
	if err != nil {
		return nil, err
	}

	var page *provider.ContactPage
	_, err = s.executor.Execute(ctx, cfg, model.OpFetchContacts, func(ctx context.Context) error {
		var fetchErr error
		page, fetchErr = adapter.FetchContacts(ctx, cursor, pageSize)
		return fetchErr
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return nil, err
	}

	s.cache.Set(configID, model.ResourceContacts, signature, page)
	return page, nil
}

// ListGroups returns one page of remote groups, cached like contacts.
func (s *GatewayService) ListGroups(ctx context.Context, configID int64, cursor string, pageSize int) (*provider.GroupPage, error) {
	signature := fmt.Sprintf("cursor=%s&size=%d", cursor, pageSize)
	if cached, ok := s.cache.Get(configID, model.ResourceGroups, signature); ok {
		if page, ok := cached.(*provider.GroupPage); ok {
			return page, nil
		}
	}

	cfg, adapter, err := s.resolve(ctx, configID)
	if err != nil {
		return nil, err
	}

	var page *provider.GroupPage
	_, err = s.executor.Execute(ctx, cfg, model.OpFetchGroups, func(ctx context.Context) error {
		var fetchErr error
		page, fetchErr = adapter.FetchGroups(ctx, cursor, pageSize)
		return fetchErr
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return nil, err
	}

	s.cache.Set(configID, model.ResourceGroups, signature, page)
	return page, nil
}

// ListMessages returns one page of remote messages, optionally scoped to
// one chat. Message pages use the shortest cache TTL.
func (s *GatewayService) ListMessages(ctx context.Context, configID int64, chatScope, cursor string, pageSize int) (*provider.MessagePage, error) {
	signature := fmt.Sprintf("chat=%s&cursor=%s&size=%d", chatScope, cursor, pageSize)
	if cached, ok := s.cache.Get(configID, model.ResourceMessages, signature); ok {
		if page, ok := cached.(*provider.MessagePage); ok {
			return page, nil
		}
	}

	cfg, adapter, err := s.resolve(ctx, configID)
	if err != nil {
		return nil, err
	}

	var page *provider.MessagePage
	_, err = s.executor.Execute(ctx, cfg, model.OpFetchMessages, func(ctx context.Context) error {
		var fetchErr error
		page, fetchErr = adapter.FetchMessages(ctx, chatScope, cursor, pageSize)
		return fetchErr
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return nil, err
	}

	s.cache.Set(configID, model.ResourceMessages, signature, page)
	return page, nil
}

// ListGroupMembers returns the live member list of one group.
func (s *GatewayService) ListGroupMembers(ctx context.Context, configID int64, groupID string) ([]model.GroupMember, error) {
	signature := "group=" + groupID
	if cached, ok := s.cache.Get(configID, model.ResourceMembers, signature); ok {
		if members, ok := cached.([]model.GroupMember); ok {
			return members, nil
		}
	}

	cfg, adapter, err := s.resolve(ctx, configID)
	if err != nil {
		return nil, err
	}

	var members []model.GroupMember
	_, err = s.executor.Execute(ctx, cfg, model.OpFetchMembers, func(ctx context.Context) error {
		var fetchErr error
		members, fetchErr = adapter.FetchGroupMembers(ctx, groupID)
		return fetchErr
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return nil, err
	}

	s.cache.Set(configID, model.ResourceMembers, signature, members)
	return members, nil
}

// CheckContacts reports which of the given phone numbers exist on
// WhatsApp. Not cached: the answer feeds an immediate send decision.
func (s *GatewayService) CheckContacts(ctx context.Context, configID int64, phones []string) (map[string]bool, error) {
	if len(phones) == 0 {
		return nil, fmt.Errorf("%w: no phone numbers to check", apperrors.ErrValidation)
	}
	cfg, adapter, err := s.resolve(ctx, configID)
	if err != nil {
		return nil, err
	}

	var result map[string]bool
	_, err = s.executor.Execute(ctx, cfg, model.OpCheckContacts, func(ctx context.Context) error {
		var checkErr error
		result, checkErr = adapter.CheckContacts(ctx, phones)
		return checkErr
	})
	s.flagAuthFailure(ctx, cfg, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HealthCheck probes provider connectivity for one configuration.
func (s *GatewayService) HealthCheck(ctx context.Context, configID int64) error {
	cfg, adapter, err := s.resolve(ctx, configID)
	if err != nil {
		return err
	}

	_, err = s.executor.Execute(ctx, cfg, model.OpHealthCheck, func(ctx context.Context) error {
		return adapter.HealthCheck(ctx)
	})
	s.flagAuthFailure(ctx, cfg, err)
	return err
}
