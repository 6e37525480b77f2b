package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/audit"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/forwarder"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	storage.ConfigurationRepository
	storage.ContactRepository
	storage.GroupRepository
	storage.MessageRepository
	storage.EventRepository
}

// Result aggregates per-event outcomes of one webhook request.
type Result struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Pipeline ingests provider webhooks: signature check, normalization and
// idempotent delivery into storage, then best-effort forwarding. Safe for
// concurrent use; duplicate deliveries of the same event converge on the
// entity's unique key and resolve through the first-writer-wins claim in
// storage.
type Pipeline struct {
	store    Store
	registry *provider.Registry
	cache    *cache.Store
	fwd      forwarder.Forwarder
	recorder audit.IRecorder
	cfg      config.WebhookConfig
	seen     *gocache.Cache
}

// NewPipeline wires the ingestion pipeline. The seen-set is a fast path in
// front of the durable claim, sized by the configured TTL.
func NewPipeline(
	cfg config.WebhookConfig,
	store Store,
	registry *provider.Registry,
	cacheStore *cache.Store,
	fwd forwarder.Forwarder,
	recorder audit.IRecorder,
) *Pipeline {
	seenTTL := cfg.SeenTTL
	if seenTTL <= 0 {
		seenTTL = 10 * time.Minute
	}
	return &Pipeline{
		store:    store,
		registry: registry,
		cache:    cacheStore,
		fwd:      fwd,
		recorder: recorder,
		cfg:      cfg,
		seen:     gocache.New(seenTTL, 2*seenTTL),
	}
}

// channelProbe extracts the webhook channel identity without knowing the
// full provider body shape. WHAPI sends a top-level channel_id; Wassenger
// sends a device, either as a bare id or an object.
type channelProbe struct {
	ChannelID string          `json:"channel_id"`
	Device    json.RawMessage `json:"device"`
}

func extractChannelID(rawBody []byte) string {
	var probe channelProbe
	if err := json.Unmarshal(rawBody, &probe); err != nil {
		return ""
	}
	if probe.ChannelID != "" {
		return probe.ChannelID
	}
	if len(probe.Device) == 0 {
		return ""
	}
	var deviceID string
	if err := json.Unmarshal(probe.Device, &deviceID); err == nil {
		return deviceID
	}
	var device struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(probe.Device, &device); err == nil {
		return device.ID
	}
	return ""
}

// Process runs one inbound webhook request through the pipeline. The raw
// body is passed untouched so the signature check covers exactly the bytes
// the provider signed. Nothing is written before the signature verifies.
func (p *Pipeline) Process(ctx context.Context, providerKind string, rawBody []byte, headers http.Header) (*Result, error) {
	start := time.Now()
	log := logger.FromContext(ctx).With(zap.String("provider", providerKind))

	channelID := extractChannelID(rawBody)
	if channelID == "" {
		observer.IncWebhookEvent(providerKind, "unroutable")
		return nil, fmt.Errorf("%w: webhook body carries no channel identity", apperrors.ErrValidation)
	}

	cfg, err := p.store.FindConfigurationByChannel(ctx, providerKind, channelID)
	if err != nil {
		observer.IncWebhookEvent(providerKind, "unroutable")
		return nil, fmt.Errorf("no configuration for channel %q: %w", channelID, err)
	}

	adapter, err := p.registry.Resolve(cfg)
	if err != nil {
		observer.IncWebhookEvent(providerKind, "unroutable")
		return nil, err
	}

	signature := headers.Get(adapter.SignatureHeader())
	if !adapter.ValidateWebhookSignature(rawBody, signature, cfg.WebhookSecret) {
		observer.IncWebhookEvent(providerKind, "invalid_signature")
		log.Warn("Webhook signature verification failed",
			zap.String("channel_id", channelID),
			zap.Int64("configuration_id", cfg.ID),
			zap.Bool("signature_present", signature != ""),
		)
		p.recordOutcome(ctx, cfg, start, false, apperrors.ErrInvalidSignature)
		return nil, apperrors.ErrInvalidSignature
	}

	events, err := adapter.ParseWebhookEvents(rawBody)
	if err != nil {
		observer.IncWebhookEvent(providerKind, "malformed")
		p.recordOutcome(ctx, cfg, start, false, err)
		return nil, err
	}

	result := &Result{}
	var firstErr error
	for i := range events {
		outcome, err := p.deliver(ctx, cfg, providerKind, &events[i])
		observer.IncWebhookEvent(providerKind, outcome)
		switch outcome {
		case "accepted":
			result.Accepted++
		case "duplicate":
			result.Duplicates++
		case "skipped":
			result.Skipped++
		default:
			result.Failed++
			if firstErr == nil {
				firstErr = err
			}
			log.Error("Webhook event delivery failed",
				zap.String("event_id", events[i].EventID),
				zap.String("kind", string(events[i].Kind)),
				zap.Error(err),
			)
		}
	}

	observer.ObserveWebhookProcessingDuration(providerKind, time.Since(start))
	p.recordOutcome(ctx, cfg, start, result.Failed == 0, firstErr)

	if result.Failed > 0 {
		return result, fmt.Errorf("%d of %d webhook events failed: %w", result.Failed, len(events), firstErr)
	}
	log.Debug("Webhook processed",
		zap.Int("accepted", result.Accepted),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// deliver runs one normalized event through storage and the durable claim.
// Returns one of "accepted", "duplicate", "skipped", "failed".
//
// The entity write comes first: its (configuration, provider id) unique key
// is the atomic dedup anchor, so replays of the same event converge on one
// stored row no matter how deliveries interleave, and a persistence failure
// leaves no claim behind — the provider's redelivery retries the event in
// full. The claim is taken only after the entity is durable; concurrent
// duplicates race on its first-writer-wins insert and only the winner
// forwards.
func (p *Pipeline) deliver(ctx context.Context, cfg *model.Configuration, providerKind string, event *model.NormalizedEvent) (string, error) {
	if p.cfg.GroupOnly && event.Kind == model.EventKindMessage && !strings.HasSuffix(event.ChatID, "@g.us") {
		return "skipped", nil
	}
	if event.EventID == "" {
		return "skipped", nil
	}

	seenKey := fmt.Sprintf("%d:%s", cfg.ID, event.EventID)
	if _, found := p.seen.Get(seenKey); found {
		return "duplicate", nil
	}

	if err := p.persist(ctx, cfg, event); err != nil {
		return "failed", err
	}

	claimed, err := p.store.MarkEventProcessed(ctx, &model.ProcessedEvent{
		ConfigurationID: cfg.ID,
		EventID:         event.EventID,
		EventKind:       string(event.Kind),
	})
	if err != nil {
		// The entity is stored; the redelivered upsert converges on the
		// same row and the claim is simply retried.
		return "failed", err
	}
	p.seen.SetDefault(seenKey, struct{}{})
	if !claimed {
		return "duplicate", nil
	}

	if err := p.fwd.Forward(ctx, providerKind, cfg.ID, event); err != nil {
		logger.FromContext(ctx).Warn("Forwarding webhook event failed",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}
	return "accepted", nil
}

func (p *Pipeline) persist(ctx context.Context, cfg *model.Configuration, event *model.NormalizedEvent) error {
	now := time.Now().UTC()
	switch event.Kind {
	case model.EventKindMessage:
		if event.Message == nil {
			return fmt.Errorf("%w: message event without message payload", apperrors.ErrValidation)
		}
		msg := *event.Message
		msg.ConfigurationID = cfg.ID
		msg.SyncedAt = now
		if _, err := p.store.InsertMessageIfNew(ctx, &msg); err != nil {
			return err
		}
		p.cache.InvalidateResource(cfg.ID, model.ResourceMessages)

	case model.EventKindMessageStatus:
		if event.Status == nil {
			return fmt.Errorf("%w: status event without status payload", apperrors.ErrValidation)
		}
		err := p.store.UpdateMessageStatus(ctx, cfg.ID, event.Status.MessageID, event.Status.Status, event.Status.Timestamp)
		if errors.Is(err, apperrors.ErrNotFound) {
			// Status for a message this gateway has not seen yet; sync
			// picks the message up with its latest status.
			return nil
		}
		if err != nil {
			return err
		}
		p.cache.InvalidateResource(cfg.ID, model.ResourceMessages)

	case model.EventKindContact:
		if event.Contact == nil {
			return fmt.Errorf("%w: contact event without contact payload", apperrors.ErrValidation)
		}
		contact := *event.Contact
		contact.ConfigurationID = cfg.ID
		contact.SyncedAt = now
		if _, err := p.store.BulkUpsertContacts(ctx, []model.Contact{contact}); err != nil {
			return err
		}
		p.cache.InvalidateResource(cfg.ID, model.ResourceContacts)

	case model.EventKindGroup:
		if event.Group == nil {
			return fmt.Errorf("%w: group event without group payload", apperrors.ErrValidation)
		}
		group := *event.Group
		group.ConfigurationID = cfg.ID
		group.SyncedAt = now
		if _, err := p.store.BulkUpsertGroups(ctx, []model.Group{group}); err != nil {
			return err
		}
		p.cache.InvalidateResource(cfg.ID, model.ResourceGroups)

	default:
		return fmt.Errorf("%w: unknown event kind %q", apperrors.ErrValidation, event.Kind)
	}
	return nil
}

func (p *Pipeline) recordOutcome(ctx context.Context, cfg *model.Configuration, start time.Time, success bool, err error) {
	entry := model.AuditLogEntry{
		Operation:       model.OpProcessWebhook,
		Provider:        cfg.Provider,
		ConfigurationID: cfg.ID,
		Success:         success,
		ResponseTimeMs:  float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if err != nil {
		entry.ErrorCode = apperrors.CodeOf(err)
		entry.ErrorMessage = err.Error()
	}
	p.recorder.Record(ctx, entry)
}
