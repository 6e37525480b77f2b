package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
)

// Forwarder publishes normalized webhook events to downstream consumers.
// Implementations must be safe for concurrent use.
type Forwarder interface {
	Forward(ctx context.Context, provider string, configID int64, event *model.NormalizedEvent) error
	Close()
}

// Noop is used when forwarding is disabled in config.
type Noop struct{}

func (Noop) Forward(context.Context, string, int64, *model.NormalizedEvent) error { return nil }
func (Noop) Close()                                                              {}

// JetStreamForwarder publishes events to a NATS JetStream stream. Subjects
// follow <prefix>.<provider>.<kind>, one token per event kind, so consumers
// can filter on the kinds they care about.
type JetStreamForwarder struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	stream        string
	subjectPrefix string
}

var _ Forwarder = (*JetStreamForwarder)(nil)

// NewJetStreamForwarder connects to NATS and ensures the target stream
// exists with the configured retention.
func NewJetStreamForwarder(cfg *config.Config) (*JetStreamForwarder, error) {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
			logger.Log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	f := &JetStreamForwarder{
		nc:            nc,
		js:            js,
		stream:        cfg.NATS.Stream,
		subjectPrefix: cfg.NATS.SubjectPrefix,
	}

	streamConfig := &nats.StreamConfig{
		Name:      cfg.NATS.Stream,
		Subjects:  []string{cfg.NATS.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(cfg.NATS.MaxAgeDays) * 24 * time.Hour,
		Storage:   nats.FileStorage,
	}
	if err := f.setupStream(streamConfig); err != nil {
		nc.Close()
		return nil, err
	}

	return f, nil
}

func (f *JetStreamForwarder) setupStream(streamConfig *nats.StreamConfig) error {
	stream, err := f.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamConfig.Name, err)
	}

	if stream == nil {
		if _, err := f.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to add stream '%s': %w", streamConfig.Name, err)
		}
		logger.Log.Info("Created stream",
			zap.String("name", streamConfig.Name),
			zap.Any("subjects", streamConfig.Subjects),
		)
		return nil
	}

	if _, err := f.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream '%s': %w", streamConfig.Name, err)
	}
	logger.Log.Info("Updated stream",
		zap.String("name", streamConfig.Name),
		zap.Any("subjects", streamConfig.Subjects),
	)
	return nil
}

// forwardedEvent is the wire shape published downstream.
type forwardedEvent struct {
	Provider        string                 `json:"provider"`
	ConfigurationID int64                  `json:"configuration_id"`
	Event           *model.NormalizedEvent `json:"event"`
	ForwardedAt     time.Time              `json:"forwarded_at"`
}

// Forward publishes one normalized event. The Nats-Msg-Id header carries
// the idempotency key so JetStream deduplicates redelivered webhooks on
// its side as well.
func (f *JetStreamForwarder) Forward(ctx context.Context, provider string, configID int64, event *model.NormalizedEvent) error {
	payload, err := json.Marshal(forwardedEvent{
		Provider:        provider,
		ConfigurationID: configID,
		Event:           event,
		ForwardedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal forwarded event: %w", err)
	}

	subject := f.subjectFor(provider, event.Kind)
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%d:%s", configID, event.EventID))
	if reqID := logger.RequestIDFromContext(ctx); reqID != "" {
		msg.Header.Set("Request-Id", reqID)
	}

	if _, err := f.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to '%s': %w", subject, err)
	}

	logger.FromContext(ctx).Debug("Forwarded event",
		zap.String("subject", subject),
		zap.String("event_id", event.EventID),
	)
	return nil
}

func (f *JetStreamForwarder) subjectFor(provider string, kind model.EventKind) string {
	return fmt.Sprintf("%s.%s.%s", f.subjectPrefix, provider, kind)
}

// Close drains the connection so buffered publishes flush before shutdown.
func (f *JetStreamForwarder) Close() {
	if err := f.nc.Drain(); err != nil {
		logger.Log.Warn("NATS drain failed", zap.Error(err))
		f.nc.Close()
	}
}
