package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
)

// recordTimeout bounds a single audit insert so a slow database cannot
// pin worker goroutines indefinitely.
const recordTimeout = 5 * time.Second

// IRecorder is the audit surface the rest of the gateway depends on.
// Record is fire-and-forget: it never returns an error and never blocks
// the caller beyond the configured submit budget.
type IRecorder interface {
	Record(ctx context.Context, entry model.AuditLogEntry)
	Summary(ctx context.Context, configID int64, since time.Time) (*model.AuditSummary, error)
	LastSyncOutcome(ctx context.Context, configID int64) (*model.AuditLogEntry, error)
	Stop()
}

// Recorder persists audit entries through a bounded worker pool. When the
// pool is saturated past the submit budget the entry is logged and dropped
// instead of back-pressuring the operation that produced it.
type Recorder struct {
	pool       *ants.PoolWithFunc
	repo       storage.AuditRepository
	cfg        config.AuditConfig
	baseLogger *zap.Logger
	stopPurge  chan struct{}
}

var _ IRecorder = (*Recorder)(nil)

// NewRecorder creates the recorder pool and starts the retention loop.
func NewRecorder(cfg config.AuditConfig, repo storage.AuditRepository, baseLogger *zap.Logger) (*Recorder, error) {
	rec := &Recorder{
		repo:       repo,
		cfg:        cfg,
		baseLogger: baseLogger.Named("audit_recorder"),
		stopPurge:  make(chan struct{}),
	}

	pool, err := ants.NewPoolWithFunc(cfg.Workers, func(i interface{}) {
		entry, ok := i.(model.AuditLogEntry)
		if !ok {
			rec.baseLogger.Error("Invalid audit task type received", zap.Any("data", i))
			return
		}
		rec.persist(entry)
	},
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(err interface{}) {
			rec.baseLogger.Error("Panic recovered in audit recorder", zap.Any("panic_error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit recorder pool: %w", err)
	}
	rec.pool = pool

	go rec.retentionLoop()

	rec.baseLogger.Info("Audit recorder initialized",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("max_block", cfg.MaxBlock),
		zap.Int("retention_days", cfg.RetentionDays),
	)
	return rec, nil
}

// Record submits an entry for asynchronous persistence. It stamps the
// request id from the context and fills a zero timestamp. Failures are
// absorbed: the entry is written to the log instead.
func (r *Recorder) Record(ctx context.Context, entry model.AuditLogEntry) {
	if entry.RequestID == "" {
		entry.RequestID = logger.RequestIDFromContext(ctx)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	submitted := make(chan error, 1)
	go func() { submitted <- r.pool.Invoke(entry) }()

	select {
	case err := <-submitted:
		if err != nil {
			r.drop(entry, err)
		}
	case <-time.After(r.cfg.MaxBlock):
		// The submit goroutine keeps waiting for a slot; if one frees up
		// later the entry still lands, otherwise Invoke returns an error
		// on pool release and the entry is dropped there.
		go func() {
			if err := <-submitted; err != nil {
				r.drop(entry, err)
			}
		}()
		logger.FromContextOr(ctx, r.baseLogger).Debug("Audit submit exceeded block budget, detaching",
			zap.String("operation", entry.Operation),
			zap.Duration("max_block", r.cfg.MaxBlock),
		)
	}
}

// Summary reads aggregate outcomes since the given time.
func (r *Recorder) Summary(ctx context.Context, configID int64, since time.Time) (*model.AuditSummary, error) {
	return r.repo.AuditSummary(ctx, configID, since)
}

// LastSyncOutcome returns the most recent sync-run audit entry.
func (r *Recorder) LastSyncOutcome(ctx context.Context, configID int64) (*model.AuditLogEntry, error) {
	return r.repo.LastSyncOutcome(ctx, configID)
}

// Stop releases the worker pool and stops the retention loop. Entries
// still queued are given a short grace period to drain.
func (r *Recorder) Stop() {
	close(r.stopPurge)
	if err := r.pool.ReleaseTimeout(recordTimeout); err != nil {
		r.baseLogger.Warn("Audit recorder pool did not drain cleanly", zap.Error(err))
	}
	r.baseLogger.Info("Audit recorder stopped")
}

func (r *Recorder) persist(entry model.AuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.repo.InsertAuditLog(ctx, &entry); err != nil {
		r.drop(entry, err)
	}
}

// drop logs the entry that could not be persisted so the outcome is at
// least recoverable from the log stream.
func (r *Recorder) drop(entry model.AuditLogEntry, err error) {
	observer.IncAuditEntryDropped()
	r.baseLogger.Warn("Audit entry dropped",
		zap.String("operation", entry.Operation),
		zap.String("provider", entry.Provider),
		zap.Int64("configuration_id", entry.ConfigurationID),
		zap.Bool("success", entry.Success),
		zap.String("error_code", entry.ErrorCode),
		zap.Error(err),
	)
}

// retentionLoop purges entries older than the retention window once a day,
// with an initial pass shortly after startup.
func (r *Recorder) retentionLoop() {
	if r.cfg.RetentionDays <= 0 {
		return
	}

	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-r.stopPurge:
			return
		case <-timer.C:
			r.purgeExpired()
			timer.Reset(24 * time.Hour)
		}
	}
}

func (r *Recorder) purgeExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.RetentionDays)
	purged, err := r.repo.PurgeAuditLogsBefore(ctx, cutoff)
	if err != nil {
		r.baseLogger.Error("Audit retention purge failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return
	}
	if purged > 0 {
		r.baseLogger.Info("Purged expired audit entries", zap.Int64("purged", purged), zap.Time("cutoff", cutoff))
	}
}
