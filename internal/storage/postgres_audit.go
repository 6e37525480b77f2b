package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

// --- Audit Repository Methods ---

// InsertAuditLog appends one operation outcome. No upsert: the log is
// append-only and replays are acceptable duplicates.
func (r *PostgresRepo) InsertAuditLog(ctx context.Context, entry *model.AuditLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = utils.Now()
	}

	operation := func() error {
		if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "InsertAuditLog Commit", operation)
	observer.ObserveDbOperationDuration("insert", "audit_log", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to insert audit log after retries",
			zap.String("operation", entry.Operation),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// AuditSummary aggregates outcomes for one configuration since a point in
// time: totals, success rate and average latency, plus the most recent
// error code.
func (r *PostgresRepo) AuditSummary(ctx context.Context, configID int64, since time.Time) (*model.AuditSummary, error) {
	loggerCtx := logger.FromContext(ctx)

	var row struct {
		Total        int64
		Succeeded    int64
		AvgLatencyMs float64
	}
	summary := &model.AuditSummary{}

	operation := func() error {
		err := r.db.WithContext(ctx).Model(&model.AuditLogEntry{}).
			Select("COUNT(*) AS total, COUNT(*) FILTER (WHERE success) AS succeeded, COALESCE(AVG(response_time_ms), 0) AS avg_latency_ms").
			Where("configuration_id = ? AND timestamp >= ?", configID, since).
			Scan(&row).Error
		if err != nil {
			return fmt.Errorf("%w: summary query failed: %w", apperrors.ErrDatabase, err)
		}

		var lastError model.AuditLogEntry
		err = r.db.WithContext(ctx).
			Where("configuration_id = ? AND timestamp >= ? AND success = ?", configID, since, false).
			Order("timestamp DESC").
			First(&lastError).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: last error query failed: %w", apperrors.ErrDatabase, err)
		}
		summary.LastErrorCode = lastError.ErrorCode
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "AuditSummary", operation)
	observer.ObserveDbOperationDuration("summary", "audit_log", time.Since(startTime), findErr)

	if findErr != nil {
		loggerCtx.Error("Failed to compute audit summary after retries",
			zap.Int64("configuration_id", configID),
			zap.Error(findErr))
		return nil, findErr
	}

	summary.Total = row.Total
	summary.Succeeded = row.Succeeded
	summary.AvgLatencyMs = row.AvgLatencyMs
	if row.Total > 0 {
		summary.SuccessRate = float64(row.Succeeded) / float64(row.Total)
	}
	return summary, nil
}

// PurgeAuditLogsBefore deletes entries older than the cutoff. Returns the
// number of rows removed.
func (r *PostgresRepo) PurgeAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("timestamp < ?", cutoff).
			Delete(&model.AuditLogEntry{})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		deleted = result.RowsAffected
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "PurgeAuditLogsBefore Commit", operation)
	observer.ObserveDbOperationDuration("purge", "audit_log", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to purge audit logs after retries",
			zap.Time("cutoff", cutoff),
			zap.Error(commitErr))
		return 0, commitErr
	}
	if deleted > 0 {
		logger.FromContext(ctx).Info("Purged audit log entries",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

// LastSyncOutcome returns the latest sync_run audit entry for one
// configuration, or ErrNotFound when the configuration has never synced.
func (r *PostgresRepo) LastSyncOutcome(ctx context.Context, configID int64) (*model.AuditLogEntry, error) {
	var entry model.AuditLogEntry
	operation := func() error {
		err := r.db.WithContext(ctx).
			Where("configuration_id = ? AND operation = ?", configID, model.OpSyncRun).
			Order("timestamp DESC").
			First(&entry).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no sync run recorded: %w", apperrors.ErrNotFound, err)
			}
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, err)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "LastSyncOutcome", operation)
	observer.ObserveDbOperationDuration("last_sync", "audit_log", time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		logger.FromContext(ctx).Error("Failed to read last sync outcome after retries",
			zap.Int64("configuration_id", configID),
			zap.Error(findErr))
		return nil, findErr
	}
	return &entry, nil
}
