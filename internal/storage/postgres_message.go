package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

// --- Message Repository Methods ---

// BulkUpsertMessages upserts message records keyed by
// (configuration_id, message_id). A conflicting row is only overwritten when
// the incoming message timestamp is not older than the stored one. Returns
// rows affected.
func (r *PostgresRepo) BulkUpsertMessages(ctx context.Context, messages []model.Message) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	loggerCtx := logger.FromContext(ctx)

	now := utils.Now()
	for i := range messages {
		messages[i].UpdatedAt = now
	}

	var rowsAffected int64
	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "configuration_id"}, {Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns((&model.Message{}).GetUpdatableFields()),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "excluded.message_timestamp >= messages.message_timestamp"},
			}},
		}).Create(&messages)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		rowsAffected = result.RowsAffected
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "BulkUpsertMessages Commit", operation)
	observer.ObserveDbOperationDuration("bulk_upsert", "message", time.Since(startTime), commitErr)
	if commitErr != nil {
		loggerCtx.Error("Failed to bulk upsert messages after retries", zap.Error(commitErr))
		return 0, commitErr
	}
	loggerCtx.Debug("Bulk upsert successful",
		zap.Int("messages_processed", len(messages)),
		zap.Int64("rows_affected", rowsAffected))
	return rowsAffected, nil
}

// InsertMessageIfNew inserts a message only when no row with the same
// (configuration_id, message_id) exists. The single statement carries the
// compare-and-set semantics the webhook path needs: the first writer wins,
// concurrent duplicates see inserted=false.
func (r *PostgresRepo) InsertMessageIfNew(ctx context.Context, message *model.Message) (bool, error) {
	message.UpdatedAt = utils.Now()

	var inserted bool
	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "configuration_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).Create(message)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		inserted = result.RowsAffected > 0
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "InsertMessageIfNew Commit", operation)
	observer.ObserveDbOperationDuration("insert_if_new", "message", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to insert message after retries",
			zap.String("message_id", message.MessageID),
			zap.Error(commitErr))
		return false, commitErr
	}
	return inserted, nil
}

// UpdateMessageStatus applies a delivery status transition to an existing
// message. A status whose timestamp precedes the recorded message timestamp
// is still applied: providers report acks with their own clock and the
// status column is the latest-known value, not a merge target.
func (r *PostgresRepo) UpdateMessageStatus(ctx context.Context, configID int64, messageID, status string, statusTimestamp int64) error {
	operation := func() error {
		updates := map[string]interface{}{
			"status":     status,
			"updated_at": utils.Now(),
		}
		result := r.db.WithContext(ctx).Model(&model.Message{}).
			Where("configuration_id = ? AND message_id = ?", configID, messageID).
			Updates(updates)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			// Status for a message the gateway has not stored yet. The
			// provider may deliver acks before the message sync catches up.
			logger.FromContext(ctx).Debug("Status update for unknown message",
				zap.Int64("configuration_id", configID),
				zap.String("message_id", messageID),
				zap.String("status", status))
			return apperrors.ErrNotFound
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpdateMessageStatus Commit", operation)
	observer.ObserveDbOperationDuration("update_status", "message", time.Since(startTime), commitErr)
	if commitErr != nil {
		if apperrors.IsNotFoundError(commitErr) {
			return apperrors.ErrNotFound
		}
		logger.FromContext(ctx).Error("Failed to update message status after retries",
			zap.String("message_id", messageID),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}
