package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

// --- Sync Cursor Repository Methods ---

// GetCursor returns the stored cursor for one (configuration, resource).
// A missing row yields an empty cursor, meaning sync starts from the
// beginning.
func (r *PostgresRepo) GetCursor(ctx context.Context, configID int64, resource model.ResourceType) (string, error) {
	var cursor model.SyncCursor
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("configuration_id = ? AND resource = ?", configID, string(resource)).
			First(&cursor)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: cursor for %s: %w", apperrors.ErrNotFound, resource, result.Error)
			}
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "GetCursor", operation)
	observer.ObserveDbOperationDuration("get", "sync_cursor", time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return "", nil
		}
		logger.FromContext(ctx).Error("Failed to get sync cursor after retries",
			zap.Int64("configuration_id", configID),
			zap.String("resource", string(resource)),
			zap.Error(findErr))
		return "", findErr
	}
	return cursor.Cursor, nil
}

// AdvanceCursor persists the cursor for one (configuration, resource).
// Called only after the page's records are durably upserted, so a crash
// between upsert and advance causes at most reprocessing, never loss.
func (r *PostgresRepo) AdvanceCursor(ctx context.Context, configID int64, resource model.ResourceType, cursorValue string) error {
	row := model.SyncCursor{
		ConfigurationID: configID,
		Resource:        string(resource),
		Cursor:          cursorValue,
		UpdatedAt:       utils.Now(),
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "configuration_id"}, {Name: "resource"}},
			DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
		}).Create(&row)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "AdvanceCursor Commit", operation)
	observer.ObserveDbOperationDuration("advance", "sync_cursor", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to advance sync cursor after retries",
			zap.Int64("configuration_id", configID),
			zap.String("resource", string(resource)),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// --- Processed Event Repository Methods ---

// MarkEventProcessed records a webhook event id in the idempotency ledger.
// Returns true when this call claimed the event, false when another writer
// already had.
func (r *PostgresRepo) MarkEventProcessed(ctx context.Context, event *model.ProcessedEvent) (bool, error) {
	var claimed bool
	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "configuration_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).Create(event)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		claimed = result.RowsAffected > 0
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "MarkEventProcessed Commit", operation)
	observer.ObserveDbOperationDuration("mark_processed", "processed_event", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to mark event processed after retries",
			zap.String("event_id", event.EventID),
			zap.Error(commitErr))
		return false, commitErr
	}
	return claimed, nil
}
