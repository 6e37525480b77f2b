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

// --- Contact Repository Methods ---

// BulkUpsertContacts upserts contact records keyed by
// (configuration_id, contact_id). A conflicting row is only overwritten when
// the incoming remote timestamp is not older than the stored one, so a
// replayed page never clobbers fresher data. Returns rows affected.
func (r *PostgresRepo) BulkUpsertContacts(ctx context.Context, contacts []model.Contact) (int64, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	loggerCtx := logger.FromContext(ctx)

	now := utils.Now()
	for i := range contacts {
		contacts[i].UpdatedAt = now
	}

	var rowsAffected int64
	operation := func() error {
		tx := r.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
		}
		var txErr error
		defer func() {
			if r := recover(); r != nil {
				tx.Rollback()
				panic(r)
			} else if txErr != nil {
				if rbErr := tx.Rollback().Error; rbErr != nil {
					loggerCtx.Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
				}
			}
		}()

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "configuration_id"}, {Name: "contact_id"}},
			DoUpdates: clause.AssignmentColumns((&model.Contact{}).GetUpdatableFields()),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "excluded.remote_timestamp >= contacts.remote_timestamp"},
			}},
		}).Create(&contacts)

		if result.Error != nil {
			txErr = checkConstraintViolation(result.Error)
			return txErr
		}
		rowsAffected = result.RowsAffected

		if commitErr := tx.Commit().Error; commitErr != nil {
			txErr = fmt.Errorf("%w: failed to commit bulk upsert transaction: %w", apperrors.ErrDatabase, commitErr)
			return txErr
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "BulkUpsertContacts Commit", operation)
	observer.ObserveDbOperationDuration("bulk_upsert", "contact", time.Since(startTime), commitErr)
	if commitErr != nil {
		loggerCtx.Error("Failed to bulk upsert contacts after retries", zap.Error(commitErr))
		return 0, commitErr
	}
	loggerCtx.Debug("Bulk upsert successful",
		zap.Int("contacts_processed", len(contacts)),
		zap.Int64("rows_affected", rowsAffected))
	return rowsAffected, nil
}

// FindContactByContactID finds a contact by its provider identifier within
// one configuration.
func (r *PostgresRepo) FindContactByContactID(ctx context.Context, configID int64, contactID string) (*model.Contact, error) {
	loggerCtx := logger.FromContext(ctx)

	var contact model.Contact
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("configuration_id = ? AND contact_id = ?", configID, contactID).
			First(&contact)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: contact %s: %w", apperrors.ErrNotFound, contactID, result.Error)
			}
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindContactByContactID", operation)
	observer.ObserveDbOperationDuration("find_by_contact_id", "contact", time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find contact after retries",
			zap.Int64("configuration_id", configID),
			zap.String("contact_id", contactID),
			zap.Error(findErr))
		return nil, findErr
	}
	return &contact, nil
}
