package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

// --- Group Repository Methods ---

// BulkUpsertGroups upserts group records keyed by (configuration_id, group_id)
// with the same newer-wins rule as contacts. Returns rows affected.
func (r *PostgresRepo) BulkUpsertGroups(ctx context.Context, groups []model.Group) (int64, error) {
	if len(groups) == 0 {
		return 0, nil
	}
	loggerCtx := logger.FromContext(ctx)

	now := utils.Now()
	for i := range groups {
		groups[i].UpdatedAt = now
	}

	var rowsAffected int64
	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "configuration_id"}, {Name: "group_id"}},
			DoUpdates: clause.AssignmentColumns((&model.Group{}).GetUpdatableFields()),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "excluded.remote_timestamp >= groups.remote_timestamp"},
			}},
		}).Create(&groups)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		rowsAffected = result.RowsAffected
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "BulkUpsertGroups Commit", operation)
	observer.ObserveDbOperationDuration("bulk_upsert", "group", time.Since(startTime), commitErr)
	if commitErr != nil {
		loggerCtx.Error("Failed to bulk upsert groups after retries", zap.Error(commitErr))
		return 0, commitErr
	}
	loggerCtx.Debug("Bulk upsert successful",
		zap.Int("groups_processed", len(groups)),
		zap.Int64("rows_affected", rowsAffected))
	return rowsAffected, nil
}

// BulkUpsertGroupMembers upserts membership rows keyed by
// (configuration_id, group_id, contact_id). Returns rows affected.
func (r *PostgresRepo) BulkUpsertGroupMembers(ctx context.Context, members []model.GroupMember) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	loggerCtx := logger.FromContext(ctx)

	now := utils.Now()
	for i := range members {
		members[i].UpdatedAt = now
	}

	var rowsAffected int64
	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "configuration_id"}, {Name: "group_id"}, {Name: "contact_id"}},
			DoUpdates: clause.AssignmentColumns((&model.GroupMember{}).GetUpdatableFields()),
		}).Create(&members)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		rowsAffected = result.RowsAffected
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "BulkUpsertGroupMembers Commit", operation)
	observer.ObserveDbOperationDuration("bulk_upsert", "group_member", time.Since(startTime), commitErr)
	if commitErr != nil {
		loggerCtx.Error("Failed to bulk upsert group members after retries", zap.Error(commitErr))
		return 0, commitErr
	}
	return rowsAffected, nil
}

// DeactivateGroupMember marks a membership row inactive after a successful
// remote removal. Missing rows are not an error: the next sync reconciles.
func (r *PostgresRepo) DeactivateGroupMember(ctx context.Context, configID int64, groupID, contactID string) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.GroupMember{}).
			Where("configuration_id = ? AND group_id = ? AND contact_id = ?", configID, groupID, contactID).
			Updates(map[string]interface{}{
				"active":     false,
				"updated_at": utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			logger.FromContext(ctx).Debug("No local membership row to deactivate",
				zap.Int64("configuration_id", configID),
				zap.String("group_id", groupID),
				zap.String("contact_id", contactID))
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "DeactivateGroupMember Commit", operation)
	observer.ObserveDbOperationDuration("deactivate", "group_member", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to deactivate group member after retries", zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// ListActiveGroupIDs returns the provider group ids of every active group in
// one configuration. The member sync walks this list.
func (r *PostgresRepo) ListActiveGroupIDs(ctx context.Context, configID int64) ([]string, error) {
	loggerCtx := logger.FromContext(ctx)

	var groupIDs []string
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Group{}).
			Where("configuration_id = ? AND active = ?", configID, true).
			Order("group_id ASC").
			Pluck("group_id", &groupIDs)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "ListActiveGroupIDs", operation)
	observer.ObserveDbOperationDuration("list_active_ids", "group", time.Since(startTime), findErr)

	if findErr != nil {
		loggerCtx.Error("Failed to list active group ids after retries",
			zap.Int64("configuration_id", configID),
			zap.Error(findErr))
		return nil, findErr
	}
	if groupIDs == nil {
		return []string{}, nil
	}
	return groupIDs, nil
}
