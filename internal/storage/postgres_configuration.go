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

// --- Configuration Repository Methods ---

// FindConfigurationByID finds a configuration by its primary key.
func (r *PostgresRepo) FindConfigurationByID(ctx context.Context, id int64) (*model.Configuration, error) {
	loggerCtx := logger.FromContext(ctx)

	var cfg model.Configuration
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ?", id).First(&cfg)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: configuration %d: %w", apperrors.ErrNotFound, id, result.Error)
			}
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindConfigurationByID", operation)
	observer.ObserveDbOperationDuration("find_by_id", "configuration", time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find configuration by ID after retries",
			zap.Int64("configuration_id", id),
			zap.Error(findErr))
		return nil, findErr
	}
	return &cfg, nil
}

// FindConfigurationByChannel resolves a configuration from a webhook's
// provider kind and channel identifier.
func (r *PostgresRepo) FindConfigurationByChannel(ctx context.Context, provider, channelID string) (*model.Configuration, error) {
	loggerCtx := logger.FromContext(ctx)

	var cfg model.Configuration
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("provider = ? AND channel_id = ?", provider, channelID).
			First(&cfg)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: configuration for %s channel %s: %w", apperrors.ErrNotFound, provider, channelID, result.Error)
			}
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindConfigurationByChannel", operation)
	observer.ObserveDbOperationDuration("find_by_channel", "configuration", time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find configuration by channel after retries",
			zap.String("provider", provider),
			zap.String("channel_id", channelID),
			zap.Error(findErr))
		return nil, findErr
	}
	return &cfg, nil
}

// ListActiveConfigurations returns every active configuration, ordered by id.
func (r *PostgresRepo) ListActiveConfigurations(ctx context.Context) ([]model.Configuration, error) {
	loggerCtx := logger.FromContext(ctx)

	var configs []model.Configuration
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("active = ?", true).
			Order("id ASC").
			Find(&configs)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "ListActiveConfigurations", operation)
	observer.ObserveDbOperationDuration("list_active", "configuration", time.Since(startTime), findErr)

	if findErr != nil {
		loggerCtx.Error("Failed to list active configurations after retries", zap.Error(findErr))
		return nil, findErr
	}
	if configs == nil {
		return []model.Configuration{}, nil
	}
	return configs, nil
}

// SaveConfiguration upserts a configuration keyed by (provider, channel_id).
func (r *PostgresRepo) SaveConfiguration(ctx context.Context, cfg *model.Configuration) error {
	cfg.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns(cfg.GetUpdatableFields()),
		}).Create(cfg)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "SaveConfiguration Commit", operation)
	observer.ObserveDbOperationDuration("save", "configuration", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to save configuration after retries", zap.Error(commitErr))
		return commitErr
	}
	return nil
}

// FlagConfigurationAttention marks a configuration as needing operator
// attention, typically after an AuthError from the provider.
func (r *PostgresRepo) FlagConfigurationAttention(ctx context.Context, id int64, needsAttention bool) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Configuration{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"needs_attention": needsAttention,
				"updated_at":      utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: configuration %d", apperrors.ErrNotFound, id)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "FlagConfigurationAttention Commit", operation)
	observer.ObserveDbOperationDuration("flag_attention", "configuration", time.Since(startTime), commitErr)
	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to flag configuration after retries",
			zap.Int64("configuration_id", id),
			zap.Error(commitErr))
		return commitErr
	}
	return nil
}
