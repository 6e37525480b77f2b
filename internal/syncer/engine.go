package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/audit"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/resilience"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
)

// ScopeAll selects every resource type in one run.
const ScopeAll = "all"

// Store is the persistence surface the engine needs.
type Store interface {
	storage.ConfigurationRepository
	storage.ContactRepository
	storage.GroupRepository
	storage.MessageRepository
	storage.CursorRepository
}

// ResourceResult is the outcome of syncing one resource type.
type ResourceResult struct {
	Resource model.ResourceType `json:"resource"`
	Pages    int                `json:"pages"`
	Fetched  int                `json:"fetched"`
	Upserted int64              `json:"upserted"`
	Cursor   string             `json:"cursor,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// RunResult aggregates one sync run over a single configuration.
type RunResult struct {
	ConfigurationID int64            `json:"configuration_id"`
	Provider        string           `json:"provider"`
	Scope           string           `json:"scope"`
	Resources       []ResourceResult `json:"resources"`
	Succeeded       int              `json:"succeeded"`
	Failed          int              `json:"failed"`
	FirstError      string           `json:"first_error,omitempty"`
	DurationMs      float64          `json:"duration_ms"`
}

// Engine drives incremental pull of remote state into local storage.
// Each (configuration, resource) pair keeps its own cursor; a failure in
// one resource never aborts the others.
type Engine struct {
	cfg      config.SyncConfig
	store    Store
	registry *provider.Registry
	executor *resilience.Executor
	cache    *cache.Store
	recorder audit.IRecorder
}

func NewEngine(
	cfg config.SyncConfig,
	store Store,
	registry *provider.Registry,
	executor *resilience.Executor,
	cacheStore *cache.Store,
	recorder audit.IRecorder,
) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		executor: executor,
		cache:    cacheStore,
		recorder: recorder,
	}
}

func resourcesForScope(scope string) ([]model.ResourceType, error) {
	if scope == "" || scope == ScopeAll {
		return model.AllResources(), nil
	}
	for _, r := range model.AllResources() {
		if string(r) == scope {
			return []model.ResourceType{r}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown sync scope %q", apperrors.ErrValidation, scope)
}

// Sync runs one incremental pull for a configuration and scope. The
// returned RunResult is always non-nil when the scope is valid; resource
// errors are aggregated, not returned.
func (e *Engine) Sync(ctx context.Context, cfg *model.Configuration, scope string) (*RunResult, error) {
	resources, err := resourcesForScope(scope)
	if err != nil {
		return nil, err
	}
	adapter, err := e.registry.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	log := logger.FromContext(ctx).With(
		zap.Int64("configuration_id", cfg.ID),
		zap.String("provider", cfg.Provider),
		zap.String("scope", scope),
	)
	log.Info("Sync run started")

	result := &RunResult{
		ConfigurationID: cfg.ID,
		Provider:        cfg.Provider,
		Scope:           scope,
	}
	for _, resource := range resources {
		if ctx.Err() != nil {
			break
		}
		rr := e.syncResource(ctx, cfg, adapter, resource)
		result.Resources = append(result.Resources, rr)
		observer.IncSyncRun(cfg.Provider, string(resource), errOrNil(rr.Error))
		if rr.Error == "" {
			result.Succeeded++
			continue
		}
		result.Failed++
		if result.FirstError == "" {
			result.FirstError = rr.Error
		}
		log.Warn("Resource sync failed",
			zap.String("resource", string(resource)),
			zap.String("error", rr.Error),
		)
	}
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0

	entry := model.AuditLogEntry{
		Operation:       model.OpSyncRun,
		Provider:        cfg.Provider,
		ConfigurationID: cfg.ID,
		Success:         result.Failed == 0,
		ResponseTimeMs:  result.DurationMs,
	}
	if result.FirstError != "" {
		entry.ErrorMessage = result.FirstError
	}
	e.recorder.Record(ctx, entry)

	log.Info("Sync run finished",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Float64("duration_ms", result.DurationMs),
	)
	return result, nil
}

func errOrNil(msg string) error {
	if msg == "" {
		return nil
	}
	return fmt.Errorf("%s", msg)
}

func (e *Engine) syncResource(ctx context.Context, cfg *model.Configuration, adapter provider.Adapter, resource model.ResourceType) ResourceResult {
	rr := ResourceResult{Resource: resource}

	if resource == model.ResourceMembers {
		e.syncMembers(ctx, cfg, adapter, &rr)
		return rr
	}

	cursor, err := e.store.GetCursor(ctx, cfg.ID, resource)
	if err != nil {
		rr.Error = err.Error()
		return rr
	}
	rr.Cursor = cursor

	changed := false
	for rr.Pages < e.cfg.MaxPages {
		if ctx.Err() != nil {
			rr.Error = ctx.Err().Error()
			break
		}

		fetched, upserted, nextCursor, err := e.syncPage(ctx, cfg, adapter, resource, cursor)
		if err != nil {
			rr.Error = err.Error()
			break
		}
		rr.Pages++
		rr.Fetched += fetched
		rr.Upserted += upserted
		observer.AddSyncRecords(cfg.Provider, string(resource), int(upserted))
		if upserted > 0 {
			changed = true
		}

		if fetched == 0 {
			break
		}

		// The page is durably upserted; only now may the cursor move.
		if nextCursor != "" && nextCursor != cursor {
			if err := e.store.AdvanceCursor(ctx, cfg.ID, resource, nextCursor); err != nil {
				rr.Error = err.Error()
				break
			}
			cursor = nextCursor
			rr.Cursor = cursor
		}

		if nextCursor == "" {
			break
		}
		if upserted == 0 {
			// Plateau: the provider is re-serving records we already hold.
			break
		}
	}

	if changed {
		e.cache.InvalidateResource(cfg.ID, resource)
	}
	return rr
}

func (e *Engine) syncPage(ctx context.Context, cfg *model.Configuration, adapter provider.Adapter, resource model.ResourceType, cursor string) (fetched int, upserted int64, nextCursor string, err error) {
	now := time.Now().UTC()

	switch resource {
	case model.ResourceContacts:
		var page *provider.ContactPage
		_, err = e.executor.Execute(ctx, cfg, model.OpFetchContacts, func(ctx context.Context) error {
			var fetchErr error
			page, fetchErr = adapter.FetchContacts(ctx, cursor, e.cfg.PageSize)
			return fetchErr
		})
		if err != nil {
			return 0, 0, "", err
		}
		for i := range page.Contacts {
			page.Contacts[i].ConfigurationID = cfg.ID
			page.Contacts[i].SyncedAt = now
		}
		upserted, err = e.store.BulkUpsertContacts(ctx, page.Contacts)
		return len(page.Contacts), upserted, page.NextCursor, err

	case model.ResourceGroups:
		var page *provider.GroupPage
		_, err = e.executor.Execute(ctx, cfg, model.OpFetchGroups, func(ctx context.Context) error {
			var fetchErr error
			page, fetchErr = adapter.FetchGroups(ctx, cursor, e.cfg.PageSize)
			return fetchErr
		})
		if err != nil {
			return 0, 0, "", err
		}
		for i := range page.Groups {
			page.Groups[i].ConfigurationID = cfg.ID
			page.Groups[i].SyncedAt = now
		}
		upserted, err = e.store.BulkUpsertGroups(ctx, page.Groups)
		return len(page.Groups), upserted, page.NextCursor, err

	case model.ResourceMessages:
		var page *provider.MessagePage
		_, err = e.executor.Execute(ctx, cfg, model.OpFetchMessages, func(ctx context.Context) error {
			var fetchErr error
			page, fetchErr = adapter.FetchMessages(ctx, "", cursor, e.cfg.PageSize)
			return fetchErr
		})
		if err != nil {
			return 0, 0, "", err
		}
		for i := range page.Messages {
			page.Messages[i].ConfigurationID = cfg.ID
			page.Messages[i].SyncedAt = now
		}
		upserted, err = e.store.BulkUpsertMessages(ctx, page.Messages)
		return len(page.Messages), upserted, page.NextCursor, err
	}
	return 0, 0, "", fmt.Errorf("%w: resource %q has no page fetch", apperrors.ErrValidation, resource)
}

// syncMembers reconciles membership for every locally known active group.
// Membership has no provider cursor; each run refetches the member list of
// each group. A failure on one group is recorded and the rest continue.
func (e *Engine) syncMembers(ctx context.Context, cfg *model.Configuration, adapter provider.Adapter, rr *ResourceResult) {
	groupIDs, err := e.store.ListActiveGroupIDs(ctx, cfg.ID)
	if err != nil {
		rr.Error = err.Error()
		return
	}

	now := time.Now().UTC()
	changed := false
	for _, groupID := range groupIDs {
		if ctx.Err() != nil {
			rr.Error = ctx.Err().Error()
			break
		}

		var members []model.GroupMember
		_, err := e.executor.Execute(ctx, cfg, model.OpFetchMembers, func(ctx context.Context) error {
			var fetchErr error
			members, fetchErr = adapter.FetchGroupMembers(ctx, groupID)
			return fetchErr
		})
		if err != nil {
			if rr.Error == "" {
				rr.Error = err.Error()
			}
			continue
		}
		rr.Pages++
		rr.Fetched += len(members)
		if len(members) == 0 {
			continue
		}
		for i := range members {
			members[i].ConfigurationID = cfg.ID
			members[i].GroupID = groupID
			members[i].SyncedAt = now
		}
		upserted, err := e.store.BulkUpsertGroupMembers(ctx, members)
		if err != nil {
			if rr.Error == "" {
				rr.Error = err.Error()
			}
			continue
		}
		rr.Upserted += upserted
		observer.AddSyncRecords(cfg.Provider, string(model.ResourceMembers), int(upserted))
		if upserted > 0 {
			changed = true
		}
	}

	if changed {
		e.cache.InvalidateResource(cfg.ID, model.ResourceMembers)
	}
}

// SyncAll fans one sync run out over every active configuration on a
// worker pool. Configurations sync independently; the slowest bounds the
// overall run.
func (e *Engine) SyncAll(ctx context.Context, scope string) ([]RunResult, error) {
	if _, err := resourcesForScope(scope); err != nil {
		return nil, err
	}

	configs, err := e.store.ListActiveConfigurations(ctx)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, nil
	}

	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Log.Error("Panic recovered in sync pool", zap.Any("panic_error", p), zap.Stack("stack"))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create sync pool: %w", err)
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		results = make([]RunResult, 0, len(configs))
		wg      sync.WaitGroup
	)
	for i := range configs {
		cfg := configs[i]
		wg.Add(1)
		submit := func() {
			defer wg.Done()
			run, err := e.Sync(ctx, &cfg, scope)
			if err != nil {
				run = &RunResult{
					ConfigurationID: cfg.ID,
					Provider:        cfg.Provider,
					Scope:           scope,
					Failed:          1,
					FirstError:      err.Error(),
				}
			}
			mu.Lock()
			results = append(results, *run)
			mu.Unlock()
		}
		if err := pool.Submit(submit); err != nil {
			wg.Done()
			mu.Lock()
			results = append(results, RunResult{
				ConfigurationID: cfg.ID,
				Provider:        cfg.Provider,
				Scope:           scope,
				Failed:          1,
				FirstError:      err.Error(),
			})
			mu.Unlock()
		}
	}
	wg.Wait()
	return results, nil
}
