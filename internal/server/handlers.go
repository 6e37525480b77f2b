package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/audit"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/resilience"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/syncer"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

const defaultPageSize = 50

// providerOf resolves the provider kind for the response meta. Unknown or
// unresolvable configurations yield an empty provider rather than an error;
// the handler's own lookup reports those.
func (h *Handlers) providerOf(ctx context.Context, configID int64) string {
	if configID <= 0 {
		return ""
	}
	cfg, err := h.configs.FindConfigurationByID(ctx, configID)
	if err != nil {
		return ""
	}
	return cfg.Provider
}

// Handlers implements the outbound API and monitoring endpoints.
type Handlers struct {
	gateway  *usecase.GatewayService
	engine   *syncer.Engine
	executor *resilience.Executor
	recorder audit.IRecorder
	configs  storage.ConfigurationRepository
}

func NewHandlers(
	gateway *usecase.GatewayService,
	engine *syncer.Engine,
	executor *resilience.Executor,
	recorder audit.IRecorder,
	configs storage.ConfigurationRepository,
) *Handlers {
	return &Handlers{
		gateway:  gateway,
		engine:   engine,
		executor: executor,
		recorder: recorder,
		configs:  configs,
	}
}

type responseMeta struct {
	Provider       string  `json:"provider"`
	RequestID      string  `json:"request_id,omitempty"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type envelope struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *errorBody    `json:"error,omitempty"`
	Meta    *responseMeta `json:"meta,omitempty"`
}

func meta(r *http.Request, provider string, start time.Time) *responseMeta {
	return &responseMeta{
		Provider:       provider,
		RequestID:      logger.RequestIDFromContext(r.Context()),
		ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}, provider string, start time.Time) {
	utils.WriteJSONResponse(w, status, envelope{
		Success: true,
		Data:    data,
		Meta:    meta(r, provider, start),
	})
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error, provider string, start time.Time) {
	status := apiStatusForError(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	body := &errorBody{Code: apperrors.CodeOf(err), Message: err.Error()}
	switch status {
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", "1")
		body.Details = map[string]int{"retry_after_seconds": 1}
	case http.StatusServiceUnavailable:
		// Breaker cool-down; callers should back off rather than hammer.
		w.Header().Set("Retry-After", "30")
		body.Details = map[string]int{"retry_after_seconds": 30}
	}

	utils.WriteJSONResponse(w, status, envelope{
		Success: false,
		Error:   body,
		Meta:    meta(r, provider, start),
	})
}

// apiStatusForError maps the error taxonomy onto HTTP statuses. Provider
// failures surface as gateway errors, caller mistakes as 4xx.
func apiStatusForError(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrBadRequest),
		errors.Is(err, apperrors.ErrInvalidRecipient):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConfigurationInactive):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperrors.ErrAuth), errors.Is(err, apperrors.ErrTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return apperrors.NewFatal(apperrors.ErrBadRequest, "malformed request body: %v", err)
	}
	return nil
}

func configIDQuery(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("configuration_id")
	if raw == "" {
		return 0, apperrors.NewFatal(apperrors.ErrValidation, "configuration_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewFatal(apperrors.ErrValidation, "configuration_id must be a positive integer")
	}
	return id, nil
}

func pageSizeQuery(r *http.Request) int {
	raw := r.URL.Query().Get("page_size")
	if raw == "" {
		return defaultPageSize
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return defaultPageSize
	}
	return size
}

func (h *Handlers) handleSendText(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	var req usecase.SendTextRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, r, err, "", start)
		return
	}

	prov := h.providerOf(r.Context(), req.ConfigurationID)
	receipt, err := h.gateway.SendText(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusOK, receipt, prov, start)
}

type sendMediaBody struct {
	ConfigurationID int64  `json:"configuration_id"`
	To              string `json:"to"`
	MediaBase64     string `json:"media_base64"`
	Filename        string `json:"filename"`
	MediaType       string `json:"media_type"`
	Caption         string `json:"caption,omitempty"`
	Actor           string `json:"actor,omitempty"`
}

func (h *Handlers) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	var body sendMediaBody
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, r, err, "", start)
		return
	}
	prov := h.providerOf(r.Context(), body.ConfigurationID)
	media, err := base64.StdEncoding.DecodeString(body.MediaBase64)
	if err != nil {
		writeFailure(w, r, apperrors.NewFatal(apperrors.ErrValidation, "media_base64 is not valid base64"), prov, start)
		return
	}

	receipt, err := h.gateway.SendMedia(r.Context(), usecase.SendMediaRequest{
		ConfigurationID: body.ConfigurationID,
		To:              body.To,
		Media:           media,
		Filename:        body.Filename,
		MediaType:       body.MediaType,
		Caption:         body.Caption,
		Actor:           body.Actor,
	})
	if err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusOK, receipt, prov, start)
}

func (h *Handlers) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	var req usecase.CreateGroupRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, r, err, "", start)
		return
	}

	prov := h.providerOf(r.Context(), req.ConfigurationID)
	group, err := h.gateway.CreateGroup(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusCreated, group, prov, start)
}

func (h *Handlers) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	var req usecase.RemoveMemberRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, r, err, "", start)
		return
	}

	prov := h.providerOf(r.Context(), req.ConfigurationID)
	if err := h.gateway.RemoveMember(r.Context(), req); err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]bool{"removed": true}, prov, start)
}

type triggerSyncBody struct {
	ConfigurationID int64  `json:"configuration_id,omitempty"`
	Scope           string `json:"scope,omitempty"`
}

// handleTriggerSync is the entry point an external timer or operator hits.
// With a configuration_id it syncs that configuration; without, every
// active one.
func (h *Handlers) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	var body triggerSyncBody
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, r, err, "", start)
		return
	}
	scope := body.Scope
	if scope == "" {
		scope = syncer.ScopeAll
	}

	if body.ConfigurationID > 0 {
		cfg, err := h.configs.FindConfigurationByID(r.Context(), body.ConfigurationID)
		if err != nil {
			writeFailure(w, r, err, "", start)
			return
		}
		run, err := h.engine.Sync(r.Context(), cfg, scope)
		if err != nil {
			writeFailure(w, r, err, cfg.Provider, start)
			return
		}
		writeSuccess(w, r, http.StatusOK, run, cfg.Provider, start)
		return
	}

	runs, err := h.engine.SyncAll(r.Context(), scope)
	if err != nil {
		writeFailure(w, r, err, "", start)
		return
	}
	writeSuccess(w, r, http.StatusOK, runs, "", start)
}

type checkContactsBody struct {
	ConfigurationID int64    `json:"configuration_id"`
	Phones          []string `json:"phones"`
}

func (h *Handlers) handleCheckContacts(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	var body checkContactsBody
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, r, err, "", start)
		return
	}

	prov := h.providerOf(r.Context(), body.ConfigurationID)
	result, err := h.gateway.CheckContacts(r.Context(), body.ConfigurationID, body.Phones)
	if err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusOK, result, prov, start)
}

func (h *Handlers) handleListContacts(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	configID, err := configIDQuery(r)
	if err != nil {
		writeFailure(w, r, err, "", start)
		return
	}

	prov := h.providerOf(r.Context(), configID)
	page, err := h.gateway.ListContacts(r.Context(), configID, r.URL.Query().Get("cursor"), pageSizeQuery(r))
	if err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusOK, page, prov, start)
}

func (h *Handlers) handleListGroups(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	configID, err := configIDQuery(r)
	if err != nil {
		writeFailure(w, r, err, "", start)
		return
	}

	prov := h.providerOf(r.Context(), configID)
	page, err := h.gateway.ListGroups(r.Context(), configID, r.URL.Query().Get("cursor"), pageSizeQuery(r))
	if err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusOK, page, prov, start)
}

func (h *Handlers) handleListGroupMembers(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	configID, err := configIDQuery(r)
	if err != nil {
		writeFailure(w, r, err, "", start)
		return
	}

	prov := h.providerOf(r.Context(), configID)
	members, err := h.gateway.ListGroupMembers(r.Context(), configID, r.PathValue("groupID"))
	if err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusOK, members, prov, start)
}

func (h *Handlers) handleListMessages(w http.ResponseWriter, r *http.Request) {
	start := utils.Now()
	configID, err := configIDQuery(r)
	if err != nil {
		writeFailure(w, r, err, "", start)
		return
	}

	prov := h.providerOf(r.Context(), configID)
	page, err := h.gateway.ListMessages(r.Context(), configID, r.URL.Query().Get("chat_id"), r.URL.Query().Get("cursor"), pageSizeQuery(r))
	if err != nil {
		writeFailure(w, r, err, prov, start)
		return
	}
	writeSuccess(w, r, http.StatusOK, page, prov, start)
}

// configurationHealth is the per-configuration block of the health report.
type configurationHealth struct {
	ConfigurationID int64  `json:"configuration_id"`
	Name            string `json:"name"`
	Provider        string `json:"provider"`
	NeedsAttention  bool   `json:"needs_attention,omitempty"`
	BreakerState    string `json:"breaker_state"`

	LastSyncSuccess *bool      `json:"last_sync_success,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LastSyncError   string     `json:"last_sync_error,omitempty"`
}

type healthReport struct {
	Status         string                `json:"status"`
	Configurations []configurationHealth `json:"configurations"`
}

// handleHealth reports liveness plus per-configuration breaker state and
// the most recent sync outcome.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	configs, err := h.configs.ListActiveConfigurations(r.Context())
	if err != nil {
		utils.WriteJSONResponse(w, http.StatusServiceUnavailable, healthReport{Status: "DEGRADED"})
		return
	}

	report := healthReport{Status: "UP", Configurations: make([]configurationHealth, 0, len(configs))}
	for _, cfg := range configs {
		ch := configurationHealth{
			ConfigurationID: cfg.ID,
			Name:            cfg.Name,
			Provider:        cfg.Provider,
			NeedsAttention:  cfg.NeedsAttention,
			BreakerState:    h.executor.BreakerState(cfg.ID),
		}
		if last, err := h.recorder.LastSyncOutcome(r.Context(), cfg.ID); err == nil && last != nil {
			ch.LastSyncSuccess = &last.Success
			ts := last.Timestamp
			ch.LastSyncAt = &ts
			ch.LastSyncError = last.ErrorMessage
		} else if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			logger.FromContext(r.Context()).Warn("Failed to read last sync outcome",
				zap.Int64("configuration_id", cfg.ID), zap.Error(err))
		}
		report.Configurations = append(report.Configurations, ch)
	}

	utils.WriteJSONResponse(w, http.StatusOK, report)
}

func (h *Handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, map[string]string{
		"status":    "READY",
		"timestamp": utils.FormatISO8601(utils.Now()),
	})
}
