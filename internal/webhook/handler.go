package webhook

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

// maxBodyBytes caps inbound webhook bodies. Providers send media as URLs,
// not payloads, so anything past this is abuse.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responseEnvelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

// Handler serves POST /integration/webhook/{provider}. Duplicates are
// acknowledged with 200 so providers stop redelivering.
type Handler struct {
	pipeline *Pipeline
}

func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "webhook endpoint accepts POST only")
		return
	}

	providerKind := r.PathValue("provider")
	if providerKind == "" {
		writeError(w, http.StatusNotFound, "UnknownProvider", "missing provider in path")
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "failed to read request body")
		return
	}
	if len(rawBody) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", "webhook body too large")
		return
	}

	result, err := h.pipeline.Process(r.Context(), providerKind, rawBody, r.Header)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			logger.FromContext(r.Context()).Error("Webhook processing failed",
				zap.String("provider", providerKind),
				zap.Error(err),
			)
		}
		writeError(w, status, apperrors.CodeOf(err), err.Error())
		return
	}

	utils.WriteJSONResponse(w, http.StatusOK, responseEnvelope{Success: true, Data: result})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrUnknownProvider), errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConfigurationInactive):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	utils.WriteJSONResponse(w, status, responseEnvelope{
		Success: false,
		Error:   &errorBody{Code: code, Message: message},
	})
}
