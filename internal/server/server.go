package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/webhook"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
)

// Server is the gateway's HTTP surface: the outbound API, the webhook
// ingestion endpoint, health and metrics.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *zap.Logger
}

// NewServer wires all routes. The webhook handler is mounted as-is; the
// rest of the API goes through Handlers.
func NewServer(port string, h *Handlers, webhookHandler *webhook.Handler, log *zap.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:    ":" + port,
			Handler: requestID(mux),
		},
		mux:    mux,
		logger: log,
	}

	mux.Handle("POST /integration/webhook/{provider}", webhookHandler)

	mux.HandleFunc("POST /api/v1/messages/text", h.handleSendText)
	mux.HandleFunc("POST /api/v1/messages/media", h.handleSendMedia)
	mux.HandleFunc("POST /api/v1/groups", h.handleCreateGroup)
	mux.HandleFunc("POST /api/v1/groups/remove-member", h.handleRemoveMember)
	mux.HandleFunc("POST /api/v1/sync/trigger", h.handleTriggerSync)
	mux.HandleFunc("POST /api/v1/contacts/check", h.handleCheckContacts)
	mux.HandleFunc("GET /api/v1/contacts", h.handleListContacts)
	mux.HandleFunc("GET /api/v1/groups", h.handleListGroups)
	mux.HandleFunc("GET /api/v1/groups/{groupID}/members", h.handleListGroupMembers)
	mux.HandleFunc("GET /api/v1/messages", h.handleListMessages)

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)

	return server
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// requestID assigns each request an id, honoring one supplied by the
// caller, and threads a request-scoped logger through the context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logger.WithRequestID(r.Context(), id)
		ctx = logger.WithLogger(ctx, logger.Log.With(zap.String("request_id", id)))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
