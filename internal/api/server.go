// Package api serves the local daemon's HTTP interface: record access,
// sync control, the cash-flow dashboard and the /ws event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/stockledger/internal/app"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
)

const (
	contentTypeJSON = "application/json"
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Server exposes an App over HTTP.
type Server struct {
	app        *app.App
	token      string
	logger     *logging.Logger
	httpServer *http.Server
}

// NewServer creates a server. When token is set every route except
// /health requires "Authorization: Bearer <token>".
func NewServer(a *app.App, token string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Get()
	}
	return &Server{app: a, token: token, logger: logger.Named("api")}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		sync := &SyncHandler{app: s.app, logger: s.logger}
		r.Get("/status", sync.Status)
		r.Post("/sync", sync.SyncAll)
		r.Get("/outbox", sync.Outbox)
		r.Get("/errors", sync.Errors)

		records := &RecordHandler{app: s.app, logger: s.logger}
		r.Route("/v1/records/{collection}", func(r chi.Router) {
			r.Get("/", records.List)
			r.Post("/", records.Create)
			r.Post("/sync", records.Sync)
			r.Get("/{id}", records.Get)
			r.Put("/{id}", records.Put)
			r.Delete("/{id}", records.Delete)
		})

		dash := &DashboardHandler{app: s.app}
		r.Get("/dashboard/cashflow", dash.CashFlow)

		r.Handle("/ws", s.app.Hub)
	})

	return r
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", err)
		}
	}()

	s.logger.Info("API server started", map[string]interface{}{"addr": addr})
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				// Browsers cannot set headers on WebSocket upgrades.
				token = r.URL.Query().Get("token")
			}
			if token != s.token {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "stockledger",
		"online":  s.app.Monitor.IsOnline(),
	})
}

// statusFor maps an error code onto an HTTP status.
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound, apperrors.ErrUnknownCollection:
		return http.StatusNotFound
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrOffline:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemoteTransient, apperrors.ErrSyncFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(logger *logging.Logger, w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.ErrorWithCode(op+" failed", string(apperrors.CodeOf(err)), err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
