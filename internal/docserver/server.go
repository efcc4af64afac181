// Package docserver serves a remote.Store over the /v1 JSON API consumed by
// remote.HTTPClient.
package docserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/sync/remote"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 1 << 20
)

// Config configures a Server.
type Config struct {
	Addr  string
	Token string // when set, requests need "Authorization: Bearer <token>"
}

// Server exposes a document store over HTTP.
type Server struct {
	store      remote.Store
	config     Config
	logger     *logging.Logger
	httpServer *http.Server
}

// NewServer creates a server over store.
func NewServer(store remote.Store, config Config, logger *logging.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":8090"
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Server{
		store:  store,
		config: config,
		logger: logger.Named("docserver"),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Route("/v1/{collection}", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleSet)
		r.Delete("/{id}", s.handleDelete)
	})

	return r
}

// Start listens in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", err)
		}
	}()

	s.logger.Info("document server started", map[string]interface{}{"addr": s.config.Addr})
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" {
			if strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != s.config.Token {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(remote.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	opts := remote.ListOptions{OrderBy: r.URL.Query().Get("order_by")}
	if opts.OrderBy != "" && opts.OrderBy != remote.OrderByID && opts.OrderBy != remote.OrderByLastModified {
		writeError(w, http.StatusBadRequest, "order_by must be id or last_modified")
		return
	}
	if since := r.URL.Query().Get("since"); since != "" {
		v, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		opts.Since = v
	}

	docs, err := s.store.List(r.Context(), collection, opts)
	if err != nil {
		s.fail(w, "list "+collection, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.ListResponse{Documents: docs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")

	doc, err := s.store.Get(r.Context(), collection, id)
	if err != nil {
		s.fail(w, "get "+collection+"/"+id, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")

	var doc models.Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if doc.ID != "" && doc.ID != id {
		writeError(w, http.StatusBadRequest, "document id does not match path")
		return
	}
	if doc.LastModified <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "last_modified is required")
		return
	}
	doc.ID = id

	merge := r.URL.Query().Get("merge") == "true"
	if err := s.store.Set(r.Context(), collection, id, &doc, merge); err != nil {
		s.fail(w, "set "+collection+"/"+id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")

	if err := s.store.Delete(r.Context(), collection, id); err != nil {
		s.fail(w, "delete "+collection+"/"+id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps a store error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case remote.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrPermission):
		status = http.StatusForbidden
	case apperrors.IsPermanent(err):
		status = http.StatusUnprocessableEntity
	case apperrors.Is(err, apperrors.ErrRemoteTransient):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.ErrorWithCode(op+" failed", string(apperrors.CodeOf(err)), err)
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
