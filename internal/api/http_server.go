package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"goldrock/internal/config"
	"goldrock/internal/domain"
	"goldrock/internal/models"

	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// ResourceService serves cached backend documents.
type ResourceService interface {
	domain.ResourceFetcher
	Clear(ctx context.Context) error
}

// Deps are the collaborators the local API drives.
type Deps struct {
	Coordinator domain.SyncCoordinator
	Signals     domain.ConnectivitySignaler
	Resources   ResourceService
}

// HTTPServer exposes the coordinator to the UI shell over local JSON/HTTP.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("POST /api/v1/actions", srv.handleEnqueue)
	mux.HandleFunc("GET /api/v1/queue", srv.handleQueueStatus)
	mux.HandleFunc("DELETE /api/v1/queue", srv.handleQueueClear)
	mux.HandleFunc("POST /api/v1/queue/drain", srv.handleDrain)
	mux.HandleFunc("GET /api/v1/connectivity", srv.handleConnectivity)
	mux.HandleFunc("POST /api/v1/connectivity", srv.handleSetConnectivity)
	if deps.Resources != nil {
		mux.HandleFunc("GET /api/v1/resources/{path...}", srv.handleResource)
		mux.HandleFunc("DELETE /api/v1/resources", srv.handleResourcesClear)
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           loggingMiddleware(logger, srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("local API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"online":  s.deps.Coordinator.IsOnline(),
		"pending": s.deps.Coordinator.QueueStatus().PendingCount,
	})
}

type enqueueRequest struct {
	Kind    models.ActionKind `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !body.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", body.Kind))
		return
	}
	if len(body.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	action := s.deps.Coordinator.Enqueue(body.Kind, body.Payload)
	writeJSON(w, http.StatusAccepted, action)
}

func (s *HTTPServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Coordinator.QueueStatus())
}

func (s *HTTPServer) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Coordinator.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Coordinator.IsOnline() {
		writeError(w, http.StatusConflict, "offline")
		return
	}
	// a started drain runs to completion even if the caller goes away
	s.deps.Coordinator.Drain(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, s.deps.Coordinator.QueueStatus())
}

type connectivityBody struct {
	Online *bool `json:"online"`
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.deps.Coordinator.IsOnline()})
}

func (s *HTTPServer) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signals == nil {
		writeError(w, http.StatusNotImplemented, "connectivity signals are not accepted")
		return
	}
	var body connectivityBody
	if err := decodeBody(w, r, &body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}

	s.deps.Signals.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.deps.Coordinator.IsOnline()})
}

func (s *HTTPServer) handleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.PathValue("path"), "/")
	if path == "" {
		writeError(w, http.StatusBadRequest, "resource path is required")
		return
	}
	path = "/" + path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	doc, err := s.deps.Resources.Fetch(r.Context(), path)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("resource unavailable")
		writeError(w, http.StatusBadGateway, "resource unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *HTTPServer) handleResourcesClear(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Resources.Clear(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("failed to clear resource cache")
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
