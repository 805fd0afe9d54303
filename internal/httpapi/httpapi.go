// Package httpapi exposes the HTTP-class interfaces that sit outside the
// event fabric: health, the websocket upgrade entrypoint, and the
// large-file download stream (spec §6).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"

	"sharethings/internal/content"
	"sharethings/internal/logging"
	"sharethings/internal/relay"
	"sharethings/internal/session"
	"sharethings/internal/sysmetrics"
)

// WebsocketHandler is satisfied by transport.Adapter; kept as an interface
// here so httpapi doesn't need to import the concrete transport type.
type WebsocketHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// StatsProvider is satisfied by relay.Core; kept as an interface so a nil
// core (e.g. in narrow package tests) can be omitted from /metrics.
type StatsProvider interface {
	Stats() relay.Stats
}

// Server wires the HTTP-class routes. Mount it with Handler() on an
// *http.Server or as a sub-mux.
type Server struct {
	adapter  WebsocketHandler
	store    content.Store
	registry *session.Registry
	core     StatsProvider
	logger   *slog.Logger

	joinLimiter *joinRateLimiter
}

func NewServer(adapter WebsocketHandler, store content.Store, registry *session.Registry, core StatsProvider, logger *slog.Logger) *Server {
	return &Server{
		adapter:     adapter,
		store:       store,
		registry:    registry,
		core:        core,
		logger:      logging.Default(logger).With("component", "httpapi"),
		joinLimiter: newJoinRateLimiter(rate.Limit(5), 10),
	}
}

// Handler returns the mux serving /health, /metrics, /ws, and the download
// endpoint. Starts the join rate limiter's background cleanup; call once.
func (s *Server) Handler() http.Handler {
	stop := make(chan struct{})
	s.joinLimiter.startCleanup(stop, 3*time.Minute, 5*time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("GET /ws", s.joinLimiter.middleware(http.HandlerFunc(s.adapter.ServeHTTP)))
	mux.Handle("GET /api/content/{contentId}/download", gzhttp.GzipHandler(http.HandlerFunc(s.handleDownload)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// metricsResponse is the /metrics introspection shape (spec §11 supplemented
// feature: no Prometheus client in the wired dependency set for this scope).
type metricsResponse struct {
	ActiveSessions   int     `json:"activeSessions"`
	ConnectedClients int     `json:"connectedClients"`
	CPUPercent       float64 `json:"cpuPercent"`
	MemoryInuseBytes int64   `json:"memoryInuseBytes"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{
		CPUPercent:       sysmetrics.CPUPercent(),
		MemoryInuseBytes: sysmetrics.MemoryInuse(),
	}
	if s.core != nil {
		stats := s.core.Stats()
		resp.ActiveSessions = stats.ActiveSessions
		resp.ConnectedClients = stats.ConnectedClients
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	contentID := r.PathValue("contentId")

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	item, err := s.store.GetContentMetadata(r.Context(), contentID)
	if err != nil {
		s.logger.Error("download metadata lookup failed", "content_id", contentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if item == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if !s.registry.TokenAuthorizesSession(item.SessionID, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	mimeType := item.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	fileName := "download"
	if name, ok := item.AdditionalMetadata["fileName"].(string); ok && name != "" {
		fileName = name
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.FormatUint(item.TotalSize, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, fileName))
	w.WriteHeader(http.StatusOK)

	err = s.store.StreamContentForDownload(r.Context(), contentID, func(_ context.Context, chunk content.Chunk) error {
		_, werr := w.Write(chunk.Payload)
		return werr
	})
	if err != nil && !errors.Is(err, http.ErrBodyNotAllowed) {
		s.logger.Warn("download stream interrupted", "content_id", contentID, "error", err)
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
