// Package api serves the operational HTTP surface: health, a component
// status snapshot, and admin triggers for cache maintenance.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opennotes-ai/opennotes-sub002/internal/cache"
	"github.com/opennotes-ai/opennotes-sub002/internal/lock"
	"github.com/opennotes-ai/opennotes-sub002/internal/publisher"
	"github.com/opennotes-ai/opennotes-sub002/internal/queue"
)

// Components collects everything the status endpoint reports on. Nil fields
// are simply omitted from the snapshot.
type Components struct {
	Locks     *lock.Manager
	Queue     func() queue.Metrics
	Cache     cache.Cache
	Publisher *publisher.Publisher
}

type Server struct {
	comp  Components
	mux   *http.ServeMux
	start time.Time
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(comp Components) *Server {
	s := &Server{comp: comp, mux: http.NewServeMux(), start: time.Now()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("/v1/status", s.handleStatus)
	s.mux.HandleFunc("/v1/cache/permissions/clear", s.handlePermClear)
}

type statusResp struct {
	UptimeSeconds int64              `json:"uptime_seconds"`
	Locks         *lock.Metrics      `json:"locks,omitempty"`
	Queue         *queue.Metrics     `json:"queue,omitempty"`
	Cache         *cache.Metrics     `json:"cache,omitempty"`
	Publisher     *publisher.Metrics `json:"publisher,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	out := statusResp{UptimeSeconds: int64(time.Since(s.start).Seconds())}
	if s.comp.Locks != nil {
		m := s.comp.Locks.Metrics()
		out.Locks = &m
	}
	if s.comp.Queue != nil {
		m := s.comp.Queue()
		out.Queue = &m
	}
	if s.comp.Cache != nil {
		m := s.comp.Cache.Metrics()
		out.Cache = &m
	}
	if s.comp.Publisher != nil {
		m := s.comp.Publisher.Metrics()
		out.Publisher = &m
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePermClear forces every instance-local permission snapshot out of the
// cache; operators hit this after changing the bot's channel roles.
func (s *Server) handlePermClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.comp.Publisher == nil {
		writeErr(w, http.StatusServiceUnavailable, "publisher not running")
		return
	}
	s.comp.Publisher.ClearPermissionCache(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
