// Package httpapi exposes the indexed data over HTTP: paginated event
// queries, aggregate stats, a liveness probe, and the raw cursor
// values. It is a thin read-only shell around the Event Store; no
// request here ever mutates indexing state.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/emmick4/eth-event-indexer/internal/store"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

// Server wires the Store's read path to chi routes.
type Server struct {
	store *store.Store
}

// New builds a Server and returns its chi.Router, ready to be mounted
// or served directly.
func New(st *store.Store) http.Handler {
	s := &Server{store: st}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/events", s.handleEvents)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	r.Get("/cursors", s.handleCursors)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("httpapi: request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.EventFilter{
		From:     strings.ToLower(strings.TrimSpace(q.Get("from"))),
		To:       strings.ToLower(strings.TrimSpace(q.Get("to"))),
		Page:     1,
		PageSize: defaultPageSize,
	}

	if v := q.Get("startBlock"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "startBlock must be a non-negative integer")
			return
		}
		filter.StartBlock = &n
	}
	if v := q.Get("endBlock"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "endBlock must be a non-negative integer")
			return
		}
		filter.EndBlock = &n
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		filter.Page = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			writeError(w, http.StatusBadRequest, "pageSize must be between 1 and 200")
			return
		}
		filter.PageSize = n
	}

	result, err := s.store.GetEvents(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("httpapi: GetEvents failed")
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("httpapi: Stats failed")
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// cursorsResponse exposes both cursors side by side, deliberately not
// merged into a single "how far caught up" number — batch-sync and
// realtime-sync are independent readings.
type cursorsResponse struct {
	BatchSync    *uint64 `json:"batchSync"`
	RealtimeSync *uint64 `json:"realtimeSync"`
}

func (s *Server) handleCursors(w http.ResponseWriter, r *http.Request) {
	resp := cursorsResponse{}

	if v, ok, err := s.store.GetCursor(r.Context(), store.CursorBatchSync); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read batch-sync cursor")
		return
	} else if ok {
		resp.BatchSync = &v
	}

	if v, ok, err := s.store.GetCursor(r.Context(), store.CursorRealtimeSync); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read realtime-sync cursor")
		return
	} else if ok {
		resp.RealtimeSync = &v
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
