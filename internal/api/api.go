// Package api is the operator HTTP surface of the daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/runtime"
)

// Agents is the slice of the runtime the API drives.
type Agents interface {
	SpawnAgent(ctx context.Context, req runtime.SpawnRequest) (market.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	RoomStats(ctx context.Context, roomID string) (market.RoomStats, error)
}

type Records interface {
	GetAgent(ctx context.Context, id string) (market.Agent, error)
	GetDeal(ctx context.Context, id string) (market.Deal, error)
	RoomDeals(ctx context.Context, roomID string) ([]market.Deal, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]market.Message, error)
}

// Streamer serves a room's live event stream.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, roomID string)
}

type Server struct {
	Agents  Agents
	Records Records
	Stream  Streamer
	Metrics http.Handler
	Log     *zap.SugaredLogger
}

const maxMessages = 200

// Router builds the chi routes.
func (s *Server) Router() http.Handler {
	if s.Log == nil {
		s.Log = zap.NewNop().Sugar()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/rooms/{roomID}/agents", s.spawnAgent)
		api.Get("/rooms/{roomID}/stats", s.roomStats)
		api.Get("/rooms/{roomID}/deals", s.roomDeals)
		api.Get("/rooms/{roomID}/messages", s.roomMessages)
		api.Get("/rooms/{roomID}/ws", func(w http.ResponseWriter, r *http.Request) {
			s.Stream.ServeWS(w, r, chi.URLParam(r, "roomID"))
		})
		api.Get("/agents/{agentID}", s.getAgent)
		api.Delete("/agents/{agentID}", s.deleteAgent)
		api.Get("/deals/{dealID}", s.getDeal)
	})
	return r
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req runtime.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	req.RoomID = chi.URLParam(r, "roomID")
	a, err := s.Agents.SpawnAgent(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.Agents.DeleteAgent(r.Context(), chi.URLParam(r, "agentID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.Records.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) roomStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Agents.RoomStats(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) roomDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := s.Records.RoomDeals(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if deals == nil {
		deals = []market.Deal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessages)
	}
	msgs, err := s.Records.RecentMessages(r.Context(), chi.URLParam(r, "roomID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []market.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	d, err := s.Records.GetDeal(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, market.ErrInvalidMandate):
		return http.StatusBadRequest, "INVALID_MANDATE"
	case errors.Is(err, market.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, market.ErrLockContention):
		return http.StatusConflict, "LOCK_CONTENTION"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}
