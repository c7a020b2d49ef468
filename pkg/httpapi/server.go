// Copyright 2024-2026 Aiku AI

// Package httpapi exposes the messaging and cache operations over a small
// JSON API consumed by the dashboard and the onboarding workflow.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/communitybot/pkg/cache"
	"github.com/aiku/communitybot/pkg/cachesync"
	"github.com/aiku/communitybot/pkg/config"
	"github.com/aiku/communitybot/pkg/messaging"
)

const maxBodySize = 1 << 20

// Server is the inbound HTTP API.
type Server struct {
	coordinator *messaging.Coordinator
	engine      *cachesync.Engine
	store       *cache.Store
	freshness   time.Duration
	maxAge      time.Duration
	log         zerolog.Logger
	srv         *http.Server
}

// New builds the API server around the coordinator, sync engine, and cache
// store.
func New(coordinator *messaging.Coordinator, engine *cachesync.Engine, store *cache.Store, cfg *config.Config, log zerolog.Logger) *Server {
	s := &Server{
		coordinator: coordinator,
		engine:      engine,
		store:       store,
		freshness:   cfg.Cache.Freshness(),
		maxAge:      time.Duration(cfg.Sync.BackgroundMaxAge) * time.Minute,
		log:         log.With().Str("component", "httpapi").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/send/direct", s.handleSendDirect)
	mux.HandleFunc("/api/send/room", s.handleSendRoom)
	mux.HandleFunc("/api/send/bulk", s.handleSendBulk)
	mux.HandleFunc("/api/send/moderators", s.handleSendModerators)
	mux.HandleFunc("/api/invite/recommended", s.handleInviteRecommended)
	mux.HandleFunc("/api/sync/full", s.handleSyncFull)
	mux.HandleFunc("/api/sync/incremental", s.handleSyncIncremental)
	mux.HandleFunc("/api/sync/background", s.handleSyncBackground)
	mux.HandleFunc("/api/cache/users", s.handleCacheUsers)
	mux.HandleFunc("/api/cache/rooms", s.handleCacheRooms)
	mux.HandleFunc("/api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.srv = &http.Server{
		Addr:    cfg.API.Addr,
		Handler: mux,
		// Bulk sends sleep between batches, so writes get a generous
		// timeout.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves the API in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("Starting HTTP API")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("HTTP API error")
		}
	}()
}

// Close shuts the server down gracefully.
func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// readBody decodes a JSON request body into dst. Returns false after
// writing the error response itself.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err = json.Unmarshal(body, dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) handleSendDirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Address string `json:"address"`
		Text    string `json:"text"`
	}
	if !s.readBody(w, r, &req) {
		return
	}
	if req.Address == "" || req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "address and text are required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.coordinator.SendDirect(r.Context(), req.Address, req.Text))
}

func (s *Server) handleSendRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		RoomID string `json:"room_id"`
		Text   string `json:"text"`
	}
	if !s.readBody(w, r, &req) {
		return
	}
	if req.RoomID == "" || req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "room_id and text are required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.coordinator.SendRoom(r.Context(), id.RoomID(req.RoomID), req.Text))
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Items     []messaging.BulkItem `json:"items"`
		BatchSize int                  `json:"batch_size"`
		DelayMs   int                  `json:"delay_ms"`
	}
	if !s.readBody(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, http.StatusBadRequest, "items are required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.coordinator.SendBulk(r.Context(), req.Items, req.BatchSize, req.DelayMs))
}

func (s *Server) handleSendModerators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Text   string `json:"text"`
		RoomID string `json:"room_id"`
	}
	if !s.readBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.coordinator.SendToModerators(r.Context(), req.Text, id.RoomID(req.RoomID)))
}

func (s *Server) handleInviteRecommended(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Address   string   `json:"address"`
		Interests []string `json:"interests"`
	}
	if !s.readBody(w, r, &req) {
		return
	}
	if req.Address == "" {
		s.writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.coordinator.InviteToRecommendedRooms(r.Context(), req.Address, req.Interests))
}

func (s *Server) handleSyncFull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	force := r.URL.Query().Get("force") == "true" || r.URL.Query().Get("force") == "1"
	s.writeJSON(w, http.StatusOK, s.engine.FullSync(r.Context(), force))
}

func (s *Server) handleSyncIncremental(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.IncrementalSync(r.Context()))
}

func (s *Server) handleSyncBackground(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	maxAge := s.maxAge
	if raw := r.URL.Query().Get("max_age_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			s.writeError(w, http.StatusBadRequest, "max_age_minutes must be a positive integer")
			return
		}
		maxAge = time.Duration(minutes) * time.Minute
	}
	s.engine.BackgroundSync(maxAge)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleCacheUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	users, err := s.store.ListUsers(r.Context(), cache.UserFilter{
		BridgeOnly: q.Get("bridge_only") == "true",
		Search:     q.Get("search"),
		RoomID:     id.RoomID(q.Get("room_id")),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleCacheRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	filter := cache.RoomFilter{
		Category:   q.Get("category"),
		Search:     q.Get("search"),
		DirectOnly: q.Get("direct_only") == "true",
	}
	if raw := q.Get("min_members"); raw != "" {
		minMembers, err := strconv.Atoi(raw)
		if err != nil || minMembers < 0 {
			s.writeError(w, http.StatusBadRequest, "min_members must be a non-negative integer")
			return
		}
		filter.MinMembers = minMembers
	}
	rooms, err := s.store.ListRooms(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "count": len(rooms)})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.store.Stats(r.Context(), s.freshness)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	health := s.engine.Health(r.Context())
	status := http.StatusOK
	if health.Status == cachesync.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}
