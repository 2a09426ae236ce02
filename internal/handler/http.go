package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ice-clicker/internal/auth"
	"github.com/ice-clicker/internal/config"
	"github.com/ice-clicker/internal/domain"
	"github.com/ice-clicker/internal/game"
	"github.com/ice-clicker/internal/redis"
	"github.com/ice-clicker/internal/service"
	"github.com/ice-clicker/internal/websocket"
)

type contextKey string

const telegramIDKey contextKey = "telegram_id"

// Handler provides HTTP handlers for the clicker API
type Handler struct {
	service   *service.GameService
	board     *redis.Leaderboard
	hub       *websocket.Hub
	validator *auth.Validator
	lbCfg     *config.LeaderboardConfig
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc *service.GameService, board *redis.Leaderboard, hub *websocket.Hub, validator *auth.Validator, lbCfg *config.LeaderboardConfig, logger *slog.Logger) *Handler {
	return &Handler{
		service:   svc,
		board:     board,
		hub:       hub,
		validator: validator,
		lbCfg:     lbCfg,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// UserResponse decorates the stored progress with derived display fields.
type UserResponse struct {
	*domain.UserProgress
	Level          int    `json:"level"`
	LevelName      string `json:"level_name"`
	PointsPerClick int64  `json:"points_per_click"`
	MaxEnergy      int64  `json:"max_energy"`
	ProfitPerHour  int64  `json:"profit_per_hour"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public leaderboard reads
		r.Route("/leaderboard", func(r chi.Router) {
			r.Get("/top", h.GetLeaderboardTop)
			r.Get("/player/{telegramID}", h.GetPlayerRank)
		})

		// Authenticated game operations
		r.Group(func(r chi.Router) {
			r.Use(h.telegramAuth)

			r.Get("/user", h.GetUser)
			r.Get("/user/referrals", h.GetReferrals)
			r.Post("/sync", h.Sync)
			r.Post("/upgrade/{track}", h.Upgrade)
			r.Post("/refill-energy", h.RefillEnergy)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID, X-Telegram-Init-Data")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// telegramAuth validates the init data credential and stashes the resulting
// telegram id in the request context.
func (h *Handler) telegramAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		initData := r.Header.Get("X-Telegram-Init-Data")
		if initData == "" {
			initData = r.URL.Query().Get("initData")
		}
		if initData == "" {
			h.writeError(w, http.StatusBadRequest, auth.ErrMissingInitData)
			return
		}

		user, err := h.validator.Validate(initData)
		if err != nil {
			h.logger.Warn("init data validation failed", "error", err)
			h.writeError(w, http.StatusForbidden, err)
			return
		}

		ctx := context.WithValue(r.Context(), telegramIDKey, user.TelegramID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func telegramID(r *http.Request) string {
	id, _ := r.Context().Value(telegramIDKey).(string)
	return id
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps domain errors to HTTP status codes
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case err == domain.ErrUserNotFound:
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsValidationError(err), domain.IsBusinessRuleError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case err == domain.ErrConflictRetryExhausted:
		h.writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

func (h *Handler) userResponse(u *domain.UserProgress) *UserResponse {
	rules := h.service.Rules()
	return &UserResponse{
		UserProgress:   u,
		Level:          game.CalculateLevel(u.Points),
		LevelName:      game.LevelNames[game.CalculateLevel(u.Points)],
		PointsPerClick: rules.PointsPerClick(u.MultitapLevel),
		MaxEnergy:      rules.MaxEnergy(u.EnergyLimitLevel),
		ProfitPerHour:  rules.ProfitPerHour(u.MineLevel),
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// GetUser returns the caller's progress, creating the record on first visit.
// Passive accrual is folded in before the state is returned.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	referrer := r.URL.Query().Get("referrer")

	user, err := h.service.GetOrCreateUser(r.Context(), telegramID(r), referrer)
	if err != nil {
		h.writeServiceError(w, "get user", err)
		return
	}

	h.writeSuccess(w, h.userResponse(user))
}

// GetReferrals returns the users referred by the caller
func (h *Handler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Referrals(r.Context(), telegramID(r))
	if err != nil {
		h.writeServiceError(w, "get referrals", err)
		return
	}

	h.writeSuccess(w, list)
}

// Sync reconciles client-reported progress against the server ledger
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req domain.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.service.Sync(r.Context(), telegramID(r), &req)
	if err != nil {
		h.writeServiceError(w, "sync", err)
		return
	}

	h.writeSuccess(w, result)
}

// Upgrade purchases the next level on an upgrade track
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	track, err := domain.ParseTrack(chi.URLParam(r, "track"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.Upgrade(r.Context(), telegramID(r), track)
	if err != nil {
		h.writeServiceError(w, "upgrade", err)
		return
	}

	h.writeSuccess(w, result)
}

// RefillEnergy restores energy to the maximum, consuming a daily refill
func (h *Handler) RefillEnergy(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RefillEnergy(r.Context(), telegramID(r))
	if err != nil {
		h.writeServiceError(w, "refill energy", err)
		return
	}

	h.writeSuccess(w, result)
}

// GetLeaderboardTop returns the top N players by lifetime points
func (h *Handler) GetLeaderboardTop(w http.ResponseWriter, r *http.Request) {
	limit := h.lbCfg.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > h.lbCfg.MaxLimit {
		limit = h.lbCfg.MaxLimit
	}

	entries, err := h.board.Top(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to get leaderboard top", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entries)
}

// GetPlayerRank returns a player's rank and points
func (h *Handler) GetPlayerRank(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "telegramID")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entry, err := h.board.PlayerRank(r.Context(), id)
	if err != nil {
		if err == domain.ErrUserNotFound {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get player rank", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entry)
}
