// Package api serves the read-only HTTP API and the operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/nuwa/skyeye-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize    = 20
	maxPageSize        = 100
	profileRecentLimit = 10
	roastTextLimit     = 200
)

// LeaderboardItem is one ranked target
type LeaderboardItem struct {
	Rank           int        `json:"rank"`
	Handle         string     `json:"handle"`
	RoastCount     int        `json:"roast_count"`
	UniqueRoasters int        `json:"unique_roasters"`
	LastRoastedAt  *time.Time `json:"last_roasted_at"`
}

// LeaderboardResponse is a page of the leaderboard
type LeaderboardResponse struct {
	Total int64             `json:"total"`
	Data  []LeaderboardItem `json:"data"`
}

// ProfileResponse is the roast profile of one target
type ProfileResponse struct {
	Handle         string               `json:"handle"`
	RoastCount     int                  `json:"roast_count"`
	UniqueRoasters int                  `json:"unique_roasters"`
	FirstRoastedAt *time.Time           `json:"first_roasted_at"`
	LastRoastedAt  *time.Time           `json:"last_roasted_at"`
	RoastThemes    []string             `json:"roast_themes"`
	RecentRoasts   []models.RecentRoast `json:"recent_roasts"`
}

// RequesterResponse is the profile of one requester
type RequesterResponse struct {
	UserID          string                  `json:"user_id"`
	Username        string                  `json:"username"`
	RequestCount    int                     `json:"request_count"`
	FavoriteTargets []models.FavoriteTarget `json:"favorite_targets"`
}

// RoastHistoryItem is one roast requested by a requester
type RoastHistoryItem struct {
	TargetHandle string    `json:"target_handle"`
	RoastText    *string   `json:"roast_text"`
	CreatedAt    time.Time `json:"created_at"`
}

// RoastHistoryResponse is a page of a requester's roast history
type RoastHistoryResponse struct {
	Total int64              `json:"total"`
	Data  []RoastHistoryItem `json:"data"`
}

// Handler serves the HTTP endpoints
type Handler struct {
	store       storage.StorageInterface
	metrics     func() interface{}
	trigger     func()
	corsOrigins []string
}

// NewHandler creates a new API handler. metrics and trigger may be nil, in
// which case their endpoints are not registered.
func NewHandler(store storage.StorageInterface, metrics func() interface{}, trigger func(), corsOrigins []string) *Handler {
	return &Handler{
		store:       store,
		metrics:     metrics,
		trigger:     trigger,
		corsOrigins: corsOrigins,
	}
}

// Router builds the route table
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware, h.corsMiddleware)

	// Health check endpoint
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)

	// Metrics endpoint
	if h.metrics != nil {
		router.HandleFunc("/metrics", h.getMetrics).Methods(http.MethodGet)
	}

	// Manual proactive trigger
	if h.trigger != nil {
		router.HandleFunc("/trigger", h.triggerActiveRoast).Methods(http.MethodPost)
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/leaderboard", h.getLeaderboard).Methods(http.MethodGet)
	v1.HandleFunc("/profiles/{handle}", h.getProfile).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.getStats).Methods(http.MethodGet)
	v1.HandleFunc("/requesters/{user_id}", h.getRequester).Methods(http.MethodGet)
	v1.HandleFunc("/requesters/{user_id}/roasts", h.getRequesterRoasts).Methods(http.MethodGet)

	return router
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]string{
		"status":    "healthy",
		"service":   "skyeye-bot",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if err := h.store.Ping(ctx); err != nil {
		logrus.Warnf("Health check failed: %v", err)
		body["status"] = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics())
}

func (h *Handler) triggerActiveRoast(w http.ResponseWriter, r *http.Request) {
	go h.trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Active roast triggered successfully"})
}

func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	profiles, total, err := h.store.GetLeaderboard(r.Context(), limit, offset)
	if err != nil {
		h.internalError(w, "leaderboard", err)
		return
	}

	resp := LeaderboardResponse{Total: total, Data: make([]LeaderboardItem, 0, len(profiles))}
	for i, p := range profiles {
		resp.Data = append(resp.Data, LeaderboardItem{
			Rank:           offset + i + 1,
			Handle:         p.TargetHandle,
			RoastCount:     p.RoastCount,
			UniqueRoasters: p.UniqueRoasters,
			LastRoastedAt:  p.LastRoastedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	handle := strings.ToLower(strings.TrimPrefix(mux.Vars(r)["handle"], "@"))

	profile, err := h.store.GetRoastProfile(r.Context(), handle)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		h.internalError(w, "profile", err)
		return
	}

	recent, err := h.store.GetRecentRoastsForTarget(r.Context(), handle, profileRecentLimit)
	if err != nil {
		h.internalError(w, "recent roasts", err)
		return
	}

	themes := profile.RoastThemes
	if themes == nil {
		themes = []string{}
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		Handle:         profile.TargetHandle,
		RoastCount:     profile.RoastCount,
		UniqueRoasters: profile.UniqueRoasters,
		FirstRoastedAt: profile.FirstRoastedAt,
		LastRoastedAt:  profile.LastRoastedAt,
		RoastThemes:    themes,
		RecentRoasts:   recent,
	})
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetGlobalStats(r.Context())
	if err != nil {
		h.internalError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) getRequester(w http.ResponseWriter, r *http.Request) {
	profile, err := h.store.GetRequesterProfile(r.Context(), mux.Vars(r)["user_id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.internalError(w, "requester", err)
		return
	}

	favorites := profile.FavoriteTargets
	if favorites == nil {
		favorites = []models.FavoriteTarget{}
	}
	writeJSON(w, http.StatusOK, RequesterResponse{
		UserID:          profile.UserID,
		Username:        profile.Username,
		RequestCount:    profile.RequestCount,
		FavoriteTargets: favorites,
	})
}

func (h *Handler) getRequesterRoasts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, total, err := h.store.GetRoastsByRequester(r.Context(), mux.Vars(r)["user_id"], limit, offset)
	if err != nil {
		h.internalError(w, "requester roasts", err)
		return
	}

	resp := RoastHistoryResponse{Total: total, Data: make([]RoastHistoryItem, 0, len(records))}
	for _, record := range records {
		item := RoastHistoryItem{TargetHandle: "unknown", CreatedAt: record.CreatedAt}
		if record.TargetHandle != nil {
			item.TargetHandle = *record.TargetHandle
		}
		if record.ReplyText != nil {
			text := truncateRunes(*record.ReplyText, roastTextLimit)
			item.RoastText = &text
		}
		resp.Data = append(resp.Data, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) internalError(w http.ResponseWriter, what string, err error) {
	logrus.Errorf("Failed to load %s: %v", what, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// pagination parses limit (1..100, default 20) and offset (>= 0, default 0)
func pagination(r *http.Request) (int, int, error) {
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		return 0, 0, errors.New("limit must be an integer between 1 and 100")
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		return 0, 0, errors.New("offset must be a non-negative integer")
	}
	return limit, offset, nil
}

func intParam(r *http.Request, key string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
