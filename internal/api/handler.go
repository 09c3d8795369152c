// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
	"github-commit-stats/internal/service"
	"github-commit-stats/internal/stats"
	"github-commit-stats/internal/syncer"
)

const maxBackfillLimit = 5000

// Service is the query surface served over HTTP.
type Service interface {
	GetUserData(ctx context.Context, username string, fetch bool) (*service.UserData, error)
	Search(ctx context.Context, username, text string) ([]model.CommitRecord, error)
	Refresh(ctx context.Context, username string) error
	FetchStatus(ctx context.Context) ([]model.FetchStatus, error)
	CombinedStats(ctx context.Context, usernames []string) (*stats.DerivedStats, error)
	BackfillSizes(ctx context.Context, username string, limit int) (*syncer.BackfillReport, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
// Fetching requests can run for minutes, so the timeout is set by the caller.
func NewRouter(svc Service, logger *slog.Logger, timeout time.Duration) http.Handler {
	h := &Handler{
		svc:    svc,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Get("/stats", h.getCombinedStats)
		r.Route("/users/{username}", func(r chi.Router) {
			r.Get("/", h.getUserData)
			r.Get("/search", h.searchCommits)
			r.Post("/refresh", h.refresh)
			r.Post("/backfill", h.backfill)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getUserData returns profile, stats and commit rollups of a user.
// GET /v1/users/{username}?fetch=true
func (h *Handler) getUserData(w http.ResponseWriter, r *http.Request) {
	fetch := false
	if raw := r.URL.Query().Get("fetch"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid 'fetch' parameter. Must be true or false.")
			return
		}
		fetch = v
	}

	data, err := h.svc.GetUserData(r.Context(), chi.URLParam(r, "username"), fetch)
	if err != nil {
		h.respondWithServiceError(w, "Failed to get user data", err)
		return
	}
	respondWithJSON(w, http.StatusOK, data)
}

// searchCommits handles free-text search over stored commits.
// GET /v1/users/{username}/search?q=text
func (h *Handler) searchCommits(w http.ResponseWriter, r *http.Request) {
	commits, err := h.svc.Search(r.Context(), chi.URLParam(r, "username"), r.URL.Query().Get("q"))
	if err != nil {
		h.respondWithServiceError(w, "Failed to search commits", err)
		return
	}
	respondWithJSON(w, http.StatusOK, commits)
}

// refresh clears the fetch markers of a user.
// POST /v1/users/{username}/refresh
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := h.svc.Refresh(r.Context(), username); err != nil {
		h.respondWithServiceError(w, "Failed to refresh user", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "refreshed", "username": username})
}

// backfill fetches missing sizes of change.
// POST /v1/users/{username}/backfill?limit=N
func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxBackfillLimit {
			respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 5000.")
			return
		}
		limit = v
	}

	report, err := h.svc.BackfillSizes(r.Context(), chi.URLParam(r, "username"), limit)
	if err != nil {
		h.respondWithServiceError(w, "Failed to backfill sizes", err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// getStatus reports per-user fetch coverage.
// GET /v1/status
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.FetchStatus(r.Context())
	if err != nil {
		h.respondWithServiceError(w, "Failed to get fetch status", err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// getCombinedStats computes stats across several users.
// GET /v1/stats?users=a,b
func (h *Handler) getCombinedStats(w http.ResponseWriter, r *http.Request) {
	users := strings.Split(r.URL.Query().Get("users"), ",")
	combined, err := h.svc.CombinedStats(r.Context(), users)
	if err != nil {
		h.respondWithServiceError(w, "Failed to compute combined stats", err)
		return
	}
	respondWithJSON(w, http.StatusOK, combined)
}

// respondWithServiceError maps caller errors to 400, unknown users to 404 and everything else to 500.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, msg string, err error) {
	var notFound *custom_errors.ErrUserNotFound
	switch {
	case custom_errors.IsCallerError(err):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error(msg, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}
