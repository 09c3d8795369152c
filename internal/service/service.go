// internal/service/service.go
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
	"github-commit-stats/internal/stats"
	"github-commit-stats/internal/store"
	"github-commit-stats/internal/syncer"
)

const searchLimit = 100

// Store is the part of the store the query surface uses.
type Store interface {
	store.Reader
	ClearFetchMarkers(ctx context.Context, username string) error
}

// Syncer runs on-demand fetches.
type Syncer interface {
	SyncUser(ctx context.Context, username string) (*syncer.Report, error)
	BackfillSizes(ctx context.Context, username string, limit int) (*syncer.BackfillReport, error)
}

// UserData is the full read model of one user.
type UserData struct {
	Profile  *model.UserProfile   `json:"profile"`
	Stats    *stats.Summary       `json:"stats"`
	Daily    []stats.DailyPoint   `json:"daily"`
	Yearly   []stats.YearSummary  `json:"yearly"`
	TopRepos []model.RepoTotal    `json:"top_repos"`
	Recent   []model.CommitRecord `json:"recent"`
	// Sync is set when the request asked for a fetch.
	Sync      *syncer.Report `json:"sync,omitempty"`
	SyncError string         `json:"sync_error,omitempty"`
}

// Service is the query surface over the store, the stats engine and the syncer.
type Service struct {
	store          Store
	engine         *stats.Engine
	syncer         Syncer
	sizeBatchLimit int
	logger         *slog.Logger
}

func New(st Store, engine *stats.Engine, sy Syncer, sizeBatchLimit int, logger *slog.Logger) *Service {
	return &Service{store: st, engine: engine, syncer: sy, sizeBatchLimit: sizeBatchLimit, logger: logger}
}

// GetUserData returns the stored data of username, syncing it first when fetch is set.
// A missing account fails the call; other sync failures are reported alongside the stored data.
func (s *Service) GetUserData(ctx context.Context, username string, fetch bool) (*UserData, error) {
	if err := checkUsername(username); err != nil {
		return nil, err
	}

	out := &UserData{}
	if fetch {
		report, err := s.syncer.SyncUser(ctx, username)
		out.Sync = report
		if err != nil {
			var notFound *custom_errors.ErrUserNotFound
			if errors.As(err, &notFound) || ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warn("Sync failed, serving stored data", "username", username, "error", err)
			out.SyncError = err.Error()
		}
	}

	profile, err := s.store.GetProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	derived, err := s.engine.Compute(ctx, []string{username})
	if err != nil {
		return nil, err
	}

	out.Profile = profile
	out.Stats = &derived.Summary
	out.Daily = derived.Daily
	out.Yearly = derived.Yearly
	out.TopRepos = derived.TopRepos
	out.Recent = derived.Recent
	return out, nil
}

// Search returns the stored commits of username whose message or repository contains text.
func (s *Service) Search(ctx context.Context, username, text string) ([]model.CommitRecord, error) {
	if err := checkUsername(username); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, custom_errors.ErrEmptyQuery
	}
	commits, err := s.store.SearchCommits(ctx, username, text, searchLimit)
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []model.CommitRecord{}
	}
	return commits, nil
}

// Refresh forgets which months of username were fetched. Stored commits are kept.
func (s *Service) Refresh(ctx context.Context, username string) error {
	if err := checkUsername(username); err != nil {
		return err
	}
	if err := s.store.ClearFetchMarkers(ctx, username); err != nil {
		return err
	}
	s.logger.Info("Fetch markers cleared", "username", username)
	return nil
}

// FetchStatus reports per-user commit and size coverage.
func (s *Service) FetchStatus(ctx context.Context) ([]model.FetchStatus, error) {
	status, err := s.store.FetchStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = []model.FetchStatus{}
	}
	return status, nil
}

// CombinedStats computes stats over the union of usernames.
func (s *Service) CombinedStats(ctx context.Context, usernames []string) (*stats.DerivedStats, error) {
	var users []string
	seen := make(map[string]bool)
	for _, u := range usernames {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		if err := checkUsername(u); err != nil {
			return nil, err
		}
		seen[u] = true
		users = append(users, u)
	}
	if len(users) == 0 {
		return nil, custom_errors.ErrEmptyUserSet
	}
	return s.engine.Compute(ctx, users)
}

// BackfillSizes fetches missing sizes of change for username. A limit <= 0 uses the configured batch size.
func (s *Service) BackfillSizes(ctx context.Context, username string, limit int) (*syncer.BackfillReport, error) {
	if err := checkUsername(username); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.sizeBatchLimit
	}
	return s.syncer.BackfillSizes(ctx, username, limit)
}

func checkUsername(username string) error {
	if !model.ValidUsername(username) {
		return &custom_errors.ErrInvalidUsername{Username: username}
	}
	return nil
}
