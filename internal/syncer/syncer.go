// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github-commit-stats/internal/clock"
	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
	"github-commit-stats/internal/splitter"
	"github-commit-stats/internal/store"
)

// GitHubClient is the provider surface a sync pass needs.
type GitHubClient interface {
	splitter.Searcher
	UserProfile(ctx context.Context, username string) (*model.UserProfile, error)
	CommitSize(ctx context.Context, rec model.CommitRecord) (model.ChangeSize, error)
	ContributionCalendar(ctx context.Context, username string, from, to time.Time) ([]model.ContributionDay, error)
}

// Options configures which users are synced and how.
type Options struct {
	Users []string
	// Start is the first day of history to fetch.
	Start time.Time
	// SizeBatchLimit bounds the size-of-change lookups per user and pass. Zero skips the backfill.
	SizeBatchLimit int
	Interval       time.Duration
	Workers        int
	FetchCalendar  bool
}

// Report summarises one user's sync pass.
type Report struct {
	Username         string `json:"username"`
	RunID            string `json:"run_id"`
	MonthsQueried    int    `json:"months_queried"`
	MonthsSkipped    int    `json:"months_skipped"`
	MonthsIncomplete int    `json:"months_incomplete"`
	CommitsFound     int    `json:"commits_found"`
	CommitsInserted  int    `json:"commits_inserted"`
	SizesUpdated     int    `json:"sizes_updated"`
	SizesFailed      int    `json:"sizes_failed"`
}

// BackfillReport summarises a size-of-change backfill.
type BackfillReport struct {
	Username  string `json:"username"`
	Attempted int    `json:"attempted"`
	Updated   int    `json:"updated"`
	Failed    int    `json:"failed"`
}

// Syncer orchestrates the fetching and storing of commits.
type Syncer struct {
	store    store.Store
	gh       GitHubClient
	splitter *splitter.Splitter
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(st store.Store, gh GitHubClient, c clock.Clock, logger *slog.Logger, opts Options) (*Syncer, error) {
	for _, u := range opts.Users {
		if !model.ValidUsername(u) {
			return nil, &custom_errors.ErrInvalidUsername{Username: u}
		}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	return &Syncer{
		store:    st,
		gh:       gh,
		splitter: splitter.New(gh, logger),
		clock:    c,
		logger:   logger,
		opts:     opts,
	}, nil
}

// Start runs a pass immediately and then once per interval until ctx ends.
func (s *Syncer) Start(ctx context.Context) {
	s.logger.Info("Starting syncer", "interval", s.opts.Interval.String(), "workers", s.opts.Workers, "users", len(s.opts.Users))
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.runSyncCycle(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSyncCycle(ctx)
		case <-ctx.Done():
			s.logger.Info("Syncer shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (s *Syncer) runSyncCycle(ctx context.Context) {
	if _, err := s.SyncAll(ctx); err != nil {
		s.logger.Error("Sync cycle finished with errors", "error", err)
	}
}

// SyncAll runs one pass for every tracked user, in parallel up to the worker limit.
// A failing user does not stop the others; all failures are joined into the returned error.
func (s *Syncer) SyncAll(ctx context.Context) ([]*Report, error) {
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)
	logger.Info("Starting new sync cycle")

	reports := make([]*Report, len(s.opts.Users))
	errs := make([]error, len(s.opts.Users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, username := range s.opts.Users {
		i, username := i, username
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			report, err := s.syncUser(gctx, logger, runID, username)
			reports[i] = report
			if err != nil {
				errs[i] = fmt.Errorf("sync %s: %w", username, err)
				if !errors.Is(err, context.Canceled) {
					logger.Error("Failed to sync user", "username", username, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err == nil {
		logger.Info("Sync cycle finished")
	}
	return reports, err
}

// SyncUser runs one pass for a single user.
func (s *Syncer) SyncUser(ctx context.Context, username string) (*Report, error) {
	runID := uuid.NewString()
	return s.syncUser(ctx, s.logger.With("run_id", runID), runID, username)
}

func (s *Syncer) syncUser(ctx context.Context, logger *slog.Logger, runID, username string) (*Report, error) {
	if !model.ValidUsername(username) {
		return nil, &custom_errors.ErrInvalidUsername{Username: username}
	}
	logger = logger.With("username", username)
	logger.Info("Syncing user")
	report := &Report{Username: username, RunID: runID}

	if err := s.refreshProfile(ctx, logger, username); err != nil {
		return report, err
	}

	today := clock.Today(s.clock)
	current := model.MonthOf(today)
	start := s.opts.Start
	if start.IsZero() || start.After(today) {
		start = today
	}

	for _, ym := range model.MonthsBetween(start, today) {
		if ym != current {
			fetched, err := s.store.IsMonthFetched(ctx, username, ym)
			if err != nil {
				return report, err
			}
			if fetched {
				report.MonthsSkipped++
				continue
			}
		}

		if err := s.syncMonth(ctx, logger, username, ym, report); err != nil {
			return report, err
		}
	}

	if s.opts.FetchCalendar {
		s.syncCalendar(ctx, logger, username, start, today)
	}

	if s.opts.SizeBatchLimit > 0 {
		backfill, err := s.backfillSizes(ctx, logger, username, s.opts.SizeBatchLimit)
		if backfill != nil {
			report.SizesUpdated, report.SizesFailed = backfill.Updated, backfill.Failed
		}
		if err != nil {
			return report, err
		}
	}

	logger.Info("User synced",
		"months_queried", report.MonthsQueried, "months_skipped", report.MonthsSkipped,
		"months_incomplete", report.MonthsIncomplete, "commits_found", report.CommitsFound,
		"commits_inserted", report.CommitsInserted, "sizes_updated", report.SizesUpdated)
	return report, nil
}

// refreshProfile stores the user's profile. Only a missing account is fatal.
func (s *Syncer) refreshProfile(ctx context.Context, logger *slog.Logger, username string) error {
	profile, err := s.gh.UserProfile(ctx, username)
	if err != nil {
		var notFound *custom_errors.ErrUserNotFound
		if errors.As(err, &notFound) || errors.Is(err, custom_errors.ErrRetriesExhausted) || ctx.Err() != nil {
			return err
		}
		logger.Warn("Failed to fetch profile, continuing", "error", err)
		return nil
	}
	if err := s.store.UpsertProfile(ctx, profile); err != nil {
		logger.Warn("Failed to store profile", "error", err)
	}
	return nil
}

// syncMonth fetches, saves and, when complete, marks one month. Commits are saved before the marker is written.
func (s *Syncer) syncMonth(ctx context.Context, logger *slog.Logger, username string, ym model.YearMonth, report *Report) error {
	report.MonthsQueried++
	result, fetchErr := s.splitter.FetchMonth(ctx, username, ym)

	if result != nil && len(result.Commits) > 0 {
		report.CommitsFound += len(result.Commits)
		n, err := s.store.SaveCommits(ctx, result.Commits)
		report.CommitsInserted += n
		if err != nil {
			return fmt.Errorf("save commits for %s: %w", ym, err)
		}
	}
	if fetchErr != nil {
		return fetchErr
	}

	if !result.Complete() {
		report.MonthsIncomplete++
		logger.Warn("Month incomplete, leaving it unmarked", "month", ym.String(),
			"incomplete_pages", result.Incomplete, "truncated_days", len(result.TruncatedDays))
		return nil
	}

	if err := s.store.MarkMonthFetched(ctx, username, ym); err != nil {
		return err
	}
	logger.Debug("Month fetched", "month", ym.String(), "commits", len(result.Commits), "queries", result.Queries)
	return nil
}

// syncCalendar stores the contribution calendar. Failures are logged; days received before one are kept.
func (s *Syncer) syncCalendar(ctx context.Context, logger *slog.Logger, username string, from, to time.Time) {
	days, err := s.gh.ContributionCalendar(ctx, username, from, to)
	if err != nil {
		logger.Warn("Failed to fetch contribution calendar", "error", err, "days", len(days))
	}
	if err := s.store.SaveContributionDays(ctx, username, days); err != nil {
		logger.Warn("Failed to store contribution calendar", "error", err)
	}
}

// BackfillSizes fetches the size of change for up to limit commits that lack one.
func (s *Syncer) BackfillSizes(ctx context.Context, username string, limit int) (*BackfillReport, error) {
	if !model.ValidUsername(username) {
		return nil, &custom_errors.ErrInvalidUsername{Username: username}
	}
	logger := s.logger.With("run_id", uuid.NewString(), "username", username)
	return s.backfillSizes(ctx, logger, username, limit)
}

func (s *Syncer) backfillSizes(ctx context.Context, logger *slog.Logger, username string, limit int) (*BackfillReport, error) {
	report := &BackfillReport{Username: username}
	missing, err := s.store.CommitsMissingSize(ctx, username, limit)
	if err != nil {
		return report, err
	}
	if len(missing) == 0 {
		return report, nil
	}
	logger.Info("Backfilling commit sizes", "count", len(missing))

	for _, rec := range missing {
		report.Attempted++
		size, err := s.gh.CommitSize(ctx, rec)
		if err != nil {
			if errors.Is(err, custom_errors.ErrRetriesExhausted) || ctx.Err() != nil {
				return report, err
			}
			report.Failed++
			logger.Warn("Failed to fetch commit size, skipping", "sha", rec.SHA, "error", err)
			continue
		}
		if err := s.store.UpdateSize(ctx, username, rec.SHA, size); err != nil {
			return report, err
		}
		report.Updated++
	}

	logger.Info("Backfill finished", "updated", report.Updated, "failed", report.Failed)
	return report, nil
}
