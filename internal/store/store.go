// internal/store/store.go
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
)

// Reader is the read side of the store. Reads take no lock and may run while a sync pass writes.
type Reader interface {
	IsMonthFetched(ctx context.Context, username string, ym model.YearMonth) (bool, error)
	FetchedMonths(ctx context.Context, username string) ([]model.YearMonth, error)
	CommitsMissingSize(ctx context.Context, username string, limit int) ([]model.CommitRecord, error)

	// DailyTotals aggregates commits per calendar day across usernames, oldest first.
	DailyTotals(ctx context.Context, usernames []string) ([]model.DailyTotal, error)
	// RepoTotals aggregates commits per repository, busiest first. A limit <= 0 returns all repositories.
	RepoTotals(ctx context.Context, usernames []string, limit int) ([]model.RepoTotal, error)
	// ActiveDates returns the distinct days with at least one commit, oldest first.
	ActiveDates(ctx context.Context, usernames []string) ([]time.Time, error)
	DateBounds(ctx context.Context, usernames []string) (DateBounds, error)
	RecentCommits(ctx context.Context, usernames []string, limit int) ([]model.CommitRecord, error)
	// ContributionDays sums calendar contributions per day across usernames, oldest first.
	ContributionDays(ctx context.Context, usernames []string) ([]model.ContributionDay, error)

	// SearchCommits matches text case-insensitively against message and repository, newest first.
	SearchCommits(ctx context.Context, username, text string, limit int) ([]model.CommitRecord, error)
	// GetProfile returns nil without error when no profile is stored.
	GetProfile(ctx context.Context, username string) (*model.UserProfile, error)
	FetchStatus(ctx context.Context) ([]model.FetchStatus, error)
}

// Writer is the write side of the store. Writes for one username are serialised per record or marker.
type Writer interface {
	// SaveCommits inserts records whose sha is not stored yet and returns how many were new.
	SaveCommits(ctx context.Context, records []model.CommitRecord) (int, error)
	MarkMonthFetched(ctx context.Context, username string, ym model.YearMonth) error
	// ClearFetchMarkers forgets which months were fetched. Commit records are kept.
	ClearFetchMarkers(ctx context.Context, username string) error
	UpdateSize(ctx context.Context, username, sha string, size model.ChangeSize) error
	UpsertProfile(ctx context.Context, p *model.UserProfile) error
	SaveContributionDays(ctx context.Context, username string, days []model.ContributionDay) error
}

// Store is the incremental commit store.
type Store interface {
	Reader
	Writer
	Close() error
}

// DateBounds holds the first and last commit day, both nil when there are no commits.
type DateBounds struct {
	First *time.Time
	Last  *time.Time
}

// userLocks hands out one mutex per username.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex of username and returns its release function.
func (l *userLocks) lock(username string) func() {
	l.mu.Lock()
	m, ok := l.locks[username]
	if !ok {
		m = &sync.Mutex{}
		l.locks[username] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func checkUsers(usernames []string) error {
	if len(usernames) == 0 {
		return custom_errors.ErrEmptyUserSet
	}
	return nil
}

// markerCount is the per-user fetch marker summary merged into FetchStatus.
type markerCount struct {
	Username string
	Months   int
	Last     *time.Time
}

// mergeStatus joins per-user commit counts with marker counts, sorted by username.
func mergeStatus(commits []model.FetchStatus, markers []markerCount) []model.FetchStatus {
	byUser := make(map[string]*model.FetchStatus, len(commits))
	for i := range commits {
		byUser[commits[i].Username] = &commits[i]
	}
	for _, m := range markers {
		st, ok := byUser[m.Username]
		if !ok {
			st = &model.FetchStatus{Username: m.Username}
			byUser[m.Username] = st
		}
		st.MonthsFetched = m.Months
		st.LastFetchedAt = m.Last
	}

	out := make([]model.FetchStatus, 0, len(byUser))
	for _, st := range byUser {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// saveEach validates and inserts records one at a time so that a failing record does not abort the batch.
// It fails only when the context ends or every valid record of a non-empty batch failed to insert.
func saveEach(ctx context.Context, logger *slog.Logger, records []model.CommitRecord, insert func(context.Context, model.CommitRecord) (bool, error)) (int, error) {
	var (
		inserted, valid, failed int
		lastErr                 error
	)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		if err := rec.Validate(); err != nil {
			logger.Warn("Skipping invalid commit record", "error", err)
			continue
		}
		valid++

		rec.Message = model.FirstLine(rec.Message)
		isNew, err := insert(ctx, rec)
		if err != nil {
			failed++
			lastErr = err
			logger.Warn("Failed to insert commit, skipping", "sha", rec.SHA, "error", err)
			continue
		}
		if isNew {
			inserted++
		}
	}

	if valid > 0 && failed == valid {
		return inserted, fmt.Errorf("all %d commit inserts failed: %w", failed, lastErr)
	}
	return inserted, nil
}

// likePattern builds a case-insensitive substring pattern for LIKE ... ESCAPE '\'.
func likePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(text)) + "%"
}

func checkQuery(text string) error {
	if strings.TrimSpace(text) == "" {
		return custom_errors.ErrEmptyQuery
	}
	return nil
}
