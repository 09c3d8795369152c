// internal/splitter/splitter.go
package splitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/github"
	"github-commit-stats/internal/model"
)

// Searcher runs one author + date-range commit search.
type Searcher interface {
	SearchCommits(ctx context.Context, username string, from, to time.Time) (*github.SearchResult, error)
}

// Granularity is the width of a queried range.
type Granularity int

const (
	Month Granularity = iota
	Week
	Day
)

func (g Granularity) String() string {
	switch g {
	case Month:
		return "month"
	case Week:
		return "week"
	default:
		return "day"
	}
}

// weekDays is the width of the windows a truncated month is cut into.
const weekDays = 7

// span is one entry of the work stack.
type span struct {
	from  time.Time
	to    time.Time
	level Granularity
}

// MonthResult is the outcome of FetchMonth.
type MonthResult struct {
	Month   model.YearMonth
	Commits []model.CommitRecord
	// Queries counts the searches issued.
	Queries int
	// MaxDepth is the finest granularity that had to be queried.
	MaxDepth Granularity
	// Incomplete is set when at least one result page could not be fetched.
	Incomplete bool
	// TruncatedDays lists days whose single-day query still hit the result cap.
	TruncatedDays []time.Time
}

// Complete reports whether the month can be marked as fully fetched.
func (r *MonthResult) Complete() bool {
	return !r.Incomplete && len(r.TruncatedDays) == 0
}

// Splitter returns complete commit sets for a month by narrowing queries that hit the result cap.
type Splitter struct {
	searcher Searcher
	logger   *slog.Logger
}

func New(searcher Searcher, logger *slog.Logger) *Splitter {
	return &Splitter{searcher: searcher, logger: logger}
}

// FetchMonth returns every commit of username in the month ym.
// The month is queried whole; a truncated month is re-queried as 7-day windows and a truncated
// window as single days. On a search error the commits gathered so far are returned with it.
func (s *Splitter) FetchMonth(ctx context.Context, username string, ym model.YearMonth) (*MonthResult, error) {
	logger := s.logger.With("username", username, "month", ym.String())
	result := &MonthResult{Month: ym}
	seen := make(map[string]struct{})

	stack := []span{{from: ym.First(), to: ym.Last(), level: Month}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.level > result.MaxDepth {
			result.MaxDepth = cur.level
		}

		found, err := s.searcher.SearchCommits(ctx, username, cur.from, cur.to)
		result.Queries++
		if err != nil {
			return result, fmt.Errorf("search %s %s..%s: %w", cur.level, cur.from.Format(time.DateOnly), cur.to.Format(time.DateOnly), err)
		}
		if found.FailedPages > 0 {
			result.Incomplete = true
		}

		if found.Truncated && cur.level < Day {
			logger.Info("Range hit the result cap, splitting",
				"level", cur.level.String(), "from", cur.from.Format(time.DateOnly), "to", cur.to.Format(time.DateOnly))
			stack = append(stack, reversed(split(cur))...)
			continue
		}

		if found.Truncated {
			terr := &custom_errors.ErrDayTruncated{Username: username, Day: cur.from}
			logger.Error("Single-day query hit the result cap, commits are missing", "error", terr)
			result.TruncatedDays = append(result.TruncatedDays, cur.from)
		}

		for _, c := range found.Commits {
			if _, dup := seen[c.SHA]; dup {
				continue
			}
			seen[c.SHA] = struct{}{}
			result.Commits = append(result.Commits, c)
		}
	}

	logger.Debug("Month fetched", "commits", len(result.Commits), "queries", result.Queries, "depth", result.MaxDepth.String())
	return result, nil
}

// split cuts a month into 7-day windows or a week into days, in chronological order.
func split(s span) []span {
	width, level := weekDays, Week
	if s.level == Week {
		width, level = 1, Day
	}

	var parts []span
	for from := s.from; !from.After(s.to); from = from.AddDate(0, 0, width) {
		to := from.AddDate(0, 0, width-1)
		if to.After(s.to) {
			to = s.to
		}
		parts = append(parts, span{from: from, to: to, level: level})
	}
	return parts
}

// reversed returns parts in reverse order so that popping the stack yields them chronologically.
func reversed(parts []span) []span {
	out := make([]span, len(parts))
	for i, p := range parts {
		out[len(parts)-1-i] = p
	}
	return out
}
