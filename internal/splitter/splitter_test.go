// internal/splitter/splitter_test.go
package splitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/github"
	"github-commit-stats/internal/model"
)

type query struct {
	from, to time.Time
}

// fakeSearcher serves commits from a per-day table and caps every answer at github.ResultCap.
type fakeSearcher struct {
	perDay      map[time.Time]int
	failedPages map[time.Time]int
	failFrom    *time.Time
	queries     []query
}

func (f *fakeSearcher) SearchCommits(_ context.Context, username string, from, to time.Time) (*github.SearchResult, error) {
	f.queries = append(f.queries, query{from: from, to: to})
	if f.failFrom != nil && f.failFrom.Equal(from) {
		return nil, custom_errors.ErrRetriesExhausted
	}

	res := &github.SearchResult{}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		res.FailedPages += f.failedPages[d]
		for i := 0; i < f.perDay[d]; i++ {
			res.Total++
			if len(res.Commits) == github.ResultCap {
				continue
			}
			res.Commits = append(res.Commits, model.CommitRecord{
				SHA:      fmt.Sprintf("%s-%04d", d.Format(time.DateOnly), i),
				Username: username,
				Date:     d,
			})
		}
	}
	res.Truncated = len(res.Commits) >= github.ResultCap
	return res, nil
}

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestSplitter(f *fakeSearcher) *Splitter {
	return New(f, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestSplitter_FetchMonth(t *testing.T) {
	ctx := context.Background()
	jan := model.YearMonth{Year: 2024, Month: time.January}

	t.Run("returns an untruncated month from a single query", func(t *testing.T) {
		f := &fakeSearcher{perDay: map[time.Time]int{day(1, 3): 5, day(1, 20): 7}}

		res, err := newTestSplitter(f).FetchMonth(ctx, "octo", jan)

		require.NoError(t, err)
		assert.Len(t, res.Commits, 12)
		assert.Equal(t, 1, res.Queries)
		assert.Equal(t, Month, res.MaxDepth)
		assert.True(t, res.Complete())
		require.Len(t, f.queries, 1)
		assert.Equal(t, day(1, 1), f.queries[0].from)
		assert.Equal(t, day(1, 31), f.queries[0].to)
	})

	t.Run("recovers every commit of a truncated month without duplicates", func(t *testing.T) {
		// 1,200 commits in the first week force a day split, 300 more spread over the month.
		perDay := map[time.Time]int{
			day(1, 2): 400, day(1, 3): 400, day(1, 4): 400,
			day(1, 10): 100, day(1, 17): 100, day(1, 31): 100,
		}
		f := &fakeSearcher{perDay: perDay}

		res, err := newTestSplitter(f).FetchMonth(ctx, "octo", jan)

		require.NoError(t, err)
		assert.Len(t, res.Commits, 1500)
		assert.Equal(t, Day, res.MaxDepth)
		assert.True(t, res.Complete())

		seen := make(map[string]bool)
		for _, c := range res.Commits {
			assert.False(t, seen[c.SHA], "duplicate sha %s", c.SHA)
			seen[c.SHA] = true
		}

		// One month query, five week queries, seven day queries for the first week.
		assert.Equal(t, 1+5+7, res.Queries)
		assert.True(t, sort.SliceIsSorted(res.Commits, func(i, j int) bool {
			return res.Commits[i].Date.Before(res.Commits[j].Date)
		}), "commits should stay in chronological order")
	})

	t.Run("splits weeks into the expected windows", func(t *testing.T) {
		f := &fakeSearcher{perDay: map[time.Time]int{day(2, 10): 1000}}
		feb := model.YearMonth{Year: 2024, Month: time.February}

		_, err := newTestSplitter(f).FetchMonth(ctx, "octo", feb)

		require.NoError(t, err)
		require.Len(t, f.queries, 1+5+7)
		assert.Equal(t, query{day(2, 1), day(2, 7)}, f.queries[1])
		assert.Equal(t, query{day(2, 8), day(2, 14)}, f.queries[2])
		assert.Equal(t, query{day(2, 8), day(2, 8)}, f.queries[3], "days of a truncated week are queried before the next week")
		assert.Equal(t, query{day(2, 29), day(2, 29)}, f.queries[len(f.queries)-1], "the last window is clipped to the month end")
	})

	t.Run("flags a day that still hits the cap", func(t *testing.T) {
		f := &fakeSearcher{perDay: map[time.Time]int{day(1, 15): 1200}}

		res, err := newTestSplitter(f).FetchMonth(ctx, "octo", jan)

		require.NoError(t, err)
		assert.False(t, res.Complete())
		assert.Equal(t, []time.Time{day(1, 15)}, res.TruncatedDays)
		assert.Len(t, res.Commits, github.ResultCap, "capped results are kept")
	})

	t.Run("marks a month with failed pages incomplete", func(t *testing.T) {
		f := &fakeSearcher{
			perDay:      map[time.Time]int{day(1, 5): 3},
			failedPages: map[time.Time]int{day(1, 9): 1},
		}

		res, err := newTestSplitter(f).FetchMonth(ctx, "octo", jan)

		require.NoError(t, err)
		assert.True(t, res.Incomplete)
		assert.False(t, res.Complete())
		assert.Len(t, res.Commits, 3)
	})

	t.Run("returns partial commits with a search error", func(t *testing.T) {
		failFrom := day(1, 15)
		f := &fakeSearcher{
			perDay:   map[time.Time]int{day(1, 2): 600, day(1, 3): 600},
			failFrom: &failFrom,
		}

		res, err := newTestSplitter(f).FetchMonth(ctx, "octo", jan)

		require.Error(t, err)
		assert.True(t, errors.Is(err, custom_errors.ErrRetriesExhausted))
		require.NotNil(t, res)
		assert.Len(t, res.Commits, 1200, "the first weeks were completed before the failure")
	})
}

func TestSplit(t *testing.T) {
	week := span{from: day(3, 4), to: day(3, 10), level: Week}

	days := split(week)

	require.Len(t, days, 7)
	for i, d := range days {
		assert.Equal(t, Day, d.level)
		assert.Equal(t, day(3, 4+i), d.from)
		assert.Equal(t, d.from, d.to)
	}
}
