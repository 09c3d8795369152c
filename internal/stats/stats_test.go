package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
	"github-commit-stats/internal/store"
	"github-commit-stats/internal/testutil"
)

func date(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func TestStreaks(t *testing.T) {
	active := []time.Time{date(1, 1), date(1, 2), date(1, 3), date(1, 5)}

	testCases := []struct {
		name            string
		dates           []time.Time
		today           time.Time
		current, longest int
	}{
		{name: "gap breaks the current streak", dates: active, today: date(1, 5), current: 1, longest: 3},
		{name: "yesterday keeps the streak alive", dates: active, today: date(1, 6), current: 1, longest: 3},
		{name: "two idle days end the streak", dates: active, today: date(1, 7), current: 0, longest: 3},
		{name: "ongoing run", dates: active[:3], today: date(1, 3), current: 3, longest: 3},
		{name: "no activity", dates: nil, today: date(1, 3), current: 0, longest: 0},
		{name: "across a month boundary", dates: []time.Time{date(1, 31), date(2, 1)}, today: date(2, 1), current: 2, longest: 2},
		{name: "a day ahead of today is live", dates: []time.Time{date(1, 5), date(1, 6)}, today: date(1, 5), current: 2, longest: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			current, longest := Streaks(tc.dates, tc.today)
			assert.Equal(t, tc.current, current)
			assert.Equal(t, tc.longest, longest)
		})
	}
}

func TestRolling(t *testing.T) {
	assert.Equal(t, []float64{2, 3, 4}, Rolling([]float64{2, 4, 6}, 7), "the window is clipped at the series start")
	assert.Equal(t, []float64{2, 3, 5}, Rolling([]float64{2, 4, 6}, 2))
	assert.Empty(t, Rolling(nil, 7))
}

func TestPercentChange(t *testing.T) {
	assert.Equal(t, 100.0, PercentChange(5, 0))
	assert.Equal(t, 0.0, PercentChange(0, 0))
	assert.Equal(t, 50.0, PercentChange(15, 10))
	assert.Equal(t, -50.0, PercentChange(5, 10))
}

func TestGrowthRate(t *testing.T) {
	r := GrowthRate([]float64{1, 1, 2, 2})
	require.NotNil(t, r)
	assert.InDelta(t, math.Log(2)/2, *r, 1e-9)

	r = GrowthRate([]float64{0, 0, 3, 3})
	require.NotNil(t, r)
	assert.Equal(t, 0.0, *r, "a zero baseline is flat growth")

	assert.Nil(t, GrowthRate([]float64{2, 2, 0, 0}), "a drop to zero has no defined rate")
	assert.Nil(t, GrowthRate(nil))

	r = GrowthRate([]float64{5})
	require.NotNil(t, r)
	assert.Equal(t, 0.0, *r)
}

func TestQuantile(t *testing.T) {
	assert.InDelta(t, 4.6, Quantile([]float64{5, 1, 3, 2, 4}, 0.9), 1e-9)
	assert.Equal(t, 7.0, Quantile([]float64{7}, 0.9))
	assert.Equal(t, 0.0, Quantile(nil, 0.9))
}

func newTestEngine(t *testing.T, today *testutil.StubClock, start time.Time) (*Engine, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "stats.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, today, start, logger), s
}

func seed(t *testing.T, s store.Writer, user string, perDay map[time.Time]int) {
	t.Helper()
	var records []model.CommitRecord
	for d, n := range perDay {
		for i := 0; i < n; i++ {
			rec := model.CommitRecord{
				SHA:      user + d.Format("20060102") + string(rune('a'+i)),
				Username: user,
				Date:     d,
				Repo:     user + "/repo",
				Message:  "work",
			}
			rec.Size = model.KnownSize(10, 4)
			records = append(records, rec)
		}
	}
	_, err := s.SaveCommits(context.Background(), records)
	require.NoError(t, err)
}

func TestEngine_Compute(t *testing.T) {
	ctx := context.Background()
	engine, s := newTestEngine(t, testutil.Date(2024, 1, 5), date(1, 1))
	seed(t, s, "octo", map[time.Time]int{date(1, 1): 1, date(1, 2): 2, date(1, 3): 1, date(1, 5): 3})

	got, err := engine.Compute(ctx, []string{"octo"})
	require.NoError(t, err)

	assert.Equal(t, StreakStats{Current: 1, Longest: 3}, got.Streaks)

	require.Len(t, got.Daily, 5, "the series is dense from the start date through today")
	assert.Equal(t, "2024-01-04", got.Daily[3].Date)
	assert.Equal(t, 0, got.Daily[3].Commits)
	assert.Equal(t, 3, got.Daily[4].Commits)
	assert.Equal(t, 18, got.Daily[4].NetLines)
	assert.InDelta(t, 7.0/5, got.Daily[4].Commits7d, 1e-9)
	assert.InDelta(t, 1.5, got.Daily[1].Commits7d, 1e-9)

	assert.Equal(t, 7, got.Totals.Commits)
	assert.Equal(t, 70, got.Totals.Additions)
	assert.Equal(t, 42, got.Totals.NetLines)
	assert.Equal(t, 4, got.Totals.ActiveDays)
	assert.Equal(t, 1, got.Totals.UniqueRepos)
	assert.Equal(t, 3, got.Totals.MaxCommitsPerDay)
	require.NotNil(t, got.Totals.AverageCommitsPerActiveDay)
	assert.Equal(t, 1.8, *got.Totals.AverageCommitsPerActiveDay)
	require.NotNil(t, got.Totals.FirstCommit)
	assert.Equal(t, "2024-01-01", *got.Totals.FirstCommit)
	require.NotNil(t, got.Totals.YearsCoding)

	require.Len(t, got.Windows, 5)
	assert.Equal(t, "7d", got.Windows[0].Name)
	assert.Equal(t, 7, got.Windows[0].Commits)
	assert.Equal(t, "ytd", got.Windows[3].Name)
	assert.Equal(t, "2024-01-01", got.Windows[3].From)

	assert.Equal(t, 100.0, got.Change30d.Commits, "nothing in the prior 30 days counts as +100%")

	require.Len(t, got.Weekdays, 7)
	assert.Equal(t, "Monday", got.Weekdays[0].Weekday)
	assert.Equal(t, 1, got.Weekdays[0].Commits, "2024-01-01 is a Monday")
	assert.Equal(t, "Sunday", got.Weekdays[6].Weekday)
	assert.Equal(t, 3, got.Weekdays[4].Commits, "2024-01-05 is a Friday")

	assert.Equal(t, []YearSummary{{Year: 2024, Commits: 7, Additions: 70, Deletions: 28, NetLines: 42, ActiveDays: 4}}, got.Yearly)

	require.NotNil(t, got.Growth.Rate)
	require.NotNil(t, got.Daily[0].Trend)
	assert.Equal(t, 1, got.PeakDays)
	assert.Len(t, got.Recent, 7)
	require.Len(t, got.TopRepos, 1)
	assert.Equal(t, "octo/repo", got.TopRepos[0].Repo)
}

func TestEngine_PercentChangeAgainstPriorWindow(t *testing.T) {
	ctx := context.Background()
	engine, s := newTestEngine(t, testutil.Date(2024, 3, 31), time.Time{})
	// 2024-03-02..03-31 is the current window, 2024-02-01..03-01 the prior one.
	seed(t, s, "octo", map[time.Time]int{date(2, 10): 4, date(3, 1): 0, date(3, 20): 2})

	got, err := engine.Compute(ctx, []string{"octo"})
	require.NoError(t, err)

	assert.Equal(t, -50.0, got.Change30d.Commits)
	assert.Equal(t, "2024-02-10", got.Daily[0].Date, "without a start date the series begins at the first commit")
}

func TestEngine_CommitDatedAheadOfUTC(t *testing.T) {
	ctx := context.Background()
	// 23:00 UTC on 01-05 is already 08:00 on 01-06 for a committer at +09:00.
	clk := testutil.NewStubClock(time.Date(2024, 1, 5, 23, 0, 0, 0, time.UTC))
	engine, s := newTestEngine(t, clk, date(1, 1))
	seed(t, s, "octo", map[time.Time]int{date(1, 5): 1, date(1, 6): 1})

	got, err := engine.Compute(ctx, []string{"octo"})
	require.NoError(t, err)

	assert.Equal(t, 2, got.Totals.Commits)
	assert.Equal(t, 2, got.Totals.ActiveDays)
	require.NotNil(t, got.Totals.LastCommit)
	assert.Equal(t, "2024-01-06", *got.Totals.LastCommit)
	assert.Equal(t, "2024-01-06", got.Daily[len(got.Daily)-1].Date, "the series reaches the latest commit day")
	assert.Equal(t, StreakStats{Current: 2, Longest: 2}, got.Streaks)
	assert.Equal(t, 2, got.Windows[0].Commits)
}

func TestEngine_CombinesUsers(t *testing.T) {
	ctx := context.Background()
	engine, s := newTestEngine(t, testutil.Date(2024, 1, 3), date(1, 1))
	seed(t, s, "octo", map[time.Time]int{date(1, 1): 1})
	seed(t, s, "cat", map[time.Time]int{date(1, 2): 2, date(1, 3): 1})

	got, err := engine.Compute(ctx, []string{"octo", "cat"})
	require.NoError(t, err)

	assert.Equal(t, 4, got.Totals.Commits)
	assert.Equal(t, 2, got.Totals.UniqueRepos)
	assert.Equal(t, StreakStats{Current: 3, Longest: 3}, got.Streaks)
}

func TestEngine_ExplicitNulls(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, testutil.Date(2024, 1, 5), time.Time{})

	got, err := engine.Compute(ctx, []string{"nobody"})
	require.NoError(t, err)

	assert.Empty(t, got.Daily)
	assert.Nil(t, got.Totals.YearsCoding)
	assert.Nil(t, got.Totals.AverageCommitsPerActiveDay)
	assert.Nil(t, got.Growth.Rate)

	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"years_coding":null`)
	assert.Contains(t, string(raw), `"rate":null`)
	assert.NotContains(t, string(raw), "NaN")
}

func TestEngine_RejectsEmptyUserSet(t *testing.T) {
	engine, _ := newTestEngine(t, testutil.Date(2024, 1, 5), time.Time{})

	_, err := engine.Compute(context.Background(), nil)

	assert.ErrorIs(t, err, custom_errors.ErrEmptyUserSet)
}
