// internal/stats/engine.go
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github-commit-stats/internal/clock"
	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
	"github-commit-stats/internal/store"
)

const (
	topRepoCount     = 10
	recentCommitSize = 20
	peakQuantile     = 0.9
	changeWindowDays = 30
)

// DailyPoint is one day of the dense series.
type DailyPoint struct {
	Date          string `json:"date"`
	Commits       int    `json:"commits"`
	Additions     int    `json:"additions"`
	Deletions     int    `json:"deletions"`
	NetLines      int    `json:"net_lines"`
	Contributions int    `json:"contributions"`
	Repos         int    `json:"repos"`

	Commits7d        float64 `json:"commits_7d_avg"`
	Commits30d       float64 `json:"commits_30d_avg"`
	Additions7d      float64 `json:"additions_7d_avg"`
	Additions30d     float64 `json:"additions_30d_avg"`
	Deletions7d      float64 `json:"deletions_7d_avg"`
	Deletions30d     float64 `json:"deletions_30d_avg"`
	NetLines7d       float64 `json:"net_lines_7d_avg"`
	NetLines30d      float64 `json:"net_lines_30d_avg"`
	Contributions7d  float64 `json:"contributions_7d_avg"`
	Contributions30d float64 `json:"contributions_30d_avg"`

	// Trend is the fitted exponential value for the day, null when no growth rate is defined.
	Trend *float64 `json:"trend"`
}

// Totals are whole-history aggregates.
type Totals struct {
	Commits       int     `json:"commits"`
	Additions     int     `json:"additions"`
	Deletions     int     `json:"deletions"`
	NetLines      int     `json:"net_lines"`
	Contributions int     `json:"contributions"`
	ActiveDays    int     `json:"active_days"`
	UniqueRepos   int     `json:"unique_repos"`
	Days          int     `json:"days"`
	FirstCommit   *string `json:"first_commit"`
	LastCommit    *string `json:"last_commit"`

	AverageCommitsPerDay       *float64 `json:"average_commits_per_day"`
	AverageAdditionsPerDay     *float64 `json:"average_additions_per_day"`
	AverageDeletionsPerDay     *float64 `json:"average_deletions_per_day"`
	AverageNetLinesPerDay      *float64 `json:"average_net_lines_per_day"`
	AverageContributionsPerDay *float64 `json:"average_contributions_per_day"`
	AverageCommitsPerActiveDay *float64 `json:"average_commits_per_active_day"`
	MaxCommitsPerDay           int      `json:"max_commits_per_day"`
	MaxAdditionsPerDay         int      `json:"max_additions_per_day"`
	MaxDeletionsPerDay         int      `json:"max_deletions_per_day"`
	MaxContributionsPerDay     int      `json:"max_contributions_per_day"`
	YearsCoding                *float64 `json:"years_coding"`
}

// StreakStats holds consecutive-day streaks.
type StreakStats struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}

// Window sums the metrics over a trailing range of calendar days ending today.
type Window struct {
	Name          string `json:"name"`
	From          string `json:"from"`
	To            string `json:"to"`
	Commits       int    `json:"commits"`
	Additions     int    `json:"additions"`
	Deletions     int    `json:"deletions"`
	NetLines      int    `json:"net_lines"`
	Contributions int    `json:"contributions"`
	ActiveDays    int    `json:"active_days"`
}

// Changes are percent changes of the trailing 30 days against the 30 days before.
type Changes struct {
	Commits   float64 `json:"commits"`
	Additions float64 `json:"additions"`
	Deletions float64 `json:"deletions"`
}

// Growth is the exponential fit of the daily commit series.
type Growth struct {
	Rate    *float64 `json:"rate"`
	Percent *float64 `json:"percent"`
}

// YearSummary rolls the series up per calendar year.
type YearSummary struct {
	Year          int `json:"year"`
	Commits       int `json:"commits"`
	Additions     int `json:"additions"`
	Deletions     int `json:"deletions"`
	NetLines      int `json:"net_lines"`
	Contributions int `json:"contributions"`
	ActiveDays    int `json:"active_days"`
}

// WeekdaySummary rolls the series up per day of the week.
type WeekdaySummary struct {
	Weekday   string `json:"weekday"`
	Commits   int    `json:"commits"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Summary holds the headline numbers of DerivedStats without the per-day and per-commit lists.
type Summary struct {
	Usernames []string         `json:"usernames"`
	Totals    Totals           `json:"totals"`
	Streaks   StreakStats      `json:"streaks"`
	Windows   []Window         `json:"windows"`
	Change30d Changes          `json:"change_30d"`
	Growth    Growth           `json:"growth"`
	PeakDays  int              `json:"peak_days"`
	Weekdays  []WeekdaySummary `json:"weekdays"`
}

// DerivedStats is recomputed from the store on every read and never persisted.
type DerivedStats struct {
	Summary
	Yearly   []YearSummary        `json:"yearly"`
	Daily    []DailyPoint         `json:"daily"`
	TopRepos []model.RepoTotal    `json:"top_repos"`
	Recent   []model.CommitRecord `json:"recent"`
}

// Engine computes DerivedStats from a store.
type Engine struct {
	store  store.Reader
	clock  clock.Clock
	start  time.Time
	logger *slog.Logger
}

// NewEngine creates an Engine. The daily series starts at start, or earlier when a stored commit predates it.
func NewEngine(r store.Reader, c clock.Clock, start time.Time, logger *slog.Logger) *Engine {
	return &Engine{store: r, clock: c, start: start, logger: logger}
}

// day is one dense series entry before rolling means are attached.
type day struct {
	date          time.Time
	commits       int
	additions     int
	deletions     int
	contributions int
	repos         int
}

func (d day) net() int { return d.additions - d.deletions }

// Compute aggregates the stored commits of usernames.
func (e *Engine) Compute(ctx context.Context, usernames []string) (*DerivedStats, error) {
	if len(usernames) == 0 {
		return nil, custom_errors.ErrEmptyUserSet
	}
	today := clock.Today(e.clock)

	totals, err := e.store.DailyTotals(ctx, usernames)
	if err != nil {
		return nil, err
	}
	contributions, err := e.store.ContributionDays(ctx, usernames)
	if err != nil {
		return nil, err
	}
	active, err := e.store.ActiveDates(ctx, usernames)
	if err != nil {
		return nil, err
	}
	bounds, err := e.store.DateBounds(ctx, usernames)
	if err != nil {
		return nil, err
	}
	repos, err := e.store.RepoTotals(ctx, usernames, 0)
	if err != nil {
		return nil, err
	}
	recent, err := e.store.RecentCommits(ctx, usernames, recentCommitSize)
	if err != nil {
		return nil, err
	}

	// Commit days are committer-local, so a committer ahead of UTC can already be on the next day.
	if bounds.Last != nil && bounds.Last.After(today) {
		today = *bounds.Last
	}

	series := e.denseSeries(totals, contributions, bounds, today)
	e.logger.Debug("Computing stats", "usernames", usernames, "days", len(series))

	out := &DerivedStats{
		Summary: Summary{
			Usernames: usernames,
			Windows:   windows(series, today),
			Change30d: change30d(series, today),
			Weekdays:  weekdays(series),
		},
		Yearly:   yearly(series),
		TopRepos: repos,
		Recent:   recent,
	}
	if len(out.TopRepos) > topRepoCount {
		out.TopRepos = out.TopRepos[:topRepoCount]
	}
	out.Streaks.Current, out.Streaks.Longest = Streaks(active, today)
	out.Totals = summarize(series, bounds, len(active), len(repos), today)

	commits := column(series, func(d day) int { return d.commits })
	out.Growth.Rate = GrowthRate(commits)
	if out.Growth.Rate != nil {
		pct := *out.Growth.Rate * 100
		out.Growth.Percent = &pct
	}
	if len(commits) > 0 {
		threshold := Quantile(commits, peakQuantile)
		for _, c := range commits {
			if c > threshold {
				out.PeakDays++
			}
		}
	}
	out.Daily = points(series, out.Growth.Rate)

	return out, nil
}

// denseSeries fills every calendar day from the series start through today.
func (e *Engine) denseSeries(totals []model.DailyTotal, contributions []model.ContributionDay, bounds store.DateBounds, today time.Time) []day {
	start := e.start
	if bounds.First != nil && (start.IsZero() || bounds.First.Before(start)) {
		start = *bounds.First
	}
	if start.IsZero() {
		return nil
	}
	start = model.Day(start)
	if start.After(today) {
		return nil
	}

	n := int(today.Sub(start).Hours()/24) + 1
	series := make([]day, n)
	for i := range series {
		series[i].date = start.AddDate(0, 0, i)
	}

	index := func(t time.Time) (int, bool) {
		i := int(t.Sub(start).Hours() / 24)
		return i, i >= 0 && i < n
	}
	for _, t := range totals {
		if i, ok := index(t.Date); ok {
			series[i].commits = t.Commits
			series[i].additions = t.Additions
			series[i].deletions = t.Deletions
			series[i].repos = t.Repos
		}
	}
	for _, c := range contributions {
		if i, ok := index(c.Date); ok {
			series[i].contributions = c.Contributions
		}
	}
	return series
}

func column(series []day, f func(day) int) []float64 {
	out := make([]float64, len(series))
	for i, d := range series {
		out[i] = float64(f(d))
	}
	return out
}

func points(series []day, rate *float64) []DailyPoint {
	if len(series) == 0 {
		return []DailyPoint{}
	}
	commits := column(series, func(d day) int { return d.commits })
	additions := column(series, func(d day) int { return d.additions })
	deletions := column(series, func(d day) int { return d.deletions })
	net := column(series, day.net)
	contributions := column(series, func(d day) int { return d.contributions })

	c7, c30 := Rolling(commits, 7), Rolling(commits, 30)
	a7, a30 := Rolling(additions, 7), Rolling(additions, 30)
	d7, d30 := Rolling(deletions, 7), Rolling(deletions, 30)
	n7, n30 := Rolling(net, 7), Rolling(net, 30)
	k7, k30 := Rolling(contributions, 7), Rolling(contributions, 30)
	base := mean(commits)

	out := make([]DailyPoint, len(series))
	for i, d := range series {
		out[i] = DailyPoint{
			Date:             d.date.Format(time.DateOnly),
			Commits:          d.commits,
			Additions:        d.additions,
			Deletions:        d.deletions,
			NetLines:         d.net(),
			Contributions:    d.contributions,
			Repos:            d.repos,
			Commits7d:        c7[i],
			Commits30d:       c30[i],
			Additions7d:      a7[i],
			Additions30d:     a30[i],
			Deletions7d:      d7[i],
			Deletions30d:     d30[i],
			NetLines7d:       n7[i],
			NetLines30d:      n30[i],
			Contributions7d:  k7[i],
			Contributions30d: k30[i],
		}
		if rate != nil {
			trend := base * math.Exp(*rate*float64(i))
			out[i].Trend = &trend
		}
	}
	return out
}

// sumRange sums the series over the inclusive calendar range [from, to].
func sumRange(series []day, name string, from, to time.Time) Window {
	w := Window{Name: name, From: from.Format(time.DateOnly), To: to.Format(time.DateOnly)}
	for _, d := range series {
		if d.date.Before(from) || d.date.After(to) {
			continue
		}
		w.Commits += d.commits
		w.Additions += d.additions
		w.Deletions += d.deletions
		w.NetLines += d.net()
		w.Contributions += d.contributions
		if d.commits > 0 {
			w.ActiveDays++
		}
	}
	return w
}

func windows(series []day, today time.Time) []Window {
	trailing := func(days int) time.Time { return today.AddDate(0, 0, -(days - 1)) }
	yearStart := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	return []Window{
		sumRange(series, "7d", trailing(7), today),
		sumRange(series, "30d", trailing(30), today),
		sumRange(series, "90d", trailing(90), today),
		sumRange(series, "ytd", yearStart, today),
		sumRange(series, "365d", trailing(365), today),
	}
}

// change30d compares [today-29, today] with [today-59, today-30]. Days outside the series count as zero.
func change30d(series []day, today time.Time) Changes {
	curFrom := today.AddDate(0, 0, -(changeWindowDays - 1))
	prevTo := curFrom.AddDate(0, 0, -1)
	prevFrom := prevTo.AddDate(0, 0, -(changeWindowDays - 1))

	cur := sumRange(series, "current", curFrom, today)
	prev := sumRange(series, "previous", prevFrom, prevTo)
	return Changes{
		Commits:   PercentChange(float64(cur.Commits), float64(prev.Commits)),
		Additions: PercentChange(float64(cur.Additions), float64(prev.Additions)),
		Deletions: PercentChange(float64(cur.Deletions), float64(prev.Deletions)),
	}
}

func yearly(series []day) []YearSummary {
	byYear := map[int]*YearSummary{}
	for _, d := range series {
		y := d.date.Year()
		s, ok := byYear[y]
		if !ok {
			s = &YearSummary{Year: y}
			byYear[y] = s
		}
		s.Commits += d.commits
		s.Additions += d.additions
		s.Deletions += d.deletions
		s.NetLines += d.net()
		s.Contributions += d.contributions
		if d.commits > 0 {
			s.ActiveDays++
		}
	}

	out := make([]YearSummary, 0, len(byYear))
	for _, s := range byYear {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out
}

func weekdays(series []day) []WeekdaySummary {
	out := make([]WeekdaySummary, 7)
	for i := range out {
		out[i].Weekday = time.Weekday((i + 1) % 7).String()
	}
	for _, d := range series {
		w := &out[mondayFirst(d.date.Weekday())]
		w.Commits += d.commits
		w.Additions += d.additions
		w.Deletions += d.deletions
	}
	return out
}

func summarize(series []day, bounds store.DateBounds, activeDays, uniqueRepos int, today time.Time) Totals {
	t := Totals{ActiveDays: activeDays, UniqueRepos: uniqueRepos, Days: len(series)}
	for _, d := range series {
		t.Commits += d.commits
		t.Additions += d.additions
		t.Deletions += d.deletions
		t.Contributions += d.contributions
		t.MaxCommitsPerDay = max(t.MaxCommitsPerDay, d.commits)
		t.MaxAdditionsPerDay = max(t.MaxAdditionsPerDay, d.additions)
		t.MaxDeletionsPerDay = max(t.MaxDeletionsPerDay, d.deletions)
		t.MaxContributionsPerDay = max(t.MaxContributionsPerDay, d.contributions)
	}
	t.NetLines = t.Additions - t.Deletions

	if n := float64(len(series)); n > 0 {
		t.AverageCommitsPerDay = ptr(float64(t.Commits) / n)
		t.AverageAdditionsPerDay = ptr(float64(t.Additions) / n)
		t.AverageDeletionsPerDay = ptr(float64(t.Deletions) / n)
		t.AverageNetLinesPerDay = ptr(float64(t.NetLines) / n)
		t.AverageContributionsPerDay = ptr(float64(t.Contributions) / n)
	}
	if activeDays > 0 {
		t.AverageCommitsPerActiveDay = ptr(round1(float64(t.Commits) / float64(activeDays)))
	}

	if bounds.First != nil {
		first, last := bounds.First.Format(time.DateOnly), bounds.Last.Format(time.DateOnly)
		t.FirstCommit, t.LastCommit = &first, &last
		t.YearsCoding = ptr(round1(today.Sub(*bounds.First).Hours() / 24 / 365.25))
	}
	return t
}

func ptr(v float64) *float64 { return &v }

// String renders the headline numbers for command-line output.
func (s *DerivedStats) String() string {
	return fmt.Sprintf("commits=%d active_days=%d repos=%d streak=%d longest=%d",
		s.Totals.Commits, s.Totals.ActiveDays, s.Totals.UniqueRepos, s.Streaks.Current, s.Streaks.Longest)
}
