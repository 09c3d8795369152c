// internal/model/models.go
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the number of runes kept from the first line of a commit message.
const MaxMessageLength = 200

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9]|-[A-Za-z0-9]){0,38}$`)

// ValidUsername reports whether s is shaped like a GitHub login.
func ValidUsername(s string) bool {
	return usernamePattern.MatchString(s)
}

// SizeState distinguishes a size-of-change that has not been fetched from a known one.
type SizeState int

const (
	SizeUnknown SizeState = iota
	SizeZero
	SizeNonZero
)

func (s SizeState) String() string {
	switch s {
	case SizeZero:
		return "zero"
	case SizeNonZero:
		return "nonzero"
	default:
		return "unknown"
	}
}

// ChangeSize holds the lines added and removed by a commit.
// The zero value is the unknown state.
type ChangeSize struct {
	Additions int
	Deletions int
	known     bool
}

// KnownSize returns a ChangeSize in one of the known states.
func KnownSize(additions, deletions int) ChangeSize {
	return ChangeSize{Additions: additions, Deletions: deletions, known: true}
}

// SizeFromNullable builds a ChangeSize from nullable columns. A NULL additions value means unknown.
func SizeFromNullable(additions, deletions *int) ChangeSize {
	if additions == nil {
		return ChangeSize{}
	}
	del := 0
	if deletions != nil {
		del = *deletions
	}
	return KnownSize(*additions, del)
}

func (c ChangeSize) Known() bool { return c.known }

func (c ChangeSize) State() SizeState {
	switch {
	case !c.known:
		return SizeUnknown
	case c.Additions == 0 && c.Deletions == 0:
		return SizeZero
	default:
		return SizeNonZero
	}
}

// Nullable returns the column values for the size, nil when unknown.
func (c ChangeSize) Nullable() (additions, deletions *int) {
	if !c.known {
		return nil, nil
	}
	a, d := c.Additions, c.Deletions
	return &a, &d
}

// CommitRecord is a single commit attributed to a tracked user.
type CommitRecord struct {
	SHA      string     `json:"sha"`
	Username string     `json:"username"`
	Date     time.Time  `json:"date"`
	Repo     string     `json:"repo"`
	Message  string     `json:"message"`
	URL      string     `json:"url"`
	Size     ChangeSize `json:"-"`
}

// Validate checks the fields a record needs before it can be stored.
func (c CommitRecord) Validate() error {
	switch {
	case c.SHA == "":
		return fmt.Errorf("commit record has no sha")
	case c.Username == "":
		return fmt.Errorf("commit %s has no username", c.SHA)
	case c.Date.IsZero():
		return fmt.Errorf("commit %s has no date", c.SHA)
	}
	return nil
}

// FirstLine returns the first line of msg, trimmed and cut to MaxMessageLength runes.
func FirstLine(msg string) string {
	line, _, _ := strings.Cut(msg, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= MaxMessageLength {
		return line
	}
	return string([]rune(line)[:MaxMessageLength])
}

// Day truncates t to its calendar date, keeping the date as seen in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string (longer ISO timestamps are cut to their date prefix).
func ParseDay(s string) (time.Time, error) {
	if len(s) > len(time.DateOnly) {
		s = s[:len(time.DateOnly)]
	}
	return time.Parse(time.DateOnly, s)
}

// YearMonth identifies a calendar month.
type YearMonth struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// ParseYearMonth parses a YYYY-MM string.
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("parse year-month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// First returns the first day of the month.
func (ym YearMonth) First() time.Time {
	return time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Last returns the last day of the month.
func (ym YearMonth) Last() time.Time {
	return ym.First().AddDate(0, 1, -1)
}

func (ym YearMonth) Next() YearMonth {
	return MonthOf(ym.First().AddDate(0, 1, 0))
}

func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// MonthsBetween lists every calendar month from the month of from through the month of to.
func MonthsBetween(from, to time.Time) []YearMonth {
	var months []YearMonth
	last := MonthOf(to)
	for ym := MonthOf(from); !last.Before(ym); ym = ym.Next() {
		months = append(months, ym)
	}
	return months
}

// FetchMarker records that a user's commits for a month were fully retrieved.
type FetchMarker struct {
	Username  string
	Month     YearMonth
	FetchedAt time.Time
}

// UserProfile is the provider's public profile for a tracked user.
type UserProfile struct {
	Username         string     `json:"username"`
	Name             *string    `json:"name"`
	AvatarURL        *string    `json:"avatar_url"`
	Bio              *string    `json:"bio"`
	Company          *string    `json:"company"`
	Location         *string    `json:"location"`
	Blog             *string    `json:"blog"`
	Followers        int        `json:"followers"`
	Following        int        `json:"following"`
	PublicRepos      int        `json:"public_repos"`
	AccountCreatedAt *time.Time `json:"account_created_at"`
	FetchedAt        time.Time  `json:"fetched_at"`
}

// ContributionDay is one cell of the provider's contribution calendar.
type ContributionDay struct {
	Date          time.Time `json:"date"`
	Contributions int       `json:"contributions"`
}

// DailyTotal aggregates the commits of one calendar day.
type DailyTotal struct {
	Date      time.Time
	Commits   int
	Additions int
	Deletions int
	Repos     int
}

// RepoTotal aggregates the commits of one repository.
type RepoTotal struct {
	Repo      string `json:"repo"`
	Commits   int    `json:"commits"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// FetchStatus summarises how much of a user's history is stored.
type FetchStatus struct {
	Username      string     `json:"username"`
	Total         int        `json:"total"`
	WithSize      int        `json:"with_size"`
	WithoutSize   int        `json:"without_size"`
	MonthsFetched int        `json:"months_fetched"`
	LastFetchedAt *time.Time `json:"last_fetched_at"`
}
