// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github-commit-stats/internal/model"
	"github-commit-stats/internal/store/migrations"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	locks  *userLocks
}

// NewSQLiteStore opens the database at path in WAL mode and applies pending migrations.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	if err := migrations.MigrateSQLite(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, locks: newUserLocks()}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteCommitRow struct {
	SHA        string `db:"sha"`
	Username   string `db:"username"`
	CommitDate string `db:"commit_date"`
	Repo       string `db:"repo"`
	Message    string `db:"message"`
	URL        string `db:"url"`
	Additions  *int   `db:"additions"`
	Deletions  *int   `db:"deletions"`
}

const sqliteCommitColumns = `sha, username, commit_date, repo, message, url, additions, deletions`

func (r sqliteCommitRow) record() (model.CommitRecord, error) {
	day, err := model.ParseDay(r.CommitDate)
	if err != nil {
		return model.CommitRecord{}, fmt.Errorf("commit %s: %w", r.SHA, err)
	}
	return model.CommitRecord{
		SHA:      r.SHA,
		Username: r.Username,
		Date:     day,
		Repo:     r.Repo,
		Message:  r.Message,
		URL:      r.URL,
		Size:     model.SizeFromNullable(r.Additions, r.Deletions),
	}, nil
}

func sqliteRecords(rows []sqliteCommitRow) ([]model.CommitRecord, error) {
	out := make([]model.CommitRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// sqliteLimit maps a non-positive limit to SQLite's "no limit".
func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// selectIn runs a query with an IN (?) clause expanded over usernames.
func (s *SQLiteStore) selectIn(ctx context.Context, dest interface{}, query string, usernames []string, args ...interface{}) error {
	if err := checkUsers(usernames); err != nil {
		return err
	}
	q, inArgs, err := sqlx.In(query, append([]interface{}{usernames}, args...)...)
	if err != nil {
		return err
	}
	return s.db.SelectContext(ctx, dest, s.db.Rebind(q), inArgs...)
}

func (s *SQLiteStore) SaveCommits(ctx context.Context, records []model.CommitRecord) (int, error) {
	return saveEach(ctx, s.logger, records, s.insertCommit)
}

func (s *SQLiteStore) insertCommit(ctx context.Context, rec model.CommitRecord) (bool, error) {
	unlock := s.locks.lock(rec.Username)
	defer unlock()

	add, del := rec.Size.Nullable()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO commits (`+sqliteCommitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SHA, rec.Username, rec.Date.Format(time.DateOnly), rec.Repo, rec.Message, rec.URL, add, del)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) IsMonthFetched(ctx context.Context, username string, ym model.YearMonth) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM fetch_markers WHERE username = ? AND year_month = ?`, username, ym.String())
	if err != nil {
		return false, fmt.Errorf("check fetch marker: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) FetchedMonths(ctx context.Context, username string) ([]model.YearMonth, error) {
	var raw []string
	err := s.db.SelectContext(ctx, &raw,
		`SELECT year_month FROM fetch_markers WHERE username = ? ORDER BY year_month`, username)
	if err != nil {
		return nil, fmt.Errorf("list fetch markers: %w", err)
	}
	return parseMonths(raw)
}

func (s *SQLiteStore) MarkMonthFetched(ctx context.Context, username string, ym model.YearMonth) error {
	unlock := s.locks.lock(username)
	defer unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_markers (username, year_month, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT (username, year_month) DO UPDATE SET fetched_at = excluded.fetched_at`,
		username, ym.String(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("mark %s fetched: %w", ym, err)
	}
	return nil
}

func (s *SQLiteStore) ClearFetchMarkers(ctx context.Context, username string) error {
	unlock := s.locks.lock(username)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM fetch_markers WHERE username = ?`, username); err != nil {
		return fmt.Errorf("clear fetch markers: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CommitsMissingSize(ctx context.Context, username string, limit int) ([]model.CommitRecord, error) {
	var rows []sqliteCommitRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sqliteCommitColumns+` FROM commits
		 WHERE username = ? AND additions IS NULL
		 ORDER BY commit_date, sha LIMIT ?`, username, sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list commits missing size: %w", err)
	}
	return sqliteRecords(rows)
}

func (s *SQLiteStore) UpdateSize(ctx context.Context, username, sha string, size model.ChangeSize) error {
	unlock := s.locks.lock(username)
	defer unlock()

	add, del := size.Nullable()
	_, err := s.db.ExecContext(ctx,
		`UPDATE commits SET additions = ?, deletions = ? WHERE sha = ? AND username = ?`, add, del, sha, username)
	if err != nil {
		return fmt.Errorf("update size of %s: %w", sha, err)
	}
	return nil
}

func (s *SQLiteStore) DailyTotals(ctx context.Context, usernames []string) ([]model.DailyTotal, error) {
	var rows []struct {
		Day       string `db:"commit_date"`
		Commits   int    `db:"commits"`
		Additions int    `db:"additions"`
		Deletions int    `db:"deletions"`
		Repos     int    `db:"repos"`
	}
	err := s.selectIn(ctx, &rows,
		`SELECT commit_date, COUNT(*) AS commits,
		        COALESCE(SUM(additions), 0) AS additions, COALESCE(SUM(deletions), 0) AS deletions,
		        COUNT(DISTINCT repo) AS repos
		 FROM commits WHERE username IN (?)
		 GROUP BY commit_date ORDER BY commit_date`, usernames)
	if err != nil {
		return nil, fmt.Errorf("aggregate daily totals: %w", err)
	}

	out := make([]model.DailyTotal, 0, len(rows))
	for _, r := range rows {
		day, err := model.ParseDay(r.Day)
		if err != nil {
			return nil, err
		}
		out = append(out, model.DailyTotal{Date: day, Commits: r.Commits, Additions: r.Additions, Deletions: r.Deletions, Repos: r.Repos})
	}
	return out, nil
}

func (s *SQLiteStore) RepoTotals(ctx context.Context, usernames []string, limit int) ([]model.RepoTotal, error) {
	var out []model.RepoTotal
	err := s.selectIn(ctx, &out,
		`SELECT repo, COUNT(*) AS commits,
		        COALESCE(SUM(additions), 0) AS additions, COALESCE(SUM(deletions), 0) AS deletions
		 FROM commits WHERE username IN (?) AND repo <> ''
		 GROUP BY repo ORDER BY commits DESC, repo LIMIT ?`, usernames, sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("aggregate repository totals: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ActiveDates(ctx context.Context, usernames []string) ([]time.Time, error) {
	var raw []string
	err := s.selectIn(ctx, &raw,
		`SELECT DISTINCT commit_date FROM commits WHERE username IN (?) ORDER BY commit_date`, usernames)
	if err != nil {
		return nil, fmt.Errorf("list active dates: %w", err)
	}

	out := make([]time.Time, 0, len(raw))
	for _, r := range raw {
		day, err := model.ParseDay(r)
		if err != nil {
			return nil, err
		}
		out = append(out, day)
	}
	return out, nil
}

func (s *SQLiteStore) DateBounds(ctx context.Context, usernames []string) (DateBounds, error) {
	var rows []struct {
		First sql.NullString `db:"first"`
		Last  sql.NullString `db:"last"`
	}
	err := s.selectIn(ctx, &rows,
		`SELECT MIN(commit_date) AS first, MAX(commit_date) AS last FROM commits WHERE username IN (?)`, usernames)
	if err != nil {
		return DateBounds{}, fmt.Errorf("query date bounds: %w", err)
	}
	if len(rows) == 0 || !rows[0].First.Valid {
		return DateBounds{}, nil
	}

	first, err := model.ParseDay(rows[0].First.String)
	if err != nil {
		return DateBounds{}, err
	}
	last, err := model.ParseDay(rows[0].Last.String)
	if err != nil {
		return DateBounds{}, err
	}
	return DateBounds{First: &first, Last: &last}, nil
}

func (s *SQLiteStore) RecentCommits(ctx context.Context, usernames []string, limit int) ([]model.CommitRecord, error) {
	var rows []sqliteCommitRow
	err := s.selectIn(ctx, &rows,
		`SELECT `+sqliteCommitColumns+` FROM commits WHERE username IN (?)
		 ORDER BY commit_date DESC, sha LIMIT ?`, usernames, sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent commits: %w", err)
	}
	return sqliteRecords(rows)
}

func (s *SQLiteStore) SearchCommits(ctx context.Context, username, text string, limit int) ([]model.CommitRecord, error) {
	if err := checkQuery(text); err != nil {
		return nil, err
	}
	pattern := likePattern(text)

	var rows []sqliteCommitRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sqliteCommitColumns+` FROM commits
		 WHERE username = ? AND (LOWER(message) LIKE ? ESCAPE '\' OR LOWER(repo) LIKE ? ESCAPE '\')
		 ORDER BY commit_date DESC, sha LIMIT ?`, username, pattern, pattern, sqliteLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("search commits: %w", err)
	}
	return sqliteRecords(rows)
}

func (s *SQLiteStore) ContributionDays(ctx context.Context, usernames []string) ([]model.ContributionDay, error) {
	var rows []struct {
		Day           string `db:"day"`
		Contributions int    `db:"contributions"`
	}
	err := s.selectIn(ctx, &rows,
		`SELECT day, SUM(contributions) AS contributions FROM contribution_days
		 WHERE username IN (?) GROUP BY day ORDER BY day`, usernames)
	if err != nil {
		return nil, fmt.Errorf("list contribution days: %w", err)
	}

	out := make([]model.ContributionDay, 0, len(rows))
	for _, r := range rows {
		day, err := model.ParseDay(r.Day)
		if err != nil {
			return nil, err
		}
		out = append(out, model.ContributionDay{Date: day, Contributions: r.Contributions})
	}
	return out, nil
}

func (s *SQLiteStore) SaveContributionDays(ctx context.Context, username string, days []model.ContributionDay) error {
	if len(days) == 0 {
		return nil
	}
	unlock := s.locks.lock(username)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range days {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO contribution_days (username, day, contributions) VALUES (?, ?, ?)
			 ON CONFLICT (username, day) DO UPDATE SET contributions = excluded.contributions`,
			username, d.Date.Format(time.DateOnly), d.Contributions)
		if err != nil {
			return fmt.Errorf("save contribution day %s: %w", d.Date.Format(time.DateOnly), err)
		}
	}
	return tx.Commit()
}

type sqliteProfileRow struct {
	Username         string  `db:"username"`
	Name             *string `db:"name"`
	AvatarURL        *string `db:"avatar_url"`
	Bio              *string `db:"bio"`
	Company          *string `db:"company"`
	Location         *string `db:"location"`
	Blog             *string `db:"blog"`
	Followers        int     `db:"followers"`
	Following        int     `db:"following"`
	PublicRepos      int     `db:"public_repos"`
	AccountCreatedAt *string `db:"account_created_at"`
	FetchedAt        string  `db:"fetched_at"`
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *model.UserProfile) error {
	unlock := s.locks.lock(p.Username)
	defer unlock()

	row := sqliteProfileRow{
		Username: p.Username, Name: p.Name, AvatarURL: p.AvatarURL, Bio: p.Bio, Company: p.Company,
		Location: p.Location, Blog: p.Blog, Followers: p.Followers, Following: p.Following,
		PublicRepos: p.PublicRepos, FetchedAt: p.FetchedAt.UTC().Format(time.RFC3339),
	}
	if p.AccountCreatedAt != nil {
		created := p.AccountCreatedAt.UTC().Format(time.RFC3339)
		row.AccountCreatedAt = &created
	}

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO user_profiles (username, name, avatar_url, bio, company, location, blog,
		                            followers, following, public_repos, account_created_at, fetched_at)
		 VALUES (:username, :name, :avatar_url, :bio, :company, :location, :blog,
		         :followers, :following, :public_repos, :account_created_at, :fetched_at)
		 ON CONFLICT (username) DO UPDATE SET
		     name = excluded.name, avatar_url = excluded.avatar_url, bio = excluded.bio,
		     company = excluded.company, location = excluded.location, blog = excluded.blog,
		     followers = excluded.followers, following = excluded.following,
		     public_repos = excluded.public_repos, account_created_at = excluded.account_created_at,
		     fetched_at = excluded.fetched_at`, row)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, username string) (*model.UserProfile, error) {
	var row sqliteProfileRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM user_profiles WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	p := &model.UserProfile{
		Username: row.Username, Name: row.Name, AvatarURL: row.AvatarURL, Bio: row.Bio, Company: row.Company,
		Location: row.Location, Blog: row.Blog, Followers: row.Followers, Following: row.Following,
		PublicRepos: row.PublicRepos,
	}
	if p.FetchedAt, err = time.Parse(time.RFC3339, row.FetchedAt); err != nil {
		return nil, fmt.Errorf("profile %s: %w", username, err)
	}
	if row.AccountCreatedAt != nil {
		created, err := time.Parse(time.RFC3339, *row.AccountCreatedAt)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", username, err)
		}
		p.AccountCreatedAt = &created
	}
	return p, nil
}

func (s *SQLiteStore) FetchStatus(ctx context.Context) ([]model.FetchStatus, error) {
	var counts []struct {
		Username    string `db:"username"`
		Total       int    `db:"total"`
		WithSize    int    `db:"with_size"`
		WithoutSize int    `db:"without_size"`
	}
	err := s.db.SelectContext(ctx, &counts,
		`SELECT username, COUNT(*) AS total, COUNT(additions) AS with_size,
		        SUM(CASE WHEN additions IS NULL THEN 1 ELSE 0 END) AS without_size
		 FROM commits GROUP BY username`)
	if err != nil {
		return nil, fmt.Errorf("count commits: %w", err)
	}

	var markers []struct {
		Username string `db:"username"`
		Months   int    `db:"months"`
		Last     string `db:"last"`
	}
	err = s.db.SelectContext(ctx, &markers,
		`SELECT username, COUNT(*) AS months, MAX(fetched_at) AS last FROM fetch_markers GROUP BY username`)
	if err != nil {
		return nil, fmt.Errorf("count fetch markers: %w", err)
	}

	statuses := make([]model.FetchStatus, 0, len(counts))
	for _, c := range counts {
		statuses = append(statuses, model.FetchStatus{Username: c.Username, Total: c.Total, WithSize: c.WithSize, WithoutSize: c.WithoutSize})
	}
	mc := make([]markerCount, 0, len(markers))
	for _, m := range markers {
		entry := markerCount{Username: m.Username, Months: m.Months}
		if last, err := time.Parse(time.RFC3339, m.Last); err == nil {
			entry.Last = &last
		}
		mc = append(mc, entry)
	}
	return mergeStatus(statuses, mc), nil
}

func parseMonths(raw []string) ([]model.YearMonth, error) {
	out := make([]model.YearMonth, 0, len(raw))
	for _, r := range raw {
		ym, err := model.ParseYearMonth(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ym)
	}
	return out, nil
}
