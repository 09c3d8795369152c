// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-commit-stats/internal/model"
	"github-commit-stats/internal/store/migrations"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	locks  *userLocks
}

// NewPostgresStore connects to dbURL and applies pending migrations.
func NewPostgresStore(ctx context.Context, dbURL string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.MigratePostgres(dbURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger, locks: newUserLocks()}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgCommitColumns = `sha, username, commit_date, repo, message, url, additions, deletions`

func scanCommit(row pgx.CollectableRow) (model.CommitRecord, error) {
	var (
		rec      model.CommitRecord
		add, del *int
	)
	if err := row.Scan(&rec.SHA, &rec.Username, &rec.Date, &rec.Repo, &rec.Message, &rec.URL, &add, &del); err != nil {
		return model.CommitRecord{}, err
	}
	rec.Date = model.Day(rec.Date)
	rec.Size = model.SizeFromNullable(add, del)
	return rec, nil
}

func (s *PostgresStore) queryCommits(ctx context.Context, sql string, args ...any) ([]model.CommitRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanCommit)
}

// pgLimit maps a non-positive limit to NULL, which Postgres reads as LIMIT ALL.
func pgLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (s *PostgresStore) SaveCommits(ctx context.Context, records []model.CommitRecord) (int, error) {
	return saveEach(ctx, s.logger, records, s.insertCommit)
}

func (s *PostgresStore) insertCommit(ctx context.Context, rec model.CommitRecord) (bool, error) {
	unlock := s.locks.lock(rec.Username)
	defer unlock()

	add, del := rec.Size.Nullable()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO commits (`+pgCommitColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (sha) DO NOTHING`,
		rec.SHA, rec.Username, rec.Date, rec.Repo, rec.Message, rec.URL, add, del)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) IsMonthFetched(ctx context.Context, username string, ym model.YearMonth) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fetch_markers WHERE username = $1 AND year_month = $2)`,
		username, ym.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fetch marker: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) FetchedMonths(ctx context.Context, username string) ([]model.YearMonth, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT year_month FROM fetch_markers WHERE username = $1 ORDER BY year_month`, username)
	if err != nil {
		return nil, fmt.Errorf("list fetch markers: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list fetch markers: %w", err)
	}
	return parseMonths(raw)
}

func (s *PostgresStore) MarkMonthFetched(ctx context.Context, username string, ym model.YearMonth) error {
	unlock := s.locks.lock(username)
	defer unlock()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO fetch_markers (username, year_month, fetched_at) VALUES ($1, $2, now())
		 ON CONFLICT (username, year_month) DO UPDATE SET fetched_at = EXCLUDED.fetched_at`,
		username, ym.String())
	if err != nil {
		return fmt.Errorf("mark %s fetched: %w", ym, err)
	}
	return nil
}

func (s *PostgresStore) ClearFetchMarkers(ctx context.Context, username string) error {
	unlock := s.locks.lock(username)
	defer unlock()

	if _, err := s.pool.Exec(ctx, `DELETE FROM fetch_markers WHERE username = $1`, username); err != nil {
		return fmt.Errorf("clear fetch markers: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommitsMissingSize(ctx context.Context, username string, limit int) ([]model.CommitRecord, error) {
	recs, err := s.queryCommits(ctx,
		`SELECT `+pgCommitColumns+` FROM commits
		 WHERE username = $1 AND additions IS NULL
		 ORDER BY commit_date, sha LIMIT $2`, username, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list commits missing size: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) UpdateSize(ctx context.Context, username, sha string, size model.ChangeSize) error {
	unlock := s.locks.lock(username)
	defer unlock()

	add, del := size.Nullable()
	_, err := s.pool.Exec(ctx,
		`UPDATE commits SET additions = $1, deletions = $2 WHERE sha = $3 AND username = $4`, add, del, sha, username)
	if err != nil {
		return fmt.Errorf("update size of %s: %w", sha, err)
	}
	return nil
}

func (s *PostgresStore) DailyTotals(ctx context.Context, usernames []string) ([]model.DailyTotal, error) {
	if err := checkUsers(usernames); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT commit_date, COUNT(*), COALESCE(SUM(additions), 0), COALESCE(SUM(deletions), 0), COUNT(DISTINCT repo)
		 FROM commits WHERE username = ANY($1)
		 GROUP BY commit_date ORDER BY commit_date`, usernames)
	if err != nil {
		return nil, fmt.Errorf("aggregate daily totals: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DailyTotal, error) {
		var d model.DailyTotal
		err := row.Scan(&d.Date, &d.Commits, &d.Additions, &d.Deletions, &d.Repos)
		d.Date = model.Day(d.Date)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate daily totals: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RepoTotals(ctx context.Context, usernames []string, limit int) ([]model.RepoTotal, error) {
	if err := checkUsers(usernames); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT repo, COUNT(*) AS commits, COALESCE(SUM(additions), 0), COALESCE(SUM(deletions), 0)
		 FROM commits WHERE username = ANY($1) AND repo <> ''
		 GROUP BY repo ORDER BY commits DESC, repo LIMIT $2`, usernames, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("aggregate repository totals: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RepoTotal, error) {
		var r model.RepoTotal
		err := row.Scan(&r.Repo, &r.Commits, &r.Additions, &r.Deletions)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate repository totals: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ActiveDates(ctx context.Context, usernames []string) ([]time.Time, error) {
	if err := checkUsers(usernames); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT commit_date FROM commits WHERE username = ANY($1) ORDER BY commit_date`, usernames)
	if err != nil {
		return nil, fmt.Errorf("list active dates: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (time.Time, error) {
		var d time.Time
		err := row.Scan(&d)
		return model.Day(d), err
	})
	if err != nil {
		return nil, fmt.Errorf("list active dates: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DateBounds(ctx context.Context, usernames []string) (DateBounds, error) {
	if err := checkUsers(usernames); err != nil {
		return DateBounds{}, err
	}
	var b DateBounds
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(commit_date), MAX(commit_date) FROM commits WHERE username = ANY($1)`, usernames).Scan(&b.First, &b.Last)
	if err != nil {
		return DateBounds{}, fmt.Errorf("query date bounds: %w", err)
	}
	if b.First != nil {
		first, last := model.Day(*b.First), model.Day(*b.Last)
		b.First, b.Last = &first, &last
	}
	return b, nil
}

func (s *PostgresStore) RecentCommits(ctx context.Context, usernames []string, limit int) ([]model.CommitRecord, error) {
	if err := checkUsers(usernames); err != nil {
		return nil, err
	}
	recs, err := s.queryCommits(ctx,
		`SELECT `+pgCommitColumns+` FROM commits WHERE username = ANY($1)
		 ORDER BY commit_date DESC, sha LIMIT $2`, usernames, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent commits: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) SearchCommits(ctx context.Context, username, text string, limit int) ([]model.CommitRecord, error) {
	if err := checkQuery(text); err != nil {
		return nil, err
	}
	recs, err := s.queryCommits(ctx,
		`SELECT `+pgCommitColumns+` FROM commits
		 WHERE username = $1 AND (LOWER(message) LIKE $2 ESCAPE '\' OR LOWER(repo) LIKE $2 ESCAPE '\')
		 ORDER BY commit_date DESC, sha LIMIT $3`, username, likePattern(text), pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("search commits: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) ContributionDays(ctx context.Context, usernames []string) ([]model.ContributionDay, error) {
	if err := checkUsers(usernames); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT day, SUM(contributions) FROM contribution_days
		 WHERE username = ANY($1) GROUP BY day ORDER BY day`, usernames)
	if err != nil {
		return nil, fmt.Errorf("list contribution days: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ContributionDay, error) {
		var d model.ContributionDay
		err := row.Scan(&d.Date, &d.Contributions)
		d.Date = model.Day(d.Date)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("list contribution days: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveContributionDays(ctx context.Context, username string, days []model.ContributionDay) error {
	if len(days) == 0 {
		return nil
	}
	unlock := s.locks.lock(username)
	defer unlock()

	batch := &pgx.Batch{}
	for _, d := range days {
		batch.Queue(
			`INSERT INTO contribution_days (username, day, contributions) VALUES ($1, $2, $3)
			 ON CONFLICT (username, day) DO UPDATE SET contributions = EXCLUDED.contributions`,
			username, d.Date, d.Contributions)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save contribution days: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p *model.UserProfile) error {
	unlock := s.locks.lock(p.Username)
	defer unlock()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_profiles (username, name, avatar_url, bio, company, location, blog,
		                            followers, following, public_repos, account_created_at, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (username) DO UPDATE SET
		     name = EXCLUDED.name, avatar_url = EXCLUDED.avatar_url, bio = EXCLUDED.bio,
		     company = EXCLUDED.company, location = EXCLUDED.location, blog = EXCLUDED.blog,
		     followers = EXCLUDED.followers, following = EXCLUDED.following,
		     public_repos = EXCLUDED.public_repos, account_created_at = EXCLUDED.account_created_at,
		     fetched_at = EXCLUDED.fetched_at`,
		p.Username, p.Name, p.AvatarURL, p.Bio, p.Company, p.Location, p.Blog,
		p.Followers, p.Following, p.PublicRepos, p.AccountCreatedAt, p.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, username string) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	err := s.pool.QueryRow(ctx,
		`SELECT username, name, avatar_url, bio, company, location, blog,
		        followers, following, public_repos, account_created_at, fetched_at
		 FROM user_profiles WHERE username = $1`, username).Scan(
		&p.Username, &p.Name, &p.AvatarURL, &p.Bio, &p.Company, &p.Location, &p.Blog,
		&p.Followers, &p.Following, &p.PublicRepos, &p.AccountCreatedAt, &p.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FetchStatus(ctx context.Context) ([]model.FetchStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT username, COUNT(*), COUNT(additions), COUNT(*) FILTER (WHERE additions IS NULL)
		 FROM commits GROUP BY username`)
	if err != nil {
		return nil, fmt.Errorf("count commits: %w", err)
	}
	statuses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FetchStatus, error) {
		var st model.FetchStatus
		err := row.Scan(&st.Username, &st.Total, &st.WithSize, &st.WithoutSize)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("count commits: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT username, COUNT(*), MAX(fetched_at) FROM fetch_markers GROUP BY username`)
	if err != nil {
		return nil, fmt.Errorf("count fetch markers: %w", err)
	}
	markers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (markerCount, error) {
		var m markerCount
		err := row.Scan(&m.Username, &m.Months, &m.Last)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("count fetch markers: %w", err)
	}
	return mergeStatus(statuses, markers), nil
}
