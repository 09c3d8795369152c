package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v62/github"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
)

const (
	perPage  = 100
	maxPages = 10

	// ResultCap is the most results the search endpoint returns for any single query.
	ResultCap = perPage * maxPages
)

// SearchResult is the outcome of one author + date-range commit search.
type SearchResult struct {
	Commits []model.CommitRecord
	// Truncated is set when the received or reported count reached ResultCap, so more matches may exist.
	Truncated bool
	// Total is the provider's reported match count.
	Total int
	// FailedPages counts pages that could not be fetched and were skipped.
	FailedPages int
	// Dropped counts items that were returned but could not be turned into records.
	Dropped int
}

// SearchCommits returns the commits authored by username with a committer date in [from, to].
// Pages that fail are skipped; only an exhausted rate-limit budget or a cancelled context aborts the search.
func (c *Client) SearchCommits(ctx context.Context, username string, from, to time.Time) (*SearchResult, error) {
	query := fmt.Sprintf("author:%s committer-date:%s..%s", username, from.Format(time.DateOnly), to.Format(time.DateOnly))
	logger := c.logger.With("username", username, "from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly))

	result := &SearchResult{}
	received := 0

	for page := 1; page <= maxPages; page++ {
		if err := c.search.Wait(ctx); err != nil {
			return nil, err
		}

		opts := &github.SearchOptions{
			Sort:  "committer-date",
			Order: "asc",
			ListOptions: github.ListOptions{
				PerPage: perPage,
				Page:    page,
			},
		}

		logger.Debug("Fetching search page", "page", page)

		var found *github.CommitsSearchResult
		_, err := c.call(ctx, "search commits", func() (*github.Response, error) {
			var (
				resp *github.Response
				err  error
			)
			found, resp, err = c.gh.Search.Commits(ctx, query, opts)
			return resp, err
		})
		if err != nil {
			if errors.Is(err, custom_errors.ErrRetriesExhausted) || ctx.Err() != nil {
				return nil, err
			}
			result.FailedPages++
			logger.Warn("Search page failed, skipping", "page", page, "error", err)
			if statusOf(err) == http.StatusUnprocessableEntity {
				// The query itself was rejected; later pages would fail the same way.
				break
			}
			continue
		}

		items := found.Commits
		result.Total = found.GetTotal()
		received += len(items)

		for _, item := range items {
			rec, err := toCommitRecord(username, item)
			if err != nil {
				result.Dropped++
				logger.Warn("Dropping malformed search item", "error", err)
				continue
			}
			result.Commits = append(result.Commits, rec)
		}

		if len(items) < perPage || page == maxPages {
			if err := c.pause(ctx, c.delay); err != nil {
				return nil, err
			}
			break
		}
		if err := c.pause(ctx, 2*c.delay); err != nil {
			return nil, err
		}
	}

	// A failed page leaves received short of the cap even when more matches exist.
	result.Truncated = received >= ResultCap || result.Total >= ResultCap
	logger.Debug("Search finished", "received", received, "total", result.Total, "truncated", result.Truncated)
	return result, nil
}

// toCommitRecord translates a github.CommitResult object to our internal model.CommitRecord.
func toCommitRecord(username string, item *github.CommitResult) (model.CommitRecord, error) {
	if item == nil || item.GetSHA() == "" {
		return model.CommitRecord{}, errors.New("search item has no sha")
	}

	commit := item.GetCommit()
	date := commit.GetCommitter().GetDate().Time
	if date.IsZero() {
		date = commit.GetAuthor().GetDate().Time
	}
	if date.IsZero() {
		return model.CommitRecord{}, fmt.Errorf("search item %s has no commit date", item.GetSHA())
	}

	return model.CommitRecord{
		SHA:      item.GetSHA(),
		Username: username,
		Date:     model.Day(date),
		Repo:     item.GetRepository().GetFullName(),
		Message:  model.FirstLine(commit.GetMessage()),
		URL:      item.GetURL(),
	}, nil
}
