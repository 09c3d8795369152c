// internal/github/client.go
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
)

// Options tunes request pacing and the endpoints the client talks to.
type Options struct {
	// BaseURL overrides the REST endpoint, e.g. for GitHub Enterprise or tests.
	BaseURL string
	// GraphQLURL overrides the GraphQL endpoint used for the contribution calendar.
	GraphQLURL string
	// RequestDelay is slept after every successful call, twice over between pages of one search.
	RequestDelay time.Duration
	// RateLimitFloor is the minimum wait after a rate-limit response.
	RateLimitFloor time.Duration
	// MaxRetries bounds how often one request is retried after rate-limit responses.
	MaxRetries int
	// SearchPerMinute paces search calls across all callers. Zero disables pacing.
	SearchPerMinute int
}

// Client is a wrapper around the go-github client that waits out rate limits.
type Client struct {
	gh      *github.Client
	gql     *githubv4.Client
	search  *rate.Limiter
	logger  *slog.Logger
	delay   time.Duration
	floor   time.Duration
	retries int
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, opts Options, logger *slog.Logger) (*Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	gh := github.NewClient(tc)
	if opts.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		gh.BaseURL = u
	}

	gql := githubv4.NewClient(tc)
	if opts.GraphQLURL != "" {
		gql = githubv4.NewEnterpriseClient(opts.GraphQLURL, tc)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.SearchPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.SearchPerMinute)), 1)
	}

	retries := opts.MaxRetries
	if retries < 1 {
		retries = 1
	}

	return &Client{
		gh:      gh,
		gql:     gql,
		search:  limiter,
		logger:  logger,
		delay:   opts.RequestDelay,
		floor:   opts.RateLimitFloor,
		retries: retries,
	}, nil
}

// UserProfile fetches the public profile of username.
func (c *Client) UserProfile(ctx context.Context, username string) (*model.UserProfile, error) {
	var user *github.User
	_, err := c.call(ctx, "get user", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		user, resp, err = c.gh.Users.Get(ctx, username)
		return resp, err
	})
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, &custom_errors.ErrUserNotFound{Username: username}
		}
		return nil, fmt.Errorf("fetch profile of %s: %w", username, err)
	}
	if err := c.pause(ctx, c.delay); err != nil {
		return nil, err
	}
	return toUserProfile(username, user), nil
}

// CommitSize fetches the lines added and removed by the commit behind rec.
// The record's stored API URL is used when present.
func (c *Client) CommitSize(ctx context.Context, rec model.CommitRecord) (model.ChangeSize, error) {
	req, err := c.commitRequest(rec)
	if err != nil {
		return model.ChangeSize{}, err
	}

	var commit github.RepositoryCommit
	_, err = c.call(ctx, "get commit", func() (*github.Response, error) {
		return c.gh.Do(ctx, req.Clone(ctx), &commit)
	})
	if err != nil {
		return model.ChangeSize{}, fmt.Errorf("fetch commit %s: %w", rec.SHA, err)
	}
	if err := c.pause(ctx, c.delay); err != nil {
		return model.ChangeSize{}, err
	}
	if commit.Stats == nil {
		return model.ChangeSize{}, fmt.Errorf("commit %s: response has no stats", rec.SHA)
	}
	return model.KnownSize(commit.GetStats().GetAdditions(), commit.GetStats().GetDeletions()), nil
}

func (c *Client) commitRequest(rec model.CommitRecord) (*http.Request, error) {
	if rec.URL != "" {
		return c.gh.NewRequest(http.MethodGet, rec.URL, nil)
	}
	if rec.Repo == "" || rec.SHA == "" {
		return nil, fmt.Errorf("commit %q has neither a url nor a repository", rec.SHA)
	}
	return c.gh.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/commits/%s", rec.Repo, rec.SHA), nil)
}

// pause blocks for d or until ctx is done.
func (c *Client) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// toUserProfile translates a github.User object to our internal model.UserProfile.
func toUserProfile(username string, u *github.User) *model.UserProfile {
	p := &model.UserProfile{
		Username:    username,
		Name:        u.Name,
		AvatarURL:   u.AvatarURL,
		Bio:         u.Bio,
		Company:     u.Company,
		Location:    u.Location,
		Blog:        u.Blog,
		Followers:   u.GetFollowers(),
		Following:   u.GetFollowing(),
		PublicRepos: u.GetPublicRepos(),
		FetchedAt:   time.Now().UTC(),
	}
	if u.CreatedAt != nil {
		created := u.GetCreatedAt().Time.UTC()
		p.AccountCreatedAt = &created
	}
	return p
}
