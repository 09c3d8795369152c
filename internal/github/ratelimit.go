package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v62/github"

	custom_errors "github-commit-stats/internal/errors"
)

const headerRateReset = "X-RateLimit-Reset"

// call runs fn, sleeping and retrying while the provider answers with a rate-limit response.
// Any other failure is returned to the caller as is.
func (c *Client) call(ctx context.Context, op string, fn func() (*github.Response, error)) (*github.Response, error) {
	for retries := 0; ; retries++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		wait, limited := c.rateLimitWait(err, time.Now())
		if !limited {
			return resp, err
		}
		if retries >= c.retries {
			return resp, fmt.Errorf("%s after %d retries: %w", op, retries, custom_errors.ErrRetriesExhausted)
		}
		c.logger.Warn("Rate limited, waiting before retry", "op", op, "wait", wait.String(), "retry", retries+1)
		if err := c.pause(ctx, wait); err != nil {
			return resp, err
		}
	}
}

// rateLimitWait reports whether err is a rate-limit response and how long to wait before retrying.
// The wait is never shorter than the configured floor.
func (c *Client) rateLimitWait(err error, now time.Time) (time.Duration, bool) {
	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return c.waitUntil(rlErr.Rate.Reset.Time, now), true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := c.floor
		if abuseErr.RetryAfter != nil && *abuseErr.RetryAfter > wait {
			wait = *abuseErr.RetryAfter
		}
		return wait, true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			return c.waitUntil(resetTime(respErr.Response.Header), now), true
		}
	}
	return 0, false
}

func (c *Client) waitUntil(reset, now time.Time) time.Duration {
	wait := reset.Sub(now)
	if wait < c.floor {
		wait = c.floor
	}
	return wait
}

// resetTime parses the epoch-seconds reset header. A missing or malformed header yields the zero time.
func resetTime(h http.Header) time.Time {
	v := h.Get(headerRateReset)
	if v == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// statusOf returns the HTTP status behind a go-github error, or 0.
func statusOf(err error) int {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode
	}
	return 0
}
