// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyUserSet is returned by batch queries that were given no usernames.
	ErrEmptyUserSet = errors.New("at least one username is required")

	// ErrEmptyQuery is returned when a commit search is issued with blank text.
	ErrEmptyQuery = errors.New("search text must not be empty")

	// ErrRetriesExhausted is returned once the rate-limit retry budget of a single request is used up.
	ErrRetriesExhausted = errors.New("rate limit retry budget exhausted")
)

// ErrInvalidUsername is returned when a username does not look like a GitHub login.
type ErrInvalidUsername struct {
	Username string
}

func (e *ErrInvalidUsername) Error() string {
	return fmt.Sprintf("invalid username: %q, expected 1-39 alphanumeric characters or single hyphens", e.Username)
}

// ErrUserNotFound is returned when the provider has no account for the username.
type ErrUserNotFound struct {
	Username string
}

func (e *ErrUserNotFound) Error() string {
	return fmt.Sprintf("user %q not found", e.Username)
}

// ErrDayTruncated reports a single-day search that still hit the result cap.
type ErrDayTruncated struct {
	Username string
	Day      time.Time
}

func (e *ErrDayTruncated) Error() string {
	return fmt.Sprintf("search for %s on %s still hit the result cap, results are incomplete", e.Username, e.Day.Format(time.DateOnly))
}

// ErrInvalidConfig is returned when a configuration value is missing or malformed.
type ErrInvalidConfig struct {
	Key    string
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("%s %s", e.Key, e.Reason)
}

// IsCallerError reports whether err was caused by invalid input rather than an internal failure.
func IsCallerError(err error) bool {
	var invalid *ErrInvalidUsername
	return errors.As(err, &invalid) || errors.Is(err, ErrEmptyUserSet) || errors.Is(err, ErrEmptyQuery)
}
