package clock

import "time"

// Clock abstracts time retrieval so date-relative logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// Real returns the actual current time.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Today returns the current UTC calendar date at midnight.
func Today(c Clock) time.Time {
	y, m, d := c.Now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
