package github

import (
	"context"
	"fmt"
	"time"

	"github.com/shurcooL/githubv4"

	"github-commit-stats/internal/model"
)

type calendarQuery struct {
	User struct {
		ContributionsCollection struct {
			ContributionCalendar struct {
				TotalContributions githubv4.Int
				Weeks              []struct {
					ContributionDays []struct {
						Date              githubv4.String
						ContributionCount githubv4.Int
					}
				}
			}
		} `graphql:"contributionsCollection(from: $from, to: $to)"`
	} `graphql:"user(login: $login)"`
}

// ContributionCalendar returns the daily contribution counts of username between from and to.
// The GraphQL API serves at most one year per query, so the range is walked in yearly windows.
// Days collected before a failing window are returned together with the error.
func (c *Client) ContributionCalendar(ctx context.Context, username string, from, to time.Time) ([]model.ContributionDay, error) {
	var days []model.ContributionDay

	for start := model.Day(from); !start.After(to); {
		end := start.AddDate(1, 0, -1)
		if end.After(to) {
			end = model.Day(to)
		}

		var q calendarQuery
		vars := map[string]interface{}{
			"login": githubv4.String(username),
			"from":  githubv4.DateTime{Time: start},
			"to":    githubv4.DateTime{Time: end.Add(24*time.Hour - time.Second)},
		}
		if err := c.gql.Query(ctx, &q, vars); err != nil {
			return days, fmt.Errorf("fetch contribution calendar %s..%s: %w", start.Format(time.DateOnly), end.Format(time.DateOnly), err)
		}

		for _, week := range q.User.ContributionsCollection.ContributionCalendar.Weeks {
			for _, d := range week.ContributionDays {
				day, err := model.ParseDay(string(d.Date))
				if err != nil {
					c.logger.Warn("Skipping calendar day with malformed date", "date", string(d.Date))
					continue
				}
				days = append(days, model.ContributionDay{Date: day, Contributions: int(d.ContributionCount)})
			}
		}

		if err := c.pause(ctx, c.delay); err != nil {
			return days, err
		}
		start = end.AddDate(0, 0, 1)
	}
	return days, nil
}
