package model

import (
	"encoding/json"
	"time"
)

type commitJSON struct {
	SHA       string `json:"sha"`
	Username  string `json:"username"`
	Date      string `json:"date"`
	Repo      string `json:"repo"`
	Message   string `json:"message"`
	URL       string `json:"url"`
	Additions *int   `json:"additions"`
	Deletions *int   `json:"deletions"`
}

// MarshalJSON renders the date as YYYY-MM-DD and an unknown size as null.
func (c CommitRecord) MarshalJSON() ([]byte, error) {
	add, del := c.Size.Nullable()
	return json.Marshal(commitJSON{
		SHA:       c.SHA,
		Username:  c.Username,
		Date:      c.Date.Format(time.DateOnly),
		Repo:      c.Repo,
		Message:   c.Message,
		URL:       c.URL,
		Additions: add,
		Deletions: del,
	})
}

func (c *CommitRecord) UnmarshalJSON(data []byte) error {
	var raw commitJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	day, err := ParseDay(raw.Date)
	if err != nil {
		return err
	}
	*c = CommitRecord{
		SHA:      raw.SHA,
		Username: raw.Username,
		Date:     day,
		Repo:     raw.Repo,
		Message:  raw.Message,
		URL:      raw.URL,
		Size:     SizeFromNullable(raw.Additions, raw.Deletions),
	}
	return nil
}

func (d ContributionDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date          string `json:"date"`
		Contributions int    `json:"contributions"`
	}{d.Date.Format(time.DateOnly), d.Contributions})
}
