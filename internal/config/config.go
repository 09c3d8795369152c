// internal/config/config.go
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel                string        `mapstructure:"LOG_LEVEL"`
	DBDriver                string        `mapstructure:"DB_DRIVER"`
	DBURL                   string        `mapstructure:"DB_URL"`
	GithubToken             string        `mapstructure:"GITHUB_TOKEN"`
	GithubUsers             []string      `mapstructure:"GITHUB_USERS"`
	GithubAPIURL            string        `mapstructure:"GITHUB_API_URL"`
	GithubGraphQLURL        string        `mapstructure:"GITHUB_GRAPHQL_URL"`
	StartDate               string        `mapstructure:"START_DATE"`
	StartTime               time.Time     `mapstructure:"-"`
	RequestDelay            time.Duration `mapstructure:"REQUEST_DELAY"`
	RateLimitFloor          time.Duration `mapstructure:"RATE_LIMIT_FLOOR"`
	RateLimitMaxRetries     int           `mapstructure:"RATE_LIMIT_MAX_RETRIES"`
	SearchRequestsPerMinute int           `mapstructure:"SEARCH_REQUESTS_PER_MINUTE"`
	SizeBatchLimit          int           `mapstructure:"SIZE_BATCH_LIMIT"`
	SyncInterval            time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncWorkers             int           `mapstructure:"SYNC_WORKERS"`
	HTTPAddr                string        `mapstructure:"HTTP_ADDR"`
	FetchCalendar           bool          `mapstructure:"FETCH_CALENDAR"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// LoadConfig reads configuration from an optional .env file in dir and the environment.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("DB_URL", "./cache/stats.db")
	v.SetDefault("GITHUB_TOKEN", "")
	v.SetDefault("GITHUB_USERS", "")
	v.SetDefault("GITHUB_API_URL", "")
	v.SetDefault("GITHUB_GRAPHQL_URL", "")
	v.SetDefault("START_DATE", "2021-01-01")
	v.SetDefault("REQUEST_DELAY", "100ms")
	v.SetDefault("RATE_LIMIT_FLOOR", "60s")
	v.SetDefault("RATE_LIMIT_MAX_RETRIES", 10)
	v.SetDefault("SEARCH_REQUESTS_PER_MINUTE", 30)
	v.SetDefault("SIZE_BATCH_LIMIT", 200)
	v.SetDefault("SYNC_INTERVAL", "1h")
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("HTTP_ADDR", ":5000")
	v.SetDefault("FETCH_CALENDAR", true)

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.GithubUsers = splitUsers(cfg.GithubUsers)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	start, err := time.Parse(time.DateOnly, c.StartDate)
	if err != nil {
		return &custom_errors.ErrInvalidConfig{Key: "START_DATE", Reason: "must be in YYYY-MM-DD format (e.g. 2021-01-01)"}
	}
	c.StartTime = start

	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return &custom_errors.ErrInvalidConfig{Key: "DB_DRIVER", Reason: "must be one of postgres, sqlite"}
	}
	if c.DBURL == "" {
		return &custom_errors.ErrInvalidConfig{Key: "DB_URL", Reason: "is a required configuration field"}
	}
	if c.GithubToken == "" {
		return &custom_errors.ErrInvalidConfig{Key: "GITHUB_TOKEN", Reason: "is a required configuration field"}
	}
	if len(c.GithubUsers) == 0 {
		return &custom_errors.ErrInvalidConfig{Key: "GITHUB_USERS", Reason: "must contain at least one username"}
	}
	for _, u := range c.GithubUsers {
		if !model.ValidUsername(u) {
			return &custom_errors.ErrInvalidUsername{Username: u}
		}
	}
	if c.SyncWorkers < 1 {
		return &custom_errors.ErrInvalidConfig{Key: "SYNC_WORKERS", Reason: "must be at least 1"}
	}
	if c.SizeBatchLimit < 0 {
		return &custom_errors.ErrInvalidConfig{Key: "SIZE_BATCH_LIMIT", Reason: "must not be negative"}
	}
	if c.SyncInterval <= 0 {
		return &custom_errors.ErrInvalidConfig{Key: "SYNC_INTERVAL", Reason: "must be a positive duration"}
	}
	if c.RateLimitMaxRetries < 1 {
		return &custom_errors.ErrInvalidConfig{Key: "RATE_LIMIT_MAX_RETRIES", Reason: "must be at least 1"}
	}
	return nil
}

// splitUsers accepts both a list and a single comma separated entry.
func splitUsers(raw []string) []string {
	var users []string
	seen := make(map[string]bool)
	for _, entry := range raw {
		for _, u := range strings.Split(entry, ",") {
			u = strings.TrimSpace(u)
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			users = append(users, u)
		}
	}
	return users
}
