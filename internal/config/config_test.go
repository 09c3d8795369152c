package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github-commit-stats/internal/errors"
)

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "secret")
	t.Setenv("GITHUB_USERS", "zeekay, octocat,zeekay")
	t.Setenv("START_DATE", "2022-06-01")
	t.Setenv("REQUEST_DELAY", "250ms")

	cfg, err := LoadConfig(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, []string{"zeekay", "octocat"}, cfg.GithubUsers)
	assert.Equal(t, time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC), cfg.StartTime)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestDelay)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 60*time.Second, cfg.RateLimitFloor)
	assert.Equal(t, 200, cfg.SizeBatchLimit)
	assert.True(t, cfg.FetchCalendar)
}

func TestLoadConfig_FromDotEnvFile(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_USERS", "")
	t.Setenv("DB_DRIVER", "")
	dir := t.TempDir()
	content := "GITHUB_TOKEN=file-token\nGITHUB_USERS=alice\nDB_DRIVER=postgres\nDB_URL=postgres://u:p@localhost/db\nSIZE_BATCH_LIMIT=50\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))

	cfg, err := LoadConfig(dir)

	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.GithubToken)
	assert.Equal(t, []string{"alice"}, cfg.GithubUsers)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, 50, cfg.SizeBatchLimit)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		key  string
	}{
		{name: "missing token", env: map[string]string{"GITHUB_USERS": "alice"}, key: "GITHUB_TOKEN"},
		{name: "missing users", env: map[string]string{"GITHUB_TOKEN": "t"}, key: "GITHUB_USERS"},
		{name: "bad start date", env: map[string]string{"GITHUB_TOKEN": "t", "GITHUB_USERS": "alice", "START_DATE": "01/02/2021"}, key: "START_DATE"},
		{name: "unknown driver", env: map[string]string{"GITHUB_TOKEN": "t", "GITHUB_USERS": "alice", "DB_DRIVER": "mysql"}, key: "DB_DRIVER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GITHUB_TOKEN", "")
			t.Setenv("GITHUB_USERS", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig(t.TempDir())

			var cfgErr *custom_errors.ErrInvalidConfig
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}

func TestLoadConfig_RejectsInvalidUsername(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "t")
	t.Setenv("GITHUB_USERS", "good,bad/user")

	_, err := LoadConfig(t.TempDir())

	var userErr *custom_errors.ErrInvalidUsername
	require.ErrorAs(t, err, &userErr)
	assert.Equal(t, "bad/user", userErr.Username)
}
