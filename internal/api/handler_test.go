package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	custom_errors "github-commit-stats/internal/errors"
	"github-commit-stats/internal/model"
	"github-commit-stats/internal/service"
	"github-commit-stats/internal/stats"
	"github-commit-stats/internal/syncer"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) GetUserData(ctx context.Context, username string, fetch bool) (*service.UserData, error) {
	args := m.Called(ctx, username, fetch)
	d, _ := args.Get(0).(*service.UserData)
	return d, args.Error(1)
}
func (m *MockService) Search(ctx context.Context, username, text string) ([]model.CommitRecord, error) {
	args := m.Called(ctx, username, text)
	c, _ := args.Get(0).([]model.CommitRecord)
	return c, args.Error(1)
}
func (m *MockService) Refresh(ctx context.Context, username string) error {
	return m.Called(ctx, username).Error(0)
}
func (m *MockService) FetchStatus(ctx context.Context) ([]model.FetchStatus, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).([]model.FetchStatus)
	return s, args.Error(1)
}
func (m *MockService) CombinedStats(ctx context.Context, usernames []string) (*stats.DerivedStats, error) {
	args := m.Called(ctx, usernames)
	s, _ := args.Get(0).(*stats.DerivedStats)
	return s, args.Error(1)
}
func (m *MockService) BackfillSizes(ctx context.Context, username string, limit int) (*syncer.BackfillReport, error) {
	args := m.Called(ctx, username, limit)
	r, _ := args.Get(0).(*syncer.BackfillReport)
	return r, args.Error(1)
}

func serve(t *testing.T, svc Service, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	router := NewRouter(svc, logger, 5*time.Second)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthCheck(t *testing.T) {
	rec := serve(t, new(MockService), http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetUserData(t *testing.T) {
	t.Run("passes the fetch flag", func(t *testing.T) {
		svc := new(MockService)
		svc.On("GetUserData", mock.Anything, "octo", true).Return(&service.UserData{
			Stats:  &stats.Summary{Usernames: []string{"octo"}},
			Recent: []model.CommitRecord{},
		}, nil).Once()

		rec := serve(t, svc, http.MethodGet, "/v1/users/octo?fetch=true")

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		decode(t, rec, &body)
		assert.Contains(t, body, "profile")
		assert.Nil(t, body["profile"])
		svc.AssertExpectations(t)
	})

	t.Run("rejects a malformed fetch flag", func(t *testing.T) {
		rec := serve(t, new(MockService), http.MethodGet, "/v1/users/octo?fetch=maybe")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	testCases := []struct {
		name string
		err  error
		code int
	}{
		{name: "invalid username", err: &custom_errors.ErrInvalidUsername{Username: "x_y"}, code: http.StatusBadRequest},
		{name: "unknown user", err: &custom_errors.ErrUserNotFound{Username: "x"}, code: http.StatusNotFound},
		{name: "internal failure", err: errors.New("disk on fire"), code: http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockService)
			svc.On("GetUserData", mock.Anything, mock.Anything, false).Return(nil, tc.err)

			rec := serve(t, svc, http.MethodGet, "/v1/users/x")

			assert.Equal(t, tc.code, rec.Code)
			var body map[string]string
			decode(t, rec, &body)
			assert.NotContains(t, body["error"], "disk on fire")
		})
	}
}

func TestSearchCommits(t *testing.T) {
	svc := new(MockService)
	svc.On("Search", mock.Anything, "octo", "fix bug").Return([]model.CommitRecord{{SHA: "a1", Username: "octo"}}, nil)
	svc.On("Search", mock.Anything, "octo", "").Return(nil, custom_errors.ErrEmptyQuery)

	rec := serve(t, svc, http.MethodGet, "/v1/users/octo/search?q=fix+bug")
	require.Equal(t, http.StatusOK, rec.Code)
	var commits []map[string]any
	decode(t, rec, &commits)
	require.Len(t, commits, 1)
	assert.Equal(t, "a1", commits[0]["sha"])

	rec = serve(t, svc, http.MethodGet, "/v1/users/octo/search")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefresh(t *testing.T) {
	svc := new(MockService)
	svc.On("Refresh", mock.Anything, "octo").Return(nil).Once()

	rec := serve(t, svc, http.MethodPost, "/v1/users/octo/refresh")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"refreshed","username":"octo"}`, rec.Body.String())
	svc.AssertExpectations(t)

	rec = serve(t, svc, http.MethodGet, "/v1/users/octo/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBackfill(t *testing.T) {
	svc := new(MockService)
	svc.On("BackfillSizes", mock.Anything, "octo", 25).Return(&syncer.BackfillReport{Username: "octo", Attempted: 25, Updated: 24, Failed: 1}, nil)
	svc.On("BackfillSizes", mock.Anything, "octo", 0).Return(&syncer.BackfillReport{Username: "octo"}, nil)

	rec := serve(t, svc, http.MethodPost, "/v1/users/octo/backfill?limit=25")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"username":"octo","attempted":25,"updated":24,"failed":1}`, rec.Body.String())

	rec = serve(t, svc, http.MethodPost, "/v1/users/octo/backfill")
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, limit := range []string{"0", "-3", "abc", "5001"} {
		rec = serve(t, svc, http.MethodPost, "/v1/users/octo/backfill?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestGetStatus(t *testing.T) {
	svc := new(MockService)
	svc.On("FetchStatus", mock.Anything).Return([]model.FetchStatus{{Username: "octo", Total: 3, WithSize: 2, WithoutSize: 1}}, nil)

	rec := serve(t, svc, http.MethodGet, "/v1/status")

	require.Equal(t, http.StatusOK, rec.Code)
	var status []model.FetchStatus
	decode(t, rec, &status)
	assert.Equal(t, []model.FetchStatus{{Username: "octo", Total: 3, WithSize: 2, WithoutSize: 1}}, status)
}

func TestGetCombinedStats(t *testing.T) {
	svc := new(MockService)
	svc.On("CombinedStats", mock.Anything, []string{"octo", "cat"}).Return(&stats.DerivedStats{Summary: stats.Summary{Usernames: []string{"octo", "cat"}}}, nil)
	svc.On("CombinedStats", mock.Anything, []string{""}).Return(nil, custom_errors.ErrEmptyUserSet)

	rec := serve(t, svc, http.MethodGet, "/v1/stats?users=octo,cat")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, []any{"octo", "cat"}, body["usernames"])

	rec = serve(t, svc, http.MethodGet, "/v1/stats")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
