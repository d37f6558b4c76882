package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
	"github.com/socialwatch/sentinel/internal/scheduler"
	"github.com/socialwatch/sentinel/internal/session"
	"github.com/socialwatch/sentinel/internal/store/memory"
)

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]scheduler.JobStatus
	synced   []string
	archived []string
	syncErr  error
}

func (f *fakeJobs) Jobs() []scheduler.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduler.JobStatus, 0, len(f.jobs))
	for _, id := range []string{"c1", "c2", "c3"} {
		if st, ok := f.jobs[id]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (f *fakeJobs) Status(id string) scheduler.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.jobs[id]; ok {
		return st
	}
	return scheduler.JobStatus{CampaignID: id, State: scheduler.StateNotStarted}
}

func (f *fakeJobs) Sync(_ context.Context, id string) (scheduler.JobStatus, error) {
	f.mu.Lock()
	f.synced = append(f.synced, id)
	f.mu.Unlock()
	if f.syncErr != nil {
		return scheduler.JobStatus{}, f.syncErr
	}
	return scheduler.JobStatus{CampaignID: id, State: scheduler.StateRunning}, nil
}

func (f *fakeJobs) OnCampaignArchived(_ context.Context, id string) (scheduler.JobStatus, error) {
	f.mu.Lock()
	f.archived = append(f.archived, id)
	f.mu.Unlock()
	return scheduler.JobStatus{CampaignID: id, State: scheduler.StateStopped}, nil
}

type fakeSessions struct {
	status session.Status
	err    error
	calls  int
}

func (f *fakeSessions) Status() session.Status { return f.status }

func (f *fakeSessions) Retrigger(context.Context) (monitor.Session, error) {
	f.calls++
	if f.err != nil {
		return monitor.Session{}, f.err
	}
	f.status = session.Status{State: session.StateReady}
	return monitor.Session{ID: "s1"}, nil
}

type fakeRules struct {
	reloads int
	err     error
}

func (f *fakeRules) Reload(context.Context) error {
	f.reloads++
	return f.err
}

func (f *fakeRules) Size() int { return 4 }

type fakeTriage struct {
	alerts map[string]monitor.Alert
}

func (f *fakeTriage) UpdateAlertStatus(_ context.Context, id string, status monitor.AlertStatus, actor string) (monitor.Alert, error) {
	a, ok := f.alerts[id]
	if !ok {
		return monitor.Alert{}, fmt.Errorf("get alert: %w", monitor.ErrNotFound)
	}
	if !monitor.CanTransition(a.Status, status) {
		return monitor.Alert{}, fmt.Errorf("%w: %s -> %s", monitor.ErrInvalidTransition, a.Status, status)
	}
	a.Status = status
	f.alerts[id] = a
	return a, nil
}

type testEnv struct {
	jobs     *fakeJobs
	sessions *fakeSessions
	rules    *fakeRules
	triage   *fakeTriage
	store    *memory.Store
	server   *Server
}

func newTestEnv(t *testing.T, cfg Config) testEnv {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.CreateCampaign(context.Background(), monitor.Campaign{
		ID: "c1", Topic: "flood", Status: monitor.CampaignActive, CreatedAt: time.Unix(100, 0),
	}))
	env := testEnv{
		jobs: &fakeJobs{jobs: map[string]scheduler.JobStatus{
			"c1": {CampaignID: "c1", State: scheduler.StateRunning},
			"c2": {CampaignID: "c2", State: scheduler.StateCompleted},
		}},
		sessions: &fakeSessions{status: session.Status{State: session.StateReady}},
		rules:    &fakeRules{},
		triage:   &fakeTriage{alerts: map[string]monitor.Alert{"a1": {ID: "a1", Status: monitor.AlertOpen}}},
		store:    store,
	}
	env.server = NewServer(Deps{
		Jobs:      env.jobs,
		Sessions:  env.sessions,
		Campaigns: store,
		Rules:     env.rules,
		Alerts:    env.triage,
	}, cfg, zap.NewNop())
	return env
}

func (e testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServerHealthAndReady(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decode(t, rec)["status"])

	env.sessions.status = session.Status{State: session.StateDegraded, Exhausted: true}
	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.do(t, http.MethodGet, "/healthz", "")
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerListJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["jobs"], 2)

	rec = env.do(t, http.MethodGet, "/v1/jobs?state=completed", "")
	jobs := decode(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	require.Equal(t, "c2", jobs[0].(map[string]any)["campaign_id"])

	rec = env.do(t, http.MethodGet, "/v1/jobs/c9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "not_started", decode(t, rec)["job"].(map[string]any)["state"])
}

func TestServerSessionRetry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.sessions.status = session.Status{State: session.StateDegraded, Exhausted: true}
	rec := env.do(t, http.MethodPost, "/v1/session/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, env.sessions.calls)

	env.sessions.err = errors.New("bad credentials")
	rec = env.do(t, http.MethodPost, "/v1/session/retry", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, decode(t, rec)["error"], "bad credentials")
}

func TestServerSyncCampaign(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodPost, "/v1/campaigns/c1/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"c1"}, env.jobs.synced)

	env.jobs.syncErr = errors.New("store down")
	rec = env.do(t, http.MethodPost, "/v1/campaigns/c1/sync", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerArchiveStopsJobFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodPost, "/v1/campaigns/c1/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"c1"}, env.jobs.archived)

	c, err := env.store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, monitor.CampaignArchived, c.Status)

	rec = env.do(t, http.MethodPost, "/v1/campaigns/missing/archive", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerReloadRules(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodPost, "/v1/rules/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, env.rules.reloads)
	require.InDelta(t, 4, decode(t, rec)["rules"], 0)

	env.rules.err = errors.New("boom")
	rec = env.do(t, http.MethodPost, "/v1/rules/reload", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerUpdateAlertStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "invalid json", path: "/v1/alerts/a1/status", body: "{", want: http.StatusBadRequest},
		{name: "missing alert", path: "/v1/alerts/zz/status", body: `{"status":"investigating"}`, want: http.StatusNotFound},
		{name: "valid", path: "/v1/alerts/a1/status", body: `{"status":"resolved","actor":"ops"}`, want: http.StatusOK},
		{name: "terminal", path: "/v1/alerts/a1/status", body: `{"status":"investigating"}`, want: http.StatusConflict},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, tc.path, tc.body)
		require.Equal(t, tc.want, rec.Code, tc.name)
	}
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{APIKey: "secret"})
	rec := env.do(t, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
