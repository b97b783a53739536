package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sender/internal/broadcast"
	"sender/internal/jobs"
	"sender/internal/session"
	"sender/internal/storage"
	logx "sender/pkg/logx"
)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []jobs.StartRequest
	err       error
	active    map[string]bool
}

func (f *fakeJobs) Submit(_ context.Context, req jobs.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, req)
	f.active[req.JobID] = true
	return nil
}

func (f *fakeJobs) Stop(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.active[id]
	delete(f.active, id)
	return ok, nil
}

func (f *fakeJobs) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.active {
		out = append(out, id)
	}
	return out
}

type fakeSessions struct {
	released   []string
	releaseErr error
}

func (f *fakeSessions) Snapshot() []session.SessionInfo {
	return []session.SessionInfo{{AccountID: "acc-1", Platform: broadcast.Telegram, Authenticated: true}}
}

func (f *fakeSessions) Release(id string) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released = append(f.released, id)
	return nil
}

func (f *fakeSessions) Probe(_ context.Context, id string) (bool, error) {
	if id != "acc-1" {
		return false, fmt.Errorf("%w: %s", session.ErrNoSession, id)
	}
	return true, nil
}

type fixture struct {
	jobs     *fakeJobs
	store    *storage.Memory
	sessions *fakeSessions
	srv      *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{
		jobs:     &fakeJobs{active: map[string]bool{}},
		store:    storage.NewMemory(),
		sessions: &fakeSessions{},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	f.srv = httptest.NewServer(NewRouter(Deps{Jobs: f.jobs, Store: f.store, Sessions: f.sessions, Metrics: metrics, Token: token}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStartSubmitsJob(t *testing.T) {
	f := newFixture(t, "")
	body := `{"account_id":"acc-1","platform":"WhatsApp","recipients":[{"contact_info":"+1"}],"templates":[{"id":"t","content":"hi"}]}`
	resp, out := f.do(t, http.MethodPost, "/jobs/job-1/start", body)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "job-1", out["job_id"])
	require.Len(t, f.jobs.submitted, 1)
	req := f.jobs.submitted[0]
	assert.Equal(t, "job-1", req.JobID)
	assert.Equal(t, broadcast.WhatsApp, req.Platform)
	assert.Equal(t, "+1", req.Recipients[0].Contact)
}

func TestStartRejectsBadInput(t *testing.T) {
	f := newFixture(t, "")
	resp, _ := f.do(t, http.MethodPost, "/jobs/job-1/start", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/jobs/job-1/start", `{"job_id":"other"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartMapsControllerErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: fax", broadcast.ErrUnsupportedPlatform), http.StatusBadRequest},
		{fmt.Errorf("%w: j", broadcast.ErrJobNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: j", broadcast.ErrJobActive), http.StatusConflict},
		{fmt.Errorf("%w: j", broadcast.ErrJobTerminal), http.StatusConflict},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(t, "")
			f.jobs.err = tt.err
			resp, out := f.do(t, http.MethodPost, "/jobs/j/start", `{}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, tt.err.Error(), out["error"])
		})
	}
}

func TestStopReportsWhetherActive(t *testing.T) {
	f := newFixture(t, "")
	f.jobs.active["job-1"] = true

	_, out := f.do(t, http.MethodPost, "/jobs/job-1/stop", "")
	assert.Equal(t, true, out["stopped"])
	_, out = f.do(t, http.MethodPost, "/jobs/job-1/stop", "")
	assert.Equal(t, false, out["stopped"])
}

func TestGetAndListJobs(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.store.CreateJob(ctx, broadcast.Job{ID: "a", AccountID: "acc", Platform: broadcast.Telegram, CreatedAt: time.Unix(1, 0)}))
	require.NoError(t, f.store.CreateJob(ctx, broadcast.Job{ID: "b", AccountID: "acc", Platform: broadcast.Telegram, CreatedAt: time.Unix(2, 0)}))

	resp, out := f.do(t, http.MethodGet, "/jobs/a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", out["status"])

	resp, _ = f.do(t, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	res, err := http.Get(f.srv.URL + "/jobs?status=pending&limit=1")
	require.NoError(t, err)
	defer res.Body.Close()
	var list []broadcast.Job
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)

	resp, _ = f.do(t, http.MethodGet, "/jobs?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActiveRouteIsNotAJobID(t *testing.T) {
	f := newFixture(t, "")
	f.jobs.active["job-9"] = true
	resp, out := f.do(t, http.MethodGet, "/jobs/active", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"job-9"}, out["active"])
}

func TestSessionRoutes(t *testing.T) {
	f := newFixture(t, "")

	res, err := http.Get(f.srv.URL + "/sessions")
	require.NoError(t, err)
	var list []session.SessionInfo
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	res.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "acc-1", list[0].AccountID)

	_, out := f.do(t, http.MethodPost, "/sessions/acc-1/probe", "")
	assert.Equal(t, true, out["authenticated"])
	resp, _ := f.do(t, http.MethodPost, "/sessions/nobody/probe", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/sessions/acc-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"acc-1"}, f.sessions.released)
}

func TestReleaseOfBusyAccountConflicts(t *testing.T) {
	f := newFixture(t, "")
	f.sessions.releaseErr = fmt.Errorf("%w: acc-1", broadcast.ErrAccountBusy)

	resp, out := f.do(t, http.MethodDelete, "/sessions/acc-1", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, out["error"], "busy")
	assert.Empty(t, f.sessions.released)
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, tokenMatches("s3cret", "s3cret"))
	for _, got := range []string{"", "s3cre", "s3cret!", "S3CRET"} {
		assert.False(t, tokenMatches(got, "s3cret"), got)
	}
}

func TestTokenGuardsEverythingButHealth(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, out := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	resp, _ = f.do(t, http.MethodGet, "/jobs/active", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/jobs/active", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/jobs/active", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/metrics?token=s3cret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRefusesPublicBindWithoutToken(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	assert.Error(t, s.Run(context.Background()))
}

func TestServerServesUntilCancelled(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, newFixtureHandler(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var addr string
	select {
	case addr = <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never came up")
	}
	res, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func newFixtureHandler() http.Handler {
	return NewRouter(Deps{Jobs: &fakeJobs{active: map[string]bool{}}, Store: storage.NewMemory(), Sessions: &fakeSessions{}})
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:80"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":80"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
}
