package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icalsynchub/internal/clock"
	"icalsynchub/internal/config"
	appLog "icalsynchub/internal/log"
	"icalsynchub/internal/metrics"
	"icalsynchub/internal/model"
	"icalsynchub/internal/publish"
	"icalsynchub/internal/scheduler"
	"icalsynchub/internal/tokens"
)

const mergedBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nEND:VCALENDAR\r\n"

type testEnv struct {
	dir     string
	target  string
	cfg     *config.Config
	store   *tokens.Store
	handler http.Handler
}

type fakeStatus struct {
	output string
	report *scheduler.CycleReport
}

func (f fakeStatus) State() scheduler.State { return scheduler.StateSleeping }
func (f fakeStatus) OutputFile() string     { return f.output }
func (f fakeStatus) LastReport() (scheduler.CycleReport, bool) {
	if f.report == nil {
		return scheduler.CycleReport{}, false
	}
	return *f.report, true
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	e := &testEnv{dir: dir, target: filepath.Join(dir, "merged.ics")}
	require.NoError(t, os.WriteFile(e.target, []byte(mergedBody), 0o644))

	cfg := config.DefaultConfig()
	cfg.OutputPath = dir
	cfg.Filename = "merged.ics"
	cfg.Domain = "https://cal.example.com"
	e.cfg = cfg

	store, err := tokens.Open(filepath.Join(dir, "user_tokens.txt"), tokens.WithLocation(time.UTC))
	require.NoError(t, err)
	e.store = store

	pub, err := publish.NewPublisher(publish.Options{
		Dir:      dir,
		Target:   cfg.OutputFile,
		ShareURL: cfg.ShareURL,
	})
	require.NoError(t, err)
	clk := clock.NewMock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := publish.NewService(store, pub, clk, appLog.Nop())

	opts := Options{
		Config:   cfg,
		Service:  svc,
		Location: time.UTC,
		Logger:   appLog.Nop(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	e.handler = srv.Handler()
	return e
}

func (e *testEnv) writeStore(t *testing.T, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(e.store.Path(), []byte(strings.Join(lines, "\n")+"\n"), 0o600))
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestBasicAuth(t *testing.T) {
	e := newTestEnv(t, func(o *Options) {
		o.Config.BasicAuth = config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	})
	e.writeStore(t, "alice:TOKEN1:")

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/cal/TOKEN1.ics", "").Code)

	rr := e.do(t, http.MethodGet, "/api/tokens", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.SetBasicAuth("admin", "wrong")
	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.SetBasicAuth("admin", "s3cret")
	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAddToken(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/api/tokens", `{"username":"alice","expiration":"2024-12-31T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decode[tokenResponse](t, rr)
	assert.Equal(t, "alice", resp.Username)
	assert.Len(t, resp.Token, tokens.TokenLength)
	require.NotNil(t, resp.Expiration)
	assert.True(t, resp.Expiration.Equal(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "https://cal.example.com/"+resp.Token+".ics", resp.ShareURL)
	assert.Empty(t, resp.LinkError)

	got, err := os.Readlink(filepath.Join(e.dir, resp.Token+".ics"))
	require.NoError(t, err)
	assert.Equal(t, "merged.ics", got)

	rr = e.do(t, http.MethodPost, "/api/tokens", `{"username":"alice"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAddToken_BadRequests(t *testing.T) {
	e := newTestEnv(t)

	cases := map[string]string{
		"invalid json":     `{"username":`,
		"empty username":   `{"username":"  "}`,
		"colon":            `{"username":"a:b"}`,
		"bad expiration":   `{"username":"bob","expiration":"next week"}`,
		"wrong field type": `{"username":42}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/api/tokens", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}

	list, err := e.store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListTokens(t *testing.T) {
	e := newTestEnv(t)
	e.writeStore(t,
		"alice:TOKEN1:2024-01-01T00:00:00",
		"bob:TOKEN2:",
		"carol:TOKEN3:2024-06-01T18:00:00",
	)

	rr := e.do(t, http.MethodGet, "/api/tokens", "")
	require.Equal(t, http.StatusOK, rr.Code)
	views := decode[[]publish.TokenView](t, rr)
	require.Len(t, views, 3)

	statuses := map[string]model.Status{}
	for _, v := range views {
		statuses[v.Username] = v.Status
		assert.Equal(t, "https://cal.example.com/"+v.Token+".ics", v.ShareURL)
	}
	assert.Equal(t, map[string]model.Status{
		"alice": model.StatusExpired,
		"bob":   model.StatusActive,
		"carol": model.StatusExpiringToday,
	}, statuses)
}

func TestRemoveToken(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/api/tokens", `{"username":"alice"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	tok := decode[tokenResponse](t, rr).Token

	rr = e.do(t, http.MethodDelete, "/api/tokens/alice", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	_, err := os.Lstat(filepath.Join(e.dir, tok+".ics"))
	assert.True(t, os.IsNotExist(err))

	rr = e.do(t, http.MethodDelete, "/api/tokens/alice", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSetExpiration(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/api/tokens", `{"username":"alice"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	tok := decode[tokenResponse](t, rr).Token
	link := filepath.Join(e.dir, tok+".ics")

	rr = e.do(t, http.MethodPut, "/api/tokens/alice/expiration", `{"expiration":"2024-05-01T00:00:00"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[tokenResponse](t, rr)
	require.NotNil(t, resp.Expiration)
	_, err := os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "expired token must lose its link")

	rr = e.do(t, http.MethodPut, "/api/tokens/alice/expiration", `{"expiration":null}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, decode[tokenResponse](t, rr).Expiration)
	_, err = os.Lstat(link)
	assert.NoError(t, err)

	rr = e.do(t, http.MethodPut, "/api/tokens/nobody/expiration", `{"expiration":null}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPut, "/api/tokens/alice/expiration", `{"expiration":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReap(t *testing.T) {
	e := newTestEnv(t)
	e.writeStore(t, "alice:TOKEN1:2024-01-01T00:00:00", "bob:TOKEN2:")
	require.NoError(t, os.Symlink("merged.ics", filepath.Join(e.dir, "TOKEN1.ics")))

	rr := e.do(t, http.MethodPost, "/api/reap", "")
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[publish.ReapReport](t, rr)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, report.Relinked)
	assert.Equal(t, 1, report.Counts[model.StatusExpired])
	assert.Equal(t, 1, report.Counts[model.StatusActive])

	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodGet, "/api/reap", "").Code)
}

func TestStatus(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[statusResponse](t, rr)
	assert.False(t, resp.InProcess)
	assert.Equal(t, e.target, resp.Output)

	report := scheduler.CycleReport{State: scheduler.StatePublished, Sources: 2, Output: e.target}
	e = newTestEnv(t, func(o *Options) {
		o.Status = fakeStatus{output: "/srv/cal/x.ics", report: &report}
	})
	rr = e.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decode[statusResponse](t, rr)
	assert.True(t, resp.InProcess)
	assert.Equal(t, scheduler.StateSleeping, resp.State)
	assert.Equal(t, "/srv/cal/x.ics", resp.Output)
	require.NotNil(t, resp.Last)
	assert.Equal(t, 2, resp.Last.Sources)
}

func TestCalendar(t *testing.T) {
	e := newTestEnv(t)
	e.writeStore(t, "alice:TOKEN1:2024-01-01T00:00:00", "bob:TOKEN2:")

	rr := e.do(t, http.MethodGet, "/cal/TOKEN2.ics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, mergedBody, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/cal/TOKEN1.ics", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/cal/UNKNOWN.ics", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/cal/bad-token.ics", "").Code)

	require.NoError(t, os.Remove(e.target))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/cal/TOKEN2.ics", "").Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	m.LinkError()

	e := newTestEnv(t, func(o *Options) { o.Gatherer = reg })
	rr := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "icalsynchub_tokens_link_errors_total 1")

	e = newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/metrics", "").Code)
}
