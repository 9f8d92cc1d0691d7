package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unpackd/services/ingest/errs"
	"unpackd/services/ingest/gateway"
	"unpackd/services/ingest/jobs"
	"unpackd/services/ingest/tree"
)

const sid = "01890a5d-ac96-774b-bcce-b302099a8057"

type fakeJobs struct {
	handle jobs.Handle
	err    error
	jobs   map[string]jobs.Job
	urls   []string
	delay  time.Duration
	ctxErr error
}

func (f *fakeJobs) Submit(ctx context.Context, rawURL string) (jobs.Handle, error) {
	f.urls = append(f.urls, rawURL)
	if f.delay > 0 {
		time.Sleep(f.delay)
		f.ctxErr = ctx.Err()
	}
	return f.handle, f.err
}

func (f *fakeJobs) Status(_ context.Context, id string) (jobs.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return jobs.Job{}, errs.Newf(errs.KindNotFound, "job", "job %s not found", id)
	}
	return job, nil
}

func newServer(t *testing.T, j Jobs, opts ...gateway.Option) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	sessionDir := filepath.Join(root, sid, "images")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "a b.png"), []byte("pngdata"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "other"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "other", "secret.txt"), []byte("s"), 0o644))

	a, err := New(j, gateway.New(root, opts...), Config{Logger: zerolog.Nop(), RateLimitPerMinute: 1000})
	require.NoError(t, err)
	h, err := a.Routes()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, root
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitAccepted(t *testing.T) {
	fj := &fakeJobs{handle: jobs.Handle{JobID: "j1", SessionID: sid, State: jobs.StatePending}}
	srv, _ := newServer(t, fj)

	resp, err := http.Post(srv.URL+"/v1/archives", "application/json", strings.NewReader(`{"url":"https://example.com/a.zip"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "j1", body["job_id"])
	assert.Equal(t, "PENDING", body["state"])
	assert.Equal(t, "/v1/jobs/j1", body["status_url"])
	assert.Equal(t, []string{"https://example.com/a.zip"}, fj.urls)
}

func TestSubmitOutlivesRequestTimeout(t *testing.T) {
	fj := &fakeJobs{
		handle: jobs.Handle{JobID: "j1", SessionID: sid, State: jobs.StateSuccess},
		delay:  150 * time.Millisecond,
	}
	a, err := New(fj, gateway.New(t.TempDir()), Config{Logger: zerolog.Nop(), RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	h, err := a.Routes()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/archives", strings.NewReader(`{"url":"https://example.com/a.zip"}`))
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NoError(t, fj.ctxErr)
}

func TestSubmitCached(t *testing.T) {
	fj := &fakeJobs{handle: jobs.Handle{SessionID: sid, State: jobs.StateSuccess, Cached: true, Structure: tree.NewRoot(), Message: jobs.MessageCached}}
	srv, _ := newServer(t, fj)

	resp, err := http.Post(srv.URL+"/v1/archives", "application/json", strings.NewReader(`{"url":"https://example.com/a.zip"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, true, body["cached"])
	assert.NotNil(t, body["structure"])
}

func TestSubmitBadRequests(t *testing.T) {
	fj := &fakeJobs{err: errs.Newf(errs.KindInvalidRequest, "normalize", "unsupported url scheme")}
	srv, _ := newServer(t, fj)

	for _, payload := range []string{`{"url":"ftp://x"}`, `not json`, `{"link":"x"}`} {
		resp, err := http.Post(srv.URL+"/v1/archives", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
		resp.Body.Close()
	}

	fj.err = errors.New("database down")
	resp, err := http.Post(srv.URL+"/v1/archives", "application/json", strings.NewReader(`{"url":"https://x/a.zip"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()
}

func TestJobStatus(t *testing.T) {
	fj := &fakeJobs{jobs: map[string]jobs.Job{
		"ok":   {ID: "ok", SessionID: sid, State: jobs.StateSuccess, Result: &jobs.Result{Outcome: jobs.OutcomeFailure, ErrorKind: errs.KindArchiveCorrupt}},
		"bad":  {ID: "bad", SessionID: sid, State: jobs.StateFailure, Error: "run: job-runtime-fault: panic"},
		"wait": {ID: "wait", SessionID: sid, State: jobs.StateStarted},
	}}
	srv, _ := newServer(t, fj)

	resp, err := http.Get(srv.URL + "/v1/jobs/ok")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, "SUCCESS", body["state"])
	assert.Equal(t, "archive-corrupt", body["result"].(map[string]any)["error_kind"])

	resp, err = http.Get(srv.URL + "/v1/jobs/bad")
	require.NoError(t, err)
	body = decode(t, resp)
	assert.Equal(t, "FAILURE", body["state"])
	assert.Contains(t, body["error"], "job-runtime-fault")

	resp, err = http.Get(srv.URL + "/v1/jobs/wait")
	require.NoError(t, err)
	body = decode(t, resp)
	assert.Equal(t, "STARTED", body["state"])
	assert.NotContains(t, body, "result")

	resp, err = http.Get(srv.URL + "/v1/jobs/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestFileRetrieval(t *testing.T) {
	srv, _ := newServer(t, &fakeJobs{})

	resp, err := http.Get(srv.URL + "/v1/files/" + sid + "/images/a%20b.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pngdata", string(data))

	resp2, err := http.Get(srv.URL + "/v1/files/" + sid + "/images/missing.png")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	resp2.Body.Close()
}

func TestFileRetrievalRejectsTraversal(t *testing.T) {
	srv, _ := newServer(t, &fakeJobs{})
	h := srv.Config.Handler

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/files/"+sid+"/../other/secret.txt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/files/"+sid+"/images/..%2F..%2Fother%2Fsecret.txt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/files/bad..id/x.txt", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileRetrievalInternalRedirect(t *testing.T) {
	srv, _ := newServer(t, &fakeJobs{}, gateway.WithInternalRedirect("/protected"))

	resp, err := http.Get(srv.URL + "/v1/files/" + sid + "/images/a%20b.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/protected/"+sid+"/images/a%20b.png", resp.Header.Get("X-Accel-Redirect"))
	data, _ := io.ReadAll(resp.Body)
	assert.Empty(t, data)
}

func TestHealthAndReady(t *testing.T) {
	a, err := New(&fakeJobs{}, gateway.New(t.TempDir()), Config{
		Logger:      zerolog.Nop(),
		ReadyChecks: []ReadyCheck{{Name: "db", Check: func(context.Context) error { return errors.New("down") }}},
	})
	require.NoError(t, err)
	h, err := a.Routes()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
