package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iotpredict/predictor/internal/api"
	"github.com/iotpredict/predictor/internal/jobs"
	"github.com/iotpredict/predictor/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mx        sync.Mutex
	result    model.CycleResult
	requests  []model.RunRequest
	killed    []string
	reloadErr error
}

func (f *fakeEngine) Run(_ context.Context, req model.RunRequest) model.CycleResult {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.requests = append(f.requests, req)
	return f.result
}

func (f *fakeEngine) Submit(_ context.Context, req model.RunRequest) (model.Job, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.requests = append(f.requests, req)
	return model.Job{ID: "job-1", Status: model.JobQueued, Payload: req}, nil
}

func (f *fakeEngine) Kill(_ context.Context, jobID string) model.KillStatus {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.killed = append(f.killed, jobID)
	if jobID == "job-1" {
		return model.KillKilling
	}
	return model.KillIdle
}

func (f *fakeEngine) Job(_ context.Context, id string) (model.Job, error) {
	if id != "job-1" {
		return model.Job{}, jobs.ErrNotFound
	}
	return model.Job{ID: id, Status: model.JobDone, CreatedTS: 1}, nil
}

func (f *fakeEngine) Status() model.Snapshot {
	items := 3
	return model.Snapshot{Status: "ok", LastItems: &items}
}

func (f *fakeEngine) Reload(context.Context) error { return f.reloadErr }
func (f *fakeEngine) Uptime() time.Duration        { return 1500 * time.Millisecond }
func (f *fakeEngine) Mode() string                 { return "loop" }

func newServer(t *testing.T, engine api.Engine, opts api.Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.NewRouter(api.NewHandlers(engine), opts))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header ...string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, r)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{result: model.CycleResult{Status: model.CycleOK, Items: 2, DurationMS: 12}}
	srv := newServer(t, engine, api.Options{})

	cases := []struct {
		scenario string
		method   string
		path     string
		body     string
		code     int
		then     string
	}{
		{"health", http.MethodGet, "/health", "", 200, `{"status":"ok","uptime_ms":1500}`},
		{"status", http.MethodGet, "/status", "", 200, `{
			"status":"ok","enabled":null,"last_cycle_ts":null,"last_success_ts":null,"last_items":3,
			"last_duration_ms":null,"last_error":null,"last_error_ts":null,"last_publish_error":null,
			"last_publish_error_ts":null,"running_job_id":null,"uptime_ms":1500,"mode":"loop"}`},
		{"job", http.MethodGet, "/jobs/job-1", "", 200, `{
			"id":"job-1","status":"done","created_ts":1,"started_ts":null,"finished_ts":null,
			"payload":{},"result":null}`},
		{"job not found", http.MethodGet, "/jobs/nope", "", 404, `{"status":"not_found"}`},
		{"unknown route", http.MethodGet, "/nope", "", 404, `{"status":"not_found"}`},
		{"wrong method", http.MethodGet, "/run", "", 404, `{"status":"not_found"}`},
		{"run", http.MethodPost, "/run", `{"scripts":["drying"]}`, 200, `{"status":"ok","items":2,"duration_ms":12}`},
		{"run async", http.MethodPost, "/run_async", "", 202, `{"status":"queued","jobId":"job-1"}`},
		{"kill job", http.MethodPost, "/kill", `{"jobId":"job-1"}`, 200, `{"status":"killing"}`},
		{"kill all", http.MethodPost, "/kill", "", 200, `{"status":"idle"}`},
		{"reload", http.MethodPost, "/reload", "", 200, `{"status":"ok"}`},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			code, body := do(t, tc.method, srv.URL+tc.path, tc.body)
			require.Equal(t, tc.code, code)
			require.JSONEq(t, tc.then, body)
		})
	}

	engine.mx.Lock()
	defer engine.mx.Unlock()
	require.Equal(t, []string{"job-1", ""}, engine.killed)
}

func TestRun_Body(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{result: model.CycleResult{Status: model.CycleOK}}
	srv := newServer(t, engine, api.Options{})

	for _, body := range []string{
		`{"scripts":["drying"],"deviceIds":["sensor-1"]}`,
		"",
		"  \n",
		`{"scripts":null,"extra":1}`,
	} {
		code, _ := do(t, http.MethodPost, srv.URL+"/run", body)
		require.Equal(t, http.StatusOK, code, body)
	}

	engine.mx.Lock()
	defer engine.mx.Unlock()
	require.Equal(t, []model.RunRequest{
		{Scripts: []string{"drying"}, DeviceIDs: []string{"sensor-1"}},
		{}, {}, {},
	}, engine.requests)
}

func TestBadRequest(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{result: model.CycleResult{Status: model.CycleOK}}
	srv := newServer(t, engine, api.Options{})

	cases := []struct {
		scenario string
		path     string
		body     string
	}{
		{"not json", "/run", "not json"},
		{"scripts not a list", "/run", `{"scripts":"drying"}`},
		{"script name not a string", "/run", `{"scripts":[1]}`},
		{"empty device id", "/run", `{"deviceIds":[""]}`},
		{"array body", "/run", `["drying"]`},
		{"async scripts not a list", "/run_async", `{"scripts":{"name":"drying"}}`},
		{"kill non-string id", "/kill", `{"jobId":42}`},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			code, body := do(t, http.MethodPost, srv.URL+tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, code)
			var got map[string]string
			require.NoError(t, json.Unmarshal([]byte(body), &got))
			require.Equal(t, "bad_request", got["status"])
			require.Contains(t, got["detail"], "invalid request body")
		})
	}

	engine.mx.Lock()
	defer engine.mx.Unlock()
	require.Empty(t, engine.requests, "a rejected filter must not start a cycle")
	require.Empty(t, engine.killed)
}

func TestRun_Busy(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{result: model.CycleResult{Status: model.CycleBusy, Detail: "cycle in progress"}}
	srv := newServer(t, engine, api.Options{})

	code, body := do(t, http.MethodPost, srv.URL+"/run", "")
	require.Equal(t, http.StatusConflict, code)
	require.JSONEq(t, `{"status":"busy","items":0,"detail":"cycle in progress"}`, body)
}

func TestReload_Error(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{reloadErr: errors.New("open devices.ifc.json: no such file or directory")}
	srv := newServer(t, engine, api.Options{})

	code, body := do(t, http.MethodPost, srv.URL+"/reload", "")
	require.Equal(t, http.StatusInternalServerError, code)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Equal(t, "error", got["status"])
	require.Contains(t, got["detail"], "no such file")
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeEngine{}, api.Options{Token: "s3cret"})

	code, _ := do(t, http.MethodGet, srv.URL+"/health", "")
	require.Equal(t, http.StatusOK, code, "health stays open")

	code, body := do(t, http.MethodGet, srv.URL+"/status", "")
	require.Equal(t, http.StatusUnauthorized, code)
	require.JSONEq(t, `{"status":"unauthorized"}`, body)

	code, _ = do(t, http.MethodGet, srv.URL+"/status", "", "Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/status", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, code)
}

func TestCORS(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeEngine{}, api.Options{CORSOrigins: []string{"https://dashboard.example"}})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "https://dashboard.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
