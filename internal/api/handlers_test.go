package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"batch-calc-engine/internal/calculator"
	"batch-calc-engine/internal/database"
	"batch-calc-engine/internal/engine"
	"batch-calc-engine/internal/export"
	"batch-calc-engine/internal/models"
	"batch-calc-engine/internal/ratelimit"
	"batch-calc-engine/internal/websocket"
)

func newTestServer(t *testing.T, limit int) *httptest.Server {
	t.Helper()
	controller := engine.New(database.NewMemoryStore(), calculator.NewDefaultRegistry(), export.NewDefaultRegistry(), zerolog.Nop(), engine.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = controller.Shutdown(ctx)
	})
	srv := NewServer(controller, ratelimit.New(limit), websocket.New(controller, zerolog.Nop()), zerolog.Nop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func createRequest(org string, inputs ...string) models.JobCreateRequest {
	req := models.JobCreateRequest{OrganizationID: org, Name: "savings", CalculatorType: calculator.TypeCompoundInterest}
	for _, in := range inputs {
		req.InputData = append(req.InputData, json.RawMessage(in))
	}
	return req
}

const validInput = `{"principal":100,"annual_rate":10.5,"years":1,"compound_frequency":"yearly"}`

func createJob(t *testing.T, ts *httptest.Server, inputs ...string) models.BulkCalculationJob {
	t.Helper()
	resp, body := do(t, http.MethodPost, ts.URL+"/api/jobs", createRequest("org-1", inputs...))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var job models.BulkCalculationJob
	require.NoError(t, json.Unmarshal(body, &job))
	return job
}

func waitCompleted(t *testing.T, ts *httptest.Server, id string) models.BulkCalculationJob {
	t.Helper()
	var job models.BulkCalculationJob
	require.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, ts.URL+"/api/jobs/"+id, nil)
		require.NoError(t, json.Unmarshal(body, &job))
		return job.Status == models.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, 0)
	job := createJob(t, ts, validInput, validInput, `{"principal":-1,"annual_rate":10,"years":1}`)
	require.Equal(t, models.StatusPending, job.Status)
	require.Equal(t, 3, job.Progress.Total)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/jobs/"+job.ID+"/pause", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, models.StatusPending, errResp.Current)
	require.Equal(t, "pause", errResp.Op)

	resp, body = do(t, http.MethodPost, ts.URL+"/api/jobs/"+job.ID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ctl controlResponse
	require.NoError(t, json.Unmarshal(body, &ctl))
	require.True(t, ctl.OK)

	done := waitCompleted(t, ts, job.ID)
	require.Len(t, done.Results, 3)
	require.True(t, done.Results[0].Succeeded)
	require.False(t, done.Results[2].Succeeded)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/jobs/"+job.ID+"/export?include_failed=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[1], "110,50")

	resp, body = do(t, http.MethodGet, ts.URL+"/api/jobs/"+job.ID+"/export?format=json&locale=en", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"results"`)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/jobs/"+job.ID+"/export?format=xlsx", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Cancel on a completed job is an invalid transition.
	resp, _ = do(t, http.MethodPost, ts.URL+"/api/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJobRejections(t *testing.T) {
	ts := newTestServer(t, 2)
	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"empty job", createRequest("org-1"), http.StatusBadRequest},
		{"missing organization", createRequest("", validInput), http.StatusBadRequest},
		{"unknown calculator", models.JobCreateRequest{OrganizationID: "org-1", CalculatorType: "mortgage", InputData: []json.RawMessage{json.RawMessage(validInput)}}, http.StatusBadRequest},
		{"malformed", "not an object", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, ts.URL+"/api/jobs", tc.body)
			require.Equal(t, tc.status, resp.StatusCode, string(body))
		})
	}
}

func TestCreateJobRateLimited(t *testing.T) {
	ts := newTestServer(t, 1)
	createJob(t, ts, validInput)
	resp, _ := do(t, http.MethodPost, ts.URL+"/api/jobs", createRequest("org-1", validInput))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/jobs", createRequest("org-2", validInput))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestListUpdateAndMetrics(t *testing.T) {
	ts := newTestServer(t, 0)
	first := createJob(t, ts, validInput)
	createJob(t, ts, validInput)

	resp, body := do(t, http.MethodPatch, ts.URL+"/api/jobs/"+first.ID, map[string]string{"name": "aaa"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, ts.URL+"/api/jobs?organization_id=org-1&sort=name&order=asc&limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []models.BulkCalculationJob
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "aaa", jobs[0].Name)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/jobs?organization_id=org-1&sort=size", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/jobs?organization_id=org-1&status=sleeping", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/jobs", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	do(t, http.MethodPost, ts.URL+"/api/jobs/"+first.ID+"/start", nil)
	waitCompleted(t, ts, first.ID)
	resp, _ = do(t, http.MethodPatch, ts.URL+"/api/jobs/"+first.ID, map[string]string{"name": "late"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/metrics?organization_id=org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m models.Metrics
	require.NoError(t, json.Unmarshal(body, &m))
	require.Equal(t, int64(2), m.TotalJobs)
	require.Equal(t, int64(1), m.CompletedJobs)
	require.Equal(t, int64(1), m.PendingJobs)
}

func TestCalculatorsAndHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	resp, body := do(t, http.MethodGet, ts.URL+"/api/calculators", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"calculators":["compound-interest","loan"],"export_formats":["csv","json"]}`, string(body))

	resp, body = do(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"status":"ok"`)
}

func TestServerWithoutStreaming(t *testing.T) {
	controller := engine.New(database.NewMemoryStore(), calculator.NewDefaultRegistry(), export.NewDefaultRegistry(), zerolog.Nop(), engine.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = controller.Shutdown(ctx)
	})
	ts := httptest.NewServer(NewServer(controller, nil, nil, zerolog.Nop()).Routes())
	t.Cleanup(ts.Close)

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok","ws_clients":0}`, string(body))

	job := createJob(t, ts, validInput)
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/jobs/"+job.ID+"/ws", nil)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestWebSocketStreamsJob(t *testing.T) {
	ts := newTestServer(t, 0)
	job := createJob(t, ts, validInput, validInput)

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/jobs/missing/ws", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/jobs/" + job.ID + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap websocket.Update
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&snap))
	require.Equal(t, websocket.UpdateSnapshot, snap.Type)
	require.Equal(t, job.ID, snap.Job.ID)

	do(t, http.MethodPost, ts.URL+"/api/jobs/"+job.ID+"/start", nil)
	for {
		var u websocket.Update
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&u))
		if u.Type == websocket.UpdateEvent && u.Event.Status == models.StatusCompleted {
			break
		}
	}
}
