//go:build !integration

package apiv1_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/infra/api"
	apiv1 "content-pipeline/internal/infra/api/apiv1"
	"content-pipeline/internal/infra/db/memory"
	"content-pipeline/internal/infra/events"
	"content-pipeline/internal/usecase"
)

const testToken = "s3cret-token"

type denyAfter struct{ n, seen int }

func (d *denyAfter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.seen++
	return d.seen <= d.n, nil
}

type testServer struct {
	h     http.Handler
	store *memory.Store
	auth  *api.Authenticator
}

func newTestServer(t *testing.T, limiter api.Limiter) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.New()
	hub := events.NewHub(16, &logger)
	uc := usecase.NewJobUseCase(
		events.NewPublishingJobs(store, hub),
		events.NewPublishingEvents(store, hub),
		store, hub,
		usecase.JobDefaults{Plan: []string{"outline", "script", "render"}},
		nil, &logger,
	)
	auth := api.NewAuthenticator(testToken, "jwt-secret", &logger)
	h := apiv1.NewRouter(apiv1.RouterDeps{
		Server:         apiv1.NewServer(uc, 20*time.Millisecond, &logger),
		Auth:           auth,
		Limiter:        limiter,
		RateLimit:      1,
		RateWindow:     time.Minute,
		RequestTimeout: time.Second,
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}, &logger)
	return &testServer{h: h, store: store, auth: auth}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doAs(t, testToken, method, path, body)
}

func (ts *testServer) doAs(t *testing.T, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// gated submits a job gated on script and drives it to the gate.
func (ts *testServer) gated(t *testing.T) *model.Job {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/jobs", `{"slug":"demo","gates":{"script":"required"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: got %d, body=%s", rec.Code, rec.Body.String())
	}
	job := decode[model.Job](t, rec)
	ctx := context.Background()
	if _, _, err := ts.store.ClaimNext(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, st := range []string{"outline", "script"} {
		if _, _, err := ts.store.Transition(ctx, job.ID, model.StartStage(st)); err != nil {
			t.Fatalf("start %s: %v", st, err)
		}
		if _, _, err := ts.store.Transition(ctx, job.ID, model.FinishStage(st, 0, false)); err != nil {
			t.Fatalf("finish %s: %v", st, err)
		}
	}
	return &job
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	t.Run("healthz is public", func(t *testing.T) {
		rec := ts.doAs(t, "", http.MethodGet, "/healthz", "")
		if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
			t.Fatalf("got %d %q", rec.Code, rec.Body.String())
		}
	})

	for _, tc := range []struct{ name, token, path string }{
		{"missing token", "", "/jobs"},
		{"wrong token", "nope", "/jobs"},
		{"metrics need auth", "", "/metrics"},
		{"stream needs auth", "", "/jobs/x/events/stream"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.doAs(t, tc.token, http.MethodGet, tc.path, "")
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("want 401, got %d", rec.Code)
			}
		})
	}

	t.Run("jwt with another secret", func(t *testing.T) {
		logger := zerolog.Nop()
		other, err := api.NewAuthenticator("", "other", &logger).Mint("mallory", time.Minute)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		if rec := ts.doAs(t, other, http.MethodGet, "/jobs", ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("want 401, got %d", rec.Code)
		}
	})

	t.Run("metrics with auth", func(t *testing.T) {
		if rec := ts.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
			t.Fatalf("want 200, got %d", rec.Code)
		}
	})
}

func TestSubmitAndRead(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/jobs", `{"slug":"demo","intent":"explain","target":{"duration_sec":30}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d, body=%s", rec.Code, rec.Body.String())
	}
	job := decode[model.Job](t, rec)
	if job.Status != model.JobStatusQueued || job.Config.Target.DurationSec != 30 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if rec.Header().Get("Location") != "/jobs/"+job.ID {
		t.Fatalf("missing Location header")
	}

	rec = ts.do(t, http.MethodGet, "/jobs/"+job.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: want 200, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/jobs?status=queued&slug=demo", "")
	list := decode[struct{ Data []model.Job }](t, rec)
	if rec.Code != http.StatusOK || len(list.Data) != 1 {
		t.Fatalf("list: got %d with %d jobs", rec.Code, len(list.Data))
	}

	rec = ts.do(t, http.MethodGet, "/jobs/"+job.ID+"/events?after_seq=0", "")
	evs := decode[struct{ Data []model.Event }](t, rec)
	if len(evs.Data) != 1 || evs.Data[0].Type != model.EventJobSubmitted {
		t.Fatalf("events: %+v", evs.Data)
	}

	rec = ts.do(t, http.MethodGet, "/jobs/"+job.ID+"/artifacts", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("artifacts: got %d %s", rec.Code, rec.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)

	t.Run("invalid config lists violations", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/jobs", `{"slug":"No Good","target":{"aspect":"2:1"}}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", rec.Code)
		}
		body := decode[errorResponse](t, rec)
		if body.Error.Kind != "InvalidConfig" || len(body.Error.Details["violations"].([]any)) != 2 {
			t.Fatalf("unexpected body: %+v", body)
		}
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/jobs", `{"slug":"demo","gatez":{}}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/jobs/missing", "")
		if rec.Code != http.StatusNotFound || decode[errorResponse](t, rec).Error.Kind != "NotFound" {
			t.Fatalf("want 404 NotFound, got %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("bad query parameter", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/jobs?limit=lots", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", rec.Code)
		}
	})

	t.Run("gate mismatch names the pending stage", func(t *testing.T) {
		job := ts.gated(t)
		rec := ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/approve", `{"stage":"render"}`)
		if rec.Code != http.StatusConflict {
			t.Fatalf("want 409, got %d", rec.Code)
		}
		body := decode[errorResponse](t, rec)
		if body.Error.Kind != "GateMismatch" || body.Error.Details["pending_stage"] != "script" {
			t.Fatalf("unexpected body: %+v", body)
		}
	})

	t.Run("invalid transition reports the current status", func(t *testing.T) {
		job := ts.gated(t)
		if rec := ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/reject", `{"stage":"script"}`); rec.Code != http.StatusOK {
			t.Fatalf("reject: got %d", rec.Code)
		}
		rec := ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
		if rec.Code != http.StatusConflict {
			t.Fatalf("want 409, got %d", rec.Code)
		}
		body := decode[errorResponse](t, rec)
		if body.Error.Kind != "InvalidTransition" || body.Error.Details["current_status"] != "failed" {
			t.Fatalf("unexpected body: %+v", body)
		}
	})

	t.Run("decision needs a stage", func(t *testing.T) {
		job := ts.gated(t)
		if rec := ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/approve", `{}`); rec.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", rec.Code)
		}
	})
}

func TestApproveRecordsActor(t *testing.T) {
	ts := newTestServer(t, nil)
	job := ts.gated(t)

	tok, err := ts.auth.Mint("alice", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	rec := ts.doAs(t, tok, http.MethodPost, "/jobs/"+job.ID+"/approve", `{"stage":"script","notes":"ship it"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d, body=%s", rec.Code, rec.Body.String())
	}
	got := decode[model.Job](t, rec)
	g, _ := got.Gate("script")
	if got.Status != model.JobStatusRunning || g.DecidedBy != "alice" || g.Notes != "ship it" {
		t.Fatalf("unexpected job after approval: %s %+v", got.Status, g)
	}

	rec = ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/approve", `{"stage":"script"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second approve: want 409, got %d", rec.Code)
	}
}

func TestControlRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	job := decode[model.Job](t, ts.do(t, http.MethodPost, "/jobs", `{"slug":"demo"}`))

	for _, step := range []struct {
		path   string
		code   int
		status model.JobStatus
	}{
		{"/pause", http.StatusOK, model.JobStatusPaused},
		{"/pause", http.StatusConflict, ""},
		{"/resume", http.StatusOK, model.JobStatusQueued},
		{"/cancel", http.StatusOK, model.JobStatusCanceled},
		{"/cancel", http.StatusOK, model.JobStatusCanceled},
		{"/resume", http.StatusConflict, ""},
	} {
		rec := ts.do(t, http.MethodPost, "/jobs/"+job.ID+step.path, "")
		if rec.Code != step.code {
			t.Fatalf("%s: want %d, got %d, body=%s", step.path, step.code, rec.Code, rec.Body.String())
		}
		if step.status != "" {
			if got := decode[model.Job](t, rec).Status; got != step.status {
				t.Fatalf("%s: want %s, got %s", step.path, step.status, got)
			}
		}
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, &denyAfter{n: 1})

	if rec := ts.do(t, http.MethodPost, "/jobs", `{"slug":"demo"}`); rec.Code != http.StatusCreated {
		t.Fatalf("first submit: want 201, got %d", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/jobs", `{"slug":"demo"}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second submit: want 429 with Retry-After, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/jobs", ""); rec.Code != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)
	job := ts.gated(t)
	srv := httptest.NewServer(ts.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/jobs/"+job.ID+"/events/stream?after_seq=1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Last-Event-ID", "3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	// Reject once the stream is open; the live events follow the history.
	go func() {
		time.Sleep(50 * time.Millisecond)
		ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/reject", `{"stage":"script"}`)
	}()

	var ids, types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(ids) == 0 || ids[0] != "4" {
		t.Fatalf("expected the stream to resume after Last-Event-ID 3, got ids %v", ids)
	}
	for i, id := range ids {
		if n, err := strconv.Atoi(id); err != nil || n != i+4 {
			t.Fatalf("expected gapless ascending ids from 4, got %v", ids)
		}
	}
	if last := types[len(types)-1]; last != string(model.EventJobFailed) {
		t.Fatalf("expected the stream to end with job_failed, got %v", types)
	}
}
