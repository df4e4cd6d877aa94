package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/auth"
	"github.com/mattjoyce/jobhost/internal/dispatch"
	"github.com/mattjoyce/jobhost/internal/events"
	"github.com/mattjoyce/jobhost/internal/history"
	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/manager"
	"github.com/mattjoyce/jobhost/internal/protocol"
	"github.com/mattjoyce/jobhost/internal/storage"
)

type fakeActive struct{ jobs []manager.ActiveJob }

func (f fakeActive) Jobs() []manager.ActiveJob { return f.jobs }

type brokenInbox struct{}

func (brokenInbox) Enqueue(context.Context, inbox.Kind, string) (string, error) {
	return "", errors.New("disk I/O error")
}
func (brokenInbox) Depth(context.Context) (map[inbox.Kind]int, error) {
	return nil, errors.New("disk I/O error")
}

type testEnv struct {
	server  *Server
	handler http.Handler
	inbox   *inbox.Inbox
	history *history.Store
	hub     *events.Hub
}

func newTestEnv(t *testing.T, active ActiveJobs) *testEnv {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		inbox:   inbox.New(db),
		history: history.New(db),
		hub:     events.NewHub(32),
	}
	cfg := Config{
		APIKey: "admin-key",
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{"jobs:ro"}},
			{Token: "writer", Scopes: []string{"jobs:rw"}},
			{Token: "watcher", Scopes: []string{"events:ro"}},
		},
		MaxBodyBytes: 4096,
	}
	env.server = New(cfg, env.inbox, env.history, active, env.hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, fakeActive{jobs: []manager.ActiveJob{{JobID: uuid.New()}}})
	if _, err := env.inbox.Enqueue(context.Background(), inbox.KindJob, "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[HealthzResponse](t, rec)
	if resp.Status != "ok" || resp.PendingJobs != 1 || resp.ActiveJobs != 1 {
		t.Fatalf("unexpected healthz: %+v", resp)
	}
}

func TestHealthzReportsInboxFailure(t *testing.T) {
	s := New(Config{}, brokenInbox{}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestAuthAndScopes(t *testing.T) {
	env := newTestEnv(t, fakeActive{})
	job := `{"jobName":"build"}`

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{name: "no token", method: http.MethodGet, path: "/jobs", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/jobs", token: "nope", want: http.StatusUnauthorized},
		{name: "reader lists", method: http.MethodGet, path: "/jobs", token: "reader", want: http.StatusOK},
		{name: "reader cannot submit", method: http.MethodPost, path: "/jobs", token: "reader", body: job, want: http.StatusForbidden},
		{name: "writer submits", method: http.MethodPost, path: "/jobs", token: "writer", body: job, want: http.StatusAccepted},
		{name: "writer reads", method: http.MethodGet, path: "/jobs/active", token: "writer", want: http.StatusOK},
		{name: "watcher cannot list", method: http.MethodGet, path: "/jobs", token: "watcher", want: http.StatusForbidden},
		{name: "admin submits", method: http.MethodPost, path: "/jobs", token: "admin-key", body: job, want: http.StatusAccepted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.token, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSubmitJobQueuesMessage(t *testing.T) {
	env := newTestEnv(t, fakeActive{})
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/jobs", "writer", `{"jobName":"build","tasks":[{"name":"t","enabled":true}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[SubmitResponse](t, rec)
	if resp.JobID == uuid.Nil || resp.MessageID == "" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	msg, err := env.inbox.Claim(ctx, inbox.KindJob)
	if err != nil || msg == nil {
		t.Fatalf("Claim: %v %v", msg, err)
	}
	if msg.ID != resp.MessageID {
		t.Fatalf("claimed %s, want %s", msg.ID, resp.MessageID)
	}
	job, err := protocol.DecodeJob(msg.Body)
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if job.JobID != resp.JobID || job.JobName != "build" || len(job.Tasks) != 1 {
		t.Fatalf("unexpected queued job: %+v", job)
	}

	explicit := uuid.New()
	rec = env.do(t, http.MethodPost, "/jobs", "writer", `{"jobId":"`+explicit.String()+`"}`)
	if got := decode[SubmitResponse](t, rec).JobID; got != explicit {
		t.Fatalf("expected caller's job id %s, got %s", explicit, got)
	}
}

func TestSubmitJobRejectsBadBodies(t *testing.T) {
	env := newTestEnv(t, fakeActive{})
	for name, body := range map[string]string{
		"empty":     "",
		"not json":  "{",
		"too large": `{"jobName":"` + strings.Repeat("x", 8192) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/jobs", "writer", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSubmitJobEnqueueFailure(t *testing.T) {
	s := New(Config{APIKey: "k"}, brokenInbox{}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, fakeActive{})
	ctx := context.Background()
	id := uuid.New()

	rec := env.do(t, http.MethodPost, "/jobs/"+id.String()+"/cancel", "writer", `{"timeout":"90s"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	msg, err := env.inbox.Claim(ctx, inbox.KindCancel)
	if err != nil || msg == nil {
		t.Fatalf("Claim: %v %v", msg, err)
	}
	cancel, err := protocol.DecodeCancel(msg.Body)
	if err != nil {
		t.Fatalf("DecodeCancel: %v", err)
	}
	if cancel.JobID != id || cancel.Timeout.Std() != 90*time.Second {
		t.Fatalf("unexpected cancel: %+v", cancel)
	}

	rec = env.do(t, http.MethodPost, "/jobs/"+id.String()+"/cancel", "writer", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("empty cancel body: expected 202, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/jobs/not-a-uuid/cancel", "writer", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestGetAndListJobs(t *testing.T) {
	env := newTestEnv(t, fakeActive{})
	ctx := context.Background()

	job := &protocol.JobRequestMessage{JobID: uuid.New(), JobName: "build"}
	if err := env.history.Start(ctx, job); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.history.Finish(ctx, dispatch.Result{JobID: job.JobID, State: dispatch.StateCompleted, ExitCode: 0}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/jobs/"+job.JobID.String(), "reader", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[history.Record](t, rec)
	if got.JobID != job.JobID || got.State != "completed" || got.Result == nil || *got.Result != "succeeded" {
		t.Fatalf("unexpected record: %+v", got)
	}

	rec = env.do(t, http.MethodGet, "/jobs/"+uuid.NewString(), "reader", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/jobs?limit=10", "reader", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if list := decode[JobListResponse](t, rec); len(list.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(list.Jobs))
	}

	rec = env.do(t, http.MethodGet, "/jobs?limit=zero", "reader", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestActiveJobs(t *testing.T) {
	id := uuid.New()
	env := newTestEnv(t, fakeActive{jobs: []manager.ActiveJob{{JobID: id, JobName: "build", State: "running"}}})

	rec := env.do(t, http.MethodGet, "/jobs/active", "reader", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[ActiveJobsResponse](t, rec)
	if len(resp.Jobs) != 1 || resp.Jobs[0].JobID != id || resp.Jobs[0].State != "running" {
		t.Fatalf("unexpected active jobs: %+v", resp)
	}
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	env := newTestEnv(t, fakeActive{})
	env.hub.Publish(events.JobReceived, map[string]any{"job_id": "one"})

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer watcher")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var typ, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && typ != "":
				return typ, data
			}
		}
	}

	typ, data := readEvent()
	if typ != events.JobReceived || !strings.Contains(data, `"one"`) {
		t.Fatalf("unexpected replayed event %s %s", typ, data)
	}

	env.hub.Publish(events.JobCompleted, map[string]any{"job_id": "two"})
	typ, data = readEvent()
	if typ != events.JobCompleted || !strings.Contains(data, `"two"`) {
		t.Fatalf("unexpected live event %s %s", typ, data)
	}
}

func TestParseLastEventID(t *testing.T) {
	for in, want := range map[string]int64{"": 0, "7": 7, "-1": 0, "x": 0} {
		if got := parseLastEventID(in); got != want {
			t.Fatalf("parseLastEventID(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestOpenAPIDocListsRoutes(t *testing.T) {
	env := newTestEnv(t, fakeActive{})
	rec := env.do(t, http.MethodGet, "/openapi.json", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	doc := decode[map[string]any](t, rec)
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		t.Fatalf("missing paths: %v", doc)
	}
	for _, p := range []string{"/healthz", "/jobs", "/jobs/active", "/jobs/{jobID}", "/jobs/{jobID}/cancel", "/events"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("missing path %s", p)
		}
	}
	jobs := paths["/jobs"].(map[string]any)
	if _, ok := jobs["get"]; !ok {
		t.Error("missing GET /jobs")
	}
	if _, ok := jobs["post"]; !ok {
		t.Error("missing POST /jobs")
	}
}
