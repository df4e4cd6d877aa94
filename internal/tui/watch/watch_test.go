package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jobhost/internal/events"
)

func event(id int64, typ string, at time.Time, data map[string]any) events.Event {
	b, _ := json.Marshal(data)
	return events.Event{ID: id, Type: typ, At: at, Data: b}
}

func TestJobBoardFollowsLifecycle(t *testing.T) {
	b := NewJobBoard()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, b.Apply(event(1, events.JobReceived, t0, map[string]any{"job_id": "job-a", "job_name": "build"})))
	assert.True(t, b.Apply(event(2, events.JobState, t0, map[string]any{"job_id": "job-a", "from": "created", "to": "running"})))
	assert.True(t, b.Apply(event(3, events.JobCancelRequested, t0, map[string]any{"job_id": "job-a"})))
	assert.Equal(t, 1, b.Active())

	rows := b.Rows(t0.Add(5 * time.Second))
	require.Len(t, rows, 1)
	assert.Equal(t, "job-a", rows[0][0])
	assert.Equal(t, "build", rows[0][1])
	assert.Equal(t, "running*", rows[0][2])
	assert.Equal(t, "5s", rows[0][4])

	assert.True(t, b.Apply(event(4, events.JobCompleted, t0.Add(7*time.Second), map[string]any{
		"job_id": "job-a", "state": "completed", "exit_code": 103, "error": "",
	})))
	assert.Equal(t, 0, b.Active())
	rows = b.Rows(t0.Add(time.Minute))
	assert.Equal(t, "completed", rows[0][2])
	assert.Equal(t, "103", rows[0][3])
	assert.Equal(t, "7s", rows[0][4])
}

func TestJobBoardIgnoresUnrelatedEvents(t *testing.T) {
	b := NewJobBoard()
	assert.False(t, b.Apply(event(1, events.AgentStarted, time.Now(), map[string]any{"name": "jobhost"})))
	assert.False(t, b.Apply(event(2, events.JobRejected, time.Now(), map[string]any{"message_id": "m1"})))
	assert.Empty(t, b.Rows(time.Now()))
}

func TestJobBoardSortsActiveFirstAndTrims(t *testing.T) {
	b := NewJobBoard()
	t0 := time.Now()
	for i := 0; i < maxFinishedJobs+5; i++ {
		id := fmt.Sprintf("done-%02d", i)
		at := t0.Add(time.Duration(i) * time.Second)
		b.Apply(event(int64(i), events.JobReceived, at, map[string]any{"job_id": id}))
		b.Apply(event(int64(i), events.JobCompleted, at, map[string]any{"job_id": id, "state": "completed", "exit_code": 0}))
	}
	b.Apply(event(100, events.JobReceived, t0, map[string]any{"job_id": "live"}))

	sorted := b.Sorted()
	require.Len(t, sorted, maxFinishedJobs+1)
	assert.Equal(t, "live", sorted[0].ID)
	assert.Equal(t, fmt.Sprintf("done-%02d", maxFinishedJobs+4), sorted[1].ID)
}

func TestJobBoardSeedDropsVanishedJobs(t *testing.T) {
	b := NewJobBoard()
	now := time.Now()
	b.Apply(event(1, events.JobReceived, now, map[string]any{"job_id": "gone"}))
	b.Apply(event(2, events.JobReceived, now, map[string]any{"job_id": "kept"}))

	b.Seed([]ActiveJob{
		{JobID: "kept", JobName: "deploy", State: "running", StartedAt: now},
		{JobID: "new", JobName: "lint", State: "spawning", StartedAt: now},
	})

	ids := map[string]string{}
	for _, j := range b.Sorted() {
		ids[j.ID] = j.State
	}
	assert.Equal(t, map[string]string{"kept": "running", "new": "spawning"}, ids)
}

func TestPulseFades(t *testing.T) {
	var p pulse
	now := time.Now()
	assert.Equal(t, 0, p.level(now))
	p.hit(now)
	assert.Equal(t, 5, p.level(now))
	assert.Equal(t, 3, p.level(now.Add(5*time.Second)))
	assert.Equal(t, 0, p.level(now.Add(time.Minute)))
}

func TestDescribeEvent(t *testing.T) {
	e := event(1, events.JobState, time.Now(), map[string]any{"job_id": "0123456789", "from": "spawning", "to": "handshaking"})
	assert.Equal(t, "[01234567] spawning → handshaking", describeEvent(e))

	e = event(2, events.JobCompleted, time.Now(), map[string]any{"job_id": "abc", "state": "killed", "exit_code": 124})
	assert.Equal(t, "[abc] killed exit=124", describeEvent(e))
}

func TestClientAgainstAgentAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":42,"pending_jobs":3,"pending_cancels":1,"active_jobs":2}`))
		case "/jobs/active":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"jobs":[{"job_id":"a","job_name":"build","state":"running"}]}`))
		case "/events":
			assert.Equal(t, "7", r.Header.Get("Last-Event-ID"))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": keep-alive\n\n")
			fmt.Fprint(w, "id: 8\nevent: job.received\ndata: {\"job_id\":\"a\"}\n\n")
			fmt.Fprint(w, "id: 9\nevent: job.completed\ndata: {\"job_id\":\"a\",\"state\":\"completed\"}\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Health{Status: "ok", UptimeSeconds: 42, PendingJobs: 3, PendingCancels: 1, ActiveJobs: 2}, h)

	active, err := c.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "build", active[0].JobName)

	_, err = NewClient(srv.URL, "wrong").Active(ctx)
	require.Error(t, err)

	ch := make(chan events.Event, 4)
	require.NoError(t, c.Stream(ctx, 7, ch))
	require.Len(t, ch, 2)
	first := <-ch
	assert.Equal(t, int64(8), first.ID)
	assert.Equal(t, events.JobReceived, first.Type)
	assert.JSONEq(t, `{"job_id":"a"}`, string(first.Data))
	assert.Equal(t, events.JobCompleted, (<-ch).Type)
}

func TestModelUpdate(t *testing.T) {
	m := New("http://127.0.0.1:0", "")
	assert.Equal(t, "Connecting to jobhost...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	mm := next.(Model)

	next, cmd := mm.Update(eventMsg(event(5, events.JobReceived, time.Now(), map[string]any{"job_id": "job-1", "job_name": "build"})))
	mm = next.(Model)
	assert.NotNil(t, cmd)
	assert.Equal(t, int64(5), mm.lastID)
	assert.True(t, mm.health.Connected)
	assert.Equal(t, 1, mm.board.Active())

	next, _ = mm.Update(streamClosedMsg{})
	mm = next.(Model)
	assert.False(t, mm.health.Connected)
	assert.Contains(t, mm.lastError, "reconnecting")

	view := mm.View()
	assert.True(t, strings.Contains(view, "JOBHOST WATCH"))
	assert.True(t, strings.Contains(view, "JOBS (1 active)"))

	next, cmd = mm.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	_ = next
}
