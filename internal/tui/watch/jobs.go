package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/jobhost/internal/events"
)

const maxFinishedJobs = 20

// JobState is one dispatch as seen from the event stream.
type JobState struct {
	ID         string
	Name       string
	State      string
	ExitCode   *int
	Error      string
	Cancelling bool
	Received   time.Time
	Finished   time.Time
}

func (j *JobState) done() bool { return !j.Finished.IsZero() }

// JobBoard tracks active jobs plus a short tail of finished ones.
type JobBoard struct {
	jobs map[string]*JobState
}

func NewJobBoard() *JobBoard {
	return &JobBoard{jobs: make(map[string]*JobState)}
}

// Apply folds one event into the board. It reports whether anything changed.
func (b *JobBoard) Apply(e events.Event) bool {
	var data struct {
		JobID    string `json:"job_id"`
		JobName  string `json:"job_name"`
		To       string `json:"to"`
		State    string `json:"state"`
		ExitCode *int   `json:"exit_code"`
		Error    string `json:"error"`
	}
	_ = json.Unmarshal(e.Data, &data)
	if data.JobID == "" {
		return false
	}

	switch e.Type {
	case events.JobReceived:
		j := b.get(data.JobID, e.At)
		j.Name = data.JobName
		if j.State == "" {
			j.State = "created"
		}
	case events.JobState:
		b.get(data.JobID, e.At).State = data.To
	case events.JobCancelRequested, events.JobKillRequested:
		b.get(data.JobID, e.At).Cancelling = true
	case events.JobCompleted:
		j := b.get(data.JobID, e.At)
		j.State = data.State
		j.ExitCode = data.ExitCode
		j.Error = data.Error
		j.Finished = e.At
		b.trimFinished()
	default:
		return false
	}
	return true
}

// Seed merges a /jobs/active snapshot. Jobs the agent no longer runs but
// that never got a completion event are dropped.
func (b *JobBoard) Seed(active []ActiveJob) {
	live := make(map[string]bool, len(active))
	for _, a := range active {
		live[a.JobID] = true
		j := b.get(a.JobID, a.StartedAt)
		j.Name = a.JobName
		if a.State != "" {
			j.State = a.State
		}
	}
	for id, j := range b.jobs {
		if !j.done() && !live[id] {
			delete(b.jobs, id)
		}
	}
}

func (b *JobBoard) get(id string, at time.Time) *JobState {
	j, ok := b.jobs[id]
	if !ok {
		j = &JobState{ID: id, Received: at}
		b.jobs[id] = j
	}
	return j
}

func (b *JobBoard) trimFinished() {
	var finished []*JobState
	for _, j := range b.jobs {
		if j.done() {
			finished = append(finished, j)
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	sort.Slice(finished, func(i, k int) bool { return finished[i].Finished.After(finished[k].Finished) })
	for _, j := range finished[maxFinishedJobs:] {
		delete(b.jobs, j.ID)
	}
}

// Active counts jobs that have not finished.
func (b *JobBoard) Active() int {
	n := 0
	for _, j := range b.jobs {
		if !j.done() {
			n++
		}
	}
	return n
}

// Sorted returns active jobs first, oldest first, then finished jobs
// newest first.
func (b *JobBoard) Sorted() []*JobState {
	out := make([]*JobState, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		a, c := out[i], out[k]
		if a.done() != c.done() {
			return !a.done()
		}
		if !a.done() {
			return a.Received.Before(c.Received)
		}
		return a.Finished.After(c.Finished)
	})
	return out
}

func jobColumns() []table.Column {
	return []table.Column{
		{Title: "Job", Width: 10},
		{Title: "Name", Width: 22},
		{Title: "State", Width: 12},
		{Title: "Exit", Width: 5},
		{Title: "Duration", Width: 10},
		{Title: "Error", Width: 30},
	}
}

// Rows renders the board for a bubbles table.
func (b *JobBoard) Rows(now time.Time) []table.Row {
	jobs := b.Sorted()
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		id := j.ID
		if len(id) > 8 {
			id = id[:8]
		}
		state := j.State
		if j.Cancelling && !j.done() {
			state += "*"
		}
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}
		end := now
		if j.done() {
			end = j.Finished
		}
		dur := "-"
		if !j.Received.IsZero() {
			dur = formatDuration(end.Sub(j.Received))
		}
		errText := j.Error
		if len(errText) > 30 {
			errText = errText[:27] + "..."
		}
		rows = append(rows, table.Row{id, j.Name, state, exit, dur, errText})
	}
	return rows
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
