package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/jobhost/internal/events"
)

// Client talks to a running agent's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Second},
		stream:  &http.Client{},
	}
}

// Health mirrors the agent's /healthz body.
type Health struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	PendingJobs    int    `json:"pending_jobs"`
	PendingCancels int    `json:"pending_cancels"`
	ActiveJobs     int    `json:"active_jobs"`
}

// ActiveJob mirrors one entry of /jobs/active.
type ActiveJob struct {
	JobID     string    `json:"job_id"`
	JobName   string    `json:"job_name"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

func (c *Client) Active(ctx context.Context) ([]ActiveJob, error) {
	var body struct {
		Jobs []ActiveJob `json:"jobs"`
	}
	err := c.getJSON(ctx, "/jobs/active", &body)
	return body.Jobs, err
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Stream reads /events until the connection drops or ctx ends, sending
// each event to ch. lastID resumes after an earlier stream.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /events: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Type != "" {
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				select {
				case ch <- cur:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			cur.ID, _ = strconv.ParseInt(line[4:], 10, 64)
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[6:])
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// --- Messages ---

type eventMsg events.Event

type healthMsg Health

type activeMsg []ActiveJob

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type streamClosedMsg struct{ err error }

type reconnectMsg struct{}

// --- Commands ---

func subscribe(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		return streamClosedMsg{err: c.Stream(context.Background(), lastID, ch)}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(h)
	}
}

func fetchActive(c *Client) tea.Cmd {
	return func() tea.Msg {
		jobs, err := c.Active(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return activeMsg(jobs)
	}
}

func after(d time.Duration, cmd tea.Cmd) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return cmd() })
}
