package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/jobhost/internal/events"
)

const eventLogLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= eventLogLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch e.Type {
	case events.JobCompleted:
		style = theme.StatusOK
	case events.JobRejected, events.JobCancelMissed, events.JobKillRequested:
		style = theme.StatusFailed
	case events.JobReceived, events.JobState:
		style = theme.StatusRunning
	case events.AgentStarted, events.AgentStopping, events.JobCancelRequested:
		style = theme.Highlight
	default:
		style = theme.Dim
	}

	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-22s", e.Type)),
		describeEvent(e),
	)
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if jobID, ok := data["job_id"].(string); ok {
		if len(jobID) > 8 {
			jobID = jobID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", jobID))
	}
	if name, ok := data["job_name"].(string); ok && name != "" {
		parts = append(parts, name)
	}
	if from, ok := data["from"].(string); ok {
		to, _ := data["to"].(string)
		parts = append(parts, from+" → "+to)
	}
	if state, ok := data["state"].(string); ok {
		parts = append(parts, state)
	}
	if code, ok := data["exit_code"].(float64); ok {
		parts = append(parts, fmt.Sprintf("exit=%d", int(code)))
	}
	if reason, ok := data["reason"].(string); ok && reason != "" {
		parts = append(parts, reason)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
