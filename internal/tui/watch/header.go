package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks agent health from /healthz polling.
type HealthState struct {
	Health
	Connected bool
	LastCheck time.Time
}

// pulse lights up on each event and fades over ten seconds.
type pulse struct {
	lastEvent time.Time
}

func (p *pulse) hit(at time.Time) { p.lastEvent = at }

// level is 0..5, five being an event within the last two seconds.
func (p pulse) level(now time.Time) int {
	if p.lastEvent.IsZero() {
		return 0
	}
	lvl := 5 - int(now.Sub(p.lastEvent)/(2*time.Second))
	if lvl < 0 {
		return 0
	}
	return lvl
}

func (p pulse) render(theme Theme, now time.Time) string {
	lvl := p.level(now)
	var b strings.Builder
	for i := range 5 {
		if i < lvl {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(health HealthState, p pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	title := " JOBHOST WATCH"
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  queued: %d  cancels: %d  active: %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.PendingJobs,
		health.PendingCancels,
		health.ActiveJobs,
	)

	lastEvent := "never"
	if !p.lastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(p.lastEvent).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, p.render(theme, now))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}
