// Package inspect renders what the agent knows about one job.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/history"
)

const outputTailLines = 20

// HistoryReader is the read side of the history store.
type HistoryReader interface {
	Get(ctx context.Context, jobID uuid.UUID) (*history.Record, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	history.Record
	Duration      string   `json:"duration,omitempty"`
	WorkspacePath string   `json:"workspace_path"`
	Artifacts     []string `json:"artifacts"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, h HistoryReader, workDir, jobID string) (string, error) {
	report, err := gatherReportData(ctx, h, workDir, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Name        : %s\n", renderUnset(report.JobName, "<unnamed>"))
	if report.PlanID != nil {
		fmt.Fprintf(&out, "Plan ID     : %s\n", report.PlanID)
	}
	fmt.Fprintf(&out, "Payload     : %s\n", renderUnset(report.PayloadHash, "<unknown>"))
	fmt.Fprintf(&out, "State       : %s\n", report.State)
	fmt.Fprintf(&out, "Result      : %s\n", deref(report.Result, "<pending>"))
	if report.ExitCode != nil {
		fmt.Fprintf(&out, "Exit code   : %d\n", *report.ExitCode)
	}
	if report.WorkerPID != nil {
		fmt.Fprintf(&out, "Worker PID  : %d\n", *report.WorkerPID)
	}
	fmt.Fprintf(&out, "Received    : %s\n", report.ReceivedAt.Format(time.RFC3339))
	if report.StartedAt != nil {
		fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	}
	if report.FinishedAt != nil {
		fmt.Fprintf(&out, "Finished    : %s\n", report.FinishedAt.Format(time.RFC3339))
	}
	if report.Duration != "" {
		fmt.Fprintf(&out, "Duration    : %s\n", report.Duration)
	}
	if report.Error != nil {
		fmt.Fprintf(&out, "Error       : %s\n", *report.Error)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "workspace   : %s\n", report.WorkspacePath)
	if len(report.Artifacts) == 0 {
		fmt.Fprintf(&out, "artifacts   : <none>\n")
	} else {
		fmt.Fprintf(&out, "artifacts   :\n")
		for _, artifact := range report.Artifacts {
			fmt.Fprintf(&out, "  - %s\n", artifact)
		}
	}

	if report.Output != nil && strings.TrimSpace(*report.Output) != "" {
		fmt.Fprintf(&out, "\nworker output (last %d lines):\n", outputTailLines)
		for _, line := range tail(*report.Output, outputTailLines) {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable job report.
func BuildJSONReport(ctx context.Context, h HistoryReader, workDir, jobID string) (string, error) {
	report, err := gatherReportData(ctx, h, workDir, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, h HistoryReader, workDir, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	id, err := uuid.Parse(strings.TrimSpace(jobID))
	if err != nil {
		return nil, fmt.Errorf("invalid job_id %q: %w", jobID, err)
	}

	rec, err := h.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Record:        *rec,
		WorkspacePath: filepath.Join(workDir, id.String()),
		Artifacts:     []string{},
	}
	if rec.StartedAt != nil && rec.FinishedAt != nil {
		report.Duration = rec.FinishedAt.Sub(*rec.StartedAt).Round(time.Millisecond).String()
	}

	artifacts, err := listArtifacts(report.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	if artifacts != nil {
		report.Artifacts = artifacts
	}
	return report, nil
}

func listArtifacts(workspaceDir string) ([]string, error) {
	if _, err := os.Stat(workspaceDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(workspaceDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == workspaceDir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func tail(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func deref(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return renderUnset(*s, fallback)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
