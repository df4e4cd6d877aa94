package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/lock"
	"github.com/mattjoyce/jobhost/internal/storage"
	"github.com/mattjoyce/jobhost/internal/tui/watch"
)

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Config  string        `json:"config"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report := statusReport{Healthy: true, Config: cfg.SourcePath}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}
	add("config", true, "loaded")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		add("database", false, err.Error())
	} else {
		defer db.Close()
		add("database", true, cfg.State.Path)
		depth, err := inbox.New(db).Depth(ctx)
		if err != nil {
			add("inbox", false, err.Error())
		} else {
			add("inbox", true, fmt.Sprintf("pending jobs=%d cancels=%d", depth[inbox.KindJob], depth[inbox.KindCancel]))
		}
	}

	add("agent", true, agentLockStatus(lock.PathFor(cfg.Agent.WorkDir)))

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("Config: %s\n", report.Config)
		for _, c := range report.Checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Printf("  %-9s %-4s %s\n", c.Name, mark, c.Detail)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

// agentLockStatus reports whether an agent holds the lock at path. A free lock
// is taken and released straight away.
func agentLockStatus(path string) string {
	l, err := lock.Acquire(path)
	if err == nil {
		_ = l.Release()
		return "not running"
	}
	var held *lock.HeldError
	if errors.As(err, &held) {
		if held.PID > 0 {
			return fmt.Sprintf("running (pid %d)", held.PID)
		}
		return "running"
	}
	return fmt.Sprintf("unknown (%v)", err)
}

func runWatch(args []string) int {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Agent API URL")
	apiKey := fs.String("api-key", "", "Bearer token (or JOBHOST_API_KEY)")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "system watch needs an interactive terminal")
		return 1
	}

	token := *apiKey
	if token == "" {
		token = os.Getenv("JOBHOST_API_KEY")
	}

	p := tea.NewProgram(watch.New(strings.TrimRight(*apiURL, "/"), token), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
		return 1
	}
	return 0
}
