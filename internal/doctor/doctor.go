// Package doctor validates jobhost agent configuration before start.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mattjoyce/jobhost/internal/auth"
	"github.com/mattjoyce/jobhost/internal/config"
	"github.com/mattjoyce/jobhost/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host it runs on.
type Doctor struct {
	cfg *config.Config

	lookPath   func(string) (string, error)
	checkLocal func(p storage.Placement, path string) error
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		checkLocal: storage.Placement.CheckLocal,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorkerBinary(r)
	d.validateWorkDir(r)
	d.validateEnvFile(r)
	d.validateTimeouts(r)
	d.validateState(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateWorkerBinary checks the worker program resolves to an executable.
func (d *Doctor) validateWorkerBinary(r *Result) {
	bin := d.cfg.Agent.WorkerBinary
	if bin == "" {
		d.addError(r, "agent", "agent.worker_binary", "agent.worker_binary is required")
		return
	}

	if filepath.Base(bin) == bin {
		if _, err := d.lookPath(bin); err != nil {
			d.addError(r, "agent", "agent.worker_binary",
				fmt.Sprintf("worker binary %q not found in PATH", bin))
		}
		return
	}

	info, err := os.Stat(bin)
	if err != nil {
		d.addError(r, "agent", "agent.worker_binary",
			fmt.Sprintf("worker binary %q: %v", bin, err))
		return
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		d.addError(r, "agent", "agent.worker_binary",
			fmt.Sprintf("worker binary %q is not executable", bin))
	}
}

// validateWorkDir checks the job work root can hold per-job directories.
func (d *Doctor) validateWorkDir(r *Result) {
	dir := d.cfg.Agent.WorkDir
	if dir == "" {
		d.addError(r, "agent", "agent.work_dir", "agent.work_dir is required")
		return
	}
	if err := d.checkLocal(storage.AgentLock, dir); err != nil {
		d.addWarning(r, "agent", "agent.work_dir", err.Error())
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		d.addWarning(r, "agent", "agent.work_dir",
			fmt.Sprintf("work directory %q does not exist yet; it will be created at start", dir))
		return
	}
	if err != nil {
		d.addError(r, "agent", "agent.work_dir", fmt.Sprintf("work directory %q: %v", dir, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "agent", "agent.work_dir", fmt.Sprintf("work directory %q is not a directory", dir))
		return
	}

	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		d.addError(r, "agent", "agent.work_dir", fmt.Sprintf("work directory %q is not writable: %v", dir, err))
		return
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
}

func (d *Doctor) validateEnvFile(r *Result) {
	path := d.cfg.Agent.EnvFile
	if path == "" {
		return
	}
	env, err := godotenv.Read(path)
	if err != nil {
		d.addError(r, "env", "agent.env_file", fmt.Sprintf("env file %q is unreadable: %v", path, err))
		return
	}
	if len(env) == 0 {
		d.addWarning(r, "env", "agent.env_file", fmt.Sprintf("env file %q defines no variables", path))
	}
	for k := range d.cfg.Agent.Env {
		if _, dup := env[k]; dup {
			d.addWarning(r, "env", "agent.env."+k,
				fmt.Sprintf("%s is set in both agent.env and the env file; agent.env wins", k))
		}
	}
}

// validateTimeouts checks the dispatch timeouts make sense together.
func (d *Doctor) validateTimeouts(r *Result) {
	t := d.cfg.Dispatch

	if t.GracePeriod > t.MinCancelTimeout {
		d.addWarning(r, "timeouts", "dispatch.grace_period",
			fmt.Sprintf("grace_period (%s) exceeds min_cancel_timeout (%s)", t.GracePeriod, t.MinCancelTimeout))
	}
	if t.CancelKillMargin >= t.MinCancelTimeout {
		d.addError(r, "timeouts", "dispatch.cancel_kill_margin",
			fmt.Sprintf("cancel_kill_margin (%s) must be shorter than min_cancel_timeout (%s)", t.CancelKillMargin, t.MinCancelTimeout))
	}
	if t.JobTimeout > 0 && t.HandshakeTimeout >= t.JobTimeout {
		d.addError(r, "timeouts", "dispatch.job_timeout",
			fmt.Sprintf("job_timeout (%s) leaves no time after handshake_timeout (%s)", t.JobTimeout, t.HandshakeTimeout))
	}
	if t.ChannelTimeout > t.GracePeriod {
		d.addWarning(r, "timeouts", "dispatch.channel_timeout",
			fmt.Sprintf("channel_timeout (%s) is longer than grace_period (%s); a stuck cancel send can outlast the grace period", t.ChannelTimeout, t.GracePeriod))
	}
	if d.cfg.Listener.MaxBackoff < d.cfg.Listener.PollInterval {
		d.addWarning(r, "timeouts", "listener.max_backoff",
			"max_backoff is shorter than poll_interval; failed polls will not back off")
	}
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	if err := d.checkLocal(storage.StateDatabase, d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
	if d.cfg.State.HistoryRetention <= 0 {
		d.addWarning(r, "state", "state.history_retention", "history is never pruned")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no api_key or tokens configured")
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		switch {
		case token.Token == "":
			d.addWarning(r, "env_vars", field, "token value is empty (possibly unresolved environment variable)")
		case strings.Contains(token.Token, "${"):
			d.addWarning(r, "env_vars", field, "token value contains an unresolved environment variable")
		}
	}
}

// validateTokenScopes rejects scopes the API does not understand.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if len(token.Scopes) == 0 {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
				"token has no scopes and can only reach /healthz")
		}
		for j, scope := range token.Scopes {
			if !auth.IsKnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeIssues(&b, "ERROR", r.Errors)
	writeIssues(&b, "WARN ", r.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, label string, issues []Issue) {
	for _, is := range issues {
		if is.Field != "" {
			fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		} else {
			fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
		}
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
