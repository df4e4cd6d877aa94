package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/jobhost/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)

	// Root aliases.
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: jobhost version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("jobhost %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`jobhost - process-isolated job agent

Usage:
  jobhost <noun> <action> [flags]

Core Resources (Nouns):
  system    Agent lifecycle and health
  config    Configuration validation and tokens
  job       Job submission, cancellation and history

System Commands:
  system start       Start the agent in the foreground
  system status      Show config, database and lock state
  system watch       Real-time job monitoring TUI

Config Commands:
  config check       Validate configuration against this host
  config show        Print the resolved configuration
  config token       Mint a scoped API token
  config get <path>  Read one value (e.g. dispatch.grace_period)
  config set <p>=<v> Change one value; rolled back if the result is invalid
  config hash        Print or verify the config file's BLAKE3 hash

Job Commands:
  job submit <file>  Queue a job request (JSON or JSONC)
  job cancel <id>    Queue a cancel request
  job inspect <id>   Show a job's history and work directory
  job list           Show recent jobs

General:
  version            Show version information
  help               Show this help message

Use 'jobhost <noun> help' for action-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

type action struct {
	run  func([]string) int
	help func()
}

func runNoun(noun string, args []string, actions map[string]action, nounHelp func(*os.File)) int {
	if len(args) < 1 {
		nounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		nounHelp(os.Stdout)
		return 0
	}

	a, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	if hasHelpFlag(args[1:]) {
		a.help()
		return 0
	}
	return a.run(args[1:])
}

func runSystemNoun(args []string) int {
	return runNoun("system", args, map[string]action{
		"start":  {runStart, printSystemStartHelp},
		"status": {runSystemStatus, printSystemStatusHelp},
		"watch":  {runWatch, printSystemWatchHelp},
	}, printSystemNounHelp)
}

func runConfigNoun(args []string) int {
	return runNoun("config", args, map[string]action{
		"check": {runConfigCheck, printConfigCheckHelp},
		"show":  {runConfigShow, printConfigShowHelp},
		"token": {runConfigToken, printConfigTokenHelp},
		"get":   {runConfigGet, printConfigGetHelp},
		"set":   {runConfigSet, printConfigSetHelp},
		"hash":  {runConfigHash, printConfigHashHelp},
	}, printConfigNounHelp)
}

func runJobNoun(args []string) int {
	return runNoun("job", args, map[string]action{
		"submit":  {runJobSubmit, printJobSubmitHelp},
		"cancel":  {runJobCancel, printJobCancelHelp},
		"inspect": {runJobInspect, printJobInspectHelp},
		"list":    {runJobList, printJobListHelp},
	}, printJobNounHelp)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// configFlag registers the shared --config flag.
func configFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("config", "c", "", "Path to config file or directory (default: discovered)")
}

// loadConfig loads path, or the discovered config when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

var errUsage = errors.New("usage")

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return errUsage
	}
	return nil
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: jobhost system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: jobhost config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, token, get, set, hash")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: jobhost job <action> [flags]")
	fmt.Fprintln(w, "Actions: submit, cancel, inspect, list")
}

func printSystemStartHelp() {
	fmt.Println("Usage: jobhost system start [--config PATH]")
	fmt.Println("Start the agent in the foreground. SIGTERM cancels running jobs as an")
	fmt.Println("operating system shutdown, SIGINT as an agent shutdown.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: jobhost system status [--config PATH] [--json]")
	fmt.Println("Show config, database readiness, inbox depth and agent lock state.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: jobhost system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time job monitoring TUI.")
	fmt.Println("Shows agent health, active and recent jobs, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Agent API URL (default: http://127.0.0.1:8080)")
	fmt.Println("  --api-key KEY    Bearer token with jobs:ro and events:ro (or JOBHOST_API_KEY)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Scroll jobs")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: jobhost config check [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Validate configuration and check it against this host.")
	fmt.Println("--strict treats warnings as failures.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: jobhost config show [--config PATH] [--json] [--reveal]")
	fmt.Println("Print the resolved configuration. Tokens are masked unless --reveal is given.")
}

func printConfigTokenHelp() {
	fmt.Println("Usage: jobhost config token [--scopes a,b] [--token VALUE]")
	fmt.Println("Mint a bearer token and print an api.auth.tokens entry for it.")
	fmt.Println("Without --scopes an interactive picker is shown.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: jobhost config get <path> [--config PATH]")
	fmt.Println("Print the value at a dot-notation path, e.g. agent.max_concurrent_jobs.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: jobhost config set <path>=<value> [--config PATH]")
	fmt.Println("Write one value into the config file. Missing keys are created.")
	fmt.Println("The file is restored if the edited config fails to load.")
}

func printConfigHashHelp() {
	fmt.Println("Usage: jobhost config hash [--verify HASH] [--config PATH]")
	fmt.Println("Print the config file's hash, the same fingerprint the agent logs at start.")
}

func printJobSubmitHelp() {
	fmt.Println("Usage: jobhost job submit <file|-> [--config PATH]")
	fmt.Println("Queue a job request read from a JSON or JSONC file. A missing jobId is generated.")
}

func printJobCancelHelp() {
	fmt.Println("Usage: jobhost job cancel <job_id> [--timeout DURATION] [--config PATH]")
	fmt.Println("Queue a cancel request for a job.")
}

func printJobInspectHelp() {
	fmt.Println("Usage: jobhost job inspect <job_id> [--config PATH] [--json]")
	fmt.Println("Show a job's history row, work directory artifacts and output tail.")
}

func printJobListHelp() {
	fmt.Println("Usage: jobhost job list [--limit N] [--config PATH] [--json]")
	fmt.Println("Show recent jobs, newest first.")
}
