package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/jobhost/internal/config"
	"github.com/mattjoyce/jobhost/internal/doctor"
	"github.com/mattjoyce/jobhost/internal/tui/tokenmgr"
)

const maskedSecret = "********"

func runConfigCheck(args []string) int {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	configPath := configFlag(fs)
	format := fs.String("format", "human", "Output format: human or json")
	strict := fs.Bool("strict", false, "Treat warnings as failures")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}
	if *format != "human" && *format != "json" {
		fmt.Fprintf(os.Stderr, "Unknown format %q (want human or json)\n", *format)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		if *format == "json" {
			out, _ := json.MarshalIndent(map[string]any{
				"valid":  false,
				"errors": []map[string]string{{"category": "config", "message": err.Error()}},
			}, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *format == "json" {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		if fingerprint, err := cfg.Fingerprint(); err == nil {
			fmt.Printf("Config: %s (%s)\n", cfg.SourcePath, fingerprint)
		}
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	reveal := fs.Bool("reveal", false, "Show API keys and tokens")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !*reveal {
		maskSecrets(cfg)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	if !*jsonOut {
		fmt.Printf("# %s\n%s", cfg.SourcePath, data)
		return 0
	}

	// Round-trip through YAML so JSON keys and durations match the file.
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func maskSecrets(cfg *config.Config) {
	if cfg.API.Auth.APIKey != "" {
		cfg.API.Auth.APIKey = maskedSecret
	}
	for i := range cfg.API.Auth.Tokens {
		if cfg.API.Auth.Tokens[i].Token != "" {
			cfg.API.Auth.Tokens[i].Token = maskedSecret
		}
	}
	for k := range cfg.Agent.Env {
		cfg.Agent.Env[k] = maskedSecret
	}
}

func runConfigToken(args []string) int {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	scopes := fs.StringSlice("scopes", nil, "Comma-separated scopes (skips the picker)")
	token := fs.String("token", "", "Use this token value instead of generating one")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}

	selected := *scopes
	if len(selected) == 0 {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "No --scopes given and stdin is not a terminal")
			return 1
		}
		final, err := tea.NewProgram(tokenmgr.NewPicker()).Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Picker error: %v\n", err)
			return 1
		}
		switch picker := final.(type) {
		case tokenmgr.Picker:
			selected = picker.Scopes()
		case *tokenmgr.Picker:
			selected = picker.Scopes()
		}
		if selected == nil {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return 1
		}
	}
	if len(selected) == 0 {
		fmt.Fprintln(os.Stderr, "At least one scope is required")
		return 1
	}

	value := *token
	if value == "" {
		var err error
		value, err = tokenmgr.NewToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
			return 1
		}
	}

	snippet, err := tokenmgr.Snippet(value, selected)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid token request: %v\n", err)
		return 1
	}
	fmt.Print(snippet)
	return 0
}

func runConfigGet(args []string) int {
	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	configPath := configFlag(fs)
	if err := parseFlags(fs, args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jobhost config get <path> [--config PATH]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	val, err := cfg.GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch v := val.(type) {
	case map[string]any, []any:
		out, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render value: %v\n", err)
			return 1
		}
		fmt.Print(string(out))
	default:
		fmt.Println(v)
	}
	return 0
}

func runConfigSet(args []string) int {
	fs := pflag.NewFlagSet("set", pflag.ContinueOnError)
	configPath := configFlag(fs)
	if err := parseFlags(fs, args); err != nil {
		return 1
	}

	var path, value string
	switch fs.NArg() {
	case 1:
		var ok bool
		path, value, ok = strings.Cut(fs.Arg(0), "=")
		if !ok {
			fmt.Fprintln(os.Stderr, "Usage: jobhost config set <path>=<value> [--config PATH]")
			return 1
		}
	case 2:
		path, value = fs.Arg(0), fs.Arg(1)
	default:
		fmt.Fprintln(os.Stderr, "Usage: jobhost config set <path>=<value> [--config PATH]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.SetPath(path, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Set %s = %s in %s\n", path, value, cfg.SourcePath)
	return 0
}

func runConfigHash(args []string) int {
	fs := pflag.NewFlagSet("hash", pflag.ContinueOnError)
	configPath := configFlag(fs)
	verify := fs.String("verify", "", "Fail unless the config file has this hash")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *verify != "" {
		if err := config.VerifyFileHash(cfg.SourcePath, strings.TrimPrefix(*verify, "blake3:")); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("OK")
		return 0
	}

	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash config: %v\n", err)
		return 1
	}
	fmt.Println(fingerprint)
	return 0
}
