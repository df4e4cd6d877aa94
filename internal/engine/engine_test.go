//go:build unix

package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jobhost/internal/protocol"
)

func scriptTask(name, script string) protocol.TaskInstance {
	return protocol.TaskInstance{
		InstanceID: uuid.New(),
		Name:       name,
		Enabled:    true,
		Inputs:     protocol.Variables{{Name: ScriptInput, Value: script}},
	}
}

func newJob(tasks ...protocol.TaskInstance) *protocol.JobRequestMessage {
	return &protocol.JobRequestMessage{JobID: uuid.New(), JobName: "test", Tasks: tasks}
}

func TestShellRunsTasksInOrder(t *testing.T) {
	dir := t.TempDir()
	disabled := scriptTask("skipped", "echo skipped >> out")
	disabled.Enabled = false

	s := &Shell{Dir: dir}
	res := s.Run(context.Background(), newJob(
		scriptTask("one", "echo one >> out"),
		disabled,
		protocol.TaskInstance{Name: "empty", Enabled: true},
		scriptTask("two", "echo two >> out"),
	))

	assert.Equal(t, protocol.Succeeded, res)
	b, err := os.ReadFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))
}

func TestShellNoTasksSucceeds(t *testing.T) {
	s := &Shell{Dir: t.TempDir()}
	assert.Equal(t, protocol.Succeeded, s.Run(context.Background(), newJob()))
}

func TestShellStopsAtFailedTask(t *testing.T) {
	dir := t.TempDir()
	s := &Shell{Dir: dir}
	res := s.Run(context.Background(), newJob(
		scriptTask("fail", "exit 3"),
		scriptTask("after", "touch marker"),
	))

	assert.Equal(t, protocol.Failed, res)
	assert.NoFileExists(t, filepath.Join(dir, "marker"))
}

func TestShellMissingShellFails(t *testing.T) {
	s := &Shell{Path: filepath.Join(t.TempDir(), "nosh"), Dir: t.TempDir()}
	assert.Equal(t, protocol.Failed, s.Run(context.Background(), newJob(scriptTask("x", "true"))))
}

func TestShellEnvironment(t *testing.T) {
	var out bytes.Buffer
	job := newJob(protocol.TaskInstance{
		Name:    "greet",
		Enabled: true,
		Inputs: protocol.Variables{
			{Name: ScriptInput, Value: `printf '%s|%s|%s' "$GREETING" "$INPUT_TARGET_NAME" "$JOBHOST_TASK_NAME"`},
			{Name: "target-name", Value: "world"},
		},
	})
	job.Environment = protocol.Variables{{Name: "GREETING", Value: "hello"}}

	s := &Shell{Dir: t.TempDir(), Stdout: &out}
	require.Equal(t, protocol.Succeeded, s.Run(context.Background(), job))
	assert.Equal(t, "hello|world|greet", out.String())
}

func TestShellCancellation(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{name: "terminates on SIGTERM", script: "sleep 30"},
		{name: "killed when SIGTERM is ignored", script: "trap '' TERM; sleep 30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(100*time.Millisecond, cancel)

			s := &Shell{Dir: t.TempDir(), KillDelay: 300 * time.Millisecond}
			start := time.Now()
			res := s.Run(ctx, newJob(scriptTask("sleep", tt.script), scriptTask("after", "touch marker")))

			assert.Equal(t, protocol.Canceled, res)
			assert.Less(t, time.Since(start), 10*time.Second)
		})
	}
}

func TestShellCancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &Shell{Dir: dir}
	assert.Equal(t, protocol.Canceled, s.Run(ctx, newJob(scriptTask("x", "touch marker"))))
	assert.NoFileExists(t, filepath.Join(dir, "marker"))
}

func TestEnvName(t *testing.T) {
	tests := map[string]string{
		"target":      "TARGET",
		"target-name": "TARGET_NAME",
		"a.b c":       "A_B_C",
		"V2":          "V2",
	}
	for in, want := range tests {
		assert.Equal(t, want, envName(in), in)
	}
}
