package agent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestParseInputMarker(t *testing.T) {
	question, options, ok := ParseInputMarker(`@@AWAIT_INPUT@@ {"question":"Which database?","options":["postgres","sqlite"]}`)
	if !ok {
		t.Fatal("expected marker to parse")
	}
	if question != "Which database?" {
		t.Fatalf("question = %q", question)
	}
	if len(options) != 2 || options[0] != "postgres" || options[1] != "sqlite" {
		t.Fatalf("options = %v", options)
	}
}

func TestParseInputMarkerNoOptions(t *testing.T) {
	question, options, ok := ParseInputMarker(`  @@AWAIT_INPUT@@ {"question":"Project name?"}  `)
	if !ok {
		t.Fatal("expected marker to parse")
	}
	if question != "Project name?" {
		t.Fatalf("question = %q", question)
	}
	if options != nil {
		t.Fatalf("options = %v, want nil", options)
	}
}

func TestParseInputMarkerRejectsNonMarkers(t *testing.T) {
	lines := []string{
		"writing src/index.ts",
		`{"question":"no prefix"}`,
		`@@AWAIT_INPUT@@ not json`,
		`@@AWAIT_INPUT@@ {"options":["a"]}`, // missing question
		"",
	}
	for _, line := range lines {
		if _, _, ok := ParseInputMarker(line); ok {
			t.Fatalf("line %q should not parse as a marker", line)
		}
	}
}

func TestConsumeStreamsForwardsLines(t *testing.T) {
	stdout := strings.NewReader("one\ntwo\nthree\n")
	stderr := strings.NewReader("warn: slow\n")

	var mu sync.Mutex
	var seen []string
	state := consumeStreams(stdout, stderr, func(line string) {
		mu.Lock()
		seen = append(seen, line)
		mu.Unlock()
	}, nil)

	if state.needsInput {
		t.Fatal("no marker in stream, needsInput should be false")
	}
	if got := state.output(); got != "one\ntwo\nthree" {
		t.Fatalf("output = %q", got)
	}
	if got := state.errOutput(); got != "warn: slow" {
		t.Fatalf("errOutput = %q", got)
	}
	if len(seen) != 4 {
		t.Fatalf("forwarded %d lines, want 4", len(seen))
	}
}

func TestConsumeStreamsPausesOnMarker(t *testing.T) {
	stdout := strings.NewReader(
		"scaffolding project\n" +
			`@@AWAIT_INPUT@@ {"question":"Deploy target?","options":["vercel","netlify"]}` + "\n" +
			"this line is after the pause\n")
	stderr := strings.NewReader("")

	paused := false
	state := consumeStreams(stdout, stderr, nil, func() { paused = true })

	if !paused {
		t.Fatal("onPause was not invoked")
	}
	if !state.needsInput {
		t.Fatal("needsInput should be set")
	}
	if state.question != "Deploy target?" {
		t.Fatalf("question = %q", state.question)
	}
	if len(state.options) != 2 {
		t.Fatalf("options = %v", state.options)
	}
	if strings.Contains(state.output(), "after the pause") {
		t.Fatalf("output read past the marker: %q", state.output())
	}
}

func TestRunCancelKillsProcessGroup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are POSIX-only")
	}

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	script := filepath.Join(dir, "agent.sh")
	body := "#!/bin/sh\nsleep 300 &\necho $! > \"$CHILD_PID_FILE\"\nwait\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	t.Setenv("CHILD_PID_FILE", pidFile)

	runner := NewCLIRunner(script, "sonnet")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, dir, "noop", nil)
		done <- err
	}()

	childPID := waitForPIDFile(t, pidFile)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// The grandchild sleep must die with the group, not just the agent.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(childPID, 0) != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("child process %d survived cancellation", childPID)
}

func waitForPIDFile(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				return pid
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("agent never wrote the child pid")
	return 0
}

func TestTerminateBeforeStartIsNoop(t *testing.T) {
	cmd := exec.Command("true")
	if timer := terminate(cmd); timer != nil {
		t.Fatal("terminate with no process should return nil")
	}
}

func TestConsumeStreamsBoundsTail(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxTailLines+50; i++ {
		b.WriteString("line\n")
	}
	state := consumeStreams(strings.NewReader(b.String()), strings.NewReader(""), nil, nil)
	if n := len(state.outTail); n != maxTailLines {
		t.Fatalf("tail holds %d lines, want %d", n, maxTailLines)
	}
}
