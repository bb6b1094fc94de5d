// Package agent invokes the external code-generation CLI against a project
// workspace and streams its output back to the pipeline. The agent is a
// black box: it is handed a prompt and a working directory, writes files,
// and either finishes, fails, or emits a structured marker asking for human
// input mid-run.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// InputMarker is the stream marker an agent emits when it needs a human
// answer before it can continue. The remainder of the line is a JSON payload
// with the question and optional enumerated choices.
const InputMarker = "@@AWAIT_INPUT@@"

// maxTailLines bounds how much output is retained for the result; the full
// stream is still forwarded live through the onOutput callback.
const maxTailLines = 500

// terminateGrace is how long a paused agent process gets to exit after
// SIGTERM before the process group is killed.
const terminateGrace = 5 * time.Second

// Result is the terminal outcome of one agent run.
type Result struct {
	Success bool
	Output  string
	Error   string

	// NeedsInput signals that the run paused on the input marker instead of
	// finishing; the interactive session manager takes over from here.
	NeedsInput bool
	Question   string
	Options    []string
}

// Runner executes one agent run against a workspace. Implementations must
// stream output as it arrives and honor context cancellation.
type Runner interface {
	Run(ctx context.Context, workspacePath, prompt string, onOutput func(line string)) (*Result, error)
}

// CLIRunner shells out to the agent binary (claude-compatible flags).
type CLIRunner struct {
	Binary string
	Model  string
}

// NewCLIRunner creates a runner for the given agent binary and model.
func NewCLIRunner(binary, model string) *CLIRunner {
	return &CLIRunner{Binary: binary, Model: model}
}

// buildCmd constructs the agent invocation. Stdin is an empty reader so the
// agent never blocks on a TTY, and CLAUDECODE* env vars are stripped so a
// nested agent behaves like a fresh one.
func (r *CLIRunner) buildCmd(ctx context.Context, workspacePath, prompt string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.Binary,
		"-p", prompt,
		"--model", r.Model,
		"--output-format", "text",
	)
	cmd.Dir = workspacePath
	cmd.Stdin = strings.NewReader("")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := make([]string, 0, len(os.Environ()))
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "CLAUDECODE") {
			continue
		}
		env = append(env, e)
	}
	cmd.Env = env
	return cmd
}

// Run executes the agent and returns when the process exits or pauses for
// input. There is no implicit timeout; builds are open-ended and callers
// cancel through ctx.
func (r *CLIRunner) Run(ctx context.Context, workspacePath, prompt string, onOutput func(string)) (*Result, error) {
	cmd := r.buildCmd(ctx, workspacePath, prompt)

	var killMu sync.Mutex
	var killTimers []*time.Timer
	stopGroup := func() {
		if timer := terminate(cmd); timer != nil {
			killMu.Lock()
			killTimers = append(killTimers, timer)
			killMu.Unlock()
		}
	}
	// Context cancellation must reach agent-spawned children (package
	// managers, dev servers), not just the agent process itself.
	cmd.Cancel = func() error {
		stopGroup()
		return nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	stream := consumeStreams(stdout, stderr, onOutput, stopGroup)
	waitErr := cmd.Wait()

	// Wait has reaped the agent; a SIGKILL firing later could hit a
	// recycled process group.
	killMu.Lock()
	for _, timer := range killTimers {
		timer.Stop()
	}
	killMu.Unlock()

	if stream.needsInput {
		return &Result{
			NeedsInput: true,
			Output:     stream.output(),
			Question:   stream.question,
			Options:    stream.options,
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		errMsg := stream.errOutput()
		if errMsg == "" {
			errMsg = waitErr.Error()
		}
		return &Result{Success: false, Output: stream.output(), Error: errMsg}, nil
	}
	return &Result{Success: true, Output: stream.output()}, nil
}

// streamState accumulates the bounded output tails and any input-marker
// payload seen while draining the agent's pipes.
type streamState struct {
	mu       sync.Mutex
	outTail  []string
	errTail  []string
	needsInput bool
	question string
	options  []string
}

func (s *streamState) output() string    { return strings.Join(s.outTail, "\n") }
func (s *streamState) errOutput() string { return strings.Join(s.errTail, "\n") }

func appendTail(tail []string, line string) []string {
	tail = append(tail, line)
	if len(tail) > maxTailLines {
		tail = tail[len(tail)-maxTailLines:]
	}
	return tail
}

// consumeStreams drains stdout and stderr concurrently, forwarding each line
// to onOutput as it arrives. When the input marker is seen, onPause is
// invoked (stopping the process) and no further stdout lines are consumed.
func consumeStreams(stdout, stderr io.Reader, onOutput func(string), onPause func()) *streamState {
	state := &streamState{}
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			if question, options, ok := ParseInputMarker(line); ok {
				state.mu.Lock()
				state.needsInput = true
				state.question = question
				state.options = options
				state.mu.Unlock()
				if onPause != nil {
					onPause()
				}
				return
			}
			state.mu.Lock()
			state.outTail = appendTail(state.outTail, line)
			state.mu.Unlock()
			if onOutput != nil {
				onOutput(line)
			}
		}
	}()

	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			state.mu.Lock()
			state.errTail = appendTail(state.errTail, line)
			state.mu.Unlock()
			if onOutput != nil {
				onOutput(line)
			}
		}
	}()

	wg.Wait()
	return state
}

// markerPayload is the JSON body following the input marker.
type markerPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// ParseInputMarker reports whether line is a waiting-for-input marker and,
// if so, returns the embedded question and options.
func ParseInputMarker(line string) (string, []string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, InputMarker) {
		return "", nil, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, InputMarker))
	var body markerPayload
	if err := json.Unmarshal([]byte(payload), &body); err != nil || body.Question == "" {
		// A malformed marker is treated as ordinary output.
		return "", nil, false
	}
	return body.Question, body.Options, true
}

// terminate stops the agent's process group: SIGTERM first, SIGKILL after a
// grace period. The returned timer lets the caller drop the pending SIGKILL
// once the group is known to have exited.
func terminate(cmd *exec.Cmd) *time.Timer {
	if cmd.Process == nil {
		return nil
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	return time.AfterFunc(terminateGrace, func() {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	})
}
