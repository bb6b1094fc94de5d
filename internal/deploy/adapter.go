// Package deploy publishes a finished workspace to a hosting provider by
// shelling out to the provider's CLI. Localhost "deploys" never reach this
// package; the orchestrator serves those from the workspace directly.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"buildloft/pkg/models"
)

// deployTimeout bounds a single provider CLI run.
const deployTimeout = 10 * time.Minute

// urlPattern extracts the first https URL a provider CLI prints. Vercel and
// Netlify both put the live URL on its own line; Render echoes the service
// URL at the end of the deploy log.
var urlPattern = regexp.MustCompile(`https://[^\s"']+`)

// Config carries the provider credentials read at startup.
type Config struct {
	VercelToken  string
	NetlifyToken string
	RenderToken  string
}

// Result is the outcome of one deployment.
type Result struct {
	URL    string
	Output string
}

// Adapter deploys a workspace to a target provider.
type Adapter interface {
	Deploy(ctx context.Context, workspacePath string, target models.DeployTarget) (*Result, error)
}

// CLIAdapter runs the vercel/netlify/render CLIs against the workspace.
type CLIAdapter struct {
	cfg Config

	// runCommand is swapped out in tests.
	runCommand func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error)
}

func NewCLIAdapter(cfg Config) *CLIAdapter {
	return &CLIAdapter{cfg: cfg, runCommand: runCLI}
}

// Deploy runs the provider CLI for the given target and returns the live
// URL parsed from its output.
func (a *CLIAdapter) Deploy(ctx context.Context, workspacePath string, target models.DeployTarget) (*Result, error) {
	name, args, env, err := a.command(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, deployTimeout)
	defer cancel()

	output, err := a.runCommand(ctx, workspacePath, env, name, args...)
	if err != nil {
		return nil, fmt.Errorf("%s deploy: %w: %s", target, err, lastLine(output))
	}

	url := urlPattern.FindString(output)
	if url == "" {
		return nil, fmt.Errorf("%s deploy: no deployment URL in CLI output", target)
	}
	return &Result{URL: url, Output: output}, nil
}

func (a *CLIAdapter) command(target models.DeployTarget) (string, []string, []string, error) {
	switch target {
	case models.TargetVercel:
		if a.cfg.VercelToken == "" {
			return "", nil, nil, fmt.Errorf("vercel deploy: VERCEL_TOKEN is not configured")
		}
		return "vercel", []string{"deploy", "--prod", "--yes", "--token", a.cfg.VercelToken}, nil, nil
	case models.TargetNetlify:
		if a.cfg.NetlifyToken == "" {
			return "", nil, nil, fmt.Errorf("netlify deploy: NETLIFY_TOKEN is not configured")
		}
		return "netlify", []string{"deploy", "--prod", "--dir", ".", "--auth", a.cfg.NetlifyToken}, nil, nil
	case models.TargetRender:
		if a.cfg.RenderToken == "" {
			return "", nil, nil, fmt.Errorf("render deploy: RENDER_TOKEN is not configured")
		}
		// The render CLI reads its credential from the environment.
		return "render", []string{"deploys", "create", "--output", "text", "--confirm"},
			[]string{"RENDER_API_KEY=" + a.cfg.RenderToken}, nil
	default:
		return "", nil, nil, fmt.Errorf("unsupported deploy target %q", target)
	}
}

func runCLI(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
