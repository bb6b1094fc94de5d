// Package git commits a finished workspace and pushes it to the project's
// configured remote. Pushing is best-effort: a build that deploys but fails
// to push still completes.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 2 * time.Minute

// Pusher snapshots a workspace into git history.
type Pusher struct {
	// runGit is swapped out in tests.
	runGit func(ctx context.Context, dir string, args ...string) (string, error)
}

func NewPusher() *Pusher {
	return &Pusher{runGit: runGit}
}

// PushWorkspace initializes the repo if needed, commits everything, and
// pushes to remote. It returns the HEAD commit SHA.
func (p *Pusher) PushWorkspace(ctx context.Context, workspacePath, remote, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	if _, err := p.runGit(ctx, workspacePath, "rev-parse", "--git-dir"); err != nil {
		if _, err := p.runGit(ctx, workspacePath, "init", "-b", "main"); err != nil {
			return "", fmt.Errorf("git init: %w", err)
		}
	}

	if _, err := p.runGit(ctx, workspacePath, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}

	// Nothing staged means the tree is unchanged since the last push.
	if out, err := p.runGit(ctx, workspacePath, "status", "--porcelain"); err == nil && strings.TrimSpace(out) == "" {
		return p.headSHA(ctx, workspacePath)
	}

	if _, err := p.runGit(ctx, workspacePath, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}

	if remote != "" {
		if _, err := p.runGit(ctx, workspacePath, "remote", "get-url", "origin"); err != nil {
			if _, err := p.runGit(ctx, workspacePath, "remote", "add", "origin", remote); err != nil {
				return "", fmt.Errorf("git remote add: %w", err)
			}
		}
		if _, err := p.runGit(ctx, workspacePath, "push", "-u", "origin", "HEAD"); err != nil {
			return "", fmt.Errorf("git push: %w", err)
		}
	}

	return p.headSHA(ctx, workspacePath)
}

func (p *Pusher) headSHA(ctx context.Context, dir string) (string, error) {
	out, err := p.runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}
