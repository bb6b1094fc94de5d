package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"buildloft/internal/agent"
	"buildloft/internal/metrics"
	"buildloft/internal/progress"
	"buildloft/pkg/models"
)

// portProbeAttempts bounds the search for a free local dev port.
const portProbeAttempts = 50

// phaseClock feeds the per-phase duration histogram.
type phaseClock struct {
	phase models.BuildStatus
	start time.Time
}

func (c *phaseClock) advance(next models.BuildStatus) {
	if c.phase != "" {
		metrics.Get().PhaseDuration.WithLabelValues(string(c.phase)).
			Observe(time.Since(c.start).Seconds())
	}
	c.phase = next
	c.start = time.Now()
}

// runPipeline drives one project through its phases. It is the sole writer
// of the project's status while it runs; failures are recorded on the row
// and never returned. A context cancelled by CancelBuild stops the pipeline
// silently since the cancel path already wrote the terminal state.
func (o *Orchestrator) runPipeline(ctx context.Context, project *models.BuildProject, prompt string, resuming bool) {
	defer o.finishRun(project.ID)
	clock := &phaseClock{}

	if !resuming {
		if !o.enterPhase(ctx, clock, project.ID, models.StatusPlanning, "composing build plan") {
			return
		}
	}

	buildMsg := "invoking agent"
	if resuming {
		buildMsg = "resuming agent with user guidance"
	}
	if !o.enterPhase(ctx, clock, project.ID, models.StatusBuilding, buildMsg) {
		return
	}
	res, err := o.runner.Run(ctx, project.WorkspacePath, prompt, o.outputSink(project.ID, models.StatusBuilding))
	if !o.handleAgentResult(ctx, project.ID, models.StatusBuilding, res, err) {
		return
	}

	if !o.enterPhase(ctx, clock, project.ID, models.StatusTesting, "verifying the build") {
		return
	}
	testRes, err := o.runner.Run(ctx, project.WorkspacePath, o.composeTestPrompt(project),
		o.outputSink(project.ID, models.StatusTesting))
	if !o.handleAgentResult(ctx, project.ID, models.StatusTesting, testRes, err) {
		return
	}

	patch := map[string]any{}
	if project.DeployTarget == models.TargetLocalhost {
		port, err := o.workspaces.FindFreePort(o.portStart, portProbeAttempts)
		if err != nil {
			o.fail(ctx, project.ID, models.StatusTesting, fmt.Sprintf("io failure: assign local port: %v", err))
			return
		}
		patch["local_port"] = port
	} else {
		if !o.enterPhase(ctx, clock, project.ID, models.StatusDeploying, "deploying to "+string(project.DeployTarget)) {
			return
		}
		dres, err := o.deployer.Deploy(ctx, project.WorkspacePath, project.DeployTarget)
		if err != nil {
			metrics.Get().DeploysTotal.WithLabelValues(string(project.DeployTarget), "failure").Inc()
			o.fail(ctx, project.ID, models.StatusDeploying, fmt.Sprintf("deploy failure: %v", err))
			return
		}
		metrics.Get().DeploysTotal.WithLabelValues(string(project.DeployTarget), "success").Inc()
		patch["deploy_url"] = dres.URL
		patch["production_url"] = dres.URL
	}

	if project.GitRemote != "" {
		sha, err := o.pusher.PushWorkspace(ctx, project.WorkspacePath, project.GitRemote,
			"build: "+firstLine(project.Description))
		if err != nil {
			// Publishing is best-effort; the build still completes.
			o.log.Warnw("git push", "project", project.ID, "error", err)
			o.announceMessage(project.ID, models.StatusTesting, "git push failed: "+err.Error())
		} else {
			patch["commit_sha"] = sha
			if strings.Contains(project.GitRemote, "github.com") {
				patch["github_url"] = httpsRemoteURL(project.GitRemote)
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := o.store.UpdateProjectStatus(project.ID, models.StatusComplete, patch); err != nil {
		o.fail(ctx, project.ID, models.StatusComplete, fmt.Sprintf("io failure: record completion: %v", err))
		return
	}
	clock.advance(models.StatusComplete)
	o.announce(project.ID, models.StatusComplete, "build complete")
	if err := o.sessions.CloseForProject(project.ID); err != nil {
		o.log.Warnw("close sessions", "project", project.ID, "error", err)
	}
	metrics.Get().BuildsCompletedTotal.Inc()
}

// enterPhase persists the status, appends the log entry, and publishes the
// event, in that order. Returns false when the run is already cancelled.
func (o *Orchestrator) enterPhase(ctx context.Context, clock *phaseClock, projectID string, status models.BuildStatus, message string) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := o.store.UpdateProjectStatus(projectID, status, nil); err != nil {
		o.fail(ctx, projectID, status, fmt.Sprintf("io failure: persist %s phase: %v", status, err))
		return false
	}
	clock.advance(status)
	o.announce(projectID, status, message)
	return true
}

// handleAgentResult folds the three agent outcomes into the pipeline:
// continue (true), park on a question, or fail.
func (o *Orchestrator) handleAgentResult(ctx context.Context, projectID string, phase models.BuildStatus, res *agent.Result, err error) bool {
	if err != nil {
		if ctx.Err() == nil {
			o.fail(ctx, projectID, phase, fmt.Sprintf("agent failure: %v", err))
		}
		return false
	}
	if res.NeedsInput {
		o.parkForInput(projectID, phase, res)
		return false
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "agent exited without producing a result"
		}
		o.fail(ctx, projectID, phase, "agent failure: "+msg)
		return false
	}
	return true
}

// parkForInput opens an interactive session and leaves the project in its
// current phase. The pipeline resumes through HandleSessionResponse.
func (o *Orchestrator) parkForInput(projectID string, phase models.BuildStatus, res *agent.Result) {
	if _, err := o.sessions.Create(projectID, res.Question, res.Options); err != nil {
		o.fail(context.Background(), projectID, phase, fmt.Sprintf("io failure: record question: %v", err))
		return
	}
	metrics.Get().InputRequestsTotal.Inc()
	o.announceMessage(projectID, phase, "agent is waiting for input: "+res.Question)
}

// fail records the error on the project and emits the failed transition.
// Skipped when the context is already cancelled; the cancel path owns the
// terminal write in that race. The event is published even when the status
// write itself fails, so a build never vanishes silently.
func (o *Orchestrator) fail(ctx context.Context, projectID string, phase models.BuildStatus, message string) {
	if ctx.Err() != nil {
		return
	}
	if err := o.store.UpdateProjectStatus(projectID, models.StatusFailed, map[string]any{"error": message}); err != nil {
		o.log.Errorw("record failure", "project", projectID, "error", err)
	}
	o.announce(projectID, models.StatusFailed, fmt.Sprintf("%s phase failed: %s", phase, message))
	if err := o.sessions.CloseForProject(projectID); err != nil {
		o.log.Warnw("close sessions", "project", projectID, "error", err)
	}
	metrics.Get().BuildsFailedTotal.Inc()
}

// outputSink turns agent output lines into audit entries and live events.
func (o *Orchestrator) outputSink(projectID string, phase models.BuildStatus) func(string) {
	return func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		o.announceMessage(projectID, phase, line)
	}
}

func (o *Orchestrator) announceMessage(projectID string, phase models.BuildStatus, message string) {
	if err := o.store.AppendLog(projectID, string(phase), message); err != nil {
		o.log.Warnw("append log", "project", projectID, "error", err)
	}
	o.bus.Publish(progress.Event{
		ProjectID: projectID,
		Kind:      progress.KindMessage,
		Phase:     string(phase),
		Message:   message,
	})
}

func (o *Orchestrator) composeTestPrompt(p *models.BuildProject) string {
	var b strings.Builder
	b.WriteString("Verify the project in the current directory: run its test suite and fix any failures you find.\n")
	b.WriteString("If the project has no tests yet, add a minimal smoke test and make it pass.\n")
	fmt.Fprintf(&b, "If you need a decision from the user, print a single line:\n%s {\"question\": \"...\"}\nand stop.\n", agent.InputMarker)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 72 {
		s = s[:72]
	}
	return s
}

// httpsRemoteURL maps a git remote to a browsable URL.
func httpsRemoteURL(remote string) string {
	url := remote
	if strings.HasPrefix(url, "git@github.com:") {
		url = "https://github.com/" + strings.TrimPrefix(url, "git@github.com:")
	}
	return strings.TrimSuffix(url, ".git")
}
