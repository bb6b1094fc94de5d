// Package orchestrator owns the build lifecycle: it accepts project
// requests, drives the agent through the pipeline phases, and is the sole
// writer of a project's status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"buildloft/internal/agent"
	"buildloft/internal/db"
	"buildloft/internal/deploy"
	"buildloft/internal/git"
	"buildloft/internal/logging"
	"buildloft/internal/metrics"
	"buildloft/internal/progress"
	"buildloft/internal/session"
	"buildloft/internal/workspace"
	"buildloft/pkg/models"
)

// run is the in-memory bookkeeping for one active pipeline task. The
// cancelled flag marks the run whose terminal write CancelBuild owns, so
// concurrent cancels resolve to a single winner.
type run struct {
	cancel    context.CancelFunc
	cancelled bool
}

// StartRequest is the caller's description of a new build.
type StartRequest struct {
	Description    string              `json:"description"`
	ProjectType    models.ProjectType  `json:"project_type"`
	PreferredStack string              `json:"preferred_stack"`
	DeployTarget   models.DeployTarget `json:"deploy_target"`
	GitRemote      string              `json:"git_remote"`
}

// Orchestrator coordinates the store, workspace manager, event bus, agent
// runner, session manager, and deploy adapter.
type Orchestrator struct {
	store      *db.Database
	workspaces *workspace.Manager
	bus        *progress.Bus
	runner     agent.Runner
	sessions   *session.Manager
	deployer   deploy.Adapter
	pusher     *git.Pusher
	portStart  int
	log        *zap.SugaredLogger

	mu   sync.Mutex
	runs map[string]*run
}

func New(store *db.Database, workspaces *workspace.Manager, bus *progress.Bus,
	runner agent.Runner, sessions *session.Manager, deployer deploy.Adapter,
	portStart int) *Orchestrator {
	return &Orchestrator{
		store:      store,
		workspaces: workspaces,
		bus:        bus,
		runner:     runner,
		sessions:   sessions,
		deployer:   deployer,
		pusher:     git.NewPusher(),
		portStart:  portStart,
		log:        logging.S().Named("orchestrator"),
		runs:       make(map[string]*run),
	}
}

// StartBuild validates the request, creates the project row in queued,
// allocates a workspace, and schedules the pipeline. It returns as soon as
// the project exists; pipeline failures are recorded on the row, never
// returned here.
func (o *Orchestrator) StartBuild(req StartRequest) (*models.BuildProject, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("description is required: %w", ErrValidation)
	}
	if !models.ValidProjectType(req.ProjectType) {
		return nil, fmt.Errorf("unknown project type %q: %w", req.ProjectType, ErrValidation)
	}
	if req.DeployTarget == "" {
		req.DeployTarget = models.TargetLocalhost
	}
	if !models.ValidDeployTarget(req.DeployTarget) {
		return nil, fmt.Errorf("unknown deploy target %q: %w", req.DeployTarget, ErrValidation)
	}

	project := &models.BuildProject{
		ID:             uuid.New().String(),
		Description:    req.Description,
		ProjectType:    req.ProjectType,
		PreferredStack: req.PreferredStack,
		DeployTarget:   req.DeployTarget,
		GitRemote:      req.GitRemote,
		Status:         models.StatusQueued,
	}

	project.BuildPrompt = o.composeBuildPrompt(project)

	path, err := o.workspaces.Create(project.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}
	project.WorkspacePath = path

	if err := o.store.CreateProject(project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	// queued is set at creation; the log entry and event still mark the
	// transition so every status has exactly one of each.
	o.announce(project.ID, models.StatusQueued, "build queued")
	metrics.Get().BuildsStartedTotal.Inc()

	o.launch(project, project.BuildPrompt, false)
	return project, nil
}

// ModifyExistingProject re-invokes the agent against the project's existing
// workspace with a change description. Valid while the project is
// non-terminal (including parked on a question) or already complete;
// failed and cancelled projects are only revived through RetryBuild.
func (o *Orchestrator) ModifyExistingProject(projectID, changeDescription string) error {
	if strings.TrimSpace(changeDescription) == "" {
		return fmt.Errorf("change description is required: %w", ErrValidation)
	}
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if project.Status == models.StatusFailed || project.Status == models.StatusCancelled {
		return fmt.Errorf("project is %s: %w", project.Status, ErrInvalidState)
	}

	if !o.launch(project, changeDescription, true) {
		return fmt.Errorf("build is currently running: %w", ErrInvalidState)
	}
	return nil
}

// CancelBuild stops a non-terminal build. It returns false, nil when the
// project already reached a terminal state; racing a finishing pipeline is
// expected and resolves last-writer-wins.
func (o *Orchestrator) CancelBuild(projectID string) (bool, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return false, fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return false, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if project.Status.Terminal() {
		return false, nil
	}

	o.mu.Lock()
	if r, ok := o.runs[projectID]; ok {
		if r.cancelled {
			// A concurrent cancel already owns the terminal write.
			o.mu.Unlock()
			return false, nil
		}
		r.cancelled = true
		r.cancel()
	}
	o.mu.Unlock()

	if err := o.store.UpdateProjectStatus(projectID, models.StatusCancelled, nil); err != nil {
		return false, fmt.Errorf("record cancellation: %w", err)
	}
	o.announce(projectID, models.StatusCancelled, "build cancelled by user")
	if err := o.sessions.CloseForProject(projectID); err != nil {
		o.log.Warnw("closing sessions after cancel", "project", projectID, "error", err)
	}
	metrics.Get().BuildsCancelledTotal.Inc()
	return true, nil
}

// RetryBuild creates a brand-new project from a failed one, seeding its
// prompt with the original description, the failure text, and any
// caller-supplied modifications. The failed project is left untouched.
func (o *Orchestrator) RetryBuild(projectID, modifications string) (*models.BuildProject, error) {
	src, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if src == nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if src.Status != models.StatusFailed {
		return nil, fmt.Errorf("only failed builds can be retried, project is %s: %w", src.Status, ErrInvalidState)
	}

	retry := &models.BuildProject{
		ID:             uuid.New().String(),
		Description:    src.Description,
		ProjectType:    src.ProjectType,
		PreferredStack: src.PreferredStack,
		DeployTarget:   src.DeployTarget,
		GitRemote:      src.GitRemote,
		Status:         models.StatusQueued,
	}
	retry.BuildPrompt = o.composeRetryPrompt(src, modifications)

	path, err := o.workspaces.Create(retry.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}
	retry.WorkspacePath = path

	if err := o.store.CreateProject(retry); err != nil {
		return nil, fmt.Errorf("create retry project: %w", err)
	}
	o.announce(retry.ID, models.StatusQueued, fmt.Sprintf("retry of build %s", src.ID))
	metrics.Get().BuildsStartedTotal.Inc()

	o.launch(retry, retry.BuildPrompt, false)
	return retry, nil
}

// GetProjectStatus returns the project and its audit trail. An unknown id
// yields a nil project, not an error.
func (o *Orchestrator) GetProjectStatus(projectID string) (*models.BuildProject, []models.BuildLogEntry, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return nil, nil, nil
	}
	logs, err := o.store.Logs(projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load logs: %w", err)
	}
	return project, logs, nil
}

func (o *Orchestrator) ListProjects() ([]models.BuildProject, error) {
	return o.store.ListProjects()
}

// GetSessionByProjectID exposes the session manager's lookup to the HTTP
// layer.
func (o *Orchestrator) GetSessionByProjectID(projectID string) (*models.InteractiveSession, error) {
	return o.sessions.GetByProjectID(projectID)
}

// HandleSessionResponse records the user's answer and resumes the parked
// pipeline with the continuation prompt.
func (o *Orchestrator) HandleSessionResponse(sessionID, response string) error {
	if strings.TrimSpace(response) == "" {
		return fmt.Errorf("response is required: %w", ErrValidation)
	}
	sess, err := o.sessions.AddUserResponse(sessionID, response)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		case errors.Is(err, session.ErrInvalidState):
			return fmt.Errorf("session %s: %w", sessionID, ErrInvalidState)
		}
		return err
	}
	return o.ModifyExistingProject(sess.ProjectID, o.sessions.ContinuationPrompt(sess))
}

// launch atomically registers a run and starts the pipeline task. It
// reports false, without starting anything, when a run is already active
// for the project; the check and the insert share one critical section so
// two concurrent callers can never both start a pipeline.
func (o *Orchestrator) launch(project *models.BuildProject, prompt string, resuming bool) bool {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if _, active := o.runs[project.ID]; active {
		o.mu.Unlock()
		cancel()
		return false
	}
	o.runs[project.ID] = &run{cancel: cancel}
	o.mu.Unlock()
	metrics.Get().ActiveBuildsGauge.Inc()

	go o.runPipeline(ctx, project, prompt, resuming)
	return true
}

// Running reports whether a pipeline task is currently active for the
// project. Parked builds waiting on a question are not running.
func (o *Orchestrator) Running(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[projectID]
	return ok
}

// finishRun removes the bookkeeping for a pipeline that has stopped,
// whether it finished, failed, parked, or was cancelled.
func (o *Orchestrator) finishRun(projectID string) {
	o.mu.Lock()
	if _, ok := o.runs[projectID]; ok {
		delete(o.runs, projectID)
		metrics.Get().ActiveBuildsGauge.Dec()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) composeBuildPrompt(p *models.BuildProject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build a %s project.\n\n%s\n", p.ProjectType, p.Description)
	if p.PreferredStack != "" {
		fmt.Fprintf(&b, "\nPreferred stack: %s\n", p.PreferredStack)
	}
	fmt.Fprintf(&b, "\nWork entirely inside the current directory.\n")
	fmt.Fprintf(&b, "If you need a decision from the user before you can continue, print a single line:\n")
	fmt.Fprintf(&b, "%s {\"question\": \"...\", \"options\": [\"...\"]}\nand stop.\n", agent.InputMarker)
	return b.String()
}

func (o *Orchestrator) composeRetryPrompt(src *models.BuildProject, modifications string) string {
	var b strings.Builder
	b.WriteString(o.composeBuildPrompt(src))
	fmt.Fprintf(&b, "\nA previous attempt at this project failed with:\n%s\n", src.Error)
	if strings.TrimSpace(modifications) != "" {
		fmt.Fprintf(&b, "\nApply these changes relative to the original request:\n%s\n", modifications)
	}
	b.WriteString("\nAvoid repeating the failure.\n")
	return b.String()
}

// announce appends the audit log entry and publishes the progress event for
// a status the store already holds.
func (o *Orchestrator) announce(projectID string, status models.BuildStatus, message string) {
	if err := o.store.AppendLog(projectID, string(status), message); err != nil {
		o.log.Warnw("append log", "project", projectID, "phase", status, "error", err)
	}
	o.bus.Publish(progress.Event{
		ProjectID: projectID,
		Kind:      progress.KindPhase,
		Phase:     string(status),
		Message:   message,
	})
}
