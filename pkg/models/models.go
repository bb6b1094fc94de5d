// Package models defines the persistent data model for the BUILDLOFT
// orchestrator: build projects, their append-only log trail, and the
// interactive sessions created when the agent pauses for human input.
package models

import (
	"time"

	"gorm.io/gorm"
)

// BuildStatus is the current phase of a build project's pipeline.
type BuildStatus string

const (
	StatusQueued    BuildStatus = "queued"
	StatusPlanning  BuildStatus = "planning"
	StatusBuilding  BuildStatus = "building"
	StatusTesting   BuildStatus = "testing"
	StatusDeploying BuildStatus = "deploying"
	StatusComplete  BuildStatus = "complete"
	StatusFailed    BuildStatus = "failed"
	StatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether no further phase transitions are accepted.
func (s BuildStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// ProjectType categorizes what kind of artifact a build produces.
type ProjectType string

const (
	TypeWebApp    ProjectType = "web-app"
	TypeAPI       ProjectType = "api"
	TypeCLI       ProjectType = "cli"
	TypeLibrary   ProjectType = "library"
	TypeFullStack ProjectType = "full-stack"
)

// ValidProjectType reports whether t is one of the supported project types.
func ValidProjectType(t ProjectType) bool {
	switch t {
	case TypeWebApp, TypeAPI, TypeCLI, TypeLibrary, TypeFullStack:
		return true
	}
	return false
}

// DeployTarget identifies where a finished build is published.
type DeployTarget string

const (
	TargetLocalhost DeployTarget = "localhost"
	TargetVercel    DeployTarget = "vercel"
	TargetNetlify   DeployTarget = "netlify"
	TargetRender    DeployTarget = "render"
)

// ValidDeployTarget reports whether t is one of the supported targets.
func ValidDeployTarget(t DeployTarget) bool {
	switch t {
	case TargetLocalhost, TargetVercel, TargetNetlify, TargetRender:
		return true
	}
	return false
}

// BuildProject is the unit of work driven through the pipeline. Status and
// the deploy/port fields are written only by the orchestrator; everything
// captured at creation time is immutable afterwards.
type BuildProject struct {
	ID        string         `json:"id" gorm:"primarykey;type:varchar(36)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Description    string       `json:"description" gorm:"type:text;not null"`
	ProjectType    ProjectType  `json:"project_type" gorm:"not null;type:varchar(20)"`
	Status         BuildStatus  `json:"status" gorm:"not null;type:varchar(20);default:'queued';index"`
	WorkspacePath  string       `json:"workspace_path"`
	PreferredStack string       `json:"preferred_stack,omitempty"`
	DeployTarget   DeployTarget `json:"deploy_target" gorm:"type:varchar(20);default:'localhost'"`

	// Set once when a local dev server slot is assigned.
	LocalPort int `json:"local_port,omitempty"`

	// Set when a deploy phase succeeds.
	DeployURL     string `json:"deploy_url,omitempty"`
	ProductionURL string `json:"production_url,omitempty"`

	// Last failure message; a retry never clears it, it creates a new project.
	Error string `json:"error,omitempty" gorm:"type:text"`

	// The exact prompt handed to the agent, recorded for auditability.
	BuildPrompt string `json:"build_prompt,omitempty" gorm:"type:text"`

	// Optional git publishing path.
	GitRemote string `json:"git_remote,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	GithubURL string `json:"github_url,omitempty"`
}

// BuildLogEntry is one row of a project's append-only audit trail. Entries
// are never updated or deleted.
type BuildLogEntry struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	ProjectID string    `json:"project_id" gorm:"not null;index;type:varchar(36)"`
	Phase     string    `json:"phase" gorm:"type:varchar(20)"`
	Message   string    `json:"message" gorm:"type:text"`
	CreatedAt time.Time `json:"timestamp"`
}

// SessionStatus is the lifecycle state of an interactive session.
type SessionStatus string

const (
	SessionWaiting  SessionStatus = "waiting_for_input"
	SessionAnswered SessionStatus = "answered"
	SessionClosed   SessionStatus = "closed"
)

// InteractiveSession records an agent run paused mid-execution waiting for a
// human answer. At most one session per project is in waiting_for_input at a
// time.
type InteractiveSession struct {
	ID        string    `json:"id" gorm:"primarykey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID       string        `json:"project_id" gorm:"not null;index;type:varchar(36)"`
	Status          SessionStatus `json:"status" gorm:"not null;type:varchar(20)"`
	PendingQuestion string        `json:"pending_question" gorm:"type:text"`
	PendingOptions  []string      `json:"pending_options,omitempty" gorm:"serializer:json"`

	// The human's answer, recorded when the session transitions to answered.
	Response string `json:"response,omitempty" gorm:"type:text"`
}
