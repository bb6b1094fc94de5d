// Package handlers is the REST surface over the orchestrator: build
// lifecycle operations, interactive session responses, and workspace file
// browsing.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"buildloft/internal/orchestrator"
	"buildloft/internal/workspace"
)

// Handler carries the dependencies for all API handlers.
type Handler struct {
	Orchestrator *orchestrator.Orchestrator
	Workspaces   *workspace.Manager
}

func NewHandler(o *orchestrator.Orchestrator, ws *workspace.Manager) *Handler {
	return &Handler{Orchestrator: o, Workspaces: ws}
}

// StandardResponse is the envelope every endpoint returns.
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, StandardResponse{Success: true, Data: data})
}

// respondError maps the orchestrator's sentinel errors onto HTTP codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false, Error: err.Error(), Code: "VALIDATION",
		})
	case errors.Is(err, orchestrator.ErrNotFound):
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false, Error: err.Error(), Code: "NOT_FOUND",
		})
	case errors.Is(err, orchestrator.ErrInvalidState):
		c.JSON(http.StatusConflict, StandardResponse{
			Success: false, Error: err.Error(), Code: "INVALID_STATE",
		})
	default:
		c.JSON(http.StatusInternalServerError, StandardResponse{
			Success: false, Error: "internal error", Code: "INTERNAL",
		})
	}
}

// StartBuild handles POST /api/v1/builds.
func (h *Handler) StartBuild(c *gin.Context) {
	var req orchestrator.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false, Error: "invalid request body", Code: "VALIDATION",
		})
		return
	}
	project, err := h.Orchestrator.StartBuild(req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusAccepted, project)
}

// GetBuild handles GET /api/v1/builds/:id.
func (h *Handler) GetBuild(c *gin.Context) {
	project, logs, err := h.Orchestrator.GetProjectStatus(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false, Error: "project not found", Code: "NOT_FOUND",
		})
		return
	}
	respond(c, http.StatusOK, gin.H{
		"project": project,
		"logs":    logs,
		"running": h.Orchestrator.Running(project.ID),
	})
}

// ListBuilds handles GET /api/v1/builds.
func (h *Handler) ListBuilds(c *gin.Context) {
	projects, err := h.Orchestrator.ListProjects()
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, projects)
}

// CancelBuild handles POST /api/v1/builds/:id/cancel.
func (h *Handler) CancelBuild(c *gin.Context) {
	cancelled, err := h.Orchestrator.CancelBuild(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"cancelled": cancelled})
}

type retryRequest struct {
	Modifications string `json:"modifications"`
}

// RetryBuild handles POST /api/v1/builds/:id/retry.
func (h *Handler) RetryBuild(c *gin.Context) {
	var req retryRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	project, err := h.Orchestrator.RetryBuild(c.Param("id"), req.Modifications)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusAccepted, project)
}

type modifyRequest struct {
	ChangeDescription string `json:"change_description" binding:"required"`
}

// ModifyBuild handles POST /api/v1/builds/:id/modify.
func (h *Handler) ModifyBuild(c *gin.Context) {
	var req modifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false, Error: "change_description is required", Code: "VALIDATION",
		})
		return
	}
	if err := h.Orchestrator.ModifyExistingProject(c.Param("id"), req.ChangeDescription); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"status": "modification started"})
}

// GetSession handles GET /api/v1/builds/:id/session.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.Orchestrator.GetSessionByProjectID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false, Error: "no session for project", Code: "NOT_FOUND",
		})
		return
	}
	respond(c, http.StatusOK, sess)
}

type sessionResponseRequest struct {
	Response string `json:"response" binding:"required"`
}

// RespondToSession handles POST /api/v1/sessions/:id/respond.
func (h *Handler) RespondToSession(c *gin.Context) {
	var req sessionResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false, Error: "response is required", Code: "VALIDATION",
		})
		return
	}
	if err := h.Orchestrator.HandleSessionResponse(c.Param("id"), req.Response); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"status": "build resuming"})
}

// ListFiles handles GET /api/v1/builds/:id/files.
func (h *Handler) ListFiles(c *gin.Context) {
	project, _, err := h.Orchestrator.GetProjectStatus(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false, Error: "project not found", Code: "NOT_FOUND",
		})
		return
	}

	depth := 4
	if d, err := strconv.Atoi(c.Query("depth")); err == nil && d > 0 {
		depth = d
	}
	files, err := h.Workspaces.ListFiles(project.WorkspacePath, depth)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, files)
}

// ReadFile handles GET /api/v1/builds/:id/files/content?path=...
func (h *Handler) ReadFile(c *gin.Context) {
	project, _, err := h.Orchestrator.GetProjectStatus(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false, Error: "project not found", Code: "NOT_FOUND",
		})
		return
	}

	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false, Error: "path query parameter is required", Code: "VALIDATION",
		})
		return
	}
	content, err := h.Workspaces.ReadFile(project.WorkspacePath, rel)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			c.JSON(http.StatusNotFound, StandardResponse{
				Success: false, Error: "file not found", Code: "NOT_FOUND",
			})
			return
		}
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, content)
}
