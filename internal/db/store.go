package db

import (
	"errors"
	"fmt"

	"buildloft/pkg/models"

	"gorm.io/gorm"
)

// CreateProject inserts a new build project row.
func (d *Database) CreateProject(p *models.BuildProject) error {
	if err := d.DB.Create(p).Error; err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject returns the project with the given id, or (nil, nil) when the
// id is unknown. Read-only lookups never treat "not found" as an error.
func (d *Database) GetProject(id string) (*models.BuildProject, error) {
	var p models.BuildProject
	if err := d.DB.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects, most recent first.
func (d *Database) ListProjects() ([]models.BuildProject, error) {
	var projects []models.BuildProject
	if err := d.DB.Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// UpdateProjectStatus writes a new status plus any extra column patches.
// UpdatedAt is refreshed by GORM on every call.
func (d *Database) UpdateProjectStatus(id string, status models.BuildStatus, patch map[string]any) error {
	updates := map[string]any{"status": status}
	for k, v := range patch {
		updates[k] = v
	}
	res := d.DB.Model(&models.BuildProject{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update project status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update project status: project %s not found", id)
	}
	return nil
}

// AppendLog writes one immutable audit-trail entry for a project.
func (d *Database) AppendLog(projectID, phase, message string) error {
	entry := models.BuildLogEntry{
		ProjectID: projectID,
		Phase:     phase,
		Message:   message,
	}
	if err := d.DB.Create(&entry).Error; err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// Logs returns a project's audit trail in insertion order.
func (d *Database) Logs(projectID string) ([]models.BuildLogEntry, error) {
	var entries []models.BuildLogEntry
	if err := d.DB.Where("project_id = ?", projectID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	return entries, nil
}
