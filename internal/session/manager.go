// Package session tracks interactive question/answer exchanges between a
// paused build agent and the user. At most one session per project is
// waiting at a time; answering it produces the continuation prompt the
// pipeline feeds back into the agent.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"buildloft/pkg/models"
)

// ErrInvalidState is returned when a session is answered or closed from a
// status that does not allow the transition.
var ErrInvalidState = fmt.Errorf("session is not waiting for input")

// Manager persists interactive sessions.
type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// Create opens a new waiting session for a project. Any earlier session
// still waiting on the same project is closed first so the project never
// has two open questions.
func (m *Manager) Create(projectID, question string, options []string) (*models.InteractiveSession, error) {
	if err := m.db.Model(&models.InteractiveSession{}).
		Where("project_id = ? AND status = ?", projectID, models.SessionWaiting).
		Update("status", models.SessionClosed).Error; err != nil {
		return nil, fmt.Errorf("close stale sessions: %w", err)
	}

	sess := &models.InteractiveSession{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		Status:          models.SessionWaiting,
		PendingQuestion: question,
		PendingOptions:  options,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := m.db.Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetByProjectID returns the project's active session, waiting or answered,
// or nil when there is none. Closed sessions are history, not lookups.
func (m *Manager) GetByProjectID(projectID string) (*models.InteractiveSession, error) {
	var sess models.InteractiveSession
	err := m.db.Where("project_id = ? AND status IN ?", projectID,
		[]models.SessionStatus{models.SessionWaiting, models.SessionAnswered}).
		Order("created_at DESC").
		First(&sess).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// AddUserResponse records the user's answer on a waiting session and moves
// it to answered. Responding to a session in any other status is an
// ErrInvalidState.
func (m *Manager) AddUserResponse(sessionID, response string) (*models.InteractiveSession, error) {
	var sess models.InteractiveSession
	err := m.db.First(&sess, "id = ?", sessionID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("session %s: %w", sessionID, gorm.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != models.SessionWaiting {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrInvalidState)
	}

	sess.Status = models.SessionAnswered
	sess.Response = response
	sess.UpdatedAt = time.Now()
	if err := m.db.Save(&sess).Error; err != nil {
		return nil, fmt.Errorf("save response: %w", err)
	}
	return &sess, nil
}

// ContinuationPrompt builds the prompt that resumes a paused agent run,
// restating the question it asked and the answer the user gave.
func (m *Manager) ContinuationPrompt(sess *models.InteractiveSession) string {
	var b strings.Builder
	b.WriteString("You previously paused the build and asked:\n\n")
	b.WriteString(sess.PendingQuestion)
	if len(sess.PendingOptions) > 0 {
		b.WriteString("\n\nOptions offered: ")
		b.WriteString(strings.Join(sess.PendingOptions, ", "))
	}
	b.WriteString("\n\nThe user answered:\n\n")
	b.WriteString(sess.Response)
	b.WriteString("\n\nContinue the build using this answer. Do not ask the same question again.")
	return b.String()
}

// CloseForProject closes any waiting session on a project. Used when a
// build is cancelled while parked on a question.
func (m *Manager) CloseForProject(projectID string) error {
	err := m.db.Model(&models.InteractiveSession{}).
		Where("project_id = ? AND status = ?", projectID, models.SessionWaiting).
		Update("status", models.SessionClosed).Error
	if err != nil {
		return fmt.Errorf("close sessions: %w", err)
	}
	return nil
}
