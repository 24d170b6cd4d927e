package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/exports"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/tasks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const exportDescription = "Exporting posts"

type taskPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Progress    int       `json:"progress"`
	Complete    bool      `json:"complete"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *httpHandler) handleExport(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := exports.CheckEligible(user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email_required"})
		return
	}
	task, err := h.tasks.Launch(c.Request.Context(), user.ID, exports.JobName, exportDescription, exports.Args{UserID: user.ID})
	if err != nil {
		if errors.Is(err, tasks.ErrTaskInProgress) {
			h.respondError(c, http.StatusConflict, "task_in_progress", err)
			return
		}
		h.logger.Error("failed to launch export", zap.Int64("user_id", user.ID), zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "export_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, newTaskPayload(task, task.Progress))
}

func (h *httpHandler) handleListTasks(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	running, err := h.tasks.ListInProgress(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Int64("user_id", user.ID), zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "list_tasks_failed", err)
		return
	}
	payload := make([]taskPayload, 0, len(running))
	for _, task := range running {
		progress, err := h.tasks.Progress(c.Request.Context(), task)
		if err != nil {
			h.logger.Warn("task progress unavailable", zap.String("task_id", task.ID), zap.Error(err))
			progress = task.Progress
		}
		payload = append(payload, newTaskPayload(task, progress))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": payload})
}

func newTaskPayload(task tasks.Task, progress int) taskPayload {
	return taskPayload{
		ID:          task.ID,
		Name:        task.Name,
		Description: task.Description,
		State:       task.State,
		Progress:    progress,
		Complete:    task.Complete,
		CreatedAt:   task.CreatedAt.UTC(),
	}
}
