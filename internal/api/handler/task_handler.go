package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Nafiz1/task-management-api/internal/api/dto"
	queuedomain "github.com/Nafiz1/task-management-api/internal/queue/domain"
	taskdomain "github.com/Nafiz1/task-management-api/internal/task/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateTask handles POST /api/v1/tasks
// Persists the task, then schedules its status transition in the background
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	now := time.Now().UTC()
	task := &taskdomain.Task{
		TaskID:      uuid.NewString(),
		UserID:      UserID(c),
		Title:       req.Title,
		Description: req.Description,
		Status:      taskdomain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.tasks.Create(c.Request.Context(), task); err != nil {
		h.respondError(c, err, "Failed to create task")
		return
	}

	// the response never waits on, or fails because of, the enqueue
	h.scheduler.TaskCreated(task.TaskID)

	h.logger.Info("Task created",
		slog.String("task_id", task.TaskID),
		slog.String("user_id", task.UserID),
	)

	c.JSON(http.StatusCreated, toTaskDTO(task))
}

// GetTask handles GET /api/v1/tasks/:task_id
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, ok := h.loadOwnedTask(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, toTaskDTO(task))
}

// ListTasks handles GET /api/v1/tasks
// Lists the caller's tasks, newest first, with cursor pagination
func (h *TaskHandler) ListTasks(c *gin.Context) {
	var req dto.ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !taskdomain.ValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	req.PageSize = clampPageSize(req.PageSize)

	cursor, err := DecodeTaskCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	tasks, err := h.tasks.List(c.Request.Context(), taskdomain.Filter{
		UserID:   UserID(c),
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list tasks")
		return
	}

	hasMore := len(tasks) > req.PageSize
	if hasMore {
		tasks = tasks[:req.PageSize]
	}

	resp := dto.ListTasksResponse{Tasks: make([]dto.TaskDTO, len(tasks))}
	for i := range tasks {
		resp.Tasks[i] = toTaskDTO(&tasks[i])
	}
	if hasMore {
		resp.NextCursor = EncodeTaskCursor(&tasks[len(tasks)-1])
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateTask handles PUT /api/v1/tasks/:task_id
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	var req dto.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	update := taskdomain.Update{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
	}
	if update.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Nothing to update",
		})
		return
	}
	if update.Status != nil && !taskdomain.ValidStatus(*update.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	task, ok := h.loadOwnedTask(c)
	if !ok {
		return
	}

	updated, err := h.tasks.Update(c.Request.Context(), task.TaskID, update)
	if err != nil {
		h.respondError(c, err, "Failed to update task")
		return
	}

	c.JSON(http.StatusOK, toTaskDTO(updated))
}

// DeleteTask handles DELETE /api/v1/tasks/:task_id
// Pending jobs for the task stay queued; the worker treats the missing task as done
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	task, ok := h.loadOwnedTask(c)
	if !ok {
		return
	}

	if err := h.tasks.Delete(c.Request.Context(), task.TaskID); err != nil {
		h.respondError(c, err, "Failed to delete task")
		return
	}

	h.logger.Info("Task deleted",
		slog.String("task_id", task.TaskID),
	)

	c.JSON(http.StatusOK, gin.H{
		"message": "Task deleted successfully",
	})
}

// ListTaskJobs handles GET /api/v1/tasks/:task_id/jobs
// Read-only view of the status-transition jobs of one task
func (h *TaskHandler) ListTaskJobs(c *gin.Context) {
	task, ok := h.loadOwnedTask(c)
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	req.PageSize = clampPageSize(req.PageSize)

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobs.List(c.Request.Context(), queuedomain.Filter{
		TaskID:   task.TaskID,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list jobs")
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if hasMore {
		resp.NextCursor = EncodeJobCursor(&jobs[len(jobs)-1])
	}

	c.JSON(http.StatusOK, resp)
}

// loadOwnedTask fetches the task named in the path. Tasks of other users are
// reported as not found.
func (h *TaskHandler) loadOwnedTask(c *gin.Context) (*taskdomain.Task, bool) {
	taskID := c.Param("task_id")
	if _, err := uuid.Parse(taskID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "task_id must be a valid UUID",
		})
		return nil, false
	}

	task, err := h.tasks.Get(c.Request.Context(), taskID)
	if err == nil && task.UserID != UserID(c) {
		err = taskdomain.ErrTaskNotFound
	}
	if err != nil {
		h.respondError(c, err, "Failed to get task")
		return nil, false
	}

	return task, true
}

func (h *TaskHandler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, taskdomain.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Task not found",
		})
	case errors.Is(err, taskdomain.ErrStoreUnavailable), errors.Is(err, queuedomain.ErrStoreUnavailable):
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": msg,
		})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}

func clampPageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func toTaskDTO(task *taskdomain.Task) dto.TaskDTO {
	return dto.TaskDTO{
		ID:          task.TaskID,
		UserID:      task.UserID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
		CreatedAt:   task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   task.UpdatedAt.Format(time.RFC3339),
	}
}

func toJobDTO(job *queuedomain.Job) dto.JobDTO {
	d := dto.JobDTO{
		ID:           job.JobID,
		TaskID:       job.TaskID,
		TargetStatus: job.TargetStatus,
		State:        string(job.State),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		LastError:    job.LastError,
		EnqueuedAt:   job.EnqueuedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
	if job.FinishedAt != nil {
		d.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return d
}
