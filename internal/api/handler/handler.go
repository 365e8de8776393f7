package handler

import (
	"log/slog"

	queuestorage "github.com/Nafiz1/task-management-api/internal/queue/storage"
	taskstorage "github.com/Nafiz1/task-management-api/internal/task/storage"
	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// Scheduler schedules the status transition of a newly created task without
// blocking the request. *producer.Producer satisfies it.
type Scheduler interface {
	TaskCreated(taskID string)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Tasks     taskstorage.Store
	Jobs      queuestorage.Store
	Scheduler Scheduler
	JWTSecret string
	JWTIssuer string
}

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	logger    *slog.Logger
	tasks     taskstorage.Store
	jobs      queuestorage.Store
	scheduler Scheduler
}

// NewTaskHandler creates a new TaskHandler instance
func NewTaskHandler(deps *Dependencies) *TaskHandler {
	return &TaskHandler{
		logger:    deps.Logger,
		tasks:     deps.Tasks,
		jobs:      deps.Jobs,
		scheduler: deps.Scheduler,
	}
}

// SetUserID stores the authenticated caller on the request context
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// UserID returns the authenticated caller
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
