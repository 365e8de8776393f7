package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Nafiz1/task-management-api/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps))

	taskHandler := handler.NewTaskHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.JWTSecret, deps.JWTIssuer, deps.Logger))
	{
		tasks := v1.Group("/tasks")
		{
			// POST /api/v1/tasks - Create a task and schedule its transition
			tasks.POST("", taskHandler.CreateTask)

			// GET /api/v1/tasks - List the caller's tasks
			tasks.GET("", taskHandler.ListTasks)

			// GET /api/v1/tasks/:task_id - Get task details
			tasks.GET("/:task_id", taskHandler.GetTask)

			// PUT /api/v1/tasks/:task_id - Update a task
			tasks.PUT("/:task_id", taskHandler.UpdateTask)

			// DELETE /api/v1/tasks/:task_id - Delete a task
			tasks.DELETE("/:task_id", taskHandler.DeleteTask)

			// GET /api/v1/tasks/:task_id/jobs - Status-transition jobs of a task
			tasks.GET("/:task_id/jobs", taskHandler.ListTaskJobs)
		}
	}

	return r
}

func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		checks := gin.H{"tasks": "ok", "jobs": "ok"}
		status := http.StatusOK

		if err := deps.Tasks.Ping(ctx); err != nil {
			deps.Logger.Warn("Task store health check failed", slog.String("error", err.Error()))
			checks["tasks"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		if err := deps.Jobs.Ping(ctx); err != nil {
			deps.Logger.Warn("Job store health check failed", slog.String("error", err.Error()))
			checks["jobs"] = "unavailable"
			status = http.StatusServiceUnavailable
		}

		health := "healthy"
		if status != http.StatusOK {
			health = "degraded"
		}

		c.JSON(status, gin.H{
			"status":  health,
			"service": "task-api-service",
			"checks":  checks,
		})
	}
}
