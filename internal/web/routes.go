package web

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, rps float64, burst int) {
	// Health endpoint, no rate limit.
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.Use(RateLimiter(rps, burst))
	api.Use(RequireJSONContentType())
	{
		api.POST("/servers", h.CreateServer)
		api.GET("/servers", h.ListServers)
		api.GET("/servers/:id", h.GetServer)
		api.DELETE("/servers/:id", h.DeleteServer)

		api.POST("/accounts", h.CreateAccount)
		api.GET("/accounts", h.ListAccounts)
		api.GET("/accounts/:id", h.GetAccount)

		api.POST("/jobs", h.CreateJob)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)
		api.DELETE("/jobs/:id", h.DeleteJob)
		api.POST("/jobs/:id/start", h.StartJob)
		api.POST("/jobs/:id/cancel", h.CancelJob)
		api.GET("/jobs/:id/logs", h.GetJobLogs)

		api.GET("/worker/status", h.WorkerStatus)
		api.POST("/worker/pause", h.PauseWorker)
		api.POST("/worker/resume", h.ResumeWorker)
	}
}
