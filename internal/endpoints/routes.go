package endpoints

import (
	"github.com/gin-gonic/gin"
)

// Deps bundles everything the route table needs.
type Deps struct {
	Store                ProjectStore
	Queue                JobQueue
	Images               ImageResolver
	Pipeline             Assembler
	Usage                StorageUsage
	Downloads            BatchDownloader
	MaxParallelDownloads int
	CostWarnThreshold    float64
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, deps Deps) {
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "healthy",
				"service": "reelforge",
			})
		})

		api.GET("/platforms", HandleListPlatforms())

		projects := api.Group("/projects")
		{
			projects.POST("", HandleCreateProject(deps.Store))
			projects.GET("", HandleListProjects(deps.Store))
			projects.DELETE("", HandleClearProjects(deps.Store))
			projects.GET("/:id", HandleGetProject(deps.Store))
			projects.PATCH("/:id", HandleUpdateProject(deps.Store))
			projects.POST("/:id/current", HandleSetCurrent(deps.Store))
			projects.POST("/:id/scenes", HandleAddScene(deps.Store))
			projects.POST("/:id/audio-tracks", HandleAddAudioTrack(deps.Store))
			projects.POST("/:id/assemble", HandleAssemble(deps.Pipeline))
			projects.POST("/:id/download", HandleDownloadAssets(deps.Store, deps.Downloads, deps.MaxParallelDownloads))
			projects.GET("/:id/usage", HandleGetUsage(deps.Store, deps.Usage))
		}

		jobs := api.Group("/jobs")
		{
			jobs.POST("", HandleGenerate(deps.Queue, deps.Images, deps.CostWarnThreshold))
			jobs.GET("", HandleListJobs(deps.Queue))
			jobs.GET("/stats", HandleJobStats(deps.Queue))
			jobs.POST("/cleanup", HandleCleanupJobs(deps.Queue))
			jobs.GET("/:id", HandleGetJob(deps.Queue))
			jobs.GET("/:id/wait", HandleWaitJob(deps.Queue))
			jobs.POST("/:id/cancel", HandleCancelJob(deps.Queue))
		}
	}
}
