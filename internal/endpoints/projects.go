package endpoints

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"reelforge/internal/apperr"
	"reelforge/internal/platform"
	"reelforge/internal/project"
)

// ProjectStore defines the project operations the handlers need.
type ProjectStore interface {
	Create(in project.CreateInput) (*project.Project, error)
	Get(projectID string) (*project.Project, error)
	Current() (*project.Project, error)
	SetCurrent(projectID string) error
	List() []*project.Project
	Update(projectID string, in project.UpdateInput) (*project.Project, error)
	AddScene(projectID, description string, durationS int, position *int) (*project.Scene, error)
	AddGlobalAudioTrack(projectID string, asset project.Asset) error
	SetAssetLocalPath(projectID, assetID, localPath string) error
	ClearAll()
}

// StorageUsage reports disk consumption for a project.
type StorageUsage interface {
	Usage(projectID string) (int64, error)
}

// CreateProjectRequest is the body for project creation.
type CreateProjectRequest struct {
	Title           string `json:"title" binding:"required"`
	Platform        string `json:"platform" binding:"required"`
	AspectRatio     string `json:"aspect_ratio"`
	TargetDurationS int    `json:"target_duration_s"`
	Script          string `json:"script"`
}

// HandleCreateProject returns a handler that creates a project and makes it
// current.
func HandleCreateProject(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperr.Validation(
				"invalid request body: "+err.Error(),
				nil,
				"send title and platform as JSON",
				`{"title": "Spring teaser", "platform": "tiktok"}`,
			))
			return
		}
		proj, err := store.Create(project.CreateInput{
			Title:           req.Title,
			Platform:        req.Platform,
			AspectRatio:     req.AspectRatio,
			TargetDurationS: req.TargetDurationS,
			Script:          req.Script,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, proj)
	}
}

// HandleListProjects returns a handler that lists projects, newest first.
func HandleListProjects(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"projects": store.List()})
	}
}

// HandleGetProject returns a handler for a single project. The id "current"
// resolves to the active project.
func HandleGetProject(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var (
			proj *project.Project
			err  error
		)
		if id == "current" {
			proj, err = store.Current()
		} else {
			proj, err = store.Get(id)
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, proj)
	}
}

// HandleSetCurrent returns a handler that switches the active project.
func HandleSetCurrent(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.SetCurrent(c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"current": c.Param("id")})
	}
}

// UpdateProjectRequest carries partial project updates.
type UpdateProjectRequest struct {
	Title  *string `json:"title"`
	Script *string `json:"script"`
	Status *string `json:"status"`
	Reopen bool    `json:"reopen"`
}

// HandleUpdateProject returns a handler for partial updates.
func HandleUpdateProject(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperr.Validation(
				"invalid request body: "+err.Error(),
				nil,
				"send only the fields to change",
				`{"status": "in_progress"}`,
			))
			return
		}
		in := project.UpdateInput{Title: req.Title, Script: req.Script, Reopen: req.Reopen}
		if req.Status != nil {
			s := project.Status(*req.Status)
			in.Status = &s
		}
		proj, err := store.Update(c.Param("id"), in)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, proj)
	}
}

// AddSceneRequest is the body for scene insertion.
type AddSceneRequest struct {
	Description string `json:"description"`
	DurationS   int    `json:"duration_s" binding:"required"`
	Position    *int   `json:"position"`
}

// HandleAddScene returns a handler that appends or inserts a scene.
func HandleAddScene(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AddSceneRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperr.Validation(
				"invalid request body: "+err.Error(),
				nil,
				"send the scene duration in seconds",
				`{"description": "opening shot", "duration_s": 5}`,
			))
			return
		}
		scene, err := store.AddScene(c.Param("id"), req.Description, req.DurationS, req.Position)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, scene)
	}
}

// HandleGetUsage returns a handler reporting a project's disk footprint.
func HandleGetUsage(store ProjectStore, usage StorageUsage) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, err := store.Get(id); err != nil {
			respondError(c, err)
			return
		}
		bytes, err := usage.Usage(id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"project_id": id,
			"bytes":      bytes,
			"megabytes":  float64(bytes) / (1024 * 1024),
		})
	}
}

// HandleClearProjects returns a handler that drops every project. Downloaded
// artifacts stay on disk.
func HandleClearProjects(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		store.ClearAll()
		c.JSON(http.StatusOK, gin.H{"cleared": true})
	}
}

// HandleListPlatforms returns the platform registry with recommendations.
func HandleListPlatforms() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"platforms": platform.All()})
	}
}
