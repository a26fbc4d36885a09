package endpoints

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"reelforge/internal/apperr"
	"reelforge/internal/cost"
	"reelforge/internal/provider"
	"reelforge/internal/queue"
)

// JobQueue defines the queue operations the handlers need.
type JobQueue interface {
	Submit(in queue.SubmitInput) (queue.Job, error)
	Get(jobID string) (queue.Job, error)
	List(filter queue.ListFilter) []queue.Job
	Cancel(jobID string) (bool, error)
	StatsSnapshot() queue.Stats
	Wait(ctx context.Context, jobID string, pollInterval time.Duration) (queue.Job, error)
	Cleanup(olderThan time.Duration) int
}

// ImageResolver turns a local image path into a provider URL, deduplicating
// repeat uploads.
type ImageResolver interface {
	Resolve(ctx context.Context, localPath string) (url string, cached bool, err error)
}

// GenerateRequest is the body for job submission.
type GenerateRequest struct {
	ModelID   string         `json:"model_id" binding:"required"`
	ProjectID string         `json:"project_id"`
	SceneID   string         `json:"scene_id"`
	Params    map[string]any `json:"params"`
	// ImagePath is a local file to upload and pass as image_url.
	ImagePath string `json:"image_path"`
}

// GenerateResponse acknowledges a submission with its estimated cost.
type GenerateResponse struct {
	Job           queue.Job `json:"job"`
	EstimatedCost float64   `json:"estimated_cost"`
	CostWarning   string    `json:"cost_warning,omitempty"`
	ImageCached   bool      `json:"image_cached,omitempty"`
}

// HandleGenerate returns a handler that prices, uploads and enqueues a
// generation request.
func HandleGenerate(q JobQueue, images ImageResolver, costWarnThreshold float64) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperr.Validation(
				"invalid request body: "+err.Error(),
				nil,
				"send a model_id plus its parameters",
				`{"model_id": "video-A", "params": {"prompt": "sunrise", "duration": 5}}`,
			))
			return
		}

		model, err := provider.LookupModel(req.ModelID)
		if err != nil {
			respondError(c, err)
			return
		}
		if req.Params == nil {
			req.Params = make(map[string]any)
		}
		if tol, ok := req.Params["safety_tolerance"].(string); ok {
			if err := provider.ValidateSafetyTolerance(tol); err != nil {
				respondError(c, err)
				return
			}
		}

		resp := GenerateResponse{}

		if req.ImagePath != "" {
			url, cached, err := images.Resolve(c.Request.Context(), req.ImagePath)
			if err != nil {
				respondError(c, err)
				return
			}
			req.Params["image_url"] = url
			resp.ImageCached = cached
		}

		estimated, err := estimateCost(model, req.Params)
		if err != nil {
			respondError(c, err)
			return
		}
		resp.EstimatedCost = estimated
		if estimated > costWarnThreshold {
			resp.CostWarning = fmt.Sprintf(
				"estimated cost $%.3f exceeds the $%.2f warning threshold", estimated, costWarnThreshold)
			slog.Warn("costly generation submitted",
				"model", model.ID, "estimated_cost", estimated, "threshold", costWarnThreshold)
		}

		metadata := map[string]any{"cost": estimated}
		for _, key := range []string{"prompt", "duration", "motion_prompt", "aspect_ratio", "voice"} {
			if v, ok := req.Params[key]; ok {
				metadata[key] = v
			}
		}
		if req.ImagePath != "" {
			metadata["source_image"] = req.ImagePath
		}

		job, err := q.Submit(queue.SubmitInput{
			ModelID:   req.ModelID,
			ProjectID: req.ProjectID,
			SceneID:   req.SceneID,
			Params:    req.Params,
			Metadata:  metadata,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		resp.Job = job
		c.JSON(http.StatusAccepted, resp)
	}
}

// estimateCost prices a request from the model kind and its parameters.
func estimateCost(model provider.Model, params map[string]any) (float64, error) {
	switch model.Kind {
	case provider.TaskVideo:
		d, ok := asInt(params["duration"])
		if !ok {
			return 0, apperr.Validation(
				"video generation requires a duration",
				intOptions(model.ValidDurations),
				"set params.duration to a supported clip length",
				`{"params": {"duration": 5}}`,
			)
		}
		return cost.Video(model.ID, d), nil
	case provider.TaskImage:
		return cost.Image(model.ID), nil
	case provider.TaskMusic, provider.TaskAudio:
		d, _ := asInt(params["duration"])
		if d <= 0 {
			d = 30
		}
		return cost.Music(d), nil
	case provider.TaskSpeech:
		text, _ := params["text"].(string)
		if text == "" {
			return 0, apperr.Validation(
				"speech generation requires text",
				nil,
				"set params.text to the narration script",
				`{"params": {"text": "Welcome back."}}`,
			)
		}
		return cost.Speech(len(text)), nil
	default:
		return 0, nil
	}
}

// HandleGetJob returns a single job snapshot.
func HandleGetJob(q JobQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := q.Get(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// HandleListJobs lists jobs, optionally filtered by status, kind or project.
func HandleListJobs(q JobQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := queue.ListFilter{
			Status:    queue.Status(c.Query("status")),
			Kind:      provider.TaskKind(c.Query("kind")),
			ProjectID: c.Query("project_id"),
		}
		c.JSON(http.StatusOK, gin.H{"jobs": q.List(filter)})
	}
}

// HandleCancelJob cancels a job. Cancelling a finished job reports
// cancelled=false without an error.
func HandleCancelJob(q JobQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		cancelled, err := q.Cancel(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
	}
}

// HandleJobStats reports queue aggregates.
func HandleJobStats(q JobQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, q.StatsSnapshot())
	}
}

// HandleWaitJob blocks until the job finishes or the timeout elapses.
func HandleWaitJob(q JobQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		timeout := 120 * time.Second
		if v, ok := asInt(c.Query("timeout_s")); ok && v > 0 {
			timeout = time.Duration(v) * time.Second
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		job, err := q.Wait(ctx, c.Param("id"), 0)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// HandleCleanupJobs removes finished jobs older than age_hours (default 24).
func HandleCleanupJobs(q JobQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		hours := 24
		if v, ok := asInt(c.Query("age_hours")); ok && v > 0 {
			hours = v
		}
		removed := q.Cleanup(time.Duration(hours) * time.Hour)
		c.JSON(http.StatusOK, gin.H{"removed": removed, "age_hours": hours})
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil && n != "" {
			return i, true
		}
	}
	return 0, false
}

func intOptions(values []int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%d", v)
	}
	return out
}
