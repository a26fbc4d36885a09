// Package hooks turns completed generation jobs into project assets: it
// downloads the produced artifact and attaches it to the right scene or to
// the project's global audio tracks.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/apperr"
	"reelforge/internal/assets"
	"reelforge/internal/project"
	"reelforge/internal/provider"
	"reelforge/internal/queue"
)

// Hooks wires job completion into the project store and asset storage.
type Hooks struct {
	store   *project.Store
	storage *assets.Storage
}

// New builds the hook set.
func New(store *project.Store, storage *assets.Storage) *Hooks {
	return &Hooks{store: store, storage: storage}
}

// RegisterAll installs one hook per task kind. Call before the queue accepts
// work.
func (h *Hooks) RegisterAll(q *queue.Queue) {
	q.RegisterHook(provider.TaskVideo, h.sceneAsset(project.KindVideo))
	q.RegisterHook(provider.TaskImage, h.sceneAsset(project.KindImage))
	q.RegisterHook(provider.TaskMusic, h.globalTrack(project.KindMusic))
	q.RegisterHook(provider.TaskSpeech, h.globalTrack(project.KindSpeech))
	q.RegisterHook(provider.TaskAudio, h.globalTrack(project.KindAudio))
}

// sceneAsset attaches the artifact to the scene the job was submitted for.
func (h *Hooks) sceneAsset(kind project.AssetKind) queue.Hook {
	return func(ctx context.Context, job queue.Job) error {
		if job.ProjectID == "" || job.SceneID == "" {
			return apperr.InvalidOperation(fmt.Sprintf("job %s carries no scene reference", job.ID))
		}
		if job.ResultURL == "" {
			return apperr.InvalidOperation(fmt.Sprintf("job %s completed without a result URL", job.ID))
		}

		// Verify the target still exists before spending the download.
		proj, err := h.store.Get(job.ProjectID)
		if err != nil {
			return err
		}
		if _, ok := proj.Scene(job.SceneID); !ok {
			return apperr.NotFound("scene", job.SceneID)
		}

		asset := h.buildAsset(kind, job)
		localPath, err := h.storage.Download(ctx, job.ProjectID, asset)
		if err != nil {
			return err
		}
		asset.LocalPath = localPath

		if err := h.store.AttachSceneAsset(job.ProjectID, job.SceneID, asset); err != nil {
			return err
		}
		slog.Info("scene asset attached",
			"project_id", job.ProjectID, "scene_id", job.SceneID,
			"asset_id", asset.ID, "kind", kind)
		return nil
	}
}

// globalTrack adds the artifact to the project's global audio tracks.
func (h *Hooks) globalTrack(kind project.AssetKind) queue.Hook {
	return func(ctx context.Context, job queue.Job) error {
		if job.ProjectID == "" {
			return apperr.InvalidOperation(fmt.Sprintf("job %s carries no project reference", job.ID))
		}
		if job.ResultURL == "" {
			return apperr.InvalidOperation(fmt.Sprintf("job %s completed without a result URL", job.ID))
		}

		asset := h.buildAsset(kind, job)
		if kind == project.KindSpeech {
			if ms, ok := provider.ExtractSpeechDurationMS(job.ResultPayload); ok {
				if asset.Metadata == nil {
					asset.Metadata = make(map[string]any)
				}
				asset.Metadata["duration"] = float64(ms) / 1000.0
			}
		}

		localPath, err := h.storage.Download(ctx, job.ProjectID, asset)
		if err != nil {
			return err
		}
		asset.LocalPath = localPath

		if err := h.store.AddGlobalAudioTrack(job.ProjectID, asset); err != nil {
			return err
		}
		slog.Info("global audio track added",
			"project_id", job.ProjectID, "asset_id", asset.ID, "kind", kind)
		return nil
	}
}

// buildAsset assembles the asset record from the job's result and metadata.
func (h *Hooks) buildAsset(kind project.AssetKind, job queue.Job) project.Asset {
	asset := project.Asset{
		ID:               uuid.New().String(),
		Kind:             kind,
		Source:           project.SourceGenerated,
		RemoteURL:        job.ResultURL,
		GenerationParams: job.Params,
		Metadata: map[string]any{
			"model":  job.ModelID,
			"job_id": job.ID,
		},
		CreatedAt: time.Now(),
	}
	if cost, ok := job.Metadata["cost"].(float64); ok {
		asset.Cost = cost
	}
	for _, key := range []string{"duration", "source_image", "motion_prompt", "aspect_ratio", "prompt", "voice"} {
		if v, ok := job.Metadata[key]; ok {
			asset.Metadata[key] = v
		}
	}
	return asset
}
