package endpoints

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"reelforge/internal/apperr"
	"reelforge/internal/assembly"
	"reelforge/internal/project"
)

// Assembler renders a project into its deliverable.
type Assembler interface {
	Assemble(ctx context.Context, projectID string, opts assembly.Options) (assembly.Result, error)
}

// AssembleRequest tunes one render.
type AssembleRequest struct {
	AddLogo       bool   `json:"add_logo"`
	LogoPosition  string `json:"logo_position"`
	LogoPaddingPx int    `json:"logo_padding_px"`
	AddEndClip    bool   `json:"add_end_clip"`
	Force         bool   `json:"force"`
}

// HandleAssemble returns a handler that renders the project synchronously.
func HandleAssemble(pipeline Assembler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AssembleRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, apperr.Validation(
					"invalid request body: "+err.Error(),
					assembly.LogoPositions,
					"options are add_logo, logo_position, logo_padding_px, add_end_clip and force",
					`{"add_logo": true, "logo_position": "br", "logo_padding_px": 10}`,
				))
				return
			}
		}
		result, err := pipeline.Assemble(c.Request.Context(), c.Param("id"), assembly.Options{
			AddLogo:       req.AddLogo,
			LogoPosition:  req.LogoPosition,
			LogoPaddingPx: req.LogoPaddingPx,
			AddEndClip:    req.AddEndClip,
			Force:         req.Force,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// AddAudioTrackRequest registers an existing local audio file as a global
// track.
type AddAudioTrackRequest struct {
	LocalPath string  `json:"local_path" binding:"required"`
	Kind      string  `json:"kind" binding:"required"`
	Volume    float64 `json:"volume"`
	Role      string  `json:"role"`
}

// HandleAddAudioTrack returns a handler that attaches a local audio file to
// the project mix. Volume must sit in [0.0, 2.0]; zero means the role
// default.
func HandleAddAudioTrack(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AddAudioTrackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperr.Validation(
				"invalid request body: "+err.Error(),
				nil,
				"send the audio file path and its kind",
				`{"local_path": "./music/bed.mp3", "kind": "music", "volume": 0.3}`,
			))
			return
		}
		kind := project.AssetKind(req.Kind)
		if kind != project.KindAudio && kind != project.KindMusic && kind != project.KindSpeech {
			respondError(c, apperr.Validation(
				"kind must be an audio kind",
				[]string{string(project.KindAudio), string(project.KindMusic), string(project.KindSpeech)},
				"pick the audio kind matching the track's role",
				`{"kind": "music"}`,
			))
			return
		}
		if req.Volume < 0 || req.Volume > 2 {
			respondError(c, apperr.Validation(
				"volume must be between 0.0 and 2.0",
				nil,
				"0 keeps the role default; 1.0 is unity gain",
				`{"volume": 0.3}`,
			))
			return
		}

		asset := project.Asset{
			ID:        uuid.New().String(),
			Kind:      kind,
			Source:    project.SourceUploaded,
			LocalPath: req.LocalPath,
			Metadata:  map[string]any{},
			CreatedAt: time.Now(),
		}
		if req.Volume > 0 {
			asset.Metadata["volume"] = req.Volume
		}
		if req.Role != "" {
			asset.Metadata["role"] = req.Role
		}

		if err := store.AddGlobalAudioTrack(c.Param("id"), asset); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, asset)
	}
}
