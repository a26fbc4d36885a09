package endpoints

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"reelforge/internal/assets"
	"reelforge/internal/project"
)

// BatchDownloader fetches a project's remote artifacts with bounded
// concurrency.
type BatchDownloader interface {
	DownloadMany(ctx context.Context, projectID string, assetList []project.Asset, maxConcurrent int) []assets.DownloadResult
}

// DownloadFailure reports one asset that could not be fetched.
type DownloadFailure struct {
	AssetID string `json:"asset_id"`
	Error   string `json:"error"`
}

// HandleDownloadAssets returns a handler that fetches every asset carrying a
// remote URL but no local copy yet, then records the downloaded paths on the
// project.
func HandleDownloadAssets(store ProjectStore, downloads BatchDownloader, maxParallel int) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		proj, err := store.Get(id)
		if err != nil {
			respondError(c, err)
			return
		}

		var pending []project.Asset
		for _, scene := range proj.Scenes {
			for _, asset := range scene.Assets {
				if asset.RemoteURL != "" && asset.LocalPath == "" {
					pending = append(pending, asset)
				}
			}
		}
		for _, track := range proj.GlobalAudioTracks {
			if track.RemoteURL != "" && track.LocalPath == "" {
				pending = append(pending, track)
			}
		}

		results := downloads.DownloadMany(c.Request.Context(), id, pending, maxParallel)

		downloaded := 0
		failures := make([]DownloadFailure, 0)
		for _, r := range results {
			if r.Err != nil {
				failures = append(failures, DownloadFailure{AssetID: r.AssetID, Error: r.Err.Error()})
				continue
			}
			if err := store.SetAssetLocalPath(id, r.AssetID, r.LocalPath); err != nil {
				failures = append(failures, DownloadFailure{AssetID: r.AssetID, Error: err.Error()})
				continue
			}
			downloaded++
		}
		c.JSON(http.StatusOK, gin.H{
			"requested":  len(pending),
			"downloaded": downloaded,
			"failures":   failures,
		})
	}
}
