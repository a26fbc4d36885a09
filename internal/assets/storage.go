// Package assets downloads produced artifacts into the project-scoped
// directory layout and writes a JSON sidecar next to each file.
package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"golang.org/x/sync/semaphore"

	"reelforge/internal/apperr"
	"reelforge/internal/project"
)

const (
	// DefaultMaxConcurrent bounds a batch download; MaxConcurrentCap is the
	// hard ceiling whatever the caller asks for.
	DefaultMaxConcurrent = 5
	MaxConcurrentCap     = 10
)

// Sidecar is the metadata written next to every downloaded artifact.
type Sidecar struct {
	AssetID      string    `json:"asset_id"`
	URL          string    `json:"url"`
	LocalPath    string    `json:"local_path"`
	Kind         string    `json:"kind"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Storage owns the on-disk asset layout under the storage root.
type Storage struct {
	root       string
	httpClient *http.Client
}

// NewStorage creates the storage root and its shared subdirectories.
func NewStorage(root string, downloadTimeout time.Duration) (*Storage, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, "temp"),
		filepath.Join(root, "assets", "logos"),
		filepath.Join(root, "projects"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.System(fmt.Sprintf("cannot create %s", dir), err)
		}
	}
	return &Storage{
		root:       root,
		httpClient: &http.Client{Timeout: downloadTimeout},
	}, nil
}

// Root returns the storage root directory.
func (s *Storage) Root() string { return s.root }

// ProjectDir returns (and creates) a project's directory.
func (s *Storage) ProjectDir(projectID string) (string, error) {
	dir := filepath.Join(s.root, "projects", projectID)
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o755); err != nil {
		return "", apperr.System(fmt.Sprintf("cannot create project dir for %s", projectID), err)
	}
	return dir, nil
}

// LogoPath returns the overlay logo candidate locations for a project, most
// specific first.
func (s *Storage) LogoPath(projectID string) []string {
	return []string{
		filepath.Join(s.root, "projects", projectID, "assets", "h2a.png"),
		filepath.Join(s.root, "assets", "logos", "h2a.png"),
		"h2a.png",
	}
}

// EndClipPath returns the shared outro clip location.
func (s *Storage) EndClipPath() string {
	return filepath.Join(s.root, "assets", "logos", "h2a_end.mp4")
}

// Download fetches an asset's remote artifact into the project directory and
// writes the sidecar. The asset's local path is returned.
func (s *Storage) Download(ctx context.Context, projectID string, asset project.Asset) (string, error) {
	if asset.RemoteURL == "" {
		return "", apperr.Validation(
			fmt.Sprintf("asset %s has no remote URL", asset.ID),
			nil,
			"only assets produced by the provider can be downloaded",
			"",
		)
	}

	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.RemoteURL, nil)
	if err != nil {
		return "", apperr.System("cannot create download request", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", apperr.System(fmt.Sprintf("download of asset %s failed", asset.ID), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.System(fmt.Sprintf("download of asset %s failed: HTTP %d", asset.ID, resp.StatusCode), nil)
	}

	// Write through a temp name so a torn download never shadows a good file.
	localPath := filepath.Join(dir, "assets", asset.ID+"."+extensionFor(asset.Kind))
	tmpPath := localPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", apperr.System(fmt.Sprintf("cannot create %s", tmpPath), err)
	}
	size, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		os.Remove(tmpPath)
		if err == nil {
			err = closeErr
		}
		return "", apperr.System(fmt.Sprintf("cannot write %s", tmpPath), err)
	}

	if asset.Kind == project.KindSubtitle || extensionFor(asset.Kind) == "bin" {
		// Unknown kinds get their extension sniffed from the payload.
		if sniffed := sniffExtension(tmpPath); sniffed != "" {
			localPath = filepath.Join(dir, "assets", asset.ID+"."+sniffed)
		}
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return "", apperr.System(fmt.Sprintf("cannot finalize %s", localPath), err)
	}

	sidecar := Sidecar{
		AssetID:      asset.ID,
		URL:          asset.RemoteURL,
		LocalPath:    localPath,
		Kind:         string(asset.Kind),
		Size:         size,
		DownloadedAt: time.Now(),
	}
	if err := writeSidecar(filepath.Join(dir, "assets", asset.ID+".json"), sidecar); err != nil {
		slog.Warn("sidecar write failed", "asset_id", asset.ID, "error", err)
	}

	slog.Info("asset downloaded",
		"project_id", projectID, "asset_id", asset.ID, "kind", asset.Kind,
		"bytes", size, "path", localPath)
	return localPath, nil
}

// DownloadResult is one item's outcome in a batch download.
type DownloadResult struct {
	AssetID   string
	LocalPath string
	Err       error
}

// DownloadMany fetches a batch of assets with bounded concurrency. Per-item
// failures are reported in the results, never raised.
func (s *Storage) DownloadMany(ctx context.Context, projectID string, assetList []project.Asset, maxConcurrent int) []DownloadResult {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxConcurrent > MaxConcurrentCap {
		maxConcurrent = MaxConcurrentCap
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make([]DownloadResult, len(assetList))
	var wg sync.WaitGroup
	for i, asset := range assetList {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = DownloadResult{AssetID: asset.ID, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, asset project.Asset) {
			defer wg.Done()
			defer sem.Release(1)
			path, err := s.Download(ctx, projectID, asset)
			results[i] = DownloadResult{AssetID: asset.ID, LocalPath: path, Err: err}
		}(i, asset)
	}
	// Join every launched worker; a cancelled context must not hand back a
	// slice that is still being written.
	wg.Wait()
	return results
}

// Usage reports the recursive byte total under a project's directory.
func (s *Storage) Usage(projectID string) (int64, error) {
	dir := filepath.Join(s.root, "projects", projectID)
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, apperr.System(fmt.Sprintf("cannot measure storage for %s", projectID), err)
	}
	return total, nil
}

// extensionFor maps asset kinds onto on-disk extensions.
func extensionFor(kind project.AssetKind) string {
	switch kind {
	case project.KindImage:
		return "png"
	case project.KindVideo:
		return "mp4"
	case project.KindAudio, project.KindMusic, project.KindSpeech:
		return "mp3"
	default:
		return "bin"
	}
}

// sniffExtension inspects the file header for kinds without a fixed mapping.
func sniffExtension(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	head := make([]byte, 262)
	n, _ := io.ReadFull(f, head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.Extension
}

func writeSidecar(path string, sidecar Sidecar) error {
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
