// Package assembly renders a project's scenes into the final deliverable.
// The pipeline runs three ffmpeg passes (scene concat, audio mix, logo
// overlay) through temp files and swaps the result into place atomically.
package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"reelforge/internal/apperr"
	"reelforge/internal/assets"
	"reelforge/internal/ffmpeg"
	"reelforge/internal/project"
)

// headTrimS is skipped from the start of every scene after the first so the
// joins between generated clips stay tight. Total footage removed for n
// scenes is headTrimS * (n - 1).
const headTrimS = 0.5

// Audio mix levels by track role.
const (
	volumeSpeech     = 1.0
	volumeMusic      = 0.3
	volumeSFX        = 0.7
	volumeBackground = 0.3
)

// defaultLogoPaddingPx offsets the overlay from its corner.
const defaultLogoPaddingPx = 20

// Stage names recorded on assembly errors.
const (
	StageToolMissing  = "tool_missing"
	StageInputMissing = "input_missing"
	StageProbeFailed  = "probe_failed"
	StagePassFailed   = "pass_failed"
	StageRenameFailed = "rename_failed"
)

// LogoPositions are the accepted overlay corners.
var LogoPositions = []string{"br", "bl", "tr", "tl"}

// Options tune one assembly run.
type Options struct {
	// AddLogo enables the overlay pass when a logo file can be found.
	AddLogo bool
	// LogoPosition selects the overlay corner; empty means bottom-right.
	LogoPosition string
	// LogoPaddingPx offsets the logo from its corner; zero means the default.
	LogoPaddingPx int
	// AddEndClip appends the shared outro after the last scene.
	AddEndClip bool
	// Force re-renders even when a finished output already exists.
	Force bool
}

// Result reports a finished run.
type Result struct {
	OutputPath       string  `json:"output_path"`
	DurationS        float64 `json:"duration_s"`
	SizeBytes        int64   `json:"size_bytes"`
	SceneCount       int     `json:"scene_count"`
	AudioTrackCount  int     `json:"audio_track_count"`
	AlreadyAssembled bool    `json:"already_assembled"`
}

// Pipeline renders projects.
type Pipeline struct {
	runner  ffmpeg.Runner
	storage *assets.Storage
	store   *project.Store
}

// NewPipeline wires the assembly dependencies.
func NewPipeline(runner ffmpeg.Runner, storage *assets.Storage, store *project.Store) *Pipeline {
	return &Pipeline{runner: runner, storage: storage, store: store}
}

// Assemble renders the project into <title>_<platform>.mp4 inside its
// project directory. An existing output that already carries an audio stream
// short-circuits the run unless forced.
func (p *Pipeline) Assemble(ctx context.Context, projectID string, opts Options) (Result, error) {
	if opts.AddLogo && opts.LogoPosition != "" && !validLogoPosition(opts.LogoPosition) {
		return Result{}, apperr.Validation(
			fmt.Sprintf("unknown logo position %q", opts.LogoPosition),
			LogoPositions,
			"pick an overlay corner",
			`{"add_logo": true, "logo_position": "br"}`,
		)
	}

	proj, err := p.store.Get(projectID)
	if err != nil {
		return Result{}, err
	}
	if len(proj.Scenes) == 0 {
		return Result{}, stageErr(StageInputMissing, "project has no scenes to assemble", nil)
	}

	projDir, err := p.storage.ProjectDir(projectID)
	if err != nil {
		return Result{}, err
	}
	outputPath := filepath.Join(projDir, outputName(proj.Title, proj.Platform))

	// The file itself is the authority: an existing render with an audio
	// stream means the work is done, whatever the advisory status says.
	if !opts.Force {
		if info, err := p.runner.Probe(ctx, outputPath); err == nil && info.HasAudio {
			slog.Info("project already assembled", "project_id", projectID, "output", outputPath)
			return Result{
				OutputPath:       outputPath,
				DurationS:        info.DurationS,
				SizeBytes:        info.SizeBytes,
				SceneCount:       len(proj.Scenes),
				AlreadyAssembled: true,
			}, nil
		}
	}

	clips, err := p.collectClips(proj)
	if err != nil {
		return Result{}, err
	}

	// A re-render rolls a completed or failed project back to rendering,
	// which requires the explicit reopen path.
	if err := p.setStatusReopen(projectID, project.StatusRendering, true); err != nil {
		return Result{}, err
	}

	sweepTempFiles(projDir)

	reg := newTempRegistry(projDir)
	defer reg.cleanup()

	result, err := p.render(ctx, proj, clips, outputPath, opts, reg)
	if err != nil {
		if serr := p.setStatus(projectID, project.StatusFailed); serr != nil {
			slog.Error("cannot mark project failed", "project_id", projectID, "error", serr)
		}
		return Result{}, err
	}
	if err := p.setStatus(projectID, project.StatusCompleted); err != nil {
		return Result{}, err
	}
	slog.Info("project assembled",
		"project_id", projectID, "output", result.OutputPath,
		"duration_s", result.DurationS, "scenes", result.SceneCount)
	return result, nil
}

// clip is one ordered scene input with its probed duration.
type clip struct {
	path      string
	durationS float64
}

// collectClips validates that every scene owns a downloaded video and probes
// each file.
func (p *Pipeline) collectClips(proj *project.Project) ([]clip, error) {
	var missing []string
	clips := make([]clip, 0, len(proj.Scenes))
	for _, scene := range proj.Scenes {
		asset, ok := scene.VideoAsset()
		if !ok || asset.LocalPath == "" {
			missing = append(missing, scene.ID)
			continue
		}
		if _, err := os.Stat(asset.LocalPath); err != nil {
			missing = append(missing, scene.ID)
			continue
		}
		clips = append(clips, clip{path: asset.LocalPath})
	}
	if len(missing) > 0 {
		return nil, stageErr(StageInputMissing,
			fmt.Sprintf("%d scene(s) have no downloaded video", len(missing)), nil).
			WithDetail("scene_ids", missing)
	}
	return clips, nil
}

// render runs the three passes plus the atomic swap.
func (p *Pipeline) render(ctx context.Context, proj *project.Project, clips []clip, outputPath string, opts Options, reg *tempRegistry) (Result, error) {
	for i := range clips {
		info, err := p.runner.Probe(ctx, clips[i].path)
		if err != nil {
			return Result{}, stageErr(StageProbeFailed,
				fmt.Sprintf("cannot probe %s", clips[i].path), err)
		}
		clips[i].durationS = info.DurationS
	}

	// Pass 1: stream-copy the scenes together.
	concatOut := reg.file("concat", ".mp4")
	if err := p.concatPass(ctx, clips, opts.AddEndClip, reg, concatOut); err != nil {
		return Result{}, err
	}
	current := concatOut

	// Pass 2: mix the audio tracks under the video. The clips' own audio, if
	// any, survived the stream-copy concat and joins the mix at unity gain.
	tracks := audioInputs(proj)
	if len(tracks) > 0 {
		info, err := p.runner.Probe(ctx, current)
		if err != nil {
			return Result{}, stageErr(StageProbeFailed, "cannot probe concatenated video", err)
		}
		mixOut := reg.file("mix", ".mp4")
		if err := p.mixPass(ctx, current, info.HasAudio, tracks, mixOut); err != nil {
			return Result{}, err
		}
		current = mixOut
	}

	// Pass 3: brand overlay.
	if opts.AddLogo {
		if logo := p.findLogo(proj.ID); logo != "" {
			overlayOut := reg.file("overlay", ".mp4")
			if err := p.overlayPass(ctx, current, logo, opts.LogoPosition, opts.LogoPaddingPx, overlayOut); err != nil {
				return Result{}, err
			}
			current = overlayOut
		} else {
			slog.Warn("logo requested but no logo file found", "project_id", proj.ID)
		}
	}

	if err := p.swapIntoPlace(current, outputPath); err != nil {
		return Result{}, err
	}

	info, err := p.runner.Probe(ctx, outputPath)
	if err != nil {
		return Result{}, stageErr(StageProbeFailed, "cannot probe assembled output", err)
	}
	return Result{
		OutputPath:      outputPath,
		DurationS:       info.DurationS,
		SizeBytes:       info.SizeBytes,
		SceneCount:      len(clips),
		AudioTrackCount: len(tracks),
	}, nil
}

// concatPass joins the scenes via the concat demuxer without re-encoding.
// The first clip goes in as recorded; every later clip loses its first half
// second. The shared outro, when requested and present, is appended as-is.
func (p *Pipeline) concatPass(ctx context.Context, clips []clip, addEndClip bool, reg *tempRegistry, outPath string) error {
	entries := make([]string, 0, len(clips)+1)
	entries = append(entries, clips[0].path)
	for _, c := range clips[1:] {
		entries = append(entries, p.trimHead(ctx, c, reg))
	}
	if addEndClip {
		if end := p.storage.EndClipPath(); fileExists(end) {
			entries = append(entries, end)
		} else {
			slog.Warn("end clip requested but not found", "path", p.storage.EndClipPath())
		}
	}

	listPath := reg.file("list", ".txt")
	if err := writeConcatList(listPath, entries); err != nil {
		return stageErr(StagePassFailed, "cannot write concat list", err)
	}

	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", outPath}
	if _, err := p.runner.Run(ctx, args...); err != nil {
		return stageErr(StagePassFailed, "scene concatenation failed", err)
	}
	return nil
}

// trimHead stream-copies a clip minus its opening half second. The original
// path is returned when the clip is too short to trim or the copy fails.
func (p *Pipeline) trimHead(ctx context.Context, c clip, reg *tempRegistry) string {
	if c.durationS > 0 && c.durationS <= headTrimS {
		return c.path
	}
	trimmed := reg.file("trim", filepath.Ext(c.path))
	args := []string{"-y", "-ss", fmt.Sprintf("%.3f", headTrimS), "-i", c.path, "-c", "copy", trimmed}
	if _, err := p.runner.Run(ctx, args...); err != nil {
		slog.Warn("head trim failed; using the original clip", "clip", c.path, "error", err)
		return c.path
	}
	return trimmed
}

// writeConcatList emits the demuxer list, one file directive per line.
func writeConcatList(path string, entries []string) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(e, "'", `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// audioInput is one mixable track.
type audioInput struct {
	path   string
	volume float64
}

// audioInputs gathers the project's mixable tracks with their levels. An
// explicit per-track volume in the asset metadata overrides the role default.
func audioInputs(proj *project.Project) []audioInput {
	var out []audioInput
	for _, track := range proj.GlobalAudioTracks {
		if track.LocalPath == "" || !fileExists(track.LocalPath) {
			slog.Warn("skipping audio track without a local file",
				"project_id", proj.ID, "asset_id", track.ID)
			continue
		}
		vol := defaultVolume(track)
		if v, ok := track.Metadata["volume"].(float64); ok && v >= 0 && v <= 2 {
			vol = v
		}
		out = append(out, audioInput{path: track.LocalPath, volume: vol})
	}
	return out
}

func defaultVolume(track project.Asset) float64 {
	switch track.Kind {
	case project.KindSpeech:
		return volumeSpeech
	case project.KindMusic:
		return volumeMusic
	case project.KindAudio:
		if role, _ := track.Metadata["role"].(string); role == "background" {
			return volumeBackground
		}
		return volumeSFX
	default:
		return volumeSFX
	}
}

// mixPass lays the mixed audio bed under the video. The video stream is
// copied untouched; the video's own audio, when present, joins the mix at
// unity gain.
func (p *Pipeline) mixPass(ctx context.Context, videoPath string, videoHasAudio bool, tracks []audioInput, outPath string) error {
	args := []string{"-y", "-i", videoPath}
	for _, t := range tracks {
		args = append(args, "-i", t.path)
	}

	type mixIn struct {
		input  int
		volume float64
	}
	ins := make([]mixIn, 0, len(tracks)+1)
	if videoHasAudio {
		ins = append(ins, mixIn{input: 0, volume: 1.0})
	}
	for i, t := range tracks {
		ins = append(ins, mixIn{input: i + 1, volume: t.volume})
	}

	var filter strings.Builder
	for i, in := range ins {
		fmt.Fprintf(&filter, "[%d:a]volume=%.2f[a%d];", in.input, in.volume, i)
	}
	for i := range ins {
		fmt.Fprintf(&filter, "[a%d]", i)
	}
	fmt.Fprintf(&filter, "amix=inputs=%d:duration=longest:dropout_transition=0[outa]", len(ins))

	args = append(args,
		"-filter_complex", filter.String(),
		"-map", "0:v",
		"-map", "[outa]",
		"-c:v", "copy",
		"-c:a", "aac", "-b:a", "192k",
		"-shortest",
		outPath)

	if _, err := p.runner.Run(ctx, args...); err != nil {
		return stageErr(StagePassFailed, "audio mix failed", err)
	}
	return nil
}

// overlayPass stamps the logo into the chosen corner.
func (p *Pipeline) overlayPass(ctx context.Context, videoPath, logoPath, position string, paddingPx int, outPath string) error {
	if position == "" {
		position = "br"
	}
	if paddingPx <= 0 {
		paddingPx = defaultLogoPaddingPx
	}
	var xy string
	switch position {
	case "br":
		xy = fmt.Sprintf("W-w-%d:H-h-%d", paddingPx, paddingPx)
	case "bl":
		xy = fmt.Sprintf("%d:H-h-%d", paddingPx, paddingPx)
	case "tr":
		xy = fmt.Sprintf("W-w-%d:%d", paddingPx, paddingPx)
	case "tl":
		xy = fmt.Sprintf("%d:%d", paddingPx, paddingPx)
	}

	args := []string{"-y",
		"-i", videoPath,
		"-i", logoPath,
		"-filter_complex", "[0:v][1:v]overlay=" + xy,
		"-c:a", "copy",
		outPath}

	if _, err := p.runner.Run(ctx, args...); err != nil {
		return stageErr(StagePassFailed, "logo overlay failed", err)
	}
	return nil
}

// swapIntoPlace moves the rendered temp file onto the output path. An
// existing output is kept as a backup until the rename lands, then removed;
// a failed rename restores it.
func (p *Pipeline) swapIntoPlace(tempPath, outputPath string) error {
	backupPath := outputPath + ".backup"
	hadPrevious := fileExists(outputPath)
	if hadPrevious {
		if err := os.Rename(outputPath, backupPath); err != nil {
			return stageErr(StageRenameFailed, "cannot set aside previous output", err)
		}
	}
	if err := os.Rename(tempPath, outputPath); err != nil {
		if hadPrevious {
			if rerr := os.Rename(backupPath, outputPath); rerr != nil {
				slog.Error("cannot restore previous output", "path", outputPath, "error", rerr)
			}
		}
		return stageErr(StageRenameFailed, "cannot move rendered output into place", err)
	}
	if hadPrevious {
		os.Remove(backupPath)
	}
	return nil
}

func (p *Pipeline) findLogo(projectID string) string {
	for _, candidate := range p.storage.LogoPath(projectID) {
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func (p *Pipeline) setStatus(projectID string, status project.Status) error {
	return p.setStatusReopen(projectID, status, false)
}

func (p *Pipeline) setStatusReopen(projectID string, status project.Status, reopen bool) error {
	_, err := p.store.Update(projectID, project.UpdateInput{Status: &status, Reopen: reopen})
	return err
}

// tempRegistry tracks intermediate files so a failed run never leaves
// orphans behind.
type tempRegistry struct {
	dir   string
	paths []string
}

func newTempRegistry(dir string) *tempRegistry {
	return &tempRegistry{dir: dir}
}

func (r *tempRegistry) file(label, ext string) string {
	path := filepath.Join(r.dir, fmt.Sprintf(".temp_%s_%s%s", label, uuid.New().String()[:8], ext))
	r.paths = append(r.paths, path)
	return path
}

func (r *tempRegistry) cleanup() {
	for _, path := range r.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("cannot remove temp file", "path", path, "error", err)
		}
	}
}

// sweepTempFiles removes `.temp_*` leftovers from an interrupted earlier run.
func sweepTempFiles(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, ".temp_*"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err == nil {
			slog.Info("removed stale temp file", "path", path)
		}
	}
}

// outputName builds <title>_<platform>.mp4 with filesystem-hostile runes
// squashed.
func outputName(title, platformName string) string {
	return sanitize(title) + "_" + sanitize(platformName) + ".mp4"
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "untitled"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "untitled"
	}
	return b.String()
}

func validLogoPosition(pos string) bool {
	for _, p := range LogoPositions {
		if p == pos {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func stageErr(stage, message string, cause error) *apperr.Error {
	return apperr.System(message, cause).WithDetail("stage", stage)
}
