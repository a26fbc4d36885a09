package assembly

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/apperr"
	"reelforge/internal/assets"
	"reelforge/internal/ffmpeg"
	"reelforge/internal/project"
)

// fakeRunner records every invocation and fabricates the output file so the
// swap logic has something to move. Concat list contents are captured before
// the registry deletes them.
type fakeRunner struct {
	runs       [][]string
	failOn     int // 1-based run index to fail at; 0 never fails
	probeS     float64
	noAudio    bool
	concatList string
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) (ffmpeg.RunResult, error) {
	f.runs = append(f.runs, args)
	for i, a := range args {
		if a == "-i" && i+1 < len(args) && strings.HasSuffix(args[i+1], ".txt") {
			if raw, err := os.ReadFile(args[i+1]); err == nil {
				f.concatList = string(raw)
			}
		}
	}
	if f.failOn > 0 && len(f.runs) == f.failOn {
		return ffmpeg.RunResult{ExitCode: 1, StderrTail: "boom"}, errors.New("ffmpeg exited with code 1")
	}
	out := args[len(args)-1]
	if err := os.WriteFile(out, []byte("rendered"), 0o644); err != nil {
		return ffmpeg.RunResult{}, err
	}
	return ffmpeg.RunResult{}, nil
}

func (f *fakeRunner) Probe(ctx context.Context, path string) (ffmpeg.ProbeInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return ffmpeg.ProbeInfo{}, err
	}
	d := f.probeS
	if d == 0 {
		d = 5
	}
	return ffmpeg.ProbeInfo{DurationS: d, SizeBytes: 8, HasAudio: !f.noAudio}, nil
}

type fixture struct {
	runner   *fakeRunner
	storage  *assets.Storage
	store    *project.Store
	pipeline *Pipeline
	proj     *project.Project
}

// newFixture builds a two-scene project whose clips exist on disk.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage, err := assets.NewStorage(t.TempDir(), time.Minute)
	require.NoError(t, err)
	store := project.NewStore([]int{5, 10})

	proj, err := store.Create(project.CreateInput{Title: "Spring Teaser", Platform: "tiktok"})
	require.NoError(t, err)

	f := &fixture{
		runner:  &fakeRunner{},
		storage: storage,
		store:   store,
		proj:    proj,
	}
	f.pipeline = NewPipeline(f.runner, storage, store)
	f.addSceneWithClip(t, 5)
	f.addSceneWithClip(t, 10)
	return f
}

func (f *fixture) addSceneWithClip(t *testing.T, durationS int) {
	t.Helper()
	dir, err := f.storage.ProjectDir(f.proj.ID)
	require.NoError(t, err)

	scene, err := f.store.AddScene(f.proj.ID, "scene", durationS, nil)
	require.NoError(t, err)

	clipPath := filepath.Join(dir, "assets", scene.ID+".mp4")
	require.NoError(t, os.WriteFile(clipPath, []byte("clip"), 0o644))
	require.NoError(t, f.store.AttachSceneAsset(f.proj.ID, scene.ID, project.Asset{
		ID:        scene.ID + "-video",
		Kind:      project.KindVideo,
		Source:    project.SourceGenerated,
		LocalPath: clipPath,
		Metadata:  map[string]any{"duration": durationS},
	}))
}

func (f *fixture) clipPaths(t *testing.T) []string {
	t.Helper()
	got, err := f.store.Get(f.proj.ID)
	require.NoError(t, err)
	paths := make([]string, 0, len(got.Scenes))
	for _, scene := range got.Scenes {
		asset, ok := scene.VideoAsset()
		require.True(t, ok)
		paths = append(paths, asset.LocalPath)
	}
	return paths
}

func (f *fixture) addMusicTrack(t *testing.T) {
	t.Helper()
	dir, err := f.storage.ProjectDir(f.proj.ID)
	require.NoError(t, err)
	trackPath := filepath.Join(dir, "assets", "bed.mp3")
	require.NoError(t, os.WriteFile(trackPath, []byte("audio"), 0o644))
	require.NoError(t, f.store.AddGlobalAudioTrack(f.proj.ID, project.Asset{
		ID:        "bed",
		Kind:      project.KindMusic,
		LocalPath: trackPath,
	}))
}

func argsJoined(runs [][]string, i int) string {
	return strings.Join(runs[i], " ")
}

func listLines(f *fakeRunner) []string {
	return strings.Split(strings.TrimSpace(f.concatList), "\n")
}

func TestAssembleConcatAndMix(t *testing.T) {
	f := newFixture(t)
	f.addMusicTrack(t)
	clips := f.clipPaths(t)

	result, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)

	require.Len(t, f.runner.runs, 3, "head trim, concat, mix")

	// The second scene loses its opening half second via stream copy.
	trim := argsJoined(f.runner.runs, 0)
	assert.Contains(t, trim, "-ss 0.500")
	assert.Contains(t, trim, clips[1])
	assert.Contains(t, trim, "-c copy")

	concat := argsJoined(f.runner.runs, 1)
	assert.Contains(t, concat, "-f concat")
	assert.Contains(t, concat, "-c copy")

	// The first scene goes in as recorded; the second through its trim copy.
	lines := listLines(f.runner)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], clips[0])
	assert.Contains(t, lines[1], ".temp_trim")
	assert.NotContains(t, lines[1], clips[1])

	mix := argsJoined(f.runner.runs, 2)
	assert.Contains(t, mix, "[0:a]volume=1.00", "clip-embedded audio joins the mix at unity")
	assert.Contains(t, mix, "volume=0.30", "music sits at the bed level")
	assert.Contains(t, mix, "amix=inputs=2:duration=longest:dropout_transition=0")
	assert.Contains(t, mix, "-c:a aac")
	assert.Contains(t, mix, "192k")
	assert.Contains(t, mix, "-c:v copy")

	assert.Equal(t, "Spring_Teaser_tiktok.mp4", filepath.Base(result.OutputPath))
	assert.FileExists(t, result.OutputPath)
	assert.Equal(t, 2, result.SceneCount)
	assert.Equal(t, 1, result.AudioTrackCount)
	assert.False(t, result.AlreadyAssembled)

	got, err := f.store.Get(f.proj.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusCompleted, got.Status)
}

func TestAssembleTrimsOnlyLaterScenes(t *testing.T) {
	f := newFixture(t)
	f.addSceneWithClip(t, 10)

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)

	trims := 0
	for i := range f.runner.runs {
		if strings.Contains(argsJoined(f.runner.runs, i), "-ss 0.500") {
			trims++
		}
	}
	assert.Equal(t, 2, trims, "three scenes lose exactly two half seconds")
	assert.Len(t, listLines(f.runner), 3)
}

func TestAssembleTrimFailureFallsBackToOriginal(t *testing.T) {
	f := newFixture(t)
	f.runner.failOn = 1 // the head-trim subcommand
	clips := f.clipPaths(t)

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err, "a failed trim must not abort the render")

	lines := listLines(f.runner)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], clips[1], "the original clip stands in for the failed trim")
}

func TestAssembleWithoutTracksSkipsMixPass(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)
	require.Len(t, f.runner.runs, 2, "head trim and concat only")
}

func TestAssembleSilentVideoMixesTracksAlone(t *testing.T) {
	f := newFixture(t)
	f.runner.noAudio = true
	f.addMusicTrack(t)

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)

	mix := argsJoined(f.runner.runs, len(f.runner.runs)-1)
	assert.NotContains(t, mix, "[0:a]")
	assert.Contains(t, mix, "amix=inputs=1:duration=longest:dropout_transition=0")
}

func TestAssembleLogoOverlayCorners(t *testing.T) {
	f := newFixture(t)
	logo := filepath.Join(f.storage.Root(), "assets", "logos", "h2a.png")
	require.NoError(t, os.WriteFile(logo, []byte("png"), 0o644))

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{AddLogo: true, LogoPosition: "tl"})
	require.NoError(t, err)

	require.Len(t, f.runner.runs, 3, "trim, concat, overlay")
	overlay := argsJoined(f.runner.runs, 2)
	assert.Contains(t, overlay, "overlay=20:20")
	assert.Contains(t, overlay, logo)
}

func TestAssembleLogoDefaultsToBottomRight(t *testing.T) {
	f := newFixture(t)
	logo := filepath.Join(f.storage.Root(), "assets", "logos", "h2a.png")
	require.NoError(t, os.WriteFile(logo, []byte("png"), 0o644))

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{AddLogo: true})
	require.NoError(t, err)
	overlay := argsJoined(f.runner.runs, len(f.runner.runs)-1)
	assert.Contains(t, overlay, "overlay=W-w-20:H-h-20")
}

func TestAssembleLogoPadding(t *testing.T) {
	f := newFixture(t)
	logo := filepath.Join(f.storage.Root(), "assets", "logos", "h2a.png")
	require.NoError(t, os.WriteFile(logo, []byte("png"), 0o644))

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID,
		Options{AddLogo: true, LogoPosition: "br", LogoPaddingPx: 10})
	require.NoError(t, err)
	overlay := argsJoined(f.runner.runs, len(f.runner.runs)-1)
	assert.Contains(t, overlay, "overlay=W-w-10:H-h-10")
}

func TestAssembleWithoutLogoFlagSkipsOverlay(t *testing.T) {
	f := newFixture(t)
	logo := filepath.Join(f.storage.Root(), "assets", "logos", "h2a.png")
	require.NoError(t, os.WriteFile(logo, []byte("png"), 0o644))

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)
	for i := range f.runner.runs {
		assert.NotContains(t, argsJoined(f.runner.runs, i), "overlay=")
	}
}

func TestAssembleRejectsUnknownLogoPosition(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID,
		Options{AddLogo: true, LogoPosition: "center"})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.TypeValidation, e.Type)
	assert.Contains(t, e.ValidOptions, "br")
}

func TestAssembleAppendsEndClipWhenRequested(t *testing.T) {
	f := newFixture(t)
	end := f.storage.EndClipPath()
	require.NoError(t, os.WriteFile(end, []byte("outro"), 0o644))

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{AddEndClip: true})
	require.NoError(t, err)

	lines := listLines(f.runner)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], "h2a_end.mp4")
}

func TestAssembleEndClipNeedsTheFlag(t *testing.T) {
	f := newFixture(t)
	end := f.storage.EndClipPath()
	require.NoError(t, os.WriteFile(end, []byte("outro"), 0o644))

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)
	assert.NotContains(t, f.runner.concatList, "h2a_end.mp4")
}

func TestAssembleShortCircuitsOnFinishedOutput(t *testing.T) {
	f := newFixture(t)
	dir, err := f.storage.ProjectDir(f.proj.ID)
	require.NoError(t, err)

	// A previous run left a finished output; the draft status is irrelevant.
	outputPath := filepath.Join(dir, "Spring_Teaser_tiktok.mp4")
	require.NoError(t, os.WriteFile(outputPath, []byte("rendered"), 0o644))

	result, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)
	assert.True(t, result.AlreadyAssembled)
	assert.Equal(t, outputPath, result.OutputPath)
	assert.Empty(t, f.runner.runs, "a finished output must not re-render")
}

func TestAssembleSilentOutputReRenders(t *testing.T) {
	f := newFixture(t)
	f.runner.noAudio = true
	dir, err := f.storage.ProjectDir(f.proj.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Spring_Teaser_tiktok.mp4"), []byte("video only"), 0o644))

	result, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)
	assert.False(t, result.AlreadyAssembled, "an output without audio is not finished")
	assert.NotEmpty(t, f.runner.runs)
}

func TestAssembleForceReRenders(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.NoError(t, err)

	calls := len(f.runner.runs)
	result, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{Force: true})
	require.NoError(t, err)
	assert.False(t, result.AlreadyAssembled)
	assert.Greater(t, len(f.runner.runs), calls)

	// The swap leaves no backup or temp files behind.
	dir := filepath.Dir(result.OutputPath)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".backup"), "backup should be removed: %s", e.Name())
		assert.False(t, strings.HasPrefix(e.Name(), ".temp_"), "temp should be cleaned: %s", e.Name())
	}
}

func TestAssembleReportsMissingSceneVideos(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.AddScene(f.proj.ID, "no clip yet", 5, nil)
	require.NoError(t, err)

	_, err = f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, StageInputMissing, e.Details["stage"])

	// Validation failed before rendering started; the status is untouched.
	got, err := f.store.Get(f.proj.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusDraft, got.Status)
}

func TestAssembleFailureMarksProjectFailed(t *testing.T) {
	f := newFixture(t)
	f.runner.failOn = 2 // the concat; trim failures only degrade

	_, err := f.pipeline.Assemble(context.Background(), f.proj.ID, Options{})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, StagePassFailed, e.Details["stage"])

	got, err := f.store.Get(f.proj.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusFailed, got.Status)
}

func TestOutputNameSanitization(t *testing.T) {
	assert.Equal(t, "My_Great_Video_tiktok.mp4", outputName("My Great Video!", "tiktok"))
	assert.Equal(t, "untitled_custom.mp4", outputName("///", "custom"))
}
