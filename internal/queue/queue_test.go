package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/apperr"
	"reelforge/internal/provider"
)

// fakeGenerator scripts the provider side of a job run.
type fakeGenerator struct {
	run func(ctx context.Context, modelID string, args map[string]any, onEvent func(provider.Event)) (map[string]any, error)
}

func (f *fakeGenerator) RunWithEvents(ctx context.Context, modelID string, args map[string]any, budget time.Duration, onEvent func(provider.Event)) (map[string]any, error) {
	return f.run(ctx, modelID, args, onEvent)
}

func completingGenerator(payload map[string]any) *fakeGenerator {
	return &fakeGenerator{run: func(ctx context.Context, modelID string, args map[string]any, onEvent func(provider.Event)) (map[string]any, error) {
		progress := 50.0
		onEvent(provider.Event{Type: provider.EventQueued, QueuePosition: 2})
		onEvent(provider.Event{Type: provider.EventInProgress, Progress: &progress, Logs: []string{"rendering"}})
		onEvent(provider.Event{Type: provider.EventCompleted})
		return payload, nil
	}}
}

func waitTerminal(t *testing.T, q *Queue, jobID string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Wait(ctx, jobID, 5*time.Millisecond)
	require.NoError(t, err)
	return job
}

func TestSubmitRunsToCompletion(t *testing.T) {
	payload := map[string]any{"video": map[string]any{"url": "https://cdn.example/clip.mp4"}}
	q := NewQueue(completingGenerator(payload), 0)

	hooked := make(chan Job, 1)
	q.RegisterHook(provider.TaskVideo, func(ctx context.Context, job Job) error {
		hooked <- job
		return nil
	})

	job, err := q.Submit(SubmitInput{
		ModelID:   "video-A",
		ProjectID: "proj-1",
		SceneID:   "scene-1",
		Params:    map[string]any{"prompt": "sunrise", "duration": 5},
		Metadata:  map[string]any{"cost": 0.25},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, provider.TaskVideo, job.Kind)

	done := waitTerminal(t, q, job.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "https://cdn.example/clip.mp4", done.ResultURL)
	require.NotNil(t, done.Progress)
	assert.Equal(t, 100.0, *done.Progress)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(*done.StartedAt))
	assert.Contains(t, done.Logs, "rendering")

	select {
	case got := <-hooked:
		assert.Equal(t, done.ID, got.ID)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, 0.25, got.Metadata["cost"])
	case <-time.After(2 * time.Second):
		t.Fatal("completion hook never ran")
	}
}

func TestSubmitRejectsUnknownModel(t *testing.T) {
	q := NewQueue(completingGenerator(nil), 0)
	_, err := q.Submit(SubmitInput{ModelID: "no-such-model"})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.TypeValidation, e.Type)
	assert.NotEmpty(t, e.ValidOptions)
}

func TestSubmitRejectsUnsupportedDuration(t *testing.T) {
	q := NewQueue(completingGenerator(nil), 0)
	_, err := q.Submit(SubmitInput{
		ModelID: "video-A",
		Params:  map[string]any{"duration": 7},
	})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.TypeValidation, e.Type)
	assert.Equal(t, []string{"5", "10"}, e.ValidOptions)
	assert.NotEmpty(t, e.Suggestion)
	assert.NotEmpty(t, e.Example)
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	gen := &fakeGenerator{run: func(ctx context.Context, modelID string, args map[string]any, onEvent func(provider.Event)) (map[string]any, error) {
		onEvent(provider.Event{Type: provider.EventInProgress})
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := NewQueue(gen, 0)

	job, err := q.Submit(SubmitInput{ModelID: "image-std", Params: map[string]any{"prompt": "cat"}})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}

	cancelled, err := q.Cancel(job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	done := waitTerminal(t, q, job.ID)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Equal(t, CancelledMessage, done.ErrorMessage)

	// Cancelling again is a no-op.
	cancelled, err = q.Cancel(job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelFinishedJobReportsFalse(t *testing.T) {
	q := NewQueue(completingGenerator(map[string]any{"url": "x"}), 0)
	job, err := q.Submit(SubmitInput{ModelID: "video-A", Params: map[string]any{"duration": 5}})
	require.NoError(t, err)
	waitTerminal(t, q, job.ID)

	cancelled, err := q.Cancel(job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	// The terminal record survives the attempt.
	done, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	q := NewQueue(completingGenerator(nil), 0)
	_, err := q.Cancel("missing")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.TypeNotFound, e.Type)
}

func TestProviderFailureMarksJobFailed(t *testing.T) {
	gen := &fakeGenerator{run: func(ctx context.Context, modelID string, args map[string]any, onEvent func(provider.Event)) (map[string]any, error) {
		return nil, apperr.API(apperr.APIContentPolicy, "prompt rejected by content policy", false)
	}}
	q := NewQueue(gen, 0)

	job, err := q.Submit(SubmitInput{ModelID: "image-std"})
	require.NoError(t, err)

	done := waitTerminal(t, q, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "content policy")
}

func TestHookFailureLeavesJobCompleted(t *testing.T) {
	q := NewQueue(completingGenerator(map[string]any{"images": []any{map[string]any{"url": "https://cdn.example/a.png"}}}), 0)

	ran := make(chan struct{}, 1)
	q.RegisterHook(provider.TaskImage, func(ctx context.Context, job Job) error {
		ran <- struct{}{}
		return errors.New("scene was deleted while the job ran")
	})

	job, err := q.Submit(SubmitInput{ModelID: "image-std", ProjectID: "p", SceneID: "gone"})
	require.NoError(t, err)

	done := waitTerminal(t, q, job.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "https://cdn.example/a.png", done.ResultURL)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("hook never ran")
	}

	// The job record keeps its result despite the failed hook.
	again, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Empty(t, again.ErrorMessage)
}

func TestListFiltersAndSortsNewestFirst(t *testing.T) {
	q := NewQueue(completingGenerator(map[string]any{"url": "x"}), 0)

	a, err := q.Submit(SubmitInput{ModelID: "video-A", ProjectID: "p1", Params: map[string]any{"duration": 5}})
	require.NoError(t, err)
	waitTerminal(t, q, a.ID)

	b, err := q.Submit(SubmitInput{ModelID: "image-std", ProjectID: "p2"})
	require.NoError(t, err)
	waitTerminal(t, q, b.ID)

	all := q.List(ListFilter{})
	require.Len(t, all, 2)
	assert.False(t, all[0].CreatedAt.Before(all[1].CreatedAt))

	videos := q.List(ListFilter{Kind: provider.TaskVideo})
	require.Len(t, videos, 1)
	assert.Equal(t, a.ID, videos[0].ID)

	p2 := q.List(ListFilter{ProjectID: "p2"})
	require.Len(t, p2, 1)
	assert.Equal(t, b.ID, p2[0].ID)

	completed := q.List(ListFilter{Status: StatusCompleted})
	assert.Len(t, completed, 2)
}

func TestStatsSnapshot(t *testing.T) {
	q := NewQueue(completingGenerator(map[string]any{"url": "x"}), 0)

	job, err := q.Submit(SubmitInput{ModelID: "video-A", Params: map[string]any{"duration": 5}})
	require.NoError(t, err)
	waitTerminal(t, q, job.ID)

	stats := q.StatsSnapshot()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.ByKind[provider.TaskVideo])
}

func TestCleanupRemovesOldTerminalJobs(t *testing.T) {
	q := NewQueue(completingGenerator(map[string]any{"url": "x"}), 0)

	job, err := q.Submit(SubmitInput{ModelID: "image-std"})
	require.NoError(t, err)
	waitTerminal(t, q, job.ID)

	// Zero age: everything terminal is older than "now".
	removed := q.Cleanup(0)
	assert.Equal(t, 1, removed)
	_, err = q.Get(job.ID)
	require.Error(t, err)
}

func TestWaitTimesOut(t *testing.T) {
	gen := &fakeGenerator{run: func(ctx context.Context, modelID string, args map[string]any, onEvent func(provider.Event)) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := NewQueue(gen, 0)
	defer q.Shutdown()

	job, err := q.Submit(SubmitInput{ModelID: "image-std"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.Wait(ctx, job.ID, 5*time.Millisecond)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.APITimeout, e.Class)
}

func TestCreateRecordsWithoutStarting(t *testing.T) {
	ran := make(chan struct{}, 1)
	gen := &fakeGenerator{run: func(ctx context.Context, modelID string, args map[string]any, onEvent func(provider.Event)) (map[string]any, error) {
		ran <- struct{}{}
		return map[string]any{"images": []any{map[string]any{"url": "https://cdn.example/a.png"}}}, nil
	}}
	q := NewQueue(gen, 0)

	job, err := q.Create(SubmitInput{ModelID: "image-std", Params: map[string]any{"prompt": "cat"}})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	select {
	case <-ran:
		t.Fatal("create must not launch a worker")
	case <-time.After(50 * time.Millisecond):
	}

	started, err := q.Start(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, started.Status)

	done := waitTerminal(t, q, job.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "https://cdn.example/a.png", done.ResultURL)

	// A finished job cannot be started again.
	_, err = q.Start(job.ID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.TypeState, e.Type)
}

func TestStartRejectsRunningAndUnknownJobs(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	gen := &fakeGenerator{run: func(ctx context.Context, modelID string, args map[string]any, onEvent func(provider.Event)) (map[string]any, error) {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}}
	q := NewQueue(gen, 0)

	job, err := q.Submit(SubmitInput{ModelID: "image-std"})
	require.NoError(t, err)

	_, err = q.Start(job.ID)
	require.Error(t, err, "a submitted job already runs")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.TypeState, e.Type)

	_, err = q.Start("missing")
	require.Error(t, err)
	e, ok = apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.TypeNotFound, e.Type)
}

func TestCancelledJobCannotBeStarted(t *testing.T) {
	q := NewQueue(completingGenerator(nil), 0)

	job, err := q.Create(SubmitInput{ModelID: "image-std"})
	require.NoError(t, err)

	cancelled, err := q.Cancel(job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, err = q.Start(job.ID)
	require.Error(t, err)
}
