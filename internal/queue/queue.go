// Package queue tracks generation jobs in memory and drives each one to a
// terminal state with its own worker goroutine. Nothing is persisted; a
// restart starts from an empty queue.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/apperr"
	"reelforge/internal/provider"
)

// CancelledMessage is recorded on jobs cancelled by the caller.
const CancelledMessage = "Task cancelled by user"

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// validTransitions guards every status write; a job never leaves a terminal
// state and never moves backwards.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func canTransition(from, to Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Job is one tracked generation request.
type Job struct {
	ID        string            `json:"job_id"`
	Kind      provider.TaskKind `json:"kind"`
	ModelID   string            `json:"model_id"`
	ProjectID string            `json:"project_id,omitempty"`
	SceneID   string            `json:"scene_id,omitempty"`
	Params    map[string]any    `json:"params,omitempty"`
	// Metadata carries hook context (cost, source image, prompt) that is not
	// part of the provider request.
	Metadata map[string]any `json:"metadata,omitempty"`

	Status        Status         `json:"status"`
	QueuePosition int            `json:"queue_position,omitempty"`
	Progress      *float64       `json:"progress,omitempty"`
	Logs          []string       `json:"logs,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	ResultPayload map[string]any `json:"result,omitempty"`
	ResultURL     string         `json:"result_url,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	c.Params = cloneMap(j.Params)
	c.Metadata = cloneMap(j.Metadata)
	c.ResultPayload = cloneMap(j.ResultPayload)
	c.Logs = append([]string(nil), j.Logs...)
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Generator drives a single request to completion against the provider.
type Generator interface {
	RunWithEvents(ctx context.Context, modelID string, arguments map[string]any, budget time.Duration, onEvent func(provider.Event)) (map[string]any, error)
}

// Hook runs after a job completes, with the finished job snapshot. Hook
// failures are logged and swallowed; the job stays completed.
type Hook func(ctx context.Context, job Job) error

// Queue owns the job table and the per-job workers.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc

	gen    Generator
	hooks  map[provider.TaskKind]Hook
	budget time.Duration
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewQueue builds an empty queue. budget bounds each job's provider run; zero
// selects the provider default.
func NewQueue(gen Generator, budget time.Duration) *Queue {
	return &Queue{
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		gen:     gen,
		hooks:   make(map[provider.TaskKind]Hook),
		budget:  budget,
		now:     time.Now,
	}
}

// RegisterHook installs the completion hook for a task kind. Register all
// hooks before the first Submit.
func (q *Queue) RegisterHook(kind provider.TaskKind, hook Hook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks[kind] = hook
}

// SubmitInput describes a job to enqueue.
type SubmitInput struct {
	ModelID   string
	ProjectID string
	SceneID   string
	Params    map[string]any
	Metadata  map[string]any
}

// Create validates the request and records the job as queued without
// starting it. The returned snapshot is safe to retain.
func (q *Queue) Create(in SubmitInput) (Job, error) {
	model, err := provider.LookupModel(in.ModelID)
	if err != nil {
		return Job{}, err
	}
	if d, ok := paramInt(in.Params, "duration"); ok {
		if err := model.ValidateDuration(d); err != nil {
			return Job{}, err
		}
	}

	job := &Job{
		ID:        uuid.New().String(),
		Kind:      model.Kind,
		ModelID:   model.ID,
		ProjectID: in.ProjectID,
		SceneID:   in.SceneID,
		Params:    cloneMap(in.Params),
		Metadata:  cloneMap(in.Metadata),
		Status:    StatusQueued,
		CreatedAt: q.now(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	slog.Info("job created", "job_id", job.ID, "kind", job.Kind, "model", job.ModelID, "project_id", job.ProjectID)
	return job.clone(), nil
}

// Start launches the worker for a created job. A job can be started exactly
// once, and only while it is still queued.
func (q *Queue) Start(jobID string) (Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return Job{}, apperr.NotFound("job", jobID)
	}
	if job.Status != StatusQueued {
		status := job.Status
		q.mu.Unlock()
		return Job{}, apperr.State(
			fmt.Sprintf("job %s is %s and cannot be started", jobID, status),
			"only queued jobs can be started")
	}
	if _, running := q.cancels[jobID]; running {
		q.mu.Unlock()
		return Job{}, apperr.State(
			fmt.Sprintf("job %s is already running", jobID),
			"a job starts at most once")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancels[jobID] = cancel
	snapshot := job.clone()
	q.mu.Unlock()

	slog.Info("job started", "job_id", jobID, "model", snapshot.ModelID)

	q.wg.Add(1)
	go q.work(ctx, jobID)
	return snapshot, nil
}

// Submit creates the job and immediately starts its worker.
func (q *Queue) Submit(in SubmitInput) (Job, error) {
	job, err := q.Create(in)
	if err != nil {
		return Job{}, err
	}
	return q.Start(job.ID)
}

// work drives one job against the provider and applies its completion hook.
func (q *Queue) work(ctx context.Context, jobID string) {
	defer q.wg.Done()
	defer q.releaseCancel(jobID)

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	modelID := job.ModelID
	params := cloneMap(job.Params)
	q.mu.Unlock()

	payload, err := q.gen.RunWithEvents(ctx, modelID, params, q.budget, func(ev provider.Event) {
		q.applyEvent(jobID, ev)
	})

	if err != nil {
		if ctx.Err() != nil {
			// Cancel already recorded the terminal state.
			slog.Info("job worker stopped after cancellation", "job_id", jobID)
			return
		}
		q.markFailed(jobID, err)
		return
	}

	snapshot, ok := q.markCompleted(jobID, payload)
	if !ok {
		return
	}

	q.mu.Lock()
	hook := q.hooks[snapshot.Kind]
	q.mu.Unlock()
	if hook == nil {
		return
	}
	if err := hook(context.Background(), snapshot); err != nil {
		slog.Error("completion hook failed; job result remains available",
			"job_id", jobID, "kind", snapshot.Kind, "error", err)
	}
}

// applyEvent folds a provider lifecycle event into the job record.
func (q *Queue) applyEvent(jobID string, ev provider.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		return
	}

	switch ev.Type {
	case provider.EventQueued:
		job.QueuePosition = ev.QueuePosition
	case provider.EventInProgress:
		if canTransition(job.Status, StatusInProgress) {
			job.Status = StatusInProgress
			t := q.now()
			job.StartedAt = &t
		}
		if ev.Progress != nil {
			p := *ev.Progress
			job.Progress = &p
		}
		job.Logs = append(job.Logs, ev.Logs...)
	case provider.EventCompleted:
		job.Logs = append(job.Logs, ev.Logs...)
	case provider.EventError:
		// Terminal handling happens when the run returns.
	}
}

func (q *Queue) markFailed(jobID string, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || !canTransition(job.Status, StatusFailed) {
		return
	}
	job.Status = StatusFailed
	job.ErrorMessage = cause.Error()
	t := q.now()
	job.CompletedAt = &t
	slog.Error("job failed", "job_id", jobID, "model", job.ModelID, "error", cause)
}

func (q *Queue) markCompleted(jobID string, payload map[string]any) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || !canTransition(job.Status, StatusCompleted) {
		return Job{}, false
	}
	// A job may complete straight from queued when the provider never
	// reported progress.
	if job.StartedAt == nil {
		t := q.now()
		job.StartedAt = &t
	}
	job.Status = StatusCompleted
	job.ResultPayload = payload
	job.ResultURL = provider.ExtractResultURL(job.Kind, payload)
	full := 100.0
	job.Progress = &full
	t := q.now()
	job.CompletedAt = &t
	slog.Info("job completed", "job_id", jobID, "model", job.ModelID, "result_url", job.ResultURL)
	return job.clone(), true
}

func (q *Queue) releaseCancel(jobID string) {
	q.mu.Lock()
	cancel := q.cancels[jobID]
	delete(q.cancels, jobID)
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Get returns a job snapshot.
func (q *Queue) Get(jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, apperr.NotFound("job", jobID)
	}
	return job.clone(), nil
}

// Cancel stops a running job. It returns false without error when the job is
// already terminal; cancelling twice is a no-op.
func (q *Queue) Cancel(jobID string) (bool, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return false, apperr.NotFound("job", jobID)
	}
	if job.Status.IsTerminal() {
		q.mu.Unlock()
		return false, nil
	}
	job.Status = StatusCancelled
	job.ErrorMessage = CancelledMessage
	t := q.now()
	job.CompletedAt = &t
	cancel := q.cancels[jobID]
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("job cancelled", "job_id", jobID)
	return true, nil
}

// ListFilter narrows List output; zero values match everything.
type ListFilter struct {
	Status    Status
	Kind      provider.TaskKind
	ProjectID string
}

// List returns job snapshots, newest first.
func (q *Queue) List(filter ListFilter) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.ProjectID != "" && job.ProjectID != filter.ProjectID {
			continue
		}
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats is an aggregate view of the queue.
type Stats struct {
	Total            int                       `json:"total"`
	Active           int                       `json:"active"`
	ByStatus         map[Status]int            `json:"by_status"`
	ByKind           map[provider.TaskKind]int `json:"by_kind"`
	AvgWaitS         float64                   `json:"avg_wait_s"`
	AvgProcessingS   float64                   `json:"avg_processing_s"`
	OldestActiveAgeS float64                   `json:"oldest_active_age_s,omitempty"`
}

// StatsSnapshot computes queue aggregates.
func (q *Queue) StatsSnapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		ByStatus: make(map[Status]int),
		ByKind:   make(map[provider.TaskKind]int),
	}
	var waitSum, procSum float64
	var waitN, procN int
	now := q.now()
	var oldestActive time.Time

	for _, job := range q.jobs {
		stats.Total++
		stats.ByStatus[job.Status]++
		stats.ByKind[job.Kind]++
		if !job.Status.IsTerminal() {
			stats.Active++
			if oldestActive.IsZero() || job.CreatedAt.Before(oldestActive) {
				oldestActive = job.CreatedAt
			}
		}
		if job.StartedAt != nil {
			waitSum += job.StartedAt.Sub(job.CreatedAt).Seconds()
			waitN++
			if job.CompletedAt != nil && job.Status == StatusCompleted {
				procSum += job.CompletedAt.Sub(*job.StartedAt).Seconds()
				procN++
			}
		}
	}
	if waitN > 0 {
		stats.AvgWaitS = waitSum / float64(waitN)
	}
	if procN > 0 {
		stats.AvgProcessingS = procSum / float64(procN)
	}
	if !oldestActive.IsZero() {
		stats.OldestActiveAgeS = now.Sub(oldestActive).Seconds()
	}
	return stats
}

// Wait blocks until the job reaches a terminal state or ctx expires, polling
// the local table.
func (q *Queue) Wait(ctx context.Context, jobID string, pollInterval time.Duration) (Job, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := q.Get(jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, apperr.API(apperr.APITimeout,
				fmt.Sprintf("timed out waiting for job %s", jobID), false).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

// Cleanup drops terminal jobs that finished before the cutoff and returns how
// many were removed.
func (q *Queue) Cleanup(olderThan time.Duration) int {
	cutoff := q.now().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, job := range q.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("queue cleanup", "removed", removed, "older_than", olderThan)
	}
	return removed
}

// Shutdown cancels every active job and waits for the workers to drain.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	for id, job := range q.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = StatusCancelled
		job.ErrorMessage = CancelledMessage
		t := q.now()
		job.CompletedAt = &t
		if cancel := q.cancels[id]; cancel != nil {
			cancel()
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func paramInt(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, false
		}
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
