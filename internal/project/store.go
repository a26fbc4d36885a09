package project

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/apperr"
	"reelforge/internal/cost"
	"reelforge/internal/platform"
)

// Store owns every project. All operations are synchronous and serialized by
// a single mutex; completion hooks mutate through the same boundary, so
// readers always observe the derived fields consistently.
type Store struct {
	mu        sync.Mutex
	projects  map[string]*Project
	currentID string

	// sceneDurations are the provider-legal video lengths a scene may use.
	sceneDurations []int
}

// NewStore creates an empty store. sceneDurations lists the clip lengths the
// registered video models can produce.
func NewStore(sceneDurations []int) *Store {
	ds := append([]int(nil), sceneDurations...)
	sort.Ints(ds)
	return &Store{
		projects:       make(map[string]*Project),
		sceneDurations: ds,
	}
}

// CreateInput are the caller-supplied project fields.
type CreateInput struct {
	Title           string
	Platform        string
	AspectRatio     string
	TargetDurationS int
	Script          string
}

// Create validates the input against the platform registry, fills defaults
// and makes the new project current.
func (s *Store) Create(in CreateInput) (*Project, error) {
	if in.Title == "" {
		return nil, apperr.Validation(
			"title must not be empty",
			nil,
			"give the project a short descriptive title",
			`{"title": "Spring launch teaser", "platform": "tiktok"}`,
		)
	}
	spec, err := platform.Validate(in.Platform)
	if err != nil {
		return nil, err
	}

	aspect := in.AspectRatio
	if aspect == "" {
		aspect = spec.DefaultAspect
	} else if err := platform.ValidateAspect(spec, aspect); err != nil {
		return nil, err
	}

	target := in.TargetDurationS
	if target == 0 {
		target = spec.RecommendedDurationS
	}
	if spec.MaxDurationS > 0 && target > spec.MaxDurationS {
		return nil, apperr.Validation(
			fmt.Sprintf("target duration %ds exceeds the %s limit of %ds", target, spec.Name, spec.MaxDurationS),
			nil,
			fmt.Sprintf("stay at or below %d seconds", spec.MaxDurationS),
			fmt.Sprintf(`{"target_duration_s": %d}`, spec.RecommendedDurationS),
		)
	}

	now := time.Now()
	p := &Project{
		ID:              uuid.New().String(),
		Title:           in.Title,
		Platform:        spec.Name,
		AspectRatio:     aspect,
		TargetDurationS: target,
		Script:          in.Script,
		Status:          StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	s.projects[p.ID] = p
	s.currentID = p.ID
	s.mu.Unlock()

	slog.Info("project created", "project_id", p.ID, "title", p.Title, "platform", p.Platform)
	return p.clone(), nil
}

// Get returns a copy of a project.
func (s *Store) Get(projectID string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, apperr.NotFound("project", projectID)
	}
	return p.clone(), nil
}

// Current returns the most recently created or selected project.
func (s *Store) Current() (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentID == "" {
		return nil, apperr.State("no current project", "create a project first")
	}
	p, ok := s.projects[s.currentID]
	if !ok {
		return nil, apperr.NotFound("project", s.currentID)
	}
	return p.clone(), nil
}

// SetCurrent selects the current project.
func (s *Store) SetCurrent(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return apperr.NotFound("project", projectID)
	}
	s.currentID = projectID
	return nil
}

// List returns all projects, newest first.
func (s *Store) List() []*Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UpdateInput carries the mutable project fields; nil pointers are left
// untouched.
type UpdateInput struct {
	Title  *string
	Script *string
	Status *Status
	// Reopen permits leaving the terminal failed status and rolling the
	// status backward, both explicit operations.
	Reopen bool
}

// Update applies field changes. Status changes must advance monotonically;
// failed can always be entered, and left only with Reopen.
func (s *Store) Update(projectID string, in UpdateInput) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, apperr.NotFound("project", projectID)
	}

	if in.Status != nil {
		if err := validateStatusChange(p.Status, *in.Status, in.Reopen); err != nil {
			return nil, err
		}
		p.Status = *in.Status
	}
	if in.Title != nil {
		if *in.Title == "" {
			return nil, apperr.Validation("title must not be empty", nil, "keep the existing title or supply a new one", `{"title": "Spring launch teaser"}`)
		}
		p.Title = *in.Title
	}
	if in.Script != nil {
		p.Script = *in.Script
	}
	p.UpdatedAt = time.Now()
	return p.clone(), nil
}

func validateStatusChange(from, to Status, reopen bool) error {
	if _, ok := statusRank[to]; !ok && to != StatusFailed {
		return apperr.Validation(
			fmt.Sprintf("unknown status %q", to),
			Statuses(),
			"use one of the recognized statuses",
			`{"status": "in_progress"}`,
		)
	}
	if from == to {
		return nil
	}
	if from == StatusFailed && !reopen {
		return apperr.State(
			"project is failed; its status is terminal",
			"pass reopen=true to explicitly re-open the project",
		)
	}
	if to == StatusFailed || from == StatusFailed {
		return nil
	}
	if statusRank[to] < statusRank[from] && !reopen {
		return apperr.State(
			fmt.Sprintf("status cannot move backward from %s to %s", from, to),
			"statuses only advance; pass reopen=true to roll the project back",
		)
	}
	return nil
}

// AddScene appends a scene, or inserts it at position when one is given.
// Orders stay dense and unique.
func (s *Store) AddScene(projectID, description string, durationS int, position *int) (*Scene, error) {
	if err := s.validateSceneDuration(durationS); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, apperr.NotFound("project", projectID)
	}

	idx := len(p.Scenes)
	if position != nil {
		if *position < 0 || *position > len(p.Scenes) {
			return nil, apperr.Validation(
				fmt.Sprintf("position %d is out of range", *position),
				nil,
				fmt.Sprintf("use a position in [0, %d], or omit it to append", len(p.Scenes)),
				`{"position": 0}`,
			)
		}
		idx = *position
	}

	scene := Scene{
		ID:          uuid.New().String(),
		DurationS:   durationS,
		Description: description,
	}
	p.Scenes = append(p.Scenes, Scene{})
	copy(p.Scenes[idx+1:], p.Scenes[idx:])
	p.Scenes[idx] = scene
	renumber(p)
	recompute(p)
	p.UpdatedAt = time.Now()

	out := p.Scenes[idx].clone()
	slog.Info("scene added", "project_id", projectID, "scene_id", scene.ID, "order", idx, "duration_s", durationS)
	return &out, nil
}

func (s *Store) validateSceneDuration(durationS int) error {
	for _, d := range s.sceneDurations {
		if d == durationS {
			return nil
		}
	}
	opts := make([]string, len(s.sceneDurations))
	for i, d := range s.sceneDurations {
		opts[i] = strconv.Itoa(d)
	}
	return apperr.Validation(
		fmt.Sprintf("no video model can produce a %d second clip", durationS),
		opts,
		"scene durations must match a generatable clip length",
		`{"duration_s": 5}`,
	)
}

// AttachSceneAsset adds a generated or uploaded asset to a scene. A scene
// owns at most one video asset; attaching a second replaces the first.
func (s *Store) AttachSceneAsset(projectID, sceneID string, asset Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apperr.NotFound("project", projectID)
	}
	scene, ok := p.Scene(sceneID)
	if !ok {
		return apperr.NotFound("scene", sceneID)
	}

	if asset.Kind == KindVideo {
		if d, ok := asset.Metadata["duration"]; ok {
			if dur, ok := toInt(d); ok && dur != scene.DurationS {
				return apperr.Validation(
					fmt.Sprintf("video duration %ds does not match scene duration %ds", dur, scene.DurationS),
					nil,
					"generate the clip with the scene's duration",
					fmt.Sprintf(`{"duration": %d}`, scene.DurationS),
				)
			}
		}
		for i := range scene.Assets {
			if scene.Assets[i].Kind == KindVideo {
				slog.Info("replacing scene video asset",
					"project_id", projectID, "scene_id", sceneID,
					"old_asset_id", scene.Assets[i].ID, "new_asset_id", asset.ID)
				scene.Assets[i] = asset.clone()
				recompute(p)
				p.UpdatedAt = time.Now()
				return nil
			}
		}
	}

	scene.Assets = append(scene.Assets, asset.clone())
	recompute(p)
	p.UpdatedAt = time.Now()
	return nil
}

// AddGlobalAudioTrack attaches a music or speech asset at project scope.
func (s *Store) AddGlobalAudioTrack(projectID string, asset Asset) error {
	if asset.Kind != KindMusic && asset.Kind != KindSpeech && asset.Kind != KindAudio {
		return apperr.Validation(
			fmt.Sprintf("kind %q cannot be a global audio track", asset.Kind),
			[]string{string(KindMusic), string(KindSpeech), string(KindAudio)},
			"global tracks are audio-family assets",
			`{"kind": "music"}`,
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apperr.NotFound("project", projectID)
	}
	p.GlobalAudioTracks = append(p.GlobalAudioTracks, asset.clone())
	recompute(p)
	p.UpdatedAt = time.Now()
	return nil
}

// SetAssetLocalPath records the downloaded location of an asset wherever it
// is attached.
func (s *Store) SetAssetLocalPath(projectID, assetID, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apperr.NotFound("project", projectID)
	}
	for i := range p.Scenes {
		for j := range p.Scenes[i].Assets {
			if p.Scenes[i].Assets[j].ID == assetID {
				p.Scenes[i].Assets[j].LocalPath = localPath
				p.UpdatedAt = time.Now()
				return nil
			}
		}
	}
	for i := range p.GlobalAudioTracks {
		if p.GlobalAudioTracks[i].ID == assetID {
			p.GlobalAudioTracks[i].LocalPath = localPath
			p.UpdatedAt = time.Now()
			return nil
		}
	}
	return apperr.NotFound("asset", assetID)
}

// ClearAll drops every project. Used by tests and the reset endpoint.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = make(map[string]*Project)
	s.currentID = ""
}

// renumber restores dense scene orders after an insert or removal.
func renumber(p *Project) {
	for i := range p.Scenes {
		p.Scenes[i].Order = i
	}
}

// recompute re-derives total cost and actual duration. Callers hold the lock.
func recompute(p *Project) {
	total := 0.0
	duration := 0
	for _, scene := range p.Scenes {
		duration += scene.DurationS
		for _, a := range scene.Assets {
			total += a.Cost
		}
	}
	for _, a := range p.GlobalAudioTracks {
		total += a.Cost
	}
	p.TotalCost = cost.Round3(total)
	p.ActualDurationS = duration
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
