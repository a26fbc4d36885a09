package provider

import (
	"fmt"
	"sort"
	"strconv"

	"reelforge/internal/apperr"
)

// TaskKind categorizes generation work and selects the completion handling.
type TaskKind string

const (
	TaskVideo  TaskKind = "video"
	TaskImage  TaskKind = "image"
	TaskAudio  TaskKind = "audio"
	TaskMusic  TaskKind = "music"
	TaskSpeech TaskKind = "speech"
)

// TaskKinds lists every recognized kind, for validation messages.
func TaskKinds() []string {
	return []string{string(TaskVideo), string(TaskImage), string(TaskAudio), string(TaskMusic), string(TaskSpeech)}
}

// Model describes one provider endpoint: where to submit, which durations it
// accepts and which extra arguments it understands.
type Model struct {
	ID             string
	Kind           TaskKind
	Path           string // endpoint path under the provider base URL
	ValidDurations []int  // empty means the model is not duration-bound
	ExtraParams    []string
	// FixedParams are forced onto every request; callers cannot override
	// them. The image-edit model pins its guidance scale this way.
	FixedParams map[string]any
}

// SafetyTolerances are the coarse levels the image-edit model accepts.
var SafetyTolerances = []string{"low", "medium", "high"}

var models = map[string]Model{
	"video-A": {
		ID:             "video-A",
		Kind:           TaskVideo,
		Path:           "models/video-A",
		ValidDurations: []int{5, 10},
		ExtraParams:    []string{"prompt", "image_url", "motion_prompt", "aspect_ratio", "duration"},
	},
	"video-B": {
		ID:             "video-B",
		Kind:           TaskVideo,
		Path:           "models/video-B",
		ValidDurations: []int{6, 10},
		ExtraParams:    []string{"prompt", "image_url", "motion_prompt", "aspect_ratio", "duration"},
	},
	"image-std": {
		ID:          "image-std",
		Kind:        TaskImage,
		Path:        "models/image-std",
		ExtraParams: []string{"prompt", "aspect_ratio", "num_images"},
	},
	"image-edit": {
		ID:          "image-edit",
		Kind:        TaskImage,
		Path:        "models/image-edit",
		ExtraParams: []string{"prompt", "image_url", "safety_tolerance"},
		FixedParams: map[string]any{"guidance_scale": 3.5},
	},
	"music-std": {
		ID:          "music-std",
		Kind:        TaskMusic,
		Path:        "models/music-std",
		ExtraParams: []string{"prompt", "duration"},
	},
	"speech-std": {
		ID:          "speech-std",
		Kind:        TaskSpeech,
		Path:        "models/speech-std",
		ExtraParams: []string{"text", "voice", "speed"},
	},
}

// ModelIDs returns the registered model ids for a kind; empty kind means all.
func ModelIDs(kind TaskKind) []string {
	var ids []string
	for id, m := range models {
		if kind == "" || m.Kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// VideoDurations returns the union of clip lengths the registered video
// models can produce, sorted ascending.
func VideoDurations() []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range models {
		if m.Kind != TaskVideo {
			continue
		}
		for _, d := range m.ValidDurations {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Ints(out)
	return out
}

// LookupModel resolves a model id, or returns a validation error listing the
// models registered for generation.
func LookupModel(id string) (Model, error) {
	m, ok := models[id]
	if !ok {
		return Model{}, apperr.Validation(
			fmt.Sprintf("unknown model %q", id),
			ModelIDs(""),
			"pick a registered model for the task kind",
			`{"model_id": "video-A"}`,
		)
	}
	return m, nil
}

// ValidateDuration checks a requested clip length against the model's legal
// durations.
func (m Model) ValidateDuration(durationS int) error {
	if len(m.ValidDurations) == 0 {
		return nil
	}
	opts := make([]string, len(m.ValidDurations))
	for i, d := range m.ValidDurations {
		if d == durationS {
			return nil
		}
		opts[i] = strconv.Itoa(d)
	}
	return apperr.Validation(
		fmt.Sprintf("model %s does not support a %d second duration", m.ID, durationS),
		opts,
		fmt.Sprintf("use one of the durations %s accepts, or switch models", m.ID),
		fmt.Sprintf(`{"model_id": %q, "duration": %d}`, m.ID, m.ValidDurations[0]),
	)
}

// ValidateSafetyTolerance checks the image-edit safety level.
func ValidateSafetyTolerance(level string) error {
	for _, l := range SafetyTolerances {
		if l == level {
			return nil
		}
	}
	return apperr.Validation(
		fmt.Sprintf("unknown safety tolerance %q", level),
		SafetyTolerances,
		"pick one of the coarse safety levels",
		`{"safety_tolerance": "medium"}`,
	)
}
