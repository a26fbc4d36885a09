// Package project models the Project → Scene → Asset graph and the in-memory
// store that owns it. Derived fields (total cost, actual duration) are
// recomputed on every mutation and observed atomically by readers.
package project

import (
	"time"
)

// Status is a project's lifecycle phase. It advances monotonically; failed
// is terminal unless explicitly re-opened.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusRendering  Status = "rendering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusRank orders the non-terminal statuses for monotonicity checks.
var statusRank = map[Status]int{
	StatusDraft:      0,
	StatusInProgress: 1,
	StatusRendering:  2,
	StatusCompleted:  3,
}

// Statuses lists the recognized values, for validation messages.
func Statuses() []string {
	return []string{string(StatusDraft), string(StatusInProgress), string(StatusRendering), string(StatusCompleted), string(StatusFailed)}
}

// AssetKind categorizes a produced artifact.
type AssetKind string

const (
	KindImage    AssetKind = "image"
	KindVideo    AssetKind = "video"
	KindAudio    AssetKind = "audio"
	KindMusic    AssetKind = "music"
	KindSpeech   AssetKind = "speech"
	KindSubtitle AssetKind = "subtitle"
)

// AssetKinds lists the recognized values.
func AssetKinds() []string {
	return []string{string(KindImage), string(KindVideo), string(KindAudio), string(KindMusic), string(KindSpeech), string(KindSubtitle)}
}

// AssetSource records where an artifact came from.
type AssetSource string

const (
	SourceGenerated AssetSource = "generated"
	SourceUploaded  AssetSource = "uploaded"
	SourceStock     AssetSource = "stock"
	SourceTemplate  AssetSource = "template"
)

// Asset is a concrete artifact: a remote URL, optionally downloaded to a
// local path, with a kind and a cost.
type Asset struct {
	ID               string         `json:"asset_id"`
	Kind             AssetKind      `json:"kind"`
	Source           AssetSource    `json:"source"`
	RemoteURL        string         `json:"remote_url,omitempty"`
	LocalPath        string         `json:"local_path,omitempty"`
	Cost             float64        `json:"cost"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	GenerationParams map[string]any `json:"generation_params,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (a Asset) clone() Asset {
	c := a
	c.Metadata = cloneMap(a.Metadata)
	c.GenerationParams = cloneMap(a.GenerationParams)
	return c
}

// Scene is an ordered segment of the timeline.
type Scene struct {
	ID            string   `json:"scene_id"`
	Order         int      `json:"order"`
	DurationS     int      `json:"duration_s"`
	Description   string   `json:"description"`
	Assets        []Asset  `json:"assets"`
	AudioTrackIDs []string `json:"audio_track_ids,omitempty"`
}

func (s Scene) clone() Scene {
	c := s
	c.Assets = make([]Asset, len(s.Assets))
	for i, a := range s.Assets {
		c.Assets[i] = a.clone()
	}
	c.AudioTrackIDs = append([]string(nil), s.AudioTrackIDs...)
	return c
}

// VideoAsset returns the scene's video asset, if it owns one.
func (s Scene) VideoAsset() (Asset, bool) {
	for _, a := range s.Assets {
		if a.Kind == KindVideo {
			return a, true
		}
	}
	return Asset{}, false
}

// Project is the root aggregate.
type Project struct {
	ID                string    `json:"project_id"`
	Title             string    `json:"title"`
	Platform          string    `json:"platform"`
	AspectRatio       string    `json:"aspect_ratio"`
	TargetDurationS   int       `json:"target_duration_s,omitempty"`
	Script            string    `json:"script,omitempty"`
	Status            Status    `json:"status"`
	Scenes            []Scene   `json:"scenes"`
	GlobalAudioTracks []Asset   `json:"global_audio_tracks"`
	TotalCost         float64   `json:"total_cost"`
	ActualDurationS   int       `json:"actual_duration_s"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (p *Project) clone() *Project {
	c := *p
	c.Scenes = make([]Scene, len(p.Scenes))
	for i, s := range p.Scenes {
		c.Scenes[i] = s.clone()
	}
	c.GlobalAudioTracks = make([]Asset, len(p.GlobalAudioTracks))
	for i, a := range p.GlobalAudioTracks {
		c.GlobalAudioTracks[i] = a.clone()
	}
	return &c
}

// Scene looks up a scene by id.
func (p *Project) Scene(sceneID string) (*Scene, bool) {
	for i := range p.Scenes {
		if p.Scenes[i].ID == sceneID {
			return &p.Scenes[i], true
		}
	}
	return nil, false
}

// GlobalAudioTrack looks up a global track by asset id.
func (p *Project) GlobalAudioTrack(assetID string) (Asset, bool) {
	for _, a := range p.GlobalAudioTracks {
		if a.ID == assetID {
			return a, true
		}
	}
	return Asset{}, false
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
