// Package platform holds the target-platform registry: the aspect ratios,
// duration limits and delivery recommendations each publishing platform
// accepts. The table is consumed by boundary validation and by assembly.
package platform

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"reelforge/internal/apperr"
)

// Recommendations describe the preferred delivery parameters for a platform.
type Recommendations struct {
	Resolution   string `json:"resolution"`
	FrameRate    int    `json:"frame_rate"`
	Bitrate      string `json:"bitrate"`
	AudioBitrate string `json:"audio_bitrate"`
}

// Spec is one platform's recognized options.
type Spec struct {
	Name                 string          `json:"name"`
	SupportedAspects     []string        `json:"supported_aspect_ratios"`
	DefaultAspect        string          `json:"default_aspect_ratio"`
	MaxDurationS         int             `json:"max_duration_s"`
	RecommendedDurationS int             `json:"recommended_duration_s"`
	Formats              []string        `json:"formats"`
	MaxFileSizeBytes     int64           `json:"max_file_size_bytes"`
	Recommendations      Recommendations `json:"recommendations"`
}

const gib = 1024 * 1024 * 1024

var registry = map[string]Spec{
	"youtube": {
		Name:                 "youtube",
		SupportedAspects:     []string{"16:9", "4:3", "21:9"},
		DefaultAspect:        "16:9",
		MaxDurationS:         43200,
		RecommendedDurationS: 480,
		Formats:              []string{"mp4", "mov", "webm"},
		MaxFileSizeBytes:     256 * gib,
		Recommendations:      Recommendations{Resolution: "1920x1080", FrameRate: 30, Bitrate: "8M", AudioBitrate: "192k"},
	},
	"youtube_shorts": {
		Name:                 "youtube_shorts",
		SupportedAspects:     []string{"9:16", "1:1"},
		DefaultAspect:        "9:16",
		MaxDurationS:         60,
		RecommendedDurationS: 45,
		Formats:              []string{"mp4"},
		MaxFileSizeBytes:     2 * gib,
		Recommendations:      Recommendations{Resolution: "1080x1920", FrameRate: 30, Bitrate: "8M", AudioBitrate: "192k"},
	},
	"tiktok": {
		Name:                 "tiktok",
		SupportedAspects:     []string{"9:16", "1:1"},
		DefaultAspect:        "9:16",
		MaxDurationS:         600,
		RecommendedDurationS: 30,
		Formats:              []string{"mp4", "mov"},
		MaxFileSizeBytes:     4 * gib,
		Recommendations:      Recommendations{Resolution: "1080x1920", FrameRate: 30, Bitrate: "6M", AudioBitrate: "192k"},
	},
	"instagram_reel": {
		Name:                 "instagram_reel",
		SupportedAspects:     []string{"9:16", "4:5"},
		DefaultAspect:        "9:16",
		MaxDurationS:         90,
		RecommendedDurationS: 30,
		Formats:              []string{"mp4", "mov"},
		MaxFileSizeBytes:     4 * gib,
		Recommendations:      Recommendations{Resolution: "1080x1920", FrameRate: 30, Bitrate: "5M", AudioBitrate: "128k"},
	},
	"instagram_post": {
		Name:                 "instagram_post",
		SupportedAspects:     []string{"1:1", "4:5", "16:9"},
		DefaultAspect:        "1:1",
		MaxDurationS:         60,
		RecommendedDurationS: 30,
		Formats:              []string{"mp4", "mov"},
		MaxFileSizeBytes:     4 * gib,
		Recommendations:      Recommendations{Resolution: "1080x1080", FrameRate: 30, Bitrate: "5M", AudioBitrate: "128k"},
	},
	"twitter": {
		Name:                 "twitter",
		SupportedAspects:     []string{"16:9", "1:1"},
		DefaultAspect:        "16:9",
		MaxDurationS:         140,
		RecommendedDurationS: 45,
		Formats:              []string{"mp4", "mov"},
		MaxFileSizeBytes:     512 * 1024 * 1024,
		Recommendations:      Recommendations{Resolution: "1920x1080", FrameRate: 30, Bitrate: "5M", AudioBitrate: "128k"},
	},
	"linkedin": {
		Name:                 "linkedin",
		SupportedAspects:     []string{"16:9", "1:1", "9:16"},
		DefaultAspect:        "16:9",
		MaxDurationS:         600,
		RecommendedDurationS: 90,
		Formats:              []string{"mp4"},
		MaxFileSizeBytes:     5 * gib,
		Recommendations:      Recommendations{Resolution: "1920x1080", FrameRate: 30, Bitrate: "5M", AudioBitrate: "128k"},
	},
	"facebook": {
		Name:                 "facebook",
		SupportedAspects:     []string{"16:9", "9:16", "1:1", "4:5"},
		DefaultAspect:        "16:9",
		MaxDurationS:         14400,
		RecommendedDurationS: 90,
		Formats:              []string{"mp4", "mov"},
		MaxFileSizeBytes:     10 * gib,
		Recommendations:      Recommendations{Resolution: "1920x1080", FrameRate: 30, Bitrate: "6M", AudioBitrate: "128k"},
	},
	"custom": {
		Name:                 "custom",
		SupportedAspects:     []string{"16:9", "9:16", "1:1", "4:5", "4:3", "21:9"},
		DefaultAspect:        "16:9",
		MaxDurationS:         0, // unlimited
		RecommendedDurationS: 60,
		Formats:              []string{"mp4", "mov", "webm"},
		MaxFileSizeBytes:     0,
		Recommendations:      Recommendations{Resolution: "1920x1080", FrameRate: 30, Bitrate: "8M", AudioBitrate: "192k"},
	},
}

// Names returns the registered platform names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks up a platform spec by name.
func Get(name string) (Spec, bool) {
	spec, ok := registry[name]
	return spec, ok
}

// All returns every registered spec, sorted by name.
func All() []Spec {
	names := Names()
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		specs = append(specs, registry[name])
	}
	return specs
}

// Validate resolves a platform name, returning a validation error listing the
// recognized platforms when the name is unknown.
func Validate(name string) (Spec, error) {
	spec, ok := registry[name]
	if !ok {
		return Spec{}, apperr.Validation(
			fmt.Sprintf("unknown platform %q", name),
			Names(),
			"use one of the registered platform names",
			`{"platform": "tiktok"}`,
		)
	}
	return spec, nil
}

// ValidateAspect checks that an aspect ratio is supported by the platform.
func ValidateAspect(spec Spec, aspect string) error {
	for _, a := range spec.SupportedAspects {
		if a == aspect {
			return nil
		}
	}
	return apperr.Validation(
		fmt.Sprintf("aspect ratio %q is not supported by %s", aspect, spec.Name),
		spec.SupportedAspects,
		fmt.Sprintf("omit aspect_ratio to default to %s", spec.DefaultAspect),
		fmt.Sprintf(`{"aspect_ratio": %q}`, spec.DefaultAspect),
	)
}

// Dimensions maps an aspect ratio to pixel dimensions at height 1080.
// The six common ratios are fixed; any other "w:h" is computed.
func Dimensions(aspect string) (width, height int, err error) {
	switch aspect {
	case "16:9":
		return 1920, 1080, nil
	case "9:16":
		return 1080, 1920, nil
	case "1:1":
		return 1080, 1080, nil
	case "4:5":
		return 864, 1080, nil
	case "4:3":
		return 1440, 1080, nil
	case "21:9":
		return 2560, 1080, nil
	}

	parts := strings.SplitN(aspect, ":", 2)
	if len(parts) != 2 {
		return 0, 0, apperr.Validation(
			fmt.Sprintf("malformed aspect ratio %q", aspect),
			[]string{"16:9", "9:16", "1:1", "4:5", "4:3", "21:9", "w:h"},
			"use the w:h form",
			`"3:2"`,
		)
	}
	w, werr := strconv.Atoi(parts[0])
	h, herr := strconv.Atoi(parts[1])
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return 0, 0, apperr.Validation(
			fmt.Sprintf("malformed aspect ratio %q", aspect),
			[]string{"16:9", "9:16", "1:1", "4:5", "4:3", "21:9", "w:h"},
			"both terms must be positive integers",
			`"3:2"`,
		)
	}
	// Arbitrary ratios are derived at the standard 1080 height.
	return int(float64(w) * 1080.0 / float64(h)), 1080, nil
}
