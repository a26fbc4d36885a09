// Package cost holds the provider pricing tables and the rounding rule used
// project-wide. All monetary values are USD rounded to 3 decimals.
package cost

import "math"

// Per-model pricing. Image models charge per artifact, video models per
// second, music per started 30-second block, speech per started block of
// 1,000 input characters.
var (
	imagePerArtifact = map[string]float64{
		"image-std":  0.035,
		"image-edit": 0.04,
	}
	videoPerSecond = map[string]float64{
		"video-A": 0.05,
		"video-B": 0.08,
	}
	musicPer30s        = 0.12
	speechPer1000Chars = 0.10
)

const (
	musicBlockSeconds = 30
	speechBlockChars  = 1000
)

// Round3 applies the project-wide money rounding.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Image returns the cost of one generated image for the model, or 0 for an
// unknown model.
func Image(modelID string) float64 {
	return Round3(imagePerArtifact[modelID])
}

// Video returns the cost of a generated video of the given duration.
func Video(modelID string, durationS int) float64 {
	return Round3(videoPerSecond[modelID] * float64(durationS))
}

// Music charges per started 30-second block.
func Music(durationS int) float64 {
	if durationS <= 0 {
		return 0
	}
	blocks := int(math.Ceil(float64(durationS) / musicBlockSeconds))
	return Round3(float64(blocks) * musicPer30s)
}

// Speech charges per started 1,000-character block of input text.
func Speech(textLen int) float64 {
	if textLen <= 0 {
		return 0
	}
	blocks := int(math.Ceil(float64(textLen) / speechBlockChars))
	return Round3(float64(blocks) * speechPer1000Chars)
}
