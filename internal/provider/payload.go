package provider

// Result payloads are opaque JSON; only a handful of fields are structurally
// required. The field preference order below is part of the contract.

// ExtractResultURL pulls the artifact URL out of a result payload for the
// given task kind. It returns "" when no recognized field is present.
func ExtractResultURL(kind TaskKind, payload map[string]any) string {
	if payload == nil {
		return ""
	}
	switch kind {
	case TaskVideo:
		// video.url | url | output_url, first non-empty wins.
		if url := nestedString(payload, "video", "url"); url != "" {
			return url
		}
		if url, _ := payload["url"].(string); url != "" {
			return url
		}
		url, _ := payload["output_url"].(string)
		return url
	case TaskImage:
		if images, ok := payload["images"].([]any); ok && len(images) > 0 {
			if first, ok := images[0].(map[string]any); ok {
				url, _ := first["url"].(string)
				return url
			}
		}
		return ""
	case TaskAudio, TaskMusic, TaskSpeech:
		return nestedString(payload, "audio", "url")
	default:
		return ""
	}
}

// ExtractSpeechDurationMS reads the duration_ms field of a speech result.
func ExtractSpeechDurationMS(payload map[string]any) (int, bool) {
	switch v := payload["duration_ms"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func nestedString(payload map[string]any, outer, inner string) string {
	if m, ok := payload[outer].(map[string]any); ok {
		s, _ := m[inner].(string)
		return s
	}
	return ""
}
