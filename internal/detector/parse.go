package detector

import (
	"encoding/json"
	"strings"
)

// ParseFindings interprets a model reply as zero or more findings. Models
// wrap the JSON in Markdown fences, nest it under envelope keys, or skip
// the array for a single object; all of those are tolerated. Text that is
// not JSON at all comes back as one raw finding so the normalizer can
// count it rather than have it vanish.
func ParseFindings(text string) []RawFinding {
	cleaned := stripFences(text)
	if cleaned == "" || cleaned == "null" || cleaned == "none" {
		return nil
	}

	var list []RawFinding
	if err := json.Unmarshal([]byte(cleaned), &list); err == nil {
		return list
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
		for _, key := range []string{"findings", "detections", "objects", "results"} {
			if raw, ok := obj[key]; ok {
				if err := json.Unmarshal(raw, &list); err == nil {
					return list
				}
			}
		}
		var single RawFinding
		if err := json.Unmarshal([]byte(cleaned), &single); err == nil {
			if single.Category != "" || single.Confidence != nil || single.Box != nil {
				return []RawFinding{single}
			}
		}
	}

	return []RawFinding{{Raw: text}}
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
