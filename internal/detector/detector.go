// Package detector abstracts the vision backend that inspects sampled
// frames. Callers are polymorphic over the Backend capability and never
// know whether a hosted or a locally served model is active.
package detector

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/fieldscan/fieldscan/internal/models"
)

// Request carries one frame plus the category set the caller wants scanned.
type Request struct {
	Image      []byte
	Categories []models.Category
}

// Backend is the detection capability. A call may fail with
// *UnavailableError or *TimeoutError; a malformed reply is not an error
// here, it comes back as raw findings for the normalizer to sort out.
type Backend interface {
	Name() string
	Detect(ctx context.Context, req Request) ([]RawFinding, error)
}

// RawFinding is the untrusted shape a backend reports. Fields keep their
// loose wire types on purpose; the normalize package owns coercion.
type RawFinding struct {
	Category    string
	Description string
	Confidence  interface{}
	Box         interface{}
	Raw         string
}

// UnmarshalJSON accepts the key spellings seen across model replies
// (object_type vs category vs label, box_parameter vs bbox, and so on)
// and keeps the original JSON for diagnostics.
func (f *RawFinding) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	lower := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		lower[strings.ToLower(k)] = v
	}

	f.Raw = string(data)
	if v, ok := pick(lower, "object_type", "category", "label", "class", "type", "name"); ok {
		json.Unmarshal(v, &f.Category)
	}
	if v, ok := pick(lower, "description", "report"); ok {
		json.Unmarshal(v, &f.Description)
	}
	if v, ok := pick(lower, "confidence", "score", "certainty", "probability"); ok {
		json.Unmarshal(v, &f.Confidence)
	}
	if v, ok := pick(lower, "box_parameter", "box", "bbox", "bounding_box", "box_coordinates", "region"); ok {
		json.Unmarshal(v, &f.Box)
	}
	return nil
}

func pick(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// buildPrompt assembles the instruction text sent alongside the frame.
// Category descriptions match what the detection models were tuned
// against in the field; the reply contract keeps parsing tractable.
func buildPrompt(categories []models.Category) string {
	var b strings.Builder
	b.WriteString("Analyze this frame and identify any of the following objects:\n")
	for _, c := range categories {
		switch c {
		case models.CategoryBareSpot:
			b.WriteString("- **Bare spots**: clearly visible patches of exposed soil with no crop growth.\n")
		case models.CategoryAnimal:
			b.WriteString("- **Animals**: clearly visible animals like deer, birds or rabbits.\n")
		case models.CategoryWeed:
			b.WriteString("- **Weeds**: green vegetation that stands out from the crop.\n")
		}
	}
	b.WriteString("Respond with a JSON array. Each item must contain object_type, description, confidence and box_parameter (as [x1, y1, x2, y2]). Return an empty list when nothing is found.")
	return b.String()
}
