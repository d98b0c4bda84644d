// Package normalize turns untrusted detector findings into canonical,
// typed detections. Free-text categories are mapped against a synonym
// table, confidence is coerced into [0,1], and bounding boxes are parsed
// from whichever shape the model produced.
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/fieldscan/fieldscan/internal/detector"
	"github.com/fieldscan/fieldscan/internal/models"
)

// Outcome says what happened to one raw finding.
type Outcome int

const (
	Accepted Outcome = iota
	Unrecognized
	BelowThreshold
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Unrecognized:
		return "unrecognized"
	case BelowThreshold:
		return "below_threshold"
	}
	return "unknown"
}

// Result is the canonical form of an accepted finding. BoxParsed is false
// when box text was present but unusable; the detection still stands with
// a null box.
type Result struct {
	Category   models.Category
	Confidence float64
	Box        *models.BoundingBox
	BoxParsed  bool
}

// synonyms maps free-form category text onto the closed enum. Order
// matters: the table is walked top to bottom on both the exact and the
// substring pass, so normalization is deterministic.
var synonyms = []struct {
	match    string
	category models.Category
}{
	{"bare_spot", models.CategoryBareSpot},
	{"bare spot", models.CategoryBareSpot},
	{"barespot", models.CategoryBareSpot},
	{"bare soil", models.CategoryBareSpot},
	{"bare patch", models.CategoryBareSpot},
	{"exposed soil", models.CategoryBareSpot},
	{"bald spot", models.CategoryBareSpot},
	{"animal", models.CategoryAnimal},
	{"deer", models.CategoryAnimal},
	{"bird", models.CategoryAnimal},
	{"rabbit", models.CategoryAnimal},
	{"hare", models.CategoryAnimal},
	{"fox", models.CategoryAnimal},
	{"wildlife", models.CategoryAnimal},
	{"weed", models.CategoryWeed},
	{"thistle", models.CategoryWeed},
	{"nettle", models.CategoryWeed},
}

// MapCategory resolves free-form category text. The exact pass runs over
// the whole table before the substring pass so "bare spot" never loses to
// a broader entry.
func MapCategory(text string) (models.Category, bool) {
	folded := strings.ToLower(strings.TrimSpace(text))
	if folded == "" {
		return "", false
	}
	for _, s := range synonyms {
		if folded == s.match {
			return s.category, true
		}
	}
	for _, s := range synonyms {
		if strings.Contains(folded, s.match) {
			return s.category, true
		}
	}
	return "", false
}

// CoerceConfidence forces whatever the model sent into [0,1]. Percent
// values, confidence words and numeric strings are interpreted;
// everything else defaults to fallback, the minimum-acceptance threshold.
func CoerceConfidence(v interface{}, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		folded := strings.ToLower(strings.TrimSpace(s))
		switch folded {
		case "high", "very high":
			return 0.9
		case "medium", "moderate":
			return 0.6
		case "low", "very low":
			return 0.3
		}
		if strings.HasSuffix(folded, "%") {
			pct, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(folded, "%")), 64)
			if err != nil {
				return fallback
			}
			return clamp01(pct / 100)
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return fallback
	}
	if f > 1 && f <= 100 {
		return f / 100
	}
	return clamp01(f)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Normalizer applies one run's acceptance rules.
type Normalizer struct {
	threshold  float64
	categories map[models.Category]bool
}

// New builds a normalizer for the given threshold and requested category
// set. An empty set accepts every valid category.
func New(threshold float64, categories []models.Category) *Normalizer {
	set := make(map[models.Category]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}
	return &Normalizer{threshold: threshold, categories: set}
}

// Normalize validates one raw finding. Unmappable or unrequested
// categories come back Unrecognized; findings under the threshold come
// back BelowThreshold and are never surfaced as low-confidence
// detections. An unparseable box does not reject the finding.
func (n *Normalizer) Normalize(f detector.RawFinding) (Result, Outcome) {
	if f.Category == "" && f.Raw != "" {
		return n.salvage(f.Raw)
	}

	category, ok := MapCategory(f.Category)
	if !ok {
		return Result{}, Unrecognized
	}
	if len(n.categories) > 0 && !n.categories[category] {
		return Result{}, Unrecognized
	}

	confidence := CoerceConfidence(f.Confidence, n.threshold)
	if confidence < n.threshold {
		return Result{}, BelowThreshold
	}

	box, parsed := ParseBox(f.Box)
	return Result{
		Category:   category,
		Confidence: confidence,
		Box:        box,
		BoxParsed:  parsed,
	}, Accepted
}

// confidenceRe picks the value after a confidence-like keyword out of
// prose: a number, a percentage, or a word grade.
var confidenceRe = regexp.MustCompile(`(?i)(?:confidence|certainty|score)\s*(?:is|of)?\s*[:=]?\s*(\d+(?:\.\d+)?\s*%?|[a-z]+)`)

// salvage recovers a finding from response text the backend could not
// parse as JSON. The substring pass of the synonym table runs over the
// whole text; confidence comes from a keyword-anchored value, defaulting
// to the threshold when the text names none. No box is attempted, prose
// full of counts and coordinates makes number runs unreliable.
func (n *Normalizer) salvage(raw string) (Result, Outcome) {
	category, ok := MapCategory(raw)
	if !ok {
		return Result{}, Unrecognized
	}
	if len(n.categories) > 0 && !n.categories[category] {
		return Result{}, Unrecognized
	}

	confidence := n.threshold
	if m := confidenceRe.FindStringSubmatch(raw); m != nil {
		confidence = CoerceConfidence(strings.TrimSpace(m[1]), n.threshold)
	}
	if confidence < n.threshold {
		return Result{}, BelowThreshold
	}
	return Result{Category: category, Confidence: confidence, BoxParsed: true}, Accepted
}
