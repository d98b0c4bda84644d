package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fieldscan/fieldscan/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Feature struct {
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type Geometry struct {
	Type        string      `json:"type"`
	Coordinates interface{} `json:"coordinates"`
}

// markerColors matches the category colors reviewers know from the map
// view. Unknown categories fall back to beige.
var markerColors = map[models.Category]string{
	models.CategoryWeed:     "#008000",
	models.CategoryBareSpot: "#f5f5dc",
	models.CategoryAnimal:   "#ff0000",
}

func markerColor(c models.Category) string {
	if color, ok := markerColors[c]; ok {
		return color
	}
	return "#f5f5dc"
}

// BuildGeoJSON renders located detections as Point features plus, when
// the track has at least two fixes, the flight path as a LineString.
// Detections without a location are tabular-only and are skipped here.
func BuildGeoJSON(detections []models.Detection, path []models.TelemetryFix) *FeatureCollection {
	fc := &FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}

	for _, d := range detections {
		if d.Location == nil {
			continue
		}
		props := map[string]interface{}{
			"frame_index":  d.FrameIndex,
			"category":     string(d.Category),
			"confidence":   d.Confidence,
			"image_path":   d.ImagePath,
			"marker-color": markerColor(d.Category),
		}
		if d.Box != nil {
			props["bbox"] = d.Box.String()
		}
		fc.Features = append(fc.Features, Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{d.Location.Longitude, d.Location.Latitude},
			},
			Properties: props,
		})
	}

	if len(path) >= 2 {
		coords := make([][]float64, len(path))
		for i, fix := range path {
			coords[i] = []float64{fix.Longitude, fix.Latitude}
		}
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			Geometry: Geometry{Type: "LineString", Coordinates: coords},
			Properties: map[string]interface{}{
				"name":           "flight path",
				"stroke":         "#0000ff",
				"stroke-width":   2,
				"stroke-opacity": 0.7,
			},
		})
	}
	return fc
}

func WriteGeoJSON(w io.Writer, fc *FeatureCollection) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fc); err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	return nil
}

func WriteGeoJSONFile(path string, fc *FeatureCollection) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write geojson: %w", err)
	}
	defer f.Close()
	if err := WriteGeoJSON(f, fc); err != nil {
		return err
	}
	return f.Close()
}
