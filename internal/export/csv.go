// Package export renders the detection set into the tabular and geographic
// files consumed outside the pipeline.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fieldscan/fieldscan/internal/models"
)

// csvHeader is part of the export contract: column order and presence are
// stable across runs.
var csvHeader = []string{"frame_index", "category", "confidence", "bbox", "latitude", "longitude", "image_path"}

// WriteCSV writes one row per detection. Floats use the shortest exact
// representation so a written file parses back to identical values.
func WriteCSV(w io.Writer, detections []models.Detection) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, d := range detections {
		rec := []string{
			strconv.Itoa(d.FrameIndex),
			string(d.Category),
			strconv.FormatFloat(d.Confidence, 'f', -1, 64),
			"",
			"",
			"",
			d.ImagePath,
		}
		if d.Box != nil {
			rec[3] = d.Box.String()
		}
		if d.Location != nil {
			rec[4] = strconv.FormatFloat(d.Location.Latitude, 'f', -1, 64)
			rec[5] = strconv.FormatFloat(d.Location.Longitude, 'f', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteCSVFile(path string, detections []models.Detection) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()
	if err := WriteCSV(f, detections); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// ParseCSV reads a file written by WriteCSV back into detections. Only
// the exported columns come back; identifiers and timestamps are not part
// of the tabular contract.
func ParseCSV(r io.Reader) ([]models.Detection, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) != len(csvHeader) {
		return nil, fmt.Errorf("unexpected csv header: %v", header)
	}
	for i := range header {
		if header[i] != csvHeader[i] {
			return nil, fmt.Errorf("unexpected csv header: %v", header)
		}
	}

	var out []models.Detection
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		d, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseRecord(rec []string) (models.Detection, error) {
	var d models.Detection

	frame, err := strconv.Atoi(rec[0])
	if err != nil {
		return d, fmt.Errorf("frame_index: %w", err)
	}
	confidence, err := strconv.ParseFloat(rec[2], 64)
	if err != nil {
		return d, fmt.Errorf("confidence: %w", err)
	}

	d.FrameIndex = frame
	d.Category = models.Category(rec[1])
	d.Confidence = confidence
	d.ImagePath = rec[6]

	if rec[3] != "" {
		box, err := parseBoxColumn(rec[3])
		if err != nil {
			return d, err
		}
		d.Box = box
	}
	if rec[4] != "" && rec[5] != "" {
		lat, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			return d, fmt.Errorf("latitude: %w", err)
		}
		lon, err := strconv.ParseFloat(rec[5], 64)
		if err != nil {
			return d, fmt.Errorf("longitude: %w", err)
		}
		d.Location = &models.TelemetryFix{Latitude: lat, Longitude: lon}
	}
	return d, nil
}

func parseBoxColumn(s string) (*models.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox: expected 4 fields, got %q", s)
	}
	nums := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bbox: %w", err)
		}
		nums[i] = n
	}
	return &models.BoundingBox{X: nums[0], Y: nums[1], Width: nums[2], Height: nums[3]}, nil
}
