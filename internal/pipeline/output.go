package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Layout maps a run's artifacts onto the output root. Frame files are
// named by sample index, so a re-run of the same video lands on the same
// paths.
type Layout struct {
	Root string
}

func (l Layout) RunDir(runID uuid.UUID) string {
	return filepath.Join(l.Root, runID.String())
}

func (l Layout) FramePath(runID uuid.UUID, index int) string {
	return filepath.Join(l.RunDir(runID), fmt.Sprintf("frame_%03d.jpg", index))
}

func (l Layout) BoxedFramePath(runID uuid.UUID, index int) string {
	return filepath.Join(l.RunDir(runID), fmt.Sprintf("frame_%03d_boxed.jpg", index))
}

func (l Layout) ThumbPath(runID uuid.UUID, index int) string {
	return filepath.Join(l.RunDir(runID), "thumbs", fmt.Sprintf("frame_%03d.jpg", index))
}

func (l Layout) CSVPath(runID uuid.UUID) string {
	return filepath.Join(l.RunDir(runID), "results.csv")
}

func (l Layout) GeoJSONPath(runID uuid.UUID) string {
	return filepath.Join(l.RunDir(runID), "map.geojson")
}

// Rel returns a path relative to the output root, the form stored on
// detections and served under /frames/. Falls back to the input when the
// path is not under the root.
func (l Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (l Layout) EnsureRunDir(runID uuid.UUID) error {
	return os.MkdirAll(filepath.Join(l.RunDir(runID), "thumbs"), 0755)
}

// Clear removes everything under the output root but keeps the root
// itself, so a configured mount point survives a reset.
func (l Layout) Clear() error {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(l.Root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
