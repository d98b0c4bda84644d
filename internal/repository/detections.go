package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fieldscan/fieldscan/internal/models"
)

type DetectionRepository struct {
	db *sql.DB
}

func NewDetectionRepository(db *sql.DB) *DetectionRepository {
	return &DetectionRepository{db: db}
}

// Insert persists a detection. Duplicate (run, frame, category, box) rows are
// ignored so re-appends stay idempotent with the in-memory store.
func (r *DetectionRepository) Insert(d *models.Detection) error {
	var boxX, boxY, boxW, boxH sql.NullInt64
	boxKey := ""
	if d.Box != nil {
		boxX = sql.NullInt64{Int64: int64(d.Box.X), Valid: true}
		boxY = sql.NullInt64{Int64: int64(d.Box.Y), Valid: true}
		boxW = sql.NullInt64{Int64: int64(d.Box.Width), Valid: true}
		boxH = sql.NullInt64{Int64: int64(d.Box.Height), Valid: true}
		boxKey = d.Box.String()
	}
	var lat, lon, alt sql.NullFloat64
	var fixTime sql.NullInt64
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: d.Location.Longitude, Valid: true}
		if d.Location.Altitude != nil {
			alt = sql.NullFloat64{Float64: *d.Location.Altitude, Valid: true}
		}
		fixTime = sql.NullInt64{Int64: int64(d.Location.Timestamp), Valid: true}
	}

	query := `INSERT INTO detections (id, run_id, frame_index, category, confidence, box_x, box_y, box_w, box_h, box_key, latitude, longitude, altitude, fix_time, image_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (run_id, frame_index, category, box_key) DO NOTHING`
	_, err := r.db.Exec(query, d.ID, d.RunID, d.FrameIndex, d.Category, d.Confidence,
		boxX, boxY, boxW, boxH, boxKey, lat, lon, alt, fixTime, d.ImagePath, d.CreatedAt)
	return err
}

func (r *DetectionRepository) ListByRun(runID uuid.UUID) ([]models.Detection, error) {
	query := `SELECT id, run_id, frame_index, category, confidence, box_x, box_y, box_w, box_h, latitude, longitude, altitude, fix_time, image_path, created_at
		FROM detections WHERE run_id = $1 ORDER BY frame_index, created_at`
	rows, err := r.db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var detections []models.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		detections = append(detections, *d)
	}
	return detections, rows.Err()
}

func (r *DetectionRepository) CountByCategory(runID uuid.UUID) (map[models.Category]int, error) {
	query := `SELECT category, COUNT(*) FROM detections WHERE run_id = $1 GROUP BY category`
	rows, err := r.db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Category]int)
	for rows.Next() {
		var category models.Category
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[category] = n
	}
	return counts, rows.Err()
}

func (r *DetectionRepository) DeleteByRun(runID uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM detections WHERE run_id = $1`, runID)
	return err
}

func (r *DetectionRepository) DeleteAll() error {
	_, err := r.db.Exec(`DELETE FROM detections`)
	return err
}

func scanDetection(rows *sql.Rows) (*models.Detection, error) {
	d := &models.Detection{}
	var boxX, boxY, boxW, boxH sql.NullInt64
	var lat, lon, alt sql.NullFloat64
	var fixTime sql.NullInt64

	err := rows.Scan(&d.ID, &d.RunID, &d.FrameIndex, &d.Category, &d.Confidence,
		&boxX, &boxY, &boxW, &boxH, &lat, &lon, &alt, &fixTime, &d.ImagePath, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if boxX.Valid && boxY.Valid && boxW.Valid && boxH.Valid {
		d.Box = &models.BoundingBox{
			X:      int(boxX.Int64),
			Y:      int(boxY.Int64),
			Width:  int(boxW.Int64),
			Height: int(boxH.Int64),
		}
	}
	if lat.Valid && lon.Valid {
		fix := &models.TelemetryFix{Latitude: lat.Float64, Longitude: lon.Float64}
		if alt.Valid {
			a := alt.Float64
			fix.Altitude = &a
		}
		if fixTime.Valid {
			fix.Timestamp = time.Duration(fixTime.Int64)
		}
		d.Location = fix
	}
	return d, nil
}
