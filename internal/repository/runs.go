package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldscan/fieldscan/internal/models"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(run *models.Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	query := `INSERT INTO runs (id, state, video_path, telemetry_path, frames_total, frames_processed, detections, error, config, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.Exec(query, run.ID, run.State, run.VideoPath, run.TelemetryPath,
		run.FramesTotal, run.FramesProcessed, run.Detections, run.Error, string(configJSON), run.StartedAt)
	return err
}

func (r *RunRepository) Update(run *models.Run) error {
	var summaryJSON interface{}
	if run.Summary != nil {
		data, err := json.Marshal(run.Summary)
		if err != nil {
			return fmt.Errorf("encode run summary: %w", err)
		}
		summaryJSON = string(data)
	}
	var finishedAt interface{}
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	}
	query := `UPDATE runs SET state=$1, frames_total=$2, frames_processed=$3, detections=$4, error=$5, summary=$6, finished_at=$7 WHERE id=$8`
	_, err := r.db.Exec(query, run.State, run.FramesTotal, run.FramesProcessed,
		run.Detections, run.Error, summaryJSON, finishedAt, run.ID)
	return err
}

func (r *RunRepository) GetByID(id uuid.UUID) (*models.Run, error) {
	query := `SELECT id, state, video_path, telemetry_path, frames_total, frames_processed, detections, error, config, summary, started_at, finished_at
		FROM runs WHERE id = $1`
	return scanRun(r.db.QueryRow(query, id))
}

func (r *RunRepository) List(limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, state, video_path, telemetry_path, frames_total, frames_processed, detections, error, config, summary, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT $1`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListFinishedBefore returns terminal runs whose finish time is older than
// cutoff; the retention sweep feeds on this.
func (r *RunRepository) ListFinishedBefore(cutoff time.Time) ([]*models.Run, error) {
	query := `SELECT id, state, video_path, telemetry_path, frames_total, frames_processed, detections, error, config, summary, started_at, finished_at
		FROM runs WHERE finished_at IS NOT NULL AND finished_at < $1`
	rows, err := r.db.Query(query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *RunRepository) Delete(id uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM runs WHERE id = $1`, id)
	return err
}

func (r *RunRepository) DeleteAll() error {
	_, err := r.db.Exec(`DELETE FROM runs`)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	run := &models.Run{}
	var configJSON string
	var summaryJSON sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.State, &run.VideoPath, &run.TelemetryPath,
		&run.FramesTotal, &run.FramesProcessed, &run.Detections, &run.Error,
		&configJSON, &summaryJSON, &run.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &run.Config); err != nil {
		return nil, fmt.Errorf("decode run config: %w", err)
	}
	if summaryJSON.Valid {
		run.Summary = &models.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), run.Summary); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}
