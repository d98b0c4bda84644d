package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/fieldscan/fieldscan/internal/export"
	"github.com/fieldscan/fieldscan/internal/httputil"
	"github.com/fieldscan/fieldscan/internal/models"
	"github.com/fieldscan/fieldscan/internal/telemetry"
)

// runDetections resolves a run's detection set. The active run reads from
// the live store snapshot so exports work mid-scan; finished runs come
// from the database.
func (s *Server) runDetections(id uuid.UUID) (*models.Run, []models.Detection, error) {
	if active := s.orch.Active(); active != nil && active.ID == id {
		return active, s.orch.Store().Snapshot(), nil
	}
	run, err := s.runs.GetByID(id)
	if err != nil {
		return nil, nil, err
	}
	dets, err := s.dets.ListByRun(id)
	if err != nil {
		return nil, nil, err
	}
	return run, dets, nil
}

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "INVALID_ID", "run id must be a UUID")
		return
	}
	_, dets, err := s.runDetections(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, dets)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "INVALID_ID", "run id must be a UUID")
		return
	}
	_, dets, err := s.runDetections(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	}
	httputil.WriteAttachmentHeaders(w, fmt.Sprintf("fieldscan_%s.csv", id), "text/csv")
	if err := export.WriteCSV(w, dets); err != nil {
		log.Printf("API: csv export for run %s: %v", id, err)
	}
}

func (s *Server) handleExportGeoJSON(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "INVALID_ID", "run id must be a UUID")
		return
	}
	run, dets, err := s.runDetections(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	}

	// The flight path comes from re-reading the run's telemetry file; if
	// it has moved, the export still carries the detection points.
	var fixes []models.TelemetryFix
	if run.TelemetryPath != "" {
		if track, err := telemetry.ParseFile(run.TelemetryPath); err == nil {
			fixes = track.Fixes()
		} else {
			log.Printf("API: flight path unavailable for run %s: %v", id, err)
		}
	}

	fc := export.BuildGeoJSON(dets, fixes)
	httputil.WriteAttachmentHeaders(w, fmt.Sprintf("fieldscan_%s.geojson", id), "application/geo+json")
	if err := export.WriteGeoJSON(w, fc); err != nil {
		log.Printf("API: geojson export for run %s: %v", id, err)
	}
}
