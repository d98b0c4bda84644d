package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/fieldscan/fieldscan/internal/httputil"
	"github.com/fieldscan/fieldscan/internal/models"
	"github.com/fieldscan/fieldscan/internal/pipeline"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "DEGRADED", "database unreachable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"state":   s.orch.State(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.ver)
}

type startScanRequest struct {
	VideoPath           string   `json:"video_path"`
	TelemetryPath       string   `json:"telemetry_path"`
	SamplingInterval    *float64 `json:"sampling_interval,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	MaxTimeSkew         *float64 `json:"max_time_skew,omitempty"`
	Categories          []string `json:"categories,omitempty"`
	Backend             string   `json:"backend,omitempty"`
	KeepAllFrames       *bool    `json:"keep_all_frames,omitempty"`
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if req.VideoPath == "" {
		httputil.WriteError(w, http.StatusBadRequest, "MISSING_FIELDS", "video_path is required")
		return
	}

	cfg := s.RunDefaults()

	if req.SamplingInterval != nil {
		cfg.SamplingInterval = *req.SamplingInterval
	}
	if req.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.MaxTimeSkew != nil {
		cfg.MaxTimeSkew = *req.MaxTimeSkew
	}
	if len(req.Categories) > 0 {
		cats := make([]models.Category, 0, len(req.Categories))
		for _, c := range req.Categories {
			cats = append(cats, models.Category(c))
		}
		cfg.Categories = cats
	}
	if req.Backend != "" {
		cfg.Backend = req.Backend
	}
	if req.KeepAllFrames != nil {
		cfg.KeepAllFrames = *req.KeepAllFrames
	}

	run, err := s.orch.Start(req.VideoPath, req.TelemetryPath, cfg)
	if err != nil {
		var stateErr *pipeline.InvalidStateError
		if errors.As(err, &stateErr) {
			httputil.WriteError(w, http.StatusConflict, "INVALID_STATE", stateErr.Error())
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	runs, err := s.runs.List(limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "INTERNAL", "could not list runs")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

func (s *Server) handleActiveScan(w http.ResponseWriter, r *http.Request) {
	run := s.orch.Active()
	if run == nil {
		httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no scan has been started")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run":      run,
		"counters": s.orch.Store().Counters(),
	})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "INVALID_ID", "run id must be a UUID")
		return
	}
	run, err := s.runs.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Cancel(); err != nil {
		var stateErr *pipeline.InvalidStateError
		if errors.As(err, &stateErr) {
			httputil.WriteError(w, http.StatusConflict, "INVALID_STATE", stateErr.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.orch.Active())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Reset(); err != nil {
		var stateErr *pipeline.InvalidStateError
		if errors.As(err, &stateErr) {
			httputil.WriteError(w, http.StatusConflict, "INVALID_STATE", stateErr.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, nil)
}
