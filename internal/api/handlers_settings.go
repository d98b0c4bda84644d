package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/fieldscan/fieldscan/internal/httputil"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	stored, err := s.settingsRepo.GetAll()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "INTERNAL", "could not load settings")
		return
	}
	effective := s.RunDefaults()

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"stored":    stored,
		"effective": effective,
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if len(req) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "MISSING_FIELDS", "no settings provided")
		return
	}

	// Validate everything before writing anything.
	for key, value := range req {
		if err := validateSetting(key, value); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "INVALID_SETTING", err.Error())
			return
		}
	}
	for key, value := range req {
		if err := s.settingsRepo.Set(key, value); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "INTERNAL", "could not store settings")
			return
		}
	}

	s.configMu.Lock()
	s.config.MergeFromDB(s.db.DB)
	s.configMu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, map[string]int{"updated": len(req)})
}

func validateSetting(key, value string) error {
	switch key {
	case "detector_backend":
		if value != "openai" && value != "ollama" {
			return fmt.Errorf("detector_backend must be openai or ollama")
		}
	case "sampling_interval":
		if v, err := strconv.ParseFloat(value, 64); err != nil || v <= 0 {
			return fmt.Errorf("sampling_interval must be a positive number of seconds")
		}
	case "confidence_threshold":
		if v, err := strconv.ParseFloat(value, 64); err != nil || v < 0 || v > 1 {
			return fmt.Errorf("confidence_threshold must be between 0 and 1")
		}
	case "max_time_skew":
		if v, err := strconv.ParseFloat(value, 64); err != nil || v < 0 {
			return fmt.Errorf("max_time_skew must be zero or more seconds")
		}
	case "keep_all_frames":
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("keep_all_frames must be a boolean")
		}
	case "retention_days":
		if v, err := strconv.Atoi(value); err != nil || v < 0 {
			return fmt.Errorf("retention_days must be a non-negative integer")
		}
	case "webhook_url", "webhook_type":
		// Free-form; consumed by the completion notifier.
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}
