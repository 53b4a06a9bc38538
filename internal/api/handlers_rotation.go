package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/org/rekeyd/internal/storage"
	"github.com/org/rekeyd/pkg/models"
)

// RotationInitiateHandler handles POST /v1/rotations
func (s *Server) RotationInitiateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Type        string `json:"type"`
		InitiatedBy string `json:"initiated_by"`
	}
	req.Type = string(models.RotationManual)
	if err := decodeJSON(r, &req); err == nil {
		// use provided values if decoding succeeds; an empty body
		// means a manual rotation with defaults
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "api"
	}

	typ := models.RotationType(req.Type)
	switch typ {
	case models.RotationManual, models.RotationEmergency:
	case models.RotationScheduled:
		writeError(w, http.StatusBadRequest, "scheduled rotations are initiated by the scheduler")
		return
	default:
		writeError(w, http.StatusBadRequest, "type must be one of: manual, emergency")
		return
	}

	id, err := s.manager.InitiateRotation(ctx, typ, req.InitiatedBy, "")
	if err != nil {
		if errors.Is(err, storage.ErrRotationActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rot, err := s.store.GetRotation(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, rotationJSON(rot))
}

// RotationHistoryHandler handles GET /v1/rotations
func (s *Server) RotationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rotations, err := s.manager.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, len(rotations))
	for i, rot := range rotations {
		out[i] = rotationJSON(rot)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotations": out})
}

// RotationActiveHandler handles GET /v1/rotations/active
func (s *Server) RotationActiveHandler(w http.ResponseWriter, r *http.Request) {
	rot, err := s.store.ActiveRotation(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   true,
		"rotation": rotationJSON(rot),
	})
}

// RotationGetHandler handles GET /v1/rotations/{id}
func (s *Server) RotationGetHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rot, err := s.store.GetRotation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rotation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rotationJSON(rot))
}

// RotationProgressHandler handles GET /v1/rotations/{id}/progress
func (s *Server) RotationProgressHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rot, stats, err := s.manager.Progress(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rotation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rotation": rotationJSON(rot),
		"progress": stats,
	})
}

// RotationRetryHandler handles POST /v1/rotations/{id}/retry
func (s *Server) RotationRetryHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.manager.RetryFailedItems(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "rotation not found")
		case errors.Is(err, storage.ErrRotationActive):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"rotation_id":   id,
		"items_retried": n,
	})
}

// RotationRollbackHandler handles POST /v1/rotations/{id}/rollback
func (s *Server) RotationRollbackHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.RollBack(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rotation not found or not terminal")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rotation_id": id,
		"status":      string(models.RotationRolledBack),
	})
}

// KeyVersionsHandler handles GET /v1/keys
func (s *Server) KeyVersionsHandler(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListKeyVersions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	keyVersionsTotal.Set(float64(len(versions)))

	out := make([]map[string]any, len(versions))
	for i, kv := range versions {
		out[i] = map[string]any{
			"version":    kv.Version,
			"key_hash":   kv.KeyHash,
			"algorithm":  kv.Algorithm,
			"created_by": kv.CreatedBy,
			"created_at": kv.CreatedAt,
			"metadata":   kv.Metadata,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"key_versions": out})
}

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	inProgress, err := s.manager.InProgress(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	latest, err := s.keys.LatestVersion(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":            true,
		"rotation_active":    inProgress,
		"latest_key_version": latest,
		"version":            "1.0.0",
	})
}

func rotationJSON(rot *models.Rotation) map[string]any {
	out := map[string]any{
		"id":                   rot.ID,
		"type":                 string(rot.Type),
		"from_version":         rot.FromVersion,
		"to_version":           rot.ToVersion,
		"status":               string(rot.Status),
		"initiated_by":         rot.InitiatedBy,
		"records_re_encrypted": rot.RecordsReEncrypted,
		"records_failed":       rot.RecordsFailed,
		"started_at":           rot.StartedAt,
	}
	if rot.ScheduleID != "" {
		out["schedule_id"] = rot.ScheduleID
	}
	if rot.ErrorMessage != "" {
		out["error"] = rot.ErrorMessage
	}
	if rot.CompletedAt != nil {
		out["completed_at"] = *rot.CompletedAt
	}
	return out
}
