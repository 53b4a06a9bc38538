package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/rekeyd/internal/storage"
	"github.com/org/rekeyd/pkg/models"
)

// ScheduleListHandler handles GET /v1/schedules
func (s *Server) ScheduleListHandler(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, len(schedules))
	for i, sched := range schedules {
		out[i] = scheduleJSON(sched)
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

// ScheduleGetHandler handles GET /v1/schedules/{id}
func (s *Server) ScheduleGetHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scheduleJSON(sched))
}

// ScheduleUpsertHandler handles POST /v1/schedules
func (s *Server) ScheduleUpsertHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID               string   `json:"id"`
		Name             string   `json:"name"`
		IntervalDays     int      `json:"interval_days"`
		Enabled          *bool    `json:"enabled"`
		AutoRotate       bool     `json:"auto_rotate"`
		NotifyBeforeDays int      `json:"notify_before_days"`
		NotifyRecipients []string `json:"notify_recipients"`
		NextRotation     string   `json:"next_rotation"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.IntervalDays < 1 {
		writeError(w, http.StatusBadRequest, "interval_days must be at least 1")
		return
	}

	now := time.Now().UTC()
	sched := &models.RotationSchedule{
		ID:               req.ID,
		Name:             req.Name,
		IntervalDays:     req.IntervalDays,
		Enabled:          true,
		AutoRotate:       req.AutoRotate,
		NotifyBeforeDays: req.NotifyBeforeDays,
		NotifyRecipients: req.NotifyRecipients,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if sched.ID == "" {
		sched.ID = models.NewID()
	}
	if req.NextRotation != "" {
		next, err := time.Parse(time.RFC3339, req.NextRotation)
		if err != nil {
			writeError(w, http.StatusBadRequest, "next_rotation must be RFC 3339")
			return
		}
		sched.NextRotation = &next
	} else {
		next := now.AddDate(0, 0, req.IntervalDays)
		sched.NextRotation = &next
	}

	if err := s.store.UpsertSchedule(r.Context(), sched); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scheduleJSON(sched))
}

func scheduleJSON(sched *models.RotationSchedule) map[string]any {
	out := map[string]any{
		"id":                 sched.ID,
		"name":               sched.Name,
		"interval_days":      sched.IntervalDays,
		"enabled":            sched.Enabled,
		"auto_rotate":        sched.AutoRotate,
		"notify_before_days": sched.NotifyBeforeDays,
		"notify_recipients":  sched.NotifyRecipients,
		"created_at":         sched.CreatedAt,
		"updated_at":         sched.UpdatedAt,
	}
	if sched.LastRotation != nil {
		out["last_rotation"] = *sched.LastRotation
	}
	if sched.NextRotation != nil {
		out["next_rotation"] = *sched.NextRotation
	}
	return out
}
