package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/go-chi/chi/v5"
)

type errorResponse struct {
	Error string `json:"error"`
}

type overallResponse struct {
	Status        monitoring.OverallStatus             `json:"status"`
	Healthy       int                                  `json:"healthy"`
	Unhealthy     int                                  `json:"unhealthy"`
	Unknown       int                                  `json:"unknown"`
	UptimeSeconds float64                              `json:"uptime_seconds"`
	Units         map[string]monitoring.HealthSnapshot `json:"units"`
}

type liveResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type readyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type unitResponse struct {
	ID                  string                    `json:"id"`
	Name                string                    `json:"name"`
	CapabilityMode      string                    `json:"capability_mode"`
	State               string                    `json:"state"`
	SamplePeriodSeconds float64                   `json:"sample_period_seconds"`
	Health              monitoring.HealthSnapshot `json:"health"`
	RegisteredAt        time.Time                 `json:"registered_at"`
}

type transitionResponse struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type stateResponse struct {
	UnitID          string              `json:"unit_id"`
	State           string              `json:"state"`
	TransitionCount int                 `json:"transition_count"`
	LastTransition  *transitionResponse `json:"last_transition,omitempty"`
	ValidNextStates []string            `json:"valid_next_states"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	overall := s.source.Overall()

	status := http.StatusOK
	if overall.Status == monitoring.OverallUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, overallResponse{
		Status:        overall.Status,
		Healthy:       overall.Healthy,
		Unhealthy:     overall.Unhealthy,
		Unknown:       overall.Unknown,
		UptimeSeconds: overall.Uptime.Seconds(),
		Units:         overall.Units,
	})
}

// handleLive answers as long as the process serves requests
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, liveResponse{
		Status:        "alive",
		UptimeSeconds: s.source.Overall().Uptime.Seconds(),
	})
}

// handleReady is 503 while the supervisor is shutting down or any unit is still coming up
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if reason := s.notReadyReason(); reason != "" {
		s.writeJSON(w, http.StatusServiceUnavailable, readyResponse{
			Status:  "not_ready",
			Message: "supervisor is not ready",
			Reason:  reason,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, readyResponse{
		Status:  "ready",
		Message: "all units are past initialization",
	})
}

func (s *Server) notReadyReason() string {
	if state := s.source.State(); state != supervisor.StateRunning {
		return fmt.Sprintf("supervisor is %s", state)
	}
	for _, d := range s.source.List() {
		if d.State == unit.StateCreated || d.State == unit.StateInitializing {
			return fmt.Sprintf("unit %s (%s) is %s", d.Name, d.ID, d.State)
		}
	}
	return ""
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	descriptors := s.source.List()
	units := make([]unitResponse, 0, len(descriptors))
	for _, d := range descriptors {
		units = append(units, toUnitResponse(d))
	}
	s.writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	d, err := s.source.Describe(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toUnitResponse(d))
}

func (s *Server) handleGetUnitHealth(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.source.GetHealth(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleGetUnitState(w http.ResponseWriter, r *http.Request) {
	info, err := s.source.GetStateInfo(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := stateResponse{
		UnitID:          info.UnitID,
		State:           string(info.CurrentState),
		TransitionCount: info.TransitionCount,
		ValidNextStates: make([]string, 0, len(info.ValidNextStates)),
	}
	for _, next := range info.ValidNextStates {
		resp.ValidNextStates = append(resp.ValidNextStates, string(next))
	}
	if t := info.LastTransition; t != nil {
		resp.LastTransition = &transitionResponse{
			From:      string(t.From),
			To:        string(t.To),
			Operation: t.Operation,
			Timestamp: t.Timestamp,
		}
		if t.Error != nil {
			resp.LastTransition.Error = t.Error.Error()
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type historyEntry struct {
	Seq          int64     `json:"seq"`
	Type         string    `json:"type"`
	Operation    string    `json:"operation,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	HealthStatus string    `json:"health_status,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	At           time.Time `json:"at"`
}

func (s *Server) handleGetUnitHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, errors.NewValidationError("limit must be a non-negative integer", err))
			return
		}
		limit = n
	}

	records, err := s.history.History(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			Seq:          rec.Seq,
			Type:         string(rec.Type),
			Operation:    rec.Operation,
			From:         rec.FromState,
			To:           rec.ToState,
			HealthStatus: rec.HealthStatus,
			Message:      rec.Message,
			Error:        rec.Error,
			Attempt:      rec.Attempt,
			At:           rec.At,
		})
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func toUnitResponse(d supervisor.Descriptor) unitResponse {
	return unitResponse{
		ID:                  d.ID,
		Name:                d.Name,
		CapabilityMode:      string(d.Mode),
		State:               string(d.State),
		SamplePeriodSeconds: d.SamplePeriod.Seconds(),
		Health:              d.LastHealth,
		RegisteredAt:        d.RegisteredAt,
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsValidationError(err):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("Failed to encode response, error: %v", err)
	}
}
