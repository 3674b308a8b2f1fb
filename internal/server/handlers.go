package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/fleet"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/DevSkoll/drone-fleet-manager/internal/session"
	"github.com/go-chi/chi/v5"
)

const defaultEventLimit = 100

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns server health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"sessions":        s.coord.Sessions().ActiveCount(),
		"pendingCommands": s.coord.Commands().Count(),
		"dashboards":      s.hub.Count(),
	})
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	drones, err := s.coord.Drones()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list drones")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if drones == nil {
		drones = []*drone.Drone{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drones": drones})
}

func (s *Server) handleGetDrone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "droneID")
	d, err := s.coord.Drone(id)
	if errors.Is(err, drone.ErrNotFound) {
		writeError(w, http.StatusNotFound, "drone not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("drone_id", id).Msg("failed to load drone")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type createDroneRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	SerialNumber string `json:"serialNumber"`
}

func (s *Server) handleCreateDrone(w http.ResponseWriter, r *http.Request) {
	var req createDroneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	d := drone.New(req.ID, req.Name, req.Model, req.SerialNumber)
	err := s.coord.CreateDrone(d)
	if errors.Is(err, fleet.ErrDroneExists) {
		writeError(w, http.StatusConflict, "drone already exists")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("drone_id", req.ID).Msg("failed to create drone")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type updateDroneRequest struct {
	Name         *string `json:"name"`
	Model        *string `json:"model"`
	SerialNumber *string `json:"serialNumber"`
}

func (s *Server) handleUpdateDrone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "droneID")
	var req updateDroneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name != nil && *req.Name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	d, err := s.coord.UpdateDrone(id, fleet.DroneChanges{
		Name:         req.Name,
		Model:        req.Model,
		SerialNumber: req.SerialNumber,
	})
	if errors.Is(err, drone.ErrNotFound) {
		writeError(w, http.StatusNotFound, "drone not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("drone_id", id).Msg("failed to update drone")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDrone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "droneID")
	err := s.coord.DeleteDrone(id)
	if errors.Is(err, drone.ErrNotFound) {
		writeError(w, http.StatusNotFound, "drone not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("drone_id", id).Msg("failed to delete drone")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
	Priority   string         `json:"priority"`
	TimeoutMs  int64          `json:"timeoutMs"`
}

func validPriority(p string) bool {
	switch p {
	case "", protocol.PriorityLow, protocol.PriorityNormal, protocol.PriorityHigh, protocol.PriorityCritical:
		return true
	}
	return false
}

// handleSendCommand dispatches a command to the drone's worker.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	droneID := chi.URLParam(r, "droneID")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if !validPriority(req.Priority) || req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "invalid priority or timeout")
		return
	}

	id, err := s.coord.Commands().Send(fleet.CommandRequest{
		DroneID:    droneID,
		Command:    req.Command,
		Parameters: req.Parameters,
		Priority:   req.Priority,
		Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	var terr *session.TransportError
	switch {
	case errors.Is(err, fleet.ErrNoActiveSession):
		writeError(w, http.StatusConflict, "no active session for drone")
		return
	case errors.As(err, &terr):
		s.log.Warn().Err(err).Str("drone_id", droneID).Msg("command delivery failed")
		writeError(w, http.StatusBadGateway, "command delivery failed")
		return
	case err != nil:
		s.log.Error().Err(err).Str("drone_id", droneID).Msg("failed to send command")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": id})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")
	cmd, ok := s.coord.Commands().Pending(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"correlationId": id, "pending": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"correlationId": id, "pending": true, "command": cmd})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	all := s.coord.Sessions().All()
	out := make([]session.Info, 0, len(all))
	for _, sess := range all {
		out = append(out, sess.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func eventLimit(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 1000 {
		return n
	}
	return defaultEventLimit
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event log not enabled")
		return
	}
	events, err := s.events.RecentEvents(eventLimit(r))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query events")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDroneEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event log not enabled")
		return
	}
	id := chi.URLParam(r, "droneID")
	events, err := s.events.DroneEvents(id, eventLimit(r))
	if err != nil {
		s.log.Error().Err(err).Str("drone_id", id).Msg("failed to query events")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
