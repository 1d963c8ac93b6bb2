package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/ws"
)

type API struct {
	hub      *ws.Hub
	database *db.Database
	log      zerolog.Logger
}

// New builds the HTTP API. database may be nil, in which case history
// routes answer 404.
func New(hub *ws.Hub, database *db.Database, logger zerolog.Logger) *API {
	return &API{
		hub:      hub,
		database: database,
		log:      logger.With().Str("component", "api").Logger(),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error().Err(err).Msg("error encoding JSON response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.hub.Stats()
	stats := map[string]interface{}{
		"active_rooms":   live.Rooms,
		"active_clients": live.Connections,
		"active_members": live.Members,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_executions"] = dbStats["execution_count"]
			stats["failed_executions"] = dbStats["failed_execution_count"]
		} else {
			a.log.Warn().Err(err).Msg("failed to read history stats")
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID             string      `json:"id"`
	Language       string      `json:"language"`
	ActiveUsers    int         `json:"active_users"`
	CodeSize       int         `json:"code_size"`
	Code           string      `json:"code,omitempty"`
	Members        interface{} `json:"members,omitempty"`
	ExecutionCount int         `json:"execution_count,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms := a.hub.Rooms()

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = RoomResponse{
			ID:          room.ID,
			Language:    room.Language,
			ActiveUsers: room.Members,
			CodeSize:    room.CodeSize,
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": response,
		"total": len(response),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	room, ok := a.hub.Room(roomID)
	if !ok {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	response := RoomResponse{
		ID:          room.ID,
		Language:    room.Language,
		ActiveUsers: len(room.Members),
		CodeSize:    len(room.Code),
		Code:        room.Code,
		Members:     room.Members,
	}
	if a.database != nil {
		response.ExecutionCount, _ = a.database.CountExecutions(roomID)
	}

	a.jsonResponse(w, http.StatusOK, response)
}

// Execution handlers

func (a *API) ListExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		a.errorResponse(w, http.StatusNotFound, "Execution history is disabled")
		return
	}

	roomID := chi.URLParam(r, "roomId")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	executions, err := a.database.ListExecutions(roomID, limit, offset)
	if err != nil {
		a.log.Error().Err(err).Str("room", roomID).Msg("failed to list executions")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	if executions == nil {
		executions = []db.Execution{}
	}

	total, _ := a.database.CountExecutions(roomID)

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

func (a *API) GetExecutionHandler(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		a.errorResponse(w, http.StatusNotFound, "Execution history is disabled")
		return
	}

	id := chi.URLParam(r, "id")

	execution, err := a.database.GetExecution(id)
	if err != nil {
		a.log.Error().Err(err).Str("execution", id).Msg("failed to get execution")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get execution")
		return
	}

	if execution == nil {
		a.errorResponse(w, http.StatusNotFound, "Execution not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, execution)
}
