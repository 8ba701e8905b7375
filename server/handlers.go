package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/jobstatus"
	"github.com/tripmesh/tripmesh/storage"
)

// checkOrigin admits non-browser clients (no Origin header) and origins
// on the configured allow list
func (s *TripServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	s.limitMu.RLock()
	defer s.limitMu.RUnlock()
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// handleEnqueue accepts a recommendation job request and answers with
// the minted job id before the run starts. Place references that don't
// resolve are a 404 or 403, a held lease a 409, a saturated pool a 503.
func (s *TripServer) handleEnqueue(task jobstatus.Task) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]

		var req struct {
			PlaceList []int64 `json:"placeList"`
			Days      int     `json:"days"`
			Day       *int    `json:"day"`
		}
		if !readJSON(w, r, &req) {
			return
		}

		day := -1
		if req.Day != nil {
			day = *req.Day
		}

		jobID, err := s.coordinator.Enqueue(r.Context(), task, roomID, day, req.Days, req.PlaceList)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
	}
}

// handleSnapshot returns the room-latest job snapshot. A room with no
// recorded activity answers IDLE rather than 404 so clients poll one
// shape. Snapshots are point-in-time and must not be cached.
func (s *TripServer) handleSnapshot(task jobstatus.Task) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]

		snapshot, err := s.status.GetRoomStatus(r.Context(), task, roomID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if snapshot == nil {
			snapshot = jobstatus.IdleSnapshot(roomID)
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, snapshot)
	}
}

// handleRecentJobs returns the room's bounded recent job id list
func (s *TripServer) handleRecentJobs(task jobstatus.Task) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]

		ids, err := s.status.RecentJobs(r.Context(), task, roomID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}

		writeJSON(w, http.StatusOK, map[string][]string{"jobs": ids})
	}
}

// handleJobSnapshot returns a specific job's snapshot; unknown or aged
// out ids are a 404
func (s *TripServer) handleJobSnapshot(task jobstatus.Task) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := mux.Vars(r)["jobId"]

		snapshot, err := s.status.GetJob(r.Context(), task, jobID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if snapshot == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, snapshot)
	}
}

// handleCommit merges the room's drafts into the durable schedule. The
// body's versions map selects which days to persist and asserts the
// version each was based on; an empty body commits every draft at its
// stored version. A version conflict answers 409 with the latest
// persisted versions and schedules so the client can rebase; the
// drafts stay intact for the retry.
func (s *TripServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	var req struct {
		Versions map[string]int64 `json:"versions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	versions := make(map[int]int64, len(req.Versions))
	for dayKey, expected := range req.Versions {
		day, err := strconv.Atoi(dayKey)
		if err != nil || day < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid day %q in versions", dayKey))
			return
		}
		versions[day] = expected
	}

	committed, err := s.schedules.Commit(r.Context(), roomID, versions)
	if err != nil {
		if errors.IsConflict(err) {
			latest, stateErr := s.schedules.LatestState(r.Context(), roomID)
			if stateErr != nil {
				s.writeServiceError(w, stateErr)
				return
			}
			latestVersions := make(map[int]int64, len(latest))
			for _, day := range latest {
				latestVersions[day.Day] = day.Version
			}
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":           err.Error(),
				"latestVersions":  latestVersions,
				"latestSchedules": latest,
			})
			return
		}
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": committed})
}

// handleResetDrafts discards the room's drafts without committing
func (s *TripServer) handleResetDrafts(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	if err := s.schedules.Reset(r.Context(), roomID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListSchedules returns the room's committed schedules
func (s *TripServer) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	schedules, err := s.db.ListSchedules(r.Context(), roomID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if schedules == nil {
		schedules = []storage.DaySchedule{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

// handleVote toggles the user's vote and returns their new state plus
// the aggregate count
func (s *TripServer) handleVote(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	wantID, err := strconv.ParseInt(mux.Vars(r)["wantId"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid want id")
		return
	}

	var req struct {
		UserID string `json:"userId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	result, err := s.votes.Toggle(r.Context(), roomID, wantID, req.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleListWants returns the room's place wants
func (s *TripServer) handleListWants(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	wants, err := s.db.ListWants(r.Context(), roomID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if wants == nil {
		wants = []storage.Want{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"places": wants})
}

// handleAddWant adds a place want over HTTP, fans the addition out, and
// marks existing recommendations stale
func (s *TripServer) handleAddWant(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	var req struct {
		Name      string  `json:"name"`
		Address   string  `json:"address"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	want := storage.Want{
		RoomID:    roomID,
		Name:      req.Name,
		Address:   req.Address,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	}
	id, err := s.db.AddWant(r.Context(), want)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	want.ID = id

	s.publisher.TryPublish(r.Context(), bus.KindPlaceWantAdd, roomID, want)
	s.coordinator.InvalidateRoom(r.Context(), roomID, "place list changed")

	writeJSON(w, http.StatusCreated, want)
}

// handleRemoveWant removes a place want, fans the removal out, and
// marks existing recommendations stale
func (s *TripServer) handleRemoveWant(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	wantID, err := strconv.ParseInt(mux.Vars(r)["wantId"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid want id")
		return
	}

	if err := s.db.RemoveWant(r.Context(), roomID, wantID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.publisher.TryPublish(r.Context(), bus.KindPlaceWantRemove, roomID, map[string]int64{"wantId": wantID})
	s.coordinator.InvalidateRoom(r.Context(), roomID, "place list changed")

	w.WriteHeader(http.StatusNoContent)
}

// handleHealth pings the shared store and the database
func (s *TripServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.kvStore.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": "store unreachable"})
		return
	}
	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": "database unreachable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebSocket upgrades the connection and joins the client to its
// room
func (s *TripServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = "anon-" + uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "room_id", roomID, "error", err)
		return
	}

	client := &Client{
		server:  s,
		conn:    conn,
		send:    make(chan roomEvent, sendQueueSize),
		id:      uuid.NewString(),
		roomID:  roomID,
		userID:  userID,
		limiter: s.newEditLimiter(),
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}
