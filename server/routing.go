package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tripmesh/tripmesh/jobstatus"
)

// routes builds the HTTP surface
func (s *TripServer) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/rooms/{roomId}", s.handleWebSocket)

	room := r.PathPrefix("/rooms/{roomId}").Subrouter()

	room.HandleFunc("/ai-schedule", s.handleEnqueue(jobstatus.TaskSchedule)).Methods(http.MethodPost)
	room.HandleFunc("/ai-schedule/snapshot", s.handleSnapshot(jobstatus.TaskSchedule)).Methods(http.MethodGet)
	room.HandleFunc("/ai-schedule/jobs", s.handleRecentJobs(jobstatus.TaskSchedule)).Methods(http.MethodGet)
	room.HandleFunc("/ai-schedule/jobs/{jobId}", s.handleJobSnapshot(jobstatus.TaskSchedule)).Methods(http.MethodGet)

	room.HandleFunc("/ai-route", s.handleEnqueue(jobstatus.TaskRoute)).Methods(http.MethodPost)
	room.HandleFunc("/ai-route/snapshot", s.handleSnapshot(jobstatus.TaskRoute)).Methods(http.MethodGet)
	room.HandleFunc("/ai-route/jobs", s.handleRecentJobs(jobstatus.TaskRoute)).Methods(http.MethodGet)
	room.HandleFunc("/ai-route/jobs/{jobId}", s.handleJobSnapshot(jobstatus.TaskRoute)).Methods(http.MethodGet)

	room.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	room.HandleFunc("/schedules/commit", s.handleCommit).Methods(http.MethodPost)
	room.HandleFunc("/schedules/reset", s.handleResetDrafts).Methods(http.MethodPost)

	room.HandleFunc("/place-wants", s.handleListWants).Methods(http.MethodGet)
	room.HandleFunc("/place-wants", s.handleAddWant).Methods(http.MethodPost)
	room.HandleFunc("/place-wants/{wantId}", s.handleRemoveWant).Methods(http.MethodDelete)
	room.HandleFunc("/place-wants/{wantId}/vote", s.handleVote).Methods(http.MethodPost)

	return r
}
