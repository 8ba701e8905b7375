// Package jobstatus persists and reads recommendation job lifecycle
// snapshots on the shared keyed store. Two views are kept per task
// type: a room-latest view (one snapshot per room, always overwritten,
// answers "what is happening in this room now") and a per-job view
// (keyed by job id, bounded TTL, answers "what happened to job X").
package jobstatus

import (
	"encoding/json"
	"time"
)

// Task identifies an independently lockable recommendation kind
type Task string

const (
	TaskSchedule Task = "ai-schedule"
	TaskRoute    Task = "ai-route"
)

// Status is the lifecycle state of a job or room
type Status string

const (
	StatusIdle        Status = "IDLE" // room-level absence state, never stored
	StatusStarted     Status = "STARTED"
	StatusProgress    Status = "PROGRESS"
	StatusDone        Status = "DONE"
	StatusError       Status = "ERROR"
	StatusInvalidated Status = "INVALIDATED"
)

// Terminal reports whether a status ends a job's lifecycle
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusInvalidated
}

// Update is the tagged variant for one lifecycle transition. Each
// variant carries only the fields valid for its status; the
// all-optional-fields shape exists solely at the JSON boundary.
type Update interface {
	snapshot(now time.Time) Snapshot
}

// Started marks job creation
type Started struct {
	RoomID string
	JobID  string
}

// Progress carries a 0-100 completion percentage
type Progress struct {
	RoomID  string
	JobID   string
	Percent int
}

// Done carries the opaque serialized result payload
type Done struct {
	RoomID string
	JobID  string
	Result json.RawMessage
}

// Failed carries the failure message
type Failed struct {
	RoomID  string
	JobID   string
	Message string
}

// Invalidated marks the room (not a specific job) as stale, e.g. when
// the place list changed underneath a completed recommendation
type Invalidated struct {
	RoomID string
	Reason string
}

func (u Started) snapshot(now time.Time) Snapshot {
	return Snapshot{RoomID: u.RoomID, JobID: u.JobID, Status: StatusStarted, UpdatedAt: now}
}

func (u Progress) snapshot(now time.Time) Snapshot {
	percent := u.Percent
	return Snapshot{RoomID: u.RoomID, JobID: u.JobID, Status: StatusProgress, Progress: &percent, UpdatedAt: now}
}

func (u Done) snapshot(now time.Time) Snapshot {
	return Snapshot{RoomID: u.RoomID, JobID: u.JobID, Status: StatusDone, Result: u.Result, UpdatedAt: now}
}

func (u Failed) snapshot(now time.Time) Snapshot {
	return Snapshot{RoomID: u.RoomID, JobID: u.JobID, Status: StatusError, Message: u.Message, UpdatedAt: now}
}

func (u Invalidated) snapshot(now time.Time) Snapshot {
	return Snapshot{RoomID: u.RoomID, Status: StatusInvalidated, Reason: u.Reason, UpdatedAt: now}
}

// Snapshot is the single client-facing JSON shape every variant
// serializes to, discriminated by the status field
type Snapshot struct {
	RoomID    string          `json:"roomId"`
	JobID     string          `json:"jobId,omitempty"`
	Status    Status          `json:"status"`
	Progress  *int            `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// IdleSnapshot is the room-level absence state returned when no job has
// ever run (or the latest snapshot expired)
func IdleSnapshot(roomID string) *Snapshot {
	return &Snapshot{RoomID: roomID, Status: StatusIdle}
}
