package recommend

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/jobstatus"
)

// statusEvent is the fan-out payload for lifecycle transitions. Result
// payloads travel on the separate result channel so status subscribers
// stay lightweight.
type statusEvent struct {
	JobID     string           `json:"jobId,omitempty"`
	Status    jobstatus.Status `json:"status"`
	Progress  *int             `json:"progress,omitempty"`
	Message   string           `json:"message,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Publisher emits job lifecycle updates to the status store and the
// room event bus. Every emit is best-effort: a failed side write is
// logged and swallowed so it can never fail the run that produced it.
type Publisher struct {
	status *jobstatus.Store
	bus    *bus.Publisher
	log    *zap.SugaredLogger
}

// NewPublisher creates a lifecycle publisher
func NewPublisher(status *jobstatus.Store, busPublisher *bus.Publisher, log *zap.SugaredLogger) *Publisher {
	return &Publisher{
		status: status,
		bus:    busPublisher,
		log:    log.Named("recommend.publish"),
	}
}

func statusKind(task jobstatus.Task) string {
	if task == jobstatus.TaskRoute {
		return bus.KindRouteJobStatus
	}
	return bus.KindScheduleJobStatus
}

func resultKind(task jobstatus.Task) string {
	if task == jobstatus.TaskRoute {
		return bus.KindRouteJobResult
	}
	return bus.KindScheduleJobResult
}

// Started records and broadcasts job creation
func (p *Publisher) Started(ctx context.Context, task jobstatus.Task, roomID, jobID string) {
	if err := p.status.SaveStarted(ctx, task, jobstatus.Started{RoomID: roomID, JobID: jobID}); err != nil {
		p.log.Warnw("Failed to persist STARTED", "task", task, "room_id", roomID, "job_id", jobID, "error", err)
	}
	p.bus.TryPublish(ctx, statusKind(task), roomID, statusEvent{JobID: jobID, Status: jobstatus.StatusStarted, UpdatedAt: time.Now()})
}

// Progress records and broadcasts a progress report. Throttling happens
// in the store; a report the store skipped is not broadcast either.
func (p *Publisher) Progress(ctx context.Context, task jobstatus.Task, roomID, jobID string, percent int) {
	wrote, err := p.status.SaveProgressThrottled(ctx, task, jobstatus.Progress{RoomID: roomID, JobID: jobID, Percent: percent})
	if err != nil {
		p.log.Warnw("Failed to persist PROGRESS", "task", task, "room_id", roomID, "job_id", jobID, "error", err)
		return
	}
	if !wrote {
		return
	}
	p.bus.TryPublish(ctx, statusKind(task), roomID, statusEvent{JobID: jobID, Status: jobstatus.StatusProgress, Progress: &percent, UpdatedAt: time.Now()})
}

// Done records and broadcasts job completion along with its result
func (p *Publisher) Done(ctx context.Context, task jobstatus.Task, roomID, jobID string, result json.RawMessage) {
	if err := p.status.SaveDone(ctx, task, jobstatus.Done{RoomID: roomID, JobID: jobID, Result: result}); err != nil {
		p.log.Warnw("Failed to persist DONE", "task", task, "room_id", roomID, "job_id", jobID, "error", err)
	}
	p.bus.TryPublish(ctx, statusKind(task), roomID, statusEvent{JobID: jobID, Status: jobstatus.StatusDone, UpdatedAt: time.Now()})
	p.bus.TryPublish(ctx, resultKind(task), roomID, result)
}

// Failed records and broadcasts job failure
func (p *Publisher) Failed(ctx context.Context, task jobstatus.Task, roomID, jobID, message string) {
	if err := p.status.SaveError(ctx, task, jobstatus.Failed{RoomID: roomID, JobID: jobID, Message: message}); err != nil {
		p.log.Warnw("Failed to persist ERROR", "task", task, "room_id", roomID, "job_id", jobID, "error", err)
	}
	p.bus.TryPublish(ctx, statusKind(task), roomID, statusEvent{JobID: jobID, Status: jobstatus.StatusError, Message: message, UpdatedAt: time.Now()})
}

// Invalidated marks a room's latest recommendation stale and broadcasts
// the invalidation
func (p *Publisher) Invalidated(ctx context.Context, task jobstatus.Task, roomID, reason string) {
	if err := p.status.SaveInvalidated(ctx, task, jobstatus.Invalidated{RoomID: roomID, Reason: reason}); err != nil {
		p.log.Warnw("Failed to persist INVALIDATED", "task", task, "room_id", roomID, "error", err)
	}
	p.bus.TryPublish(ctx, statusKind(task), roomID, statusEvent{Status: jobstatus.StatusInvalidated, Reason: reason, UpdatedAt: time.Now()})
}
