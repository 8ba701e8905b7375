package recommend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/jobstatus"
	"github.com/tripmesh/tripmesh/roomlock"
	"github.com/tripmesh/tripmesh/storage"
)

// Coordinator owns the recommendation job lifecycle. Enqueue acquires
// the room+task lease, snapshots the room's place list, and hands the
// run to the pool; the run itself releases the lease in a deferred
// block on every exit path.
type Coordinator struct {
	locks     *roomlock.Service
	publisher *Publisher
	gateway   Gateway
	db        *storage.Store
	pool      *Pool
	log       *zap.SugaredLogger

	mu             sync.RWMutex
	gatewayTimeout time.Duration
}

// NewCoordinator creates a job coordinator
func NewCoordinator(locks *roomlock.Service, publisher *Publisher, gateway Gateway, db *storage.Store, pool *Pool, gatewayTimeout time.Duration, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		locks:          locks,
		publisher:      publisher,
		gateway:        gateway,
		db:             db,
		pool:           pool,
		log:            log.Named("recommend"),
		gatewayTimeout: gatewayTimeout,
	}
}

// SetGatewayTimeout updates the per-run gateway deadline (config
// hot-reload)
func (c *Coordinator) SetGatewayTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gatewayTimeout = timeout
}

func (c *Coordinator) timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gatewayTimeout
}

// lockDay scopes the lease: schedule jobs lock the whole room, route
// jobs lock a single day
func lockDay(task jobstatus.Task, day int) int {
	if task == jobstatus.TaskRoute {
		return day
	}
	return -1
}

// Enqueue validates the request, takes the room+task lease, and submits
// the run. It returns the minted job id immediately; the run proceeds
// in the background. Each requested place reference is resolved before
// the lease is taken: a missing id fails as not-found, an id owned by
// another room as forbidden. An empty place list covers every place in
// the room. A held lease is a conflict, a full pool sheds the request
// and releases the lease before returning.
func (c *Coordinator) Enqueue(ctx context.Context, task jobstatus.Task, roomID string, day, days int, placeIDs []int64) (string, error) {
	switch task {
	case jobstatus.TaskSchedule:
		if days < 1 {
			return "", errors.NewInvalidRequestf("trip must span at least 1 day")
		}
	case jobstatus.TaskRoute:
		if day < 0 {
			return "", errors.NewInvalidRequestf("route job requires a target day")
		}
	default:
		return "", errors.NewInvalidRequestf("unknown task type %q", task)
	}

	var wants []storage.Want
	var err error
	if len(placeIDs) > 0 {
		wants, err = c.db.ResolveWants(ctx, roomID, placeIDs)
	} else {
		wants, err = c.db.ListWants(ctx, roomID)
	}
	if err != nil {
		return "", err
	}
	if len(wants) < 2 {
		return "", errors.NewInvalidRequestf("room %s needs at least 2 places before requesting recommendations", roomID)
	}

	acquired, err := c.locks.Acquire(ctx, roomID, string(task), lockDay(task, day))
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", errors.NewConflictf("a %s job is already running for room %s", task, roomID)
	}

	jobID := uuid.NewString()
	submit := func(runCtx context.Context) {
		c.run(runCtx, task, roomID, day, days, jobID, wants)
	}
	if err := c.pool.Submit(submit); err != nil {
		c.locks.Release(ctx, roomID, string(task), lockDay(task, day))
		return "", err
	}

	c.log.Infow("Job enqueued",
		"task", task,
		"room_id", roomID,
		"job_id", jobID,
		"places", len(wants),
	)
	return jobID, nil
}

// run executes one recommendation job. The lease release is deferred so
// every exit path, including a panic in the gateway client, frees the
// room.
func (c *Coordinator) run(ctx context.Context, task jobstatus.Task, roomID string, day, days int, jobID string, wants []storage.Want) {
	defer c.locks.Release(context.Background(), roomID, string(task), lockDay(task, day))

	c.publisher.Started(ctx, task, roomID, jobID)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	result, err := c.gateway.Recommend(callCtx, Request{
		RoomID: roomID,
		Task:   task,
		Places: wants,
		Days:   days,
		Day:    day,
	}, func(percent int) {
		c.publisher.Progress(ctx, task, roomID, jobID, percent)
	})
	if err != nil {
		message := "recommendation failed"
		if errors.Is(err, errors.ErrTimeout) {
			message = "recommendation timed out"
		}
		c.log.Errorw("Job failed",
			"task", task,
			"room_id", roomID,
			"job_id", jobID,
			"error", err,
		)
		c.publisher.Failed(ctx, task, roomID, jobID, message)
		return
	}

	payload, err := json.Marshal(buildDisplayResult(jobID, result, wants))
	if err != nil {
		c.log.Errorw("Failed to marshal job result", "job_id", jobID, "error", err)
		c.publisher.Failed(ctx, task, roomID, jobID, "recommendation produced an unreadable result")
		return
	}

	c.publisher.Done(ctx, task, roomID, jobID, payload)
	c.log.Infow("Job completed", "task", task, "room_id", roomID, "job_id", jobID)
}

// InvalidateRoom marks both task types stale for the room, used when
// the place list changes underneath a finished recommendation
func (c *Coordinator) InvalidateRoom(ctx context.Context, roomID, reason string) {
	c.publisher.Invalidated(ctx, jobstatus.TaskSchedule, roomID, reason)
	c.publisher.Invalidated(ctx, jobstatus.TaskRoute, roomID, reason)
}

// DisplayLeg is a recommended stop joined with its place details so
// clients can render without a second lookup
type DisplayLeg struct {
	WantID        int64   `json:"wantId"`
	Name          string  `json:"name"`
	Address       string  `json:"address,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Order         int     `json:"order"`
	StartTime     string  `json:"startTime"`
	EndTime       string  `json:"endTime"`
	Mode          string  `json:"mode,omitempty"`
	TravelMinutes *int    `json:"nextTravelTime,omitempty"`
}

// DisplayDay is one rendered day of the recommendation
type DisplayDay struct {
	Day  int          `json:"day"`
	Date string       `json:"date,omitempty"`
	Legs []DisplayLeg `json:"legs"`
}

// DisplayResult is the client-facing result payload stored on DONE
type DisplayResult struct {
	JobID string       `json:"jobId"`
	Days  []DisplayDay `json:"days"`
}

func buildDisplayResult(jobID string, result *Result, wants []storage.Want) DisplayResult {
	byID := make(map[int64]storage.Want, len(wants))
	for _, want := range wants {
		byID[want.ID] = want
	}

	display := DisplayResult{JobID: jobID, Days: make([]DisplayDay, 0, len(result.Days))}
	for _, day := range result.Days {
		rendered := DisplayDay{Day: day.Day, Date: day.Date, Legs: make([]DisplayLeg, 0, len(day.Legs))}
		for _, leg := range day.Legs {
			want := byID[leg.WantID]
			rendered.Legs = append(rendered.Legs, DisplayLeg{
				WantID:        leg.WantID,
				Name:          want.Name,
				Address:       want.Address,
				Latitude:      want.Latitude,
				Longitude:     want.Longitude,
				Order:         leg.Order,
				StartTime:     leg.StartTime,
				EndTime:       leg.EndTime,
				Mode:          leg.Mode,
				TravelMinutes: leg.TravelMinutes,
			})
		}
		display.Days = append(display.Days, rendered)
	}
	return display
}
