package jobstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/kv"
)

// StoreConfig carries the tunable knobs for the status store
type StoreConfig struct {
	// ProgressMinDelta and ProgressMinInterval throttle progress writes:
	// a PROGRESS write lands only if the delta since the stored value
	// reaches the minimum or the interval elapsed
	ProgressMinDelta    int
	ProgressMinInterval time.Duration

	// JobRetention bounds per-job snapshots; room-latest has no TTL
	JobRetention time.Duration

	// RecentJobsLimit bounds the per-room recent job id list
	RecentJobsLimit int64
}

// Store reads and writes job lifecycle snapshots on the shared store.
// It makes no atomicity claims across the two views; overlap prevention
// is the lock service's job, not the store's.
type Store struct {
	store   kv.Store
	log     *zap.SugaredLogger
	nowFunc func() time.Time

	mu  sync.RWMutex
	cfg StoreConfig
}

// NewStore creates a job status store
func NewStore(store kv.Store, cfg StoreConfig, log *zap.SugaredLogger) *Store {
	return &Store{
		store:   store,
		log:     log.Named("jobstatus"),
		nowFunc: time.Now,
		cfg:     cfg,
	}
}

// SetNowFunc overrides the clock for tests
func (s *Store) SetNowFunc(now func() time.Time) {
	s.nowFunc = now
}

// Reconfigure swaps the tunable knobs (config hot-reload)
func (s *Store) Reconfigure(cfg StoreConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Store) config() StoreConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func roomKey(task Task, roomID string) string {
	return fmt.Sprintf("job:%s:room:%s", task, roomID)
}

func jobKey(task Task, jobID string) string {
	return fmt.Sprintf("job:%s:id:%s", task, jobID)
}

func recentKey(task Task, roomID string) string {
	return fmt.Sprintf("job:%s:recent:%s", task, roomID)
}

// SaveStarted writes STARTED to both views and appends the job id to
// the room's bounded recent-jobs list
func (s *Store) SaveStarted(ctx context.Context, task Task, update Started) error {
	snapshot := update.snapshot(s.nowFunc())
	if err := s.writeBoth(ctx, task, snapshot); err != nil {
		return err
	}

	cfg := s.config()
	if err := s.store.LPush(ctx, recentKey(task, update.RoomID), update.JobID); err != nil {
		return errors.Wrap(err, "failed to append recent job id")
	}
	if err := s.store.LTrim(ctx, recentKey(task, update.RoomID), 0, cfg.RecentJobsLimit-1); err != nil {
		return errors.Wrap(err, "failed to trim recent job list")
	}
	return nil
}

// SaveProgressThrottled writes PROGRESS only when the delta since the
// stored room-latest value reaches the configured minimum or the
// configured interval elapsed since the last write. Regressing progress
// values are dropped so the stored view is monotonically non-decreasing.
// Returns true when a write landed.
func (s *Store) SaveProgressThrottled(ctx context.Context, task Task, update Progress) (bool, error) {
	cfg := s.config()
	now := s.nowFunc()

	previous, err := s.GetRoomStatus(ctx, task, update.RoomID)
	if err != nil {
		return false, err
	}

	if previous != nil && previous.JobID == update.JobID && previous.Status == StatusProgress && previous.Progress != nil {
		if update.Percent < *previous.Progress {
			return false, nil
		}
		delta := update.Percent - *previous.Progress
		elapsed := now.Sub(previous.UpdatedAt)
		if delta < cfg.ProgressMinDelta && elapsed < cfg.ProgressMinInterval {
			return false, nil
		}
	}

	if err := s.writeBoth(ctx, task, update.snapshot(now)); err != nil {
		return false, err
	}
	return true, nil
}

// SaveDone writes the terminal DONE snapshot with its result payload
func (s *Store) SaveDone(ctx context.Context, task Task, update Done) error {
	return s.writeBoth(ctx, task, update.snapshot(s.nowFunc()))
}

// SaveError writes the terminal ERROR snapshot
func (s *Store) SaveError(ctx context.Context, task Task, update Failed) error {
	return s.writeBoth(ctx, task, update.snapshot(s.nowFunc()))
}

// SaveInvalidated marks the room stale. Room-level only: there may be
// no specific job, and a later terminal write for the room overwrites
// it (last write wins).
func (s *Store) SaveInvalidated(ctx context.Context, task Task, update Invalidated) error {
	snapshot := update.snapshot(s.nowFunc())
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to marshal invalidated snapshot")
	}
	if err := s.store.Set(ctx, roomKey(task, update.RoomID), string(raw), 0); err != nil {
		return errors.Wrap(err, "failed to write room-latest snapshot")
	}
	return nil
}

// writeBoth writes a snapshot to the room-latest view (no TTL) and the
// per-job view (bounded TTL)
func (s *Store) writeBoth(ctx context.Context, task Task, snapshot Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s snapshot", snapshot.Status)
	}

	if err := s.store.Set(ctx, roomKey(task, snapshot.RoomID), string(raw), 0); err != nil {
		return errors.Wrap(err, "failed to write room-latest snapshot")
	}
	if snapshot.JobID != "" {
		if err := s.store.Set(ctx, jobKey(task, snapshot.JobID), string(raw), s.config().JobRetention); err != nil {
			return errors.Wrap(err, "failed to write per-job snapshot")
		}
	}
	return nil
}

// GetRoomStatus returns the room-latest snapshot, or nil when the room
// has no recorded job activity
func (s *Store) GetRoomStatus(ctx context.Context, task Task, roomID string) (*Snapshot, error) {
	return s.read(ctx, roomKey(task, roomID))
}

// GetRoomResult returns the latest result payload for the room, or nil
// when the latest run is not DONE
func (s *Store) GetRoomResult(ctx context.Context, task Task, roomID string) (json.RawMessage, error) {
	snapshot, err := s.GetRoomStatus(ctx, task, roomID)
	if err != nil || snapshot == nil {
		return nil, err
	}
	if snapshot.Status != StatusDone {
		return nil, nil
	}
	return snapshot.Result, nil
}

// GetJob returns the per-job snapshot, or nil when the id is unknown or
// the snapshot aged out
func (s *Store) GetJob(ctx context.Context, task Task, jobID string) (*Snapshot, error) {
	return s.read(ctx, jobKey(task, jobID))
}

// GetJobResult returns a specific job's result payload, or nil
func (s *Store) GetJobResult(ctx context.Context, task Task, jobID string) (json.RawMessage, error) {
	snapshot, err := s.GetJob(ctx, task, jobID)
	if err != nil || snapshot == nil {
		return nil, err
	}
	if snapshot.Status != StatusDone {
		return nil, nil
	}
	return snapshot.Result, nil
}

// RecentJobs returns the room's bounded recent job id list, newest first
func (s *Store) RecentJobs(ctx context.Context, task Task, roomID string) ([]string, error) {
	ids, err := s.store.LRange(ctx, recentKey(task, roomID), 0, s.config().RecentJobsLimit-1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read recent job list")
	}
	return ids, nil
}

func (s *Store) read(ctx context.Context, key string) (*Snapshot, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read snapshot at %s", key)
	}

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, errors.Wrapf(err, "corrupt snapshot at %s", key)
	}
	return &snapshot, nil
}
