package jobstatus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/kv"
)

func newTestStore(t *testing.T) (*Store, *kv.MemoryStore, *time.Time) {
	t.Helper()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	memory := kv.NewMemoryStore()
	memory.SetNowFunc(func() time.Time { return *clock })

	store := NewStore(memory, StoreConfig{
		ProgressMinDelta:    5,
		ProgressMinInterval: 2 * time.Second,
		JobRetention:        48 * time.Hour,
		RecentJobsLimit:     3,
	}, zap.NewNop().Sugar())
	store.SetNowFunc(func() time.Time { return *clock })

	return store, memory, clock
}

func TestLifecycleSnapshots(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStarted(ctx, TaskSchedule, Started{RoomID: "room1", JobID: "job1"}))

	snapshot, err := store.GetRoomStatus(ctx, TaskSchedule, "room1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, StatusStarted, snapshot.Status)
	assert.Equal(t, "job1", snapshot.JobID)

	// The per-job view carries the same snapshot
	byJob, err := store.GetJob(ctx, TaskSchedule, "job1")
	require.NoError(t, err)
	require.NotNil(t, byJob)
	assert.Equal(t, StatusStarted, byJob.Status)

	result := json.RawMessage(`{"days":[]}`)
	require.NoError(t, store.SaveDone(ctx, TaskSchedule, Done{RoomID: "room1", JobID: "job1", Result: result}))

	got, err := store.GetRoomResult(ctx, TaskSchedule, "room1")
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(got))

	byJobResult, err := store.GetJobResult(ctx, TaskSchedule, "job1")
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(byJobResult))
	assert.True(t, StatusDone.Terminal())

	// Task types keep independent views
	other, err := store.GetRoomStatus(ctx, TaskRoute, "room1")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestUnknownRoomHasNoSnapshot(t *testing.T) {
	store, _, _ := newTestStore(t)

	snapshot, err := store.GetRoomStatus(context.Background(), TaskSchedule, "ghost")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestProgressThrottling(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStarted(ctx, TaskSchedule, Started{RoomID: "room1", JobID: "job1"}))

	// A burst of per-percent reports with no time passing: only every
	// fifth percent should land
	writes := 0
	for percent := 0; percent <= 100; percent++ {
		wrote, err := store.SaveProgressThrottled(ctx, TaskSchedule, Progress{RoomID: "room1", JobID: "job1", Percent: percent})
		require.NoError(t, err)
		if wrote {
			writes++
		}
	}

	assert.LessOrEqual(t, writes, 21, "rapid reports must be throttled by delta")
	assert.Greater(t, writes, 1, "throttling must still let progress through")

	snapshot, err := store.GetRoomStatus(ctx, TaskSchedule, "room1")
	require.NoError(t, err)
	require.NotNil(t, snapshot.Progress)
	assert.Equal(t, 100, *snapshot.Progress)
}

func TestProgressIntervalOverridesDelta(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStarted(ctx, TaskSchedule, Started{RoomID: "room1", JobID: "job1"}))

	wrote, err := store.SaveProgressThrottled(ctx, TaskSchedule, Progress{RoomID: "room1", JobID: "job1", Percent: 10})
	require.NoError(t, err)
	require.True(t, wrote)

	// Tiny delta, no time passed: skipped
	wrote, err = store.SaveProgressThrottled(ctx, TaskSchedule, Progress{RoomID: "room1", JobID: "job1", Percent: 11})
	require.NoError(t, err)
	assert.False(t, wrote)

	// Same tiny delta after the interval: lands
	*clock = clock.Add(3 * time.Second)
	wrote, err = store.SaveProgressThrottled(ctx, TaskSchedule, Progress{RoomID: "room1", JobID: "job1", Percent: 11})
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestProgressNeverRegresses(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStarted(ctx, TaskSchedule, Started{RoomID: "room1", JobID: "job1"}))

	wrote, err := store.SaveProgressThrottled(ctx, TaskSchedule, Progress{RoomID: "room1", JobID: "job1", Percent: 60})
	require.NoError(t, err)
	require.True(t, wrote)

	// A late out-of-order report must not move the view backwards, even
	// after the throttle interval
	*clock = clock.Add(time.Minute)
	wrote, err = store.SaveProgressThrottled(ctx, TaskSchedule, Progress{RoomID: "room1", JobID: "job1", Percent: 40})
	require.NoError(t, err)
	assert.False(t, wrote)

	snapshot, err := store.GetRoomStatus(ctx, TaskSchedule, "room1")
	require.NoError(t, err)
	require.NotNil(t, snapshot.Progress)
	assert.Equal(t, 60, *snapshot.Progress)
}

func TestInvalidatedIsRoomLevelAndLastWriteWins(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStarted(ctx, TaskSchedule, Started{RoomID: "room1", JobID: "job1"}))
	require.NoError(t, store.SaveDone(ctx, TaskSchedule, Done{RoomID: "room1", JobID: "job1", Result: json.RawMessage(`{}`)}))

	require.NoError(t, store.SaveInvalidated(ctx, TaskSchedule, Invalidated{RoomID: "room1", Reason: "place list changed"}))

	snapshot, err := store.GetRoomStatus(ctx, TaskSchedule, "room1")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidated, snapshot.Status)
	assert.Equal(t, "place list changed", snapshot.Reason)
	assert.Empty(t, snapshot.JobID, "invalidation is room-level, not tied to a job")

	// The per-job history is untouched
	byJob, err := store.GetJob(ctx, TaskSchedule, "job1")
	require.NoError(t, err)
	require.NotNil(t, byJob)
	assert.Equal(t, StatusDone, byJob.Status)

	// A newer terminal write overwrites the invalidation
	require.NoError(t, store.SaveDone(ctx, TaskSchedule, Done{RoomID: "room1", JobID: "job2", Result: json.RawMessage(`{}`)}))
	snapshot, err = store.GetRoomStatus(ctx, TaskSchedule, "room1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, snapshot.Status)
}

func TestJobSnapshotExpires(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStarted(ctx, TaskSchedule, Started{RoomID: "room1", JobID: "job1"}))

	*clock = clock.Add(49 * time.Hour)

	byJob, err := store.GetJob(ctx, TaskSchedule, "job1")
	require.NoError(t, err)
	assert.Nil(t, byJob, "per-job snapshot should age out")

	// The room-latest view never expires
	snapshot, err := store.GetRoomStatus(ctx, TaskSchedule, "room1")
	require.NoError(t, err)
	assert.NotNil(t, snapshot)
}

func TestRecentJobsListIsBounded(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, jobID := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.SaveStarted(ctx, TaskSchedule, Started{RoomID: "room1", JobID: jobID}))
	}

	ids, err := store.RecentJobs(ctx, TaskSchedule, "room1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "c"}, ids, "newest first, trimmed to the limit")
}
