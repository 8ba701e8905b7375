package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/am"
	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/jobstatus"
	"github.com/tripmesh/tripmesh/kv"
	"github.com/tripmesh/tripmesh/recommend"
	"github.com/tripmesh/tripmesh/roomlock"
	"github.com/tripmesh/tripmesh/schedule"
	"github.com/tripmesh/tripmesh/storage"
	"github.com/tripmesh/tripmesh/vote"
)

type scriptedGateway struct {
	fn func(ctx context.Context, req recommend.Request, progress recommend.ProgressFunc) (*recommend.Result, error)
}

func (g *scriptedGateway) Recommend(ctx context.Context, req recommend.Request, progress recommend.ProgressFunc) (*recommend.Result, error) {
	return g.fn(ctx, req, progress)
}

type testBackend struct {
	server    *TripServer
	http      *httptest.Server
	memory    *kv.MemoryStore
	store     *storage.Store
	schedules *schedule.Service
	publisher *bus.Publisher
}

func newTestBackend(t *testing.T, gateway recommend.Gateway) *testBackend {
	t.Helper()

	log := zap.NewNop().Sugar()
	memory := kv.NewMemoryStore()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewStore(db)

	locks := roomlock.NewService(memory, map[string]time.Duration{
		string(jobstatus.TaskSchedule): 5 * time.Minute,
		string(jobstatus.TaskRoute):    3 * time.Minute,
	}, log)

	status := jobstatus.NewStore(memory, jobstatus.StoreConfig{
		ProgressMinDelta:    5,
		ProgressMinInterval: 2 * time.Second,
		JobRetention:        48 * time.Hour,
		RecentJobsLimit:     10,
	}, log)

	pool := recommend.NewPool(context.Background(), 2, 8, log)
	pool.Start()
	t.Cleanup(pool.Stop)

	publisher := bus.NewPublisher(memory, log)
	jobPublisher := recommend.NewPublisher(status, publisher, log)
	coordinator := recommend.NewCoordinator(locks, jobPublisher, gateway, store, pool, time.Minute, log)
	schedules := schedule.NewService(memory, store, publisher, log)
	votes := vote.NewAggregator(store, publisher, log)

	cfg := &am.Config{
		Server:   am.ServerConfig{Port: 0, AllowedOrigins: []string{"http://localhost", "https://localhost"}},
		Realtime: am.RealtimeConfig{EditRatePerSecond: 100, EditBurst: 100},
	}

	srv := NewTripServer(context.Background(), cfg, Deps{
		KV:          memory,
		DB:          store,
		Status:      status,
		Coordinator: coordinator,
		Schedules:   schedules,
		Votes:       votes,
		Publisher:   publisher,
	}, log)

	srv.wg.Add(1)
	go srv.runHub()
	require.NoError(t, srv.startBridge())

	httpServer := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		httpServer.Close()
		srv.cancel()
	})

	return &testBackend{
		server:    srv,
		http:      httpServer,
		memory:    memory,
		store:     store,
		schedules: schedules,
		publisher: publisher,
	}
}

func okGateway() recommend.Gateway {
	return &scriptedGateway{fn: func(ctx context.Context, req recommend.Request, progress recommend.ProgressFunc) (*recommend.Result, error) {
		legs := make([]recommend.Leg, 0, len(req.Places))
		for i, place := range req.Places {
			legs = append(legs, recommend.Leg{WantID: place.ID, Order: i})
		}
		return &recommend.Result{Days: []recommend.DayPlan{{Day: 0, Legs: legs}}}, nil
	}}
}

func (b *testBackend) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(b.http.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (b *testBackend) getJSON(t *testing.T, path string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(b.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp
}

func (b *testBackend) addWant(t *testing.T, roomID, name string) int64 {
	t.Helper()
	id, err := b.store.AddWant(context.Background(), storage.Want{RoomID: roomID, Name: name})
	require.NoError(t, err)
	return id
}

func decodeBody(t *testing.T, resp *http.Response) map[string]json.RawMessage {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	backend := newTestBackend(t, okGateway())

	var body map[string]string
	resp := backend.getJSON(t, "/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestSnapshotStartsIdle(t *testing.T) {
	backend := newTestBackend(t, okGateway())

	var snapshot jobstatus.Snapshot
	resp := backend.getJSON(t, "/rooms/room1/ai-schedule/snapshot", &snapshot)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, jobstatus.StatusIdle, snapshot.Status)
	assert.Equal(t, "room1", snapshot.RoomID)
}

func TestEnqueueFlow(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	backend.addWant(t, "room1", "Gyeongbokgung")
	backend.addWant(t, "room1", "Bukchon")

	resp := backend.postJSON(t, "/rooms/room1/ai-schedule", map[string]int{"days": 2})
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var jobID string
	require.NoError(t, json.Unmarshal(body["jobId"], &jobID))
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		var snapshot jobstatus.Snapshot
		backend.getJSON(t, "/rooms/room1/ai-schedule/snapshot", &snapshot)
		return snapshot.Status == jobstatus.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	// The per-job view agrees with the room view
	var byJob jobstatus.Snapshot
	resp2 := backend.getJSON(t, "/rooms/room1/ai-schedule/jobs/"+jobID, &byJob)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, jobstatus.StatusDone, byJob.Status)

	var jobs map[string][]string
	backend.getJSON(t, "/rooms/room1/ai-schedule/jobs", &jobs)
	assert.Contains(t, jobs["jobs"], jobID)
}

func TestEnqueueValidationAndConflict(t *testing.T) {
	release := make(chan struct{})
	gateway := &scriptedGateway{fn: func(ctx context.Context, req recommend.Request, progress recommend.ProgressFunc) (*recommend.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &recommend.Result{}, nil
	}}
	backend := newTestBackend(t, gateway)

	// Not enough places
	resp := backend.postJSON(t, "/rooms/room1/ai-schedule", map[string]int{"days": 2})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	backend.addWant(t, "room1", "Gyeongbokgung")
	backend.addWant(t, "room1", "Bukchon")

	resp = backend.postJSON(t, "/rooms/room1/ai-schedule", map[string]int{"days": 2})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = backend.postJSON(t, "/rooms/room1/ai-schedule", map[string]int{"days": 2})
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "already running")

	close(release)
}

func TestEnqueueResolvesRequestedPlaces(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	first := backend.addWant(t, "room1", "Gyeongbokgung")
	second := backend.addWant(t, "room1", "Bukchon")

	// Ids that don't exist anywhere
	resp := backend.postJSON(t, "/rooms/room1/ai-schedule", map[string]interface{}{
		"days": 2, "placeList": []int64{999901, 999902},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A place owned by another room
	foreign := backend.addWant(t, "room2", "Haeundae")
	resp = backend.postJSON(t, "/rooms/room1/ai-schedule", map[string]interface{}{
		"days": 2, "placeList": []int64{first, foreign},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Valid references go through
	resp = backend.postJSON(t, "/rooms/room1/ai-schedule", map[string]interface{}{
		"days": 2, "placeList": []int64{first, second},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestUnknownJobIs404(t *testing.T) {
	backend := newTestBackend(t, okGateway())

	resp, err := http.Get(backend.http.URL + "/rooms/room1/ai-schedule/jobs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommitEndpointConflictPayload(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	want := backend.addWant(t, "room1", "Gyeongbokgung")
	ctx := context.Background()

	// The durable schedule is already at version 1
	require.NoError(t, backend.store.CommitSchedules(ctx, "room1", []storage.DayCommit{{
		Day: 0, ExpectedVersion: 0, Events: []storage.Event{{WantID: want, EventOrder: 0}},
	}}))

	// Draft based on the stale version 0
	require.NoError(t, backend.schedules.ApplyEdit(ctx, "room1", schedule.Draft{
		Day: 0, Version: 0, Events: []storage.Event{{WantID: want, EventOrder: 0}},
	}))

	resp := backend.postJSON(t, "/rooms/room1/schedules/commit", map[string]string{})
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var latest []storage.DaySchedule
	require.NoError(t, json.Unmarshal(body["latestSchedules"], &latest))
	require.Len(t, latest, 1)
	assert.Equal(t, int64(1), latest[0].Version)

	var latestVersions map[string]int64
	require.NoError(t, json.Unmarshal(body["latestVersions"], &latestVersions))
	assert.Equal(t, int64(1), latestVersions["0"])

	// Rebase and retry through the same endpoint
	require.NoError(t, backend.schedules.ApplyEdit(ctx, "room1", schedule.Draft{
		Day: 0, Version: 1, Events: []storage.Event{{WantID: want, EventOrder: 0}},
	}))
	resp = backend.postJSON(t, "/rooms/room1/schedules/commit", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommitHonorsVersionAssertions(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	want := backend.addWant(t, "room1", "Gyeongbokgung")
	ctx := context.Background()

	// Day 0 sits at version 1; the draft is rebased onto it
	require.NoError(t, backend.store.CommitSchedules(ctx, "room1", []storage.DayCommit{{
		Day: 0, ExpectedVersion: 0, Events: []storage.Event{{WantID: want, EventOrder: 0}},
	}}))
	require.NoError(t, backend.schedules.ApplyEdit(ctx, "room1", schedule.Draft{
		Day: 0, Version: 1, Events: []storage.Event{{WantID: want, EventOrder: 0}},
	}))

	// A stale version assertion loses even though the draft is current
	resp := backend.postJSON(t, "/rooms/room1/schedules/commit", map[string]interface{}{
		"versions": map[string]int64{"0": 5},
	})
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var latestVersions map[string]int64
	require.NoError(t, json.Unmarshal(body["latestVersions"], &latestVersions))
	assert.Equal(t, int64(1), latestVersions["0"])

	// Days must be non-negative integers
	resp = backend.postJSON(t, "/rooms/room1/schedules/commit", map[string]interface{}{
		"versions": map[string]int64{"later": 1},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Asserting the true version commits
	resp = backend.postJSON(t, "/rooms/room1/schedules/commit", map[string]interface{}{
		"versions": map[string]int64{"0": 1},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommitWithoutDraftsIs400(t *testing.T) {
	backend := newTestBackend(t, okGateway())

	resp := backend.postJSON(t, "/rooms/room1/schedules/commit", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVoteEndpoint(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	want := backend.addWant(t, "room1", "Gyeongbokgung")

	path := fmt.Sprintf("/rooms/room1/place-wants/%d/vote", want)

	resp := backend.postJSON(t, path, map[string]string{"userId": "alice"})
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "true", string(body["voted"]))
	assert.JSONEq(t, "1", string(body["voteCount"]))

	// Missing user id
	resp = backend.postJSON(t, path, map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Foreign room
	other := backend.addWant(t, "room2", "Haeundae")
	resp = backend.postJSON(t, fmt.Sprintf("/rooms/room1/place-wants/%d/vote", other), map[string]string{"userId": "alice"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAddWantInvalidatesRecommendations(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	backend.addWant(t, "room1", "Gyeongbokgung")
	backend.addWant(t, "room1", "Bukchon")

	resp := backend.postJSON(t, "/rooms/room1/ai-schedule", map[string]int{"days": 1})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		var snapshot jobstatus.Snapshot
		backend.getJSON(t, "/rooms/room1/ai-schedule/snapshot", &snapshot)
		return snapshot.Status == jobstatus.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	resp = backend.postJSON(t, "/rooms/room1/place-wants", map[string]interface{}{
		"name": "Namsan Tower", "latitude": 37.55, "longitude": 126.99,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var snapshot jobstatus.Snapshot
	backend.getJSON(t, "/rooms/room1/ai-schedule/snapshot", &snapshot)
	assert.Equal(t, jobstatus.StatusInvalidated, snapshot.Status)
	assert.Equal(t, "place list changed", snapshot.Reason)
}

func wsDial(t *testing.T, backend *testBackend, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(backend.http.URL, "http") + "/ws/rooms/" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketReceivesBridgedEvents(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	conn := wsDial(t, backend, "room1")

	// Give the hub a moment to register the client
	require.Eventually(t, func() bool {
		backend.server.mu.RLock()
		defer backend.server.mu.RUnlock()
		return len(backend.server.rooms["room1"]) == 1
	}, time.Second, 5*time.Millisecond)

	backend.publisher.TryPublish(context.Background(), bus.KindPlaceVote, "room1",
		map[string]interface{}{"wantId": 1, "voteCount": 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event roomEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, bus.KindPlaceVote, event.Type)
	assert.Equal(t, "room1", event.RoomID)
	assert.JSONEq(t, `{"wantId":1,"voteCount":3}`, string(event.Data))
}

func TestWebSocketScheduleEditLandsInDrafts(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	want := backend.addWant(t, "room1", "Gyeongbokgung")
	conn := wsDial(t, backend, "room1")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "schedule_edit",
		"day":     0,
		"date":    "2026-09-01",
		"version": 0,
		"events":  []map[string]interface{}{{"wantId": want, "eventOrder": 0}},
	}))

	require.Eventually(t, func() bool {
		drafts, err := backend.schedules.Drafts(context.Background(), "room1")
		return err == nil && len(drafts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	drafts, err := backend.schedules.Drafts(context.Background(), "room1")
	require.NoError(t, err)
	require.Len(t, drafts[0].Events, 1)
	assert.Equal(t, want, drafts[0].Events[0].WantID)
}

func TestWebSocketOriginAllowList(t *testing.T) {
	backend := newTestBackend(t, okGateway())
	url := "ws" + strings.TrimPrefix(backend.http.URL, "http") + "/ws/rooms/room1"

	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{
		"Origin": {"http://evil.example"},
	})
	require.Error(t, err, "an unlisted origin must not upgrade")
	if resp != nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
	require.Nil(t, conn)

	conn, _, err = websocket.DefaultDialer.Dial(url, http.Header{
		"Origin": {"http://localhost:3000"},
	})
	require.NoError(t, err, "a listed origin upgrades")
	conn.Close()
}

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFromError(errors.NewInvalidRequestf("bad")))
	assert.Equal(t, http.StatusConflict, statusFromError(errors.NewConflictf("held")))
	assert.Equal(t, http.StatusNotFound, statusFromError(errors.NewNotFoundf("gone")))
	assert.Equal(t, http.StatusForbidden, statusFromError(errors.Wrap(errors.ErrForbidden, "nope")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFromError(errors.Wrap(errors.ErrServiceUnavailable, "full")))
	assert.Equal(t, http.StatusInternalServerError, statusFromError(errors.New("mystery")))
}
