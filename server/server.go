// Package server is the HTTP and WebSocket surface of tripmesh. It
// exposes the job, schedule, and vote endpoints, maintains room-scoped
// WebSocket connections, and bridges the cross-process event bus into
// local room broadcasts.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tripmesh/tripmesh/am"
	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/jobstatus"
	"github.com/tripmesh/tripmesh/kv"
	"github.com/tripmesh/tripmesh/recommend"
	"github.com/tripmesh/tripmesh/schedule"
	"github.com/tripmesh/tripmesh/storage"
	"github.com/tripmesh/tripmesh/vote"
)

// TripServer ties the coordination services to their network surface
type TripServer struct {
	kvStore     kv.Store
	db          *storage.Store
	status      *jobstatus.Store
	coordinator *recommend.Coordinator
	schedules   *schedule.Service
	votes       *vote.Aggregator
	publisher   *bus.Publisher

	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// rooms maps a room id to its locally connected clients
	mu         sync.RWMutex
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client

	limitMu        sync.RWMutex
	editRate       rate.Limit
	editBurst      int
	allowedOrigins []string
}

// Deps bundles the services the server fronts
type Deps struct {
	KV          kv.Store
	DB          *storage.Store
	Status      *jobstatus.Store
	Coordinator *recommend.Coordinator
	Schedules   *schedule.Service
	Votes       *vote.Aggregator
	Publisher   *bus.Publisher
}

// NewTripServer creates the server. Call Start to begin serving.
func NewTripServer(ctx context.Context, cfg *am.Config, deps Deps, logger *zap.SugaredLogger) *TripServer {
	serverCtx, cancel := context.WithCancel(ctx)

	s := &TripServer{
		kvStore:        deps.KV,
		db:             deps.DB,
		status:         deps.Status,
		coordinator:    deps.Coordinator,
		schedules:      deps.Schedules,
		votes:          deps.Votes,
		publisher:      deps.Publisher,
		logger:         logger.Named("server"),
		ctx:            serverCtx,
		cancel:         cancel,
		rooms:          make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		editRate:       rate.Limit(cfg.Realtime.EditRatePerSecond),
		editBurst:      cfg.Realtime.EditBurst,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Reconfigure applies hot-reloaded realtime knobs. Existing clients
// keep their limiter; new connections pick up the new values.
func (s *TripServer) Reconfigure(cfg *am.Config) {
	s.limitMu.Lock()
	s.editRate = rate.Limit(cfg.Realtime.EditRatePerSecond)
	s.editBurst = cfg.Realtime.EditBurst
	s.allowedOrigins = cfg.Server.AllowedOrigins
	s.limitMu.Unlock()
	s.logger.Infow("Realtime limits reconfigured",
		"edit_rate_per_second", cfg.Realtime.EditRatePerSecond,
		"edit_burst", cfg.Realtime.EditBurst,
	)
}

func (s *TripServer) newEditLimiter() *rate.Limiter {
	s.limitMu.RLock()
	defer s.limitMu.RUnlock()
	return rate.NewLimiter(s.editRate, s.editBurst)
}

// Start runs the hub, the bus bridge, and the HTTP listener. It blocks
// until the listener exits.
func (s *TripServer) Start() error {
	s.wg.Add(1)
	go s.runHub()

	if err := s.startBridge(); err != nil {
		return err
	}

	s.logger.Infow("Server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, disconnects clients, and waits for
// background goroutines to exit
func (s *TripServer) Shutdown(ctx context.Context) error {
	s.logger.Infow("Server shutting down")

	err := s.httpServer.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Shutdown timed out waiting for goroutines")
	}
	return err
}

// runHub serializes client registration so the rooms map has a single
// writer path alongside the read-locked broadcast path
func (s *TripServer) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			for _, clients := range s.rooms {
				for client := range clients {
					client.close()
				}
			}
			s.rooms = make(map[string]map[*Client]bool)
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			if s.rooms[client.roomID] == nil {
				s.rooms[client.roomID] = make(map[*Client]bool)
			}
			s.rooms[client.roomID][client] = true
			count := len(s.rooms[client.roomID])
			s.mu.Unlock()
			s.logger.Infow("Client connected",
				"client_id", client.id,
				"room_id", client.roomID,
				"room_clients", count,
			)

		case client := <-s.unregister:
			s.mu.Lock()
			if clients, ok := s.rooms[client.roomID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					client.close()
					if len(clients) == 0 {
						delete(s.rooms, client.roomID)
					}
				}
			}
			s.mu.Unlock()
			s.logger.Infow("Client disconnected",
				"client_id", client.id,
				"room_id", client.roomID,
			)
		}
	}
}
