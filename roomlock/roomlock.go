// Package roomlock provides TTL-bounded, room+task-scoped mutual
// exclusion leases on the shared keyed store. A lease exists only while
// a recommendation run is in flight: acquired at enqueue, released in a
// deferred block on every exit path, and self-expiring via TTL so a
// crashed worker cannot wedge a room forever.
package roomlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/kv"
)

// Service hands out room+task leases. There is no queueing: a failed
// acquire means "already running" and the caller reports that
// immediately rather than blocking or retrying.
type Service struct {
	store kv.Store
	log   *zap.SugaredLogger

	mu   sync.RWMutex
	ttls map[string]time.Duration
}

// NewService creates a lock service with per-task TTLs. TTLs must be
// long enough to cover worst-case gateway latency.
func NewService(store kv.Store, ttls map[string]time.Duration, log *zap.SugaredLogger) *Service {
	copied := make(map[string]time.Duration, len(ttls))
	for task, ttl := range ttls {
		copied[task] = ttl
	}
	return &Service{
		store: store,
		log:   log.Named("roomlock"),
		ttls:  copied,
	}
}

// SetTTL updates the TTL for a task type (config hot-reload)
func (s *Service) SetTTL(task string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls[task] = ttl
}

func (s *Service) ttl(task string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ttl, ok := s.ttls[task]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// key builds the lease key. Day -1 means the lock scopes the whole
// room+task; route jobs lock a single day.
func key(roomID, task string, day int) string {
	if day < 0 {
		return fmt.Sprintf("lock:%s:%s", task, roomID)
	}
	return fmt.Sprintf("lock:%s:%s:day:%d", task, roomID, day)
}

// Acquire attempts a single conditional set-if-absent on the lease key,
// returning true only if this caller created it
func (s *Service) Acquire(ctx context.Context, roomID, task string, day int) (bool, error) {
	token := uuid.NewString()
	created, err := s.store.SetNX(ctx, key(roomID, task, day), token, s.ttl(task))
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lock for room %s task %s", roomID, task)
	}

	if created {
		s.log.Debugw("Lock acquired",
			"room_id", roomID,
			"task", task,
			"day", day,
			"token", token,
		)
	}
	return created, nil
}

// Release unconditionally deletes the lease key. No ownership check:
// only one caller should ever hold the lease, and the TTL covers leaks
// from crashed workers.
func (s *Service) Release(ctx context.Context, roomID, task string, day int) {
	if err := s.store.Del(ctx, key(roomID, task, day)); err != nil {
		// The TTL will reap the lease; nothing for the caller to do
		s.log.Warnw("Lock release failed, lease will expire via TTL",
			"room_id", roomID,
			"task", task,
			"day", day,
			"error", err,
		)
		return
	}
	s.log.Debugw("Lock released", "room_id", roomID, "task", task, "day", day)
}
