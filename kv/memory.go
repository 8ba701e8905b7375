package kv

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/tripmesh/tripmesh/errors"
)

// MemoryStore is an in-memory Store used by tests and single-process
// development runs. TTLs are honored lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memoryEntry
	lists   map[string][]string
	subs    map[*memorySubscription]struct{}
	nowFunc func() time.Time
	closed  bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]memoryEntry),
		lists:   make(map[string][]string),
		subs:    make(map[*memorySubscription]struct{}),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock, letting tests step through TTL expiry
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

// expired reports whether the entry is past its TTL. Caller holds s.mu.
func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && s.nowFunc().After(e.expiresAt)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok || s.expired(entry) {
		delete(s.values, key)
		return "", errors.Wrapf(ErrKeyNotFound, "key %s", key)
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.nowFunc().Add(ttl)
	}
	s.values[key] = entry
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.values[key]; ok && !s.expired(entry) {
		return false, nil
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.nowFunc().Add(ttl)
	}
	s.values[key] = entry
	return true, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.values, key)
		delete(s.lists, key)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []string
	for key, entry := range s.values {
		if s.expired(entry) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	for key := range s.lists {
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func (s *MemoryStore) LPush(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[key] = append([]string{value}, s.lists[key]...)
	return nil
}

func (s *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	if len(list) == 0 {
		return nil
	}
	if stop < 0 {
		stop = int64(len(list)) + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop {
		s.lists[key] = nil
		return nil
	}
	s.lists[key] = list[start : stop+1]
	return nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	if len(list) == 0 {
		return nil, nil
	}
	if stop < 0 {
		stop = int64(len(list)) + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	s.mu.Lock()
	subs := make([]*memorySubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

func (s *MemoryStore) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	sub := &memorySubscription{
		store:    s,
		patterns: patterns,
		out:      make(chan Message, 64),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory store closed")
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		close(sub.out)
	}
	s.subs = make(map[*memorySubscription]struct{})
	s.closed = true
	return nil
}

type memorySubscription struct {
	store     *MemoryStore
	patterns  []string
	out       chan Message
	closeOnce sync.Once
}

func (m *memorySubscription) deliver(msg Message) {
	for _, pattern := range m.patterns {
		if ok, _ := path.Match(pattern, msg.Channel); ok {
			select {
			case m.out <- msg:
			default:
				// Subscriber not keeping up; at-most-once delivery, drop
			}
			return
		}
	}
}

func (m *memorySubscription) Messages() <-chan Message {
	return m.out
}

func (m *memorySubscription) Close() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	if _, ok := m.store.subs[m]; ok {
		delete(m.store.subs, m)
		m.closeOnce.Do(func() { close(m.out) })
	}
	return nil
}
