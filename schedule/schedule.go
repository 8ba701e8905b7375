// Package schedule holds the collaborative schedule edit flow: live
// edits land in per-day drafts on the shared keyed store, and a commit
// merges every draft into the durable schedule in one optimistic,
// all-or-nothing transaction.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/kv"
	"github.com/tripmesh/tripmesh/storage"
)

// Drafts that are never committed or reset expire on their own
const draftTTL = 24 * time.Hour

// Draft is one day's uncommitted schedule. Version is the durable
// version the editing client last read; the commit compares it against
// the stored version to detect concurrent commits.
type Draft struct {
	Day     int             `json:"day"`
	Date    string          `json:"date"`
	Version int64           `json:"version"`
	Events  []storage.Event `json:"events"`
}

// Service manages drafts and commits for room schedules
type Service struct {
	store     kv.Store
	db        *storage.Store
	publisher *bus.Publisher
	log       *zap.SugaredLogger
}

// NewService creates a schedule service
func NewService(store kv.Store, db *storage.Store, publisher *bus.Publisher, log *zap.SugaredLogger) *Service {
	return &Service{
		store:     store,
		db:        db,
		publisher: publisher,
		log:       log.Named("schedule"),
	}
}

func draftKey(roomID string, day int) string {
	return fmt.Sprintf("draft:%s:day:%d", roomID, day)
}

func draftPattern(roomID string) string {
	return fmt.Sprintf("draft:%s:day:*", roomID)
}

// ApplyEdit replaces the room's draft for the edited day and fans the
// edit out so every client in the room sees it live. The fan-out is
// best-effort; the draft write is not.
func (s *Service) ApplyEdit(ctx context.Context, roomID string, draft Draft) error {
	if draft.Day < 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid day %d", draft.Day)
	}

	if len(draft.Events) > 0 {
		ids := make([]int64, 0, len(draft.Events))
		for _, event := range draft.Events {
			ids = append(ids, event.WantID)
		}
		if _, err := s.db.ResolveWants(ctx, roomID, ids); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(draft)
	if err != nil {
		return errors.Wrap(err, "failed to marshal draft")
	}
	if err := s.store.Set(ctx, draftKey(roomID, draft.Day), string(raw), draftTTL); err != nil {
		return errors.Wrapf(err, "failed to store draft for room %s day %d", roomID, draft.Day)
	}

	s.publisher.TryPublish(ctx, bus.KindScheduleUpdate, roomID, draft)
	return nil
}

// Drafts returns the room's current drafts ordered by day
func (s *Service) Drafts(ctx context.Context, roomID string) ([]Draft, error) {
	keys, err := s.store.Keys(ctx, draftPattern(roomID))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list drafts for room %s", roomID)
	}

	drafts := make([]Draft, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, kv.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read draft %s", key)
		}

		var draft Draft
		if err := json.Unmarshal([]byte(raw), &draft); err != nil {
			return nil, errors.Wrapf(err, "corrupt draft at %s", key)
		}
		drafts = append(drafts, draft)
	}

	sort.Slice(drafts, func(i, j int) bool { return drafts[i].Day < drafts[j].Day })
	return drafts, nil
}

// Commit merges drafts into the durable schedule. A non-empty versions
// map selects which days to persist and overrides each selected draft's
// expected version with the client's assertion; an empty map commits
// every draft at its stored version. All selected days succeed or none
// do: any version mismatch rolls the whole transaction back and returns
// a conflict, leaving the drafts in place so the client can rebase and
// retry. On success the committed days' drafts are cleared and the
// committed schedules are fanned out to the room.
func (s *Service) Commit(ctx context.Context, roomID string, versions map[int]int64) ([]storage.DaySchedule, error) {
	drafts, err := s.Drafts(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if len(versions) > 0 {
		byDay := make(map[int]Draft, len(drafts))
		for _, draft := range drafts {
			byDay[draft.Day] = draft
		}

		selected := make([]Draft, 0, len(versions))
		for day, expected := range versions {
			draft, ok := byDay[day]
			if !ok {
				return nil, errors.NewInvalidRequestf("room %s has no draft to commit for day %d", roomID, day)
			}
			draft.Version = expected
			selected = append(selected, draft)
		}
		sort.Slice(selected, func(i, j int) bool { return selected[i].Day < selected[j].Day })
		drafts = selected
	}

	if len(drafts) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "room %s has no drafts to commit", roomID)
	}

	commits := make([]storage.DayCommit, 0, len(drafts))
	for _, draft := range drafts {
		commits = append(commits, storage.DayCommit{
			Day:             draft.Day,
			Date:            draft.Date,
			ExpectedVersion: draft.Version,
			Events:          draft.Events,
		})
	}

	if err := s.db.CommitSchedules(ctx, roomID, commits); err != nil {
		return nil, err
	}

	committed, err := s.db.ListSchedules(ctx, roomID)
	if err != nil {
		return nil, err
	}

	s.clearDrafts(ctx, roomID, drafts)
	for _, day := range committed {
		s.publisher.TryPublish(ctx, bus.KindScheduleUpdate, roomID, day)
	}
	return committed, nil
}

// Reset discards the room's drafts without committing
func (s *Service) Reset(ctx context.Context, roomID string) error {
	drafts, err := s.Drafts(ctx, roomID)
	if err != nil {
		return err
	}
	s.clearDrafts(ctx, roomID, drafts)
	return nil
}

// LatestState returns the durable schedules a conflicting client needs
// to rebase against
func (s *Service) LatestState(ctx context.Context, roomID string) ([]storage.DaySchedule, error) {
	return s.db.ListSchedules(ctx, roomID)
}

func (s *Service) clearDrafts(ctx context.Context, roomID string, drafts []Draft) {
	for _, draft := range drafts {
		if err := s.store.Del(ctx, draftKey(roomID, draft.Day)); err != nil {
			// Stale drafts expire via TTL
			s.log.Warnw("Failed to clear draft",
				"room_id", roomID,
				"day", draft.Day,
				"error", err,
			)
		}
	}
}
