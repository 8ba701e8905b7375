// Package vote aggregates place-want votes. Per-user vote state stays
// private; only the toggled user's own state and the aggregate count
// leave this package, and only the aggregate is broadcast to the room.
package vote

import (
	"context"

	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/errors"
	"github.com/tripmesh/tripmesh/storage"
)

// Result is what a toggling user gets back: their own new state plus
// the want's aggregate count
type Result struct {
	WantID int64 `json:"wantId"`
	Voted  bool  `json:"voted"`
	Count  int64 `json:"voteCount"`
}

// Broadcast is the room-wide fan-out payload. It deliberately omits
// per-user state.
type Broadcast struct {
	WantID int64 `json:"wantId"`
	Count  int64 `json:"voteCount"`
}

// Aggregator toggles votes and fans out the resulting counts
type Aggregator struct {
	db        *storage.Store
	publisher *bus.Publisher
	log       *zap.SugaredLogger
}

// NewAggregator creates a vote aggregator
func NewAggregator(db *storage.Store, publisher *bus.Publisher, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		db:        db,
		publisher: publisher,
		log:       log.Named("vote"),
	}
}

// Toggle flips the user's vote on a want after verifying the want
// belongs to the room, then fans the new aggregate count out
// best-effort. Toggling twice restores the original state.
func (a *Aggregator) Toggle(ctx context.Context, roomID string, wantID int64, userID string) (*Result, error) {
	owner, err := a.db.WantRoom(ctx, wantID)
	if err != nil {
		return nil, err
	}
	if owner != roomID {
		return nil, errors.Wrapf(errors.ErrForbidden, "place want %d belongs to a different room", wantID)
	}

	voted, count, err := a.db.ToggleVote(ctx, wantID, userID)
	if err != nil {
		return nil, err
	}

	a.publisher.TryPublish(ctx, bus.KindPlaceVote, roomID, Broadcast{WantID: wantID, Count: count})
	return &Result{WantID: wantID, Voted: voted, Count: count}, nil
}
