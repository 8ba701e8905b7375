package storage

import (
	"context"
	"database/sql"

	"github.com/tripmesh/tripmesh/errors"
)

// ToggleVote flips the user's vote on a place want and returns the new
// per-user state plus the want's aggregate count, read inside the same
// transaction so the count always reflects the toggle.
func (s *Store) ToggleVote(ctx context.Context, wantID int64, userID string) (bool, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, errors.Wrap(err, "failed to begin vote transaction")
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT vote FROM votes WHERE want_id = ? AND user_id = ?`, wantID, userID,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO votes (want_id, user_id, vote) VALUES (?, ?, 1)`, wantID, userID,
		); err != nil {
			return false, 0, errors.Wrapf(err, "failed to insert vote for want %d", wantID)
		}
		current = 0
	case err != nil:
		return false, 0, errors.Wrapf(err, "failed to read vote for want %d", wantID)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE votes SET vote = 1 - vote WHERE want_id = ? AND user_id = ?`, wantID, userID,
		); err != nil {
			return false, 0, errors.Wrapf(err, "failed to flip vote for want %d", wantID)
		}
	}
	voted := current == 0

	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM votes WHERE want_id = ? AND vote = 1`, wantID,
	).Scan(&count); err != nil {
		return false, 0, errors.Wrapf(err, "failed to count votes for want %d", wantID)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, errors.Wrap(err, "failed to commit vote toggle")
	}
	return voted, count, nil
}

// VoteCount returns the number of active votes for a want
func (s *Store) VoteCount(ctx context.Context, wantID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM votes WHERE want_id = ? AND vote = 1`, wantID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count votes for want %d", wantID)
	}
	return count, nil
}
