package storage

import (
	"context"
	"database/sql"

	"github.com/tripmesh/tripmesh/errors"
)

// Want is a place a room member wants to visit. Wants are the reference
// points recommendation jobs and schedules are built from.
type Want struct {
	ID        int64   `json:"wantId"`
	RoomID    string  `json:"roomId"`
	Name      string  `json:"name"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AddWant inserts a place want for the room and returns its id
func (s *Store) AddWant(ctx context.Context, want Want) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO place_wants (room_id, name, address, latitude, longitude) VALUES (?, ?, ?, ?, ?)`,
		want.RoomID, want.Name, want.Address, want.Latitude, want.Longitude,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to insert place want for room %s", want.RoomID)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read inserted want id")
	}
	return id, nil
}

// RemoveWant deletes a place want after verifying it belongs to the
// room. Votes for the want are removed with it.
func (s *Store) RemoveWant(ctx context.Context, roomID string, wantID int64) error {
	if _, err := s.resolveWant(ctx, roomID, wantID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE want_id = ?`, wantID); err != nil {
		return errors.Wrapf(err, "failed to delete votes for want %d", wantID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM place_wants WHERE id = ?`, wantID); err != nil {
		return errors.Wrapf(err, "failed to delete want %d", wantID)
	}

	return errors.Wrap(tx.Commit(), "failed to commit want removal")
}

// ListWants returns every place want in the room
func (s *Store) ListWants(ctx context.Context, roomID string) ([]Want, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, name, address, latitude, longitude FROM place_wants WHERE room_id = ? ORDER BY id`,
		roomID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list wants for room %s", roomID)
	}
	defer rows.Close()

	var wants []Want
	for rows.Next() {
		var w Want
		if err := rows.Scan(&w.ID, &w.RoomID, &w.Name, &w.Address, &w.Latitude, &w.Longitude); err != nil {
			return nil, errors.Wrap(err, "failed to scan want row")
		}
		wants = append(wants, w)
	}
	return wants, errors.Wrap(rows.Err(), "failed to iterate want rows")
}

// ResolveWants loads the given want ids and verifies each exists and
// belongs to the room. A missing id is a not-found error; an id owned
// by another room is a forbidden error.
func (s *Store) ResolveWants(ctx context.Context, roomID string, wantIDs []int64) ([]Want, error) {
	wants := make([]Want, 0, len(wantIDs))
	for _, id := range wantIDs {
		want, err := s.resolveWant(ctx, roomID, id)
		if err != nil {
			return nil, err
		}
		wants = append(wants, *want)
	}
	return wants, nil
}

// WantRoom returns the room owning a want
func (s *Store) WantRoom(ctx context.Context, wantID int64) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx, `SELECT room_id FROM place_wants WHERE id = ?`, wantID).Scan(&roomID)
	if err == sql.ErrNoRows {
		return "", errors.NewNotFoundf("place want %d does not exist", wantID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to look up want %d", wantID)
	}
	return roomID, nil
}

func (s *Store) resolveWant(ctx context.Context, roomID string, wantID int64) (*Want, error) {
	var w Want
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, name, address, latitude, longitude FROM place_wants WHERE id = ?`,
		wantID,
	).Scan(&w.ID, &w.RoomID, &w.Name, &w.Address, &w.Latitude, &w.Longitude)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundf("place want %d does not exist", wantID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up want %d", wantID)
	}
	if w.RoomID != roomID {
		return nil, errors.Wrapf(errors.ErrForbidden, "place want %d belongs to a different room", wantID)
	}
	return &w, nil
}
