package storage

import (
	"context"
	"database/sql"

	"github.com/tripmesh/tripmesh/errors"
)

// Event is one leg of a day's schedule
type Event struct {
	WantID        int64  `json:"wantId"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	EventOrder    int    `json:"eventOrder"`
	TravelMinutes *int   `json:"nextTravelTime,omitempty"`
}

// DaySchedule is the authoritative persisted schedule for one day
type DaySchedule struct {
	Day     int     `json:"day"`
	Date    string  `json:"date"`
	Version int64   `json:"version"`
	Events  []Event `json:"events"`
}

// DayCommit is one day's worth of a schedule commit: the draft's events
// plus the version the client read before editing
type DayCommit struct {
	Day             int
	Date            string
	ExpectedVersion int64
	Events          []Event
}

// ScheduleVersion returns the current version for a day, 0 when the day
// has never been committed
func (s *Store) ScheduleVersion(ctx context.Context, roomID string, day int) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM schedules WHERE room_id = ? AND day = ?`, roomID, day,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read schedule version for room %s day %d", roomID, day)
	}
	return version, nil
}

// GetDaySchedule returns the persisted schedule for one day, nil when
// the day has never been committed
func (s *Store) GetDaySchedule(ctx context.Context, roomID string, day int) (*DaySchedule, error) {
	var schedule DaySchedule
	schedule.Day = day

	err := s.db.QueryRowContext(ctx,
		`SELECT date, version FROM schedules WHERE room_id = ? AND day = ?`, roomID, day,
	).Scan(&schedule.Date, &schedule.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read schedule for room %s day %d", roomID, day)
	}

	events, err := s.eventsForDay(ctx, roomID, day)
	if err != nil {
		return nil, err
	}
	schedule.Events = events
	return &schedule, nil
}

// ListSchedules returns every committed day for the room, ordered by day
func (s *Store) ListSchedules(ctx context.Context, roomID string) ([]DaySchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, date, version FROM schedules WHERE room_id = ? ORDER BY day`, roomID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list schedules for room %s", roomID)
	}
	defer rows.Close()

	var schedules []DaySchedule
	for rows.Next() {
		var schedule DaySchedule
		if err := rows.Scan(&schedule.Day, &schedule.Date, &schedule.Version); err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule row")
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedule rows")
	}

	for i := range schedules {
		events, err := s.eventsForDay(ctx, roomID, schedules[i].Day)
		if err != nil {
			return nil, err
		}
		schedules[i].Events = events
	}
	return schedules, nil
}

// CommitSchedules merges every day's draft events into the durable
// schedule inside a single transaction. Each day's version is
// compare-and-bumped against the client's expected version; any
// mismatch rolls back the whole commit and surfaces as a conflict.
func (s *Store) CommitSchedules(ctx context.Context, roomID string, commits []DayCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin commit transaction")
	}
	defer tx.Rollback()

	for _, commit := range commits {
		if err := s.commitDay(ctx, tx, roomID, commit); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit schedules")
}

func (s *Store) commitDay(ctx context.Context, tx *sql.Tx, roomID string, commit DayCommit) error {
	if commit.ExpectedVersion == 0 {
		// First commit for this day; fails if another commit raced us in
		result, err := tx.ExecContext(ctx,
			`INSERT INTO schedules (room_id, day, date, version)
			 SELECT ?, ?, ?, 1
			 WHERE NOT EXISTS (SELECT 1 FROM schedules WHERE room_id = ? AND day = ?)`,
			roomID, commit.Day, commit.Date, roomID, commit.Day,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to create schedule for day %d", commit.Day)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return errors.NewConflictf("schedule version mismatch on day %d", commit.Day)
		}
	} else {
		result, err := tx.ExecContext(ctx,
			`UPDATE schedules SET version = version + 1, date = ? WHERE room_id = ? AND day = ? AND version = ?`,
			commit.Date, roomID, commit.Day, commit.ExpectedVersion,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to bump schedule version for day %d", commit.Day)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return errors.NewConflictf("schedule version mismatch on day %d", commit.Day)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schedule_events WHERE room_id = ? AND day = ?`, roomID, commit.Day,
	); err != nil {
		return errors.Wrapf(err, "failed to clear events for day %d", commit.Day)
	}

	for _, event := range commit.Events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_events (room_id, day, want_id, start_time, end_time, event_order, travel_minutes)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			roomID, commit.Day, event.WantID, event.StartTime, event.EndTime, event.EventOrder, event.TravelMinutes,
		); err != nil {
			return errors.Wrapf(err, "failed to insert event for day %d", commit.Day)
		}
	}
	return nil
}

func (s *Store) eventsForDay(ctx context.Context, roomID string, day int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT want_id, start_time, end_time, event_order, travel_minutes
		 FROM schedule_events WHERE room_id = ? AND day = ? ORDER BY event_order`,
		roomID, day,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read events for room %s day %d", roomID, day)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.WantID, &event.StartTime, &event.EndTime, &event.EventOrder, &event.TravelMinutes); err != nil {
			return nil, errors.Wrap(err, "failed to scan event row")
		}
		events = append(events, event)
	}
	return events, errors.Wrap(rows.Err(), "failed to iterate event rows")
}
