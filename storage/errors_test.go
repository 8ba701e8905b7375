package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripmesh/tripmesh/errors"
)

// Failure paths use sqlmock; the happy paths run against real SQLite.

func TestScheduleVersionQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT version FROM schedules").
		WillReturnError(errors.New("disk I/O error"))

	_, err = NewStore(db).ScheduleVersion(context.Background(), "room1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read schedule version")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitSchedulesRollsBackOnEventFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE schedules SET version").
		WithArgs("2026-09-01", "room1", 0, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM schedule_events").
		WithArgs("room1", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schedule_events").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = NewStore(db).CommitSchedules(context.Background(), "room1", []DayCommit{{
		Day:             0,
		Date:            "2026-09-01",
		ExpectedVersion: 1,
		Events:          []Event{{WantID: 1, EventOrder: 0}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert event")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestToggleVoteCommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT vote FROM votes").
		WithArgs(int64(7), "alice").
		WillReturnRows(sqlmock.NewRows([]string{"vote"}))
	mock.ExpectExec("INSERT INTO votes").
		WithArgs(int64(7), "alice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	_, _, err = NewStore(db).ToggleVote(context.Background(), 7, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit vote toggle")

	assert.NoError(t, mock.ExpectationsWereMet())
}
