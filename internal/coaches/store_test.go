package coaches

import (
	"context"
	"testing"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var coachRowColumns = []string{"ulid", "user_id", "display_name", "timezone", "session_config"}

func TestGetByEventTypeID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM coach_event_types").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows(coachRowColumns).
			AddRow("01HCOACH", "user_1", "Dana", "America/Chicago", []byte(`{"durations":[45],"hourlyRate":120,"currency":"USD"}`)))

	coach, err := NewStore(mock).GetByEventTypeID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "01HCOACH", coach.ULID)
	assert.Equal(t, []int{45}, coach.SessionConfig.Durations)
	assert.Equal(t, 45, coach.SessionConfig.DefaultDuration)
	assert.Equal(t, "America/Chicago", coach.Location().String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByEventTypeIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM coach_event_types").WithArgs(int64(7)).WillReturnError(pgx.ErrNoRows)

	_, err = NewStore(mock).GetByEventTypeID(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByOrganizerFallsBackToEmail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("WHERE i.external_user_id").WithArgs(int64(99)).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("WHERE lower\\(i.email\\)").
		WithArgs("coach@example.com").
		WillReturnRows(pgxmock.NewRows(coachRowColumns).
			AddRow("01HCOACH", "user_1", "Dana", "", []byte(`{}`)))

	coach, err := NewStore(mock).GetByOrganizer(context.Background(), 99, " Coach@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "01HCOACH", coach.ULID)
	assert.Equal(t, DefaultSessionConfig(), coach.SessionConfig)
	assert.Equal(t, "UTC", coach.Location().String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByOrganizerUnknown(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStore(mock).GetByOrganizer(context.Background(), 0, "")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntegration(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM coach_calendar_integrations").
		WithArgs("01HCOACH").
		WillReturnRows(pgxmock.NewRows([]string{"coach_ulid", "external_user_id", "username", "email", "managed"}).
			AddRow("01HCOACH", int64(1234), "dana", "dana@example.com", true))

	in, err := NewStore(mock).GetIntegration(context.Background(), "01HCOACH")
	require.NoError(t, err)
	assert.True(t, in.Managed)
	assert.Equal(t, int64(1234), in.ExternalUserID)
}
