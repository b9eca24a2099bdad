package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleStoreList(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM availability_rules").
		WithArgs("coach-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "weekday", "specific_date", "intervals"}).
			AddRow("r1", "1", nil, []byte(`[{"from":"09:00","to":"10:00"}]`)).
			AddRow("r2", nil, "2026-03-04", []byte(`[{"from":"13:00","to":"14:00"}]`)))

	rules, err := NewRuleStore(mock).List(context.Background(), "coach-1")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	require.NotNil(t, rules[0].Weekday)
	assert.Equal(t, 1, *rules[0].Weekday)
	assert.Empty(t, rules[0].Date)
	assert.Equal(t, ClockTime(540), rules[0].Intervals[0].From)

	assert.Nil(t, rules[1].Weekday)
	assert.Equal(t, "2026-03-04", rules[1].Date)
	assert.Equal(t, "coach-1", rules[1].CoachULID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStoreReplaceSupersedesInTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rules := []Rule{
		WeekdayRule(time.Monday, Interval{From: 540, To: 600}),
		DateRule("2026-03-04", Interval{From: 780, To: 840}),
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM availability_rules").
		WithArgs("coach-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO availability_rules").
		WithArgs(pgxmock.AnyArg(), "coach-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO availability_rules").
		WithArgs(pgxmock.AnyArg(), "coach-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, NewRuleStore(mock).Replace(context.Background(), "coach-1", rules))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleStoreReplaceRollsBackOnInsertFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM availability_rules").
		WithArgs("coach-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO availability_rules").
		WillReturnError(errors.New("insert failed"))
	mock.ExpectRollback()

	err = NewRuleStore(mock).Replace(context.Background(), "coach-1", []Rule{WeekdayRule(time.Monday, Interval{From: 540, To: 600})})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
