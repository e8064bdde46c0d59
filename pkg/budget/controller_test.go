package budget

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newControllerFixture(t *testing.T) (*Controller, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { kv.Close() })

	return NewController(db, kv, 1_000_000, nil), mock, mr
}

func expectLedgerLoad(mock sqlmock.Sqlmock, total, used, reserved int64) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT total_limit, current_usage, reserved FROM budget_limits")).
		WithArgs("t1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"total_limit", "current_usage", "reserved"}).
			AddRow(total, used, reserved))
	mock.ExpectCommit()
}

func expectReserve(mock sqlmock.Sqlmock, amount, newReserved int64) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE budget_limits")).
		WithArgs("t1", "p1", amount).
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(newReserved))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestRequest_Approved(t *testing.T) {
	ctrl, mock, mr := newControllerFixture(t)

	expectLedgerLoad(mock, 1000, 0, 0)
	expectReserve(mock, 100, 100)

	d, err := ctrl.Request(context.Background(), Request{
		TenantID: "t1", ProjectID: "p1", TaskID: "task-1",
		EstimatedTokens: 100, RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.NotEmpty(t, d.ReservationID)
	assert.Equal(t, int64(100), d.Allocated)
	assert.Equal(t, "req-1", d.RequestID)

	// Reservation entry and set membership exist with the amount:task value.
	val, err := mr.Get(fmt.Sprintf("reservation:t1:p1:%s", d.ReservationID))
	require.NoError(t, err)
	assert.Equal(t, "100:task-1", val)
	members, _ := mr.SMembers("reservations:t1:p1")
	assert.Contains(t, members, d.ReservationID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequest_Insufficient(t *testing.T) {
	ctrl, mock, _ := newControllerFixture(t)

	// Available = 100 - 30 - 20 = 50.
	expectLedgerLoad(mock, 100, 30, 20)

	d, err := ctrl.Request(context.Background(), Request{
		TenantID: "t1", ProjectID: "p1", TaskID: "task-1",
		EstimatedTokens: 60, RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonInsufficient, d.Reason)
	assert.Equal(t, int64(50), d.Available)
	assert.Equal(t, int64(60), d.Requested)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequest_IdempotentReplay(t *testing.T) {
	ctrl, mock, _ := newControllerFixture(t)

	expectLedgerLoad(mock, 1000, 0, 0)
	expectReserve(mock, 100, 100)

	req := Request{
		TenantID: "t1", ProjectID: "p1", TaskID: "task-1",
		EstimatedTokens: 100, RequestID: "req-1",
	}

	first, err := ctrl.Request(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Approved)

	// The retry returns the cached decision without touching the ledger.
	second, err := ctrl.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ReservationID, second.ReservationID)
	assert.Equal(t, first.Allocated, second.Allocated)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequest_DuplicateInProgress(t *testing.T) {
	ctrl, _, mr := newControllerFixture(t)

	// Envelope exists but the first attempt has not finished.
	require.NoError(t, mr.Set("budget:req:t1:task-1:req-1", "processing"))

	d, err := ctrl.Request(context.Background(), Request{
		TenantID: "t1", ProjectID: "p1", TaskID: "task-1",
		EstimatedTokens: 100, RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonDuplicate, d.Reason)
}

func TestRequest_ConcurrentDepletion(t *testing.T) {
	ctrl, mock, _ := newControllerFixture(t)

	expectLedgerLoad(mock, 1000, 0, 0)

	// The conditional UPDATE matches no row: another request depleted the
	// budget between the pre-check and the update.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE budget_limits")).
		WithArgs("t1", "p1", int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}))
	mock.ExpectRollback()

	d, err := ctrl.Request(context.Background(), Request{
		TenantID: "t1", ProjectID: "p1", TaskID: "task-1",
		EstimatedTokens: 100, RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonRaceLost, d.Reason)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequest_EnvelopeFreedOnError(t *testing.T) {
	ctrl, mock, mr := newControllerFixture(t)

	mock.ExpectBegin().WillReturnError(fmt.Errorf("connection refused"))

	_, err := ctrl.Request(context.Background(), Request{
		TenantID: "t1", ProjectID: "p1", TaskID: "task-1",
		EstimatedTokens: 100, RequestID: "req-1",
	})
	require.Error(t, err)

	// The envelope must be gone so the caller can retry with the same id.
	assert.False(t, mr.Exists("budget:req:t1:task-1:req-1"))
}

func seedReservation(t *testing.T, mr *miniredis.Miniredis, id string, amount int64, task string) {
	t.Helper()
	require.NoError(t, mr.Set(fmt.Sprintf("reservation:t1:p1:%s", id), fmt.Sprintf("%d:%s", amount, task)))
	mr.SAdd("reservations:t1:p1", id)
}

func TestCommit_Settles(t *testing.T) {
	ctrl, mock, mr := newControllerFixture(t)
	seedReservation(t, mr, "res-1", 100, "task-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE budget_limits")).
		WithArgs("t1", "p1", int64(80), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := ctrl.Commit(context.Background(), "t1", "p1", "res-1", 80)
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.Tokens)
	assert.False(t, res.Overshoot)

	// Reservation KV state is cleaned up.
	assert.False(t, mr.Exists("reservation:t1:p1:res-1"))
	members, _ := mr.SMembers("reservations:t1:p1")
	assert.NotContains(t, members, "res-1")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_OvershootFlagged(t *testing.T) {
	ctrl, mock, mr := newControllerFixture(t)
	seedReservation(t, mr, "res-1", 100, "task-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE budget_limits")).
		WithArgs("t1", "p1", int64(130), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := ctrl.Commit(context.Background(), "t1", "p1", "res-1", 130)
	require.NoError(t, err)
	assert.True(t, res.Overshoot)
}

func TestCommit_NotFound(t *testing.T) {
	ctrl, _, _ := newControllerFixture(t)

	_, err := ctrl.Commit(context.Background(), "t1", "p1", "gone", 80)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestCommit_Overflow(t *testing.T) {
	ctrl, mock, mr := newControllerFixture(t)
	seedReservation(t, mr, "res-1", 100, "task-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE budget_limits")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := ctrl.Commit(context.Background(), "t1", "p1", "res-1", 5000)
	assert.ErrorIs(t, err, ErrBudgetOverflow)

	// The reservation stays held for operator triage.
	assert.True(t, mr.Exists("reservation:t1:p1:res-1"))
}

func TestRelease_Frees(t *testing.T) {
	ctrl, mock, mr := newControllerFixture(t)
	seedReservation(t, mr, "res-1", 100, "task-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE budget_limits")).
		WithArgs("t1", "p1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ctrl.Release(context.Background(), "t1", "p1", "res-1"))
	assert.False(t, mr.Exists("reservation:t1:p1:res-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease_UnknownIsNoop(t *testing.T) {
	ctrl, mock, _ := newControllerFixture(t)

	require.NoError(t, ctrl.Release(context.Background(), "t1", "p1", "never-existed"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestState_SumsLiveReservationsAndPrunesStale(t *testing.T) {
	ctrl, mock, mr := newControllerFixture(t)

	expectLedgerLoad(mock, 1000, 200, 300)

	seedReservation(t, mr, "live-1", 100, "task-1")
	seedReservation(t, mr, "live-2", 50, "task-2")
	// Stale: set membership without a reservation entry (TTL fired).
	mr.SAdd("reservations:t1:p1", "expired-1")

	state, err := ctrl.State(context.Background(), "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), state.Total)
	assert.Equal(t, int64(200), state.Used)
	assert.Equal(t, int64(150), state.Reserved)
	assert.Equal(t, int64(650), state.Available)

	// The stale member was pruned.
	members, _ := mr.SMembers("reservations:t1:p1")
	assert.NotContains(t, members, "expired-1")
}

func TestState_UsesCacheWithinTTL(t *testing.T) {
	ctrl, mock, _ := newControllerFixture(t)

	expectLedgerLoad(mock, 1000, 0, 0)

	_, err := ctrl.State(context.Background(), "t1", "p1")
	require.NoError(t, err)

	// Second read inside the cache TTL issues no SQL.
	_, err = ctrl.State(context.Background(), "t1", "p1")
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequest_DefaultRowInsertedOnFirstUse(t *testing.T) {
	ctrl, mock, _ := newControllerFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT total_limit, current_usage, reserved FROM budget_limits")).
		WithArgs("t1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"total_limit", "current_usage", "reserved"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_limits")).
		WithArgs("t1", "p1", int64(1_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectReserve(mock, 100, 100)

	d, err := ctrl.Request(context.Background(), Request{
		TenantID: "t1", ProjectID: "p1", TaskID: "task-1",
		EstimatedTokens: 100, RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, d.Approved)

	assert.NoError(t, mock.ExpectationsWereMet())
}
