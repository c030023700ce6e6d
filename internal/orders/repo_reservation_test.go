package orders

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resRow struct {
	pid string
	qty int
}

// fakeTx records every Exec and serves canned reservation rows. The
// embedded interface panics on anything the helpers are not supposed to
// touch.
type fakeTx struct {
	pgx.Tx

	execSQL  []string
	execArgs [][]any
	execTag  func(sql string) pgconn.CommandTag

	reserved []resRow
	count    int
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if f.execTag != nil {
		return f.execTag(sql), nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{rows: f.reserved}, nil
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{n: f.count}
}

type fakeRows struct {
	pgx.Rows
	rows []resRow
	i    int
}

func (r *fakeRows) Next() bool {
	if r.i < len(r.rows) {
		r.i++
		return true
	}
	return false
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	*dest[0].(*string) = row.pid
	*dest[1].(*int) = row.qty
	return nil
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

type fakeRow struct{ n int }

func (r fakeRow) Scan(dest ...any) error {
	*dest[0].(*int) = r.n
	return nil
}

func TestReleaseReservationsRestoresEveryUnit(t *testing.T) {
	tx := &fakeTx{reserved: []resRow{{"p-1", 2}, {"p-2", 3}}}

	units, err := ReleaseReservationsTx(context.Background(), tx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 5, units, "released units must equal reserved units")

	// one stock restore per product, then the status flip
	require.Len(t, tx.execSQL, 3)
	assert.Contains(t, tx.execSQL[0], "stock = stock + $2")
	assert.Equal(t, []any{"p-1", 2}, tx.execArgs[0])
	assert.Equal(t, []any{"p-2", 3}, tx.execArgs[1])
	assert.Contains(t, tx.execSQL[2], "status='RELEASED'")
}

// A second release finds no RESERVED rows and must not touch stock.
func TestReleaseReservationsIdempotent(t *testing.T) {
	tx := &fakeTx{}

	units, err := ReleaseReservationsTx(context.Background(), tx, "o-1")
	require.NoError(t, err)
	assert.Zero(t, units)
	for _, sql := range tx.execSQL {
		assert.NotContains(t, sql, "stock = stock +")
	}
}

func TestCommitReservationsFlipsReserved(t *testing.T) {
	tx := &fakeTx{execTag: func(string) pgconn.CommandTag {
		return pgconn.NewCommandTag("UPDATE 2")
	}}

	require.NoError(t, CommitReservationsTx(context.Background(), tx, "o-1"))
	require.Len(t, tx.execSQL, 1)
	assert.Contains(t, tx.execSQL[0], "status='COMMITTED'")
}

// Pickup of a gateway-paid order finds rows already COMMITTED by the
// capture; that is a no-op, not a drifted ledger.
func TestCommitReservationsAlreadyCommitted(t *testing.T) {
	tx := &fakeTx{
		execTag: func(string) pgconn.CommandTag { return pgconn.NewCommandTag("UPDATE 0") },
		count:   2,
	}
	assert.NoError(t, CommitReservationsTx(context.Background(), tx, "o-1"))
}

func TestCommitReservationsNeverReservedErrors(t *testing.T) {
	tx := &fakeTx{
		execTag: func(string) pgconn.CommandTag { return pgconn.NewCommandTag("UPDATE 0") },
		count:   0,
	}
	err := CommitReservationsTx(context.Background(), tx, "o-1")
	assert.ErrorContains(t, err, "no reservations")
}
