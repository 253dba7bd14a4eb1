package sqladapter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-components/pg-statestore/internal/staterrors"
)

// fakeConn is a hand-written double for Conn, letting adapter logic be
// exercised without a live Postgres connection.
type fakeConn struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f.execFn(ctx, sql, args...)
}

func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.queryRowFn(ctx, sql, args...)
}

type fakeRow struct {
	scanFn func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scanFn(dest...) }

func undefinedTableErr() error {
	return &pgconn.PgError{Code: pgerrcode.UndefinedTable}
}

func TestAdapterGetFound(t *testing.T) {
	conn := &fakeConn{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scanFn: func(dest ...any) error {
				*dest[0].(*[]byte) = []byte(`{"hello":"world"}`)
				*dest[1].(*string) = "etag-1"
				return nil
			}}
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	value, etag, found, err := adapter.Get(context.Background(), conn, "key-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "etag-1", etag)
	assert.JSONEq(t, `{"hello":"world"}`, string(value))
}

func TestAdapterGetNoRows(t *testing.T) {
	conn := &fakeConn{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scanFn: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	_, _, found, err := adapter.Get(context.Background(), conn, "missing-key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAdapterGetUndefinedTable(t *testing.T) {
	conn := &fakeConn{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scanFn: func(dest ...any) error { return undefinedTableErr() }}
		},
	}

	adapter := New(Target{Schema: "tenant-x", Table: "state"}, nil)
	_, _, found, err := adapter.Get(context.Background(), conn, "key-1")
	require.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, staterrors.KindTableMissing, staterrors.KindOf(err))
}

func TestAdapterUpsertUnconditionalInsert(t *testing.T) {
	var sawSQL string
	conn := &fakeConn{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			sawSQL = sql
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	newEtag, err := adapter.Upsert(context.Background(), conn, "key-1", []byte(`{}`), nil, nil)
	require.NoError(t, err)
	_, parseErr := uuid.Parse(newEtag)
	assert.NoError(t, parseErr)
	assert.Contains(t, sawSQL, "INSERT INTO")
	assert.Contains(t, sawSQL, "ON CONFLICT")
}

func TestAdapterUpsertConditionalMismatch(t *testing.T) {
	conn := &fakeConn{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	etag := uuid.New().String()
	_, err := adapter.Upsert(context.Background(), conn, "key-1", []byte(`{}`), &etag, nil)
	require.Error(t, err)
	assert.Equal(t, staterrors.KindEtagMismatch, staterrors.KindOf(err))
}

func TestAdapterUpsertConditionalSuccess(t *testing.T) {
	conn := &fakeConn{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	etag := uuid.New().String()
	newEtag, err := adapter.Upsert(context.Background(), conn, "key-1", []byte(`{}`), &etag, nil)
	require.NoError(t, err)
	assert.NotEqual(t, etag, newEtag)
}

func TestAdapterUpsertInvalidEtag(t *testing.T) {
	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	badEtag := "not-a-uuid"
	_, err := adapter.Upsert(context.Background(), &fakeConn{}, "key-1", []byte(`{}`), &badEtag, nil)
	require.Error(t, err)
	assert.Equal(t, staterrors.KindEtagInvalid, staterrors.KindOf(err))
}

func TestAdapterUpsertWithTTLSetsExpiry(t *testing.T) {
	var sawArgs []any
	conn := &fakeConn{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			sawArgs = args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	ttl := 30 * time.Second
	_, err := adapter.Upsert(context.Background(), conn, "key-1", []byte(`{}`), nil, &ttl)
	require.NoError(t, err)
	require.Len(t, sawArgs, 4)
	expiry, ok := sawArgs[3].(time.Time)
	require.True(t, ok)
	assert.True(t, expiry.After(time.Now()))
}

func TestAdapterDeleteUnconditional(t *testing.T) {
	conn := &fakeConn{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scanFn: func(dest ...any) error {
				*dest[0].(*bool) = true
				return nil
			}}
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	err := adapter.Delete(context.Background(), conn, "key-1", nil)
	require.NoError(t, err)
}

func TestAdapterDeleteConditionalMismatch(t *testing.T) {
	conn := &fakeConn{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scanFn: func(dest ...any) error {
				*dest[0].(*bool) = false
				return nil
			}}
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	etag := uuid.New().String()
	err := adapter.Delete(context.Background(), conn, "key-1", &etag)
	require.Error(t, err)
	assert.Equal(t, staterrors.KindEtagMismatch, staterrors.KindOf(err))
}

func TestAdapterDeleteTableMissing(t *testing.T) {
	conn := &fakeConn{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scanFn: func(dest ...any) error { return undefinedTableErr() }}
		},
	}

	adapter := New(Target{Schema: "tenant-x", Table: "state"}, nil)
	err := adapter.Delete(context.Background(), conn, "key-1", nil)
	require.Error(t, err)
	assert.Equal(t, staterrors.KindTableMissing, staterrors.KindOf(err))
}

func TestAdapterDeleteExpiredReturnsRowsAffected(t *testing.T) {
	conn := &fakeConn{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 3"), nil
		},
	}

	adapter := New(Target{Schema: "public", Table: "state"}, nil)
	n, err := adapter.DeleteExpired(context.Background(), conn, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestTargetQuotingSanitizesIdentifiers(t *testing.T) {
	target := Target{Schema: `tenant"; DROP TABLE x; --`, Table: "state"}
	// Sanitize must keep the dynamic schema as a single quoted
	// identifier rather than letting it terminate the statement.
	assert.Contains(t, target.quotedTable(), `"tenant""; DROP TABLE x; --"`)
}
