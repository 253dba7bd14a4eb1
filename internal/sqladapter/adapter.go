// Package sqladapter is the thin, safe wrapper over PostgreSQL described
// in spec §4.1: parameterized CRUD plus idempotent DDL against a single
// (schema, table) target. It never decides which target to use -
// the routing helper does that - and it never decides whether a target
// needs provisioning first - the resource provisioner does that. It
// only knows how to talk to one target once given a connection.
//
// Grounded on the teacher's lib/backend/pgbk (pgx/v5, pgxpool.Pool,
// Postgres error classification) and lib/backend/postgres/schema.go
// (versioned DDL as a plain string constant).
package sqladapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"

	"github.com/outpost-components/pg-statestore/internal/obs"
	"github.com/outpost-components/pg-statestore/internal/staterrors"
)

// metadataSchema is the process-global schema holding the janitor's
// tenant registry and the delete_key_v1/delete_key_with_etag_v1 helper
// functions (spec §6). It never gets a tenant prefix.
const metadataSchema = "pluggable_metadata"

// Conn is satisfied by both *pgxpool.Pool and pgx.Tx, so every Adapter
// method works identically whether the caller passes a bare pool
// connection (Get) or an open transaction (Upsert, Delete).
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Adapter executes primitive operations against a single Target.
type Adapter struct {
	target  Target
	metrics *obs.Metrics
}

// New returns an Adapter bound to target. metrics may be nil.
func New(target Target, metrics *obs.Metrics) *Adapter {
	return &Adapter{target: target, metrics: metrics}
}

func (a *Adapter) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(staterrors.KindOf(err))
	}
	a.metrics.ObserveOp(op, result, time.Since(start).Seconds())
}

// CreateSchemaIfAbsent creates the target's schema if it does not
// already exist. Safe to call concurrently thanks to IF NOT EXISTS;
// the resource provisioner is what keeps N concurrent first-writers
// from all attempting it at once (spec I5).
func (a *Adapter) CreateSchemaIfAbsent(ctx context.Context, conn Conn) (err error) {
	start := time.Now()
	ctx, end := obs.StartSpan(ctx, "adapter.CreateSchemaIfAbsent", attribute.String("schema", a.target.Schema))
	defer func() { end(err); a.observe("create_schema", start, err) }()

	_, err = conn.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.target.quotedSchema()))
	if err != nil {
		err = staterrors.Transport(err)
	}
	return err
}

// CreateTableIfAbsent creates the target's state table and its partial
// expiry index if they do not already exist. The row layout matches
// spec §6 exactly.
func (a *Adapter) CreateTableIfAbsent(ctx context.Context, conn Conn) (err error) {
	start := time.Now()
	ctx, end := obs.StartSpan(ctx, "adapter.CreateTableIfAbsent", attribute.String("target", a.target.String()))
	defer func() { end(err); a.observe("create_table", start, err) }()

	idxName := pgx.Identifier{a.target.Table + "_expires_at_idx"}.Sanitize()
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key         text        PRIMARY KEY,
			value       jsonb       NOT NULL,
			etag        text        NOT NULL,
			inserted_at timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz,
			expires_at  timestamptz
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (expires_at) WHERE expires_at IS NOT NULL;
	`, a.target.quotedTable(), idxName)

	if _, err = conn.Exec(ctx, ddl); err != nil {
		err = staterrors.Transport(err)
	}
	return err
}

// Get returns the stored value and etag for key. found is false (with
// a nil error) when there is simply no row; a missing target table is
// instead reported as a TableMissing-classified error so the service
// layer can log it distinctly even though it treats both the same way.
func (a *Adapter) Get(ctx context.Context, conn Conn, key string) (value []byte, etag string, found bool, err error) {
	start := time.Now()
	ctx, end := obs.StartSpan(ctx, "adapter.Get", attribute.String("target", a.target.String()))
	defer func() { end(err); a.observe("get", start, err) }()

	row := conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT value, etag FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		a.target.quotedTable(),
	), key)

	if scanErr := row.Scan(&value, &etag); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, "", false, nil
		}
		if isUndefinedTable(scanErr) {
			return nil, "", false, staterrors.TableMissing(a.target.String())
		}
		err = staterrors.Transport(scanErr)
		return nil, "", false, err
	}
	return value, etag, true, nil
}

// Upsert inserts or conditionally updates key. See spec §4.1 for the
// exact etag/ttl semantics.
func (a *Adapter) Upsert(ctx context.Context, conn Conn, key string, value []byte, etag *string, ttl *time.Duration) (newEtag string, err error) {
	start := time.Now()
	ctx, end := obs.StartSpan(ctx, "adapter.Upsert", attribute.String("target", a.target.String()))
	defer func() { end(err); a.observe("upsert", start, err) }()

	var expires any
	if ttl != nil && *ttl > 0 {
		expires = time.Now().Add(*ttl).UTC()
	}

	next := uuid.New().String()

	if etag != nil {
		if _, perr := uuid.Parse(*etag); perr != nil {
			return "", staterrors.EtagInvalid(*etag)
		}
		tag, execErr := conn.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET value = $1, etag = $2, updated_at = now(), expires_at = $3 WHERE key = $4 AND etag = $5`,
			a.target.quotedTable(),
		), value, next, expires, key, *etag)
		if execErr != nil {
			err = a.classify(execErr)
			return "", err
		}
		if tag.RowsAffected() == 0 {
			err = staterrors.EtagMismatch(key)
			return "", err
		}
		return next, nil
	}

	_, execErr := conn.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, etag, inserted_at, updated_at, expires_at)
		VALUES ($1, $2, $3, now(), NULL, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			etag = EXCLUDED.etag,
			updated_at = now(),
			expires_at = EXCLUDED.expires_at
	`, a.target.quotedTable()), key, value, next, expires)
	if execErr != nil {
		err = a.classify(execErr)
		return "", err
	}
	return next, nil
}

// Delete removes key, unconditionally or conditioned on etag. It goes
// through the metadataSchema helper functions rather than building a
// DELETE against an interpolated table name directly, so the dynamic
// part of the statement (the target) is bound as a parameter and cast
// server-side to regclass instead of being spliced into SQL text.
func (a *Adapter) Delete(ctx context.Context, conn Conn, key string, etag *string) (err error) {
	start := time.Now()
	ctx, end := obs.StartSpan(ctx, "adapter.Delete", attribute.String("target", a.target.String()))
	defer func() { end(err); a.observe("delete", start, err) }()

	var deleted bool
	var row pgx.Row
	if etag != nil {
		if _, perr := uuid.Parse(*etag); perr != nil {
			return staterrors.EtagInvalid(*etag)
		}
		row = conn.QueryRow(ctx,
			`SELECT `+metadataSchema+`.delete_key_with_etag_v1($1::regclass, $2, $3)`,
			a.target.quotedTable(), key, *etag)
	} else {
		row = conn.QueryRow(ctx,
			`SELECT `+metadataSchema+`.delete_key_v1($1::regclass, $2)`,
			a.target.quotedTable(), key)
	}

	if scanErr := row.Scan(&deleted); scanErr != nil {
		if isUndefinedTable(scanErr) {
			return staterrors.TableMissing(a.target.String())
		}
		err = staterrors.Transport(scanErr)
		return err
	}

	if etag != nil && !deleted {
		err = staterrors.EtagMismatch(key)
		return err
	}
	return nil
}

// DeleteExpired deletes up to batchSize rows whose expires_at has
// passed and reports how many were removed. Used exclusively by the
// TTL janitor. Grounded directly on the teacher's backgroundExpiry
// query (lib/backend/pgbk/background.go): delete by key, selected from
// a bounded inner SELECT, rather than a plain bounded DELETE, which
// Postgres does not support directly.
func (a *Adapter) DeleteExpired(ctx context.Context, conn Conn, batchSize int) (n int64, err error) {
	start := time.Now()
	ctx, end := obs.StartSpan(ctx, "adapter.DeleteExpired", attribute.String("target", a.target.String()))
	defer func() { end(err); a.observe("delete_expired", start, err) }()

	tag, execErr := conn.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %[1]s WHERE key = ANY(ARRAY(SELECT key FROM %[1]s WHERE expires_at IS NOT NULL AND expires_at < now() LIMIT $1))`,
		a.target.quotedTable(),
	), batchSize)
	if execErr != nil {
		err = a.classify(execErr)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (a *Adapter) classify(err error) error {
	if isUndefinedTable(err) {
		return staterrors.TableMissing(a.target.String())
	}
	return staterrors.Transport(err)
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UndefinedTable
	}
	return false
}
