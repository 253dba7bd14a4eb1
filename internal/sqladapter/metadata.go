package sqladapter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outpost-components/pg-statestore/internal/staterrors"
)

// EnsureMetadataSchema creates the pluggable_metadata schema, its
// tenant registry table, and the delete_key_v1/delete_key_with_etag_v1
// helper functions used by every Adapter's Delete, regardless of
// target. It is process-global and idempotent; callers gate it through
// the resource provisioner with a single well-known key so it runs at
// most once per process.
func EnsureMetadataSchema(ctx context.Context, conn Conn) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + metadataSchema,
		`CREATE TABLE IF NOT EXISTS ` + metadataSchema + `.tenant (
			tenant_id       text PRIMARY KEY,
			schema_id       text NOT NULL,
			table_id        text NOT NULL,
			last_expired_at timestamptz
		)`,
		`CREATE OR REPLACE FUNCTION ` + metadataSchema + `.delete_key_v1(target regclass, target_key text) RETURNS boolean AS $$
			DECLARE deleted boolean;
			BEGIN
				EXECUTE format('DELETE FROM %s WHERE key = $1 RETURNING true', target) INTO deleted USING target_key;
				RETURN COALESCE(deleted, false);
			END;
		$$ LANGUAGE plpgsql`,
		`CREATE OR REPLACE FUNCTION ` + metadataSchema + `.delete_key_with_etag_v1(target regclass, target_key text, target_etag text) RETURNS boolean AS $$
			DECLARE deleted boolean;
			BEGIN
				EXECUTE format('DELETE FROM %s WHERE key = $1 AND etag = $2 RETURNING true', target) INTO deleted USING target_key, target_etag;
				RETURN COALESCE(deleted, false);
			END;
		$$ LANGUAGE plpgsql`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return staterrors.Transport(err)
		}
	}
	return nil
}

// RegisterTenant upserts tenantKey's current target into the shared
// tenant registry so the janitor can discover it. Called by the
// service layer inside the same transaction as the data write it
// accompanies (spec §4.1 expansion, resolving the TTL registration
// open question). Callers running without tenant-prefixing still pass
// a non-empty synthetic key (routing.DefaultTenantKey) so the single
// default target gets swept like any other tenant; an empty tenantKey
// is only reached by callers that construct a target directly rather
// than through routing.Resolve, and is treated as nothing to register.
func RegisterTenant(ctx context.Context, conn Conn, tenantKey string, target Target) error {
	if tenantKey == "" {
		return nil
	}
	_, err := conn.Exec(ctx, `
		INSERT INTO `+metadataSchema+`.tenant (tenant_id, schema_id, table_id, last_expired_at)
		VALUES ($1, $2, $3, NULL)
		ON CONFLICT (tenant_id) DO UPDATE SET schema_id = EXCLUDED.schema_id, table_id = EXCLUDED.table_id
	`, tenantKey, target.Schema, target.Table)
	if err != nil {
		return staterrors.Transport(err)
	}
	return nil
}

// RegisteredTenant is one row of the janitor's tenant registry.
type RegisteredTenant struct {
	TenantID string
	Target   Target
}

// PickLeastRecentlyExpired locks and returns the registered tenant
// whose last_expired_at is oldest (NULLs - never swept - sort first),
// so the janitor's one-tenant-per-tick sweep is fair across tenants.
// FOR UPDATE SKIP LOCKED lets multiple janitor processes run against
// the same database without picking the same tenant on the same tick.
// ok is false when the registry is empty.
func PickLeastRecentlyExpired(ctx context.Context, conn Conn) (tenant RegisteredTenant, ok bool, err error) {
	row := conn.QueryRow(ctx, `
		SELECT tenant_id, schema_id, table_id
		FROM `+metadataSchema+`.tenant
		ORDER BY last_expired_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)

	var tenantID, schemaID, tableID string
	if scanErr := row.Scan(&tenantID, &schemaID, &tableID); scanErr != nil {
		if isNoRows(scanErr) {
			return RegisteredTenant{}, false, nil
		}
		if isUndefinedTable(scanErr) {
			// metadata schema not provisioned yet: nothing to sweep.
			return RegisteredTenant{}, false, nil
		}
		return RegisteredTenant{}, false, staterrors.Transport(scanErr)
	}
	return RegisteredTenant{
		TenantID: tenantID,
		Target:   Target{Schema: schemaID, Table: tableID},
	}, true, nil
}

// MarkExpired records that tenantID's sweep just ran at at, so the next
// PickLeastRecentlyExpired call moves on to a different tenant.
func MarkExpired(ctx context.Context, conn Conn, tenantID string, at time.Time) error {
	_, err := conn.Exec(ctx, `
		UPDATE `+metadataSchema+`.tenant SET last_expired_at = $2 WHERE tenant_id = $1
	`, tenantID, at.UTC())
	if err != nil {
		return staterrors.Transport(err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
