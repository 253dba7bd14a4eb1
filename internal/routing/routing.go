// Package routing implements spec §4.3: translating component
// configuration plus per-operation metadata into a concrete
// (schema, table) target, and, when a tenant-prefixing mode is
// configured, requiring a tenantId to do so (spec invariant I1).
package routing

import (
	"strconv"
	"time"

	"github.com/outpost-components/pg-statestore/internal/sqladapter"
	"github.com/outpost-components/pg-statestore/internal/staterrors"
)

// TenantMode selects which part of the target gets tenant-prefixed.
type TenantMode string

const (
	TenantModeNone   TenantMode = ""
	TenantModeSchema TenantMode = "schema"
	TenantModeTable  TenantMode = "table"
)

const (
	DefaultSchema = "public"
	DefaultTable  = "state"
)

// DefaultTenantKey is the synthetic tenant registry key used in
// TenantModeNone, where operations never carry a real tenantId. It
// lets the single default target still be registered in
// pluggable_metadata.tenant and swept by the janitor like any other
// tenant, instead of only ever being hidden by Get's read-time
// expires_at filter.
const DefaultTenantKey = "__default__"

// MetadataKey names recognized in per-operation metadata (spec §6).
const (
	MetadataKeyTenantID = "tenantId"
	MetadataKeyTTL      = "ttlInSeconds"
)

// Config is the component configuration parsed from Init.properties.
type Config struct {
	ConnectionString string
	Tenant           TenantMode
	Schema           string
	Table            string
}

// ParseConfig validates props (the Init.properties map) against spec
// §4.3's enumerated options and fills in the documented defaults.
func ParseConfig(props map[string]string) (Config, error) {
	cfg := Config{
		ConnectionString: props["connectionString"],
		Schema:           DefaultSchema,
		Table:            DefaultTable,
	}
	if cfg.ConnectionString == "" {
		return Config{}, staterrors.Config("connectionString is required")
	}
	if v, ok := props["schema"]; ok && v != "" {
		cfg.Schema = v
	}
	if v, ok := props["table"]; ok && v != "" {
		cfg.Table = v
	}

	switch mode := TenantMode(props["tenant"]); mode {
	case TenantModeNone, TenantModeSchema, TenantModeTable:
		cfg.Tenant = mode
	default:
		return Config{}, staterrors.Config("unrecognized tenant mode %q (want %q or %q)", mode, TenantModeSchema, TenantModeTable)
	}

	return cfg, nil
}

// Target is the concrete location an operation resolves to, plus the
// tenant registry key that produced it: the operation's tenantId in a
// tenant-prefixing mode, DefaultTenantKey in TenantModeNone. TenantKey
// is what the janitor's registry is keyed by.
type Target struct {
	sqladapter.Target
	TenantKey string
}

// Resolve derives the Target for a single operation's metadata
// (spec §4.3's derivation rules). It is total: it either returns a
// target or a classified error.
func (c Config) Resolve(meta map[string]string) (Target, error) {
	tenantID := meta[MetadataKeyTenantID]

	switch c.Tenant {
	case TenantModeNone:
		return Target{
			Target:    sqladapter.Target{Schema: c.Schema, Table: c.Table},
			TenantKey: DefaultTenantKey,
		}, nil

	case TenantModeSchema:
		if tenantID == "" {
			return Target{}, staterrors.MissingTenant()
		}
		return Target{
			Target:    sqladapter.Target{Schema: tenantID + "-" + c.Schema, Table: c.Table},
			TenantKey: tenantID,
		}, nil

	case TenantModeTable:
		if tenantID == "" {
			return Target{}, staterrors.MissingTenant()
		}
		return Target{
			Target:    sqladapter.Target{Schema: c.Schema, Table: tenantID + "-" + c.Table},
			TenantKey: tenantID,
		}, nil

	default:
		// ParseConfig rejects unrecognized modes before this can be
		// reached in practice; kept as a defensive classified error
		// rather than a panic since Config values can in principle be
		// constructed directly by tests.
		return Target{}, staterrors.Config("unrecognized tenant mode %q", c.Tenant)
	}
}

// TTLFromMetadata parses the optional ttlInSeconds operation metadata
// key. A nil result (with a nil error) means "no TTL" - the adapter
// clears expires_at in that case, per spec §4.1.
func TTLFromMetadata(meta map[string]string) (*time.Duration, error) {
	raw, ok := meta[MetadataKeyTTL]
	if !ok || raw == "" {
		return nil, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, staterrors.Config("ttlInSeconds %q is not an integer: %v", raw, err)
	}
	if seconds <= 0 {
		return nil, nil
	}
	ttl := time.Duration(seconds) * time.Second
	return &ttl, nil
}

// SchemaResourceKey and TableResourceKey name the provisioner entries
// for a target's schema and table, following the "S:<schema>" /
// "T:<schema>.<table>" convention from spec §4.2.
func SchemaResourceKey(schema string) string {
	return "S:" + schema
}

func TableResourceKey(schema, table string) string {
	return "T:" + schema + "." + table
}

// MetadataResourceKey is the single well-known provisioner key gating
// the one-time creation of the pluggable_metadata schema.
const MetadataResourceKey = "pluggable_metadata"
