// Package statestore implements the operation surface from spec §4.4:
// Init, Get, Set, Delete, BulkTransact, Features, Ping. It is the layer
// that owns transactional boundaries; internal/sqladapter never opens
// or closes a transaction on its own.
//
// Grounded on the teacher's lib/backend.Backend interface (one struct,
// one method per operation, each self-contained) and on
// lib/auth/grpcserver.go's pattern of a thin per-RPC method that
// resolves inputs, calls into the domain layer, and returns a
// classified error for the transport layer to translate.
package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/outpost-components/pg-statestore/internal/obs"
	"github.com/outpost-components/pg-statestore/internal/provision"
	"github.com/outpost-components/pg-statestore/internal/routing"
	"github.com/outpost-components/pg-statestore/internal/sqladapter"
	"github.com/outpost-components/pg-statestore/internal/staterrors"
)

// Features is the static feature set every instance advertises
// (spec §4.4).
var Features = []string{"ETAG", "TRANSACTIONAL"}

// Service is one configured component instance. It owns no mutable
// state of its own beyond its configuration snapshot and the
// connection pool it opens at Init; the provisioner registry it's
// given is shared process-wide (spec §4.6).
//
// Unlike a conventionally-dependency-injected server, the pool cannot
// be constructed until Init arrives: connectionString is part of the
// Init.properties the sidecar supplies at runtime, not something the
// process host knows at startup (spec §4.3).
type Service struct {
	pool        *pgxpool.Pool
	provisioner *provision.Registry
	metrics     *obs.Metrics
	log         *logrus.Entry

	cfg routing.Config

	// defaultConnectionString is used by Init only when the sidecar's
	// Init.properties omits connectionString, so a local operator can
	// run the component against a fixed database without a full
	// component manifest. Empty unless WithDefaultConnectionString was
	// supplied at construction.
	defaultConnectionString string
}

// Option configures optional Service parameters.
type Option func(*Service)

// WithDefaultConnectionString sets the fallback connectionString used
// when Init.properties doesn't supply one, per the process host's own
// "connectionString override for local testing" config knob.
func WithDefaultConnectionString(connectionString string) Option {
	return func(s *Service) { s.defaultConnectionString = connectionString }
}

// New constructs a Service with no pool yet. Init must be called
// before any other method.
func New(provisioner *provision.Registry, metrics *obs.Metrics, log *logrus.Entry, opts ...Option) *Service {
	s := &Service{provisioner: provisioner, metrics: metrics, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the connection pool opened by Init, or nil before the
// first successful Init. The process host uses it to start the TTL
// janitor once the component is ready.
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool, if one was opened.
func (s *Service) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Init validates props, opens (or reopens, if connectionString
// changed) the connection pool, and probes connectivity. Idempotent:
// calling it again with the same connectionString re-validates and
// re-probes without disturbing the existing pool.
func (s *Service) Init(ctx context.Context, props map[string]string) error {
	if props["connectionString"] == "" && s.defaultConnectionString != "" {
		merged := make(map[string]string, len(props)+1)
		for k, v := range props {
			merged[k] = v
		}
		merged["connectionString"] = s.defaultConnectionString
		props = merged
	}

	cfg, err := routing.ParseConfig(props)
	if err != nil {
		return err
	}

	if s.pool == nil || s.cfg.ConnectionString != cfg.ConnectionString {
		pool, err := pgxpool.New(ctx, cfg.ConnectionString)
		if err != nil {
			return staterrors.Transport(err)
		}
		old := s.pool
		s.pool = pool
		if old != nil {
			old.Close()
		}
	}
	s.cfg = cfg

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pool.Ping(probeCtx); err != nil {
		return staterrors.Transport(err)
	}
	return nil
}

// Ping probes database connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return staterrors.Transport(err)
	}
	return nil
}

// Get resolves key's target and returns its value and etag. A missing
// row or a missing target table both surface as found=false with a nil
// error - TableMissing is the one classified error this layer swallows
// (spec §7).
func (s *Service) Get(ctx context.Context, key string, metadata map[string]string) (value []byte, etag string, found bool, err error) {
	target, err := s.cfg.Resolve(metadata)
	if err != nil {
		return nil, "", false, err
	}

	adapter := sqladapter.New(target.Target, s.metrics)
	value, etag, found, err = adapter.Get(ctx, s.pool, key)
	if err != nil {
		if staterrors.Is(err, staterrors.KindTableMissing) {
			s.log.WithField("target", target.String()).Debug("Get against unprovisioned target, reporting not found.")
			return nil, "", false, nil
		}
		return nil, "", false, err
	}
	return value, etag, found, nil
}

// Set resolves key's target, provisions it if necessary, and performs
// a transactional conditional-or-unconditional upsert (spec §4.4).
func (s *Service) Set(ctx context.Context, key string, value []byte, etag *string, metadata map[string]string) (err error) {
	if isBinaryHint(metadata) {
		return staterrors.Config("binary values are not supported; store a JSON document instead")
	}
	if err := ValidateJSON(value); err != nil {
		return err
	}

	target, err := s.cfg.Resolve(metadata)
	if err != nil {
		return err
	}
	ttl, err := routing.TTLFromMetadata(metadata)
	if err != nil {
		return err
	}

	if err := s.ensureResources(ctx, target); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return staterrors.Transport(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	adapter := sqladapter.New(target.Target, s.metrics)
	if _, err = adapter.Upsert(ctx, tx, key, value, etag, ttl); err != nil {
		return err
	}
	if err = sqladapter.RegisterTenant(ctx, tx, target.TenantKey, target.Target); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		err = staterrors.Transport(err)
		return err
	}
	return nil
}

// Delete resolves key's target and performs a transactional
// unconditional-or-conditional delete. A missing target table is
// treated as "nothing to delete" rather than an error (spec §7).
func (s *Service) Delete(ctx context.Context, key string, etag *string, metadata map[string]string) (err error) {
	target, err := s.cfg.Resolve(metadata)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return staterrors.Transport(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	adapter := sqladapter.New(target.Target, s.metrics)
	if derr := adapter.Delete(ctx, tx, key, etag); derr != nil {
		if staterrors.Is(derr, staterrors.KindTableMissing) {
			// nothing to delete; still commit the (empty) transaction
			// rather than leaving one dangling.
		} else {
			err = derr
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		err = staterrors.Transport(err)
		return err
	}
	return nil
}

// OpKind distinguishes the two operation shapes BulkTransact accepts.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

// Op is one operation inside a BulkTransact call. Each carries its own
// metadata, so distinct operations in the same call may resolve to
// distinct tenants (spec §4.4).
type Op struct {
	Kind     OpKind
	Key      string
	Value    []byte
	Etag     *string
	Metadata map[string]string
}

// BulkTransact executes ops in list order inside a single transaction.
// The first failure rolls back everything that came before it in the
// same call (spec §4.4, §7).
func (s *Service) BulkTransact(ctx context.Context, ops []Op) (err error) {
	targets := make([]routing.Target, len(ops))
	for i, op := range ops {
		target, rerr := s.cfg.Resolve(op.Metadata)
		if rerr != nil {
			return rerr
		}
		targets[i] = target
		if op.Kind == OpSet {
			if isBinaryHint(op.Metadata) {
				return staterrors.Config("binary values are not supported; store a JSON document instead")
			}
			if err := ValidateJSON(op.Value); err != nil {
				return err
			}
			if err := s.ensureResources(ctx, target); err != nil {
				return err
			}
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return staterrors.Transport(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for i, op := range ops {
		adapter := sqladapter.New(targets[i].Target, s.metrics)
		switch op.Kind {
		case OpSet:
			ttl, terr := routing.TTLFromMetadata(op.Metadata)
			if terr != nil {
				err = terr
				return err
			}
			if _, uerr := adapter.Upsert(ctx, tx, op.Key, op.Value, op.Etag, ttl); uerr != nil {
				err = uerr
				return err
			}
			if rerr := sqladapter.RegisterTenant(ctx, tx, targets[i].TenantKey, targets[i].Target); rerr != nil {
				err = rerr
				return err
			}
		case OpDelete:
			if derr := adapter.Delete(ctx, tx, op.Key, op.Etag); derr != nil && !staterrors.Is(derr, staterrors.KindTableMissing) {
				err = derr
				return err
			}
		}
	}

	if err = tx.Commit(ctx); err != nil {
		err = staterrors.Transport(err)
		return err
	}
	return nil
}

// ensureResources provisions target's schema, table, and the shared
// metadata schema, each gated independently so unrelated targets never
// contend with each other (spec §4.2).
func (s *Service) ensureResources(ctx context.Context, target routing.Target) error {
	if err := s.provisioner.Ensure(ctx, routing.MetadataResourceKey, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return staterrors.Transport(err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := sqladapter.EnsureMetadataSchema(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}); err != nil {
		return err
	}

	if err := s.provisioner.Ensure(ctx, routing.SchemaResourceKey(target.Schema), func(ctx context.Context) error {
		adapter := sqladapter.New(target.Target, s.metrics)
		return adapter.CreateSchemaIfAbsent(ctx, s.pool)
	}); err != nil {
		return err
	}

	if err := s.provisioner.Ensure(ctx, routing.TableResourceKey(target.Schema, target.Table), func(ctx context.Context) error {
		adapter := sqladapter.New(target.Target, s.metrics)
		return adapter.CreateTableIfAbsent(ctx, s.pool)
	}); err != nil {
		return err
	}

	return nil
}

// isBinaryHint reports whether the caller flagged the value as binary.
// This store treats every value as a JSON document (spec Non-goals);
// per Design Note "isBinary hint", a binary value is rejected with a
// typed error rather than silently corrupted.
func isBinaryHint(metadata map[string]string) bool {
	return metadata["isBinary"] == "true"
}

// ValidateJSON is used by callers that accept a raw value from the
// wire and want to fail fast with a classified error instead of
// storing a non-document payload (spec Non-goals: values are JSON
// documents only).
func ValidateJSON(value []byte) error {
	if !json.Valid(value) {
		return staterrors.Config("value is not a valid JSON document")
	}
	return nil
}
