// Package janitor implements spec §4.5: a background task that
// periodically deletes expired rows, one registered tenant per tick,
// least-recently-swept first.
//
// Scheduling is done with github.com/go-co-op/gocron/v2 (the concern
// match used by inful-docbuilder's internal/daemon/scheduler.go for
// "run this periodically"); the sweep itself - pick a tenant, delete a
// bounded batch, record the sweep time - is grounded on the teacher's
// backgroundExpiry loop (lib/backend/pgbk/background.go), generalized
// from "the one table this backend owns" to "whichever tenant target
// the registry says is most overdue".
package janitor

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/outpost-components/pg-statestore/internal/obs"
	"github.com/outpost-components/pg-statestore/internal/sqladapter"
)

// DefaultInterval is the tick period spec §4.5 names as the default.
const DefaultInterval = 5 * time.Second

// DefaultBatchSize bounds how many rows a single tick deletes for its
// chosen tenant, mirroring the teacher's deleteBatchSize cap.
const DefaultBatchSize = 1000

// Janitor owns the periodic sweep. It is started at service
// registration and stopped on teardown (spec §4.5).
type Janitor struct {
	pool      *pgxpool.Pool
	metrics   *obs.Metrics
	log       *logrus.Entry
	interval  time.Duration
	batchSize int
	clock     clockwork.Clock

	scheduler gocron.Scheduler
}

// Option configures optional Janitor parameters.
type Option func(*Janitor)

func WithInterval(d time.Duration) Option {
	return func(j *Janitor) { j.interval = d }
}

func WithBatchSize(n int) Option {
	return func(j *Janitor) { j.batchSize = n }
}

// WithClock overrides the clock used to stamp sweep times, for tests
// that need to control "now" (clockwork.NewFakeClock()) instead of
// the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(j *Janitor) { j.clock = clock }
}

// New constructs a Janitor. Call Start to begin ticking.
func New(pool *pgxpool.Pool, metrics *obs.Metrics, log *logrus.Entry, opts ...Option) *Janitor {
	j := &Janitor{
		pool:      pool,
		metrics:   metrics,
		log:       log,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start begins ticking every interval until Stop is called. Each tick
// is single-shot: the job runs in gocron's singleton mode, which does
// not start a new run while the previous one is still executing, so a
// slow sweep simply delays the next tick rather than overlapping it.
func (j *Janitor) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() { j.tick(ctx) }),
		gocron.WithName("ttl-janitor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}

	j.scheduler = sched
	sched.Start()
	j.log.WithField("interval", j.interval).Info("TTL janitor started.")
	return nil
}

// Stop drains the scheduler. A tick already in flight is allowed to
// finish; Shutdown blocks until it does, so the caller never leaks the
// connection a tick is using.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.scheduler == nil {
		return nil
	}
	j.log.Info("Stopping TTL janitor.")
	return j.scheduler.Shutdown()
}

func (j *Janitor) tick(ctx context.Context) {
	j.metrics.IncJanitorTick()

	tickCtx, cancel := context.WithTimeout(ctx, j.interval)
	defer cancel()

	tx, err := j.pool.Begin(tickCtx)
	if err != nil {
		j.log.WithError(err).Error("Janitor failed to start tick transaction.")
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(tickCtx)
		}
	}()

	tenant, ok, err := sqladapter.PickLeastRecentlyExpired(tickCtx, tx)
	if err != nil {
		j.log.WithError(err).Error("Janitor failed to pick a tenant to sweep.")
		return
	}
	if !ok {
		// nothing registered yet; commit the read-only transaction and
		// wait for the next tick.
		if err := tx.Commit(tickCtx); err == nil {
			committed = true
		}
		return
	}

	adapter := sqladapter.New(tenant.Target, j.metrics)
	deleted, err := adapter.DeleteExpired(tickCtx, tx, j.batchSize)
	if err != nil {
		j.log.WithError(err).WithField("tenant", tenant.TenantID).Error("Janitor failed to delete expired rows.")
		return
	}

	if err := sqladapter.MarkExpired(tickCtx, tx, tenant.TenantID, j.clock.Now()); err != nil {
		j.log.WithError(err).WithField("tenant", tenant.TenantID).Error("Janitor failed to record sweep time.")
		return
	}

	if err := tx.Commit(tickCtx); err != nil {
		j.log.WithError(err).Error("Janitor failed to commit tick transaction.")
		return
	}
	committed = true

	if deleted > 0 {
		j.metrics.AddJanitorDeleted(float64(deleted))
		j.log.WithField("tenant", tenant.TenantID).WithField("deleted", deleted).Debug("Janitor deleted expired rows.")
	}
}
