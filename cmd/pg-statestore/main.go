// Command pg-statestore is the process host for the state-store
// component: it owns the component's lifetime from the sidecar's first
// connection through graceful shutdown (spec §4.6, "Process host").
//
// Grounded on the teacher's service supervisor shutdown ordering
// (lib/service high level pattern: stop producers of work before
// closing what they depend on) and inful-docbuilder's kong-driven CLI
// entrypoint shape.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/outpost-components/pg-statestore/internal/config"
	"github.com/outpost-components/pg-statestore/internal/janitor"
	"github.com/outpost-components/pg-statestore/internal/obs"
	"github.com/outpost-components/pg-statestore/internal/pluggable"
	"github.com/outpost-components/pg-statestore/internal/provision"
	"github.com/outpost-components/pg-statestore/internal/statestore"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("pg-statestore exited with an error.")
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	pollInterval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return fmt.Errorf("parsing poll-interval %q: %w", cfg.PollInterval, err)
	}

	svc := statestore.New(provision.NewRegistry(), metrics, log.WithField("component", "statestore"),
		statestore.WithDefaultConnectionString(cfg.ConnectionString))
	pluggableSrv := pluggable.NewServer(svc)

	var jan atomic.Pointer[janitor.Janitor]
	pluggableSrv.OnReady = func(pool *pgxpool.Pool) {
		j := janitor.New(pool, metrics, log.WithField("component", "janitor"), janitor.WithInterval(pollInterval))
		if err := j.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start TTL janitor.")
			return
		}
		jan.Store(j)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	socketPath, err := prepareSocket(cfg.SocketDir, cfg.SocketName)
	if err != nil {
		return err
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	log.WithField("socket", socketPath).Info("State-store component listening.")

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	// The pluggable component's own service (Init/Get/Set/Delete/
	// BulkTransact/Features/Ping) is registered here by the sidecar
	// SDK's generated stub, e.g. proto.RegisterStateStoreServer(
	// grpcServer, pluggableSrv) - that generated code is out of this
	// repository's scope; pluggableSrv already implements the method
	// set such a stub would dispatch into.

	metricsSrv := &http.Server{Addr: "127.0.0.1:9464", Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("Metrics server stopped unexpectedly.")
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(listener) }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received.")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("gRPC server stopped unexpectedly.")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if j := jan.Load(); j != nil {
		if err := j.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("Janitor did not stop cleanly.")
		}
	}
	grpcServer.GracefulStop()
	_ = metricsSrv.Close()
	svc.Close()

	log.Info("pg-statestore shut down.")
	return nil
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

func prepareSocket(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating socket directory %s: %w", dir, err)
	}
	path := dir + "/" + name
	// A stale socket left by a previous crash would otherwise make
	// Listen fail with "address already in use".
	_ = os.Remove(path)
	return path, nil
}
