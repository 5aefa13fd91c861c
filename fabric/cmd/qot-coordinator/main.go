// qot-coordinator runs one coordinator replica: the REST control plane
// over the transactional state store, mirrored into ZooKeeper and
// publishing membership deltas onto NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quartz-roseline/quartz/fabric/config"
	"github.com/quartz-roseline/quartz/fabric/internal/coordinator"
	"github.com/quartz-roseline/quartz/fabric/internal/coordstore"
	"github.com/quartz-roseline/quartz/fabric/internal/pubsub"
	"github.com/quartz-roseline/quartz/fabric/internal/rest"
	"github.com/quartz-roseline/quartz/fabric/internal/statestore"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
	"github.com/quartz-roseline/quartz/fabric/telemetry/metrics"
	"github.com/quartz-roseline/quartz/fabric/telemetry/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "qot-coordinator:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadCoordinator(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	log := logging.New(nil)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := tracing.Init()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var metr metrics.Provider
	var metricsHandler http.Handler
	switch cfg.MetricsBackend {
	case "otel":
		metr = metrics.NewOTelProvider("qot-coordinator")
	default:
		prom := metrics.NewPrometheusProvider(nil)
		metricsHandler = promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})
		metr = prom
	}

	state, err := statestore.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer func() { _ = state.Close() }()

	cs, err := coordstore.Dial(cfg.ZkHosts, cfg.SessionTimeout, log)
	if err != nil {
		return err
	}

	bus, err := pubsub.Dial("nats://" + cfg.PubHost)
	if err != nil {
		_ = cs.Close()
		return err
	}
	defer func() { _ = bus.Close() }()

	identity := uuid.NewString()
	var leader atomic.Bool
	coord := coordinator.New(state, cs, bus, log, metr, cfg.CoordinatorGroup, identity, leader.Load)

	// Session-loss recovery: when an expired session reconnects, rebuild
	// the ephemeral mirror from the authoritative store.
	var expired atomic.Bool
	cs.AddStateListener(func(st coordstore.SessionState) {
		switch st {
		case coordstore.StateExpired:
			expired.Store(true)
			log.WarnCtx(ctx, "coordination session expired")
		case coordstore.StateConnected:
			if expired.CompareAndSwap(true, false) && leader.Load() {
				if err := coord.Resync(ctx); err != nil {
					log.ErrorCtx(ctx, "resync after session loss failed", zap.Error(err))
				}
			}
		}
	})

	// Block for leadership in the background; only the winner mutates the
	// coordination store.
	go func() {
		if err := coord.ElectLeader(ctx); err != nil {
			log.ErrorCtx(ctx, "leader election aborted", zap.Error(err))
			return
		}
		leader.Store(true)
		log.InfoCtx(ctx, "election won, serving as leader", zap.String("identity", identity))
		if err := coord.Resync(ctx); err != nil {
			log.ErrorCtx(ctx, "initial mirror sync failed", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/api/service/", rest.New(coord, log))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.InfoCtx(ctx, "coordinator listening",
			zap.String("addr", cfg.ListenAddr), zap.String("group", cfg.CoordinatorGroup))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = cs.Close()
		return err
	case <-ctx.Done():
	}

	// Shutdown order: drop the session (releasing every ephemeral node)
	// before terminating HTTP.
	_ = cs.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
