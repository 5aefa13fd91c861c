// qot-peersync runs the peer-sync compute server: it ingests pairwise
// (offset, drift) estimates from the bus, reconciles them over the sync
// graph's cycle basis, and republishes consolidated per-node offsets. A
// degenerate topology is fatal at startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quartz-roseline/quartz/fabric/config"
	"github.com/quartz-roseline/quartz/fabric/internal/peersync"
	"github.com/quartz-roseline/quartz/fabric/internal/pubsub"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
	"github.com/quartz-roseline/quartz/fabric/telemetry/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "qot-peersync:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadPeerSync(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.MasterClock == "" || cfg.ConfigPath == "" {
		return fmt.Errorf("--master_clock and --config are required")
	}
	log := logging.New(nil)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topo, err := peersync.LoadTopology(cfg.ConfigPath)
	if err != nil {
		return err
	}
	period := time.Duration(cfg.Period * float64(time.Second))
	engine, err := peersync.NewEngine(topo, cfg.MasterClock, period, log)
	if err != nil {
		return err
	}
	log.InfoCtx(ctx, "peer-sync engine ready",
		zap.Int("nodes", len(topo.Nodes)), zap.Int("edges", engine.NumEdges()),
		zap.Int("loops", engine.NumLoops()), zap.String("master", cfg.MasterClock))

	bus, err := pubsub.Dial(cfg.NatsServer)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	dispatcher := peersync.NewDispatcher(engine, bus, period, log, metrics.NewPrometheusProvider(nil))
	return dispatcher.Run(ctx)
}
