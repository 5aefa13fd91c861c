// qot-nodeagent is a transform-mode node agent: it subscribes to one
// timeline's clock-parameter stream and periodically reports the
// translated timeline time with its uncertainty interval.
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

	"github.com/quartz-roseline/quartz/fabric/internal/pubsub"
	"github.com/quartz-roseline/quartz/fabric/internal/translate"
	"github.com/quartz-roseline/quartz/fabric/models"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "qot-nodeagent:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		natsServer = flag.String("nats_server", "nats://127.0.0.1:4222", "NATS server URL")
		timeline   = flag.String("timeline", "", "Timeline to follow (gl_ prefix marks it global)")
		interval   = flag.Duration("interval", 2*time.Second, "Reporting interval")
	)
	flag.Parse()
	if *timeline == "" {
		return fmt.Errorf("--timeline is required")
	}
	log := logging.New(nil)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := pubsub.Dial(*natsServer)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	engine := translate.NewEngine(*timeline, bus, log, nil)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = engine.Stop() }()

	log.InfoCtx(ctx, "node agent following timeline",
		zap.String("timeline", *timeline),
		zap.Bool("global", models.IsGlobalTimeline(*timeline)))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			est, err := engine.GetTime()
			if err != nil {
				if models.KindOf(err) == models.KindTranslation {
					log.WarnCtx(ctx, "no clock parameters yet", zap.String("timeline", *timeline))
					continue
				}
				return err
			}
			log.InfoCtx(ctx, "timeline time",
				zap.Float64("estimate", est.Estimate),
				zap.Float64("above", est.Above),
				zap.Float64("below", est.Below))
		}
	}
}
