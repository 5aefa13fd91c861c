package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quartz-roseline/quartz/fabric/internal/pubsub"
	"github.com/quartz-roseline/quartz/fabric/models"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
	"github.com/quartz-roseline/quartz/fabric/telemetry/metrics"
)

// Dispatcher feeds the engine. A bus subscription fills the per-edge slots
// (writing the measured direction and its synthesized reverse, marking the
// undirected edge received); when every edge has reported, the compute
// goroutine runs one reduction and publishes the consolidated offsets. The
// last result is republished every period regardless of new input, so late
// subscribers see fresh data.
type Dispatcher struct {
	engine *Engine
	bus    pubsub.Bus
	log    logging.Logger
	period time.Duration

	mu       sync.Mutex
	alpha    []float64
	beta     []float64
	start    []float64
	received []bool
	pending  int
	last     []byte

	kick chan struct{}

	cyclesTotal    metrics.Counter
	estimatesTotal metrics.Counter
}

// NewDispatcher wires the engine to the bus. period also drives the
// last-value-wins republish ticker.
func NewDispatcher(engine *Engine, bus pubsub.Bus, period time.Duration, log logging.Logger, metr metrics.Provider) *Dispatcher {
	if log == nil {
		log = logging.New(nil)
	}
	if metr == nil {
		metr = metrics.Noop{}
	}
	opts := func(name, help string) metrics.CounterOpts {
		return metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "quartz", Subsystem: "peersync", Name: name, Help: help,
		}}
	}
	n := 2 * engine.NumEdges()
	return &Dispatcher{
		engine:   engine,
		bus:      bus,
		log:      log,
		period:   period,
		alpha:    make([]float64, n),
		beta:     make([]float64, n),
		start:    make([]float64, n),
		received: make([]bool, engine.NumEdges()),
		kick:     make(chan struct{}, 1),

		cyclesTotal:    metr.NewCounter(opts("cycles_total", "completed reduction cycles")),
		estimatesTotal: metr.NewCounter(opts("estimates_total", "per-edge estimates ingested")),
	}
}

// Ingest records one measured edge. The reverse direction is synthesized
// from the forward model: α' = −α/(1+α), β' = −β/(1+α), and the reverse
// interval starts offset-shifted at start' = start + α·start + β.
func (d *Dispatcher) Ingest(edge models.SyncEdge) {
	col, ok := d.engine.DirectedIndex(edge.Client, edge.Server)
	if !ok {
		d.log.WarnCtx(context.Background(), "estimate for unknown edge dropped",
			zap.String("client", edge.Client), zap.String("server", edge.Server))
		return
	}
	rev := d.reverseCol(col)

	d.mu.Lock()
	d.alpha[col] = edge.Alpha
	d.beta[col] = edge.Beta
	d.start[col] = edge.StartNs
	d.alpha[rev] = -edge.Alpha / (1 + edge.Alpha)
	d.beta[rev] = -edge.Beta / (1 + edge.Alpha)
	d.start[rev] = edge.StartNs + edge.Alpha*edge.StartNs + edge.Beta

	und := d.engine.UndirectedIndex(col)
	if !d.received[und] {
		d.received[und] = true
		d.pending++
	}
	complete := d.pending == d.engine.NumEdges()
	d.mu.Unlock()

	d.estimatesTotal.Inc(1)
	if complete {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) reverseCol(col int) int {
	if col < d.engine.NumEdges() {
		return col + d.engine.NumEdges()
	}
	return col - d.engine.NumEdges()
}

// computeOnce snapshots the slots, clears the received bitmap, runs the
// reduction, and publishes the per-node result.
func (d *Dispatcher) computeOnce(ctx context.Context) error {
	d.mu.Lock()
	alpha := append([]float64(nil), d.alpha...)
	beta := append([]float64(nil), d.beta...)
	start := append([]float64(nil), d.start...)
	for i := range d.received {
		d.received[i] = false
	}
	d.pending = 0
	d.mu.Unlock()

	res, err := d.engine.Reduce(alpha, beta, start)
	if err != nil {
		if models.KindOf(err) == models.KindTopology {
			return err
		}
		d.log.WarnCtx(ctx, "reduction cycle failed", zap.Error(err))
		return nil
	}
	data, err := json.Marshal(res.Nodes)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.last = data
	d.mu.Unlock()
	d.cyclesTotal.Inc(1)
	return d.publishLast(ctx)
}

func (d *Dispatcher) publishLast(ctx context.Context) error {
	d.mu.Lock()
	data := d.last
	d.mu.Unlock()
	if data == nil {
		return nil
	}
	if err := d.bus.Publish(ctx, OffsetsSubject, data); err != nil {
		d.log.WarnCtx(ctx, "offset publish failed", zap.Error(err))
	}
	return nil
}

// Run subscribes to the estimate stream and serves reduction cycles until
// ctx is cancelled. A TopologyError from the engine aborts the run.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, ParamsSubject, func(subject string, data []byte) {
		var edge models.SyncEdge
		if err := json.Unmarshal(data, &edge); err != nil {
			d.log.WarnCtx(ctx, "malformed estimate dropped", zap.Error(err))
			return
		}
		d.Ingest(edge)
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.kick:
				if err := d.computeOnce(ctx); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(d.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := d.publishLast(ctx); err != nil {
					return err
				}
			}
		}
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
