package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quartz-roseline/quartz/fabric/internal/clockcache"
	"github.com/quartz-roseline/quartz/fabric/internal/pubsub"
	"github.com/quartz-roseline/quartz/fabric/models"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
	"github.com/quartz-roseline/quartz/fabric/telemetry/metrics"
)

// ParamsTopic is the pub/sub subject carrying clock-parameter segments for
// one timeline.
func ParamsTopic(timeline string) string {
	return fmt.Sprintf("qot.timeline.%s.params", timeline)
}

// TimeEstimate is a timeline timestamp with its uncertainty interval, in
// fractional seconds.
type TimeEstimate struct {
	Estimate float64 `json:"time_estimate"`
	Above    float64 `json:"interval_above"`
	Below    float64 `json:"interval_below"`
}

// Engine is the transform-mode translation engine: clock parameters arrive
// over the bus and live in the segment cache; application goroutines query
// against whatever segment history has accumulated. The bus subscription's
// dispatch goroutine is the single cache writer.
type Engine struct {
	timeline string
	cache    *clockcache.Ring
	bus      pubsub.Bus
	log      logging.Logger
	sub      pubsub.Subscription

	// now and sleep are the host clock hooks, swappable in tests.
	now   func() int64
	sleep func(ctx context.Context, d time.Duration) error

	translateTotal metrics.Counter
	segmentsSeen   metrics.Counter
}

// NewEngine builds a transform-mode engine for one timeline. The engine is
// inert until Start subscribes it to the parameter stream.
func NewEngine(timeline string, bus pubsub.Bus, log logging.Logger, metr metrics.Provider) *Engine {
	if log == nil {
		log = logging.New(nil)
	}
	if metr == nil {
		metr = metrics.Noop{}
	}
	opts := func(name, help string) metrics.CounterOpts {
		return metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "quartz", Subsystem: "translate", Name: name, Help: help,
		}}
	}
	return &Engine{
		timeline: timeline,
		cache:    clockcache.New(clockcache.DefaultCapacity),
		bus:      bus,
		log:      log,
		now:      func() int64 { return time.Now().UnixNano() },
		sleep:    sleepCtx,
		translateTotal: metr.NewCounter(opts("translate_total", "time translation queries served")),
		segmentsSeen:   metr.NewCounter(opts("segments_total", "clock-parameter segments ingested")),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start subscribes to the timeline's parameter stream. Each received frame
// is appended to the cache under its mutex; translation callers read under
// the same mutex.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, ParamsTopic(e.timeline), func(subject string, data []byte) {
		var seg models.ClockSegment
		if err := json.Unmarshal(data, &seg); err != nil {
			e.log.WarnCtx(ctx, "discarding malformed clock segment", zap.String("timeline", e.timeline), zap.Error(err))
			return
		}
		e.cache.Append(seg)
		e.segmentsSeen.Inc(1)
	})
	if err != nil {
		return err
	}
	e.sub = sub
	e.log.InfoCtx(ctx, "translation engine started", zap.String("timeline", e.timeline))
	return nil
}

// Stop cancels the parameter subscription. The cache keeps its history so
// in-flight translation calls still resolve.
func (e *Engine) Stop() error {
	if e.sub == nil {
		return nil
	}
	err := e.sub.Unsubscribe()
	e.sub = nil
	return err
}

// Cache exposes the segment history, for callers that publish or inspect
// raw segments.
func (e *Engine) Cache() *clockcache.Ring { return e.cache }

// CoreToTimeline translates a core timestamp using the newest segment
// applicable at coreNs.
func (e *Engine) CoreToTimeline(coreNs int64) (int64, error) {
	seg, err := e.cache.FindSegment(coreNs)
	if err != nil {
		return 0, err
	}
	e.translateTotal.Inc(1)
	return CoreToTimeline(coreNs, seg), nil
}

// TimelineToCore translates an absolute timeline timestamp back to core
// time using the newest segment applicable at the current core time.
func (e *Engine) TimelineToCore(tlNs int64) (int64, error) {
	seg, err := e.cache.FindSegment(e.now())
	if err != nil {
		return 0, err
	}
	e.translateTotal.Inc(1)
	return TimelineToCore(tlNs, seg), nil
}

// GetTime reads the host real-time clock as core time and returns the
// timeline estimate with its uncertainty interval, in fractional seconds.
func (e *Engine) GetTime() (TimeEstimate, error) {
	coreNs := e.now()
	seg, err := e.cache.FindSegment(coreNs)
	if err != nil {
		return TimeEstimate{}, err
	}
	e.translateTotal.Inc(1)
	above, below := Uncertainty(coreNs, seg)
	return TimeEstimate{
		Estimate: float64(CoreToTimeline(coreNs, seg)) / float64(nsecPerSec),
		Above:    float64(above) / float64(nsecPerSec),
		Below:    float64(below) / float64(nsecPerSec),
	}, nil
}

// WaitUntil blocks until the timeline reaches absTl (fractional seconds),
// by converting it to an absolute core-time deadline and sleeping the
// difference. Returns the wakeup time estimate.
func (e *Engine) WaitUntil(ctx context.Context, absTl float64) (TimeEstimate, error) {
	deadlineCore, err := e.TimelineToCore(int64(absTl * float64(nsecPerSec)))
	if err != nil {
		return TimeEstimate{}, err
	}
	if err := e.sleep(ctx, time.Duration(deadlineCore-e.now())); err != nil {
		return TimeEstimate{}, err
	}
	return e.GetTime()
}

// Sleep blocks for a relative timeline duration (fractional seconds),
// translated to a core duration. Returns the wakeup time estimate.
func (e *Engine) Sleep(ctx context.Context, rel float64) (TimeEstimate, error) {
	seg, err := e.cache.FindSegment(e.now())
	if err != nil {
		return TimeEstimate{}, err
	}
	coreDur := TimelineRemToCore(int64(rel*float64(nsecPerSec)), seg)
	if err := e.sleep(ctx, time.Duration(coreDur)); err != nil {
		return TimeEstimate{}, err
	}
	return e.GetTime()
}
