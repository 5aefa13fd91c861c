package peersync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartz-roseline/quartz/fabric/internal/pubsub"
	"github.com/quartz-roseline/quartz/fabric/models"
)

func publishEstimates(t *testing.T, ctx context.Context, bus pubsub.Bus, edges []models.SyncEdge) {
	t.Helper()
	for _, e := range edges {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, ParamsSubject, data))
	}
}

func TestDispatcher_PublishesAfterAllEdgesReceived(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := pubsub.NewMemBus()
	engine, err := NewEngine(fourCycle(), "A", 2*time.Second, nil)
	require.NoError(t, err)
	d := NewDispatcher(engine, bus, 2*time.Second, nil, nil)

	results := make(chan map[string]NodeResult, 4)
	_, err = bus.Subscribe(ctx, OffsetsSubject, func(subject string, data []byte) {
		var out map[string]NodeResult
		if json.Unmarshal(data, &out) == nil {
			results <- out
		}
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the subscription arm

	publishEstimates(t, ctx, bus, []models.SyncEdge{
		{Client: "A", Server: "B", StartNs: 1e9, Beta: 1e6},
		{Client: "B", Server: "C", StartNs: 1e9, Beta: 2e6},
		{Client: "C", Server: "D", StartNs: 1e9, Beta: -1e6},
		{Client: "D", Server: "A", StartNs: 1e9, Beta: -3e6},
	})

	select {
	case out := <-results:
		require.Contains(t, out, "A")
		require.Contains(t, out, "D")
		assert.InDelta(t, 0, out["A"].Offset, 1e-12)
		// A→B reconciled offset: (1e6 + 0.25e6) ns in seconds.
		assert.InDelta(t, 1.25e6/1e9, out["B"].Offset, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no consolidated offsets published")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_NoComputeUntilBitmapFull(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := pubsub.NewMemBus()
	engine, err := NewEngine(fourCycle(), "A", 2*time.Second, nil)
	require.NoError(t, err)
	d := NewDispatcher(engine, bus, time.Hour, nil, nil)

	// Three of four edges: the received bitmap is not complete.
	d.Ingest(models.SyncEdge{Client: "A", Server: "B", StartNs: 1e9, Beta: 1e6})
	d.Ingest(models.SyncEdge{Client: "B", Server: "C", StartNs: 1e9, Beta: 2e6})
	d.Ingest(models.SyncEdge{Client: "C", Server: "D", StartNs: 1e9, Beta: -1e6})

	select {
	case <-d.kick:
		t.Fatal("compute signalled before all edges arrived")
	default:
	}

	d.Ingest(models.SyncEdge{Client: "D", Server: "A", StartNs: 1e9, Beta: -3e6})
	select {
	case <-d.kick:
	default:
		t.Fatal("compute not signalled after final edge")
	}
}

func TestDispatcher_ReverseMeasurementFillsSameEdge(t *testing.T) {
	bus := pubsub.NewMemBus()
	engine, err := NewEngine(fourCycle(), "A", 2*time.Second, nil)
	require.NoError(t, err)
	d := NewDispatcher(engine, bus, time.Hour, nil, nil)

	// B→A is the reverse direction of edge 0; it still marks edge 0.
	d.Ingest(models.SyncEdge{Client: "B", Server: "A", StartNs: 1e9, Beta: -1e6})

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.True(t, d.received[0])
	assert.Equal(t, 1, d.pending)
	// Measured value lands in the reverse column, synthesized in forward.
	assert.InDelta(t, -1e6, d.beta[4], 1e-9)
	assert.InDelta(t, 1e6, d.beta[0], 1e-9)
}

func TestDispatcher_UnknownEdgeDropped(t *testing.T) {
	bus := pubsub.NewMemBus()
	engine, err := NewEngine(fourCycle(), "A", 2*time.Second, nil)
	require.NoError(t, err)
	d := NewDispatcher(engine, bus, time.Hour, nil, nil)

	d.Ingest(models.SyncEdge{Client: "A", Server: "C", StartNs: 1e9, Beta: 1e6})

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 0, d.pending)
}

func TestDispatcher_SynthesizedReverseModel(t *testing.T) {
	bus := pubsub.NewMemBus()
	engine, err := NewEngine(fourCycle(), "A", 2*time.Second, nil)
	require.NoError(t, err)
	d := NewDispatcher(engine, bus, time.Hour, nil, nil)

	alpha, beta, start := 1e-6, 2e6, 1e9
	d.Ingest(models.SyncEdge{Client: "A", Server: "B", StartNs: start, Alpha: alpha, Beta: beta})

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.InDelta(t, -alpha/(1+alpha), d.alpha[4], 1e-18)
	assert.InDelta(t, -beta/(1+alpha), d.beta[4], 1e-6)
	assert.InDelta(t, start+alpha*start+beta, d.start[4], 1e-6)
}
