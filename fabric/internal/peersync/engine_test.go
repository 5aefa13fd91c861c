package peersync

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartz-roseline/quartz/fabric/models"
)

func fourCycle() Topology {
	return Topology{
		Nodes: []string{"A", "B", "C", "D"},
		Edges: [][2]string{{"A", "B"}, {"B", "C"}, {"C", "D"}, {"D", "A"}},
	}
}

// fillVectors builds the directed working vectors from forward-edge values,
// synthesizing the reverse direction the way the dispatcher does.
func fillVectors(topo Topology, alpha, beta, start []float64) (a, b, s []float64) {
	n := len(topo.Edges)
	a = make([]float64, 2*n)
	b = make([]float64, 2*n)
	s = make([]float64, 2*n)
	for j := 0; j < n; j++ {
		a[j], b[j], s[j] = alpha[j], beta[j], start[j]
		a[j+n] = -alpha[j] / (1 + alpha[j])
		b[j+n] = -beta[j] / (1 + alpha[j])
		s[j+n] = start[j] + alpha[j]*start[j] + beta[j]
	}
	return a, b, s
}

// An inconsistent 4-cycle is reconciled with a uniform correction.
func TestReduce_FourCycleUniformCorrection(t *testing.T) {
	e, err := NewEngine(fourCycle(), "A", 2*time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, 1, e.NumLoops())

	beta := []float64{1e6, 2e6, -1e6, -3e6} // sums to −1e6 around the cycle
	alpha := []float64{0, 0, 0, 0}
	start := []float64{1e9, 1e9, 1e9, 1e9}
	a, b, s := fillVectors(fourCycle(), alpha, beta, start)

	res, err := e.Reduce(a, b, s)
	require.NoError(t, err)

	for j := 0; j < 4; j++ {
		assert.InDelta(t, beta[j]+0.25e6, res.FinalOffsets[j], 1e-3, "edge %d", j)
	}

	// Every basis loop sums to zero after projection.
	sum := 0.0
	for j := 0; j < 4; j++ {
		sum += res.FinalOffsets[j]
	}
	assert.InDelta(t, 0, sum, 1e-6*3e6)
}

// The projection lands on the loop-consistent subspace: every basis loop
// sums to zero (checked via the loop matrix), and re-projecting a projected
// vector changes nothing.
func TestReduce_ProjectionIsIdempotentAndConsistent(t *testing.T) {
	topo := Topology{
		Nodes: []string{"A", "B", "C", "D", "E"},
		Edges: [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}, {"C", "D"}, {"D", "E"}, {"E", "C"}},
	}
	e, err := NewEngine(topo, "A", time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, 2, e.NumLoops())

	alpha := []float64{10e-9, -20e-9, 5e-9, 0, 15e-9, -5e-9}
	beta := []float64{2.5e6, -1e6, 4e5, 1.2e6, -3e6, 2e6}
	start := []float64{1e9, 1e9, 1e9, 1e9, 1e9, 1e9}
	a, b, s := fillVectors(topo, alpha, beta, start)

	res, err := e.Reduce(a, b, s)
	require.NoError(t, err)

	maxOff := 0.0
	for _, v := range res.FinalOffsets {
		if math.Abs(v) > maxOff {
			maxOff = math.Abs(v)
		}
	}

	// M · final = 0 within tolerance, for every basis loop.
	nEdges := len(topo.Edges)
	for l := 0; l < e.NumLoops(); l++ {
		sum := 0.0
		for col := 0; col < 2*nEdges; col++ {
			sum += e.m.At(l, col) * res.FinalOffsets[col]
		}
		assert.InDelta(t, 0, sum, 1e-6*maxOff, "loop %d", l)
	}

	// Idempotence: reducing with the already-consistent offsets as β (zero
	// drift) reproduces them.
	a2 := make([]float64, 2*nEdges)
	s2 := append([]float64(nil), s...)
	res2, err := e.Reduce(a2, res.FinalOffsets, s2)
	require.NoError(t, err)
	for col := 0; col < 2*nEdges; col++ {
		assert.InDelta(t, res.FinalOffsets[col], res2.FinalOffsets[col], 1e-6*maxOff+1e-9)
	}
}

func TestReduce_TreeGraphPassesThrough(t *testing.T) {
	topo := Topology{
		Nodes: []string{"A", "B", "C"},
		Edges: [][2]string{{"A", "B"}, {"B", "C"}},
	}
	e, err := NewEngine(topo, "A", 2*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, e.NumLoops())

	alpha := []float64{0, 0}
	beta := []float64{5e5, -2e5}
	start := []float64{1e9, 1e9}
	a, b, s := fillVectors(topo, alpha, beta, start)

	res, err := e.Reduce(a, b, s)
	require.NoError(t, err)

	// Master holds the interval midpoint; others follow the chain.
	assert.InDelta(t, 0, res.Nodes["A"].Offset, 1e-12)
	assert.InDelta(t, 5e5/1e9, res.Nodes["B"].Offset, 1e-12)
	assert.InDelta(t, (5e5-2e5)/1e9, res.Nodes["C"].Offset, 1e-12)
	assert.InDelta(t, (1e9+1e9)/1e9, res.Nodes["A"].FinalTime, 1e-12)
}

func TestNewEngine_DisconnectedGraphIsTopologyError(t *testing.T) {
	topo := Topology{
		Nodes: []string{"A", "B", "C", "D"},
		Edges: [][2]string{{"A", "B"}, {"C", "D"}},
	}
	_, err := NewEngine(topo, "A", time.Second, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindTopology, models.KindOf(err))
}

func TestNewEngine_UnknownMasterIsTopologyError(t *testing.T) {
	_, err := NewEngine(fourCycle(), "Z", time.Second, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindTopology, models.KindOf(err))
}

func TestReduce_MasterMidpointAnchorsTime(t *testing.T) {
	e, err := NewEngine(fourCycle(), "A", 2*time.Second, nil)
	require.NoError(t, err)

	alpha := []float64{0, 0, 0, 0}
	beta := []float64{1e6, 1e6, 1e6, -3e6}
	start := []float64{5e9, 5e9, 5e9, 5e9}
	a, b, s := fillVectors(fourCycle(), alpha, beta, start)

	res, err := e.Reduce(a, b, s)
	require.NoError(t, err)
	// start + period/2 = 5 s + 1 s.
	assert.InDelta(t, 6.0, res.Nodes["A"].FinalTime, 1e-9)
	assert.InDelta(t, 0.0, res.Nodes["A"].Offset, 1e-12)
}

func TestValidate_RejectsUnknownEdgeEndpoint(t *testing.T) {
	topo := Topology{Nodes: []string{"A"}, Edges: [][2]string{{"A", "Z"}}}
	err := topo.validate()
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidArgument, models.KindOf(err))
}

func TestLoadTopology_ReadsNamePairConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.json")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"nodes": ["192.168.1.115", "192.168.1.116", "192.168.1.117"],
		  "edges": [["192.168.1.115", "192.168.1.116"], ["192.168.1.116", "192.168.1.117"]]}`), 0o644))

	topo, err := LoadTopology(path)
	require.NoError(t, err)
	assert.Len(t, topo.Nodes, 3)
	require.Len(t, topo.Edges, 2)
	assert.Equal(t, [2]string{"192.168.1.115", "192.168.1.116"}, topo.Edges[0])

	_, err = NewEngine(topo, "192.168.1.115", time.Second, nil)
	require.NoError(t, err)
}
