package peersync

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/quartz-roseline/quartz/fabric/models"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
)

// Engine owns the cycle-basis projection matrix for one
// graph topology and reconciles per-edge (α, β) estimates into per-node
// times. Working vectors are indexed by directed edge: columns 0..E-1 are
// the topology's edges in list order, columns E..2E-1 the synthesized
// reverse edges in the same order.
type Engine struct {
	topo     Topology
	master   int
	periodNs float64
	log      logging.Logger

	nodeIdx map[string]int
	// edges holds the topology's name pairs resolved to node-index pairs.
	edges [][2]int
	// directed maps (from,to) node-index pairs to the column index.
	directed map[[2]int]int

	loops [][]int // directed steps per fundamental loop, for diagnostics
	m     *mat.Dense
	proj  *mat.Dense // nil when the graph has no independent loops
}

// NewEngine validates the topology, derives the cycle basis from a
// depth-first spanning tree rooted at node 0, and precomputes the
// projection P = I − Mᵀ(M Mᵀ)⁻¹M. A disconnected graph or a singular M Mᵀ
// is a fatal TopologyError.
func NewEngine(topo Topology, master string, period time.Duration, log logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.New(nil)
	}
	if err := topo.validate(); err != nil {
		return nil, err
	}
	nodeIdx := topo.nodeIndex()
	masterIdx, ok := nodeIdx[master]
	if !ok {
		return nil, models.NewError("peersync.NewEngine", models.KindTopology,
			fmt.Errorf("master %q not in node list", master))
	}

	e := &Engine{
		topo:     topo,
		master:   masterIdx,
		periodNs: period.Seconds() * 1e9,
		log:      log,
		nodeIdx:  nodeIdx,
		edges:    topo.edgeIndices(),
		directed: make(map[[2]int]int, 2*len(topo.Edges)),
	}
	for j, edge := range e.edges {
		e.directed[[2]int{edge[0], edge[1]}] = j
		e.directed[[2]int{edge[1], edge[0]}] = j + len(e.edges)
	}

	if err := e.precompute(); err != nil {
		return nil, err
	}
	return e, nil
}

// NumEdges reports the undirected edge count E.
func (e *Engine) NumEdges() int { return len(e.edges) }

// NumLoops reports the independent loop count L = E − N + 1.
func (e *Engine) NumLoops() int { return len(e.loops) }

// DirectedIndex resolves a (client, server) name pair to its column index.
func (e *Engine) DirectedIndex(client, server string) (int, bool) {
	ci, ok := e.nodeIdx[client]
	if !ok {
		return 0, false
	}
	si, ok := e.nodeIdx[server]
	if !ok {
		return 0, false
	}
	idx, ok := e.directed[[2]int{ci, si}]
	return idx, ok
}

// UndirectedIndex reduces a directed column to its undirected edge index.
func (e *Engine) UndirectedIndex(col int) int {
	if col >= len(e.edges) {
		return col - len(e.edges)
	}
	return col
}

// spanningTree runs a DFS from node 0, returning parents and the set of
// tree edges (by undirected index). Unreached nodes mean the graph is
// disconnected.
func (e *Engine) spanningTree() (parent []int, treeEdge []bool, err error) {
	n := len(e.topo.Nodes)
	parent = make([]int, n)
	for i := range parent {
		parent[i] = -1
	}
	treeEdge = make([]bool, len(e.edges))
	visited := make([]bool, n)

	adj := make(map[int][][2]int, n) // node → (neighbor, undirected edge idx)
	for j, edge := range e.edges {
		adj[edge[0]] = append(adj[edge[0]], [2]int{edge[1], j})
		adj[edge[1]] = append(adj[edge[1]], [2]int{edge[0], j})
	}

	stack := []int{0}
	visited[0] = true
	reached := 1
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, nb := range adj[u] {
			v, j := nb[0], nb[1]
			if visited[v] {
				continue
			}
			visited[v] = true
			parent[v] = u
			treeEdge[j] = true
			reached++
			stack = append(stack, v)
		}
	}
	if reached != len(e.topo.Nodes) {
		return nil, nil, models.NewError("peersync.spanningTree", models.KindTopology,
			fmt.Errorf("sync graph is disconnected: reached %d of %d nodes", reached, len(e.topo.Nodes)))
	}
	return parent, treeEdge, nil
}

// treePath returns the node sequence from u to v walking only tree edges.
func treePath(parent []int, u, v int) []int {
	anc := map[int]bool{}
	for x := u; x != -1; x = parent[x] {
		anc[x] = true
	}
	var up []int
	lca := v
	for ; !anc[lca]; lca = parent[lca] {
		up = append(up, lca)
	}
	var down []int
	for x := u; x != lca; x = parent[x] {
		down = append(down, x)
	}
	path := append(down, lca)
	for i := len(up) - 1; i >= 0; i-- {
		path = append(path, up[i])
	}
	return path
}

// precompute builds the loop matrix from the fundamental cycles and the
// projection onto the loop-consistent subspace.
func (e *Engine) precompute() error {
	parent, treeEdge, err := e.spanningTree()
	if err != nil {
		return err
	}
	nEdges := len(e.edges)

	e.loops = nil
	for j, edge := range e.edges {
		if treeEdge[j] {
			continue
		}
		// Chord a→b closes the loop; walk back b→…→a through the tree.
		a, b := edge[0], edge[1]
		steps := []int{e.directed[[2]int{a, b}]}
		path := treePath(parent, b, a)
		for i := 0; i+1 < len(path); i++ {
			steps = append(steps, e.directed[[2]int{path[i], path[i+1]}])
		}
		e.loops = append(e.loops, steps)
	}

	nLoops := len(e.loops)
	if nLoops != nEdges-len(e.topo.Nodes)+1 {
		return models.NewError("peersync.precompute", models.KindTopology,
			fmt.Errorf("found %d loops, expected %d", nLoops, nEdges-len(e.topo.Nodes)+1))
	}
	if nLoops == 0 {
		e.m, e.proj = nil, nil
		return nil
	}

	// A step traversing edge j canonically contributes +1 in column j and
	// −1 in the reverse column j+E; a counter-canonical step flips both.
	// Keeping the two directions antisymmetric in every row makes the
	// projected forward and reverse offsets exact negations.
	m := mat.NewDense(nLoops, 2*nEdges, nil)
	for l, steps := range e.loops {
		for _, col := range steps {
			if col < nEdges {
				m.Set(l, col, 1)
				m.Set(l, col+nEdges, -1)
			} else {
				m.Set(l, col-nEdges, -1)
				m.Set(l, col, 1)
			}
		}
	}
	e.m = m

	var mmt mat.Dense
	mmt.Mul(m, m.T())
	var inv mat.Dense
	if err := inv.Inverse(&mmt); err != nil {
		// An ill-conditioned M Mᵀ still yields an inverse; an exactly
		// singular one is reported as an infinite Condition.
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return models.NewError("peersync.precompute", models.KindTopology, err)
		}
	}

	var mtInv, corr mat.Dense
	mtInv.Mul(m.T(), &inv)
	corr.Mul(&mtInv, m)

	dim := 2 * nEdges
	proj := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		proj.Set(i, i, 1)
	}
	proj.Sub(proj, &corr)
	e.proj = proj
	return nil
}

// Result is one reduction cycle's output.
type Result struct {
	Nodes map[string]NodeResult
	// FinalOffsets are the loop-consistent per-edge offsets, indexed like
	// the working vectors (forward columns first).
	FinalOffsets []float64
}

// Reduce runs one cycle over the filled working vectors (each of length
// 2E): preliminary times propagated from the master, preliminary per-edge
// offsets, projection onto the loop-free subspace, and final per-node
// times. The engine holds no state between cycles.
func (e *Engine) Reduce(alpha, beta, start []float64) (Result, error) {
	nEdges := len(e.edges)
	nNodes := len(e.topo.Nodes)
	if len(alpha) != 2*nEdges || len(beta) != 2*nEdges || len(start) != 2*nEdges {
		return Result{}, models.NewError("peersync.Reduce", models.KindInvalidArgument,
			fmt.Errorf("working vectors must have length %d", 2*nEdges))
	}

	from := func(col int) int {
		if col < nEdges {
			return e.edges[col][0]
		}
		return e.edges[col-nEdges][1]
	}
	to := func(col int) int {
		if col < nEdges {
			return e.edges[col][1]
		}
		return e.edges[col-nEdges][0]
	}

	// The master's preliminary time is the midpoint of its observation
	// interval; other nodes follow along any spanning path.
	prelim := make([]float64, nNodes)
	set := make([]bool, nNodes)
	masterStart := 0.0
	for col := 0; col < 2*nEdges; col++ {
		if from(col) == e.master {
			masterStart = start[col]
			break
		}
	}
	prelim[e.master] = masterStart + e.periodNs/2
	set[e.master] = true
	assigned := 1

	for assigned < nNodes {
		progressed := false
		for col := 0; col < 2*nEdges; col++ {
			u, v := from(col), to(col)
			if set[u] && !set[v] {
				prelim[v] = prelim[u]*(1+alpha[col]) + beta[col]
				set[v] = true
				assigned++
				progressed = true
			}
		}
		if !progressed {
			return Result{}, models.NewError("peersync.Reduce", models.KindTopology,
				fmt.Errorf("preliminary propagation stalled at %d of %d nodes", assigned, nNodes))
		}
	}

	// Preliminary per-edge offsets, anchored at the destination node's
	// time (the measurement instant).
	x0 := make([]float64, 2*nEdges)
	for col := 0; col < 2*nEdges; col++ {
		x0[col] = alpha[col]*prelim[to(col)] + beta[col]
	}

	final := x0
	if e.proj != nil {
		v := mat.NewVecDense(2*nEdges, x0)
		out := mat.NewVecDense(2*nEdges, nil)
		out.MulVec(e.proj, v)
		final = out.RawVector().Data
	}

	// Re-propagate from the master using the reconciled offsets.
	ft := make([]float64, nNodes)
	ftSet := make([]bool, nNodes)
	ft[e.master] = prelim[e.master]
	ftSet[e.master] = true
	assigned = 1
	for assigned < nNodes {
		progressed := false
		for col := 0; col < 2*nEdges; col++ {
			u, v := from(col), to(col)
			if ftSet[u] && !ftSet[v] {
				ft[v] = ft[u] + final[col]
				ftSet[v] = true
				assigned++
				progressed = true
			}
		}
		if !progressed {
			return Result{}, models.NewError("peersync.Reduce", models.KindTopology,
				fmt.Errorf("final propagation stalled at %d of %d nodes", assigned, nNodes))
		}
	}

	nodes := make(map[string]NodeResult, nNodes)
	for i, name := range e.topo.Nodes {
		nodes[name] = NodeResult{
			Offset:    (ft[i] - prelim[e.master]) / 1e9,
			FinalTime: ft[i] / 1e9,
		}
	}
	return Result{Nodes: nodes, FinalOffsets: final}, nil
}
