// Package peersync implements components H and I: the centralized reducer
// that reconciles pairwise (offset, drift) measurements over a sync graph
// into globally consistent per-node times, and the dispatcher that feeds it
// from the pub/sub bus and republishes the result.
package peersync

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/quartz-roseline/quartz/fabric/models"
)

// Pub/sub subjects for the peer-sync stream.
const (
	ParamsSubject  = "qot.peer.params"
	OffsetsSubject = "qot.peer.offsets"
)

// Topology describes the undirected sync graph: node names plus edges as
// node-name pairs. Edge order is load-bearing — it fixes the canonical
// column order of the loop matrix (forward edges first, then the
// synthesized reverse edges in the same order).
type Topology struct {
	Nodes []string    `json:"nodes"`
	Edges [][2]string `json:"edges"`
}

// LoadTopology reads a topology config file of the form
// {"nodes": [...], "edges": [[a,b], ...]}, where a and b are node names.
func LoadTopology(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, models.NewError("peersync.LoadTopology", models.KindConnection, err)
	}
	var topo Topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return Topology{}, models.NewError("peersync.LoadTopology", models.KindInvalidArgument, err)
	}
	if err := topo.validate(); err != nil {
		return Topology{}, err
	}
	return topo, nil
}

func (t Topology) validate() error {
	if len(t.Nodes) == 0 {
		return models.NewError("peersync.Topology", models.KindInvalidArgument,
			fmt.Errorf("no nodes"))
	}
	idx := t.nodeIndex()
	for _, e := range t.Edges {
		for _, name := range e {
			if _, ok := idx[name]; !ok {
				return models.NewError("peersync.Topology", models.KindInvalidArgument,
					fmt.Errorf("edge endpoint %q not in node list", name))
			}
		}
	}
	return nil
}

// nodeIndex maps node names to indices.
func (t Topology) nodeIndex() map[string]int {
	m := make(map[string]int, len(t.Nodes))
	for i, n := range t.Nodes {
		m[n] = i
	}
	return m
}

// edgeIndices resolves the name pairs to node-index pairs, in edge-list
// order. Callers validate first.
func (t Topology) edgeIndices() [][2]int {
	idx := t.nodeIndex()
	out := make([][2]int, len(t.Edges))
	for j, e := range t.Edges {
		out[j] = [2]int{idx[e[0]], idx[e[1]]}
	}
	return out
}

// NodeResult is the consolidated output for one node: its offset from the
// master and its final timeline time, both in fractional seconds.
type NodeResult struct {
	Offset    float64 `json:"offset"`
	FinalTime float64 `json:"final_time"`
}
