// Package models defines the entities shared across the Quartz QoT fabric:
// the coordinator's Timeline/Node/Server/TimelineServer rows, the node-local
// ClockSegment, and the peer-sync SyncEdge. These types cross package
// boundaries (statestore, coordstore, pubsub payloads, REST bodies) so they
// live in one place free of any one component's import cycle.
package models

import "strings"

// GlobalTimelinePrefix marks a timeline name as UTC-anchored rather than
// reference-free. A name beginning with this prefix is global.
const GlobalTimelinePrefix = "gl_"

// IsGlobalTimeline reports whether name denotes a global (UTC-anchored) timeline.
func IsGlobalTimeline(name string) bool {
	return strings.HasPrefix(name, GlobalTimelinePrefix)
}

// Default QoT demand applied to a newly created timeline with no members yet.
const (
	DefaultAccuracyNs   = int64(1_000_000_000)
	DefaultResolutionNs = int64(100)
)

// Timeline is the authoritative row for a named shared clock abstraction.
type Timeline struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	NumNodes     int    `json:"num_nodes"`
	AccuracyNs   int64  `json:"accuracy_ns"`
	ResolutionNs int64  `json:"resolution_ns"`
	Meta         string `json:"meta,omitempty"`
}

// Global reports whether this timeline is UTC-anchored.
func (t Timeline) Global() bool { return IsGlobalTimeline(t.Name) }

// Node is an application's per-node binding to a timeline. Nodes are
// ephemeral: created on first bind, destroyed on unbind or process teardown.
type Node struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	IP           string `json:"ip"`
	AccuracyNs   int64  `json:"accuracy_ns"`
	ResolutionNs int64  `json:"resolution_ns"`
	TimelineName string `json:"timeline_name"`
}

// ServerType distinguishes a global (UTC-traceable) time source from a
// purely local one.
type ServerType string

const (
	ServerGlobal ServerType = "global"
	ServerLocal  ServerType = "local"
)

// Server is a time-source registration independent of any timeline.
type Server struct {
	Name    string     `json:"name"`
	Stratum int        `json:"stratum"`
	Type    ServerType `json:"server_type"`
}

// TimelineServer binds a Server to one timeline.
type TimelineServer struct {
	Name         string     `json:"name"`
	Stratum      int        `json:"stratum"`
	Type         ServerType `json:"server_type"`
	TimelineName string     `json:"timeline_name"`
}

// ClockSegment describes the affine map from core time to timeline time
// valid from LastCoreNs onward, until superseded by a later segment.
type ClockSegment struct {
	LastCoreNs int64 `json:"last_core_ns"`
	MultPpb    int64 `json:"mult_ppb"`
	TlNsec     int64 `json:"tl_nsec"`
	UNsec      int64 `json:"u_nsec"`
	LNsec      int64 `json:"l_nsec"`
	UMultPpb   int64 `json:"u_mult_ppb"`
	LMultPpb   int64 `json:"l_mult_ppb"`
}

// SyncEdge is a directed pairwise offset/drift measurement used by the
// peer-sync graph engine. The forward model is:
//
//	server_time = client_time * (1 + Alpha) + Beta
type SyncEdge struct {
	Client  string  `json:"client"`
	Server  string  `json:"server"`
	StartNs float64 `json:"start_ns"`
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
}
