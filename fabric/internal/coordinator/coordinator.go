// Package coordinator implements the control-plane business logic: it
// admits nodes onto timelines against the transactional state store,
// mirrors the result into the coordination store, and emits membership
// deltas onto the pub/sub bus for node-local agents to consume.
//
// The business operations (the mutating methods, plus GetTimeline and
// GetRemoteTimelineServer) open a tracing span; the plain List/Get
// accessors do not. Timeline creation, node join and leave, and timeline
// drain also update Prometheus counters. Mutations order their effects
// state-store-first — commits strictly precede the
// coordination-store mirror and the pub/sub emit, and a failure mirroring
// into the coordination store is logged and not rolled back.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/quartz-roseline/quartz/fabric/internal/coordstore"
	"github.com/quartz-roseline/quartz/fabric/internal/pubsub"
	"github.com/quartz-roseline/quartz/fabric/internal/statestore"
	"github.com/quartz-roseline/quartz/fabric/models"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
	"github.com/quartz-roseline/quartz/fabric/telemetry/metrics"
	"github.com/quartz-roseline/quartz/fabric/telemetry/tracing"
)

// Pub/sub subjects carrying per-timeline membership snapshots.
func localTopic(timeline string) string    { return fmt.Sprintf("coordination.timelines.%s.local", timeline) }
func globalTopic(timeline string) string   { return fmt.Sprintf("coordination.timelines.%s.global", timeline) }
func serversTopic(timeline string) string  { return fmt.Sprintf("coordination.timelines.%s.servers", timeline) }

// Coordination-store paths owned by the coordinator.
func timelinePath(name string) string              { return "/timelines/" + name }
func timelineNodesPath(name string) string          { return "/timelines/" + name + "/nodes" }
func timelineNodePath(timeline, coordID string) string {
	return "/timelines/" + timeline + "/nodes/" + coordID
}
func timelineServersPath(name string) string { return "/timelines/" + name + "/servers" }
func timelineServerPath(timeline, server string) string {
	return "/timelines/" + timeline + "/servers/" + server
}
func serverPath(name string) string { return "/servers/" + name }
func coordinatorGroupPath(group string) string { return "/coordinators/" + group }

// membershipEntry is the JSON payload mirrored under a node or server
// ephemeral entry, and published in snapshot form onto the bus.
type membershipEntry struct {
	Name         string `json:"name"`
	IP           string `json:"ip,omitempty"`
	AccuracyNs   int64  `json:"accuracy_ns,omitempty"`
	ResolutionNs int64  `json:"resolution_ns,omitempty"`
	Stratum      int    `json:"stratum,omitempty"`
	ServerType   string `json:"server_type,omitempty"`
	Event        string `json:"event"` // "join", "update", "leave"
}

// Metrics names, keyed under the "coordinator" subsystem.
var (
	counterOpts = func(name, help string) metrics.CounterOpts {
		return metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "quartz", Subsystem: "coordinator", Name: name, Help: help,
		}}
	}
)

// Coordinator holds no lock of its own across the two stores:
// consistency is established by mirroring into the coordination store
// only after the state store has committed.
type Coordinator struct {
	state  statestore.Store
	coord  coordstore.Store
	bus    pubsub.Bus
	log    logging.Logger
	metr   metrics.Provider
	group  string
	identity string

	createTimelineTotal metrics.Counter
	nodeJoinTotal       metrics.Counter
	nodeLeaveTotal      metrics.Counter
	timelineDeletedTotal metrics.Counter

	isLeader func() bool
}

// New constructs a Coordinator. identity is the replica's election identity
// (typically a UUID); group is the coordinators election group name used
// to build /coordinators/{group}. isLeader, if non-nil, is consulted
// before any coordination-store mutation — passing nil treats every call
// as leader-eligible (suitable for single-replica demos and most tests).
func New(state statestore.Store, coord coordstore.Store, bus pubsub.Bus, log logging.Logger, metr metrics.Provider, group, identity string, isLeader func() bool) *Coordinator {
	if metr == nil {
		metr = metrics.Noop{}
	}
	if log == nil {
		log = logging.New(nil)
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Coordinator{
		state:    state,
		coord:    coord,
		bus:      bus,
		log:      log,
		metr:     metr,
		group:    group,
		identity: identity,
		isLeader: isLeader,

		createTimelineTotal:  metr.NewCounter(counterOpts("create_timeline_total", "timelines created")),
		nodeJoinTotal:        metr.NewCounter(counterOpts("node_join_total", "nodes joined a timeline")),
		nodeLeaveTotal:       metr.NewCounter(counterOpts("node_leave_total", "nodes left a timeline")),
		timelineDeletedTotal: metr.NewCounter(counterOpts("timeline_deleted_total", "timelines deleted on drain")),
	}
}

// ElectLeader blocks until this replica wins leadership of its coordinators
// group. Callers typically run this in a goroutine at startup and flip an
// atomic leader flag on return, which then feeds isLeader above.
func (c *Coordinator) ElectLeader(ctx context.Context) error {
	return c.coord.Elect(ctx, coordinatorGroupPath(c.group), c.identity)
}

// mirror writes to the coordination store if this replica is the leader,
// logging and swallowing any failure: the mirror is best-effort and its
// failure never rolls back a state-store commit already made.
func (c *Coordinator) mirror(ctx context.Context, op string, fn func() error) {
	if !c.isLeader() {
		return
	}
	if err := fn(); err != nil {
		c.log.WarnCtx(ctx, "coordination store mirror failed", zap.String("op", op), zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, op, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.WarnCtx(ctx, "snapshot marshal failed", zap.String("op", op), zap.Error(err))
		return
	}
	if err := c.bus.Publish(ctx, subject, data); err != nil {
		c.log.WarnCtx(ctx, "pub/sub emit failed", zap.String("op", op), zap.Error(err))
	}
}

// CreateTimeline inserts a timeline with the default QoT demand if name
// is absent, and idempotently no-ops otherwise. Mirrors the defaults
// into the coordination store under /timelines/{name} on first creation.
func (c *Coordinator) CreateTimeline(ctx context.Context, name string) (models.Timeline, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.CreateTimeline")
	defer span.End()

	t := models.Timeline{
		Name:         name,
		AccuracyNs:   models.DefaultAccuracyNs,
		ResolutionNs: models.DefaultResolutionNs,
	}
	created, err := c.state.CreateTimeline(ctx, t)
	if err != nil {
		return models.Timeline{}, err
	}
	if created {
		c.createTimelineTotal.Inc(1)
		c.mirror(ctx, "CreateTimeline", func() error {
			if err := c.coord.EnsurePath(ctx, timelineNodesPath(name)); err != nil {
				return err
			}
			data, _ := json.Marshal(t)
			return c.coord.Set(ctx, timelinePath(name), data)
		})
		if err := c.WatchTimelineGlobal(ctx, name); err != nil {
			c.log.WarnCtx(ctx, "cross-cluster membership watch not armed",
				zap.String("timeline", name), zap.Error(err))
		}
		c.log.InfoCtx(ctx, "timeline created", zap.String("timeline", name))
	}
	return c.state.GetTimeline(ctx, name)
}

// WatchTimelineGlobal arms a children watch on the timeline's node set in
// the coordination store and republishes each snapshot onto the
// cross-cluster topic, so agents outside this cluster track membership
// without a coordination-store session of their own.
func (c *Coordinator) WatchTimelineGlobal(ctx context.Context, timeline string) error {
	return c.coord.WatchChildren(ctx, timelineNodesPath(timeline), func(children []string) {
		nodes := append([]string(nil), children...)
		sort.Strings(nodes)
		c.publish(ctx, "WatchTimelineGlobal", globalTopic(timeline), map[string]interface{}{
			"timeline": timeline,
			"nodes":    nodes,
		})
	})
}

// ListTimelines returns every timeline row.
func (c *Coordinator) ListTimelines(ctx context.Context) ([]models.Timeline, error) {
	return c.state.ListTimelines(ctx)
}

// ListServers returns every registered time source.
func (c *Coordinator) ListServers(ctx context.Context) ([]models.Server, error) {
	return c.state.ListServers(ctx)
}

// GetTimeline returns the current row, or a NotFound error.
func (c *Coordinator) GetTimeline(ctx context.Context, name string) (models.Timeline, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.GetTimeline")
	defer span.End()
	return c.state.GetTimeline(ctx, name)
}

// DeleteTimeline removes a timeline outright. Explicit delete only; the
// caller is responsible for any remaining node rows.
func (c *Coordinator) DeleteTimeline(ctx context.Context, name string) error {
	ctx, span := tracing.StartSpan(ctx, "coordinator.DeleteTimeline")
	defer span.End()
	if err := c.state.DeleteTimeline(ctx, name); err != nil {
		return err
	}
	c.mirror(ctx, "DeleteTimeline", func() error {
		return c.coord.Delete(ctx, timelinePath(name), true)
	})
	c.log.InfoCtx(ctx, "timeline deleted", zap.String("timeline", name))
	return nil
}

// CreateNode binds an application's node to timeline with the given QoT
// demand. Requires timeline to already exist. On first bind
// it inserts the node, increments NumNodes, publishes a join snapshot, and
// tightens the timeline's aggregate QoT.
func (c *Coordinator) CreateNode(ctx context.Context, timeline, name, ip string, accuracyNs, resolutionNs int64) (models.Node, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.CreateNode")
	defer span.End()

	if _, err := c.state.GetTimeline(ctx, timeline); err != nil {
		return models.Node{}, err
	}

	n := models.Node{Name: name, IP: ip, AccuracyNs: accuracyNs, ResolutionNs: resolutionNs, TimelineName: timeline}
	created, err := c.state.InsertNode(ctx, n)
	if err != nil {
		return models.Node{}, err
	}
	if created {
		c.nodeJoinTotal.Inc(1)
		c.mirror(ctx, "CreateNode", func() error {
			if err := c.coord.EnsurePath(ctx, timelineNodesPath(timeline)); err != nil {
				return err
			}
			data, _ := json.Marshal(n)
			return c.coord.Create(ctx, timelineNodePath(timeline, name), data, true)
		})
		c.publish(ctx, "CreateNode", localTopic(timeline), membershipEntry{
			Name: name, IP: ip, AccuracyNs: accuracyNs, ResolutionNs: resolutionNs, Event: "join",
		})
		c.log.InfoCtx(ctx, "node joined timeline", zap.String("timeline", timeline), zap.String("node", name))
		if _, err := c.tightenTimelineQoT(ctx, timeline, accuracyNs, resolutionNs); err != nil {
			return n, err
		}
	}
	return c.state.GetNode(ctx, timeline, name)
}

// ListNodes returns every node bound to timeline.
func (c *Coordinator) ListNodes(ctx context.Context, timeline string) ([]models.Node, error) {
	return c.state.ListNodes(ctx, timeline)
}

// GetNode returns one node's row, or NotFound.
func (c *Coordinator) GetNode(ctx context.Context, timeline, name string) (models.Node, error) {
	return c.state.GetNode(ctx, timeline, name)
}

// tightenTimelineQoT implements the "tightens only" rule: accuracy/resolution
// move down to min(current, proposed) when proposed > 0, never up.
func (c *Coordinator) tightenTimelineQoT(ctx context.Context, timeline string, accuracyNs, resolutionNs int64) (models.Timeline, error) {
	t, err := c.state.GetTimeline(ctx, timeline)
	if err != nil {
		return models.Timeline{}, err
	}
	acc, res := t.AccuracyNs, t.ResolutionNs
	if accuracyNs > 0 && (acc == 0 || accuracyNs < acc) {
		acc = accuracyNs
	}
	if resolutionNs > 0 && (res == 0 || resolutionNs < res) {
		res = resolutionNs
	}
	if acc == t.AccuracyNs && res == t.ResolutionNs {
		return t, nil
	}
	if err := c.state.SetTimelineQoT(ctx, timeline, acc, res); err != nil {
		return models.Timeline{}, err
	}
	t.AccuracyNs, t.ResolutionNs = acc, res
	c.mirror(ctx, "tightenTimelineQoT", func() error {
		data, _ := json.Marshal(t)
		return c.coord.Set(ctx, timelinePath(timeline), data)
	})
	return t, nil
}

// UpdateTimelineQoT tightens a timeline's aggregate QoT directly:
// accuracy and resolution each move to min(current, proposed) only when
// proposed > 0, so a zero leaves the current value unchanged.
func (c *Coordinator) UpdateTimelineQoT(ctx context.Context, timeline string, accuracyNs, resolutionNs int64) (models.Timeline, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.UpdateTimelineQoT")
	defer span.End()
	return c.tightenTimelineQoT(ctx, timeline, accuracyNs, resolutionNs)
}

// UpdateNodeQoT updates one node's demand, then tightens the owning
// timeline's aggregate, and emits an update snapshot.
func (c *Coordinator) UpdateNodeQoT(ctx context.Context, timeline, node string, accuracyNs, resolutionNs int64) (models.Node, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.UpdateNodeQoT")
	defer span.End()

	if err := c.state.SetNodeQoT(ctx, timeline, node, accuracyNs, resolutionNs); err != nil {
		return models.Node{}, err
	}
	if _, err := c.tightenTimelineQoT(ctx, timeline, accuracyNs, resolutionNs); err != nil {
		return models.Node{}, err
	}
	n, err := c.state.GetNode(ctx, timeline, node)
	if err != nil {
		return models.Node{}, err
	}
	c.mirror(ctx, "UpdateNodeQoT", func() error {
		data, _ := json.Marshal(n)
		return c.coord.Set(ctx, timelineNodePath(timeline, node), data)
	})
	c.publish(ctx, "UpdateNodeQoT", localTopic(timeline), membershipEntry{
		Name: node, AccuracyNs: accuracyNs, ResolutionNs: resolutionNs, Event: "update",
	})
	c.log.InfoCtx(ctx, "node QoT updated", zap.String("timeline", timeline), zap.String("node", node))
	return n, nil
}

// DeleteNode removes node from timeline. If NumNodes reaches zero, the
// timeline itself (and its coordination-store subtree) is deleted;
// otherwise the timeline's aggregate QoT is recomputed as the minimum
// over the remaining nodes, a relax, unlike the tighten-only join path.
// Deleting an already-absent node is a no-op.
func (c *Coordinator) DeleteNode(ctx context.Context, timeline, node string) error {
	ctx, span := tracing.StartSpan(ctx, "coordinator.DeleteNode")
	defer span.End()

	remaining, timelineDeleted, removed, err := c.state.DeleteNode(ctx, timeline, node)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	c.nodeLeaveTotal.Inc(1)
	c.mirror(ctx, "DeleteNode", func() error {
		return c.coord.Delete(ctx, timelineNodePath(timeline, node), false)
	})
	c.publish(ctx, "DeleteNode", localTopic(timeline), membershipEntry{Name: node, Event: "leave"})

	if timelineDeleted {
		c.timelineDeletedTotal.Inc(1)
		c.mirror(ctx, "DeleteNode.timeline", func() error {
			return c.coord.Delete(ctx, timelinePath(timeline), true)
		})
		c.log.InfoCtx(ctx, "timeline drained and deleted", zap.String("timeline", timeline), zap.String("node", node))
		return nil
	}

	acc, res := minQoT(remaining)
	if err := c.state.SetTimelineQoT(ctx, timeline, acc, res); err != nil {
		return err
	}
	t, err := c.state.GetTimeline(ctx, timeline)
	if err != nil {
		return err
	}
	c.mirror(ctx, "DeleteNode.relax", func() error {
		data, _ := json.Marshal(t)
		return c.coord.Set(ctx, timelinePath(timeline), data)
	})
	c.log.InfoCtx(ctx, "node left timeline", zap.String("timeline", timeline), zap.String("node", node))
	return nil
}

// minQoT computes the aggregation rule: the minimum (tightest)
// accuracy/resolution over a node set, with the creation defaults for an
// empty set.
func minQoT(nodes []models.Node) (accuracyNs, resolutionNs int64) {
	if len(nodes) == 0 {
		return models.DefaultAccuracyNs, models.DefaultResolutionNs
	}
	accuracyNs, resolutionNs = nodes[0].AccuracyNs, nodes[0].ResolutionNs
	for _, n := range nodes[1:] {
		if n.AccuracyNs < accuracyNs {
			accuracyNs = n.AccuracyNs
		}
		if n.ResolutionNs < resolutionNs {
			resolutionNs = n.ResolutionNs
		}
	}
	return accuracyNs, resolutionNs
}

// RegisterServer inserts a time-source registration, idempotent on name.
// A global server is additionally mirrored as an ephemeral entry under
// /servers/{name}.
func (c *Coordinator) RegisterServer(ctx context.Context, name string, stratum int, serverType models.ServerType) (models.Server, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.RegisterServer")
	defer span.End()

	srv := models.Server{Name: name, Stratum: stratum, Type: serverType}
	created, err := c.state.InsertServer(ctx, srv)
	if err != nil {
		return models.Server{}, err
	}
	if created && serverType == models.ServerGlobal {
		c.mirror(ctx, "RegisterServer", func() error {
			data, _ := json.Marshal(srv)
			return c.coord.Create(ctx, serverPath(name), data, true)
		})
	}
	if created {
		c.log.InfoCtx(ctx, "server registered", zap.String("server", name), zap.Int("stratum", stratum))
	}
	return c.state.GetServer(ctx, name)
}

// GetServer returns one server registration of either type, or NotFound.
func (c *Coordinator) GetServer(ctx context.Context, name string) (models.Server, error) {
	return c.state.GetServer(ctx, name)
}

// DeleteServer removes a server registration and its mirror entry.
func (c *Coordinator) DeleteServer(ctx context.Context, name string) error {
	ctx, span := tracing.StartSpan(ctx, "coordinator.DeleteServer")
	defer span.End()
	if err := c.state.DeleteServer(ctx, name); err != nil {
		return err
	}
	c.mirror(ctx, "DeleteServer", func() error {
		return c.coord.Delete(ctx, serverPath(name), false)
	})
	return nil
}

// RegisterTimelineServer binds a server to a timeline, idempotent on
// (timeline, name).
func (c *Coordinator) RegisterTimelineServer(ctx context.Context, timeline, name string, stratum int, serverType models.ServerType) (models.TimelineServer, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.RegisterTimelineServer")
	defer span.End()

	if _, err := c.state.GetTimeline(ctx, timeline); err != nil {
		return models.TimelineServer{}, err
	}
	ts := models.TimelineServer{Name: name, Stratum: stratum, Type: serverType, TimelineName: timeline}
	created, err := c.state.InsertTimelineServer(ctx, ts)
	if err != nil {
		return models.TimelineServer{}, err
	}
	if created {
		c.mirror(ctx, "RegisterTimelineServer", func() error {
			if err := c.coord.EnsurePath(ctx, timelineServersPath(timeline)); err != nil {
				return err
			}
			data, _ := json.Marshal(ts)
			return c.coord.Create(ctx, timelineServerPath(timeline, name), data, true)
		})
		c.publish(ctx, "RegisterTimelineServer", serversTopic(timeline), membershipEntry{
			Name: name, Stratum: stratum, ServerType: string(serverType), Event: "join",
		})
		c.log.InfoCtx(ctx, "timeline server registered", zap.String("timeline", timeline), zap.String("server", name))
	}
	return ts, nil
}

// ListTimelineServers returns every server bound to timeline.
func (c *Coordinator) ListTimelineServers(ctx context.Context, timeline string) ([]models.TimelineServer, error) {
	return c.state.ListTimelineServers(ctx, timeline)
}

// DeleteTimelineServer unbinds a server from a timeline.
func (c *Coordinator) DeleteTimelineServer(ctx context.Context, timeline, name string) error {
	ctx, span := tracing.StartSpan(ctx, "coordinator.DeleteTimelineServer")
	defer span.End()
	if err := c.state.DeleteTimelineServer(ctx, timeline, name); err != nil {
		return err
	}
	c.mirror(ctx, "DeleteTimelineServer", func() error {
		return c.coord.Delete(ctx, timelineServerPath(timeline, name), false)
	})
	c.publish(ctx, "DeleteTimelineServer", serversTopic(timeline), membershipEntry{Name: name, Event: "leave"})
	return nil
}

// GetRemoteTimelineServer returns the first server observed under
// /timelines/{name}/servers, iterating in lexicographic name order so
// every replica answers identically.
func (c *Coordinator) GetRemoteTimelineServer(ctx context.Context, timeline string) (models.TimelineServer, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.GetRemoteTimelineServer")
	defer span.End()

	children, err := c.childrenSorted(ctx, timelineServersPath(timeline))
	if err != nil {
		return models.TimelineServer{}, err
	}
	if len(children) == 0 {
		return models.TimelineServer{}, models.NewError("coordinator.GetRemoteTimelineServer", models.KindNotFound, nil)
	}
	data, err := c.coord.Get(ctx, timelineServerPath(timeline, children[0]))
	if err != nil {
		return models.TimelineServer{}, err
	}
	var ts models.TimelineServer
	if err := json.Unmarshal(data, &ts); err != nil {
		return models.TimelineServer{}, models.NewError("coordinator.GetRemoteTimelineServer", models.KindInvalidArgument, err)
	}
	return ts, nil
}

// childrenSorted snapshots the current direct children of path in
// lexicographic order via a one-shot WatchChildren call.
func (c *Coordinator) childrenSorted(ctx context.Context, path string) ([]string, error) {
	var children []string
	done := make(chan struct{})
	err := c.coord.WatchChildren(ctx, path, func(cs []string) {
		select {
		case <-done:
			return // ignore re-fires after the first snapshot
		default:
		}
		children = append([]string(nil), cs...)
		close(done)
	})
	if err != nil {
		return nil, err
	}
	<-done
	sort.Strings(children)
	return children, nil
}

// Resync re-registers every ephemeral entry this coordinator owns from
// the authoritative state store, following a session-loss recovery. It
// walks every Timeline/Node/Server/TimelineServer row and recreates the
// matching coordination-store subtree, so a replica that loses its
// session resumes serving a fully mirrored view without applications
// having to retry their binds.
func (c *Coordinator) Resync(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "coordinator.Resync")
	defer span.End()
	c.log.InfoCtx(ctx, "resyncing coordination store after session loss")

	if err := c.coord.EnsurePath(ctx, coordinatorGroupPath(c.group)); err != nil {
		return err
	}

	timelines, err := c.state.ListTimelines(ctx)
	if err != nil {
		return err
	}
	for _, t := range timelines {
		c.mirror(ctx, "Resync.timeline", func() error {
			if err := c.coord.EnsurePath(ctx, timelinePath(t.Name)); err != nil {
				return err
			}
			data, _ := json.Marshal(t)
			return c.coord.Set(ctx, timelinePath(t.Name), data)
		})

		nodes, err := c.state.ListNodes(ctx, t.Name)
		if err != nil {
			c.log.WarnCtx(ctx, "resync: listing nodes failed", zap.String("timeline", t.Name), zap.Error(err))
			continue
		}
		c.mirror(ctx, "Resync.nodes", func() error {
			return c.coord.EnsurePath(ctx, timelineNodesPath(t.Name))
		})
		for _, n := range nodes {
			c.mirror(ctx, "Resync.node", func() error {
				data, _ := json.Marshal(n)
				return c.coord.Create(ctx, timelineNodePath(t.Name, n.Name), data, true)
			})
		}

		tservers, err := c.state.ListTimelineServers(ctx, t.Name)
		if err != nil {
			c.log.WarnCtx(ctx, "resync: listing timeline servers failed", zap.String("timeline", t.Name), zap.Error(err))
			continue
		}
		c.mirror(ctx, "Resync.timelineServers", func() error {
			return c.coord.EnsurePath(ctx, timelineServersPath(t.Name))
		})
		for _, ts := range tservers {
			c.mirror(ctx, "Resync.timelineServer", func() error {
				data, _ := json.Marshal(ts)
				return c.coord.Create(ctx, timelineServerPath(t.Name, ts.Name), data, true)
			})
		}
	}

	servers, err := c.state.ListServers(ctx)
	if err != nil {
		return err
	}
	for _, srv := range servers {
		if srv.Type != models.ServerGlobal {
			continue
		}
		c.mirror(ctx, "Resync.server", func() error {
			data, _ := json.Marshal(srv)
			return c.coord.Create(ctx, serverPath(srv.Name), data, true)
		})
	}
	return nil
}
