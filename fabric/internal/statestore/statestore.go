// Package statestore provides transactional CRUD over Timelines, Nodes,
// Servers, and TimelineServers. The real implementation embeds
// github.com/tidwall/buntdb, an ordered, in-process, transactional
// key/value store with prefix-scan iteration, giving every coordinator
// business operation a single committed transaction.
package statestore

import (
	"context"

	"github.com/quartz-roseline/quartz/fabric/models"
)

// Store is the capability contract the coordinator requires of the state
// layer. Every method here executes as one transaction.
type Store interface {
	// CreateTimeline inserts t if no timeline with t.Name exists. Returns
	// created=false when it already existed (idempotent no-op).
	CreateTimeline(ctx context.Context, t models.Timeline) (created bool, err error)
	GetTimeline(ctx context.Context, name string) (models.Timeline, error)
	// SetTimelineQoT unconditionally overwrites accuracy/resolution.
	SetTimelineQoT(ctx context.Context, name string, accuracyNs, resolutionNs int64) error
	SetTimelineMeta(ctx context.Context, name, meta string) error
	DeleteTimeline(ctx context.Context, name string) error
	// ListTimelines returns every timeline row, used on coordinator startup
	// and session-loss recovery to re-derive the full A mirror from C.
	ListTimelines(ctx context.Context) ([]models.Timeline, error)

	CountNodes(ctx context.Context, timeline, name string) (int, error)
	// InsertNode adds the node and increments the owning timeline's
	// NumNodes in the same transaction. created=false when the node already
	// existed.
	InsertNode(ctx context.Context, n models.Node) (created bool, err error)
	GetNode(ctx context.Context, timeline, name string) (models.Node, error)
	ListNodes(ctx context.Context, timeline string) ([]models.Node, error)
	SetNodeQoT(ctx context.Context, timeline, name string, accuracyNs, resolutionNs int64) error
	// DeleteNode removes the node, decrements NumNodes, and cascades to
	// delete the timeline itself when NumNodes reaches zero — all within
	// one transaction. It returns the nodes still remaining on the
	// timeline (empty if the timeline was deleted) so the caller can
	// recompute aggregate QoT without a second scan, and removed=false when
	// the node was already absent (idempotent no-op).
	DeleteNode(ctx context.Context, timeline, name string) (remaining []models.Node, timelineDeleted bool, removed bool, err error)

	InsertServer(ctx context.Context, s models.Server) (created bool, err error)
	GetServer(ctx context.Context, name string) (models.Server, error)
	ListServers(ctx context.Context) ([]models.Server, error)
	DeleteServer(ctx context.Context, name string) error

	InsertTimelineServer(ctx context.Context, ts models.TimelineServer) (created bool, err error)
	ListTimelineServers(ctx context.Context, timeline string) ([]models.TimelineServer, error)
	DeleteTimelineServer(ctx context.Context, timeline, name string) error

	Close() error
}
