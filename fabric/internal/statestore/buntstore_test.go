package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartz-roseline/quartz/fabric/models"
)

func newStore(t *testing.T) *BuntStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateTimeline(t *testing.T, s *BuntStore, name string) {
	t.Helper()
	created, err := s.CreateTimeline(context.Background(), models.Timeline{
		Name:         name,
		AccuracyNs:   models.DefaultAccuracyNs,
		ResolutionNs: models.DefaultResolutionNs,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestCreateTimeline_SecondInsertIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mustCreateTimeline(t, s, "t1")

	created, err := s.CreateTimeline(ctx, models.Timeline{Name: "t1", AccuracyNs: 5})
	require.NoError(t, err)
	assert.False(t, created)

	tl, err := s.GetTimeline(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultAccuracyNs, tl.AccuracyNs)
}

// NumNodes tracks the node rows through insert and delete.
func TestInsertDeleteNode_KeepsNumNodesConsistent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mustCreateTimeline(t, s, "t1")

	for _, name := range []string{"n1", "n2", "n3"} {
		created, err := s.InsertNode(ctx, models.Node{Name: name, TimelineName: "t1", AccuracyNs: 100, ResolutionNs: 10})
		require.NoError(t, err)
		require.True(t, created)
	}

	tl, err := s.GetTimeline(ctx, "t1")
	require.NoError(t, err)
	nodes, err := s.ListNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, len(nodes), tl.NumNodes)

	remaining, timelineDeleted, removed, err := s.DeleteNode(ctx, "t1", "n2")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, timelineDeleted)
	assert.Len(t, remaining, 2)

	tl, err = s.GetTimeline(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, tl.NumNodes)
}

func TestInsertNode_DuplicateDoesNotIncrement(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mustCreateTimeline(t, s, "t1")

	created, err := s.InsertNode(ctx, models.Node{Name: "n1", TimelineName: "t1"})
	require.NoError(t, err)
	require.True(t, created)
	created, err = s.InsertNode(ctx, models.Node{Name: "n1", TimelineName: "t1"})
	require.NoError(t, err)
	assert.False(t, created)

	tl, err := s.GetTimeline(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, tl.NumNodes)
}

func TestInsertNode_MissingTimelineFails(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.InsertNode(ctx, models.Node{Name: "n1", TimelineName: "absent"})
	require.Error(t, err)
}

// Draining the last node cascades to the timeline row in the same
// transaction.
func TestDeleteNode_LastNodeCascadesToTimeline(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mustCreateTimeline(t, s, "t1")
	_, err := s.InsertNode(ctx, models.Node{Name: "n1", TimelineName: "t1"})
	require.NoError(t, err)

	remaining, timelineDeleted, removed, err := s.DeleteNode(ctx, "t1", "n1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, timelineDeleted)
	assert.Empty(t, remaining)

	_, err = s.GetTimeline(ctx, "t1")
	assert.True(t, models.IsNotFound(err))
}

// Deleting an absent node changes nothing.
func TestDeleteNode_AbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mustCreateTimeline(t, s, "t1")
	_, err := s.InsertNode(ctx, models.Node{Name: "n1", TimelineName: "t1"})
	require.NoError(t, err)

	remaining, timelineDeleted, removed, err := s.DeleteNode(ctx, "t1", "ghost")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.False(t, timelineDeleted)
	assert.Len(t, remaining, 1)

	tl, err := s.GetTimeline(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, tl.NumNodes)
}

func TestSetNodeQoT_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mustCreateTimeline(t, s, "t1")
	_, err := s.InsertNode(ctx, models.Node{Name: "n1", TimelineName: "t1", AccuracyNs: 1000, ResolutionNs: 100})
	require.NoError(t, err)

	require.NoError(t, s.SetNodeQoT(ctx, "t1", "n1", 500, 50))
	n, err := s.GetNode(ctx, "t1", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), n.AccuracyNs)
	assert.Equal(t, int64(50), n.ResolutionNs)
}

func TestServers_InsertIdempotentAndList(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.InsertServer(ctx, models.Server{Name: "ntp1", Stratum: 1, Type: models.ServerGlobal})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.InsertServer(ctx, models.Server{Name: "ntp1", Stratum: 9, Type: models.ServerLocal})
	require.NoError(t, err)
	assert.False(t, created)

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, 1, servers[0].Stratum)
}

func TestTimelineServers_ScopedByTimeline(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mustCreateTimeline(t, s, "t1")
	mustCreateTimeline(t, s, "t2")

	_, err := s.InsertTimelineServer(ctx, models.TimelineServer{Name: "ptp1", TimelineName: "t1"})
	require.NoError(t, err)
	_, err = s.InsertTimelineServer(ctx, models.TimelineServer{Name: "ptp2", TimelineName: "t2"})
	require.NoError(t, err)

	got, err := s.ListTimelineServers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ptp1", got[0].Name)

	require.NoError(t, s.DeleteTimelineServer(ctx, "t1", "ptp1"))
	got, err = s.ListTimelineServers(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
