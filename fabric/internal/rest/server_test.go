package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartz-roseline/quartz/fabric/internal/coordinator"
	"github.com/quartz-roseline/quartz/fabric/internal/coordstore"
	"github.com/quartz-roseline/quartz/fabric/internal/pubsub"
	"github.com/quartz-roseline/quartz/fabric/internal/statestore"
	"github.com/quartz-roseline/quartz/fabric/models"
)

func newTestServer(t *testing.T) (*Server, *coordstore.Memory) {
	t.Helper()
	state, err := statestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })

	coord := coordstore.NewMemory()
	bus := pubsub.NewMemBus()
	c := coordinator.New(state, coord, bus, nil, nil, "test-group", "replica-1", nil)
	return New(c, nil), coord
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

// A single node joining over HTTP sets the timeline QoT.
func TestScenario_SingleNodeBind(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/service/timelines/", map[string]string{"name": "t1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = do(t, s, http.MethodPost, "/api/service/timelines/t1/nodes", map[string]interface{}{
		"name": "n1", "ip": "10.0.0.1", "accuracy_ns": 1000, "resolution_ns": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodGet, "/api/service/timelines/t1/qot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var qot struct {
		AccuracyNs   int64 `json:"accuracy_ns"`
		ResolutionNs int64 `json:"resolution_ns"`
	}
	decodeBody(t, w, &qot)
	assert.Equal(t, int64(1000), qot.AccuracyNs)
	assert.Equal(t, int64(100), qot.ResolutionNs)

	w = do(t, s, http.MethodGet, "/api/service/timelines/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tl models.Timeline
	decodeBody(t, w, &tl)
	assert.Equal(t, 1, tl.NumNodes)
}

// Joins tighten the aggregate; leaves relax it.
func TestScenario_TightenThenRelax(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodPost, "/api/service/timelines/", map[string]string{"name": "t1"})
	do(t, s, http.MethodPost, "/api/service/timelines/t1/nodes", map[string]interface{}{
		"name": "n1", "accuracy_ns": 1000, "resolution_ns": 100,
	})
	do(t, s, http.MethodPost, "/api/service/timelines/t1/nodes", map[string]interface{}{
		"name": "n2", "accuracy_ns": 500, "resolution_ns": 50,
	})

	var qot struct {
		AccuracyNs   int64 `json:"accuracy_ns"`
		ResolutionNs int64 `json:"resolution_ns"`
	}
	w := do(t, s, http.MethodGet, "/api/service/timelines/t1/qot", nil)
	decodeBody(t, w, &qot)
	assert.Equal(t, int64(500), qot.AccuracyNs)
	assert.Equal(t, int64(50), qot.ResolutionNs)

	w = do(t, s, http.MethodDelete, "/api/service/timelines/t1/nodes/n2", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/api/service/timelines/t1/qot", nil)
	decodeBody(t, w, &qot)
	assert.Equal(t, int64(1000), qot.AccuracyNs)
	assert.Equal(t, int64(100), qot.ResolutionNs)
}

// Deleting the last node drains the timeline.
func TestScenario_FullDrain(t *testing.T) {
	s, coord := newTestServer(t)

	do(t, s, http.MethodPost, "/api/service/timelines/", map[string]string{"name": "t1"})
	do(t, s, http.MethodPost, "/api/service/timelines/t1/nodes", map[string]interface{}{
		"name": "n1", "accuracy_ns": 1000, "resolution_ns": 100,
	})

	w := do(t, s, http.MethodDelete, "/api/service/timelines/t1/nodes/n1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/api/service/timelines/t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := coord.Get(context.Background(), "/timelines/t1")
	assert.True(t, models.IsNotFound(err))
}

func TestTimelines_MissingIs404(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{
		"/api/service/timelines/absent",
		"/api/service/timelines/absent/qot",
		"/api/service/timelines/absent/nodes",
		"/api/service/servers/absent",
	} {
		w := do(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestCreateNode_MissingTimelineIs404(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/service/timelines/absent/nodes", map[string]interface{}{
		"name": "n1", "accuracy_ns": 1000, "resolution_ns": 100,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTimeline_EmptyBodyIs400(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/service/timelines/", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateTimelineQoT_TightensOnly(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodPost, "/api/service/timelines/", map[string]string{"name": "t1"})

	w := do(t, s, http.MethodPut, "/api/service/timelines/t1",
		map[string]int64{"accuracy_ns": 5000, "resolution_ns": 10})
	require.Equal(t, http.StatusNoContent, w.Code)

	var tl models.Timeline
	w = do(t, s, http.MethodGet, "/api/service/timelines/t1", nil)
	decodeBody(t, w, &tl)
	assert.Equal(t, int64(5000), tl.AccuracyNs)
	assert.Equal(t, int64(10), tl.ResolutionNs)
}

func TestServers_RegisterListDelete(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/service/servers/", map[string]interface{}{
		"name": "ntp1", "stratum": 1, "server_type": "global",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodGet, "/api/service/servers/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var servers []models.Server
	decodeBody(t, w, &servers)
	require.Len(t, servers, 1)
	assert.Equal(t, models.ServerGlobal, servers[0].Type)

	w = do(t, s, http.MethodDelete, "/api/service/servers/ntp1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/api/service/servers/ntp1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTimelineServers_Tree(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodPost, "/api/service/timelines/", map[string]string{"name": "t1"})

	w := do(t, s, http.MethodPost, "/api/service/timelines/t1/servers", map[string]interface{}{
		"name": "ptp1", "stratum": 2, "server_type": "local",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodGet, "/api/service/timelines/t1/servers/ptp1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ts models.TimelineServer
	decodeBody(t, w, &ts)
	assert.Equal(t, "t1", ts.TimelineName)

	w = do(t, s, http.MethodDelete, "/api/service/timelines/t1/servers/ptp1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, fmt.Sprintf("/api/service/timelines/%s/servers/%s", "t1", "ptp1"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
