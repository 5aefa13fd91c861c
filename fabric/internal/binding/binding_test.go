package binding

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/quartz-roseline/quartz/fabric/models"
)

// fakeDaemon speaks the timeline-daemon protocol over a real UNIX socket,
// handing out an fd onto a file containing seg for SHM_CLOCK requests.
type fakeDaemon struct {
	socketPath string
	seg        models.ClockSegment

	mu       sync.Mutex
	requests []Message
}

func startFakeDaemon(t *testing.T, seg models.ClockSegment) *fakeDaemon {
	t.Helper()
	dir := t.TempDir()
	d := &fakeDaemon{socketPath: filepath.Join(dir, "qot.sock"), seg: seg}

	addr, err := net.ResolveUnixAddr("unix", d.socketPath)
	require.NoError(t, err)
	ln, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.AcceptUnix()
			if err != nil {
				return
			}
			go d.serve(t, conn)
		}
	}()
	return d
}

func (d *fakeDaemon) serve(t *testing.T, conn *net.UnixConn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	for {
		var req Message
		if err := dec.Decode(&req); err != nil {
			return
		}
		d.mu.Lock()
		d.requests = append(d.requests, req)
		d.mu.Unlock()

		resp := req
		resp.Retval = ReturnOK
		switch req.MsgType {
		case MsgCreate:
			resp.Info.Index = 3
		case MsgBind:
			resp.Binding.ID = 7
		case MsgShmClock:
			f, err := os.CreateTemp(t.TempDir(), "clk")
			if err != nil {
				return
			}
			if _, err := f.Write(encodeSegment(d.seg)); err != nil {
				return
			}
			rights := unix.UnixRights(int(f.Fd()))
			_, _, err = conn.WriteMsgUnix([]byte("ok"), rights, nil)
			_ = f.Close()
			if err != nil {
				return
			}
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func (d *fakeDaemon) requestTypes() []MsgType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MsgType, len(d.requests))
	for i, r := range d.requests {
		out[i] = r.MsgType
	}
	return out
}

func testSegment() models.ClockSegment {
	return models.ClockSegment{
		LastCoreNs: 1_000_000_000,
		MultPpb:    1000,
		TlNsec:     2_000_000_000,
		UNsec:      100,
		LNsec:      100,
		UMultPpb:   10,
		LMultPpb:   10,
	}
}

func TestBind_HandshakeReachesActive(t *testing.T) {
	ctx := context.Background()
	d := startFakeDaemon(t, testSegment())

	b := New(d.socketPath, nil)
	require.NoError(t, b.Bind(ctx, "t1", "app1", 1000, 100))
	defer func() { _ = b.Unbind(ctx) }()

	assert.Equal(t, Active, b.State())
	assert.Equal(t, 3, b.TimelineIndex())
	assert.Equal(t, 7, b.ID())
	assert.Equal(t, []MsgType{MsgCreate, MsgBind, MsgShmClock}, d.requestTypes())
}

func TestBind_ReadsSharedMemoryClock(t *testing.T) {
	ctx := context.Background()
	d := startFakeDaemon(t, testSegment())

	b := New(d.socketPath, nil)
	require.NoError(t, b.Bind(ctx, "t1", "app1", 1000, 100))
	defer func() { _ = b.Unbind(ctx) }()

	b.now = func() int64 { return 1_000_001_000 }
	est, err := b.GetTime()
	require.NoError(t, err)
	assert.InDelta(t, 2.000001001, est.Estimate, 2e-9)
	assert.InDelta(t, 100e-9, est.Above, 1e-12)
	assert.InDelta(t, 100e-9, est.Below, 1e-12)
}

func TestBind_DaemonAbsentIsConnectionError(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "nope.sock"), nil)
	err := b.Bind(context.Background(), "t1", "app1", 1000, 100)
	require.Error(t, err)
	assert.Equal(t, models.KindConnection, models.KindOf(err))
	assert.Equal(t, Unbound, b.State())
}

// A gl_ name selects the global timeline type in the bind handshake.
func TestBind_GlobalPrefixSetsType(t *testing.T) {
	ctx := context.Background()
	d := startFakeDaemon(t, testSegment())

	b := New(d.socketPath, nil)
	require.NoError(t, b.Bind(ctx, "gl_utc", "app1", 1000, 100))
	defer func() { _ = b.Unbind(ctx) }()

	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.requests)
	assert.Equal(t, TypeGlobal, d.requests[0].Info.Type)
}

func TestUnbind_ReturnsToUnbound(t *testing.T) {
	ctx := context.Background()
	d := startFakeDaemon(t, testSegment())

	b := New(d.socketPath, nil)
	require.NoError(t, b.Bind(ctx, "t1", "app1", 1000, 100))
	require.NoError(t, b.Unbind(ctx))
	assert.Equal(t, Unbound, b.State())

	_, err := b.GetTime()
	assert.Equal(t, models.KindTranslation, models.KindOf(err))
}

func TestUpdateAccuracy_SendsDemand(t *testing.T) {
	ctx := context.Background()
	d := startFakeDaemon(t, testSegment())

	b := New(d.socketPath, nil)
	require.NoError(t, b.Bind(ctx, "t1", "app1", 1000, 100))
	defer func() { _ = b.Unbind(ctx) }()

	require.NoError(t, b.UpdateAccuracy(2_500_000_000))

	d.mu.Lock()
	defer d.mu.Unlock()
	last := d.requests[len(d.requests)-1]
	assert.Equal(t, MsgUpdate, last.MsgType)
	assert.Equal(t, int64(2), last.Demand.Accuracy.Above.Sec)
	assert.Equal(t, int64(500_000_000)*1_000_000_000, last.Demand.Accuracy.Above.Asec)
}

func TestTimePoint_RoundTrip(t *testing.T) {
	for _, ns := range []int64{0, 1, 999_999_999, 1_000_000_000, 2_500_000_000, -1_500_000_000} {
		tp := TimePointFromNs(ns)
		assert.Equal(t, ns, tp.Ns(), "ns=%d", ns)
	}
}

func TestSegmentCodec(t *testing.T) {
	seg := testSegment()
	assert.Equal(t, seg, decodeSegment(encodeSegment(seg)))
}
