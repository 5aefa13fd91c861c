package binding

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/quartz-roseline/quartz/fabric/internal/translate"
	"github.com/quartz-roseline/quartz/fabric/models"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
)

// DefaultSocketPath is where the node-local timeline daemon listens.
const DefaultSocketPath = "/tmp/qot_timeline"

// defaultTimeout bounds every socket read; a timed-out read surfaces a
// connection error rather than hanging the binding.
const defaultTimeout = 5 * time.Second

// State is the binding lifecycle position. A failure at any step returns
// the binding to Unbound with the socket closed.
type State int

const (
	Unbound State = iota
	Connecting
	Creating
	BindingTimeline
	ShmMapped
	Active
	Unbinding
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Creating:
		return "creating"
	case BindingTimeline:
		return "binding"
	case ShmMapped:
		return "shm_mapped"
	case Active:
		return "active"
	case Unbinding:
		return "unbinding"
	default:
		return "unbound"
	}
}

// Binding is an application's app-mode registration with one timeline
// through the local daemon. One UDS connection per binding, owned by the
// binding, closed on unbind.
type Binding struct {
	socketPath string
	timeout    time.Duration
	log        logging.Logger

	mu            sync.Mutex
	state         State
	conn          *net.UnixConn
	clock         *ShmClock
	timeline      string
	name          string
	accuracyNs    int64
	resolutionNs  int64
	timelineIndex int
	bindingID     int

	now func() int64
}

// New builds an unbound binding talking to the daemon at socketPath
// (DefaultSocketPath when empty).
func New(socketPath string, log logging.Logger) *Binding {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &Binding{
		socketPath: socketPath,
		timeout:    defaultTimeout,
		log:        log,
		now:        func() int64 { return time.Now().UnixNano() },
	}
}

// State reports the current lifecycle position.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TimelineIndex returns the daemon-assigned timeline index.
func (b *Binding) TimelineIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timelineIndex
}

// ID returns the daemon-assigned binding id.
func (b *Binding) ID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindingID
}

// request populates a frame with the binding's current identity and demand.
func (b *Binding) request(mt MsgType) Message {
	tlType := TypeLocal
	if models.IsGlobalTimeline(b.timeline) {
		tlType = TypeGlobal
	}
	acc := TimePointFromNs(b.accuracyNs)
	return Message{
		MsgType: mt,
		Retval:  ReturnErr,
		Info:    Info{Index: b.timelineIndex, Type: tlType, Name: b.timeline},
		Binding: BindingInfo{Name: b.name, ID: b.bindingID},
		Demand: Demand{
			Resolution: TimePointFromNs(b.resolutionNs),
			Accuracy:   Accuracy{Above: acc, Below: acc},
		},
	}
}

// exchange sends one frame and decodes the daemon's response.
func (b *Binding) exchange(req Message) (Message, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Message{}, models.NewError("binding.exchange", models.KindInvalidArgument, err)
	}
	if _, err := b.conn.Write(data); err != nil {
		return Message{}, models.NewError("binding.exchange", models.KindConnection, err)
	}
	return b.readFrame()
}

// readFrame accumulates socket reads until a complete JSON frame parses.
// Frames are length-implicit: the daemon writes one JSON object per
// request, so parse success marks the frame boundary.
func (b *Binding) readFrame() (Message, error) {
	if err := b.conn.SetReadDeadline(time.Now().Add(b.timeout)); err != nil {
		return Message{}, models.NewError("binding.readFrame", models.KindConnection, err)
	}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := b.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var msg Message
			if json.Unmarshal(buf, &msg) == nil {
				return msg, nil
			}
		}
		if err != nil {
			return Message{}, models.NewError("binding.readFrame", models.KindConnection, err)
		}
	}
}

// recvClockFd receives the SHM_CLOCK response: a short payload plus one
// file descriptor in an SCM_RIGHTS control message.
func (b *Binding) recvClockFd() (int, error) {
	if err := b.conn.SetReadDeadline(time.Now().Add(b.timeout)); err != nil {
		return -1, models.NewError("binding.recvClockFd", models.KindConnection, err)
	}
	buf := make([]byte, 64)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := b.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, models.NewError("binding.recvClockFd", models.KindConnection, err)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		return -1, models.NewError("binding.recvClockFd", models.KindConnection, err)
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return -1, models.NewError("binding.recvClockFd", models.KindConnection, err)
	}
	return fds[0], nil
}

// fail tears the binding down to Unbound and returns err.
func (b *Binding) fail(err error) error {
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	if b.clock != nil {
		_ = b.clock.Close()
		b.clock = nil
	}
	b.state = Unbound
	return err
}

// Bind walks the handshake with the daemon: connect, CREATE the timeline,
// BIND this application onto it, then request the SHM_CLOCK descriptor and
// map it. On success the binding is Active; any failure leaves it Unbound
// with the socket closed.
func (b *Binding) Bind(ctx context.Context, timeline, name string, accuracyNs, resolutionNs int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Unbound {
		return models.NewError("binding.Bind", models.KindConflict, nil)
	}
	b.timeline = timeline
	b.name = name
	b.accuracyNs = accuracyNs
	b.resolutionNs = resolutionNs
	b.timelineIndex = 0
	b.bindingID = -1

	b.state = Connecting
	raddr, err := net.ResolveUnixAddr("unix", b.socketPath)
	if err != nil {
		return b.fail(models.NewError("binding.Bind", models.KindConnection, err))
	}
	conn, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		return b.fail(models.NewError("binding.Bind", models.KindConnection, err))
	}
	b.conn = conn

	b.state = Creating
	resp, err := b.exchange(b.request(MsgCreate))
	if err != nil {
		return b.fail(err)
	}
	if resp.Retval != ReturnOK {
		return b.fail(models.NewError("binding.Bind.create", retvalKind(resp.Retval), nil))
	}
	b.timelineIndex = resp.Info.Index

	b.state = BindingTimeline
	resp, err = b.exchange(b.request(MsgBind))
	if err != nil {
		return b.fail(err)
	}
	if resp.Retval != ReturnOK {
		return b.fail(models.NewError("binding.Bind.bind", retvalKind(resp.Retval), nil))
	}
	b.bindingID = resp.Binding.ID

	// SHM_CLOCK has no JSON response; the descriptor arrives in an
	// ancillary message.
	req, err := json.Marshal(b.request(MsgShmClock))
	if err != nil {
		return b.fail(models.NewError("binding.Bind.shm", models.KindInvalidArgument, err))
	}
	if _, err := b.conn.Write(req); err != nil {
		return b.fail(models.NewError("binding.Bind.shm", models.KindConnection, err))
	}
	fd, err := b.recvClockFd()
	if err != nil {
		return b.fail(err)
	}
	clock, err := mapClock(fd)
	if err != nil {
		return b.fail(err)
	}
	b.clock = clock
	b.state = ShmMapped

	b.state = Active
	b.log.InfoCtx(ctx, "bound to timeline",
		zap.String("timeline", timeline), zap.String("binding", name),
		zap.Int("timeline_index", b.timelineIndex), zap.Int("binding_id", b.bindingID))
	return nil
}

func retvalKind(retval int) models.ErrorKind {
	if retval == ReturnConnErr {
		return models.KindConnection
	}
	return models.KindUnknown
}

// Unbind releases the binding: UNBIND to the daemon, unmap the clock, close
// the socket. The binding returns to Unbound even when the daemon errs, so
// the caller can re-bind.
func (b *Binding) Unbind(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Active {
		return models.NewError("binding.Unbind", models.KindConflict, nil)
	}
	b.state = Unbinding
	resp, err := b.exchange(b.request(MsgUnbind))
	if err != nil {
		return b.fail(err)
	}
	if resp.Retval != ReturnOK {
		return b.fail(models.NewError("binding.Unbind", retvalKind(resp.Retval), nil))
	}
	b.log.InfoCtx(ctx, "unbound from timeline", zap.String("timeline", b.timeline))
	return b.fail(nil)
}

// UpdateAccuracy tightens or relaxes this binding's accuracy demand and
// notifies the daemon.
func (b *Binding) UpdateAccuracy(accuracyNs int64) error {
	return b.update(func() { b.accuracyNs = accuracyNs })
}

// UpdateResolution does the same for resolution.
func (b *Binding) UpdateResolution(resolutionNs int64) error {
	return b.update(func() { b.resolutionNs = resolutionNs })
}

func (b *Binding) update(apply func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Active {
		return models.NewError("binding.update", models.KindConflict, nil)
	}
	apply()
	resp, err := b.exchange(b.request(MsgUpdate))
	if err != nil {
		return err
	}
	if resp.Retval != ReturnOK {
		return models.NewError("binding.update", retvalKind(resp.Retval), nil)
	}
	return nil
}

// segment returns the live clock parameters from shared memory.
func (b *Binding) segment() (models.ClockSegment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Active || b.clock == nil {
		return models.ClockSegment{}, models.NewError("binding.segment", models.KindTranslation, nil)
	}
	return b.clock.Read(), nil
}

// GetTime reads the host real-time clock as core time and translates it
// through the shared-memory segment, returning fractional seconds.
func (b *Binding) GetTime() (translate.TimeEstimate, error) {
	seg, err := b.segment()
	if err != nil {
		return translate.TimeEstimate{}, err
	}
	coreNs := b.now()
	above, below := translate.Uncertainty(coreNs, seg)
	return translate.TimeEstimate{
		Estimate: float64(translate.CoreToTimeline(coreNs, seg)) / 1e9,
		Above:    float64(above) / 1e9,
		Below:    float64(below) / 1e9,
	}, nil
}

// CoreTime reads the host real-time clock in fractional seconds.
func (b *Binding) CoreTime() float64 {
	return float64(b.now()) / 1e9
}

// WaitUntil blocks until the timeline reaches absTl (fractional seconds).
func (b *Binding) WaitUntil(ctx context.Context, absTl float64) (translate.TimeEstimate, error) {
	seg, err := b.segment()
	if err != nil {
		return translate.TimeEstimate{}, err
	}
	deadline := translate.TimelineToCore(int64(absTl*1e9), seg)
	if err := sleepCore(ctx, time.Duration(deadline-b.now())); err != nil {
		return translate.TimeEstimate{}, err
	}
	return b.GetTime()
}

// Sleep blocks for a relative timeline duration (fractional seconds).
func (b *Binding) Sleep(ctx context.Context, rel float64) (translate.TimeEstimate, error) {
	seg, err := b.segment()
	if err != nil {
		return translate.TimeEstimate{}, err
	}
	coreDur := translate.TimelineRemToCore(int64(rel*1e9), seg)
	if err := sleepCore(ctx, time.Duration(coreDur)); err != nil {
		return translate.TimeEstimate{}, err
	}
	return b.GetTime()
}

func sleepCore(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
