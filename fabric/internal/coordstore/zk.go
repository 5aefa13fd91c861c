package coordstore

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/quartz-roseline/quartz/fabric/models"
	"github.com/quartz-roseline/quartz/fabric/telemetry/logging"
)

// Adapter is the ZooKeeper-backed Store implementation: one Conn per
// process, a state listener translating connection events into
// SessionState transitions, and re-arming children watches.
type Adapter struct {
	conn *zk.Conn
	log  logging.Logger

	mu        sync.Mutex
	state     SessionState
	listeners []StateListener
}

var worldACL = zk.WorldACL(zk.PermAll)

// Dial connects to the ZooKeeper ensemble at hosts (host:port strings) with
// the given session timeout, and begins translating connection events.
func Dial(hosts []string, sessionTimeout time.Duration, log logging.Logger) (*Adapter, error) {
	if log == nil {
		log = logging.New(nil)
	}
	conn, events, err := zk.Connect(hosts, sessionTimeout)
	if err != nil {
		return nil, models.NewError("coordstore.Dial", models.KindConnection, err)
	}
	a := &Adapter{conn: conn, log: log, state: StateConnecting}
	go a.pump(events)
	return a, nil
}

func (a *Adapter) pump(events <-chan zk.Event) {
	for ev := range events {
		var next SessionState
		switch ev.State {
		case zk.StateHasSession:
			next = StateConnected
		case zk.StateDisconnected:
			next = StateSuspended
		case zk.StateExpired:
			next = StateExpired
		default:
			continue
		}
		a.mu.Lock()
		a.state = next
		listeners := append([]StateListener(nil), a.listeners...)
		a.mu.Unlock()
		for _, l := range listeners {
			l(next)
		}
	}
}

func (a *Adapter) AddStateListener(l StateListener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

func (a *Adapter) SessionState() SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) EnsurePath(ctx context.Context, p string) error {
	if p == "" || p == "/" {
		return nil
	}
	segments := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, seg := range segments {
		cur = cur + "/" + seg
		_, err := a.conn.Create(cur, []byte{}, 0, worldACL)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return models.NewError("coordstore.EnsurePath", models.KindConnection, err)
		}
	}
	return nil
}

func (a *Adapter) Create(ctx context.Context, p string, data []byte, ephemeral bool) error {
	var flags int32
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := a.conn.Create(p, data, flags, worldACL)
	if errors.Is(err, zk.ErrNodeExists) {
		return models.NewError("coordstore.Create", models.KindConflict, err)
	}
	if err != nil {
		return models.NewError("coordstore.Create", models.KindConnection, err)
	}
	return nil
}

func (a *Adapter) Set(ctx context.Context, p string, data []byte) error {
	_, err := a.conn.Set(p, data, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return models.NewError("coordstore.Set", models.KindNotFound, err)
	}
	if err != nil {
		return models.NewError("coordstore.Set", models.KindConnection, err)
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, p string) ([]byte, error) {
	data, _, err := a.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, models.NewError("coordstore.Get", models.KindNotFound, err)
	}
	if err != nil {
		return nil, models.NewError("coordstore.Get", models.KindConnection, err)
	}
	return data, nil
}

func (a *Adapter) Delete(ctx context.Context, p string, recursive bool) error {
	if recursive {
		children, _, err := a.conn.Children(p)
		if err != nil && !errors.Is(err, zk.ErrNoNode) {
			return models.NewError("coordstore.Delete", models.KindConnection, err)
		}
		for _, c := range children {
			if err := a.Delete(ctx, path.Join(p, c), true); err != nil {
				return err
			}
		}
	}
	err := a.conn.Delete(p, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return models.NewError("coordstore.Delete", models.KindConnection, err)
	}
	return nil
}

// WatchChildren arms a ChildrenW watch and re-arms it after every fire,
// delivering the then-current child set, matching ZooKeeper's
// edge-triggered watch semantics.
func (a *Adapter) WatchChildren(ctx context.Context, p string, cb ChildrenWatcher) error {
	children, _, events, err := a.conn.ChildrenW(p)
	if err != nil {
		return models.NewError("coordstore.WatchChildren", models.KindConnection, err)
	}
	cb(children)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Err != nil {
					a.log.WarnCtx(ctx, "coordstore: watch error", zap.Error(ev.Err))
					return
				}
				children, _, nextEvents, err := a.conn.ChildrenW(p)
				if err != nil {
					a.log.WarnCtx(ctx, "coordstore: re-arm failed", zap.Error(err))
					return
				}
				events = nextEvents
				cb(children)
			}
		}
	}()
	return nil
}

// Elect implements the standard sequential-ephemeral election recipe:
// each contender creates a sequential ephemeral child under groupPath;
// the contender with the lowest sequence number holds the election;
// others watch their immediate predecessor and re-check on its removal.
func (a *Adapter) Elect(ctx context.Context, groupPath, identity string) error {
	if err := a.EnsurePath(ctx, groupPath); err != nil {
		return err
	}
	nodePath, err := a.conn.CreateProtectedEphemeralSequential(groupPath+"/"+"n_", []byte(identity), worldACL)
	if err != nil {
		return models.NewError("coordstore.Elect", models.KindConnection, err)
	}
	myName := path.Base(nodePath)

	for {
		children, _, err := a.conn.Children(groupPath)
		if err != nil {
			return models.NewError("coordstore.Elect", models.KindConnection, err)
		}
		sort.Strings(children)
		if len(children) > 0 && children[0] == myName {
			return nil
		}
		predecessor := predecessorOf(children, myName)
		if predecessor == "" {
			continue
		}
		exists, _, events, err := a.conn.ExistsW(groupPath + "/" + predecessor)
		if err != nil {
			return models.NewError("coordstore.Elect", models.KindConnection, err)
		}
		if !exists {
			continue
		}
		select {
		case <-ctx.Done():
			return models.NewError("coordstore.Elect", models.KindConnection, ctx.Err())
		case <-events:
		}
	}
}

func predecessorOf(sorted []string, me string) string {
	idx := sort.SearchStrings(sorted, me)
	if idx <= 0 {
		return ""
	}
	return sorted[idx-1]
}

func (a *Adapter) Close() error {
	a.conn.Close()
	return nil
}
