package coordstore

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/quartz-roseline/quartz/fabric/models"
)

// Memory is an in-process Store fake used by component-D unit tests and by
// single-process demo binaries. It reproduces the ephemeral/watch/election
// semantics the business logic depends on without requiring a ZooKeeper
// ensemble.
type Memory struct {
	mu        sync.Mutex
	nodes     map[string][]byte
	ephemeral map[string]bool
	watches   map[string][]ChildrenWatcher
	state     SessionState
	listeners []StateListener
	sessionID string
	closed    bool
}

// NewMemory returns a ready-to-use in-memory coordination store.
func NewMemory() *Memory {
	return &Memory{
		nodes:     map[string][]byte{"/": {}},
		ephemeral: map[string]bool{},
		watches:   map[string][]ChildrenWatcher{},
		state:     StateConnected,
	}
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func (m *Memory) EnsurePath(ctx context.Context, p string) error {
	p = normalize(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	segs := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, s := range segs {
		if s == "" {
			continue
		}
		cur += "/" + s
		if _, ok := m.nodes[cur]; !ok {
			m.nodes[cur] = []byte{}
		}
	}
	return nil
}

func (m *Memory) Create(ctx context.Context, p string, data []byte, ephemeral bool) error {
	p = normalize(p)
	m.mu.Lock()
	if _, exists := m.nodes[p]; exists {
		m.mu.Unlock()
		return models.NewError("coordstore.Create", models.KindConflict, nil)
	}
	m.nodes[p] = append([]byte(nil), data...)
	m.ephemeral[p] = ephemeral
	m.mu.Unlock()
	m.fireParentWatch(p)
	return nil
}

func (m *Memory) Set(ctx context.Context, p string, data []byte) error {
	p = normalize(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[p]; !exists {
		return models.NewError("coordstore.Set", models.KindNotFound, nil)
	}
	m.nodes[p] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(ctx context.Context, p string) ([]byte, error) {
	p = normalize(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	data, exists := m.nodes[p]
	if !exists {
		return nil, models.NewError("coordstore.Get", models.KindNotFound, nil)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(ctx context.Context, p string, recursive bool) error {
	p = normalize(p)
	m.mu.Lock()
	if recursive {
		prefix := p + "/"
		for child := range m.nodes {
			if strings.HasPrefix(child, prefix) {
				delete(m.nodes, child)
				delete(m.ephemeral, child)
			}
		}
	}
	delete(m.nodes, p)
	delete(m.ephemeral, p)
	m.mu.Unlock()
	m.fireParentWatch(p)
	return nil
}

func (m *Memory) childrenOf(p string) []string {
	prefix := p
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	seen := map[string]bool{}
	var out []string
	for child := range m.nodes {
		if child == p || !strings.HasPrefix(child, prefix) {
			continue
		}
		rest := strings.TrimPrefix(child, prefix)
		name := strings.SplitN(rest, "/", 2)[0]
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) fireParentWatch(changedPath string) {
	parent := path.Dir(changedPath)
	m.mu.Lock()
	watchers := append([]ChildrenWatcher(nil), m.watches[parent]...)
	children := m.childrenOf(parent)
	m.mu.Unlock()
	for _, w := range watchers {
		w(children)
	}
}

func (m *Memory) WatchChildren(ctx context.Context, p string, cb ChildrenWatcher) error {
	p = normalize(p)
	m.mu.Lock()
	m.watches[p] = append(m.watches[p], cb)
	children := m.childrenOf(p)
	m.mu.Unlock()
	cb(children)
	return nil
}

// Elect resolves immediately in-process: the first caller for a given
// groupPath wins; later callers for the same path block until their ctx is
// done.
func (m *Memory) Elect(ctx context.Context, groupPath, identity string) error {
	p := normalize(groupPath) + "/leader"
	err := m.Create(ctx, p, []byte(identity), true)
	if err == nil {
		return nil
	}
	if !models.IsConflict(err) {
		return err
	}
	<-ctx.Done()
	return models.NewError("coordstore.Elect", models.KindConnection, ctx.Err())
}

func (m *Memory) AddStateListener(l StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Memory) SessionState() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SimulateSessionLoss drops all ephemeral nodes and notifies listeners, for
// exercising the coordinator's re-registration-on-SessionLost behavior.
func (m *Memory) SimulateSessionLoss() {
	m.mu.Lock()
	for p, eph := range m.ephemeral {
		if eph {
			delete(m.nodes, p)
			delete(m.ephemeral, p)
		}
	}
	m.state = StateExpired
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(StateExpired)
	}
	m.mu.Lock()
	m.state = StateConnected
	m.mu.Unlock()
	for _, l := range listeners {
		l(StateConnected)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for p, eph := range m.ephemeral {
		if eph {
			delete(m.nodes, p)
		}
	}
	m.state = StateExpired
	return nil
}
