// Package coordstore is the hierarchical, session-ephemeral key/value
// adapter with children-change watches and leader election. The real
// implementation (Adapter) sits on ZooKeeper via
// github.com/go-zookeeper/zk; the coordinator replica state machine and
// business logic are written only against the Store interface so an
// in-memory fake (see memory.go) can stand in for tests without an
// ensemble.
package coordstore

import "context"

// SessionState tracks the underlying session's connection lifecycle,
// which drives the coordinator replica state machine.
type SessionState int

const (
	StateInit SessionState = iota
	StateConnecting
	StateConnected
	StateSuspended
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateExpired:
		return "expired"
	default:
		return "init"
	}
}

// StateListener is invoked whenever the underlying session transitions.
type StateListener func(SessionState)

// ChildrenWatcher is invoked with the full, current child-name set of a
// watched path whenever that set changes. Delivery is edge-triggered: each
// call carries the current children, not a diff.
type ChildrenWatcher func(children []string)

// Store is the capability contract the coordinator needs from the
// coordination service. All paths are absolute, '/'-separated.
type Store interface {
	// EnsurePath idempotently creates path and all missing intermediate
	// segments as permanent (non-ephemeral) nodes with empty data.
	EnsurePath(ctx context.Context, path string) error

	// Create creates path with the given payload. If ephemeral, the node is
	// removed automatically when the session ends.
	Create(ctx context.Context, path string, data []byte, ephemeral bool) error

	// Set overwrites the payload at path, which must already exist.
	Set(ctx context.Context, path string, data []byte) error

	// Get returns the payload stored at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes path. If recursive, children are removed first.
	Delete(ctx context.Context, path string, recursive bool) error

	// WatchChildren arms a watch on path's direct children and invokes cb
	// with the current child list immediately, then again on every change.
	// The watch re-arms itself after every fire. The ZooKeeper Adapter
	// stops re-arming once ctx is done or a watch or re-arm call fails; the
	// in-memory fake keeps the watch for its whole lifetime.
	WatchChildren(ctx context.Context, path string, cb ChildrenWatcher) error

	// Elect contests leadership of groupPath under identity. It blocks until
	// this process wins the election, then returns. A losing process keeps
	// waiting; callers that need to give up should cancel ctx.
	Elect(ctx context.Context, groupPath, identity string) error

	// AddStateListener registers a callback fired on every session state
	// transition, used to drive the coordinator replica state machine.
	AddStateListener(l StateListener)

	// SessionState reports the current connection state.
	SessionState() SessionState

	// Close releases the session, dropping all ephemeral nodes it owns.
	Close() error
}
