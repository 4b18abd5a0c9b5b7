// Package coordination defines the narrow, typed contract the control
// plane uses to talk to the hierarchical coordination store (spec section
// 4.2). The store itself -- a replicated, strongly-ordered KV service with
// ephemeral nodes and watches, i.e. something ZooKeeper- or etcd-shaped --
// is an external collaborator per spec section 1; this package only
// defines the seam. See coordination/zkstore for an in-process
// implementation used by tests and single-node deployments.
package coordination

import "context"

// Mode is the persistence mode of a node created with Create.
type Mode int

const (
	// Persistent nodes survive independently of any session.
	Persistent Mode = iota
	// Ephemeral nodes are removed automatically when the creating
	// session ends, per RegisterEphemeral's semantics.
	Ephemeral
)

// WatchKind selects what a Watch call reports on.
type WatchKind int

const (
	// WatchData fires when the node at the watched path changes or is
	// deleted.
	WatchData WatchKind = iota
	// WatchChildren fires when the set of children at the watched path
	// changes.
	WatchChildren
	// WatchExistence fires when a node that did not exist is created,
	// or vice versa.
	WatchExistence
)

// Event is delivered to a watcher. Events are edge triggers, delivered
// at-least-once: a consumer must re-read the path to learn current state,
// never infer it from the event alone.
type Event struct {
	Path string
	Kind WatchKind
}

// Stat carries the store's version for optimistic concurrency control.
type Stat struct {
	Version int64
}

// Store is the typed contract spec section 4.2 names. Implementations
// must deliver watch events for a single watcher in store order; no
// ordering is promised across distinct watches (spec section 5).
type Store interface {
	Create(ctx context.Context, path string, data []byte, mode Mode) error
	Set(ctx context.Context, path string, data []byte) (Stat, error)
	Delete(ctx context.Context, path string, version int64) error
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	Children(ctx context.Context, path string) ([]string, error)
	Transaction(ctx context.Context, ops []Op) error

	// Watch returns a channel of Events for path. The channel is closed
	// when ctx is done or the store's session is lost -- callers should
	// treat channel closure the same as an ErrSessionLost from any other
	// call and re-bootstrap.
	Watch(ctx context.Context, path string, kind WatchKind) (<-chan Event, error)

	// RegisterEphemeral creates an ephemeral node and keeps it alive for
	// the life of the store's session. lost is closed if the session is
	// lost before ctx is done, signalling the owner to re-bootstrap and
	// re-register.
	RegisterEphemeral(ctx context.Context, path string, data []byte) (lost <-chan struct{}, err error)
}
