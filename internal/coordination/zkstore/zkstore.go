// Package zkstore is an in-process implementation of coordination.Store.
// The real coordination store (a ZooKeeper- or etcd-class ensemble) is an
// external collaborator per spec section 1; this package exists so the
// Master, Agent and Task State Machine can be built and unit-tested
// against the exact contract of coordination.Store without a live
// ensemble, and so a single-binary demo (heliosctl localstore) has
// somewhere to point. Watches are one-shot edge triggers, matching real
// ZooKeeper semantics: once delivered, a watch channel is closed and the
// caller must re-read and re-Watch to keep observing a path.
package zkstore

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/heliosproject/helios/internal/coordination"
)

type node struct {
	data           []byte
	version        int64
	mode           coordination.Mode
	ephemeralOwner int64
	children       map[string]struct{}
}

type watchKey struct {
	path string
	kind coordination.WatchKind
}

// Cluster holds the shared hierarchical tree. Multiple Stores (one per
// simulated client connection, e.g. the Master and each Agent in a test)
// share a Cluster the way multiple real ZooKeeper clients share an
// ensemble.
type Cluster struct {
	mu          sync.Mutex
	nodes       map[string]*node
	watchers    map[watchKey][]chan coordination.Event
	sessions    map[int64]bool
	sessionLost map[int64]chan struct{}
	nextSession int64
}

// NewCluster creates an empty cluster with just the root node.
func NewCluster() *Cluster {
	c := &Cluster{
		nodes:       map[string]*node{"/": {children: map[string]struct{}{}}},
		watchers:    map[watchKey][]chan coordination.Event{},
		sessions:    map[int64]bool{},
		sessionLost: map[int64]chan struct{}{},
	}
	return c
}

// NewSession opens a new Store handle with its own session identity. Data
// the session creates as Ephemeral is removed when KillSession(id) is
// called; a node made with RegisterEphemeral is also removed when the
// context passed to RegisterEphemeral is cancelled.
func (c *Cluster) NewSession() *Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSession++
	id := c.nextSession
	c.sessions[id] = true
	c.sessionLost[id] = make(chan struct{})
	return &Store{cluster: c, sessionID: id}
}

// KillSession simulates the session backing id being lost: every
// ephemeral node it owns is removed (firing the corresponding watches),
// and the session's lost channel is closed so RegisterEphemeral callers
// learn about it per spec section 4.2.
func (c *Cluster) KillSession(id int64) {
	c.mu.Lock()
	var toFire []watchKey
	for p, n := range c.nodes {
		if n.mode == coordination.Ephemeral && n.ephemeralOwner == id {
			delete(c.nodes, p)
			parent := path.Dir(p)
			if pn, ok := c.nodes[parent]; ok {
				delete(pn.children, path.Base(p))
			}
			toFire = append(toFire, watchKey{path: p, kind: coordination.WatchData})
			toFire = append(toFire, watchKey{path: p, kind: coordination.WatchExistence})
			toFire = append(toFire, watchKey{path: parent, kind: coordination.WatchChildren})
		}
	}
	c.sessions[id] = false
	lost := c.sessionLost[id]
	c.mu.Unlock()

	for _, k := range toFire {
		c.fire(k)
	}
	close(lost)
}

func (c *Cluster) alive(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// fire delivers (and consumes) every watcher registered for key. Must be
// called without holding c.mu.
func (c *Cluster) fire(key watchKey) {
	c.mu.Lock()
	chans := c.watchers[key]
	delete(c.watchers, key)
	c.mu.Unlock()

	for _, ch := range chans {
		ch <- coordination.Event{Path: key.path, Kind: key.kind}
		close(ch)
	}
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	return cleaned
}

// Store is one client connection's view of a Cluster, implementing
// coordination.Store.
type Store struct {
	cluster   *Cluster
	sessionID int64
}

var _ coordination.Store = (*Store)(nil)

// Kill simulates this Store's session being lost -- e.g. a network
// partition or process crash from the ensemble's point of view -- the way
// a real ZooKeeper client's session expires. Every ephemeral node s
// created is removed and s.RegisterEphemeral's lost channels close.
func (s *Store) Kill() {
	s.cluster.KillSession(s.sessionID)
}

func (s *Store) checkSession() error {
	if !s.cluster.alive(s.sessionID) {
		return coordination.ErrSessionLost
	}
	return nil
}

func (s *Store) Create(ctx context.Context, p string, data []byte, mode coordination.Mode) error {
	if err := s.checkSession(); err != nil {
		return err
	}
	p = normalize(p)
	c := s.cluster
	c.mu.Lock()
	if _, exists := c.nodes[p]; exists {
		c.mu.Unlock()
		return coordination.ErrExists
	}
	parent := path.Dir(p)
	parentNode, ok := c.nodes[parent]
	if p != "/" && !ok {
		c.mu.Unlock()
		return coordination.ErrNoParent
	}
	n := &node{data: append([]byte(nil), data...), version: 0, mode: mode, children: map[string]struct{}{}}
	if mode == coordination.Ephemeral {
		n.ephemeralOwner = s.sessionID
	}
	c.nodes[p] = n
	if parentNode != nil {
		parentNode.children[path.Base(p)] = struct{}{}
	}
	c.mu.Unlock()

	c.fire(watchKey{path: p, kind: coordination.WatchExistence})
	c.fire(watchKey{path: parent, kind: coordination.WatchChildren})
	return nil
}

func (s *Store) Set(ctx context.Context, p string, data []byte) (coordination.Stat, error) {
	if err := s.checkSession(); err != nil {
		return coordination.Stat{}, err
	}
	p = normalize(p)
	c := s.cluster
	c.mu.Lock()
	n, ok := c.nodes[p]
	if !ok {
		c.mu.Unlock()
		return coordination.Stat{}, coordination.ErrNotFound
	}
	n.data = append([]byte(nil), data...)
	n.version++
	stat := coordination.Stat{Version: n.version}
	c.mu.Unlock()

	c.fire(watchKey{path: p, kind: coordination.WatchData})
	return stat, nil
}

func (s *Store) Delete(ctx context.Context, p string, version int64) error {
	if err := s.checkSession(); err != nil {
		return err
	}
	p = normalize(p)
	c := s.cluster
	c.mu.Lock()
	n, ok := c.nodes[p]
	if !ok {
		c.mu.Unlock()
		return coordination.ErrNotFound
	}
	if version != -1 && version != n.version {
		c.mu.Unlock()
		return coordination.ErrBadVersion
	}
	delete(c.nodes, p)
	parent := path.Dir(p)
	if pn, ok := c.nodes[parent]; ok {
		delete(pn.children, path.Base(p))
	}
	c.mu.Unlock()

	c.fire(watchKey{path: p, kind: coordination.WatchData})
	c.fire(watchKey{path: p, kind: coordination.WatchExistence})
	c.fire(watchKey{path: parent, kind: coordination.WatchChildren})
	return nil
}

func (s *Store) Get(ctx context.Context, p string) ([]byte, coordination.Stat, error) {
	if err := s.checkSession(); err != nil {
		return nil, coordination.Stat{}, err
	}
	p = normalize(p)
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, coordination.Stat{}, coordination.ErrNotFound
	}
	return append([]byte(nil), n.data...), coordination.Stat{Version: n.version}, nil
}

func (s *Store) Children(ctx context.Context, p string) ([]string, error) {
	if err := s.checkSession(); err != nil {
		return nil, err
	}
	p = normalize(p)
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, coordination.ErrNotFound
	}
	out := make([]string, 0, len(n.children))
	for child := range n.children {
		out = append(out, child)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Watch(ctx context.Context, p string, kind coordination.WatchKind) (<-chan coordination.Event, error) {
	if err := s.checkSession(); err != nil {
		return nil, err
	}
	p = normalize(p)
	key := watchKey{path: p, kind: kind}
	ch := make(chan coordination.Event, 1)

	c := s.cluster
	c.mu.Lock()
	c.watchers[key] = append(c.watchers[key], ch)
	lost := c.sessionLost[s.sessionID]
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-lost:
		}
		c.mu.Lock()
		list := c.watchers[key]
		found := false
		for i, existing := range list {
			if existing == ch {
				c.watchers[key] = append(list[:i], list[i+1:]...)
				found = true
				break
			}
		}
		c.mu.Unlock()
		// A channel fire already took out of the list is closed by fire.
		if found {
			close(ch)
		}
	}()

	return ch, nil
}

func (s *Store) RegisterEphemeral(ctx context.Context, p string, data []byte) (<-chan struct{}, error) {
	if err := s.Create(ctx, p, data, coordination.Ephemeral); err != nil {
		return nil, err
	}

	c := s.cluster
	c.mu.Lock()
	lost := c.sessionLost[s.sessionID]
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Clean shutdown: remove the node ourselves rather than waiting
		// for KillSession, so observers see DOWN promptly.
		c.mu.Lock()
		n, ok := c.nodes[normalize(p)]
		alreadyGone := !ok
		var version int64
		if ok {
			version = n.version
		}
		c.mu.Unlock()
		if !alreadyGone {
			_ = s.Delete(context.Background(), p, version)
		}
	}()

	return lost, nil
}

func (s *Store) Transaction(ctx context.Context, ops []coordination.Op) error {
	if err := s.checkSession(); err != nil {
		return err
	}
	c := s.cluster
	c.mu.Lock()

	// Validate every precondition before mutating anything so the
	// transaction is all-or-nothing even though the whole cluster is
	// protected by a single mutex.
	for _, op := range ops {
		p := normalize(op.Path)
		switch op.Kind {
		case coordination.OpAssertExists:
			if _, ok := c.nodes[p]; !ok {
				c.mu.Unlock()
				return coordination.ErrNotFound
			}
		case coordination.OpAssertAbsent:
			if _, ok := c.nodes[p]; ok {
				c.mu.Unlock()
				return coordination.ErrExists
			}
		case coordination.OpCreate:
			if _, ok := c.nodes[p]; ok {
				c.mu.Unlock()
				return coordination.ErrExists
			}
			parent := path.Dir(p)
			if _, ok := c.nodes[parent]; p != "/" && !ok {
				c.mu.Unlock()
				return coordination.ErrNoParent
			}
		case coordination.OpSet:
			if _, ok := c.nodes[p]; !ok {
				c.mu.Unlock()
				return coordination.ErrNotFound
			}
		case coordination.OpDelete:
			n, ok := c.nodes[p]
			if !ok {
				c.mu.Unlock()
				return coordination.ErrNotFound
			}
			if op.Version != -1 && op.Version != n.version {
				c.mu.Unlock()
				return coordination.ErrBadVersion
			}
		}
	}

	var toFire []watchKey
	for _, op := range ops {
		p := normalize(op.Path)
		switch op.Kind {
		case coordination.OpCreate:
			n := &node{data: append([]byte(nil), op.Data...), mode: op.Mode, children: map[string]struct{}{}}
			if op.Mode == coordination.Ephemeral {
				n.ephemeralOwner = s.sessionID
			}
			c.nodes[p] = n
			parent := path.Dir(p)
			if pn, ok := c.nodes[parent]; ok {
				pn.children[path.Base(p)] = struct{}{}
			}
			toFire = append(toFire, watchKey{p, coordination.WatchExistence}, watchKey{parent, coordination.WatchChildren})
		case coordination.OpSet:
			n := c.nodes[p]
			n.data = append([]byte(nil), op.Data...)
			n.version++
			toFire = append(toFire, watchKey{p, coordination.WatchData})
		case coordination.OpDelete:
			delete(c.nodes, p)
			parent := path.Dir(p)
			if pn, ok := c.nodes[parent]; ok {
				delete(pn.children, path.Base(p))
			}
			toFire = append(toFire, watchKey{p, coordination.WatchData}, watchKey{p, coordination.WatchExistence}, watchKey{parent, coordination.WatchChildren})
		}
	}
	c.mu.Unlock()

	for _, k := range toFire {
		c.fire(k)
	}
	return nil
}
