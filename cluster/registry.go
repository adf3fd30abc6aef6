// Package cluster tracks the data nodes joined to the coordinator and decides
// where new replicas are placed.
package cluster

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrAlreadyJoined is returned when a node id is registered twice.
	ErrAlreadyJoined = errors.New("data node already joined")
	// ErrInsufficientNodes is returned when fewer than R nodes are joined.
	ErrInsufficientNodes = errors.New("not enough data nodes")
	// ErrUnknownNode is returned for operations naming a node that is not joined.
	ErrUnknownNode = errors.New("unknown data node")
)

// NodeID identifies a data node by the port it listens on for clients.
type NodeID int

// Conn is the open control connection to a data node. The coordinator fans
// commands out over it.
type Conn interface {
	Send(line string) error
	Close() error
}

// NodeLoad is one entry of a registry snapshot.
type NodeLoad struct {
	ID   NodeID
	Load int
}

// NodeInfo is a read-only copy of a registered node.
type NodeInfo struct {
	ID            NodeID
	Load          int
	LastHeartbeat time.Time
}

type member struct {
	conn          Conn
	lastHeartbeat time.Time
	load          int
}

// Registry is the membership registry. It is the source of truth for which
// nodes are alive and how many replicas each one holds.
type Registry struct {
	nodes map[NodeID]*member
	now   func() time.Time
	mu    sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[NodeID]*member),
		now:   time.Now,
	}
}

// SetClock replaces the time source used for heartbeats.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Join registers id with zero load. The connection is kept for fan-out.
func (r *Registry) Join(id NodeID, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; ok {
		return errors.Wrapf(ErrAlreadyJoined, "node %d", id)
	}
	r.nodes[id] = &member{conn: conn, lastHeartbeat: r.now()}
	return nil
}

// Departed removes id unconditionally and returns its connection, if any.
func (r *Registry) Departed(id NodeID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	delete(r.nodes, id)
	return m.conn, true
}

// DepartedIf removes id only while it is still registered with conn. A
// session that outlived its node's rejoin must not evict the new member.
func (r *Registry) DepartedIf(id NodeID, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.nodes[id]
	if !ok || m.conn != conn {
		return false
	}
	delete(r.nodes, id)
	return true
}

// Heartbeat records a liveness signal from id.
func (r *Registry) Heartbeat(id NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.nodes[id]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "node %d", id)
	}
	m.lastHeartbeat = r.now()
	return nil
}

// Has reports whether id is joined.
func (r *Registry) Has(id NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// Count returns the number of joined nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Conn returns the control connection of id.
func (r *Registry) Conn(id NodeID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return m.conn, true
}

// Snapshot returns the current (id, load) pairs. The slice is a copy.
func (r *Registry) Snapshot() []NodeLoad {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []NodeLoad {
	out := make([]NodeLoad, 0, len(r.nodes))
	for id, m := range r.nodes {
		out = append(out, NodeLoad{ID: id, Load: m.load})
	}
	return out
}

// Nodes returns a copy of every registered node, ordered by id.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.nodes))
	for id, m := range r.nodes {
		out = append(out, NodeInfo{ID: id, Load: m.load, LastHeartbeat: m.lastHeartbeat})
	}
	sortNodeInfos(out)
	return out
}

// IncrementLoad adds one replica to id's load.
func (r *Registry) IncrementLoad(id NodeID) error {
	return r.adjust(id, 1)
}

// DecrementLoad removes one replica from id's load. Load never drops below zero.
func (r *Registry) DecrementLoad(id NodeID) error {
	return r.adjust(id, -1)
}

func (r *Registry) adjust(id NodeID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.nodes[id]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "node %d", id)
	}
	m.load += delta
	if m.load < 0 {
		m.load = 0
	}
	return nil
}

// Reserve selects n nodes with Place and increments their load, all under
// the registry's exclusive lock so concurrent stores see each other's picks.
func (r *Registry) Reserve(n int) ([]NodeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chosen, err := Place(r.snapshotLocked(), n)
	if err != nil {
		return nil, err
	}
	for _, id := range chosen {
		r.nodes[id].load++
	}
	return chosen, nil
}

// Stale returns the nodes whose last heartbeat is older than timeout.
func (r *Registry) Stale(timeout time.Duration) []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-timeout)
	var out []NodeID
	for id, m := range r.nodes {
		if m.lastHeartbeat.Before(cutoff) {
			out = append(out, id)
		}
	}
	sortNodeIDs(out)
	return out
}
