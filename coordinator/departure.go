package coordinator

import (
	log "github.com/sirupsen/logrus"

	"replistore/cluster"
)

// Departed handles the loss of node id whose control connection was conn.
// The node leaves the registry first so no new store can pick it, then every
// record naming it is repaired under that record's lock: the node is dropped
// from the replica set and records left with no replicas are deleted. A
// Stored record that keeps at least one replica stays Stored and is not
// re-replicated.
//
// A remove waiting on the departed node counts the departure as that
// replica's answer. A store waiting on it can no longer reach quorum and is
// left to time out.
//
// Departed is a no-op when id has since rejoined on another connection.
func (c *Coordinator) Departed(id cluster.NodeID, conn cluster.Conn) {
	c.topology.Lock()
	removed := c.registry.DepartedIf(id, conn)
	var names []string
	if removed {
		names = c.index.Names()
	}
	c.topology.Unlock()

	if !removed {
		return
	}

	var degraded, dropped int
	for _, name := range names {
		switch c.dropReplica(id, name) {
		case replicaDegraded:
			degraded++
		case replicaLast:
			dropped++
		}
	}

	if conn != nil {
		_ = conn.Close()
	}
	log.WithFields(log.Fields{"node": id, "degraded": degraded, "deleted": dropped}).
		Warn("data node departed")
}

type dropResult int

const (
	replicaAbsent dropResult = iota
	replicaDegraded
	replicaLast
)

func (c *Coordinator) dropReplica(id cluster.NodeID, name string) dropResult {
	unlock := c.locks.Lock(name)
	held, remaining := c.index.DropReplica(name, id)
	if !held {
		unlock()
		return replicaAbsent
	}
	result := replicaDegraded
	if remaining == 0 {
		c.index.Delete(name)
		result = replicaLast
	}
	unlock()

	if op := c.lookup(name); op != nil && op.kind == opRemove && op.signal(id) {
		c.complete(op)
	}
	return result
}
