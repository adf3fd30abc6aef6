package coordinator

import (
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"replistore/cluster"
	"replistore/index"
	"replistore/protocol"
)

// Store accepts a client's request to store name. On success the chosen
// nodes have already been sent to the client as STORE_TO and a quorum
// operation waits for R STORE_ACKs; STORE_COMPLETE or ERROR_QUORUM_TIMEOUT
// follows later on the same peer.
//
// Store fails with cluster.ErrInsufficientNodes when fewer than R nodes are
// joined and with index.ErrFileAlreadyExists when a record for name exists.
// Neither failure mutates any state.
func (c *Coordinator) Store(name string, size int64, client Peer) error {
	if err := c.enoughNodes(); err != nil {
		return err
	}

	unlock := c.locks.Lock(name)
	defer unlock()

	if _, ok := c.index.Get(name); ok {
		return errors.Wrapf(index.ErrFileAlreadyExists, "%q", name)
	}

	nodes, err := c.reserve(name, size)
	if err != nil {
		return err
	}

	// Published before STORE_TO goes out so an early ack finds it. Completion
	// and expiry both need this file's lock, so neither overtakes STORE_TO.
	op := c.newOperation(opStore, name, nodes, 0, client)
	c.begin(op)

	if err := client.Send(protocol.Line(protocol.StoreTo, protocol.Ports(nodeInts(nodes))...)); err != nil {
		c.retire(op)
		c.release(name, nodes)
		return errors.Wrapf(err, "sending placement for %q", name)
	}
	log.WithFields(op.fields()).WithField("nodes", nodes).Info("store accepted")
	return nil
}

// reserve picks R nodes, bumps their load and creates the Storing record.
func (c *Coordinator) reserve(name string, size int64) ([]cluster.NodeID, error) {
	c.topology.RLock()
	defer c.topology.RUnlock()

	nodes, err := c.registry.Reserve(c.replication)
	if err != nil {
		return nil, err
	}
	if err := c.index.Create(name, size, nodes); err != nil {
		c.releaseLoad(nodes)
		return nil, err
	}
	return nodes, nil
}

// release undoes reserve when the client could not be told where to write.
func (c *Coordinator) release(name string, nodes []cluster.NodeID) {
	if rec, ok := c.index.Delete(name); ok {
		c.releaseLoad(rec.Replicas)
		return
	}
	c.releaseLoad(nodes)
}

func (c *Coordinator) releaseLoad(nodes []cluster.NodeID) {
	for _, id := range nodes {
		// the node may have departed meanwhile; its load went with it
		_ = c.registry.DecrementLoad(id)
	}
}

// StoreAck records that node finished writing its replica of name.
func (c *Coordinator) StoreAck(node cluster.NodeID, name string) {
	c.acknowledge(opStore, node, name)
}

func (c *Coordinator) completeStore(op *operation) {
	unlock := c.locks.Lock(op.file)
	if !c.retire(op) {
		unlock()
		return
	}
	_, err := c.index.Transition(op.file, index.Storing, index.Stored)
	unlock()

	if err != nil {
		// every replica departed before the last ack was processed
		log.WithFields(op.fields()).WithError(err).Warn("store reached quorum but the record is gone")
		c.notify(op.client, protocol.QuorumTimeout, op.fields())
		return
	}
	log.WithFields(op.fields()).Info("store complete")
	c.notify(op.client, protocol.StoreComplete, op.fields())
}

func nodeInts(nodes []cluster.NodeID) []int {
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = int(n)
	}
	return out
}
