package coordinator

import (
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"replistore/cluster"
	"replistore/index"
	"replistore/protocol"
)

// Remove accepts a client's request to remove name. The record moves to
// Removing and REMOVE is fanned out to every replica it still has. Replicas
// lost to crashes before the remove began are credited up front, so the
// operation completes once acks plus missing replicas reach R.
func (c *Coordinator) Remove(name string, client Peer) error {
	if err := c.enoughNodes(); err != nil {
		return err
	}

	unlock := c.locks.Lock(name)
	rec, err := c.index.Transition(name, index.Stored, index.Removing)
	if err != nil {
		unlock()
		return err
	}
	op := c.newOperation(opRemove, name, rec.Replicas, c.replication-len(rec.Replicas), client)
	c.begin(op)
	unlock()

	log.WithFields(op.fields()).WithField("replicas", rec.Replicas).Info("remove accepted")
	c.fanOut(op, protocol.Line(protocol.Remove, name))
	return nil
}

// fanOut sends line to each replica of op. A node that cannot be reached is
// logged and never retried; its missing answer counts against the quorum.
func (c *Coordinator) fanOut(op *operation, line string) {
	for _, id := range op.replicas {
		conn, ok := c.registry.Conn(id)
		if !ok {
			log.WithFields(op.fields()).WithField("node", id).
				WithError(ErrNodeUnreachable).Warn("replica not joined, skipping")
			continue
		}
		c.wg.Add(1)
		go func(id cluster.NodeID, conn cluster.Conn) {
			defer c.wg.Done()
			if err := conn.Send(line); err != nil {
				log.WithFields(op.fields()).WithField("node", id).
					WithError(errors.Mark(err, ErrNodeUnreachable)).Warn("fan-out failed")
			}
		}(id, conn)
	}
}

// RemoveAck records that node deleted its replica of name.
func (c *Coordinator) RemoveAck(node cluster.NodeID, name string) {
	c.acknowledge(opRemove, node, name)
}

// RemoveMissing records that node had no replica of name. It counts the same
// as RemoveAck.
func (c *Coordinator) RemoveMissing(node cluster.NodeID, name string) {
	c.acknowledge(opRemove, node, name)
}

func (c *Coordinator) completeRemove(op *operation) {
	unlock := c.locks.Lock(op.file)
	if !c.retire(op) {
		unlock()
		return
	}
	// the record may already be gone if every replica departed
	if rec, ok := c.index.Delete(op.file); ok {
		for _, id := range rec.Replicas {
			if err := c.registry.DecrementLoad(id); err != nil {
				log.WithFields(op.fields()).WithField("node", id).WithError(err).Debug("load not released")
			}
		}
	}
	unlock()

	log.WithFields(op.fields()).Info("remove complete")
	c.notify(op.client, protocol.RemoveComplete, op.fields())
}
