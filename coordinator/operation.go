package coordinator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"replistore/cluster"
	"replistore/protocol"
)

type opKind int

const (
	opStore opKind = iota
	opRemove
)

func (k opKind) String() string {
	if k == opStore {
		return "store"
	}
	return "remove"
}

// operation tracks one in-flight store or remove until quorum or timeout.
type operation struct {
	ctx    context.Context
	cancel context.CancelFunc
	client Peer
	acked  map[cluster.NodeID]bool
	file   string

	replicas []cluster.NodeID
	acks     atomic.Int32
	mu       sync.Mutex
	target   int32
	id       uuid.UUID
	kind     opKind
}

func (c *Coordinator) newOperation(kind opKind, file string, replicas []cluster.NodeID, credit int, client Peer) *operation {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	op := &operation{
		ctx:      ctx,
		cancel:   cancel,
		client:   client,
		acked:    make(map[cluster.NodeID]bool, len(replicas)),
		file:     file,
		replicas: append([]cluster.NodeID(nil), replicas...),
		target:   int32(c.replication),
		id:       uuid.New(),
		kind:     kind,
	}
	op.acks.Store(int32(credit))
	return op
}

func (op *operation) fields() log.Fields {
	return log.Fields{"file": op.file, "op": op.kind.String(), "op_id": op.id.String()}
}

// signal counts a positive answer from node. It returns true for exactly the
// answer that brings the count to the target. Nodes outside the replica set
// and repeated answers are ignored.
func (op *operation) signal(node cluster.NodeID) bool {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.acked[node] || !op.expects(node) {
		return false
	}
	op.acked[node] = true
	return op.acks.Add(1) == op.target
}

func (op *operation) expects(node cluster.NodeID) bool {
	for _, id := range op.replicas {
		if id == node {
			return true
		}
	}
	return false
}

// begin publishes op so acknowledgements can find it and arms its timeout
// watcher. The caller holds op.file's lock.
func (c *Coordinator) begin(op *operation) {
	c.pendingMu.Lock()
	c.pending[op.file] = op
	c.pendingMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-op.ctx.Done()
		if errors.Is(op.ctx.Err(), context.DeadlineExceeded) {
			c.expire(op)
		}
	}()
}

func (c *Coordinator) lookup(file string) *operation {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pending[file]
}

// retire removes op from the pending table. Only the first caller wins, so
// completion and timeout race safely.
func (c *Coordinator) retire(op *operation) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.pending[op.file] != op {
		return false
	}
	delete(c.pending, op.file)
	op.cancel()
	return true
}

func (c *Coordinator) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// acknowledge routes a replica's answer to the pending operation for file.
func (c *Coordinator) acknowledge(kind opKind, node cluster.NodeID, file string) {
	op := c.lookup(file)
	if op == nil || op.kind != kind {
		log.WithFields(log.Fields{"file": file, "node": node, "op": kind.String()}).
			Debug("acknowledgement for no pending operation ignored")
		return
	}
	if op.signal(node) {
		c.complete(op)
	}
}

func (c *Coordinator) complete(op *operation) {
	switch op.kind {
	case opStore:
		c.completeStore(op)
	case opRemove:
		c.completeRemove(op)
	}
}

// expire runs when op's deadline passes before quorum. The client is told
// explicitly; the record keeps whatever state it reached.
func (c *Coordinator) expire(op *operation) {
	unlock := c.locks.Lock(op.file)
	retired := c.retire(op)
	unlock()
	if !retired {
		return
	}

	log.WithFields(op.fields()).
		WithField("acks", op.acks.Load()).
		WithError(ErrQuorumTimeout).
		Warn("operation timed out, record left in its current state")
	c.notify(op.client, protocol.QuorumTimeout, op.fields())
}
