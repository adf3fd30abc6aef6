// Package coordinator implements the replication engine of the controller:
// quorum tracked stores and removes, least loaded placement, crash handling
// and replica selection for loads.
//
// Every mutation of a file record happens under that file's lock, so work on
// different files proceeds in parallel while work on one file never
// interleaves. Stores and removes return as soon as the fan-out is issued;
// acknowledgements and timeouts complete them later on other goroutines.
package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"replistore/cluster"
	"replistore/index"
)

var (
	// ErrQuorumTimeout is the failure reported when an operation does not
	// collect R acknowledgements before its deadline.
	ErrQuorumTimeout = errors.New("quorum not reached before timeout")
	// ErrNodeUnreachable marks a fan-out target that could not be contacted.
	ErrNodeUnreachable = errors.New("data node unreachable")
)

// Peer is the coordinator's handle on a connected client. Completion and
// failure notices for an operation are sent through it.
type Peer interface {
	Send(line string) error
}

// Config holds the coordinator's tunables.
type Config struct {
	ReplicationFactor int
	Timeout           time.Duration
	// Rand drives replica choice for loads. Nil means a time seeded source.
	Rand *rand.Rand
}

// Coordinator owns the membership registry, the file index and every
// in-flight operation.
type Coordinator struct {
	registry *cluster.Registry
	index    *index.Index
	locks    *keyedMutex
	pending  map[string]*operation
	rng      *rand.Rand
	ctx      context.Context
	cancel   context.CancelFunc

	// topology orders store reservations against node departures: a
	// departure either sees the new record or the store never picks the
	// departed node.
	topology  sync.RWMutex
	pendingMu sync.Mutex
	rngMu     sync.Mutex
	wg        sync.WaitGroup

	replication int
	timeout     time.Duration
}

// New returns a coordinator with an empty registry and index.
func New(cfg Config) *Coordinator {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry:    cluster.NewRegistry(),
		index:       index.New(),
		locks:       newKeyedMutex(),
		pending:     make(map[string]*operation),
		rng:         rng,
		ctx:         ctx,
		cancel:      cancel,
		replication: cfg.ReplicationFactor,
		timeout:     cfg.Timeout,
	}
}

// Registry exposes the membership registry.
func (c *Coordinator) Registry() *cluster.Registry { return c.registry }

// Index exposes the file index.
func (c *Coordinator) Index() *index.Index { return c.index }

// ReplicationFactor returns R.
func (c *Coordinator) ReplicationFactor() int { return c.replication }

// Close abandons every in-flight operation without notifying clients and
// waits for background goroutines to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Join registers a data node.
func (c *Coordinator) Join(id cluster.NodeID, conn cluster.Conn) error {
	if err := c.registry.Join(id, conn); err != nil {
		return err
	}
	log.WithField("node", id).Info("data node joined")
	return nil
}

// Heartbeat records a liveness signal from a data node.
func (c *Coordinator) Heartbeat(id cluster.NodeID) error {
	return c.registry.Heartbeat(id)
}

func (c *Coordinator) enoughNodes() error {
	if n := c.registry.Count(); n < c.replication {
		return errors.Wrapf(cluster.ErrInsufficientNodes, "have %d, need %d", n, c.replication)
	}
	return nil
}

func (c *Coordinator) notify(p Peer, line string, fields log.Fields) {
	if p == nil {
		return
	}
	if err := p.Send(line); err != nil {
		log.WithFields(fields).WithError(err).Warnf("could not deliver %s to client", line)
	}
}
