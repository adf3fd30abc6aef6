package coordinator

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"replistore/cluster"
	"replistore/index"
)

// LoadSession remembers, per filename, which replicas a client has already
// been sent to. It belongs to one client connection and is not safe for
// concurrent use.
type LoadSession struct {
	ID    uuid.UUID
	tried map[string]map[cluster.NodeID]struct{}
}

func NewLoadSession() *LoadSession {
	return &LoadSession{ID: uuid.New(), tried: make(map[string]map[cluster.NodeID]struct{})}
}

// Tried returns the replicas already offered for name, in id order.
func (s *LoadSession) Tried(name string) []cluster.NodeID {
	out := make([]cluster.NodeID, 0, len(s.tried[name]))
	for id := range s.tried[name] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// List returns every Stored filename in name order.
func (c *Coordinator) List() ([]string, error) {
	if err := c.enoughNodes(); err != nil {
		return nil, err
	}
	return c.index.List(index.Stored), nil
}

// Load starts a fresh load of name for s and picks a replica at random.
func (c *Coordinator) Load(s *LoadSession, name string) (cluster.NodeID, int64, error) {
	delete(s.tried, name)
	return c.pick(s, name)
}

// Reload picks another replica of name, never one already offered to s.
// It fails with index.ErrFileDoesNotExist once every replica was tried.
func (c *Coordinator) Reload(s *LoadSession, name string) (cluster.NodeID, int64, error) {
	return c.pick(s, name)
}

func (c *Coordinator) pick(s *LoadSession, name string) (cluster.NodeID, int64, error) {
	rec, ok := c.index.Get(name)
	if !ok || rec.State != index.Stored || len(rec.Replicas) == 0 {
		return 0, 0, errors.Wrapf(index.ErrFileDoesNotExist, "%q", name)
	}

	tried := s.tried[name]
	candidates := slices.DeleteFunc(rec.Replicas, func(id cluster.NodeID) bool {
		_, seen := tried[id]
		return seen
	})
	if len(candidates) == 0 {
		return 0, 0, errors.Wrapf(index.ErrFileDoesNotExist, "%q: every replica tried", name)
	}

	c.rngMu.Lock()
	chosen := candidates[c.rng.Intn(len(candidates))]
	c.rngMu.Unlock()

	if tried == nil {
		tried = make(map[cluster.NodeID]struct{})
		s.tried[name] = tried
	}
	tried[chosen] = struct{}{}
	return chosen, rec.Size, nil
}
