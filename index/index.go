// Package index is the authoritative map from filename to file record.
//
// The map is split into shards picked by the CRC16 of the filename so reads
// of unrelated files do not contend on one lock. The index does not
// serialise multi-step operations on a file; callers hold a per-filename lock
// around read-modify-write sequences.
package index

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"replistore/cluster"
	"replistore/utils"
)

var (
	// ErrFileAlreadyExists is returned when a record already exists for a name.
	ErrFileAlreadyExists = errors.New("file already exists")
	// ErrFileDoesNotExist is returned when no usable record exists for a name.
	ErrFileDoesNotExist = errors.New("file does not exist")
)

// State is the lifecycle position of a file record.
type State int

const (
	Storing State = iota
	Stored
	Removing
)

func (s State) String() string {
	switch s {
	case Storing:
		return "STORING"
	case Stored:
		return "STORED"
	case Removing:
		return "REMOVING"
	default:
		return "UNKNOWN"
	}
}

// Record describes one file. Records handed out by the index are copies.
type Record struct {
	Name     string
	Size     int64
	State    State
	Replicas []cluster.NodeID
}

// HasReplica reports whether id holds a replica of the file.
func (r Record) HasReplica(id cluster.NodeID) bool {
	for _, n := range r.Replicas {
		if n == id {
			return true
		}
	}
	return false
}

func (r Record) clone() Record {
	r.Replicas = append([]cluster.NodeID(nil), r.Replicas...)
	return r
}

const defaultShards = 32

type shard struct {
	files map[string]*Record
	mu    sync.RWMutex
}

// Index holds every file record.
type Index struct {
	shards []*shard
}

// New returns an empty index.
func New() *Index {
	idx := &Index{shards: make([]*shard, defaultShards)}
	for i := range idx.shards {
		idx.shards[i] = &shard{files: make(map[string]*Record)}
	}
	return idx
}

func (idx *Index) shardFor(name string) *shard {
	return idx.shards[utils.Bucket(name, len(idx.shards))]
}

// Get returns a copy of the record for name.
func (idx *Index) Get(name string) (Record, bool) {
	s := idx.shardFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[name]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Create inserts a new record in the Storing state.
func (idx *Index) Create(name string, size int64, replicas []cluster.NodeID) error {
	s := idx.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[name]; ok {
		return errors.Wrapf(ErrFileAlreadyExists, "%q", name)
	}
	s.files[name] = &Record{
		Name:     name,
		Size:     size,
		State:    Storing,
		Replicas: append([]cluster.NodeID(nil), replicas...),
	}
	return nil
}

// Transition moves name from one state to another. It fails with
// ErrFileDoesNotExist if the record is missing or not in from.
func (idx *Index) Transition(name string, from, to State) (Record, error) {
	s := idx.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[name]
	if !ok || rec.State != from {
		return Record{}, errors.Wrapf(ErrFileDoesNotExist, "%q", name)
	}
	rec.State = to
	return rec.clone(), nil
}

// Delete removes the record for name and returns what was removed.
func (idx *Index) Delete(name string) (Record, bool) {
	s := idx.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[name]
	if !ok {
		return Record{}, false
	}
	delete(s.files, name)
	return *rec, true
}

// DropReplica removes id from name's replica set. It reports whether the
// record held id and how many replicas remain. The state is left alone.
func (idx *Index) DropReplica(name string, id cluster.NodeID) (dropped bool, remaining int) {
	s := idx.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[name]
	if !ok {
		return false, 0
	}
	out := rec.Replicas[:0]
	for _, n := range rec.Replicas {
		if n == id {
			dropped = true
			continue
		}
		out = append(out, n)
	}
	rec.Replicas = out
	return dropped, len(out)
}

// Names returns every filename in the index, in no particular order.
func (idx *Index) Names() []string {
	var out []string
	for _, s := range idx.shards {
		s.mu.RLock()
		for name := range s.files {
			out = append(out, name)
		}
		s.mu.RUnlock()
	}
	return out
}

// List returns the sorted names of every record in state.
func (idx *Index) List(state State) []string {
	var out []string
	for _, s := range idx.shards {
		s.mu.RLock()
		for name, rec := range s.files {
			if rec.State == state {
				out = append(out, name)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Records returns a copy of every record sorted by name.
func (idx *Index) Records() []Record {
	var out []Record
	for _, s := range idx.shards {
		s.mu.RLock()
		for _, rec := range s.files {
			out = append(out, rec.clone())
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of records.
func (idx *Index) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.files)
		s.mu.RUnlock()
	}
	return n
}
