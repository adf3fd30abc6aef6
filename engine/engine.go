// Package engine is the data node's local replica store, kept in pebble.
// File contents live under "file:<name>" keys.
package engine

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned for a file the store does not hold.
var ErrNotFound = errors.New("file not found")

const filePrefix = "file:"

// Options tune Open. The zero value opens an on-disk store.
type Options struct {
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
	// Retries is how many times a locked directory is retried.
	Retries int
	// RetryDelay separates lock retries.
	RetryDelay time.Duration
}

type Engine struct {
	Db *pebble.DB
}

// Open opens the store in dir. A directory still locked by a previous
// process is retried a few times before giving up.
func Open(dir string, opts Options) (*Engine, error) {
	if opts.Retries == 0 {
		opts.Retries = 5
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}

	var err error
	for i := 0; i <= opts.Retries; i++ {
		var db *pebble.DB
		db, err = pebble.Open(dir, &pebble.Options{FS: opts.FS})
		if err == nil {
			log.WithField("dir", dir).Info("replica store opened")
			return &Engine{Db: db}, nil
		}
		if !isLocked(err) {
			return nil, errors.Wrapf(err, "open pebble at %s", dir)
		}
		log.WithField("dir", dir).Warnf("store is locked, retry %d/%d", i+1, opts.Retries)
		time.Sleep(opts.RetryDelay)
	}
	return nil, errors.Wrapf(err, "pebble at %s stayed locked", dir)
}

func isLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") ||
		strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "used by another process")
}

func (e *Engine) Close() error {
	if e.Db == nil {
		return nil
	}
	return e.Db.Close()
}

func fileKey(name string) []byte {
	return []byte(filePrefix + name)
}

// Put stores data as the replica of name, replacing any previous copy.
func (e *Engine) Put(name string, data []byte) error {
	return errors.Wrapf(e.Db.Set(fileKey(name), data, pebble.Sync), "put %q", name)
}

// Get returns a copy of name's contents.
func (e *Engine) Get(name string) ([]byte, error) {
	val, closer, err := e.Db.Get(fileKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "%q", name)
		}
		return nil, errors.Wrapf(err, "get %q", name)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Has reports whether name is stored.
func (e *Engine) Has(name string) (bool, error) {
	_, err := e.Get(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes name. It fails with ErrNotFound if name is not stored.
func (e *Engine) Delete(name string) error {
	ok, err := e.Has(name)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	return errors.Wrapf(e.Db.Delete(fileKey(name), pebble.Sync), "delete %q", name)
}

// Names lists every stored file in key order.
func (e *Engine) Names() ([]string, error) {
	iter, err := e.Db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(filePrefix),
		UpperBound: prefixEnd(filePrefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterate")
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, strings.TrimPrefix(string(iter.Key()), filePrefix))
	}
	return out, nil
}

// Wipe drops every stored file. Data nodes start empty.
func (e *Engine) Wipe() error {
	return errors.Wrap(e.Db.DeleteRange([]byte(filePrefix), prefixEnd(filePrefix), pebble.Sync), "wipe")
}

func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}
