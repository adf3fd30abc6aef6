package engine

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *Engine {
	t.Helper()
	e, err := Open("replicas", Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetDelete(t *testing.T) {
	e := openMem(t)

	require.NoError(t, e.Put("a.txt", []byte("hello")))
	got, err := e.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	ok, err := e.Has("a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, e.Delete("a.txt"))
	_, err = e.Get("a.txt")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = e.Delete("a.txt")
	assert.True(t, errors.Is(err, ErrNotFound), "second delete reports the file missing")
}

func TestPutOverwrites(t *testing.T) {
	e := openMem(t)
	require.NoError(t, e.Put("f", []byte("one")))
	require.NoError(t, e.Put("f", []byte("two")))

	got, err := e.Get("f")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestEmptyFile(t *testing.T) {
	e := openMem(t)
	require.NoError(t, e.Put("empty", nil))

	ok, err := e.Has("empty")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := e.Get("empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNamesAndWipe(t *testing.T) {
	e := openMem(t)
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, e.Put(name, []byte(name)))
	}

	names, err := e.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	require.NoError(t, e.Wipe())
	names, err = e.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}
