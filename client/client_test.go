package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replistore/bus"
	"replistore/coordinator"
	"replistore/dstore"
	"replistore/engine"
)

type cluster struct {
	coord  *coordinator.Coordinator
	addr   string
	stores []*engine.Engine
	nodes  []*dstore.Node
}

// startCluster runs a coordinator with replication r and n data nodes, all
// in process on loopback.
func startCluster(t *testing.T, r, n int) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	coord := coordinator.New(coordinator.Config{ReplicationFactor: r, Timeout: 2 * time.Second})
	srv := bus.NewServer(coord)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	cl := &cluster{coord: coord, addr: srv.Addr().String()}
	running := make(chan error, n)
	for i := 0; i < n; i++ {
		store, err := engine.Open(fmt.Sprintf("node%d", i), engine.Options{FS: vfs.NewMem()})
		require.NoError(t, err)
		node := dstore.New(dstore.Config{
			ControllerAddr: cl.addr,
			Timeout:        2 * time.Second,
			Heartbeat:      time.Second,
		}, store)
		require.NoError(t, node.Listen("127.0.0.1:0"))
		require.NoError(t, node.Join(ctx))
		go func() { running <- node.Run(ctx) }()

		cl.stores = append(cl.stores, store)
		cl.nodes = append(cl.nodes, node)
	}

	t.Cleanup(func() {
		cancel()
		for i := 0; i < n; i++ {
			<-running
		}
		<-served
		coord.Close()
		for _, s := range cl.stores {
			s.Close()
		}
	})
	return cl
}

func (cl *cluster) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), cl.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndToEnd(t *testing.T) {
	cl := startCluster(t, 3, 3)
	c := cl.dial(t)

	require.NoError(t, c.Store("hello.txt", []byte("hello, world")))
	for i, s := range cl.stores {
		got, err := s.Get("hello.txt")
		require.NoError(t, err, "node %d", i)
		assert.Equal(t, "hello, world", string(got))
	}

	names, err := c.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"hello.txt"}, names)

	data, err := c.Load("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(data))

	err = c.Store("hello.txt", []byte("again"))
	assert.True(t, errors.Is(err, ErrFileAlreadyExists))

	require.NoError(t, c.Remove("hello.txt"))
	names, err = c.List()
	require.NoError(t, err)
	assert.Empty(t, names)
	for _, s := range cl.stores {
		ok, err := s.Has("hello.txt")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	_, err = c.Load("hello.txt")
	assert.True(t, errors.Is(err, ErrFileDoesNotExist))
	err = c.Remove("hello.txt")
	assert.True(t, errors.Is(err, ErrFileDoesNotExist))
}

func TestLoadFallsBackToAnotherReplica(t *testing.T) {
	cl := startCluster(t, 3, 3)
	c := cl.dial(t)
	require.NoError(t, c.Store("f", []byte("abc")))

	// two replicas lose the file behind the coordinator's back
	require.NoError(t, cl.stores[0].Delete("f"))
	require.NoError(t, cl.stores[1].Delete("f"))

	data, err := c.Load("f")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	require.NoError(t, cl.stores[2].Delete("f"))
	_, err = c.Load("f")
	assert.True(t, errors.Is(err, ErrFileDoesNotExist))
}

func TestNotEnoughNodes(t *testing.T) {
	cl := startCluster(t, 3, 2)
	c := cl.dial(t)

	err := c.Store("f", []byte("x"))
	assert.True(t, errors.Is(err, ErrNotEnoughNodes))
	_, err = c.List()
	assert.True(t, errors.Is(err, ErrNotEnoughNodes))
}

func TestEmptyFileAndStatus(t *testing.T) {
	cl := startCluster(t, 2, 3)
	c := cl.dial(t)

	require.NoError(t, c.Store("empty", nil))
	data, err := c.Load("empty")
	require.NoError(t, err)
	assert.Empty(t, data)

	status, err := c.Status()
	require.NoError(t, err)
	assert.Contains(t, status, "empty")
	assert.Contains(t, status, "STORED")
}
