package dstore

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replistore/engine"
	"replistore/protocol"
)

// fakeCoordinator accepts one control connection and exposes its lines.
type fakeCoordinator struct {
	t      *testing.T
	lis    net.Listener
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	return &fakeCoordinator{t: t, lis: lis}
}

// accept takes the node's connection and answers its JOIN with reply.
func (f *fakeCoordinator) accept(reply string) string {
	conn, err := f.lis.Accept()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	f.conn = conn
	f.reader = bufio.NewReader(conn)
	join := f.read()
	_, err = conn.Write([]byte(reply + "\n"))
	require.NoError(f.t, err)
	return join
}

func (f *fakeCoordinator) read() string {
	require.NoError(f.t, f.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := f.reader.ReadString('\n')
	require.NoError(f.t, err)
	return strings.TrimSpace(line)
}

// readSkippingHeartbeats returns the next line that is not a heartbeat.
func (f *fakeCoordinator) readSkippingHeartbeats() string {
	for {
		if line := f.read(); line != protocol.Heartbeat {
			return line
		}
	}
}

func (f *fakeCoordinator) send(line string) {
	_, err := f.conn.Write([]byte(line + "\n"))
	require.NoError(f.t, err)
}

func startNode(t *testing.T, dir string, free func(string) (uint64, error)) (*Node, *fakeCoordinator, *engine.Engine) {
	t.Helper()
	store, err := engine.Open("replicas", engine.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	coord := newFakeCoordinator(t)
	node := New(Config{
		ControllerAddr: coord.lis.Addr().String(),
		Dir:            dir,
		Timeout:        2 * time.Second,
		Heartbeat:      20 * time.Millisecond,
	}, store)
	if free != nil {
		node.freeSpace = free
	}
	require.NoError(t, node.Listen("127.0.0.1:0"))

	joined := make(chan error, 1)
	go func() { joined <- node.Join(context.Background()) }()
	assert.Equal(t, "JOIN "+strconv.Itoa(node.Port()), coord.accept(protocol.JoinAck))
	require.NoError(t, <-joined)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return node, coord, store
}

func dialNode(t *testing.T, node *Node) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(node.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	return conn, bufio.NewReader(conn)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestStoreAndLoad(t *testing.T) {
	node, coord, store := startNode(t, "", nil)

	conn, reader := dialNode(t, node)
	_, err := conn.Write([]byte("STORE f.txt 5\n"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Ack, readLine(t, reader))
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, "STORE_ACK f.txt", coord.readSkippingHeartbeats())
	got, err := store.Get("f.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	conn, reader = dialNode(t, node)
	_, err = conn.Write([]byte("LOAD_DATA f.txt\n"))
	require.NoError(t, err)
	data := make([]byte, 5)
	_, err = io.ReadFull(reader, data)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestLoadMissingFile(t *testing.T) {
	node, _, _ := startNode(t, "", nil)

	conn, reader := dialNode(t, node)
	_, err := conn.Write([]byte("LOAD_DATA nope\n"))
	require.NoError(t, err)
	assert.Equal(t, protocol.FileDoesNotExist, readLine(t, reader))
}

func TestRemoveReportsToCoordinator(t *testing.T) {
	_, coord, store := startNode(t, "", nil)
	require.NoError(t, store.Put("f", []byte("x")))

	coord.send("REMOVE f")
	assert.Equal(t, "REMOVE_ACK f", coord.readSkippingHeartbeats())
	ok, err := store.Has("f")
	require.NoError(t, err)
	assert.False(t, ok)

	coord.send("REMOVE f")
	assert.Equal(t, "ERROR_FILE_DOES_NOT_EXIST f", coord.readSkippingHeartbeats())
}

func TestHeartbeatsSent(t *testing.T) {
	_, coord, _ := startNode(t, "", nil)
	assert.Equal(t, protocol.Heartbeat, coord.read())
	assert.Equal(t, protocol.Heartbeat, coord.read())
}

func TestStoreRefusedWithoutSpace(t *testing.T) {
	node, _, store := startNode(t, "/data", func(string) (uint64, error) { return 3, nil })

	conn, reader := dialNode(t, node)
	_, err := conn.Write([]byte("STORE big 10\n"))
	require.NoError(t, err)
	assert.Equal(t, protocol.NotEnoughSpace, readLine(t, reader))

	ok, err := store.Has("big")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJoinRejected(t *testing.T) {
	store, err := engine.Open("replicas", engine.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer store.Close()

	coord := newFakeCoordinator(t)
	node := New(Config{ControllerAddr: coord.lis.Addr().String(), Timeout: time.Second, Heartbeat: time.Second}, store)
	require.NoError(t, node.Listen("127.0.0.1:0"))
	defer node.lis.Close()

	joined := make(chan error, 1)
	go func() { joined <- node.Join(context.Background()) }()
	coord.accept(protocol.AlreadyJoined)

	err = <-joined
	assert.True(t, errors.Is(err, ErrJoinRejected))
}

func TestCheckSpace(t *testing.T) {
	n := &Node{cfg: Config{Dir: "/data"}, freeSpace: func(string) (uint64, error) { return 100, nil }}
	assert.NoError(t, n.checkSpace(100))
	assert.True(t, errors.Is(n.checkSpace(101), ErrNotEnoughSpace))

	n.freeSpace = func(string) (uint64, error) { return 0, errors.New("no such path") }
	assert.NoError(t, n.checkSpace(1<<40), "unknown free space does not block writes")

	n.cfg.Dir = ""
	n.freeSpace = func(string) (uint64, error) { return 0, nil }
	assert.NoError(t, n.checkSpace(10))
}
