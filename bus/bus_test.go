package bus

import (
	"bufio"
	"context"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replistore/coordinator"
	"replistore/protocol"
)

type peer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (p *peer) send(line string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func (p *peer) expect(want string) {
	p.t.Helper()
	assert.Equal(p.t, want, p.read())
}

func (p *peer) read() string {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := p.reader.ReadString('\n')
	require.NoError(p.t, err)
	return strings.TrimSpace(line)
}

func startServer(t *testing.T, r int, timeout time.Duration) (*coordinator.Coordinator, string) {
	t.Helper()
	coord := coordinator.New(coordinator.Config{ReplicationFactor: r, Timeout: timeout, Rand: rand.New(rand.NewSource(1))})
	srv := NewServer(coord)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		coord.Close()
	})
	return coord, srv.Addr().String()
}

func joinNode(t *testing.T, addr, port string) *peer {
	t.Helper()
	node := dial(t, addr)
	node.send("JOIN " + port)
	node.expect(protocol.JoinAck)
	return node
}

func TestStoreLoadRemoveRoundTrip(t *testing.T) {
	coord, addr := startServer(t, 1, 5*time.Second)
	node := joinNode(t, addr, "4001")
	client := dial(t, addr)

	client.send("STORE f 5")
	client.expect("STORE_TO 4001")
	node.send("STORE_ACK f")
	client.expect(protocol.StoreComplete)

	client.send("LIST")
	client.expect("LIST f")

	client.send("LOAD f")
	client.expect("LOAD_FROM 4001 5")
	client.send("RELOAD f")
	client.expect(protocol.FileDoesNotExist)

	client.send("STORE f 5")
	client.expect(protocol.FileAlreadyExists)

	client.send("REMOVE f")
	node.expect("REMOVE f")
	node.send("REMOVE_ACK f")
	client.expect(protocol.RemoveComplete)

	client.send("LIST")
	client.expect("LIST")
	assert.Equal(t, 0, coord.Index().Len())
}

func TestRemoveCountsMissingReplica(t *testing.T) {
	_, addr := startServer(t, 2, 5*time.Second)
	a := joinNode(t, addr, "4001")
	b := joinNode(t, addr, "4002")
	client := dial(t, addr)

	client.send("STORE f 1")
	client.expect("STORE_TO 4001 4002")
	a.send("STORE_ACK f")
	b.send("STORE_ACK f")
	client.expect(protocol.StoreComplete)

	client.send("REMOVE f")
	a.expect("REMOVE f")
	b.expect("REMOVE f")
	a.send("REMOVE_ACK f")
	b.send("ERROR_FILE_DOES_NOT_EXIST f")
	client.expect(protocol.RemoveComplete)
}

func TestNotEnoughNodes(t *testing.T) {
	coord, addr := startServer(t, 2, time.Second)
	joinNode(t, addr, "4001")
	client := dial(t, addr)

	client.send("STORE f 5")
	client.expect(protocol.NotEnoughNodes)
	client.send("LIST")
	client.expect(protocol.NotEnoughNodes)
	client.send("REMOVE f")
	client.expect(protocol.NotEnoughNodes)
	assert.Equal(t, 0, coord.Index().Len())
}

func TestDuplicateJoinClosesConnection(t *testing.T) {
	coord, addr := startServer(t, 1, time.Second)
	joinNode(t, addr, "4001")

	dup := dial(t, addr)
	dup.send("JOIN 4001")
	dup.expect(protocol.AlreadyJoined)

	require.NoError(t, dup.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := dup.reader.ReadString('\n')
	assert.Error(t, err, "connection is closed after the rejection")
	assert.Equal(t, 1, coord.Registry().Count())
}

func TestNodeDisconnectRunsDeparture(t *testing.T) {
	coord, addr := startServer(t, 1, 5*time.Second)
	node := joinNode(t, addr, "4001")
	client := dial(t, addr)

	client.send("STORE f 1")
	client.expect("STORE_TO 4001")
	node.send("STORE_ACK f")
	client.expect(protocol.StoreComplete)

	node.conn.Close()
	require.Eventually(t, func() bool { return coord.Registry().Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, coord.Index().Len(), "sole replica lost")

	// the port may join again
	joinNode(t, addr, "4001")
}

func TestMalformedLinesIgnored(t *testing.T) {
	_, addr := startServer(t, 1, time.Second)
	node := joinNode(t, addr, "4001")
	client := dial(t, addr)

	client.send("STORE onlyname")
	client.send("STORE f notanumber")
	client.send("")
	client.send("FROB")
	client.send("LIST")
	client.expect("LIST")

	node.send("STORE_ACK")
	node.send("HEARTBEAT")
	node.send("WHAT")
	client.send("STORE g 1")
	client.expect("STORE_TO 4001")
	node.send("STORE_ACK g")
	client.expect(protocol.StoreComplete)
}

func TestQuorumTimeoutReported(t *testing.T) {
	_, addr := startServer(t, 1, 50*time.Millisecond)
	joinNode(t, addr, "4001")
	client := dial(t, addr)

	client.send("STORE f 1")
	client.expect("STORE_TO 4001")
	client.expect(protocol.QuorumTimeout)

	client.send("STATUS")
	var lines []string
	for {
		line := client.read()
		if line == protocol.StatusEnd {
			break
		}
		lines = append(lines, line)
	}
	status := strings.Join(lines, "\n")
	assert.Contains(t, status, "4001")
	assert.Contains(t, status, "STORING", "timed out store stays listed for diagnosis")
}

func TestRenderStatus(t *testing.T) {
	coord := coordinator.New(coordinator.Config{ReplicationFactor: 2, Timeout: time.Minute})
	defer coord.Close()
	now := time.Now()

	out := RenderStatus(coord, now)
	assert.Contains(t, out, "replication factor 2")
	assert.Contains(t, strings.ToUpper(out), "NODE")
	assert.Contains(t, strings.ToUpper(out), "REPLICAS")
}
