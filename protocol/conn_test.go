package protocol

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineConnConcurrentLinesDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	lc := NewLineConn(server, time.Second)
	const n = 50

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = lc.Send(Line(StoreAck, "some-file-name"))
			}()
		}
		wg.Wait()
	}()

	reader := bufio.NewReader(client)
	for i := 0; i < n; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "STORE_ACK some-file-name\n", line)
	}
}

func TestLineConnWriteTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	lc := NewLineConn(server, 20*time.Millisecond)
	err := lc.Send("nobody reads this")
	assert.Error(t, err)
}
