// Package dstore is the data node. It holds file replicas in a local pebble
// store, keeps a control connection to the coordinator open, and serves
// clients on its own port:
//
//	client -> node: STORE <file> <size>, then ACK, then <size> raw bytes
//	client -> node: LOAD_DATA <file>, answered with raw bytes
//	coordinator -> node: REMOVE <file>
//
// Finished writes and removes are reported to the coordinator as STORE_ACK,
// REMOVE_ACK or ERROR_FILE_DOES_NOT_EXIST on the control connection.
package dstore

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v4/disk"
	log "github.com/sirupsen/logrus"

	"replistore/engine"
	"replistore/protocol"
)

var (
	// ErrJoinRejected is returned when the coordinator refuses the JOIN.
	ErrJoinRejected = errors.New("coordinator rejected join")
	// ErrNotEnoughSpace is returned when a replica would not fit on disk.
	ErrNotEnoughSpace = errors.New("not enough disk space")
)

// Config holds a data node's settings.
type Config struct {
	ControllerAddr string
	// Dir is checked for free space before accepting a STORE. Empty skips
	// the check.
	Dir       string
	Timeout   time.Duration
	Heartbeat time.Duration
}

// Node is one running data node.
type Node struct {
	cfg     Config
	store   *engine.Engine
	lis     net.Listener
	control *protocol.LineConn
	reader  *bufio.Reader
	port    int
	wg      sync.WaitGroup

	// freeSpace reports free bytes under a path.
	freeSpace func(path string) (uint64, error)
}

func New(cfg Config, store *engine.Engine) *Node {
	return &Node{cfg: cfg, store: store, freeSpace: diskFree}
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, errors.Wrapf(err, "disk usage of %s", path)
	}
	return usage.Free, nil
}

// Listen binds the client port. The bound port is the node's identity.
func (n *Node) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	n.lis = lis
	n.port = lis.Addr().(*net.TCPAddr).Port
	return nil
}

// Port returns the bound client port.
func (n *Node) Port() int { return n.port }

// Join connects to the coordinator and announces the node. It returns once
// JOIN_ACK arrives.
func (n *Node) Join(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", n.cfg.ControllerAddr)
	if err != nil {
		return errors.Wrapf(err, "dial coordinator %s", n.cfg.ControllerAddr)
	}
	n.control = protocol.NewLineConn(conn, n.cfg.Timeout)
	n.reader = bufio.NewReader(conn)

	if err := n.control.Send(protocol.Line(protocol.Join, strconv.Itoa(n.port))); err != nil {
		conn.Close()
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	line, err := n.reader.ReadString('\n')
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "waiting for JOIN_ACK")
	}
	msg, err := protocol.Parse(line)
	if err != nil || msg.Command != protocol.JoinAck {
		conn.Close()
		return errors.Wrapf(ErrJoinRejected, "port %d: %q", n.port, line)
	}
	log.WithFields(log.Fields{"port": n.port, "coordinator": n.cfg.ControllerAddr}).Info("joined coordinator")
	return nil
}

// Run serves clients, sends heartbeats and answers coordinator commands
// until ctx is cancelled or the control connection drops.
func (n *Node) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		<-ctx.Done()
		n.lis.Close()
		n.control.Close()
	}()

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.heartbeat(ctx)
	}()
	controlErr := make(chan error, 1)
	go func() {
		defer n.wg.Done()
		controlErr <- n.serveControl()
		cancel()
	}()

	n.acceptClients(ctx)
	n.wg.Wait()

	err := <-controlErr
	if parent.Err() != nil {
		return nil
	}
	return errors.Wrap(err, "control connection lost")
}

func (n *Node) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.control.Send(protocol.Heartbeat); err != nil {
				log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (n *Node) acceptClients(ctx context.Context) {
	for {
		conn, err := n.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("could not accept client")
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleClient(conn)
		}()
	}
}
