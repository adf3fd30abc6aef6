package dstore

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"replistore/engine"
	"replistore/protocol"
	"replistore/utils"
)

// serveControl answers coordinator commands until the connection fails.
func (n *Node) serveControl() error {
	for {
		line, err := n.reader.ReadString('\n')
		if err != nil {
			return err
		}
		msg, err := protocol.Parse(line)
		if err != nil {
			log.WithError(err).Debug("ignoring control line")
			continue
		}

		switch msg.Command {
		case protocol.Remove:
			if err := msg.Expect(1); err != nil {
				log.WithError(err).Warn("ignoring control line")
				continue
			}
			n.remove(msg.Args[0])
		default:
			log.WithField("line", msg.String()).Warn("unknown coordinator command ignored")
		}
	}
}

func (n *Node) remove(name string) {
	entry := log.WithField("file", name)
	err := n.store.Delete(name)
	switch {
	case err == nil:
		entry.Info("replica removed")
		n.report(protocol.Line(protocol.RemoveAck, name))
	case errors.Is(err, engine.ErrNotFound):
		entry.Info("remove for a file not held")
		n.report(protocol.Line(protocol.FileDoesNotExist, name))
	default:
		// no answer; the coordinator times the remove out
		entry.WithError(err).Error("remove failed")
	}
}

func (n *Node) report(line string) {
	if err := n.control.Send(line); err != nil {
		log.WithError(err).Warnf("could not report %q to coordinator", line)
	}
}

// handleClient serves one client request. Clients connect per transfer.
func (n *Node) handleClient(conn net.Conn) {
	defer conn.Close()
	out := protocol.NewLineConn(conn, n.cfg.Timeout)
	reader := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(n.cfg.Timeout))
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	msg, err := protocol.Parse(line)
	if err != nil {
		log.WithField("client", out.String()).WithError(err).Debug("ignoring line")
		return
	}

	switch msg.Command {
	case protocol.Store:
		n.receive(conn, reader, out, msg)
	case protocol.LoadData:
		n.send(out, msg)
	default:
		log.WithField("line", msg.String()).Warn("unknown client command ignored")
	}
}

// receive handles STORE <file> <size>.
func (n *Node) receive(conn net.Conn, reader *bufio.Reader, out *protocol.LineConn, msg protocol.Message) {
	if err := msg.Expect(2); err != nil {
		log.WithError(err).Warn("ignoring line")
		return
	}
	name := msg.Args[0]
	size, err := utils.ParseSize(msg.Args[1])
	if err != nil {
		log.WithError(err).Warn("ignoring line")
		return
	}
	entry := log.WithFields(log.Fields{"file": name, "size": size})

	if err := n.checkSpace(size); err != nil {
		entry.WithError(err).Warn("store refused")
		_ = out.Send(protocol.NotEnoughSpace)
		return
	}
	if err := out.Send(protocol.Ack); err != nil {
		entry.WithError(err).Warn("could not acknowledge store")
		return
	}

	data := make([]byte, size)
	_ = conn.SetReadDeadline(time.Now().Add(n.cfg.Timeout))
	if _, err := io.ReadFull(reader, data); err != nil {
		entry.WithError(err).Warn("transfer incomplete, nothing stored")
		return
	}
	if err := n.store.Put(name, data); err != nil {
		entry.WithError(err).Error("could not persist replica")
		return
	}
	entry.Info("replica stored")
	n.report(protocol.Line(protocol.StoreAck, name))
}

// send handles LOAD_DATA <file>.
func (n *Node) send(out *protocol.LineConn, msg protocol.Message) {
	if err := msg.Expect(1); err != nil {
		log.WithError(err).Warn("ignoring line")
		return
	}
	name := msg.Args[0]
	data, err := n.store.Get(name)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			_ = out.Send(protocol.FileDoesNotExist)
			return
		}
		log.WithField("file", name).WithError(err).Error("could not read replica")
		return
	}
	if _, err := out.Write(data); err != nil {
		log.WithField("file", name).WithError(err).Warn("load transfer failed")
		return
	}
	log.WithFields(log.Fields{"file": name, "size": len(data)}).Debug("replica sent")
}

func (n *Node) checkSpace(size int64) error {
	if n.cfg.Dir == "" || n.freeSpace == nil {
		return nil
	}
	free, err := n.freeSpace(n.cfg.Dir)
	if err != nil {
		// unknown free space does not block writes
		log.WithError(err).Debug("free space check skipped")
		return nil
	}
	if uint64(size) > free {
		return errors.Wrapf(ErrNotEnoughSpace, "need %s bytes, have %d", strconv.FormatInt(size, 10), free)
	}
	return nil
}
