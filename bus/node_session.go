package bus

import (
	"bufio"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"replistore/cluster"
	"replistore/protocol"
	"replistore/utils"
)

// handleNode runs the control session of a data node.
// expected first line: JOIN <port>
func (s *Server) handleNode(reader *bufio.Reader, lc *protocol.LineConn, join protocol.Message) {
	if err := join.Expect(1); err != nil {
		log.WithField("peer", lc.String()).WithError(err).Warn("bad JOIN, closing")
		return
	}
	port, err := utils.ParsePort(join.Args[0])
	if err != nil {
		log.WithField("peer", lc.String()).WithError(err).Warn("bad JOIN, closing")
		return
	}
	id := cluster.NodeID(port)

	if err := s.coord.Join(id, lc); err != nil {
		if errors.Is(err, cluster.ErrAlreadyJoined) {
			_ = lc.Send(protocol.AlreadyJoined)
		}
		log.WithField("node", id).WithError(err).Warn("join rejected")
		return
	}
	if err := lc.Send(protocol.JoinAck); err != nil {
		log.WithField("node", id).WithError(err).Warn("could not acknowledge join")
		s.coord.Departed(id, lc)
		return
	}

	entry := log.WithField("node", id)
	for {
		msg, err := readMessage(reader, lc)
		if err != nil {
			entry.Info("control connection closed")
			s.coord.Departed(id, lc)
			return
		}
		s.dispatchNode(id, msg, entry)
	}
}

func (s *Server) dispatchNode(id cluster.NodeID, msg protocol.Message, entry *log.Entry) {
	switch msg.Command {
	case protocol.Heartbeat:
		if err := s.coord.Heartbeat(id); err != nil {
			entry.WithError(err).Debug("heartbeat from departed node")
		}
	case protocol.StoreAck:
		if err := msg.Expect(1); err != nil {
			entry.WithError(err).Warn("ignoring line")
			return
		}
		s.coord.StoreAck(id, msg.Args[0])
	case protocol.RemoveAck:
		if err := msg.Expect(1); err != nil {
			entry.WithError(err).Warn("ignoring line")
			return
		}
		s.coord.RemoveAck(id, msg.Args[0])
	case protocol.FileDoesNotExist:
		// only meaningful as the answer to a REMOVE fan-out
		if err := msg.Expect(1); err != nil {
			entry.WithError(err).Warn("ignoring line")
			return
		}
		s.coord.RemoveMissing(id, msg.Args[0])
	default:
		entry.WithField("line", msg.String()).Warn("unknown command from data node ignored")
	}
}
