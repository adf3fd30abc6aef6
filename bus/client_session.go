package bus

import (
	"bufio"
	"strconv"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"replistore/cluster"
	"replistore/coordinator"
	"replistore/index"
	"replistore/protocol"
	"replistore/utils"
)

// handleClient serves one client connection. A client may issue any number
// of requests; LOAD/RELOAD state lives as long as the connection.
func (s *Server) handleClient(reader *bufio.Reader, lc *protocol.LineConn, first protocol.Message) {
	session := coordinator.NewLoadSession()
	entry := log.WithFields(log.Fields{"client": lc.String(), "session": session.ID.String()})

	msg := first
	for {
		s.dispatchClient(lc, session, msg, entry)

		var err error
		if msg, err = readMessage(reader, lc); err != nil {
			entry.Debug("client disconnected")
			return
		}
	}
}

func (s *Server) dispatchClient(lc *protocol.LineConn, session *coordinator.LoadSession, msg protocol.Message, entry *log.Entry) {
	entry = entry.WithField("cmd", msg.Command)

	switch msg.Command {
	case protocol.Store:
		if err := msg.Expect(2); err != nil {
			entry.WithError(err).Warn("ignoring line")
			return
		}
		size, err := utils.ParseSize(msg.Args[1])
		if err != nil {
			entry.WithError(err).Warn("ignoring line")
			return
		}
		// STORE_TO is sent by the coordinator itself
		if err := s.coord.Store(msg.Args[0], size, lc); err != nil {
			s.replyError(lc, err, entry)
		}

	case protocol.Remove:
		if err := msg.Expect(1); err != nil {
			entry.WithError(err).Warn("ignoring line")
			return
		}
		if err := s.coord.Remove(msg.Args[0], lc); err != nil {
			s.replyError(lc, err, entry)
		}

	case protocol.List:
		names, err := s.coord.List()
		if err != nil {
			s.replyError(lc, err, entry)
			return
		}
		s.reply(lc, protocol.Line(protocol.List, names...), entry)

	case protocol.Load, protocol.Reload:
		if err := msg.Expect(1); err != nil {
			entry.WithError(err).Warn("ignoring line")
			return
		}
		pick := s.coord.Load
		if msg.Command == protocol.Reload {
			pick = s.coord.Reload
		}
		node, size, err := pick(session, msg.Args[0])
		if err != nil {
			s.replyError(lc, err, entry)
			return
		}
		s.reply(lc, protocol.Line(protocol.LoadFrom, strconv.Itoa(int(node)), strconv.FormatInt(size, 10)), entry)

	case protocol.Status:
		s.sendStatus(lc, entry)

	default:
		entry.WithField("line", msg.String()).Warn("unknown client command ignored")
	}
}

func (s *Server) reply(lc *protocol.LineConn, line string, entry *log.Entry) {
	if err := lc.Send(line); err != nil {
		entry.WithError(err).Warn("could not reply to client")
	}
}

// replyError maps a coordinator failure to its protocol token.
func (s *Server) replyError(lc *protocol.LineConn, err error, entry *log.Entry) {
	var token string
	switch {
	case errors.Is(err, cluster.ErrInsufficientNodes):
		token = protocol.NotEnoughNodes
	case errors.Is(err, index.ErrFileAlreadyExists):
		token = protocol.FileAlreadyExists
	case errors.Is(err, index.ErrFileDoesNotExist):
		token = protocol.FileDoesNotExist
	default:
		entry.WithError(err).Error("request failed")
		return
	}
	entry.WithError(err).Info("request rejected")
	s.reply(lc, token, entry)
}
