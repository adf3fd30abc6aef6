// Package bus is the coordinator's TCP front end. Every accepted connection
// gets its own goroutine; the first line decides whether it is a data node
// (JOIN) or a client.
package bus

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"replistore/coordinator"
	"replistore/protocol"
)

// DefaultWriteTimeout bounds a single line write to a peer.
const DefaultWriteTimeout = 5 * time.Second

// Server accepts data node and client connections for one coordinator.
type Server struct {
	coord *coordinator.Coordinator
	lis   net.Listener
	conns map[net.Conn]struct{}
	mu    sync.Mutex
	wg    sync.WaitGroup

	writeTimeout time.Duration
}

func NewServer(coord *coordinator.Coordinator) *Server {
	return &Server{
		coord:        coord,
		conns:        make(map[net.Conn]struct{}),
		writeTimeout: DefaultWriteTimeout,
	}
}

// Listen binds addr, for example ":12345".
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.lis = lis
	return nil
}

// Addr returns the bound address. It is only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes every open
// connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context) error {
	if s.lis == nil {
		return errors.New("bus: Serve called before Listen")
	}
	go func() {
		<-ctx.Done()
		s.lis.Close()
	}()

	log.WithField("addr", s.lis.Addr().String()).Info("coordinator listening")
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll()
				s.wg.Wait()
				return nil
			}
			log.WithError(err).Error("could not accept connection")
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	lc := protocol.NewLineConn(conn, s.writeTimeout)
	reader := bufio.NewReader(conn)

	first, err := readMessage(reader, lc)
	if err != nil {
		return
	}
	if first.Command == protocol.Join {
		s.handleNode(reader, lc, first)
		return
	}
	s.handleClient(reader, lc, first)
}

// readMessage returns the next well formed line. Malformed lines are logged
// and skipped.
func readMessage(reader *bufio.Reader, lc *protocol.LineConn) (protocol.Message, error) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.WithField("peer", lc.String()).WithError(err).Warn("read failed")
			}
			if strings.TrimSpace(line) == "" {
				return protocol.Message{}, err
			}
		}
		msg, perr := protocol.Parse(line)
		if perr != nil {
			log.WithField("peer", lc.String()).WithError(perr).Debug("ignoring line")
			if err != nil {
				return protocol.Message{}, err
			}
			continue
		}
		return msg, nil
	}
}
