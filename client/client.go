// Package client talks to a coordinator and its data nodes on behalf of an
// application. One Client holds one coordinator connection and issues one
// request at a time.
package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"replistore/protocol"
	"replistore/utils"
)

var (
	ErrNotEnoughNodes    = errors.New("not enough data nodes")
	ErrFileAlreadyExists = errors.New("file already exists")
	ErrFileDoesNotExist  = errors.New("file does not exist")
	ErrQuorumTimeout     = errors.New("quorum not reached")
	ErrUnexpectedReply   = errors.New("unexpected reply")
)

var tokenErrors = map[string]error{
	protocol.NotEnoughNodes:    ErrNotEnoughNodes,
	protocol.FileAlreadyExists: ErrFileAlreadyExists,
	protocol.FileDoesNotExist:  ErrFileDoesNotExist,
	protocol.QuorumTimeout:     ErrQuorumTimeout,
}

type Client struct {
	conn   net.Conn
	out    *protocol.LineConn
	reader *bufio.Reader
	host   string

	// Timeout bounds every read and transfer.
	Timeout time.Duration
	mu      sync.Mutex
}

// Dial connects to the coordinator at addr. Data nodes are assumed to run on
// the coordinator's host.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "coordinator address %q", addr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial coordinator %s", addr)
	}
	return &Client{
		conn:    conn,
		out:     protocol.NewLineConn(conn, timeout),
		reader:  bufio.NewReader(conn),
		host:    host,
		Timeout: timeout,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readReply(wait time.Duration) (protocol.Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return protocol.Message{}, err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return protocol.Message{}, errors.Wrap(err, "read coordinator reply")
	}
	msg, err := protocol.Parse(line)
	if err != nil {
		return protocol.Message{}, err
	}
	if e, ok := tokenErrors[msg.Command]; ok {
		return msg, e
	}
	return msg, nil
}

func (c *Client) request(line string) (protocol.Message, error) {
	if err := c.out.Send(line); err != nil {
		return protocol.Message{}, err
	}
	return c.readReply(c.Timeout)
}

// Store writes data as name on every node the coordinator picks and waits
// for the coordinator to confirm the write quorum.
func (c *Client) Store(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.request(protocol.Line(protocol.Store, name, strconv.Itoa(len(data))))
	if err != nil {
		return err
	}
	if reply.Command != protocol.StoreTo {
		return errors.Wrapf(ErrUnexpectedReply, "%q", reply.String())
	}

	var wg sync.WaitGroup
	for _, arg := range reply.Args {
		port, err := utils.ParsePort(arg)
		if err != nil {
			return errors.Wrap(ErrUnexpectedReply, err.Error())
		}
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			if err := c.upload(port, name, data); err != nil {
				// a failed replica shows up as a quorum timeout
				log.WithFields(log.Fields{"file": name, "node": port}).WithError(err).Warn("upload failed")
			}
		}(port)
	}
	wg.Wait()

	// the coordinator's own deadline runs from STORE_TO, so allow it plus slack
	done, err := c.readReply(2 * c.Timeout)
	if err != nil {
		return errors.Wrapf(err, "store %q", name)
	}
	if done.Command != protocol.StoreComplete {
		return errors.Wrapf(ErrUnexpectedReply, "%q", done.String())
	}
	return nil
}

func (c *Client) dialNode(port int) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.host, strconv.Itoa(port)), c.Timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial node %d", port)
	}
	if err := conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) upload(port int, name string, data []byte) error {
	conn, err := c.dialNode(port)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(protocol.Line(protocol.Store, name, strconv.Itoa(len(data))) + "\n")); err != nil {
		return err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "waiting for ACK")
	}
	if strings.TrimSpace(line) != protocol.Ack {
		return errors.Wrapf(ErrUnexpectedReply, "node %d: %q", port, strings.TrimSpace(line))
	}
	_, err = conn.Write(data)
	return err
}

// Load fetches name from one of its replicas. Failed transfers are retried
// with RELOAD until a replica delivers or none is left.
func (c *Client) Load(name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	command := protocol.Load
	var lastErr error
	for {
		reply, err := c.request(protocol.Line(command, name))
		if err != nil {
			if errors.Is(err, ErrFileDoesNotExist) && lastErr != nil {
				return nil, errors.Wrapf(err, "every replica failed, last: %v", lastErr)
			}
			return nil, err
		}
		if reply.Command != protocol.LoadFrom || len(reply.Args) != 2 {
			return nil, errors.Wrapf(ErrUnexpectedReply, "%q", reply.String())
		}
		port, err := utils.ParsePort(reply.Args[0])
		if err != nil {
			return nil, errors.Wrap(ErrUnexpectedReply, err.Error())
		}
		size, err := utils.ParseSize(reply.Args[1])
		if err != nil {
			return nil, errors.Wrap(ErrUnexpectedReply, err.Error())
		}

		data, err := c.download(port, name, size)
		if err == nil {
			return data, nil
		}
		log.WithFields(log.Fields{"file": name, "node": port}).WithError(err).Info("load failed, trying another replica")
		lastErr = err
		command = protocol.Reload
	}
}

func (c *Client) download(port int, name string, size int64) ([]byte, error) {
	conn, err := c.dialNode(port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(protocol.Line(protocol.LoadData, name) + "\n")); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	n, err := io.ReadFull(conn, data)
	if err != nil {
		if strings.HasPrefix(string(data[:n]), protocol.FileDoesNotExist) {
			return nil, errors.Wrapf(ErrFileDoesNotExist, "node %d", port)
		}
		return nil, errors.Wrapf(err, "node %d sent %d of %d bytes", port, n, size)
	}
	// the node closes after the contents; anything more means the reply was
	// an error token at least size bytes long
	var extra [len(protocol.FileDoesNotExist) + 1]byte
	m, _ := io.ReadFull(conn, extra[:])
	if m > 0 {
		if strings.HasPrefix(string(data)+string(extra[:m]), protocol.FileDoesNotExist) {
			return nil, errors.Wrapf(ErrFileDoesNotExist, "node %d", port)
		}
		return nil, errors.Wrapf(ErrUnexpectedReply, "node %d sent more than %d bytes", port, size)
	}
	return data, nil
}

// Remove deletes name and waits for the coordinator to confirm the remove
// quorum.
func (c *Client) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.out.Send(protocol.Line(protocol.Remove, name)); err != nil {
		return err
	}
	reply, err := c.readReply(2 * c.Timeout)
	if err != nil {
		return errors.Wrapf(err, "remove %q", name)
	}
	if reply.Command != protocol.RemoveComplete {
		return errors.Wrapf(ErrUnexpectedReply, "%q", reply.String())
	}
	return nil
}

// List returns the names of every fully stored file.
func (c *Client) List() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.request(protocol.List)
	if err != nil {
		return nil, err
	}
	if reply.Command != protocol.List {
		return nil, errors.Wrapf(ErrUnexpectedReply, "%q", reply.String())
	}
	return reply.Args, nil
}

// Status returns the coordinator's rendered node and file tables.
func (c *Client) Status() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.out.Send(protocol.Status); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return "", err
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return "", errors.Wrap(err, "read status")
		}
		if strings.TrimSpace(line) == protocol.StatusEnd {
			return b.String(), nil
		}
		b.WriteString(line)
	}
}
