// Package protocol holds the command tokens of the control protocol spoken
// between the coordinator, data nodes and clients. Every message is a single
// line of space separated ASCII fields terminated by '\n'.
package protocol

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Data node <-> coordinator.
const (
	Join          = "JOIN"
	JoinAck       = "JOIN_ACK"
	Heartbeat     = "HEARTBEAT"
	StoreAck      = "STORE_ACK"
	RemoveAck     = "REMOVE_ACK"
	AlreadyJoined = "ERROR_DSTORE_ALREADY_JOINED"
)

// Client <-> coordinator.
const (
	Store          = "STORE"
	StoreTo        = "STORE_TO"
	StoreComplete  = "STORE_COMPLETE"
	Remove         = "REMOVE"
	RemoveComplete = "REMOVE_COMPLETE"
	List           = "LIST"
	Load           = "LOAD"
	Reload         = "RELOAD"
	LoadFrom       = "LOAD_FROM"
	Status         = "STATUS"

	NotEnoughNodes    = "ERROR_NOT_ENOUGH_DSTORES"
	FileAlreadyExists = "ERROR_FILE_ALREADY_EXISTS"
	FileDoesNotExist  = "ERROR_FILE_DOES_NOT_EXIST"
	QuorumTimeout     = "ERROR_QUORUM_TIMEOUT"
)

// Client <-> data node.
const (
	Ack            = "ACK"
	LoadData       = "LOAD_DATA"
	NotEnoughSpace = "ERROR_NOT_ENOUGH_SPACE"
)

// StatusEnd terminates the multi-line STATUS reply.
const StatusEnd = "STATUS_END"

// ErrMalformed is returned for lines that do not match a command's shape.
var ErrMalformed = errors.New("malformed command")

// Message is one parsed protocol line.
type Message struct {
	Command string
	Args    []string
}

// Parse splits a raw line into its command and arguments. Surrounding
// whitespace, including the line terminator, is ignored.
func Parse(line string) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Message{}, errors.Wrap(ErrMalformed, "empty line")
	}
	return Message{Command: parts[0], Args: parts[1:]}, nil
}

// Expect checks that m carries exactly n arguments.
func (m Message) Expect(n int) error {
	if len(m.Args) != n {
		return errors.Wrapf(ErrMalformed, "%s expects %d argument(s), got %d", m.Command, n, len(m.Args))
	}
	return nil
}

// String renders the message back into its wire form, without terminator.
func (m Message) String() string {
	if len(m.Args) == 0 {
		return m.Command
	}
	return m.Command + " " + strings.Join(m.Args, " ")
}

// Line builds a wire line from a command and its arguments.
func Line(command string, args ...string) string {
	return Message{Command: command, Args: args}.String()
}

// Ports renders node ports as STORE_TO arguments.
func Ports(ports []int) []string {
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = strconv.Itoa(p)
	}
	return out
}
