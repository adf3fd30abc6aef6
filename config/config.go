// Package config parses the command lines of the coordinator and the data
// node. Flags win over environment variables, which win over defaults.
package config

import (
	"flag"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"replistore/utils"
)

// ErrInvalid marks a configuration that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Coordinator is the coordinator process configuration.
type Coordinator struct {
	Port              int
	ReplicationFactor int
	Timeout           time.Duration
	// RebalancePeriod is accepted for compatibility and otherwise unused.
	RebalancePeriod time.Duration
	// HeartbeatTimeout evicts nodes silent for longer. Zero disables eviction.
	HeartbeatTimeout time.Duration
}

// ParseCoordinator reads the coordinator configuration from args, which
// exclude the program name. The positional form
//
//	cport R timeout rebalance_period
//
// is accepted in place of flags, with timeout in milliseconds and the
// rebalance period in seconds.
func ParseCoordinator(args []string, getenv func(string) string) (*Coordinator, error) {
	fs := flag.NewFlagSet("replistore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	port := fs.Int("port", envInt(getenv, "REPLISTORE_PORT", 12345), "port the coordinator listens on")
	r := fs.Int("r", envInt(getenv, "REPLISTORE_R", 3), "replication factor")
	timeout := fs.Int("timeout", envInt(getenv, "REPLISTORE_TIMEOUT", 1000), "operation timeout in milliseconds")
	rebalance := fs.Int("rebalance", 30, "rebalance period in seconds (unused)")
	heartbeat := fs.Int("heartbeat-timeout", 0, "evict nodes silent for this many milliseconds, 0 disables")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Mark(err, ErrInvalid)
	}

	if fs.NArg() > 0 {
		pos, err := positional(fs.Args(), 4)
		if err != nil {
			return nil, err
		}
		*port, *r, *timeout, *rebalance = pos[0], pos[1], pos[2], pos[3]
	}

	cfg := &Coordinator{
		Port:              *port,
		ReplicationFactor: *r,
		Timeout:           time.Duration(*timeout) * time.Millisecond,
		RebalancePeriod:   time.Duration(*rebalance) * time.Second,
		HeartbeatTimeout:  time.Duration(*heartbeat) * time.Millisecond,
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the coordinator cannot run with.
func (c *Coordinator) Validate() error {
	if err := validPort(c.Port); err != nil {
		return err
	}
	if c.ReplicationFactor < 1 {
		return errors.Wrapf(ErrInvalid, "replication factor %d, must be at least 1", c.ReplicationFactor)
	}
	if c.Timeout <= 0 {
		return errors.Wrapf(ErrInvalid, "timeout %s, must be positive", c.Timeout)
	}
	if c.HeartbeatTimeout < 0 {
		return errors.Wrapf(ErrInvalid, "heartbeat timeout %s is negative", c.HeartbeatTimeout)
	}
	return nil
}

// DataNode is the data node process configuration.
type DataNode struct {
	Port           int
	ControllerHost string
	ControllerPort int
	Timeout        time.Duration
	Dir            string
	Heartbeat      time.Duration
}

// ParseDataNode reads the data node configuration from args. The positional
// form is
//
//	port cport timeout file_folder
func ParseDataNode(args []string, getenv func(string) string) (*DataNode, error) {
	fs := flag.NewFlagSet("dstore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	port := fs.Int("port", envInt(getenv, "DSTORE_PORT", 0), "port clients connect to")
	cport := fs.Int("cport", envInt(getenv, "REPLISTORE_PORT", 12345), "coordinator port")
	host := fs.String("chost", envString(getenv, "REPLISTORE_HOST", "localhost"), "coordinator host")
	timeout := fs.Int("timeout", 1000, "transfer timeout in milliseconds")
	dir := fs.String("dir", envString(getenv, "DSTORE_DIR", ""), "directory holding the replicas")
	heartbeat := fs.Int("heartbeat", 1000, "heartbeat interval in milliseconds")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Mark(err, ErrInvalid)
	}

	if fs.NArg() > 0 {
		if fs.NArg() != 4 {
			return nil, errors.Wrapf(ErrInvalid, "expected port cport timeout file_folder, got %d arguments", fs.NArg())
		}
		pos, err := positional(fs.Args()[:3], 3)
		if err != nil {
			return nil, err
		}
		*port, *cport, *timeout = pos[0], pos[1], pos[2]
		*dir = fs.Arg(3)
	}

	cfg := &DataNode{
		Port:           *port,
		ControllerHost: *host,
		ControllerPort: *cport,
		Timeout:        time.Duration(*timeout) * time.Millisecond,
		Dir:            *dir,
		Heartbeat:      time.Duration(*heartbeat) * time.Millisecond,
	}
	return cfg, cfg.Validate()
}

func (d *DataNode) Validate() error {
	if err := validPort(d.Port); err != nil {
		return err
	}
	if err := validPort(d.ControllerPort); err != nil {
		return errors.Wrap(err, "coordinator")
	}
	if d.Port == d.ControllerPort {
		return errors.Wrapf(ErrInvalid, "port %d is also the coordinator port", d.Port)
	}
	if d.Timeout <= 0 {
		return errors.Wrapf(ErrInvalid, "timeout %s, must be positive", d.Timeout)
	}
	if d.Heartbeat <= 0 {
		return errors.Wrapf(ErrInvalid, "heartbeat interval %s, must be positive", d.Heartbeat)
	}
	if d.Dir == "" {
		return errors.Wrap(ErrInvalid, "data directory is required")
	}
	return nil
}

// ControllerAddr is the host:port of the coordinator.
func (d *DataNode) ControllerAddr() string {
	return d.ControllerHost + ":" + strconv.Itoa(d.ControllerPort)
}

func positional(args []string, n int) ([]int, error) {
	if len(args) != n {
		return nil, errors.Wrapf(ErrInvalid, "expected %d positional arguments, got %d", n, len(args))
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalid, "argument %d: %q is not a number", i+1, a)
		}
		out[i] = v
	}
	return out, nil
}

func validPort(p int) error {
	if _, err := utils.ParsePort(strconv.Itoa(p)); err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	return nil
}

func envString(getenv func(string) string, key, def string) string {
	if getenv == nil {
		return def
	}
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) int {
	v, err := strconv.Atoi(envString(getenv, key, ""))
	if err != nil {
		return def
	}
	return v
}
