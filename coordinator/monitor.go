package coordinator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Monitor evicts data nodes that stop sending heartbeats. An evicted node is
// handled exactly like a dropped connection.
type Monitor struct {
	coord    *Coordinator
	interval time.Duration
	timeout  time.Duration
}

// NewMonitor returns a monitor that checks every interval for nodes silent
// longer than timeout.
func NewMonitor(c *Coordinator, interval, timeout time.Duration) *Monitor {
	return &Monitor{coord: c, interval: interval, timeout: timeout}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"interval": m.interval, "timeout": m.timeout}).Info("heartbeat monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts every node whose last heartbeat is older than the timeout and
// returns how many were evicted.
func (m *Monitor) Sweep() int {
	evicted := 0
	for _, id := range m.coord.registry.Stale(m.timeout) {
		conn, ok := m.coord.registry.Conn(id)
		if !ok {
			continue
		}
		log.WithField("node", id).Warnf("no heartbeat for %s, evicting", m.timeout)
		m.coord.Departed(id, conn)
		evicted++
	}
	return evicted
}
