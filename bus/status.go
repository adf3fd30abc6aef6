package bus

import (
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"replistore/cluster"
	"replistore/coordinator"
	"replistore/protocol"
)

// sendStatus writes the node and file tables, one protocol line per table
// row, followed by STATUS_END. Files in every state are listed, including
// operations that timed out.
func (s *Server) sendStatus(lc *protocol.LineConn, entry *log.Entry) {
	for _, line := range strings.Split(strings.TrimRight(RenderStatus(s.coord, time.Now()), "\n"), "\n") {
		if err := lc.Send(line); err != nil {
			entry.WithError(err).Warn("could not send status")
			return
		}
	}
	s.reply(lc, protocol.StatusEnd, entry)
}

// RenderStatus formats the coordinator's membership and index as text tables.
func RenderStatus(c *coordinator.Coordinator, now time.Time) string {
	var b strings.Builder

	b.WriteString("replication factor " + strconv.Itoa(c.ReplicationFactor()) + "\n")

	nodes := tablewriter.NewWriter(&b)
	nodes.SetHeader([]string{"Node", "Load", "Last heartbeat"})
	for _, n := range c.Registry().Nodes() {
		nodes.Append([]string{
			strconv.Itoa(int(n.ID)),
			strconv.Itoa(n.Load),
			now.Sub(n.LastHeartbeat).Truncate(time.Millisecond).String() + " ago",
		})
	}
	nodes.Render()

	files := tablewriter.NewWriter(&b)
	files.SetHeader([]string{"File", "State", "Size", "Replicas"})
	for _, rec := range c.Index().Records() {
		files.Append([]string{rec.Name, rec.State.String(), strconv.FormatInt(rec.Size, 10), joinNodes(rec.Replicas)})
	}
	files.Render()

	return b.String()
}

func joinNodes(ids []cluster.NodeID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
