package node

import (
	"time"
)

// runHeartbeat periodically stamps this node's registry entry as alive, and
// marks any other node whose last heartbeat is older than the configured
// timeout as no longer alive. It runs until hb is closed.
func (n *Node) runHeartbeat(hb <-chan struct{}) {
	interval := time.Duration(n.cfg.HeartbeatInterval) * time.Second
	timeout := time.Duration(n.cfg.HeartbeatTimeout) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-hb:
			return
		case <-ticker.C:
			if err := n.reg.Heartbeat(n.nodeID, time.Now()); err != nil {
				n.logger.Warn("heartbeat failed", "node_id", n.nodeID, "error", err)
				continue
			}
			n.reapStaleNodes(timeout)
		}
	}
}

// reapStaleNodes marks every other node whose last heartbeat predates
// timeout as no longer alive. A stale entry is left in the table rather
// than removed, so operators can still see who dropped off.
func (n *Node) reapStaleNodes(timeout time.Duration) {
	snap, err := n.reg.Snapshot()
	if err != nil {
		n.logger.Warn("reap stale nodes: snapshot failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-timeout)
	for _, info := range snap.Nodes {
		if info.NodeID == n.nodeID || !info.IsAlive {
			continue
		}
		if info.LastHeartbeat.Before(cutoff) {
			if err := n.reg.MarkDead(info.NodeID); err != nil {
				n.logger.Warn("mark dead failed", "node_id", info.NodeID, "error", err)
			} else {
				n.logger.Info("node timed out", "node_id", info.NodeID, "node_name", info.NodeName)
			}
		}
	}
}
