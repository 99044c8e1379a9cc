package node

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// signalBinding holds the process-wide signal handler installed once per
// process and the currently active Node it forwards SIGINT/SIGTERM/SIGQUIT
// to. Only one signal.Notify registration is ever made; Start/Stop update
// which Node it targets, matching the original design's single static
// signal_handler_node_ pointer rather than installing a new handler per
// Node.
var signalBinding struct {
	once sync.Once
	mu   sync.Mutex
	node *Node
}

func installSignalHandler() {
	signalBinding.once.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		go func() {
			for sig := range ch {
				signalBinding.mu.Lock()
				active := signalBinding.node
				signalBinding.mu.Unlock()
				if active == nil {
					continue
				}
				active.logger.Info("shutting down on signal", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = active.Stop(ctx)
				cancel()
			}
		}()
	})
}

func bindSignalHandler(n *Node) {
	installSignalHandler()
	signalBinding.mu.Lock()
	signalBinding.node = n
	signalBinding.mu.Unlock()
}

func unbindSignalHandler(n *Node) {
	signalBinding.mu.Lock()
	if signalBinding.node == n {
		signalBinding.node = nil
	}
	signalBinding.mu.Unlock()
}

// Start begins the node's heartbeat loop and binds process signals
// (SIGINT, SIGTERM, SIGQUIT) to a graceful Stop. It does not start Spin —
// call Spin separately, typically from the goroutine that will block for
// the remainder of the process's life.
func (n *Node) Start() {
	n.mu.Lock()
	if n.heartbeat != nil {
		n.mu.Unlock()
		return
	}
	n.heartbeat = make(chan struct{})
	n.hbDone = make(chan struct{})
	hb, done := n.heartbeat, n.hbDone
	n.mu.Unlock()

	go func() {
		defer close(done)
		n.runHeartbeat(hb)
	}()

	bindSignalHandler(n)
}

// Stop performs a graceful shutdown: stops the spin loop, stops the
// heartbeat, marks the node's registry entry dead (the entry stays in the
// table), emits EventTypeNodeStopped, and closes the node's attachments. It
// does not unlink any shared segment; see UnlinkOwned for that. It
// is safe to call more than once.
func (n *Node) Stop(ctx context.Context) error {
	unbindSignalHandler(n)

	n.StopSpin()

	n.mu.Lock()
	hb, done := n.heartbeat, n.hbDone
	n.heartbeat = nil
	n.mu.Unlock()
	if hb != nil {
		close(hb)
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if err := n.reg.RemoveNode(n.nodeID); err != nil {
		n.logger.Warn("remove node from registry failed", "node_id", n.nodeID, "error", err)
	}

	n.emit(EventTypeNodeStopped, map[string]any{"node_id": n.nodeID, "node_name": n.name})

	if err := n.Close(); err != nil {
		return err
	}

	n.logger.Info("node stopped", "node_id", n.nodeID, "node_name", n.name)
	return nil
}

// UnlinkOwned removes the event bus and registry shared-memory objects if,
// and only if, this process created them — gated on each's IsOwner(), since
// neither EventBus.Unlink nor Registry.Unlink check ownership themselves.
// Call this once, from whichever process is known to be the last one
// shutting down — typically never in ordinary operation, since the
// decentralized design expects the host's last node (or an operator) to
// clean up rather than an arbitrary one.
func (n *Node) UnlinkOwned() {
	if n.bus != nil && n.bus.IsOwner() {
		_ = n.bus.Unlink()
	}
	if n.reg != nil && n.reg.IsOwner() {
		_ = n.reg.Unlink()
	}
}
