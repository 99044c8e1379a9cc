package node

import (
	"time"
)

// spinOnce runs a single iteration of the Executor's dispatch loop:
//
//  1. compute how long to block, bounded above by the shortest timer's
//     remaining time and the configured idle cap;
//  2. block on the shared event bus for that long;
//  3. return without dispatching if StopSpin was called meanwhile;
//  4. for every subscriber whose event id came back set, snapshot its
//     payload here on the spin thread and enqueue a value-captured
//     dispatch task onto the worker pool, so the worker never re-reads
//     shared memory, then clear only that bit — never the whole bus,
//     since other processes attached to the same bus may still need bits
//     this process didn't subscribe to;
//  5. enqueue every timer that has become ready onto the worker pool.
func (n *Node) spinOnce() error {
	waitMs := n.computeWaitMillis()

	snap, err := n.bus.Wait(waitMs)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if !n.spinning {
		n.mu.Unlock()
		return nil
	}
	subs := append([]subscription(nil), n.subscriptions...)
	timers := append([]readyTimer(nil), n.timers...)
	n.mu.Unlock()

	for _, sub := range subs {
		if !snap.IsSet(sub.EventID()) {
			continue
		}
		sub := sub
		data, err := sub.Snapshot()
		if err != nil {
			n.logger.Warn("subscriber snapshot failed", "topic", sub.Topic(), "error", err)
		} else if !n.pool.Submit(func() {
			if err := sub.Dispatch(data); err != nil {
				n.logger.Warn("subscriber dispatch failed", "topic", sub.Topic(), "error", err)
			}
		}) {
			n.logger.Warn("dropped subscriber dispatch: worker pool full", "topic", sub.Topic())
		}
		if err := n.bus.Clear(sub.EventID()); err != nil {
			n.logger.Warn("clear event bit failed", "topic", sub.Topic(), "error", err)
		}
	}

	for _, t := range timers {
		if t.IsReady() {
			t := t
			if !n.pool.Submit(t.Fire) {
				n.logger.Warn("dropped timer dispatch: worker pool full")
			}
		}
	}

	return nil
}

// computeWaitMillis returns the smallest of every timer's remaining time
// and the configured idle cap, so the spin loop never sleeps through a
// timer's deadline while still bounding how long it blocks when no timer is
// registered.
func (n *Node) computeWaitMillis() int64 {
	idleCap := time.Duration(n.cfg.IdleCapMillis) * time.Millisecond
	wait := idleCap

	n.mu.Lock()
	timers := append([]readyTimer(nil), n.timers...)
	n.mu.Unlock()

	for _, t := range timers {
		if remaining := t.TimeUntilReady(); remaining < wait {
			wait = remaining
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait.Milliseconds()
}

// Spin runs the dispatch loop until StopSpin (or Stop) is called.
func (n *Node) Spin() {
	n.mu.Lock()
	if n.spinning {
		n.mu.Unlock()
		return
	}
	n.spinning = true
	n.stopSpin = make(chan struct{})
	n.spinDone = make(chan struct{})
	stop := n.stopSpin
	done := n.spinDone
	n.mu.Unlock()

	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := n.spinOnce(); err != nil {
			n.logger.Error("spin iteration failed", "error", err)
		}
	}
}

// IsSpinning reports whether Spin is currently running.
func (n *Node) IsSpinning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.spinning
}

// StopSpin signals Spin to return and waits for it to do so.
func (n *Node) StopSpin() {
	n.mu.Lock()
	if !n.spinning {
		n.mu.Unlock()
		return
	}
	stop := n.stopSpin
	done := n.spinDone
	n.spinning = false
	n.mu.Unlock()

	close(stop)
	// Wake the spin goroutine immediately rather than waiting out its
	// current EventBus.Wait call.
	_ = n.bus.NotifyAll()
	<-done
}
