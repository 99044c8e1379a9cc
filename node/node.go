// Package node implements Node: the per-process entry point that owns a
// shmros participant's registry entry, event bus attachment, publishers,
// subscribers, timers, worker pool, heartbeat, and spin loop. Application
// code builds a Node, creates publishers/subscribers/timers against it, and
// calls Spin to run until shutdown.
package node

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/shmros/shmros/codec"
	"github.com/shmros/shmros/config"
	"github.com/shmros/shmros/eventbus"
	"github.com/shmros/shmros/logging"
	"github.com/shmros/shmros/pubsub"
	"github.com/shmros/shmros/registry"
	"github.com/shmros/shmros/timer"
	"github.com/shmros/shmros/workerpool"
)

// subscription is the common surface an Executor needs from a
// pubsub.Subscriber[T], satisfied automatically for any T since Go methods
// with concrete (non-generic) signatures on a generic type implement a
// plain interface without extra plumbing.
type subscription interface {
	ID() string
	Topic() string
	EventID() int
	Snapshot() ([]byte, error)
	Dispatch(data []byte) error
	Close() error
}

// publication is the common surface an Executor needs from a
// pubsub.Publisher[T] for bookkeeping (topic listing, shutdown).
type publication interface {
	Topic() string
	Close() error
}

// readyTimer is the common surface both timer.Timer and timer.CronTimer
// expose to the spin loop.
type readyTimer interface {
	IsReady() bool
	Fire()
	TimeUntilReady() time.Duration
}

// Observer is notified of node lifecycle transitions via CloudEvents,
// mirroring the framework's own Observer/Subject pattern scoped down to the
// handful of events a Node itself emits.
type Observer interface {
	OnEvent(ctx context.Context, event cloudevents.Event) error
}

const (
	// EventTypeNodeStarted is emitted from New once registration completes.
	// New emits it before returning the Node, so no Observer added with
	// AddObserver receives it.
	EventTypeNodeStarted = "io.shmros.node.started"
	// EventTypeNodeStopped is emitted once shutdown completes.
	EventTypeNodeStopped = "io.shmros.node.stopped"
)

// Node is a single process's participation in the pub/sub system: one
// registry entry, one attachment to the shared event bus, and the
// publishers, subscribers and timers this process created.
type Node struct {
	cfg    *config.Config
	logger logging.Logger

	domainID  int
	namespace string
	name      string
	shmPrefix string
	nodeID    int
	pid       int

	reg *registry.Registry
	bus *eventbus.EventBus
	pool *workerpool.Pool

	mu            sync.Mutex
	publishers    []publication
	subscriptions []subscription
	timers        []readyTimer
	observers     []Observer

	spinning   bool
	stopSpin   chan struct{}
	spinDone   chan struct{}
	heartbeat  chan struct{}
	hbDone     chan struct{}
}

// New constructs a Node and registers it in the shared registry and event
// bus, creating both if this is the first process on the host to reach
// them. The shared-memory name prefix follows the original design's
// scheme: "/<domain_id>_<namespace_>" with the namespace segment omitted
// entirely when empty.
func New(cfg *config.Config, name, namespace string, logger logging.Logger) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	} else {
		cfg.Normalize()
	}
	if logger == nil {
		logger = logging.NewNoop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("/%d_", cfg.DomainID)
	if namespace != "" {
		prefix += namespace + "_"
	}

	bus, err := eventbus.CreateOrAttach(cfg.EventBusName, cfg.EventMaxCount)
	if err != nil {
		return nil, fmt.Errorf("node: attach event bus: %w", err)
	}

	regLimits := registry.Limits{
		MaxNodes:         cfg.MaxNodes,
		MaxNodeNameLen:   cfg.MaxNodeNameLen,
		MaxTopicNameLen:  cfg.MaxTopicNameLen,
		EventMaxCount:    cfg.EventMaxCount,
		MaxTopicsPerNode: cfg.MaxTopicsPerNode,
	}
	reg, err := registry.CreateOrAttach(cfg.RegistryName, registryPayloadSize(cfg), regLimits)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("node: attach registry: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		domainID:  cfg.DomainID,
		namespace: namespace,
		name:      name,
		shmPrefix: prefix,
		pid:       os.Getpid(),
		reg:       reg,
		bus:       bus,
		pool:      workerpool.New(cfg.WorkerCount, cfg.WorkerCount*4),
	}

	nodeID, err := reg.NextNodeID()
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("node: allocate node id: %w", err)
	}
	n.nodeID = nodeID

	if err := reg.AddNode(registry.NodeInfo{
		NodeID:        nodeID,
		PID:           n.pid,
		NodeName:      name,
		IsAlive:       true,
		LastHeartbeat: time.Now(),
	}); err != nil {
		n.Close()
		return nil, fmt.Errorf("node: register: %w", err)
	}

	n.emit(EventTypeNodeStarted, map[string]any{"node_id": nodeID, "node_name": name})
	logger.Info("node registered", "node_id", nodeID, "node_name", name, "pid", n.pid)
	return n, nil
}

// registryPayloadSize picks a generous fixed capacity for the registry's
// JSON image based on configured node/topic limits. The image is whole-file
// rewritten on every mutation, so this is the ceiling on how large Nodes
// and TopicEvents can grow together, not a per-message size.
func registryPayloadSize(cfg *config.Config) int {
	perNode := 256 + cfg.MaxNodeNameLen*2
	perTopic := 64 + cfg.MaxTopicNameLen
	size := 512 + cfg.MaxNodes*perNode + cfg.EventMaxCount*perTopic
	if size > config.MaxSegmentSize {
		size = config.MaxSegmentSize
	}
	return size
}

// NodeID returns the id the registry assigned this node.
func (n *Node) NodeID() int { return n.nodeID }

// FullChannelName returns the fully-qualified shared-memory name for a
// (topic,event) key: "/" + domain + "_" + namespace + "_" + topic + "_" +
// event, the naming rule named at the external interface boundary. When the
// node's namespace is empty, the namespace segment and its "_" are omitted:
// "/" + domain + "_" + topic + "_" + event.
func (n *Node) FullChannelName(topic, event string) string {
	return n.shmPrefix + topic + "_" + event
}

// AddObserver registers an Observer to receive this node's lifecycle
// CloudEvents.
func (n *Node) AddObserver(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

func (n *Node) emit(eventType string, data map[string]any) {
	n.mu.Lock()
	observers := append([]Observer(nil), n.observers...)
	n.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	event := cloudevents.NewEvent()
	event.SetSource(n.name)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetID(fmt.Sprintf("%s-%d", eventType, time.Now().UnixNano()))
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	ctx := context.Background()
	for _, o := range observers {
		if err := o.OnEvent(ctx, event); err != nil {
			n.logger.Warn("observer failed", "event_type", eventType, "error", err)
		}
	}
}

// CreatePublisher creates a Publisher[T] for the (topic,event) key,
// registering a channel named from this node's prefix. Exported as a free
// function (rather than a method) because Go methods cannot carry their own
// type parameters.
func CreatePublisher[T any](n *Node, topic, event string, serializer codec.Serializer[T]) (*pubsub.Publisher[T], error) {
	eventID, err := n.reg.RegisterTopicEvent(topic, event)
	if err != nil {
		return nil, fmt.Errorf("node: register topic %s/%s: %w", topic, event, err)
	}
	full := n.FullChannelName(topic, event)
	var zero T
	size := serializer.SerializedSize(zero)
	pub, err := pubsub.NewPublisher[T](full, size, n.bus, topic, eventID, serializer)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.publishers = append(n.publishers, pub)
	n.mu.Unlock()
	if err := n.reg.AddPubTopic(n.nodeID, full); err != nil {
		n.logger.Warn("record pub topic failed", "topic", full, "error", err)
	}
	n.logger.Debug("publisher created", "topic", topic, "event", event, "event_id", eventID)
	return pub, nil
}

// CreateSubscriber creates a Subscriber[T] for the (topic,event) key and
// registers callback to be invoked by the spin loop whenever new data
// arrives.
func CreateSubscriber[T any](n *Node, topic, event string, serializer codec.Serializer[T], callback pubsub.Callback[T]) (*pubsub.Subscriber[T], error) {
	eventID, err := n.reg.RegisterTopicEvent(topic, event)
	if err != nil {
		return nil, fmt.Errorf("node: register topic %s/%s: %w", topic, event, err)
	}
	full := n.FullChannelName(topic, event)
	var zero T
	size := serializer.SerializedSize(zero)
	sub, err := pubsub.NewSubscriber[T](full, size, topic, eventID, serializer, callback)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.subscriptions = append(n.subscriptions, sub)
	n.mu.Unlock()
	if err := n.reg.AddSubTopic(n.nodeID, full); err != nil {
		n.logger.Warn("record sub topic failed", "topic", full, "error", err)
	}
	n.logger.Debug("subscriber created", "topic", topic, "event", event, "event_id", eventID)
	return sub, nil
}

// CreateTimer registers a fixed-period Timer fired from the spin loop.
func (n *Node) CreateTimer(period time.Duration, callback timer.Callback) *timer.Timer {
	t := timer.New(period, callback)
	n.mu.Lock()
	n.timers = append(n.timers, t)
	n.mu.Unlock()
	return t
}

// CreateCronTimer registers a cron-scheduled timer fired from the spin
// loop.
func (n *Node) CreateCronTimer(expr string, callback timer.Callback) (*timer.CronTimer, error) {
	t, err := timer.NewCron(expr, callback)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.timers = append(n.timers, t)
	n.mu.Unlock()
	return t, nil
}

// Registry exposes the node's registry handle, e.g. for a debug server.
func (n *Node) Registry() *registry.Registry { return n.reg }

// Close tears down the node's attachments without unregistering it from the
// registry — used on construction-time failure paths. Use Stop for a
// graceful, fully-registered shutdown.
func (n *Node) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.mu.Lock()
	for _, p := range n.publishers {
		record(p.Close())
	}
	for _, s := range n.subscriptions {
		record(s.Close())
	}
	n.mu.Unlock()
	if n.pool != nil {
		record(n.pool.Stop(context.Background()))
	}
	if n.reg != nil {
		record(n.reg.Close())
	}
	if n.bus != nil {
		record(n.bus.Close())
	}
	return firstErr
}
