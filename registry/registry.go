package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/shmros/shmros/shmchan"
)

// Static errors for the registry package, grouped the way the rest of this
// module declares its sentinel errors.
var (
	ErrNodeNameTooLong       = errors.New("registry: node name exceeds configured maximum length")
	ErrTopicNameTooLong      = errors.New("registry: topic name exceeds configured maximum length")
	ErrNodeCapacity          = errors.New("registry: node table is full")
	ErrEventCapacity         = errors.New("registry: no free event ids remain")
	ErrNodeNotFound          = errors.New("registry: node not found")
	ErrTopicNotFound         = errors.New("registry: topic not found")
	ErrTopicsPerNodeCapacity = errors.New("registry: node already has the maximum number of pub/sub topics")
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Limits bounds what a Registry will accept, mirroring the build-time
// capacity constants in package config.
type Limits struct {
	MaxNodes         int
	MaxNodeNameLen   int
	MaxTopicNameLen  int
	EventMaxCount    int
	MaxTopicsPerNode int
}

// Registry is the discovery table pair (Nodes, TopicEvents), backed by a
// dedicated ShmChannel. Every mutating method holds the channel's lock for
// the full read-modify-rewrite cycle, so concurrent mutators from different
// processes serialize correctly and no reader ever observes a torn image.
type Registry struct {
	ch     *shmchan.Channel
	limits Limits
	mu     sync.Mutex // serializes this process's own callers; the channel lock covers cross-process safety
}

// Create allocates a new named registry channel sized for payloadSize bytes
// of JSON image.
func Create(name string, payloadSize int, limits Limits) (*Registry, error) {
	ch, err := shmchan.Create(name, payloadSize)
	if err != nil {
		return nil, err
	}
	r := &Registry{ch: ch, limits: limits}
	if err := r.writeImage(&Image{}); err != nil {
		ch.Close()
		ch.Unlink()
		return nil, err
	}
	return r, nil
}

// Attach maps an existing named registry channel.
func Attach(name string, payloadSize int, limits Limits) (*Registry, error) {
	ch, err := shmchan.Attach(name, payloadSize)
	if err != nil {
		return nil, err
	}
	return &Registry{ch: ch, limits: limits}, nil
}

// CreateOrAttach creates the registry if it does not exist, or attaches to
// it.
func CreateOrAttach(name string, payloadSize int, limits Limits) (*Registry, error) {
	ch, err := shmchan.CreateOrAttach(name, payloadSize)
	if err != nil {
		return nil, err
	}
	r := &Registry{ch: ch, limits: limits}
	if ch.IsOwner() {
		if err := r.writeImage(&Image{}); err != nil {
			ch.Close()
			ch.Unlink()
			return nil, err
		}
	}
	return r, nil
}

// Close unmaps the registry channel.
func (r *Registry) Close() error { return r.ch.Close() }

// Unlink removes the registry's shared-memory object. Only the owner should
// call this.
func (r *Registry) Unlink() error { return r.ch.Unlink() }

// IsOwner reports whether this process created the registry's underlying
// segment, as opposed to attaching to one created by another process.
func (r *Registry) IsOwner() bool { return r.ch.IsOwner() }

// readImage reads and decodes the current image. Caller must hold r.ch's
// lock.
func (r *Registry) readImage() (*Image, error) {
	buf := make([]byte, r.ch.PayloadSize())
	n, err := r.ch.Read(buf, 0)
	if err != nil {
		return nil, err
	}
	img := &Image{}
	// An empty/all-zero payload (a freshly created registry) decodes to a
	// zero-value Image.
	trimmed := trimTrailingZero(buf[:n])
	if len(trimmed) == 0 {
		return img, nil
	}
	if err := jsonAPI.Unmarshal(trimmed, img); err != nil {
		return nil, fmt.Errorf("registry: decode image: %w", err)
	}
	return img, nil
}

func trimTrailingZero(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// writeImage recomputes derived counts, encodes, and writes the image.
// Caller must hold r.ch's lock.
func (r *Registry) writeImage(img *Image) error {
	img.recomputeCounts()
	data, err := jsonAPI.Marshal(img)
	if err != nil {
		return fmt.Errorf("registry: encode image: %w", err)
	}
	if len(data) > r.ch.PayloadSize() {
		return fmt.Errorf("registry: image of %d bytes exceeds payload capacity %d", len(data), r.ch.PayloadSize())
	}
	padded := make([]byte, r.ch.PayloadSize())
	copy(padded, data)
	return r.ch.Write(padded, 0)
}

// withImage runs fn against the current decoded image while holding both
// this process's own mutex and the channel's process-shared lock, rewriting
// the image with fn's result if fn succeeds. This is the single choke point
// every mutating operation below goes through, guaranteeing the
// read-modify-write is never interleaved with another mutation.
func (r *Registry) withImage(fn func(img *Image) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ch.Lock(); err != nil {
		return err
	}
	defer r.ch.Unlock()

	img, err := r.readImage()
	if err != nil {
		return err
	}
	if err := fn(img); err != nil {
		return err
	}
	if err := r.writeImage(img); err != nil {
		return err
	}
	return r.ch.Broadcast()
}

// Snapshot returns a read-only copy of the current image.
func (r *Registry) Snapshot() (Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ch.Lock(); err != nil {
		return Image{}, err
	}
	defer r.ch.Unlock()

	img, err := r.readImage()
	if err != nil {
		return Image{}, err
	}
	return *img, nil
}

// NextNodeID returns the lowest node id in [0, MaxNodes) not currently held
// by a live node, reusing a dead or never-assigned slot — matching the
// Free -> Alive -> Dead -> Free state machine, where a dead slot is
// reusable. It does not reserve the id; callers should pass it straight into
// AddNode while still holding their own construction sequence serialized
// (typically there is exactly one call site, Node.New). Returns
// ErrNodeCapacity if every slot in [0, MaxNodes) is alive.
func (r *Registry) NextNodeID() (int, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return 0, err
	}
	alive := make(map[int]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n.IsAlive {
			alive[n.NodeID] = true
		}
	}
	max := r.limits.MaxNodes
	if max <= 0 {
		max = 1 << 20
	}
	for id := 0; id < max; id++ {
		if !alive[id] {
			return id, nil
		}
	}
	return 0, ErrNodeCapacity
}

// AddNode inserts or replaces node's entry by NodeID.
func (r *Registry) AddNode(node NodeInfo) error {
	if r.limits.MaxNodeNameLen > 0 && len(node.NodeName) > r.limits.MaxNodeNameLen {
		return fmt.Errorf("%w: %q (%d > %d)", ErrNodeNameTooLong, node.NodeName, len(node.NodeName), r.limits.MaxNodeNameLen)
	}
	return r.withImage(func(img *Image) error {
		for i, existing := range img.Nodes {
			if existing.NodeID == node.NodeID {
				img.Nodes[i] = node
				return nil
			}
		}
		if r.limits.MaxNodes > 0 && len(img.Nodes) >= r.limits.MaxNodes {
			return ErrNodeCapacity
		}
		img.Nodes = append(img.Nodes, node)
		return nil
	})
}

// RemoveNode unregisters nodeID: Alive -> Dead, matching the state machine
// in spec.md's registry design (explicit unregister enters Dead, same as a
// heartbeat-timeout reap) and scenario S6's expectation that a gracefully
// stopped node's slot "becomes alive=false" rather than disappearing from
// the table. The slot remains visible for introspection until NextNodeID
// reuses it for a new registrant.
func (r *Registry) RemoveNode(nodeID int) error {
	return r.withImage(func(img *Image) error {
		for i, n := range img.Nodes {
			if n.NodeID == nodeID {
				img.Nodes[i].IsAlive = false
				return nil
			}
		}
		return ErrNodeNotFound
	})
}

// Heartbeat stamps nodeID as alive at t.
func (r *Registry) Heartbeat(nodeID int, t time.Time) error {
	return r.withImage(func(img *Image) error {
		for i, n := range img.Nodes {
			if n.NodeID == nodeID {
				img.Nodes[i].IsAlive = true
				img.Nodes[i].LastHeartbeat = t
				return nil
			}
		}
		return ErrNodeNotFound
	})
}

// MarkDead flags nodeID as no longer alive without removing its entry,
// matching the original design's choice to let stale entries remain
// visible (rather than vanish) for diagnosability.
func (r *Registry) MarkDead(nodeID int) error {
	return r.withImage(func(img *Image) error {
		for i, n := range img.Nodes {
			if n.NodeID == nodeID {
				img.Nodes[i].IsAlive = false
				return nil
			}
		}
		return ErrNodeNotFound
	})
}

// RegisterTopicEvent returns the event id already assigned to the
// (topic,event) key, or allocates the smallest unused id below
// EventMaxCount and assigns it — whichever of publish-declare or
// subscribe-declare calls this first wins the assignment, and it stays
// stable for every subsequent caller.
func (r *Registry) RegisterTopicEvent(topic, event string) (int, error) {
	if r.limits.MaxTopicNameLen > 0 && len(topic) > r.limits.MaxTopicNameLen {
		return 0, fmt.Errorf("%w: %q (%d > %d)", ErrTopicNameTooLong, topic, len(topic), r.limits.MaxTopicNameLen)
	}
	key := TopicEvent{Topic: topic, Event: event}.Key()

	var assigned int
	err := r.withImage(func(img *Image) error {
		for _, te := range img.Topics {
			if te.Key() == key {
				assigned = te.EventID
				return nil
			}
		}
		used := make(map[int]bool, len(img.Topics))
		for _, te := range img.Topics {
			used[te.EventID] = true
		}
		max := r.limits.EventMaxCount
		if max <= 0 {
			max = 1 << 30
		}
		id := -1
		for candidate := 0; candidate < max; candidate++ {
			if !used[candidate] {
				id = candidate
				break
			}
		}
		if id < 0 {
			return ErrEventCapacity
		}
		img.Topics = append(img.Topics, TopicEvent{Topic: topic, Event: event, EventID: id})
		assigned = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// EventIDFor returns the event id already assigned to the (topic,event)
// key.
func (r *Registry) EventIDFor(topic, event string) (int, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return 0, err
	}
	key := TopicEvent{Topic: topic, Event: event}.Key()
	for _, te := range snap.Topics {
		if te.Key() == key {
			return te.EventID, nil
		}
	}
	return 0, fmt.Errorf("%w: %q/%q", ErrTopicNotFound, topic, event)
}

// AddPubTopic appends full (the already-prefixed channel name) to nodeID's
// published-topics list if not already present, enforcing
// pub_count <= MaxTopicsPerNode (spec.md §3's Node invariant).
func (r *Registry) AddPubTopic(nodeID int, full string) error {
	return r.withImage(func(img *Image) error {
		for i, n := range img.Nodes {
			if n.NodeID != nodeID {
				continue
			}
			for _, existing := range n.PubTopics {
				if existing == full {
					return nil
				}
			}
			if r.limits.MaxTopicsPerNode > 0 && len(n.PubTopics) >= r.limits.MaxTopicsPerNode {
				return ErrTopicsPerNodeCapacity
			}
			img.Nodes[i].PubTopics = append(img.Nodes[i].PubTopics, full)
			return nil
		}
		return ErrNodeNotFound
	})
}

// AddSubTopic appends full to nodeID's subscribed-topics list if not
// already present, enforcing sub_count <= MaxTopicsPerNode (spec.md §3's
// Node invariant).
func (r *Registry) AddSubTopic(nodeID int, full string) error {
	return r.withImage(func(img *Image) error {
		for i, n := range img.Nodes {
			if n.NodeID != nodeID {
				continue
			}
			for _, existing := range n.SubTopics {
				if existing == full {
					return nil
				}
			}
			if r.limits.MaxTopicsPerNode > 0 && len(n.SubTopics) >= r.limits.MaxTopicsPerNode {
				return ErrTopicsPerNodeCapacity
			}
			img.Nodes[i].SubTopics = append(img.Nodes[i].SubTopics, full)
			return nil
		}
		return ErrNodeNotFound
	})
}
