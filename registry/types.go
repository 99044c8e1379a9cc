// Package registry implements discovery: the two tables — Nodes and
// TopicEvents — that let a node find which event id a (topic,event) key
// maps to and which other nodes are alive, without any of them needing to
// have talked to each other first.
//
// Both tables are serialized as a single JSON image and rewritten whole on
// every mutation into a dedicated backing ShmChannel. Crash tolerance comes
// from that atomicity: a reader never observes a half-written table, since
// it only ever sees either the previous image or the fully-written new one
// behind the channel's lock — there is no partial-write state to corrupt
// into.
package registry

import "time"

// NodeInfo describes one registered node. PubTopicCount/SubTopicCount are
// carried alongside the topic slices themselves rather than left implicit,
// matching the registry image format's external field list.
type NodeInfo struct {
	NodeID         int       `json:"node_id"`
	PID            int       `json:"pid"`
	NodeName       string    `json:"node_name"`
	PubTopicCount  int       `json:"pub_topic_count"`
	SubTopicCount  int       `json:"sub_topic_count"`
	PubTopics      []string  `json:"pub_topics"`
	SubTopics      []string  `json:"sub_topics"`
	IsAlive        bool      `json:"is_alive"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// TopicEvent maps a (topic, event) key to the event id its publishers
// trigger and its subscribers wait on.
type TopicEvent struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	EventID int    `json:"event_id"`
}

// Key returns the composite key this record is looked up by. This is an
// in-memory lookup key only, not the wire-format channel name — the latter
// joins topic and event with "_" per spec.md §6 (see node.FullChannelName).
// Key deliberately joins with "\x00" instead of "_" so a topic name
// containing an underscore can't collide with a different (topic,event)
// split of the same concatenated bytes; it never leaves this process.
func (t TopicEvent) Key() string { return t.Topic + "\x00" + t.Event }

// Image is the whole-table snapshot persisted into the registry's backing
// channel. NodeCount and AliveNodeCount are carried explicitly (rather than
// left implicit in len(Nodes)) because the original design's introspection
// surface reports them directly; keeping them in the wire image means a
// debug reader doesn't need to re-derive them.
type Image struct {
	TopicCount     int          `json:"topic_count"`
	Topics         []TopicEvent `json:"topics"`
	NodeCount      int          `json:"node_count"`
	AliveNodeCount int          `json:"alive_node_count"`
	Nodes          []NodeInfo   `json:"nodes"`
}

func (img *Image) recomputeCounts() {
	img.TopicCount = len(img.Topics)
	img.NodeCount = len(img.Nodes)
	alive := 0
	for i, n := range img.Nodes {
		img.Nodes[i].PubTopicCount = len(n.PubTopics)
		img.Nodes[i].SubTopicCount = len(n.SubTopics)
		if n.IsAlive {
			alive++
		}
	}
	img.AliveNodeCount = alive
}
