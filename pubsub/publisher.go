// Package pubsub implements Publisher and Subscriber: the two handles a
// Node hands application code, built on a shmchan.Channel for the message
// payload and an eventbus.EventBus bit to announce that new data has
// landed. Neither type owns discovery — a Node wires them to the right
// topic channel and event id via the registry before handing them back.
package pubsub

import (
	"fmt"

	"github.com/shmros/shmros/codec"
	"github.com/shmros/shmros/eventbus"
	"github.com/shmros/shmros/shmchan"
)

// Publisher publishes values of type T onto a single topic channel and
// triggers the topic's event bit on every publish so waiting subscribers
// wake up.
type Publisher[T any] struct {
	topic      string
	ch         *shmchan.Channel
	bus        *eventbus.EventBus
	eventID    int
	serializer codec.Serializer[T]
	buf        []byte
}

// NewPublisher creates (or attaches to) the channel backing topic and
// returns a Publisher bound to it. channelName is the fully-qualified
// shared-memory name a Node derives from its domain/namespace prefix plus
// the topic; eventID is the id the registry assigned this topic so Publish
// knows which bit to set.
func NewPublisher[T any](channelName string, payloadSize int, bus *eventbus.EventBus, topic string, eventID int, serializer codec.Serializer[T]) (*Publisher[T], error) {
	ch, err := shmchan.CreateOrAttach(channelName, payloadSize)
	if err != nil {
		return nil, fmt.Errorf("pubsub: publisher for %s: %w", topic, err)
	}
	return &Publisher[T]{
		topic:      topic,
		ch:         ch,
		bus:        bus,
		eventID:    eventID,
		serializer: serializer,
		buf:        make([]byte, payloadSize),
	}, nil
}

// Topic returns the publisher's topic name.
func (p *Publisher[T]) Topic() string { return p.topic }

// Publish serializes v into the topic channel and triggers the topic's
// event bit, last-value-wins: any subscriber that hasn't yet read the
// previous value never sees it, only whatever is current when it next
// checks.
func (p *Publisher[T]) Publish(v T) error {
	n, err := p.serializer.Serialize(v, p.buf)
	if err != nil {
		return fmt.Errorf("pubsub: serialize for topic %s: %w", p.topic, err)
	}
	if err := p.ch.WriteLocked(p.buf[:n], 0); err != nil {
		return fmt.Errorf("pubsub: write for topic %s: %w", p.topic, err)
	}
	if p.bus != nil {
		if err := p.bus.Trigger(p.eventID); err != nil {
			return fmt.Errorf("pubsub: trigger event for topic %s: %w", p.topic, err)
		}
	}
	return nil
}

// Close unmaps the publisher's channel.
func (p *Publisher[T]) Close() error { return p.ch.Close() }
