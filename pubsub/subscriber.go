package pubsub

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/shmros/shmros/codec"
	"github.com/shmros/shmros/shmchan"
)

// Callback is invoked with each newly observed value on a subscription.
type Callback[T any] func(v T)

// Subscriber attaches to a topic channel and exposes the latest value via
// Snapshot and Dispatch (or Poll, which runs both); a Node's Executor calls
// Snapshot on the spin thread for every subscriber whose event bit was set
// on wake, and runs Dispatch with the copied bytes on the worker pool, which
// invokes the registered callback.
type Subscriber[T any] struct {
	id         string
	topic      string
	eventID    int
	ch         *shmchan.Channel
	serializer codec.Serializer[T]
	callback   Callback[T]
	buf        []byte
}

// NewSubscriber attaches to channelName, creating it (and becoming its
// owner) if no Publisher or other Subscriber has created it yet; it does not
// wait for a publisher to create the channel. callback is invoked on every
// successful Poll or Dispatch, whether or not the payload changed since the
// last one.
func NewSubscriber[T any](channelName string, payloadSize int, topic string, eventID int, serializer codec.Serializer[T], callback Callback[T]) (*Subscriber[T], error) {
	ch, err := shmchan.CreateOrAttach(channelName, payloadSize)
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscriber for %s: %w", topic, err)
	}
	return &Subscriber[T]{
		id:         uuid.NewString(),
		topic:      topic,
		eventID:    eventID,
		ch:         ch,
		serializer: serializer,
		callback:   callback,
		buf:        make([]byte, payloadSize),
	}, nil
}

// ID returns the subscription's unique identifier.
func (s *Subscriber[T]) ID() string { return s.id }

// Topic returns the subscription's topic name.
func (s *Subscriber[T]) Topic() string { return s.topic }

// EventID returns the event id this subscription was registered against,
// which an Executor uses to decide whether a woken bit belongs to it.
func (s *Subscriber[T]) EventID() int { return s.eventID }

// Snapshot reads and copies the current payload under the channel lock into
// a freshly allocated buffer, distinct from s.buf, and returns it. An
// Executor calls this on the spin thread at dispatch time — the lock is
// held only for the payload-sized copy, no user code runs with it held —
// and hands the returned bytes into the task it enqueues, so the worker
// goroutine that eventually runs Dispatch never touches shared memory.
func (s *Subscriber[T]) Snapshot() ([]byte, error) {
	buf := make([]byte, len(s.buf))
	n, err := s.ch.ReadLocked(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("pubsub: read for topic %s: %w", s.topic, err)
	}
	return buf[:n], nil
}

// Dispatch deserializes data — previously produced by Snapshot — and
// invokes the subscriber's callback. It touches no shared memory, so it is
// safe to run on a worker pool goroutine concurrently with other
// subscribers' dispatches and with the spin thread's own next Snapshot.
func (s *Subscriber[T]) Dispatch(data []byte) error {
	v, err := s.serializer.Deserialize(data)
	if err != nil {
		return fmt.Errorf("pubsub: deserialize for topic %s: %w", s.topic, err)
	}
	if s.callback != nil {
		s.callback(v)
	}
	return nil
}

// Poll is Snapshot followed by Dispatch in one call, for callers that don't
// need the copy-then-dispatch split an Executor uses to keep worker
// goroutines off shared memory (direct tests, mainly).
func (s *Subscriber[T]) Poll() error {
	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	return s.Dispatch(data)
}

// Close unmaps the subscriber's channel.
func (s *Subscriber[T]) Close() error { return s.ch.Close() }
