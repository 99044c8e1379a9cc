// Package codec defines the Serializer capability that Publisher and
// Subscriber use to turn a typed message into the bytes that cross a
// ShmChannel's payload, and a default JSON-backed implementation built on
// json-iterator for callers who don't need a custom wire format.
//
// Byte-level message serialization is otherwise left to the caller — a
// middleware that hard-coded one wire format would be a poor fit for the
// range of message types a pub/sub system carries, so Serializer is an
// external capability a Publisher/Subscriber is parameterized over rather
// than something this package tries to own end to end.
package codec

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
)

// Serializer converts values of type T to and from the fixed-size byte
// payload carried by a ShmChannel.
type Serializer[T any] interface {
	// SerializedSize returns the number of bytes Serialize will produce for
	// v. Publisher uses this to size the channel it creates.
	SerializedSize(v T) int
	// Serialize encodes v into dst, returning the number of bytes written.
	// dst is guaranteed to be at least SerializedSize(v) bytes.
	Serialize(v T, dst []byte) (int, error)
	// Deserialize decodes a value of type T from src.
	Deserialize(src []byte) (T, error)
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONSerializer is a default Serializer backed by json-iterator. It targets
// a fixed maximum encoded size, rejecting encodes that don't fit
// — a reasonable default for small control and telemetry messages, not a
// general-purpose variable-length wire format.
type JSONSerializer[T any] struct {
	// MaxSize bounds the encoded payload this serializer will ever declare
	// or accept. Zero means "use DefaultMaxSize".
	MaxSize int
}

// DefaultMaxSize is used by JSONSerializer when MaxSize is left zero.
const DefaultMaxSize = 4096

func (s JSONSerializer[T]) maxSize() int {
	if s.MaxSize > 0 {
		return s.MaxSize
	}
	return DefaultMaxSize
}

// SerializedSize returns the serializer's fixed maximum size. JSON encodings
// are variable length, so a JSONSerializer always reports its configured
// ceiling rather than the exact size of v — the channel payload must be
// large enough for the worst case any value of T will produce.
func (s JSONSerializer[T]) SerializedSize(v T) int {
	return s.maxSize()
}

// Serialize marshals v as JSON into dst.
func (s JSONSerializer[T]) Serialize(v T, dst []byte) (int, error) {
	data, err := jsonAPI.Marshal(v)
	if err != nil {
		return 0, err
	}
	if len(data) > len(dst) {
		return 0, errTooLarge{got: len(data), max: len(dst)}
	}
	n := copy(dst, data)
	return n, nil
}

// Deserialize unmarshals a JSON-encoded T from src. src may be longer than
// the actual encoding: Serialize writes only the encoded bytes, so the
// remainder is whatever the buffer already held (zero bytes in a fresh one,
// or the tail of an earlier, longer encoding). This decodes a single JSON
// value from the front of src rather than unmarshaling the whole slice,
// which would otherwise choke on those trailing bytes.
func (s JSONSerializer[T]) Deserialize(src []byte) (T, error) {
	var v T
	dec := jsonAPI.NewDecoder(bytes.NewReader(src))
	err := dec.Decode(&v)
	return v, err
}

type errTooLarge struct {
	got, max int
}

func (e errTooLarge) Error() string {
	return "codec: encoded size exceeds payload capacity"
}
