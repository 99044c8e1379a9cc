package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := JSONSerializer[sample]{MaxSize: 128}
	v := sample{Name: "topicX", Count: 42}

	buf := make([]byte, s.SerializedSize(v))
	n, err := s.Serialize(v, buf)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	got, err := s.Deserialize(buf)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestJSONSerializerRejectsOversizedPayload(t *testing.T) {
	s := JSONSerializer[sample]{}
	v := sample{Name: "this name is short", Count: 1}

	tooSmall := make([]byte, 4)
	_, err := s.Serialize(v, tooSmall)
	assert.Error(t, err)
}

func TestJSONSerializerDefaultMaxSize(t *testing.T) {
	s := JSONSerializer[sample]{}
	assert.Equal(t, DefaultMaxSize, s.SerializedSize(sample{}))
}
