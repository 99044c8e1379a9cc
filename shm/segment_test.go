package shm

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSegmentCounter atomic.Uint64

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("/shmros_test_%d", testSegmentCounter.Add(1))
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, validateName("/ok"))
	assert.Error(t, validateName("no-leading-slash"))
	assert.Error(t, validateName("/has/embedded/slash"))
	assert.Error(t, validateName("/"))
}

func TestCreateOpenUnlink(t *testing.T) {
	name := uniqueName(t)

	seg, err := Create(name, 128)
	require.NoError(t, err)
	defer seg.Unlink()
	assert.True(t, seg.IsOwner())
	assert.Equal(t, 128, seg.Size())
	assert.True(t, Exists(name))

	attached, err := Open(name)
	require.NoError(t, err)
	assert.False(t, attached.IsOwner())
	require.NoError(t, attached.Close())

	require.NoError(t, seg.Close())
	require.NoError(t, seg.Unlink())
	assert.False(t, Exists(name))
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 64)
	require.NoError(t, err)
	defer func() {
		seg.Close()
		seg.Unlink()
	}()

	_, err = Create(name, 64)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestOpenMissingReturnsNotFound(t *testing.T) {
	_, err := Open("/shmros_test_definitely_missing_segment")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteIsVisibleAcrossAttachments(t *testing.T) {
	name := uniqueName(t)
	owner, err := Create(name, 16)
	require.NoError(t, err)
	defer func() {
		owner.Close()
		owner.Unlink()
	}()

	copy(owner.Data(), []byte("hello shared!"))

	attacher, err := Open(name)
	require.NoError(t, err)
	defer attacher.Close()

	assert.Equal(t, "hello shared!", string(attacher.Data()[:len("hello shared!")]))
}
