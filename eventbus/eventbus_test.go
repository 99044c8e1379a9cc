package eventbus

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBusCounter atomic.Uint64

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("/shmros_bus_test_%d", testBusCounter.Add(1))
}

func TestTriggerSetsAndWaitObserves(t *testing.T) {
	name := uniqueName(t)
	bus, err := Create(name, 16)
	require.NoError(t, err)
	defer func() {
		bus.Close()
		bus.Unlink()
	}()

	require.NoError(t, bus.Trigger(3))

	snap, err := bus.Wait(100)
	require.NoError(t, err)
	assert.True(t, snap.IsSet(3))
	assert.False(t, snap.IsSet(4))
}

func TestClearRemovesOnlyOneBit(t *testing.T) {
	name := uniqueName(t)
	bus, err := Create(name, 16)
	require.NoError(t, err)
	defer func() {
		bus.Close()
		bus.Unlink()
	}()

	require.NoError(t, bus.Trigger(1))
	require.NoError(t, bus.Trigger(2))
	require.NoError(t, bus.Clear(1))

	snap, err := bus.ReadAndClear()
	require.NoError(t, err)
	assert.False(t, snap.IsSet(1))
	assert.True(t, snap.IsSet(2))
}

func TestReadAndClearIsAtomic(t *testing.T) {
	name := uniqueName(t)
	bus, err := Create(name, 16)
	require.NoError(t, err)
	defer func() {
		bus.Close()
		bus.Unlink()
	}()

	require.NoError(t, bus.Trigger(5))
	snap, err := bus.ReadAndClear()
	require.NoError(t, err)
	assert.True(t, snap.IsSet(5))

	snap2, err := bus.ReadAndClear()
	require.NoError(t, err)
	assert.False(t, snap2.IsSet(5), "bits must have been cleared by the first ReadAndClear")
}

func TestWaitTimesOutWhenNoBitSet(t *testing.T) {
	name := uniqueName(t)
	bus, err := Create(name, 16)
	require.NoError(t, err)
	defer func() {
		bus.Close()
		bus.Unlink()
	}()

	start := time.Now()
	snap, err := bus.Wait(50)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	for i := 0; i < bus.MaxEvents(); i++ {
		assert.False(t, snap.IsSet(i))
	}
}

func TestTriggerRejectsOutOfRangeID(t *testing.T) {
	name := uniqueName(t)
	bus, err := Create(name, 8)
	require.NoError(t, err)
	defer func() {
		bus.Close()
		bus.Unlink()
	}()

	assert.Error(t, bus.Trigger(-1))
	assert.Error(t, bus.Trigger(8))
}

func TestCreateUsesDistinctEventBusMagic(t *testing.T) {
	name := uniqueName(t)
	bus, err := Create(name, 16)
	require.NoError(t, err)
	defer func() {
		bus.Close()
		bus.Unlink()
	}()

	assert.Equal(t, MagicEventBus, bus.ch.Magic(), "EventBus must initialize with its own magic word, distinct from shmchan.MagicChannel, per spec.md §6")

	attacher, err := Attach(name, 16)
	require.NoError(t, err)
	defer attacher.Close()
	assert.Equal(t, MagicEventBus, attacher.ch.Magic())
}

func TestWaitWakesConcurrently(t *testing.T) {
	name := uniqueName(t)
	bus, err := Create(name, 64)
	require.NoError(t, err)
	defer func() {
		bus.Close()
		bus.Unlink()
	}()

	woken := make(chan struct{})
	go func() {
		snap, err := bus.Wait(2000)
		if err == nil && snap.IsSet(10) {
			close(woken)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Trigger(10))

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by trigger")
	}
}
