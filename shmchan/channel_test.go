package shmchan

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmros/shmros/shm"
)

var testChanCounter atomic.Uint64

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("/shmros_chan_test_%d", testChanCounter.Add(1))
}

func TestCreateInitializesMagic(t *testing.T) {
	name := uniqueName(t)
	ch, err := Create(name, 64)
	require.NoError(t, err)
	defer func() {
		ch.Close()
		ch.Unlink()
	}()
	assert.True(t, ch.IsOwner())
	assert.Equal(t, 64, ch.PayloadSize())
	assert.Equal(t, MagicChannel, ch.Magic())
}

func TestWriteReadRoundTrip(t *testing.T) {
	name := uniqueName(t)
	ch, err := Create(name, 32)
	require.NoError(t, err)
	defer func() {
		ch.Close()
		ch.Unlink()
	}()

	require.NoError(t, ch.WriteLocked([]byte("payload data"), 0))

	buf := make([]byte, len("payload data"))
	n, err := ch.ReadLocked(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload data", string(buf[:n]))
}

func TestWriteOutOfRange(t *testing.T) {
	name := uniqueName(t)
	ch, err := Create(name, 8)
	require.NoError(t, err)
	defer func() {
		ch.Close()
		ch.Unlink()
	}()

	err = ch.Lock()
	require.NoError(t, err)
	defer ch.Unlock()
	err = ch.Write(make([]byte, 100), 0)
	assert.Error(t, err)
}

func TestWaitTimesOutWithoutSignal(t *testing.T) {
	name := uniqueName(t)
	ch, err := Create(name, 8)
	require.NoError(t, err)
	defer func() {
		ch.Close()
		ch.Unlink()
	}()

	require.NoError(t, ch.Lock())
	defer ch.Unlock()

	start := time.Now()
	err = ch.Wait(50)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestBroadcastWakesWaiter(t *testing.T) {
	name := uniqueName(t)
	ch, err := Create(name, 8)
	require.NoError(t, err)
	defer func() {
		ch.Close()
		ch.Unlink()
	}()

	woken := make(chan struct{})
	go func() {
		require.NoError(t, ch.Lock())
		defer ch.Unlock()
		err := ch.Wait(2000)
		if err == nil {
			close(woken)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Lock())
	require.NoError(t, ch.Broadcast())
	require.NoError(t, ch.Unlock())

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by broadcast")
	}
}

func TestAttachReinitializesUnmarkedHeader(t *testing.T) {
	// Simulates a creator that allocated the segment but crashed before
	// pthread_mutex_init/pthread_cond_init ran: the raw segment exists with
	// a zeroed header, so Attach must detect the magic mismatch and
	// initialize the primitives itself rather than trying to use
	// unconstructed ones.
	name := uniqueName(t)
	seg, err := shm.Create(name, headerSize+16)
	require.NoError(t, err)
	defer func() {
		seg.Close()
		seg.Unlink()
	}()

	attached, err := Attach(name, 16)
	require.NoError(t, err)
	defer attached.Close()

	require.NoError(t, attached.WriteLocked([]byte("ok"), 0))
	buf := make([]byte, 2)
	n, err := attached.ReadLocked(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
}
