package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New(2, 8)
	defer p.Stop(context.Background())

	var wg sync.WaitGroup
	var count int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			defer wg.Done()
			atomic.AddInt32(&count, 1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int32(8), atomic.LoadInt32(&count))
}

func TestPoolDropsBeyondCapacity(t *testing.T) {
	block := make(chan struct{})
	p := New(1, 1)
	defer func() {
		close(block)
		p.Stop(context.Background())
	}()

	// Occupy the single worker so the queue actually backs up.
	require.True(t, p.Submit(func() { <-block }))
	time.Sleep(10 * time.Millisecond)

	require.True(t, p.Submit(func() {})) // fills the one queue slot
	ok := p.Submit(func() {})            // queue full, worker busy
	assert.False(t, ok)

	_, dropped := p.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestPoolStopWaitsForRunningTasks(t *testing.T) {
	p := New(1, 1)
	started := make(chan struct{})
	done := make(chan struct{})
	require.True(t, p.Submit(func() {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(done)
	}))

	<-started
	require.NoError(t, p.Stop(context.Background()))
	select {
	case <-done:
	default:
		t.Fatal("Stop returned before running task finished")
	}
}
