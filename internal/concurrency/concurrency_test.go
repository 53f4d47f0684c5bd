package concurrency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestRWMutex(t *testing.T) {
	fmt.Println("Testing RWMutex...")

	rw := NewRWMutex()

	rw.RLock()
	assert.Equal(t, rw.State().Readers, 1)
	assert.Assert(t, !rw.TryLock(), "writer must wait for the reader")
	rw.RUnlock()

	rw.Lock()
	assert.Assert(t, rw.State().Writer)
	assert.Assert(t, !rw.TryRLock())
	rw.Unlock()

	assert.Assert(t, rw.TryRLock())
	rw.RUnlock()
	assert.Assert(t, rw.TryLock())
	rw.Unlock()

	stats := rw.Stats()
	assert.Equal(t, stats.ReadAcquisitions, int64(2))
	assert.Equal(t, stats.WriteAcquisitions, int64(2))

	rw.ResetStats()
	assert.Equal(t, rw.Stats(), LockStats{})
	assert.Equal(t, rw.State().String(), "R:0 W:false RW:0 WW:0")

	fmt.Println("RWMutex tests passed!")
}

func TestRWMutexWriterPreference(t *testing.T) {
	rw := NewRWMutex()
	rw.RLock()

	writerDone := make(chan struct{})
	go func() {
		rw.Lock()
		rw.Unlock()
		close(writerDone)
	}()

	// wait until the writer queues
	for rw.State().WriteWaiters == 0 {
		time.Sleep(time.Millisecond)
	}
	assert.Assert(t, !rw.TryRLock(), "new readers queue behind a waiting writer")

	rw.RUnlock()
	<-writerDone
	assert.Equal(t, rw.Stats().WriteWaits, int64(1))
}

func TestRWMutexConcurrentCounter(t *testing.T) {
	rw := NewRWMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rw.Lock()
				counter++
				rw.Unlock()
				rw.RLock()
				_ = counter
				rw.RUnlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, counter, 800)
	assert.Equal(t, rw.State(), LockState{})
}

func TestRWMutexLockContext(t *testing.T) {
	rw := NewRWMutex()
	assert.NilError(t, rw.LockContext(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := rw.LockContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rw.Unlock()
	// the abandoned acquisition releases itself
	for !rw.TryLock() {
		time.Sleep(time.Millisecond)
	}
	rw.Unlock()
}
