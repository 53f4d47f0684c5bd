package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RWMutex is a writer-preferring reader/writer lock that records how often
// and how long callers waited for it
type RWMutex struct {
	mu           sync.Mutex
	readers      int
	writer       bool
	readWaiters  int
	writeWaiters int
	readCond     *sync.Cond
	writeCond    *sync.Cond

	readAcquisitions  atomic.Int64
	writeAcquisitions atomic.Int64
	readWaits         atomic.Int64
	writeWaits        atomic.Int64
	readWaitNanos     atomic.Int64
	writeWaitNanos    atomic.Int64
}

// LockStats is a point-in-time copy of a lock's counters
type LockStats struct {
	ReadAcquisitions  int64
	WriteAcquisitions int64
	ReadWaits         int64
	WriteWaits        int64
	ReadWaitTime      time.Duration
	WriteWaitTime     time.Duration
}

// LockState describes current holders and waiters
type LockState struct {
	Readers      int
	Writer       bool
	ReadWaiters  int
	WriteWaiters int
}

func (ls LockState) String() string {
	return fmt.Sprintf("R:%d W:%v RW:%d WW:%d", ls.Readers, ls.Writer, ls.ReadWaiters, ls.WriteWaiters)
}

// NewRWMutex creates an unlocked lock
func NewRWMutex() *RWMutex {
	rw := &RWMutex{}
	rw.readCond = sync.NewCond(&rw.mu)
	rw.writeCond = sync.NewCond(&rw.mu)
	return rw
}

// RLock acquires a read lock. Readers queue behind waiting writers.
func (rw *RWMutex) RLock() {
	start := time.Now()
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.writer || rw.writeWaiters > 0 {
		rw.readWaits.Add(1)
		for rw.writer || rw.writeWaiters > 0 {
			rw.readWaiters++
			rw.readCond.Wait()
			rw.readWaiters--
		}
	}
	rw.readers++
	rw.readAcquisitions.Add(1)
	rw.readWaitNanos.Add(int64(time.Since(start)))
}

// RUnlock releases a read lock
func (rw *RWMutex) RUnlock() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.readers <= 0 {
		panic("concurrency: RUnlock of unlocked RWMutex")
	}
	rw.readers--
	if rw.readers == 0 && rw.writeWaiters > 0 {
		rw.writeCond.Signal()
	}
}

// Lock acquires the write lock
func (rw *RWMutex) Lock() {
	start := time.Now()
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.readers > 0 || rw.writer {
		rw.writeWaits.Add(1)
		rw.writeWaiters++
		for rw.readers > 0 || rw.writer {
			rw.writeCond.Wait()
		}
		rw.writeWaiters--
	}
	rw.writer = true
	rw.writeAcquisitions.Add(1)
	rw.writeWaitNanos.Add(int64(time.Since(start)))
}

// Unlock releases the write lock, handing over to the next writer if one
// waits and to all readers otherwise
func (rw *RWMutex) Unlock() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if !rw.writer {
		panic("concurrency: Unlock of unlocked RWMutex")
	}
	rw.writer = false
	if rw.writeWaiters > 0 {
		rw.writeCond.Signal()
	} else if rw.readWaiters > 0 {
		rw.readCond.Broadcast()
	}
}

// TryRLock takes a read lock if that does not require waiting
func (rw *RWMutex) TryRLock() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.writer || rw.writeWaiters > 0 {
		return false
	}
	rw.readers++
	rw.readAcquisitions.Add(1)
	return true
}

// TryLock takes the write lock if that does not require waiting
func (rw *RWMutex) TryLock() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.readers > 0 || rw.writer {
		return false
	}
	rw.writer = true
	rw.writeAcquisitions.Add(1)
	return true
}

// LockContext waits for the write lock until ctx is done. On cancellation
// the lock is released as soon as the pending acquisition completes.
func (rw *RWMutex) LockContext(ctx context.Context) error {
	if rw.TryLock() {
		return nil
	}
	acquired := make(chan struct{})
	go func() {
		rw.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		go func() {
			<-acquired
			rw.Unlock()
		}()
		return ctx.Err()
	}
}

// Stats returns a copy of the counters
func (rw *RWMutex) Stats() LockStats {
	return LockStats{
		ReadAcquisitions:  rw.readAcquisitions.Load(),
		WriteAcquisitions: rw.writeAcquisitions.Load(),
		ReadWaits:         rw.readWaits.Load(),
		WriteWaits:        rw.writeWaits.Load(),
		ReadWaitTime:      time.Duration(rw.readWaitNanos.Load()),
		WriteWaitTime:     time.Duration(rw.writeWaitNanos.Load()),
	}
}

// ResetStats zeroes the counters
func (rw *RWMutex) ResetStats() {
	rw.readAcquisitions.Store(0)
	rw.writeAcquisitions.Store(0)
	rw.readWaits.Store(0)
	rw.writeWaits.Store(0)
	rw.readWaitNanos.Store(0)
	rw.writeWaitNanos.Store(0)
}

// State returns the current holders and waiters
func (rw *RWMutex) State() LockState {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return LockState{
		Readers:      rw.readers,
		Writer:       rw.writer,
		ReadWaiters:  rw.readWaiters,
		WriteWaiters: rw.writeWaiters,
	}
}
