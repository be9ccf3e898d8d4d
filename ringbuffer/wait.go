package ringbuffer

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// WaitStrategy decides what a producer facing a full ring, or a consumer
// facing an empty one, does before retrying.
type WaitStrategy interface {
	// Wait is called between failed attempts. attempt counts calls since the
	// caller last made progress. It returns ctx.Err() once ctx is done.
	Wait(ctx context.Context, attempt int) error
	// Signal is called after every publish and consume.
	Signal()
}

// ParseWaitStrategy maps a configuration name to a strategy.
func ParseWaitStrategy(name string) (WaitStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "blocking":
		return NewBlockingWait(), nil
	case "sleeping":
		return SleepingWait{}, nil
	case "yielding", "yield":
		return YieldingWait{}, nil
	case "busy_spinning", "busy_spin", "spin":
		return BusySpinWait{}, nil
	default:
		return nil, fmt.Errorf("unknown wait strategy %q", name)
	}
}

// maxPark bounds a blocking wait so a wakeup that races with parking costs
// at most this long.
const maxPark = 5 * time.Millisecond

// BlockingWait parks waiters until the ring makes progress. Lowest CPU use,
// highest wakeup latency.
type BlockingWait struct {
	mu      sync.Mutex
	notify  chan struct{}
	waiters atomic.Int32
}

func NewBlockingWait() *BlockingWait {
	return &BlockingWait{notify: make(chan struct{})}
}

func (w *BlockingWait) Wait(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.waiters.Add(1)
	defer w.waiters.Add(-1)

	w.mu.Lock()
	ch := w.notify
	w.mu.Unlock()

	timer := time.NewTimer(maxPark)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *BlockingWait) Signal() {
	if w.waiters.Load() == 0 {
		return
	}
	w.mu.Lock()
	close(w.notify)
	w.notify = make(chan struct{})
	w.mu.Unlock()
}

// SleepingWait spins briefly, then yields, then sleeps in short steps.
type SleepingWait struct{}

func (SleepingWait) Wait(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case attempt < 100:
	case attempt < 200:
		runtime.Gosched()
	default:
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

func (SleepingWait) Signal() {}

// YieldingWait gives up the processor between attempts.
type YieldingWait struct{}

func (YieldingWait) Wait(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

func (YieldingWait) Signal() {}

// BusySpinWait retries immediately. Lowest latency, burns a core per waiter.
type BusySpinWait struct{}

func (BusySpinWait) Wait(ctx context.Context, attempt int) error {
	if attempt&0x3ff == 0 {
		return ctx.Err()
	}
	return nil
}

func (BusySpinWait) Signal() {}
