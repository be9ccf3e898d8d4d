package stage

import (
	"context"
	"sync/atomic"
)

// Signal is a counting wakeup: Add records that entries were written and
// wakes at most one waiter. Adds made while nobody waits are not lost.
type Signal struct {
	count atomic.Int64
	ch    chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Add records n new entries. It never blocks.
func (s *Signal) Add(n int) {
	if n <= 0 {
		return
	}
	s.count.Add(int64(n))
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one entry was added since the previous Wait, and
// returns how many. It returns ctx.Err() if ctx is done first.
func (s *Signal) Wait(ctx context.Context) (int64, error) {
	for {
		if n := s.count.Swap(0); n > 0 {
			return n, nil
		}
		select {
		case <-s.ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Pending returns the count accumulated since the last Wait.
func (s *Signal) Pending() int64 { return s.count.Load() }
