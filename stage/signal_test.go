package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_AddBeforeWaitIsNotLost(t *testing.T) {
	s := NewSignal()
	s.Add(3)
	s.Add(2)

	n, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Zero(t, s.Pending())
}

func TestSignal_WaitWakesOnAdd(t *testing.T) {
	s := NewSignal()
	got := make(chan int64, 1)
	go func() {
		n, _ := s.Wait(context.Background())
		got <- n
	}()

	time.Sleep(10 * time.Millisecond)
	s.Add(1)
	select {
	case n := <-got:
		assert.Equal(t, int64(1), n)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestSignal_WaitHonoursContext(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignal_AddIgnoresNonPositive(t *testing.T) {
	s := NewSignal()
	s.Add(0)
	s.Add(-4)
	assert.Zero(t, s.Pending())
}
