package core

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest/v4"
)

// LatencyDigest accumulates durations in a t-digest so p50/p99 can be
// published without keeping every sample.
type LatencyDigest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func NewLatencyDigest() *LatencyDigest {
	td, err := tdigest.New()
	if err != nil {
		// tdigest.New only fails on invalid options.
		panic(fmt.Sprintf("tdigest.New failed: %v", err))
	}
	return &LatencyDigest{td: td}
}

// Observe records d in milliseconds.
func (l *LatencyDigest) Observe(d time.Duration) {
	l.mu.Lock()
	_ = l.td.AddWeighted(float64(d)/float64(time.Millisecond), 1)
	l.mu.Unlock()
}

// Quantile returns the q-th quantile in milliseconds, or 0 with no samples.
func (l *LatencyDigest) Quantile(q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.td.Count() == 0 {
		return 0
	}
	return l.td.Quantile(q)
}

func (l *LatencyDigest) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.td.Count()
}

// Var exposes p50, p90 and p99 as an expvar value.
func (l *LatencyDigest) Var() expvar.Var {
	return expvar.Func(func() any {
		return map[string]float64{
			"p50": l.Quantile(0.5),
			"p90": l.Quantile(0.9),
			"p99": l.Quantile(0.99),
		}
	})
}
