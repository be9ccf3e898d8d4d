package stage

import "sync"

// Committer receives the highest journal offset that has been fully handed
// off downstream.
type Committer interface {
	MarkCommitted(offset int64)
}

// commitTracker turns out-of-order completions into an in-order commit
// offset. Offsets are tracked in the order TakeBatch hands them out, which is
// journal order because the journal reader is the only producer of offsets.
type commitTracker struct {
	mu        sync.Mutex
	committer Committer
	pending   []int64
	state     map[int64]bool // false while outstanding, true once completed
	last      int64
}

func newCommitTracker(c Committer) *commitTracker {
	return &commitTracker{committer: c, state: make(map[int64]bool), last: -1}
}

func (t *commitTracker) track(offsets []int64) {
	if t.committer == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, off := range offsets {
		// Redelivered or unjournaled envelopes are not tracked.
		if off < 0 || off <= t.last {
			continue
		}
		t.pending = append(t.pending, off)
		t.state[off] = false
		t.last = off
	}
}

// complete marks offsets done and commits the longest completed prefix.
func (t *commitTracker) complete(offsets []int64) {
	if t.committer == nil {
		return
	}
	t.mu.Lock()
	for _, off := range offsets {
		if _, ok := t.state[off]; ok {
			t.state[off] = true
		}
	}
	committed := int64(-1)
	for len(t.pending) > 0 && t.state[t.pending[0]] {
		committed = t.pending[0]
		delete(t.state, committed)
		t.pending = t.pending[1:]
	}
	if len(t.pending) == 0 {
		t.pending = nil
	}
	t.mu.Unlock()
	if committed >= 0 {
		t.committer.MarkCommitted(committed)
	}
}

// outstanding is the number of tracked offsets not yet committed.
func (t *commitTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
