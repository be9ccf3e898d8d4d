package testutil

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/journal"
	"github.com/stretchr/testify/require"
)

// OpenTestJournal opens an unsynced journal in a fresh temp dir and closes it
// when the test ends. mutate may adjust the options before opening.
func OpenTestJournal(t *testing.T, mutate func(*journal.Options)) *journal.Journal {
	t.Helper()
	opts := journal.Options{
		Dir:      t.TempDir(),
		SyncMode: journal.SyncDisabled,
	}
	if mutate != nil {
		mutate(&opts)
	}
	j, err := journal.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

// NewEnvelopes builds n envelopes of payloadType with payloads "msg-0".."msg-n-1".
func NewEnvelopes(payloadType string, n int) []*core.RawMessage {
	out := make([]*core.RawMessage, n)
	for i := range out {
		out[i] = core.NewRawMessage(payloadType, []byte("msg-"+strconv.Itoa(i)), nil)
	}
	return out
}

// JournalEnvelopes encodes msgs and writes them to j as one batch.
func JournalEnvelopes(t *testing.T, j *journal.Journal, msgs []*core.RawMessage) int64 {
	t.Helper()
	entries := make([]core.JournalEntry, 0, len(msgs))
	for _, m := range msgs {
		payload, err := m.Encode()
		require.NoError(t, err)
		entries = append(entries, core.JournalEntry{Key: m.JournalKey(), Payload: payload})
	}
	last, err := j.Write(context.Background(), entries)
	require.NoError(t, err)
	return last
}

// WaitFor polls cond every few milliseconds until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, timeout, 5*time.Millisecond, msgAndArgs...)
}
