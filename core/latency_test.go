package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyDigest(t *testing.T) {
	l := NewLatencyDigest()
	assert.Zero(t, l.Quantile(0.5))

	for i := 1; i <= 100; i++ {
		l.Observe(time.Duration(i) * time.Millisecond)
	}
	assert.Equal(t, uint64(100), l.Count())
	assert.InDelta(t, 50, l.Quantile(0.5), 2)
	assert.InDelta(t, 99, l.Quantile(0.99), 2)

	var out map[string]float64
	require.NoError(t, json.Unmarshal([]byte(l.Var().String()), &out))
	assert.Contains(t, out, "p99")
}
