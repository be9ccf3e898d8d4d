package processing

import (
	"testing"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCodec returns the messages produced by fn.
type stubCodec struct {
	name string
	cfg  codecs.Config
	fn   func(raw *core.RawMessage) ([]*core.Message, error)
}

func (c *stubCodec) Name() string { return c.name }

func (c *stubCodec) Decode(raw *core.RawMessage) ([]*core.Message, error) { return c.fn(raw) }

func countingFactory(calls *int, fn func(raw *core.RawMessage) ([]*core.Message, error)) Factory {
	return func(cfg codecs.Config) (codecs.Codec, error) {
		*calls++
		return &stubCodec{name: "stub", cfg: cfg, fn: fn}, nil
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryOptions{CacheSize: 2})
	require.NoError(t, err)
	return r
}

func TestRegistry_CachesPerConfig(t *testing.T) {
	r := newTestRegistry(t)
	calls := 0
	r.Register("stub", countingFactory(&calls, nil))

	a, err := r.Codec("stub", []byte(`{"x":1}`))
	require.NoError(t, err)
	again, err := r.Codec("stub", []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 1, calls)

	b, err := r.Codec("stub", nil)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, calls)
	assert.Equal(t, float64(1), a.(*stubCodec).cfg["x"])
}

func TestRegistry_EvictsLeastRecentlyUsed(t *testing.T) {
	r := newTestRegistry(t)
	calls := 0
	r.Register("stub", countingFactory(&calls, nil))

	for _, cfg := range []string{`{"a":1}`, `{"b":1}`, `{"c":1}`, `{"a":1}`} {
		_, err := r.Codec("stub", []byte(cfg))
		require.NoError(t, err)
	}
	assert.Equal(t, 4, calls, "first config was evicted by the third")
}

func TestRegistry_Errors(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Codec("gelf", nil)
	assert.ErrorIs(t, err, ErrUnknownPayloadType)

	calls := 0
	r.Register("stub", countingFactory(&calls, nil))
	_, err = r.Codec("stub", []byte("{not json"))
	assert.Error(t, err)
	assert.Zero(t, calls)

	_, err = r.Codec("stub", nil)
	require.NoError(t, err)
	r.Register("stub", countingFactory(&calls, nil))
	_, err = r.Codec("stub", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "re-registering drops cached instances")
}

func TestRegistry_Builtins(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterBuiltins(Shared{})
	assert.Equal(t, []string{"beats", "ipfix", "syslog"}, r.PayloadTypes())

	for _, name := range r.PayloadTypes() {
		c, err := r.Codec(name, nil)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}

	_, err := r.Codec("syslog", []byte(`{"timezone":"Nowhere/Land"}`))
	assert.Error(t, err)
}
