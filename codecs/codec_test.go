package codecs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_EncodeParse(t *testing.T) {
	assert.Nil(t, Config{}.Encode())

	c := Config{"store_full_message": true, "timezone": "UTC", "cache_size": 10}
	parsed, err := ParseConfig(c.Encode())
	require.NoError(t, err)
	assert.True(t, parsed.Bool("store_full_message", false))
	assert.Equal(t, "UTC", parsed.String("timezone", ""))
	// JSON numbers come back as float64.
	assert.Equal(t, 10, parsed.Int("cache_size", 0))

	empty, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)

	null, err := ParseConfig([]byte("null"))
	require.NoError(t, err)
	assert.NotNil(t, null)

	_, err = ParseConfig([]byte("{"))
	assert.Error(t, err)
}

func TestConfig_Accessors(t *testing.T) {
	c := Config{
		"flag_str":  "true",
		"bad_flag":  "maybe",
		"n_str":     "42",
		"ttl":       "90s",
		"ttl_secs":  float64(3),
		"paths":     []any{"a", 1, "b"},
		"str_paths": []string{"x"},
		"empty":     "",
	}
	assert.True(t, c.Bool("flag_str", false))
	assert.True(t, c.Bool("bad_flag", true))
	assert.False(t, c.Bool("missing", false))
	assert.Equal(t, 42, c.Int("n_str", 0))
	assert.Equal(t, 7, c.Int("missing", 7))
	assert.Equal(t, 90*time.Second, c.Duration("ttl", 0))
	assert.Equal(t, 3*time.Second, c.Duration("ttl_secs", 0))
	assert.Equal(t, time.Minute, c.Duration("missing", time.Minute))
	assert.Equal(t, []string{"a", "b"}, c.Strings("paths"))
	assert.Equal(t, []string{"x"}, c.Strings("str_paths"))
	assert.Nil(t, c.Strings("missing"))
	assert.Equal(t, "def", c.String("empty", "def"))
}
