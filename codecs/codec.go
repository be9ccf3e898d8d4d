// Package codecs holds the payload decoders that turn a RawMessage into a
// Message. Each codec lives in its own sub-package and is registered with
// the processing registry under its payload type.
package codecs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/INLOpen/nexusingest/core"
)

// Codec decodes one envelope. A nil message with a nil error means the
// envelope was consumed without producing a message, e.g. an IPFIX template
// only packet.
type Codec interface {
	Name() string
	Decode(raw *core.RawMessage) ([]*core.Message, error)
}

// ConfigOverrideSource replaces the source of every decoded message.
const ConfigOverrideSource = "override_source"

// Config is the per-input codec configuration carried in an envelope's codec
// config blob as a JSON object.
type Config map[string]any

func ParseConfig(data []byte) (Config, error) {
	if len(data) == 0 {
		return Config{}, nil
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid codec config: %w", err)
	}
	if c == nil {
		c = Config{}
	}
	return c, nil
}

// Encode returns the JSON form stored in envelopes.
func (c Config) Encode() []byte {
	if len(c) == 0 {
		return nil
	}
	b, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil
	}
	return b
}

func (c Config) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v) * time.Second
	}
	return def
}

func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
