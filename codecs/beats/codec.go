package beats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/core"
)

const Name = "beats"

const ConfigNoBeatsPrefix = "no_beats_prefix"

const (
	FieldBeatsType = "beats_type"
	defaultType    = "beat"
	unknownSource  = "unknown"
	emptyMessage   = "-"
)

// keys consumed by the mapper itself and never flattened.
var skipKeys = map[string]struct{}{
	"@metadata":               {},
	"@timestamp":              {},
	core.FieldMessage:         {},
	core.FieldSourceCollector: {},
}

type Options struct {
	// NoBeatsPrefix stores flattened fields without the "<beats type>_" prefix.
	NoBeatsPrefix bool
	Logger        *slog.Logger
}

// Codec maps one Beats event, a JSON object, onto a message.
type Codec struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Codec {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Codec{opts: opts, logger: opts.Logger.With("component", "BeatsCodec")}
}

func NewFromConfig(cfg codecs.Config, logger *slog.Logger) *Codec {
	return New(Options{NoBeatsPrefix: cfg.Bool(ConfigNoBeatsPrefix, false), Logger: logger})
}

func (c *Codec) Name() string { return Name }

func (c *Codec) Decode(raw *core.RawMessage) ([]*core.Message, error) {
	event, err := parseEvent(raw.Payload())
	if err != nil {
		return nil, err
	}

	beatsType := typeOf(event)
	ts := raw.Timestamp()
	if s, ok := event["@timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			c.logger.Debug("Invalid @timestamp in Beats event, using receive time", "value", s, "error", err)
		} else {
			ts = parsed
		}
	}

	text := emptyMessage
	if s, ok := event[core.FieldMessage].(string); ok {
		text = s
	}

	m := core.NewMessage(text, sourceOf(event), ts)
	m.AddField(FieldBeatsType, beatsType)
	if collector, ok := event[core.FieldSourceCollector].(string); ok {
		m.AddField(core.FieldSourceCollector, collector)
	}

	prefix := beatsType
	if c.opts.NoBeatsPrefix {
		prefix = ""
	}
	flat := make(map[string]any, len(event))
	for k, v := range event {
		if _, skip := skipKeys[k]; skip {
			continue
		}
		flatten(join(prefix, k), v, flat)
	}
	for k, v := range flat {
		if v == nil {
			m.AddNull(k)
			continue
		}
		m.AddField(k, v)
	}
	return []*core.Message{m}, nil
}

func parseEvent(payload []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, core.NewDecodeError(Name, "empty payload", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var event map[string]any
	if err := dec.Decode(&event); err != nil {
		return nil, core.NewDecodeError(Name, "invalid JSON event", err)
	}
	if event == nil {
		return nil, core.NewDecodeError(Name, "event is not a JSON object", nil)
	}
	return event, nil
}

// typeOf resolves the shipper type. Events relayed through Logstash lose
// @metadata, so agent.type and the pre 7.0 beat.type are consulted too.
func typeOf(event map[string]any) string {
	for _, path := range [][]string{{"@metadata", "beat"}, {"agent", "type"}, {"beat", "type"}} {
		if s := lookupString(event, path...); s != "" {
			return s
		}
	}
	return defaultType
}

func sourceOf(event map[string]any) string {
	for _, path := range [][]string{{"beat", "hostname"}, {"agent", "hostname"}, {"host", "name"}} {
		if s := lookupString(event, path...); s != "" {
			return s
		}
	}
	return unknownSource
}

func lookupString(event map[string]any, path ...string) string {
	var cur any = event
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[p]
	}
	s, _ := cur.(string)
	return s
}

func join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "_" + key
}

// flatten writes value under key. Objects recurse with "_" separated keys,
// arrays of scalars stay a list and any other array gets the element index
// inserted into the path.
func flatten(key string, value any, out map[string]any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(join(key, k), v[k], out)
		}
	case []any:
		if allScalars(v) {
			list := make([]any, 0, len(v))
			for _, e := range v {
				list = append(list, scalar(e))
			}
			out[key] = list
			return
		}
		for i, e := range v {
			flatten(join(key, strconv.Itoa(i)), e, out)
		}
	default:
		out[key] = scalar(v)
	}
}

func allScalars(values []any) bool {
	for _, v := range values {
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

// scalar keeps integers, floats, booleans and null typed and stringifies the
// rest.
func scalar(v any) any {
	switch t := v.(type) {
	case nil, bool, string:
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
