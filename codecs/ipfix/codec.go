package ipfix

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/core"
)

const Name = "ipfix"

// ConfigDefinitionPaths lists custom information element files.
const ConfigDefinitionPaths = "ipfix_definition_path"

// Codec decodes the Bundles written by the Aggregator into one message per
// flow.
type Codec struct {
	parser *Parser
	logger *slog.Logger
}

func New(defs DefinitionSource, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Codec{parser: NewParser(defs, logger), logger: logger.With("component", "IpfixCodec")}
}

// NewFromConfig loads the IANA dictionary plus the configured custom files.
// A shared watcher, when given, takes precedence over the file list.
func NewFromConfig(cfg codecs.Config, watcher *DefinitionWatcher, logger *slog.Logger) (*Codec, error) {
	if watcher != nil {
		return New(watcher, logger), nil
	}
	defs, err := LoadDefinitionFiles(cfg.Strings(ConfigDefinitionPaths)...)
	if err != nil {
		return nil, err
	}
	return New(defs, logger), nil
}

func (c *Codec) Name() string { return Name }

func (c *Codec) Decode(raw *core.RawMessage) ([]*core.Message, error) {
	bundle, err := DecodeBundle(raw.Payload())
	if err != nil {
		return nil, err
	}
	templates := NewTemplates()
	for id, b := range bundle.Templates {
		rec, err := ParseTemplateRecord(b)
		if err != nil {
			return nil, err
		}
		templates.Data[id] = rec
	}
	for id, b := range bundle.OptionsTemplates {
		rec, err := ParseOptionsTemplateRecord(b)
		if err != nil {
			return nil, err
		}
		templates.Options[id] = rec
	}

	var source string
	if remote := raw.RemoteAddress(); remote != nil {
		source = remote.Addr.String()
	}
	var out []*core.Message
	for _, ds := range bundle.DataSets {
		flows, err := c.parser.ParseDataSet(ds.TemplateID, ds.Records, templates)
		if err != nil {
			return nil, err
		}
		exported := time.Unix(ds.ExportTime, 0)
		for _, flow := range flows {
			m := core.NewMessage(summary(flow), source, exported)
			m.AddFields(flow.Fields())
			out = append(out, m)
		}
	}
	return out, nil
}

func field(flow *Flow, names ...string) any {
	for _, n := range names {
		if v, ok := flow.Get(n); ok {
			return v
		}
	}
	return nil
}

func counter(flow *Flow, names ...string) uint64 {
	for _, n := range names {
		v, _ := flow.Get(n)
		if u, ok := v.(uint64); ok && u != 0 {
			return u
		}
	}
	return 0
}

// summary renders the message line of a flow.
func summary(flow *Flow) string {
	src := field(flow, "sourceIPv4Address", "sourceIPv6Address")
	dst := field(flow, "destinationIPv4Address", "destinationIPv6Address")
	return fmt.Sprintf("Ipfix [%v]:%v <> [%v]:%v proto:%d pkts:%d bytes:%d",
		src, field(flow, "sourceTransportPort"),
		dst, field(flow, "destinationTransportPort"),
		counter(flow, "protocolIdentifier"),
		counter(flow, "packetDeltaCount"),
		counter(flow, "octetDeltaCount", "fwd_flow_delta_bytes"))
}
