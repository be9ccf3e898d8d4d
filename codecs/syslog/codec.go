// Package syslog decodes RFC 5424, RFC 3164, Cisco and FortiGate syslog
// lines into messages.
package syslog

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/core"
)

const Name = "syslog"

const (
	ConfigForceRDNS            = "force_rdns"
	ConfigAllowOverrideDate    = "allow_override_date"
	ConfigStoreFullMessage     = "store_full_message"
	ConfigExpandStructuredData = "expand_structured_data"
	ConfigTimezone             = "timezone"
)

type Options struct {
	ForceRDNS bool
	// AllowOverrideDate substitutes the receive time for an unparsable
	// timestamp instead of rejecting the line.
	AllowOverrideDate    bool
	StoreFullMessage     bool
	ExpandStructuredData bool
	// Location applies to timestamps that carry no zone. Defaults to UTC.
	Location *time.Location
	Resolver *Resolver
	Now      func() time.Time
	Logger   *slog.Logger
}

type Codec struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Codec {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ForceRDNS && opts.Resolver == nil {
		opts.Resolver = NewResolver(0)
	}
	return &Codec{opts: opts, logger: opts.Logger.With("component", "SyslogCodec")}
}

// NewFromConfig builds a codec from an input's codec configuration.
// allow_override_date defaults to true.
func NewFromConfig(cfg codecs.Config, resolver *Resolver, logger *slog.Logger) (*Codec, error) {
	loc := time.UTC
	if tz := cfg.String(ConfigTimezone, ""); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid syslog timezone %q: %w", tz, err)
		}
		loc = l
	}
	return New(Options{
		ForceRDNS:            cfg.Bool(ConfigForceRDNS, false),
		AllowOverrideDate:    cfg.Bool(ConfigAllowOverrideDate, true),
		StoreFullMessage:     cfg.Bool(ConfigStoreFullMessage, false),
		ExpandStructuredData: cfg.Bool(ConfigExpandStructuredData, false),
		Location:             loc,
		Resolver:             resolver,
		Logger:               logger,
	}), nil
}

func (c *Codec) Name() string { return Name }

func (c *Codec) Decode(raw *core.RawMessage) ([]*core.Message, error) {
	line := strings.TrimRight(string(raw.Payload()), "\r\n\x00")
	pri, rest, ok := parsePRI(line)
	if !ok {
		return nil, core.NewDecodeError(Name, "missing or invalid PRI", nil)
	}

	var e event
	switch Classify(line) {
	case KindStructured:
		e = parseStructured(rest)
	case KindCisco:
		e = parseCisco(rest, c.opts.Location, c.opts.Now())
	case KindFortiGate:
		e = parseFortiGate(rest, c.opts.Location)
	default:
		e = parseBSD(rest, c.opts.Location, c.opts.Now())
	}
	e.pri = pri

	ts := e.date
	if ts.IsZero() {
		if !c.opts.AllowOverrideDate {
			c.logger.Debug("Syslog message has no parsable date", "kind", e.kind, "line", line)
			return nil, fmt.Errorf("%w: syslog message is missing date or date could not be parsed", core.ErrIncompleteMessage)
		}
		ts = raw.Timestamp()
	}

	m := core.NewMessage(e.message, c.host(e, raw.RemoteAddress()), ts)
	m.AddField(core.FieldFacility, FacilityName(facilityOf(pri)))
	m.AddField(core.FieldLevel, levelOf(pri))
	m.AddField("facility_num", facilityOf(pri))
	if e.hasSeq {
		m.AddField("sequence_number", e.sequence)
	}
	for k, v := range e.fields {
		// FortiGate's level is a word; ours is numeric.
		if k == core.FieldLevel || k == core.FieldMessage || k == core.FieldSource || k == core.FieldTimestamp {
			continue
		}
		m.AddField(k, v)
	}
	if c.opts.StoreFullMessage {
		m.AddField(core.FieldFullMessage, line)
	}
	if e.kind == KindStructured {
		for k, v := range e.sd {
			if c.opts.ExpandStructuredData {
				k = strings.TrimSpace(e.sdID) + "_" + k
			}
			m.AddField(k, v)
		}
		m.AddField("application_name", e.appName)
		m.AddField("process_id", e.procID)
	}
	return []*core.Message{m}, nil
}

// host prefers a reverse lookup when forced, then the parsed hostname, then
// the remote address.
func (c *Codec) host(e event, remote *core.RemoteAddress) string {
	if remote != nil && c.opts.ForceRDNS {
		name, err := c.opts.Resolver.Lookup(remote.Addr)
		if err == nil {
			return name
		}
		c.logger.Warn("Reverse DNS lookup failed, falling back to parsed hostname", "addr", remote.Addr, "error", err)
	}
	if e.host == "" && remote != nil {
		return remote.Addr.String()
	}
	return e.host
}
