package processing

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/hooks"
	"github.com/INLOpen/nexusingest/ringbuffer"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultBatchSize     = 500
	DefaultRetryInterval = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
	DefaultMaxAttempts   = 10
	DefaultMaxRetryTime  = 5 * time.Minute
	unknownSource        = "unknown"
)

// Source is the process stage as seen by its consumer.
type Source interface {
	TakeBatch(ctx context.Context, max int) ([]*core.RawMessage, error)
	Complete(batch []*core.RawMessage)
}

// Output receives the decoded messages of one batch. A batch is only
// reported complete once Write succeeds.
type Output interface {
	Write(ctx context.Context, messages []*core.Message) error
}

// OutputFunc adapts a function to Output.
type OutputFunc func(ctx context.Context, messages []*core.Message) error

func (f OutputFunc) Write(ctx context.Context, messages []*core.Message) error {
	return f(ctx, messages)
}

// DiscardOutput drops every message.
var DiscardOutput Output = OutputFunc(func(context.Context, []*core.Message) error { return nil })

type ProcessorMetrics struct {
	Envelopes      *expvar.Int
	Messages       *expvar.Int
	Incomplete     *expvar.Int
	DecodeFailures *expvar.Int
	UnknownCodec   *expvar.Int
	// OutputRetries counts rejected writes that were retried, OutputFailures
	// the batches given up on.
	OutputRetries  *expvar.Int
	OutputFailures *expvar.Int
	DecodeLatency  *core.LatencyDigest
}

func NewProcessorMetrics() *ProcessorMetrics {
	return &ProcessorMetrics{
		Envelopes:      new(expvar.Int),
		Messages:       new(expvar.Int),
		Incomplete:     new(expvar.Int),
		DecodeFailures: new(expvar.Int),
		UnknownCodec:   new(expvar.Int),
		OutputRetries:  new(expvar.Int),
		OutputFailures: new(expvar.Int),
		DecodeLatency:  core.NewLatencyDigest(),
	}
}

type ProcessorOptions struct {
	Source   Source
	Registry *Registry
	Output   Output
	// NodeID is used for gl2_source_node when the envelope was not stamped.
	NodeID    string
	BatchSize int
	// RetryInterval is the first delay between output attempts. Later delays
	// grow exponentially up to MaxRetryDelay.
	RetryInterval time.Duration
	MaxRetryDelay time.Duration
	// MaxAttempts and MaxRetryTime bound how long one batch is retried before
	// the processor gives up on it.
	MaxAttempts  uint
	MaxRetryTime time.Duration
	Metrics      *ProcessorMetrics
	Logger       *slog.Logger
	HookManager  hooks.HookManager
	Tracer       trace.Tracer
}

// Processor pulls batches from the process stage, decodes every envelope
// with its codec and hands the messages to the output. Envelopes that fail
// to decode are logged, counted and still completed so the journal commit
// offset moves past them.
type Processor struct {
	opts        ProcessorOptions
	metrics     *ProcessorMetrics
	logger      *slog.Logger
	hookManager hooks.HookManager
	tracer      trace.Tracer
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Source == nil {
		return nil, errors.New("processor requires a source")
	}
	if opts.Registry == nil {
		return nil, errors.New("processor requires a codec registry")
	}
	if opts.Output == nil {
		opts.Output = DiscardOutput
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxRetryDelay < opts.RetryInterval {
		opts.MaxRetryDelay = max(DefaultMaxRetryDelay, opts.RetryInterval)
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxRetryTime <= 0 {
		opts.MaxRetryTime = DefaultMaxRetryTime
	}
	if opts.Metrics == nil {
		opts.Metrics = NewProcessorMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("processing")
	}
	return &Processor{
		opts:        opts,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "DecodingProcessor"),
		hookManager: opts.HookManager,
		tracer:      opts.Tracer,
	}, nil
}

// Run consumes batches until ctx is done or the source is closed. It fails
// when the output gives up on a batch.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Decoding processor started", "batch_size", p.opts.BatchSize)
	defer p.logger.Info("Decoding processor stopped")
	for {
		batch, err := p.opts.Source.TakeBatch(ctx, p.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ringbuffer.ErrClosed) {
				return nil
			}
			return fmt.Errorf("taking batch: %w", err)
		}
		messages := p.Process(ctx, batch)
		if err := p.write(ctx, messages); err != nil {
			// Not completed: the envelopes stay uncommitted and are read
			// again after a restart.
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("writing batch: %w", err)
		}
		p.opts.Source.Complete(batch)
	}
}

// write hands messages to the output, retrying with exponential backoff until
// it succeeds, the attempts or the retry time run out, or ctx is done.
func (p *Processor) write(ctx context.Context, messages []*core.Message) error {
	if len(messages) == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInterval
	b.MaxInterval = p.opts.MaxRetryDelay
	b.Reset()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, p.opts.Output.Write(ctx, messages)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.opts.MaxAttempts),
		backoff.WithMaxElapsedTime(p.opts.MaxRetryTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.metrics.OutputRetries.Add(1)
			p.logger.Warn("Output rejected batch, retrying", "messages", len(messages), "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.metrics.OutputFailures.Add(1)
	p.logger.Error("Output rejected batch, giving up", "messages", len(messages), "attempts", attempts, "error", err)
	return err
}

// Process decodes a batch. It never fails: envelopes that cannot be decoded
// contribute no message.
func (p *Processor) Process(ctx context.Context, batch []*core.RawMessage) []*core.Message {
	ctx, span := p.tracer.Start(ctx, "processing.DecodeBatch", trace.WithAttributes(attribute.Int("envelopes", len(batch))))
	defer span.End()

	out := make([]*core.Message, 0, len(batch))
	failures := 0
	for _, raw := range batch {
		p.metrics.Envelopes.Add(1)
		messages, err := p.decode(raw)
		if err != nil {
			failures++
			p.reportFailure(ctx, raw, err)
			continue
		}
		out = append(out, messages...)
	}
	p.metrics.Messages.Add(int64(len(out)))
	span.SetAttributes(attribute.Int("messages", len(out)))
	if failures > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d envelopes failed to decode", failures))
	}
	return out
}

func (p *Processor) decode(raw *core.RawMessage) ([]*core.Message, error) {
	codec, err := p.opts.Registry.Codec(raw.PayloadType(), raw.CodecConfig())
	if err != nil {
		if errors.Is(err, ErrUnknownPayloadType) {
			p.metrics.UnknownCodec.Add(1)
		}
		return nil, err
	}
	start := time.Now()
	decoded, err := codec.Decode(raw)
	p.metrics.DecodeLatency.Observe(time.Since(start))
	if err != nil {
		return nil, err
	}

	var override string
	if cfg, err := codecs.ParseConfig(raw.CodecConfig()); err == nil {
		override = cfg.String(codecs.ConfigOverrideSource, "")
	}
	out := decoded[:0]
	for _, msg := range decoded {
		if msg == nil {
			continue
		}
		p.stamp(msg, raw, override)
		if !msg.IsComplete() {
			p.metrics.Incomplete.Add(1)
			p.logger.Debug("Dropping incomplete message", "envelope", raw.ID(), "input", raw.SourceInputID(), "fields", len(msg.Fields))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// stamp adds provenance fields and guarantees a source.
func (p *Processor) stamp(msg *core.Message, raw *core.RawMessage, overrideSource string) {
	msg.JournalOffset = raw.JournalOffset()
	msg.AddField(core.FieldSourceInput, raw.SourceInputID())
	node := raw.ReceivingNodeID()
	if node == "" {
		node = p.opts.NodeID
	}
	msg.AddField(core.FieldSourceNode, node)

	if remote := raw.RemoteAddress(); remote != nil && remote.Addr.IsValid() {
		addr := remote.Addr.String()
		msg.AddField(core.FieldRemoteIP, addr)
		if remote.Port > 0 {
			msg.AddField(core.FieldRemotePort, int(remote.Port))
		}
		if remote.Resolved() {
			msg.AddField(core.FieldRemoteHostname, remote.Hostname)
		}
		if msg.Source == "" {
			msg.Source = addr
		}
	}
	if overrideSource != "" {
		msg.Source = overrideSource
	}
	if msg.Source == "" {
		msg.Source = unknownSource
	}
	msg.ReceiveTime = raw.Timestamp()
}

func (p *Processor) reportFailure(ctx context.Context, raw *core.RawMessage, err error) {
	p.metrics.DecodeFailures.Add(1)
	p.logger.Warn("Unable to decode envelope",
		"payload_type", raw.PayloadType(),
		"input", raw.SourceInputID(),
		"offset", raw.JournalOffset(),
		"error", err)
	p.hookManager.Trigger(ctx, hooks.NewDecodeFailureEvent(hooks.DecodeFailurePayload{
		Codec:  raw.PayloadType(),
		Offset: raw.JournalOffset(),
		Err:    err,
	}))
}

func (p *Processor) Metrics() *ProcessorMetrics { return p.metrics }

func (p *Processor) Vars() *expvar.Map {
	m := new(expvar.Map).Init()
	m.Set("envelopes", p.metrics.Envelopes)
	m.Set("messages", p.metrics.Messages)
	m.Set("incomplete", p.metrics.Incomplete)
	m.Set("decode_failures", p.metrics.DecodeFailures)
	m.Set("unknown_codec", p.metrics.UnknownCodec)
	m.Set("output_retries", p.metrics.OutputRetries)
	m.Set("output_failures", p.metrics.OutputFailures)
	m.Set("decode_latency_ms", p.metrics.DecodeLatency.Var())
	return m
}
