// Package processing holds the downstream side of the process stage: the
// codec registry and the decoding processor that turns envelopes into
// messages.
package processing

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/codecs/beats"
	"github.com/INLOpen/nexusingest/codecs/ipfix"
	"github.com/INLOpen/nexusingest/codecs/syslog"
	lru "github.com/hashicorp/golang-lru"
)

const DefaultCodecCacheSize = 256

var ErrUnknownPayloadType = errors.New("no codec registered for payload type")

// Factory builds a codec for one codec configuration.
type Factory func(cfg codecs.Config) (codecs.Codec, error)

type RegistryOptions struct {
	// CacheSize bounds the number of (payload type, config) codec instances
	// kept alive.
	CacheSize int
	Logger    *slog.Logger
}

// Registry resolves the codec for an envelope. Codecs are built once per
// distinct codec configuration and reused.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances *lru.Cache
	logger    *slog.Logger
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCodecCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	instances, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec cache: %w", err)
	}
	return &Registry{
		factories: make(map[string]Factory),
		instances: instances,
		logger:    opts.Logger.With("component", "CodecRegistry"),
	}, nil
}

// Register adds or replaces the factory of a payload type. Cached instances
// of that type are dropped.
func (r *Registry) Register(payloadType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[payloadType] = f
	for _, k := range r.instances.Keys() {
		if ck, ok := k.(cacheKey); ok && ck.payloadType == payloadType {
			r.instances.Remove(k)
		}
	}
}

type cacheKey struct {
	payloadType string
	config      string
}

// Codec returns the codec for payloadType configured by the raw codec config
// blob of an envelope.
func (r *Registry) Codec(payloadType string, config []byte) (codecs.Codec, error) {
	key := cacheKey{payloadType: payloadType, config: string(config)}
	if c, ok := r.instances.Get(key); ok {
		return c.(codecs.Codec), nil
	}

	r.mu.RLock()
	factory, ok := r.factories[payloadType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, payloadType)
	}
	cfg, err := codecs.ParseConfig(config)
	if err != nil {
		return nil, err
	}
	c, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s codec: %w", payloadType, err)
	}
	r.instances.Add(key, c)
	r.logger.Debug("Created codec", "payload_type", payloadType, "cached", r.instances.Len())
	return c, nil
}

// PayloadTypes lists the registered payload types in order.
func (r *Registry) PayloadTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Shared holds the long-lived state the built-in codecs share across
// instances. Nil members are created per codec.
type Shared struct {
	Resolver         *syslog.Resolver
	IPFIXDefinitions *ipfix.DefinitionWatcher
	Logger           *slog.Logger
}

// RegisterBuiltins registers the syslog, beats and ipfix codecs.
func (r *Registry) RegisterBuiltins(shared Shared) {
	r.Register(syslog.Name, func(cfg codecs.Config) (codecs.Codec, error) {
		return syslog.NewFromConfig(cfg, shared.Resolver, shared.Logger)
	})
	r.Register(beats.Name, func(cfg codecs.Config) (codecs.Codec, error) {
		return beats.NewFromConfig(cfg, shared.Logger), nil
	})
	r.Register(ipfix.Name, func(cfg codecs.Config) (codecs.Codec, error) {
		return ipfix.NewFromConfig(cfg, shared.IPFIXDefinitions, shared.Logger)
	})
}
