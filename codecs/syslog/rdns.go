package syslog

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/patrickmn/go-cache"
)

const (
	DefaultRDNSCacheTTL = 5 * time.Minute
	defaultRDNSTimeout  = 2 * time.Second
)

var errNoPTRRecord = errors.New("no PTR record")

// Resolver performs reverse DNS lookups for force_rdns and caches both
// answers and failures for the cache TTL.
type Resolver struct {
	cache   *cache.Cache
	timeout time.Duration
	lookup  func(ctx context.Context, addr string) ([]string, error)

	Latency *core.LatencyDigest
}

func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultRDNSCacheTTL
	}
	return &Resolver{
		cache:   cache.New(ttl, 2*ttl),
		timeout: defaultRDNSTimeout,
		lookup:  net.DefaultResolver.LookupAddr,
		Latency: core.NewLatencyDigest(),
	}
}

// Lookup returns the canonical name for addr without the trailing dot.
func (r *Resolver) Lookup(addr netip.Addr) (string, error) {
	key := addr.String()
	if v, ok := r.cache.Get(key); ok {
		if name := v.(string); name != "" {
			return name, nil
		}
		return "", errNoPTRRecord
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	names, err := r.lookup(ctx, key)
	cancel()
	r.Latency.Observe(time.Since(start))

	name := ""
	if err == nil && len(names) > 0 {
		name = strings.TrimSuffix(names[0], ".")
	}
	r.cache.SetDefault(key, name)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", errNoPTRRecord
	}
	return name, nil
}

// CachedEntries is the number of addresses currently cached.
func (r *Resolver) CachedEntries() int { return r.cache.ItemCount() }
