package ipfix

import (
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/INLOpen/nexusingest/cache"
	"github.com/RoaringBitmap/roaring"
	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultTemplateCacheSize = 5000
	DefaultBufferTTL         = time.Minute
	// DefaultMaxBufferedBytes bounds the data sets held per exporter while
	// their templates are missing.
	DefaultMaxBufferedBytes = 1024 * 1024
)

type AggregatorOptions struct {
	Definitions       DefinitionSource
	TemplateCacheSize int
	BufferTTL         time.Duration
	MaxBufferedBytes  int
	Logger            *slog.Logger
}

// templateKey identifies a template of one exporter observation domain.
type templateKey struct {
	exporter netip.AddrPort
	domain   uint32
	id       uint16
}

type exporterKey struct {
	exporter netip.AddrPort
	domain   uint32
}

func (k exporterKey) String() string { return fmt.Sprintf("%s/%d", k.exporter, k.domain) }

type cachedTemplate struct {
	raw     []byte
	options bool
}

// pending holds the data sets of one exporter that wait for templates.
type pending struct {
	dataSets []ShallowDataSet
	size     int
}

type AggregatorMetrics struct {
	Packets         *expvar.Int
	Emitted         *expvar.Int
	Buffered        *expvar.Int
	Released        *expvar.Int
	Expired         *expvar.Int
	DroppedBuffer   *expvar.Int
	TemplateHits    *expvar.Int
	TemplateMisses  *expvar.Int
	TemplatesStored *expvar.Int
}

func newAggregatorMetrics() *AggregatorMetrics {
	return &AggregatorMetrics{
		Packets:         new(expvar.Int),
		Emitted:         new(expvar.Int),
		Buffered:        new(expvar.Int),
		Released:        new(expvar.Int),
		Expired:         new(expvar.Int),
		DroppedBuffer:   new(expvar.Int),
		TemplateHits:    new(expvar.Int),
		TemplateMisses:  new(expvar.Int),
		TemplatesStored: new(expvar.Int),
	}
}

// Aggregator collects IPFIX packets per exporter. Templates are cached and
// data sets whose templates have not arrived yet are held back for
// BufferTTL. Each call to Process emits at most one Bundle holding every
// data set that became decodable.
type Aggregator struct {
	opts      AggregatorOptions
	parser    *Parser
	templates *cache.LRUCache[templateKey, cachedTemplate]
	buffered  *gocache.Cache
	metrics   *AggregatorMetrics
	logger    *slog.Logger
	mu        sync.Mutex
}

func NewAggregator(opts AggregatorOptions) *Aggregator {
	if opts.TemplateCacheSize <= 0 {
		opts.TemplateCacheSize = DefaultTemplateCacheSize
	}
	if opts.BufferTTL <= 0 {
		opts.BufferTTL = DefaultBufferTTL
	}
	if opts.MaxBufferedBytes <= 0 {
		opts.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Definitions == nil {
		opts.Definitions = EmptyDefinitions()
	}
	a := &Aggregator{
		opts:     opts,
		parser:   NewParser(opts.Definitions, opts.Logger),
		buffered: gocache.New(opts.BufferTTL, opts.BufferTTL),
		metrics:  newAggregatorMetrics(),
		logger:   opts.Logger.With("component", "IpfixAggregator"),
	}
	a.templates = cache.NewLRUCache[templateKey, cachedTemplate](opts.TemplateCacheSize, func(k templateKey, _ cachedTemplate) {
		a.logger.Debug("Evicted IPFIX template", "exporter", k.exporter, "domain", k.domain, "template_id", k.id)
	})
	a.templates.SetMetrics(a.metrics.TemplateHits, a.metrics.TemplateMisses)
	a.buffered.OnEvicted(func(key string, v interface{}) {
		if p, ok := v.(*pending); ok && len(p.dataSets) > 0 {
			a.metrics.Expired.Add(int64(len(p.dataSets)))
			a.logger.Debug("Dropped buffered IPFIX data sets without templates", "exporter", key, "data_sets", len(p.dataSets))
		}
	})
	return a
}

// Process feeds one packet from exporter. It returns the encoded Bundle of
// everything that is now decodable, or nil when nothing is.
func (a *Aggregator) Process(packet []byte, exporter netip.AddrPort) ([]byte, error) {
	desc, err := a.parser.ShallowParse(packet)
	if err != nil {
		return nil, err
	}
	a.metrics.Packets.Add(1)
	ek := exporterKey{exporter: exporter, domain: desc.Header.ObservationDomainID}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range desc.TemplateRecords() {
		a.templates.Put(templateKey{exporter, ek.domain, t.ID}, cachedTemplate{raw: t.Raw})
		a.metrics.TemplatesStored.Add(1)
	}
	for _, t := range desc.OptionsTemplateRecords() {
		a.templates.Put(templateKey{exporter, ek.domain, t.ID}, cachedTemplate{raw: t.Raw, options: true})
		a.metrics.TemplatesStored.Add(1)
	}

	var ready, waiting []ShallowDataSet
	if len(desc.templates)+len(desc.optionsTemplates) > 0 {
		ready, waiting = a.release(ek)
	}
	for _, ds := range desc.DataSets() {
		if a.known(ek, ds.TemplateID) {
			ready = append(ready, ds)
		} else {
			waiting = append(waiting, ds)
		}
	}
	if len(waiting) > 0 {
		a.hold(ek, waiting)
	}
	if len(ready) == 0 {
		return nil, nil
	}

	bundle := NewBundle()
	for _, id := range a.neededTemplates(ek, desc, ready) {
		t, ok := a.templates.Get(templateKey{exporter, ek.domain, id})
		if !ok {
			continue
		}
		if t.options {
			bundle.OptionsTemplates[id] = t.raw
		} else {
			bundle.Templates[id] = t.raw
		}
	}
	bundle.DataSets = ready
	a.metrics.Emitted.Add(int64(len(ready)))
	return bundle.Encode(), nil
}

// neededTemplates returns the ids of every template required to decode ready:
// their own templates plus those named by subTemplateList fields, found by
// scanning the records with the cached templates. Released data sets from
// earlier packets are covered the same way. Must be called with a.mu held.
func (a *Aggregator) neededTemplates(ek exporterKey, desc *MessageDescription, ready []ShallowDataSet) []uint16 {
	refs := roaring.New()
	for _, id := range desc.ReferencedTemplateIDs() {
		refs.Add(uint32(id))
	}
	parsed := make(map[uint16][]FieldSpec)
	lookup := func(id uint16) ([]FieldSpec, bool) {
		if fields, ok := parsed[id]; ok {
			return fields, true
		}
		fields, ok := a.templateFields(ek, id)
		if ok {
			parsed[id] = fields
		}
		return fields, ok
	}
	defs := a.parser.defs.Definitions()
	for _, ds := range ready {
		refs.Add(uint32(ds.TemplateID))
		fields, ok := lookup(ds.TemplateID)
		if !ok {
			continue
		}
		if err := scanListReferences(defs, fields, lookup, ds.Records, refs, 0); err != nil {
			a.logger.Debug("Could not scan data set for sub-template references", "exporter", ek, "template_id", ds.TemplateID, "error", err)
		}
	}
	return ids(refs)
}

// templateFields parses the cached template id of an exporter.
func (a *Aggregator) templateFields(ek exporterKey, id uint16) ([]FieldSpec, bool) {
	t, ok := a.templates.Get(templateKey{ek.exporter, ek.domain, id})
	if !ok {
		return nil, false
	}
	if t.options {
		rec, err := ParseOptionsTemplateRecord(t.raw)
		if err != nil {
			return nil, false
		}
		return rec.Fields(), true
	}
	rec, err := ParseTemplateRecord(t.raw)
	if err != nil {
		return nil, false
	}
	return rec.Fields, true
}

func (a *Aggregator) known(ek exporterKey, id uint16) bool {
	_, ok := a.templates.Get(templateKey{ek.exporter, ek.domain, id})
	return ok
}

// release splits the buffered data sets of an exporter into those that can
// now be decoded and those still waiting. Must be called with a.mu held.
func (a *Aggregator) release(ek exporterKey) (ready, waiting []ShallowDataSet) {
	v, ok := a.buffered.Get(ek.String())
	if !ok {
		return nil, nil
	}
	p := v.(*pending)
	held := p.dataSets
	// Emptied first so the eviction callback does not count them as expired.
	p.dataSets, p.size = nil, 0
	a.buffered.Delete(ek.String())
	for _, ds := range held {
		if a.known(ek, ds.TemplateID) {
			ready = append(ready, ds)
		} else {
			waiting = append(waiting, ds)
		}
	}
	if len(ready) > 0 {
		a.metrics.Released.Add(int64(len(ready)))
		a.logger.Debug("Releasing buffered IPFIX data sets", "exporter", ek, "released", len(ready), "waiting", len(waiting))
	}
	return ready, waiting
}

// hold buffers data sets, dropping the ones that do not fit. Must be called
// with a.mu held.
func (a *Aggregator) hold(ek exporterKey, dataSets []ShallowDataSet) {
	p := &pending{}
	if v, ok := a.buffered.Get(ek.String()); ok {
		p = v.(*pending)
	}
	for _, ds := range dataSets {
		if p.size+len(ds.Records) > a.opts.MaxBufferedBytes {
			a.metrics.DroppedBuffer.Add(1)
			a.logger.Warn("IPFIX template buffer full, dropping data set", "exporter", ek, "template_id", ds.TemplateID)
			continue
		}
		p.dataSets = append(p.dataSets, ds)
		p.size += len(ds.Records)
		a.metrics.Buffered.Add(1)
	}
	a.buffered.SetDefault(ek.String(), p)
}

// BufferedDataSets returns the number of data sets waiting for templates.
func (a *Aggregator) BufferedDataSets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, item := range a.buffered.Items() {
		n += len(item.Object.(*pending).dataSets)
	}
	return n
}

func (a *Aggregator) TemplateCount() int { return a.templates.Len() }

func (a *Aggregator) Metrics() *AggregatorMetrics { return a.metrics }

func (a *Aggregator) Vars() *expvar.Map {
	m := new(expvar.Map).Init()
	m.Set("packets", a.metrics.Packets)
	m.Set("emitted_data_sets", a.metrics.Emitted)
	m.Set("buffered_data_sets", a.metrics.Buffered)
	m.Set("released_data_sets", a.metrics.Released)
	m.Set("expired_data_sets", a.metrics.Expired)
	m.Set("dropped_data_sets", a.metrics.DroppedBuffer)
	m.Set("templates_stored", a.metrics.TemplatesStored)
	m.Set("template_hit_rate", expvar.Func(func() any { return a.templates.GetHitRate() }))
	m.Set("templates_cached", expvar.Func(func() any { return a.TemplateCount() }))
	return m
}
