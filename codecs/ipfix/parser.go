package ipfix

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/RoaringBitmap/roaring"
)

// maxListDepth bounds subTemplateList nesting.
const maxListDepth = 8

// ntpEpoch is the origin of the dateTimeMicroseconds and
// dateTimeNanoseconds encodings.
var ntpEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefinitionSource supplies the dictionary in use. *Definitions is a static
// source; DefinitionWatcher swaps it on file changes.
type DefinitionSource interface {
	Definitions() *Definitions
}

func (d *Definitions) Definitions() *Definitions { return d }

type Parser struct {
	defs   DefinitionSource
	logger *slog.Logger
}

func NewParser(defs DefinitionSource, logger *slog.Logger) *Parser {
	if defs == nil {
		defs = EmptyDefinitions()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Parser{defs: defs, logger: logger.With("component", "IpfixParser")}
}

func decodeError(reason string, err error) error {
	if errors.Is(err, errTruncated) {
		return core.NewDecodeError(decodeErrorCodec, reason, io.ErrUnexpectedEOF)
	}
	return core.NewDecodeError(decodeErrorCodec, reason, err)
}

func parseHeader(packet []byte) (Header, error) {
	c := &cursor{buf: packet}
	version, err := c.u16()
	if err != nil {
		return Header{}, decodeError("message header", err)
	}
	if version != Version {
		return Header{}, &core.ProtocolVersionMismatchError{Protocol: "IPFIX", Expected: Version, Got: int(version)}
	}
	if len(packet) < HeaderLength {
		return Header{}, decodeError("message header", errTruncated)
	}
	return Header{
		Length:              binary.BigEndian.Uint16(packet[2:]),
		ExportTime:          time.Unix(int64(binary.BigEndian.Uint32(packet[4:])), 0).UTC(),
		SequenceNumber:      binary.BigEndian.Uint32(packet[8:]),
		ObservationDomainID: binary.BigEndian.Uint32(packet[12:]),
	}, nil
}

// set is one set of a message with its header removed.
type set struct {
	id      uint16
	content []byte
}

func splitSets(packet []byte, header Header) ([]set, error) {
	if int(header.Length) != len(packet) {
		return nil, core.NewDecodeError(decodeErrorCodec,
			fmt.Sprintf("message length %d does not match packet length %d", header.Length, len(packet)), nil)
	}
	c := &cursor{buf: packet, off: HeaderLength}
	var sets []set
	for c.remaining() > 0 {
		id, err := c.u16()
		if err != nil {
			return nil, decodeError("set header", err)
		}
		length, err := c.u16()
		if err != nil {
			return nil, decodeError("set header", err)
		}
		if id == 0 || id == 1 || (id > SetIDOptions && id < MinDataSetID) {
			return nil, core.NewDecodeError(decodeErrorCodec, fmt.Sprintf("invalid set id %d", id), nil)
		}
		if length < SetHeaderLength {
			return nil, core.NewDecodeError(decodeErrorCodec, fmt.Sprintf("invalid length %d for set %d", length, id), nil)
		}
		content, err := c.next(int(length) - SetHeaderLength)
		if err != nil {
			return nil, decodeError(fmt.Sprintf("set %d", id), err)
		}
		sets = append(sets, set{id: id, content: content})
	}
	return sets, nil
}

// ShallowTemplate keeps the raw bytes of a (options) template record so it
// can be forwarded without being re-encoded.
type ShallowTemplate struct {
	ID  uint16
	Raw []byte
}

// ShallowDataSet is a data set whose records have not been decoded.
type ShallowDataSet struct {
	TemplateID uint16
	ExportTime int64
	Records    []byte
}

// MessageDescription is the result of a shallow parse.
type MessageDescription struct {
	Header Header

	templates        map[uint16]ShallowTemplate
	optionsTemplates map[uint16]ShallowTemplate
	dataSets         []ShallowDataSet

	declared        *roaring.Bitmap
	declaredOptions *roaring.Bitmap
	referenced      *roaring.Bitmap
}

func ids(b *roaring.Bitmap) []uint16 {
	arr := b.ToArray()
	out := make([]uint16, len(arr))
	for i, v := range arr {
		out[i] = uint16(v)
	}
	return out
}

func (d *MessageDescription) DeclaredTemplateIDs() []uint16 { return ids(d.declared) }

func (d *MessageDescription) DeclaredOptionsTemplateIDs() []uint16 { return ids(d.declaredOptions) }

// ReferencedTemplateIDs lists the templates needed to decode the message:
// data set ids plus the ids named by subTemplateList fields that could be
// scanned with the templates declared in the same message.
func (d *MessageDescription) ReferencedTemplateIDs() []uint16 { return ids(d.referenced) }

func (d *MessageDescription) TemplateRecord(id uint16) (ShallowTemplate, bool) {
	t, ok := d.templates[id]
	return t, ok
}

func (d *MessageDescription) OptionsTemplateRecord(id uint16) (ShallowTemplate, bool) {
	t, ok := d.optionsTemplates[id]
	return t, ok
}

func sortedTemplates(m map[uint16]ShallowTemplate) []ShallowTemplate {
	out := make([]ShallowTemplate, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *MessageDescription) TemplateRecords() []ShallowTemplate { return sortedTemplates(d.templates) }

func (d *MessageDescription) OptionsTemplateRecords() []ShallowTemplate {
	return sortedTemplates(d.optionsTemplates)
}

func (d *MessageDescription) DataSets() []ShallowDataSet { return d.dataSets }

// ShallowParse reads set headers and template ids without decoding any
// data record. It fails with a *core.ProtocolVersionMismatchError for
// anything but IPFIX, e.g. NetFlow v9.
func (p *Parser) ShallowParse(packet []byte) (*MessageDescription, error) {
	header, err := parseHeader(packet)
	if err != nil {
		return nil, err
	}
	sets, err := splitSets(packet, header)
	if err != nil {
		return nil, err
	}
	desc := &MessageDescription{
		Header:           header,
		templates:        make(map[uint16]ShallowTemplate),
		optionsTemplates: make(map[uint16]ShallowTemplate),
		declared:         roaring.New(),
		declaredOptions:  roaring.New(),
		referenced:       roaring.New(),
	}
	parsedTemplates := make(map[uint16][]FieldSpec)
	for _, s := range sets {
		switch s.id {
		case SetIDTemplate:
			c := &cursor{buf: s.content}
			for c.remaining() >= 4 {
				start := c.off
				rec, err := parseTemplateRecord(c)
				if err != nil {
					return nil, decodeError("template set", err)
				}
				raw := bytes.Clone(s.content[start:c.off])
				desc.templates[rec.ID] = ShallowTemplate{ID: rec.ID, Raw: raw}
				desc.declared.Add(uint32(rec.ID))
				parsedTemplates[rec.ID] = rec.Fields
			}
		case SetIDOptions:
			c := &cursor{buf: s.content}
			for c.remaining() >= 6 {
				start := c.off
				rec, err := parseOptionsTemplateRecord(c)
				if err != nil {
					return nil, decodeError("options template set", err)
				}
				raw := bytes.Clone(s.content[start:c.off])
				desc.optionsTemplates[rec.ID] = ShallowTemplate{ID: rec.ID, Raw: raw}
				desc.declaredOptions.Add(uint32(rec.ID))
				parsedTemplates[rec.ID] = rec.Fields()
			}
		default:
			desc.dataSets = append(desc.dataSets, ShallowDataSet{
				TemplateID: s.id,
				ExportTime: header.ExportTime.Unix(),
				Records:    bytes.Clone(s.content),
			})
			desc.referenced.Add(uint32(s.id))
		}
	}

	// Sub-template references can only be found in records whose template
	// is part of this message.
	defs := p.defs.Definitions()
	for _, ds := range desc.dataSets {
		fields, ok := parsedTemplates[ds.TemplateID]
		if !ok {
			continue
		}
		if err := scanListReferences(defs, fields, fromMap(parsedTemplates), ds.Records, desc.referenced, 0); err != nil {
			p.logger.Debug("Could not scan data set for sub-template references", "template_id", ds.TemplateID, "error", err)
		}
	}
	return desc, nil
}

// templateLookup resolves the fields of a template by id.
type templateLookup func(id uint16) ([]FieldSpec, bool)

func fromMap(m map[uint16][]FieldSpec) templateLookup {
	return func(id uint16) ([]FieldSpec, bool) {
		fields, ok := m[id]
		return fields, ok
	}
}

func scanListReferences(defs *Definitions, fields []FieldSpec, templates templateLookup, records []byte, refs *roaring.Bitmap, depth int) error {
	if depth > maxListDepth {
		return nil
	}
	c := &cursor{buf: records}
	minLen := minRecordLength(fields)
	for c.remaining() >= minLen {
		start := c.off
		for _, spec := range fields {
			value, err := c.fieldValue(spec)
			if err != nil {
				return err
			}
			if defs.Definition(spec.ID, spec.EnterpriseNumber).Type != TypeSubTemplateList || len(value) < 3 {
				continue
			}
			id := binary.BigEndian.Uint16(value[1:])
			refs.Add(uint32(id))
			if sub, ok := templates(id); ok {
				if err := scanListReferences(defs, sub, templates, value[3:], refs, depth+1); err != nil {
					return err
				}
			}
		}
		if c.off == start {
			break
		}
	}
	return nil
}

func parseTemplateRecord(c *cursor) (TemplateRecord, error) {
	id, err := c.u16()
	if err != nil {
		return TemplateRecord{}, err
	}
	count, err := c.u16()
	if err != nil {
		return TemplateRecord{}, err
	}
	rec := TemplateRecord{ID: id, Fields: make([]FieldSpec, 0, count)}
	for i := 0; i < int(count); i++ {
		spec, err := parseFieldSpec(c)
		if err != nil {
			return TemplateRecord{}, err
		}
		rec.Fields = append(rec.Fields, spec)
	}
	return rec, nil
}

func parseOptionsTemplateRecord(c *cursor) (OptionsTemplateRecord, error) {
	id, err := c.u16()
	if err != nil {
		return OptionsTemplateRecord{}, err
	}
	count, err := c.u16()
	if err != nil {
		return OptionsTemplateRecord{}, err
	}
	scopeCount, err := c.u16()
	if err != nil {
		return OptionsTemplateRecord{}, err
	}
	if scopeCount == 0 || scopeCount > count {
		return OptionsTemplateRecord{}, fmt.Errorf("options template %d has %d scope fields of %d", id, scopeCount, count)
	}
	rec := OptionsTemplateRecord{ID: id}
	for i := 0; i < int(count); i++ {
		spec, err := parseFieldSpec(c)
		if err != nil {
			return OptionsTemplateRecord{}, err
		}
		if i < int(scopeCount) {
			rec.ScopeFields = append(rec.ScopeFields, spec)
		} else {
			rec.OptionFields = append(rec.OptionFields, spec)
		}
	}
	return rec, nil
}

// ParseTemplateRecord decodes a single template record as kept by the
// shallow parser.
func ParseTemplateRecord(raw []byte) (TemplateRecord, error) {
	rec, err := parseTemplateRecord(&cursor{buf: raw})
	if err != nil {
		return TemplateRecord{}, decodeError("template record", err)
	}
	return rec, nil
}

func ParseOptionsTemplateRecord(raw []byte) (OptionsTemplateRecord, error) {
	rec, err := parseOptionsTemplateRecord(&cursor{buf: raw})
	if err != nil {
		return OptionsTemplateRecord{}, decodeError("options template record", err)
	}
	return rec, nil
}

// Templates is the template context used to decode data sets.
type Templates struct {
	Data    map[uint16]TemplateRecord
	Options map[uint16]OptionsTemplateRecord
}

func NewTemplates() *Templates {
	return &Templates{Data: make(map[uint16]TemplateRecord), Options: make(map[uint16]OptionsTemplateRecord)}
}

// Parse fully decodes a message. Every data set must be described by a
// template declared in the same message.
func (p *Parser) Parse(packet []byte) (*Message, error) {
	header, err := parseHeader(packet)
	if err != nil {
		return nil, err
	}
	sets, err := splitSets(packet, header)
	if err != nil {
		return nil, err
	}
	msg := &Message{Header: header}
	templates := NewTemplates()
	for _, s := range sets {
		switch s.id {
		case SetIDTemplate:
			c := &cursor{buf: s.content}
			for c.remaining() >= 4 {
				rec, err := parseTemplateRecord(c)
				if err != nil {
					return nil, decodeError("template set", err)
				}
				msg.Templates = append(msg.Templates, rec)
				templates.Data[rec.ID] = rec
			}
		case SetIDOptions:
			c := &cursor{buf: s.content}
			for c.remaining() >= 6 {
				rec, err := parseOptionsTemplateRecord(c)
				if err != nil {
					return nil, decodeError("options template set", err)
				}
				msg.OptionsTemplates = append(msg.OptionsTemplates, rec)
				templates.Options[rec.ID] = rec
			}
		default:
			flows, err := p.ParseDataSet(s.id, s.content, templates)
			if err != nil {
				return nil, err
			}
			msg.Flows = append(msg.Flows, flows...)
		}
	}
	return msg, nil
}

// ParseDataSet decodes the records of the data set with the given template
// id.
func (p *Parser) ParseDataSet(templateID uint16, records []byte, templates *Templates) ([]*Flow, error) {
	if rec, ok := templates.Data[templateID]; ok {
		return p.parseRecords(rec.Fields, 0, records, templates, 0)
	}
	if rec, ok := templates.Options[templateID]; ok {
		return p.parseRecords(rec.Fields(), len(rec.ScopeFields), records, templates, 0)
	}
	return nil, core.NewDecodeError(decodeErrorCodec, fmt.Sprintf("missing template for data set using template id %d", templateID), nil)
}

func (p *Parser) parseRecords(fields []FieldSpec, scopeCount int, records []byte, templates *Templates, depth int) ([]*Flow, error) {
	defs := p.defs.Definitions()
	c := &cursor{buf: records}
	minLen := minRecordLength(fields)
	var flows []*Flow
	for c.remaining() >= minLen {
		start := c.off
		flow := newFlow()
		for i, spec := range fields {
			def := defs.Definition(spec.ID, spec.EnterpriseNumber)
			value, err := c.fieldValue(spec)
			if err != nil {
				return nil, decodeError(fmt.Sprintf("field %s", def.Name), err)
			}
			if err := p.decodeField(flow, def, value, i < scopeCount, templates, depth); err != nil {
				return nil, err
			}
		}
		flows = append(flows, flow)
		if c.off == start {
			break
		}
	}
	return flows, nil
}

func (p *Parser) decodeField(flow *Flow, def Definition, value []byte, scope bool, templates *Templates, depth int) error {
	invalid := func(reason string) error {
		return core.NewDecodeError(decodeErrorCodec, fmt.Sprintf("field %s: %s", def.Name, reason), nil)
	}
	switch def.Type {
	case TypeUnsigned8, TypeUnsigned16, TypeUnsigned32, TypeUnsigned64:
		// Reduced-size encoding (RFC 7011 Sec 6.2) allows any length up to 8.
		if len(value) == 0 || len(value) > 8 {
			return invalid(fmt.Sprintf("unexpected length %d for unsigned integer", len(value)))
		}
		var v uint64
		for _, b := range value {
			v = v<<8 | uint64(b)
		}
		flow.set(def.Name, v, scope)

	case TypeSigned8, TypeSigned16, TypeSigned32, TypeSigned64:
		if len(value) == 0 || len(value) > 8 {
			return invalid(fmt.Sprintf("unexpected length %d for signed integer", len(value)))
		}
		var v uint64
		for _, b := range value {
			v = v<<8 | uint64(b)
		}
		shift := 64 - 8*uint(len(value))
		flow.set(def.Name, int64(v<<shift)>>shift, scope)

	case TypeFloat32, TypeFloat64:
		switch len(value) {
		case 4:
			flow.set(def.Name, float64(math.Float32frombits(binary.BigEndian.Uint32(value))), scope)
		case 8:
			flow.set(def.Name, math.Float64frombits(binary.BigEndian.Uint64(value)), scope)
		default:
			return invalid(fmt.Sprintf("unexpected length %d for float", len(value)))
		}

	case TypeMacAddress:
		if len(value) != 6 {
			return invalid("mac address must be 6 bytes")
		}
		flow.set(def.Name, net.HardwareAddr(value).String(), scope)

	case TypeIPv4Address:
		if len(value) != 4 {
			return invalid("ipv4 address must be 4 bytes")
		}
		flow.set(def.Name, netip.AddrFrom4([4]byte(value)).String(), scope)

	case TypeIPv6Address:
		if len(value) != 16 {
			return invalid("ipv6 address must be 16 bytes")
		}
		flow.set(def.Name, netip.AddrFrom16([16]byte(value)).String(), scope)

	case TypeBoolean:
		if len(value) != 1 {
			return invalid("boolean must be 1 byte")
		}
		switch value[0] {
		case 1:
			flow.set(def.Name, true, scope)
		case 2:
			flow.set(def.Name, false, scope)
		default:
			return invalid(fmt.Sprintf("invalid boolean value %d", value[0]))
		}

	case TypeString:
		flow.set(def.Name, string(bytes.ReplaceAll(value, []byte{0}, nil)), scope)

	case TypeOctetArray:
		flow.set(def.Name, hex.EncodeToString(value), scope)

	case TypeDateTimeSeconds:
		if len(value) != 4 {
			return invalid("dateTimeSeconds must be 4 bytes")
		}
		flow.set(def.Name, time.Unix(int64(binary.BigEndian.Uint32(value)), 0).UTC(), scope)

	case TypeDateTimeMilliseconds:
		if len(value) != 8 {
			return invalid("dateTimeMilliseconds must be 8 bytes")
		}
		flow.set(def.Name, time.UnixMilli(int64(binary.BigEndian.Uint64(value))).UTC(), scope)

	case TypeDateTimeMicroseconds, TypeDateTimeNanoseconds:
		if len(value) != 8 {
			return invalid("NTP timestamp must be 8 bytes")
		}
		seconds := binary.BigEndian.Uint32(value)
		fraction := binary.BigEndian.Uint32(value[4:])
		if def.Type == TypeDateTimeMicroseconds {
			// The low 11 bits carry no microsecond precision (RFC 7011 Sec 6.1.9).
			fraction &^= 0x7FF
		}
		nanos := (uint64(fraction) * uint64(time.Second)) >> 32
		ts := ntpEpoch.Add(time.Duration(seconds) * time.Second).Add(time.Duration(nanos))
		flow.set(def.Name, ts, scope)

	case TypeBasicList:
		p.logger.Debug("Skipping basicList data", "field", def.Name, "bytes", len(value))

	case TypeSubTemplateMultiList:
		p.logger.Debug("Skipping subTemplateMultiList data", "field", def.Name, "bytes", len(value))

	case TypeSubTemplateList:
		return p.decodeSubTemplateList(flow, def, value, scope, templates, depth)
	}
	return nil
}

// decodeSubTemplateList flattens every list element into
// <field>_<index>_<subfield> (RFC 6313 Sec 4.5.2).
func (p *Parser) decodeSubTemplateList(flow *Flow, def Definition, value []byte, scope bool, templates *Templates, depth int) error {
	if len(value) < 3 {
		return core.NewDecodeError(decodeErrorCodec, fmt.Sprintf("field %s: subTemplateList shorter than its header", def.Name), nil)
	}
	if depth >= maxListDepth {
		return core.NewDecodeError(decodeErrorCodec, fmt.Sprintf("field %s: subTemplateList nested too deep", def.Name), nil)
	}
	templateID := binary.BigEndian.Uint16(value[1:])
	rec, ok := templates.Data[templateID]
	if !ok {
		p.logger.Warn("Missing template for subTemplateList, skipping data", "field", def.Name, "template_id", templateID, "bytes", len(value)-3)
		return nil
	}
	content := value[3:]
	if len(content) == 0 {
		return nil
	}
	elements, err := p.parseRecords(rec.Fields, 0, content, templates, depth+1)
	if err != nil {
		return err
	}
	for i, element := range elements {
		prefix := def.Name + "_" + strconv.Itoa(i) + "_"
		for _, name := range element.Names() {
			v, _ := element.Get(name)
			flow.set(prefix+name, v, scope)
		}
	}
	return nil
}
