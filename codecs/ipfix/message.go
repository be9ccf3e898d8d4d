package ipfix

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	Version          = 10
	HeaderLength     = 16
	SetHeaderLength  = 4
	SetIDTemplate    = 2
	SetIDOptions     = 3
	MinDataSetID     = 256
	VariableLength   = 0xFFFF
	enterpriseBit    = 0x8000
	decodeErrorCodec = "ipfix"
)

var errTruncated = errors.New("truncated")

// Header is the IPFIX message header.
type Header struct {
	Length              uint16
	ExportTime          time.Time
	SequenceNumber      uint32
	ObservationDomainID uint32
}

// FieldSpec is one field specifier of a template record.
type FieldSpec struct {
	ID               uint16
	Length           uint16
	EnterpriseNumber uint32
}

func (f FieldSpec) Variable() bool { return f.Length == VariableLength }

type TemplateRecord struct {
	ID     uint16
	Fields []FieldSpec
}

type OptionsTemplateRecord struct {
	ID           uint16
	ScopeFields  []FieldSpec
	OptionFields []FieldSpec
}

// Fields returns the scope fields followed by the option fields, the order
// in which they appear in a data record.
func (o OptionsTemplateRecord) Fields() []FieldSpec {
	out := make([]FieldSpec, 0, len(o.ScopeFields)+len(o.OptionFields))
	out = append(out, o.ScopeFields...)
	return append(out, o.OptionFields...)
}

// Flow is one decoded data record. Field order follows the template.
type Flow struct {
	names  []string
	values map[string]any
	scope  map[string]struct{}
}

func newFlow() *Flow {
	return &Flow{values: make(map[string]any)}
}

func (f *Flow) set(name string, value any, scope bool) {
	if _, exists := f.values[name]; !exists {
		f.names = append(f.names, name)
	}
	f.values[name] = value
	if scope {
		if f.scope == nil {
			f.scope = make(map[string]struct{})
		}
		f.scope[name] = struct{}{}
	}
}

func (f *Flow) Get(name string) (any, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Names returns the field names in record order.
func (f *Flow) Names() []string { return f.names }

// Fields returns a copy of the decoded values.
func (f *Flow) Fields() map[string]any {
	out := make(map[string]any, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// IsScope reports whether name came from an options template scope field.
func (f *Flow) IsScope(name string) bool {
	_, ok := f.scope[name]
	return ok
}

func (f *Flow) Len() int { return len(f.names) }

// Message is a fully parsed IPFIX message.
type Message struct {
	Header           Header
	Templates        []TemplateRecord
	OptionsTemplates []OptionsTemplateRecord
	Flows            []*Flow
}

// cursor reads big-endian values from a byte slice.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int { return len(c.buf) - c.off }

func (c *cursor) next(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, errTruncated
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// varLength reads the RFC 7011 Sec 7 length prefix of a variable-length
// field: one byte, or 255 followed by two bytes.
func (c *cursor) varLength() (int, error) {
	first, err := c.u8()
	if err != nil {
		return 0, err
	}
	if first < 255 {
		return int(first), nil
	}
	n, err := c.u16()
	return int(n), err
}

// fieldValue returns the raw bytes of one field.
func (c *cursor) fieldValue(spec FieldSpec) ([]byte, error) {
	n := int(spec.Length)
	if spec.Variable() {
		var err error
		if n, err = c.varLength(); err != nil {
			return nil, err
		}
	}
	return c.next(n)
}

func parseFieldSpec(c *cursor) (FieldSpec, error) {
	id, err := c.u16()
	if err != nil {
		return FieldSpec{}, err
	}
	length, err := c.u16()
	if err != nil {
		return FieldSpec{}, err
	}
	spec := FieldSpec{ID: id, Length: length}
	if id&enterpriseBit != 0 {
		spec.ID = id &^ enterpriseBit
		if spec.EnterpriseNumber, err = c.u32(); err != nil {
			return FieldSpec{}, err
		}
	}
	return spec, nil
}

// minRecordLength is the smallest number of bytes a record of fields can
// occupy. Anything shorter left in a set is padding.
func minRecordLength(fields []FieldSpec) int {
	n := 0
	for _, f := range fields {
		if f.Variable() {
			n++
		} else {
			n += int(f.Length)
		}
	}
	return max(n, 1)
}
