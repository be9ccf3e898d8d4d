package ipfix

import (
	"encoding/binary"
)

// packetBuilder assembles IPFIX messages for tests.
type packetBuilder struct {
	version    uint16
	exportTime uint32
	domain     uint32
	sets       []byte
}

func newPacket() *packetBuilder {
	return &packetBuilder{version: Version, exportTime: 1700000000, domain: 1}
}

func (b *packetBuilder) set(id uint16, content ...[]byte) *packetBuilder {
	var body []byte
	for _, c := range content {
		body = append(body, c...)
	}
	b.sets = binary.BigEndian.AppendUint16(b.sets, id)
	b.sets = binary.BigEndian.AppendUint16(b.sets, uint16(SetHeaderLength+len(body)))
	b.sets = append(b.sets, body...)
	return b
}

func (b *packetBuilder) templates(records ...[]byte) *packetBuilder {
	return b.set(SetIDTemplate, records...)
}

func (b *packetBuilder) options(records ...[]byte) *packetBuilder {
	return b.set(SetIDOptions, records...)
}

func (b *packetBuilder) bytes() []byte {
	out := make([]byte, HeaderLength, HeaderLength+len(b.sets))
	binary.BigEndian.PutUint16(out, b.version)
	binary.BigEndian.PutUint16(out[2:], uint16(HeaderLength+len(b.sets)))
	binary.BigEndian.PutUint32(out[4:], b.exportTime)
	binary.BigEndian.PutUint32(out[8:], 42)
	binary.BigEndian.PutUint32(out[12:], b.domain)
	return append(out, b.sets...)
}

func appendSpec(b []byte, f FieldSpec) []byte {
	id := f.ID
	if f.EnterpriseNumber != 0 {
		id |= enterpriseBit
	}
	b = binary.BigEndian.AppendUint16(b, id)
	b = binary.BigEndian.AppendUint16(b, f.Length)
	if f.EnterpriseNumber != 0 {
		b = binary.BigEndian.AppendUint32(b, f.EnterpriseNumber)
	}
	return b
}

func templateRecord(id uint16, fields ...FieldSpec) []byte {
	b := binary.BigEndian.AppendUint16(nil, id)
	b = binary.BigEndian.AppendUint16(b, uint16(len(fields)))
	for _, f := range fields {
		b = appendSpec(b, f)
	}
	return b
}

func optionsTemplateRecord(id uint16, scope, opts []FieldSpec) []byte {
	b := binary.BigEndian.AppendUint16(nil, id)
	b = binary.BigEndian.AppendUint16(b, uint16(len(scope)+len(opts)))
	b = binary.BigEndian.AppendUint16(b, uint16(len(scope)))
	for _, f := range append(append([]FieldSpec{}, scope...), opts...) {
		b = appendSpec(b, f)
	}
	return b
}

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func u64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// subTemplateList encodes a variable-length list field value.
func subTemplateList(templateID uint16, records ...[]byte) []byte {
	content := concat(append([][]byte{{0x03}, u16(templateID)}, records...)...)
	if len(content) < 255 {
		return append([]byte{byte(len(content))}, content...)
	}
	return concat([]byte{255}, u16(uint16(len(content))), content)
}

// flowTemplate is a small IPv4 flow template used across tests.
var flowTemplate = []FieldSpec{
	{ID: 8, Length: 4},  // sourceIPv4Address
	{ID: 12, Length: 4}, // destinationIPv4Address
	{ID: 7, Length: 2},  // sourceTransportPort
	{ID: 11, Length: 2}, // destinationTransportPort
	{ID: 4, Length: 1},  // protocolIdentifier
	{ID: 2, Length: 4},  // packetDeltaCount, reduced size
	{ID: 1, Length: 8},  // octetDeltaCount
}

func flowRecord(src, dst [4]byte, sport, dport uint16, proto uint8, packets uint32, octets uint64) []byte {
	return concat(src[:], dst[:], u16(sport), u16(dport), []byte{proto}, u32(packets), u64(octets))
}
