package ipfix

import (
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const customDefinitions = `{
  "enterprise_number": 3054,
  "information_elements": [
    {"element_id": 110, "name": "l7ApplicationId", "data_type": "unsigned32"},
    {"element_id": 111, "name": "l7ApplicationName", "data_type": "string"},
    {"element_id": 126, "name": "sourceIpLatitude", "data_type": "float32"},
    {"element_id": 130, "name": "clockSkew", "data_type": "signed32"},
    {"element_id": 131, "name": "encrypted", "data_type": "boolean"},
    {"element_id": 195, "name": "httpSession", "data_type": "subtemplatelist"}
  ]
}`

func testParser(t *testing.T) *Parser {
	t.Helper()
	defs, err := LoadDefinitions(strings.NewReader(customDefinitions))
	require.NoError(t, err)
	return NewParser(defs, nil)
}

var (
	stlSpec      = FieldSpec{ID: 292, Length: VariableLength}
	protocolSpec = FieldSpec{ID: 4, Length: 1}
	srcAddrSpec  = FieldSpec{ID: 8, Length: 4}
	dstPortSpec  = FieldSpec{ID: 11, Length: 2}
)

func TestShallowParse_DeclaredAndReferencedTemplates(t *testing.T) {
	packet := newPacket().
		templates(
			templateRecord(256, srcAddrSpec, dstPortSpec),
			templateRecord(257, protocolSpec, stlSpec),
		).
		options(optionsTemplateRecord(258, []FieldSpec{{ID: 149, Length: 4}}, []FieldSpec{{ID: 41, Length: 8}})).
		set(257, concat([]byte{6}, subTemplateList(256, concat([]byte{10, 0, 0, 1}, u16(80))))).
		bytes()

	desc, err := testParser(t).ShallowParse(packet)
	require.NoError(t, err)

	assert.Subset(t, desc.DeclaredTemplateIDs(), []uint16{256, 257})
	assert.Equal(t, []uint16{258}, desc.DeclaredOptionsTemplateIDs())
	assert.Subset(t, desc.ReferencedTemplateIDs(), []uint16{256, 257})
	require.Len(t, desc.DataSets(), 1)
	assert.Equal(t, uint16(257), desc.DataSets()[0].TemplateID)
	assert.Equal(t, int64(1700000000), desc.DataSets()[0].ExportTime)

	rec, ok := desc.TemplateRecord(256)
	require.True(t, ok)
	parsed, err := ParseTemplateRecord(rec.Raw)
	require.NoError(t, err)
	assert.Equal(t, []FieldSpec{srcAddrSpec, dstPortSpec}, parsed.Fields)
}

func TestShallowParse_SubTemplateReferenceWithoutItsTemplate(t *testing.T) {
	packet := newPacket().
		templates(templateRecord(257, protocolSpec, stlSpec)).
		set(257, concat([]byte{17}, subTemplateList(256, concat([]byte{10, 0, 0, 1}, u16(53))))).
		bytes()

	desc, err := testParser(t).ShallowParse(packet)
	require.NoError(t, err)
	assert.Equal(t, []uint16{257}, desc.DeclaredTemplateIDs())
	assert.Contains(t, desc.ReferencedTemplateIDs(), uint16(256))
}

func TestShallowParse_OnlyDataSets(t *testing.T) {
	packet := newPacket().set(256, []byte{1, 2, 3, 4}).bytes()

	desc, err := NewParser(nil, nil).ShallowParse(packet)
	require.NoError(t, err)
	assert.Empty(t, desc.TemplateRecords())
	assert.Empty(t, desc.OptionsTemplateRecords())
	require.Len(t, desc.DataSets(), 1)
	assert.Equal(t, uint16(256), desc.DataSets()[0].TemplateID)
	assert.Equal(t, []uint16{256}, desc.ReferencedTemplateIDs())
}

func TestShallowParse_NetFlowV9IsRejected(t *testing.T) {
	b := newPacket()
	b.version = 9
	_, err := NewParser(nil, nil).ShallowParse(b.set(256, []byte{0}).bytes())

	require.Error(t, err)
	assert.True(t, core.IsProtocolVersionMismatch(err))
	assert.Contains(t, err.Error(), "9")

	_, err = NewParser(nil, nil).Parse(b.bytes())
	assert.True(t, core.IsProtocolVersionMismatch(err))
}

func TestShallowParse_Malformed(t *testing.T) {
	p := NewParser(nil, nil)
	truncated := newPacket().set(256, []byte{1, 2}).bytes()
	copy(truncated[HeaderLength+2:], u16(40))
	tests := map[string][]byte{
		"short header":   {0, 10, 0},
		"reserved set":   newPacket().set(1, []byte{0}).bytes(),
		"short set":      newPacket().set(256, []byte{1}).bytes()[:HeaderLength+2],
		"trailing bytes": append(newPacket().bytes(), 1, 0, 0, 4),
		"truncated set":  truncated,
	}
	for name, packet := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := p.ShallowParse(packet)
			require.Error(t, err)
			assert.True(t, core.IsDecodeError(err), "got %v", err)
		})
	}
}

func TestParse_FlowFields(t *testing.T) {
	fields := append([]FieldSpec{}, flowTemplate...)
	fields = append(fields,
		FieldSpec{ID: 152, Length: 8},                                      // flowStartMilliseconds
		FieldSpec{ID: 56, Length: 6},                                       // sourceMacAddress
		FieldSpec{ID: 27, Length: 16},                                      // sourceIPv6Address
		FieldSpec{ID: 111, Length: VariableLength, EnterpriseNumber: 3054}, // l7ApplicationName
		FieldSpec{ID: 126, Length: 4, EnterpriseNumber: 3054},              // sourceIpLatitude
		FieldSpec{ID: 130, Length: 2, EnterpriseNumber: 3054},              // clockSkew, reduced size
		FieldSpec{ID: 131, Length: 1, EnterpriseNumber: 3054},              // encrypted
		FieldSpec{ID: 999, Length: 3},                                      // unknown
	)
	ipv6 := [16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 1}
	record := concat(
		flowRecord([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1234, 80, 6, 5, 1000),
		u64(1700000000123),
		[]byte{0x00, 0x1b, 0x21, 0x3c, 0x4d, 0x5e},
		ipv6[:],
		append([]byte{4}, "http"...),
		u32(0x42280000), // 42.0
		[]byte{0xff, 0xfe},
		[]byte{1},
		[]byte{0xca, 0xfe, 0x01},
	)
	packet := newPacket().templates(templateRecord(256, fields...)).set(256, record).bytes()

	msg, err := testParser(t).Parse(packet)
	require.NoError(t, err)
	require.Len(t, msg.Templates, 1)
	require.Len(t, msg.Flows, 1)
	assert.Equal(t, uint32(1), msg.Header.ObservationDomainID)

	flow := msg.Flows[0]
	want := map[string]any{
		"sourceIPv4Address":        "10.0.0.1",
		"destinationIPv4Address":   "10.0.0.2",
		"sourceTransportPort":      uint64(1234),
		"destinationTransportPort": uint64(80),
		"protocolIdentifier":       uint64(6),
		"packetDeltaCount":         uint64(5),
		"octetDeltaCount":          uint64(1000),
		"flowStartMilliseconds":    time.UnixMilli(1700000000123).UTC(),
		"sourceMacAddress":         "00:1b:21:3c:4d:5e",
		"sourceIPv6Address":        "2001:db8::1",
		"l7ApplicationName":        "http",
		"sourceIpLatitude":         42.0,
		"clockSkew":                int64(-2),
		"encrypted":                true,
		"unknown_0_999":            "cafe01",
	}
	assert.Equal(t, want, flow.Fields())
	assert.Equal(t, "sourceIPv4Address", flow.Names()[0])
	assert.Equal(t, "unknown_0_999", flow.Names()[flow.Len()-1])
}

func TestParse_LongVariableLength(t *testing.T) {
	long := strings.Repeat("x", 300)
	fields := []FieldSpec{{ID: 82, Length: VariableLength}} // interfaceName
	record := concat([]byte{255}, u16(300), []byte(long))
	packet := newPacket().templates(templateRecord(300, fields...)).set(300, record).bytes()

	msg, err := NewParser(mustDefaults(t), nil).Parse(packet)
	require.NoError(t, err)
	require.Len(t, msg.Flows, 1)
	v, _ := msg.Flows[0].Get("interfaceName")
	assert.Equal(t, long, v)
}

func TestParse_StringStripsNUL(t *testing.T) {
	fields := []FieldSpec{{ID: 82, Length: 8}}
	packet := newPacket().templates(templateRecord(256, fields...)).set(256, []byte("eth0\x00\x00\x00\x00")).bytes()

	msg, err := NewParser(mustDefaults(t), nil).Parse(packet)
	require.NoError(t, err)
	v, _ := msg.Flows[0].Get("interfaceName")
	assert.Equal(t, "eth0", v)
}

func TestParse_SubTemplateListIsFlattened(t *testing.T) {
	packet := newPacket().
		templates(
			templateRecord(256, srcAddrSpec, dstPortSpec),
			templateRecord(257, protocolSpec, stlSpec),
		).
		set(257, concat([]byte{6}, subTemplateList(256,
			concat([]byte{10, 0, 0, 1}, u16(80)),
			concat([]byte{10, 0, 0, 2}, u16(443)),
		))).
		bytes()

	msg, err := NewParser(mustDefaults(t), nil).Parse(packet)
	require.NoError(t, err)
	require.Len(t, msg.Flows, 1)
	assert.Equal(t, map[string]any{
		"protocolIdentifier":                         uint64(6),
		"subTemplateList_0_sourceIPv4Address":        "10.0.0.1",
		"subTemplateList_0_destinationTransportPort": uint64(80),
		"subTemplateList_1_sourceIPv4Address":        "10.0.0.2",
		"subTemplateList_1_destinationTransportPort": uint64(443),
	}, msg.Flows[0].Fields())
}

func TestParse_SubTemplateListWithoutTemplateIsSkipped(t *testing.T) {
	packet := newPacket().
		templates(templateRecord(257, protocolSpec, stlSpec)).
		set(257, concat([]byte{17}, subTemplateList(256, concat([]byte{10, 0, 0, 1}, u16(53))))).
		bytes()

	msg, err := NewParser(mustDefaults(t), nil).Parse(packet)
	require.NoError(t, err)
	require.Len(t, msg.Flows, 1)
	assert.Equal(t, map[string]any{"protocolIdentifier": uint64(17)}, msg.Flows[0].Fields())
}

func TestParse_OptionsTemplateScopeFields(t *testing.T) {
	scope := []FieldSpec{{ID: 149, Length: 4}}
	opts := []FieldSpec{{ID: 41, Length: 8}}
	packet := newPacket().
		options(optionsTemplateRecord(258, scope, opts)).
		set(258, concat(u32(7), u64(1234))).
		bytes()

	msg, err := NewParser(mustDefaults(t), nil).Parse(packet)
	require.NoError(t, err)
	require.Len(t, msg.OptionsTemplates, 1)
	assert.Equal(t, scope, msg.OptionsTemplates[0].ScopeFields)
	assert.Equal(t, opts, msg.OptionsTemplates[0].OptionFields)

	require.Len(t, msg.Flows, 1)
	flow := msg.Flows[0]
	assert.True(t, flow.IsScope("observationDomainId"))
	assert.False(t, flow.IsScope("exportedMessageTotalCount"))
	v, _ := flow.Get("exportedMessageTotalCount")
	assert.Equal(t, uint64(1234), v)
}

func TestParse_NTPTimestamps(t *testing.T) {
	const unixInNTP = 2208988800
	fields := []FieldSpec{{ID: 154, Length: 8}, {ID: 156, Length: 8}}
	record := concat(
		u32(unixInNTP+10), u32(0x80000000|0x7FF),
		u32(unixInNTP+10), u32(0x80000000),
	)
	packet := newPacket().templates(templateRecord(256, fields...)).set(256, record).bytes()

	msg, err := NewParser(mustDefaults(t), nil).Parse(packet)
	require.NoError(t, err)
	micros, _ := msg.Flows[0].Get("flowStartMicroseconds")
	nanos, _ := msg.Flows[0].Get("flowStartNanoseconds")
	assert.Equal(t, time.Unix(10, 500_000_000).UTC(), micros)
	assert.Equal(t, time.Unix(10, 500_000_000).UTC(), nanos)
}

func TestParse_MultipleRecordsAndPadding(t *testing.T) {
	fields := []FieldSpec{{ID: 7, Length: 2}, {ID: 11, Length: 2}}
	packet := newPacket().
		templates(templateRecord(256, fields...)).
		set(256, u16(1), u16(2), u16(3), u16(4), []byte{0, 0, 0}).
		bytes()

	msg, err := NewParser(mustDefaults(t), nil).Parse(packet)
	require.NoError(t, err)
	require.Len(t, msg.Flows, 2)
	v, _ := msg.Flows[1].Get("destinationTransportPort")
	assert.Equal(t, uint64(4), v)
}

func TestParse_Errors(t *testing.T) {
	p := testParser(t)
	singleField := func(spec FieldSpec, record []byte) []byte {
		return newPacket().templates(templateRecord(256, spec)).set(256, record).bytes()
	}
	tests := map[string][]byte{
		"missing template":    newPacket().set(256, []byte{1, 2}).bytes(),
		"invalid boolean":     singleField(FieldSpec{ID: 131, Length: 1, EnterpriseNumber: 3054}, []byte{3}),
		"bad address length":  singleField(FieldSpec{ID: 8, Length: 3}, []byte{1, 2, 3}),
		"bad unsigned length": singleField(FieldSpec{ID: 1, Length: 9}, make([]byte, 9)),
	}
	for name, packet := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := p.Parse(packet)
			require.Error(t, err)
			assert.True(t, core.IsDecodeError(err), "got %v", err)
		})
	}
}

func mustDefaults(t *testing.T) *Definitions {
	t.Helper()
	defs, err := LoadDefinitions()
	require.NoError(t, err)
	return defs
}
