package ipfix

import (
	"fmt"
	"sort"

	"github.com/INLOpen/nexusingest/core"
	"google.golang.org/protobuf/encoding/protowire"
)

// Bundle is the journal payload produced by the Aggregator. It carries the
// data sets of one exporter together with every template needed to decode
// them, so each journal entry can be decoded on its own.
type Bundle struct {
	Templates        map[uint16][]byte
	OptionsTemplates map[uint16][]byte
	DataSets         []ShallowDataSet
}

func NewBundle() *Bundle {
	return &Bundle{Templates: make(map[uint16][]byte), OptionsTemplates: make(map[uint16][]byte)}
}

const (
	bundleFieldTemplate        protowire.Number = 1
	bundleFieldDataSet         protowire.Number = 2
	bundleFieldOptionsTemplate protowire.Number = 3

	templateFieldID  protowire.Number = 1
	templateFieldRaw protowire.Number = 2

	dataSetFieldExportTime protowire.Number = 1
	dataSetFieldTemplateID protowire.Number = 2
	dataSetFieldRecords    protowire.Number = 3
)

func appendTemplates(b []byte, field protowire.Number, templates map[uint16][]byte) []byte {
	keys := make([]int, 0, len(templates))
	for id := range templates {
		keys = append(keys, int(id))
	}
	sort.Ints(keys)
	for _, id := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, templateFieldID, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(id))
		entry = protowire.AppendTag(entry, templateFieldRaw, protowire.BytesType)
		entry = protowire.AppendBytes(entry, templates[uint16(id)])
		b = protowire.AppendTag(b, field, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// Encode serializes the bundle as protobuf wire fields.
func (b *Bundle) Encode() []byte {
	var out []byte
	out = appendTemplates(out, bundleFieldTemplate, b.Templates)
	out = appendTemplates(out, bundleFieldOptionsTemplate, b.OptionsTemplates)
	for _, ds := range b.DataSets {
		var entry []byte
		entry = protowire.AppendTag(entry, dataSetFieldExportTime, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(ds.ExportTime))
		entry = protowire.AppendTag(entry, dataSetFieldTemplateID, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(ds.TemplateID))
		entry = protowire.AppendTag(entry, dataSetFieldRecords, protowire.BytesType)
		entry = protowire.AppendBytes(entry, ds.Records)
		out = protowire.AppendTag(out, bundleFieldDataSet, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

func DecodeBundle(data []byte) (*Bundle, error) {
	b := NewBundle()
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case bundleFieldTemplate, bundleFieldOptionsTemplate:
			id, raw, err := decodeTemplateEntry(v)
			if err != nil {
				return err
			}
			if num == bundleFieldTemplate {
				b.Templates[id] = raw
			} else {
				b.OptionsTemplates[id] = raw
			}
		case bundleFieldDataSet:
			ds, err := decodeDataSetEntry(v)
			if err != nil {
				return err
			}
			b.DataSets = append(b.DataSets, ds)
		}
		return nil
	})
	if err != nil {
		return nil, core.NewDecodeError(decodeErrorCodec, "invalid journal bundle", err)
	}
	return b, nil
}

func decodeTemplateEntry(data []byte) (uint16, []byte, error) {
	var id uint16
	var raw []byte
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == templateFieldID && typ == protowire.VarintType:
			id = uint16(n)
		case num == templateFieldRaw && typ == protowire.BytesType:
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	return id, raw, err
}

func decodeDataSetEntry(data []byte) (ShallowDataSet, error) {
	var ds ShallowDataSet
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == dataSetFieldExportTime && typ == protowire.VarintType:
			ds.ExportTime = int64(n)
		case num == dataSetFieldTemplateID && typ == protowire.VarintType:
			ds.TemplateID = uint16(n)
		case num == dataSetFieldRecords && typ == protowire.BytesType:
			ds.Records = append([]byte(nil), v...)
		}
		return nil
	})
	return ds, err
}

// eachField walks the top-level fields of a protobuf message. Bytes fields
// are passed in v, varints in n; other wire types are skipped.
func eachField(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			data = data[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return nil
}
