// Package ipfix parses IPFIX (RFC 7011) export packets. It provides the
// information element dictionary, a shallow parser used to decide whether a
// packet can be decoded on its own, a full parser, and the aggregator that
// turns a stream of packets into self-contained journal payloads.
package ipfix

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed ipfix-iana-elements.json
var ianaElements []byte

// DataType is an IPFIX abstract data type (RFC 7012 Sec 3.1).
type DataType int

const (
	TypeOctetArray DataType = iota
	TypeUnsigned8
	TypeUnsigned16
	TypeUnsigned32
	TypeUnsigned64
	TypeSigned8
	TypeSigned16
	TypeSigned32
	TypeSigned64
	TypeFloat32
	TypeFloat64
	TypeBoolean
	TypeMacAddress
	TypeString
	TypeDateTimeSeconds
	TypeDateTimeMilliseconds
	TypeDateTimeMicroseconds
	TypeDateTimeNanoseconds
	TypeIPv4Address
	TypeIPv6Address
	TypeBasicList
	TypeSubTemplateList
	TypeSubTemplateMultiList
)

var dataTypeNames = map[string]DataType{
	"octetarray":           TypeOctetArray,
	"unsigned8":            TypeUnsigned8,
	"unsigned16":           TypeUnsigned16,
	"unsigned32":           TypeUnsigned32,
	"unsigned64":           TypeUnsigned64,
	"signed8":              TypeSigned8,
	"signed16":             TypeSigned16,
	"signed32":             TypeSigned32,
	"signed64":             TypeSigned64,
	"float32":              TypeFloat32,
	"float64":              TypeFloat64,
	"boolean":              TypeBoolean,
	"macaddress":           TypeMacAddress,
	"string":               TypeString,
	"datetimeseconds":      TypeDateTimeSeconds,
	"datetimemilliseconds": TypeDateTimeMilliseconds,
	"datetimemicroseconds": TypeDateTimeMicroseconds,
	"datetimenanoseconds":  TypeDateTimeNanoseconds,
	"ipv4address":          TypeIPv4Address,
	"ipv6address":          TypeIPv6Address,
	"basiclist":            TypeBasicList,
	"subtemplatelist":      TypeSubTemplateList,
	"subtemplatemultilist": TypeSubTemplateMultiList,
}

// ParseDataType accepts the IANA spelling in any case.
func ParseDataType(s string) (DataType, error) {
	t, ok := dataTypeNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown IPFIX data type %q", s)
	}
	return t, nil
}

func (t DataType) String() string {
	for name, v := range dataTypeNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Definition describes one information element.
type Definition struct {
	ID               uint16
	EnterpriseNumber uint32
	Name             string
	Type             DataType
}

type definitionKey struct {
	enterprise uint32
	id         uint16
}

// Definitions is an immutable information element dictionary keyed by
// (enterprise number, element id).
type Definitions struct {
	byKey map[definitionKey]Definition
}

// definitionFile is the on-disk format shared by the IANA base file and
// vendor files.
type definitionFile struct {
	EnterpriseNumber    uint32 `json:"enterprise_number"`
	InformationElements []struct {
		ElementID uint16 `json:"element_id"`
		Name      string `json:"name"`
		DataType  string `json:"data_type"`
	} `json:"information_elements"`
}

// EmptyDefinitions knows no element. Every lookup falls back to an unknown
// octet array, which is all the shallow parser needs.
func EmptyDefinitions() *Definitions {
	return &Definitions{byKey: map[definitionKey]Definition{}}
}

// LoadDefinitions reads the embedded IANA dictionary and overlays every
// reader in order. Later definitions replace earlier ones with the same key.
func LoadDefinitions(overrides ...io.Reader) (*Definitions, error) {
	d := EmptyDefinitions()
	if err := d.load(bytes.NewReader(ianaElements)); err != nil {
		return nil, fmt.Errorf("loading IANA definitions: %w", err)
	}
	for i, r := range overrides {
		if err := d.load(r); err != nil {
			return nil, fmt.Errorf("loading definition override %d: %w", i, err)
		}
	}
	return d, nil
}

// LoadDefinitionFiles is LoadDefinitions for custom definition files on disk.
func LoadDefinitionFiles(paths ...string) (*Definitions, error) {
	readers := make([]io.Reader, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("IPFIX definition file %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("IPFIX definition path %s is a directory, expected a file", p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading IPFIX definition file %s: %w", p, err)
		}
		readers = append(readers, bytes.NewReader(data))
	}
	return LoadDefinitions(readers...)
}

func (d *Definitions) load(r io.Reader) error {
	var f definitionFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return err
	}
	for _, ie := range f.InformationElements {
		t, err := ParseDataType(ie.DataType)
		if err != nil {
			return fmt.Errorf("element %d/%d (%s): %w", f.EnterpriseNumber, ie.ElementID, ie.Name, err)
		}
		key := definitionKey{enterprise: f.EnterpriseNumber, id: ie.ElementID}
		d.byKey[key] = Definition{ID: ie.ElementID, EnterpriseNumber: f.EnterpriseNumber, Name: ie.Name, Type: t}
	}
	return nil
}

// Lookup returns the definition of an element, if known.
func (d *Definitions) Lookup(id uint16, enterprise uint32) (Definition, bool) {
	def, ok := d.byKey[definitionKey{enterprise: enterprise, id: id}]
	return def, ok
}

// Definition returns the element definition or, for an unknown element, an
// octet array named unknown_<enterprise>_<id>.
func (d *Definitions) Definition(id uint16, enterprise uint32) Definition {
	if def, ok := d.Lookup(id, enterprise); ok {
		return def
	}
	return Definition{
		ID:               id,
		EnterpriseNumber: enterprise,
		Name:             fmt.Sprintf("unknown_%d_%d", enterprise, id),
		Type:             TypeOctetArray,
	}
}

func (d *Definitions) Len() int { return len(d.byKey) }
