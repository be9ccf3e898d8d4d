package core

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// RemoteAddress is the peer a payload was received from. Hostname is only
// set when a reverse lookup succeeded.
type RemoteAddress struct {
	Addr     netip.Addr
	Port     uint16
	Hostname string
}

// Resolved reports whether the address carries a reverse-looked-up hostname.
func (r *RemoteAddress) Resolved() bool {
	return r != nil && r.Hostname != ""
}

func (r *RemoteAddress) String() string {
	if r == nil {
		return ""
	}
	return netip.AddrPortFrom(r.Addr, r.Port).String()
}

// RemoteAddressFrom converts an AddrPort into a RemoteAddress. It returns nil
// for an invalid address.
func RemoteAddressFrom(ap netip.AddrPort) *RemoteAddress {
	if !ap.IsValid() {
		return nil
	}
	return &RemoteAddress{Addr: ap.Addr().Unmap(), Port: ap.Port()}
}

// SourceNode records an input on a node that handled the envelope.
type SourceNode struct {
	NodeID  string
	InputID string
}

// RawMessage is the canonical envelope for an undecoded payload. It is created
// once at protocol-decode time and travels through the journal and both stages.
type RawMessage struct {
	id            uuid.UUID
	journalOffset int64
	timestamp     time.Time
	payloadType   string
	payload       []byte
	remote        *RemoteAddress
	codecConfig   []byte
	sourceNodes   []SourceNode

	// Stamped by the process stage on insert.
	sourceInputID   string
	receivingNodeID string
}

// NewRawMessage creates an envelope with a fresh time-ordered id. An empty
// payloadType or payload is a programming error and panics.
func NewRawMessage(payloadType string, payload []byte, remote *RemoteAddress) *RawMessage {
	return NewRawMessageAt(payloadType, payload, remote, time.Now())
}

// NewRawMessageAt is NewRawMessage with an explicit receive timestamp.
func NewRawMessageAt(payloadType string, payload []byte, remote *RemoteAddress, ts time.Time) *RawMessage {
	if payloadType == "" {
		panic("core: RawMessage payloadType must not be empty")
	}
	if len(payload) == 0 {
		panic("core: RawMessage payload must not be empty")
	}
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		panic(fmt.Sprintf("core: generating RawMessage id: %v", err))
	}
	return &RawMessage{
		id:            id,
		journalOffset: OffsetUnassigned,
		timestamp:     ts.UTC().Truncate(time.Millisecond),
		payloadType:   payloadType,
		payload:       payload,
		remote:        remote,
	}
}

func (m *RawMessage) ID() uuid.UUID                 { return m.id }
func (m *RawMessage) Timestamp() time.Time          { return m.timestamp }
func (m *RawMessage) PayloadType() string           { return m.payloadType }
func (m *RawMessage) Payload() []byte               { return m.payload }
func (m *RawMessage) RemoteAddress() *RemoteAddress { return m.remote }
func (m *RawMessage) CodecConfig() []byte           { return m.codecConfig }
func (m *RawMessage) SourceNodes() []SourceNode     { return m.sourceNodes }
func (m *RawMessage) SourceInputID() string         { return m.sourceInputID }
func (m *RawMessage) ReceivingNodeID() string       { return m.receivingNodeID }

// JournalOffset returns the offset the envelope was read at, or OffsetUnassigned.
func (m *RawMessage) JournalOffset() int64 { return m.journalOffset }

// SetJournalOffset is called by the journal reader after decoding an entry.
func (m *RawMessage) SetJournalOffset(offset int64) { m.journalOffset = offset }

// SetCodecConfig attaches an opaque codec configuration blob.
func (m *RawMessage) SetCodecConfig(cfg []byte) { m.codecConfig = cfg }

// AddSourceNode appends the (node, input) pair that received this envelope.
func (m *RawMessage) AddSourceNode(nodeID, inputID string) {
	m.sourceNodes = append(m.sourceNodes, SourceNode{NodeID: nodeID, InputID: inputID})
}

// Stamp records provenance metadata. The source input defaults to the input of
// the last source node when inputID is empty.
func (m *RawMessage) Stamp(inputID, nodeID string) {
	if inputID == "" && len(m.sourceNodes) > 0 {
		inputID = m.sourceNodes[len(m.sourceNodes)-1].InputID
	}
	m.sourceInputID = inputID
	m.receivingNodeID = nodeID
}

// JournalKey is the key under which the envelope is journaled.
func (m *RawMessage) JournalKey() []byte {
	key := m.id
	return key[:]
}

func (m *RawMessage) String() string {
	return fmt.Sprintf("RawMessage{id=%s, type=%s, offset=%d, size=%d, remote=%s}",
		m.id, m.payloadType, m.journalOffset, len(m.payload), m.remote.String())
}

const (
	fieldVersion     protowire.Number = 1
	fieldID          protowire.Number = 2
	fieldTimestamp   protowire.Number = 3
	fieldPayloadType protowire.Number = 4
	fieldPayload     protowire.Number = 5
	fieldRemote      protowire.Number = 6
	fieldCodecConfig protowire.Number = 7
	fieldSourceNode  protowire.Number = 8
	fieldStampInput  protowire.Number = 9
	fieldStampNode   protowire.Number = 10

	fieldRemoteAddr     protowire.Number = 1
	fieldRemotePort     protowire.Number = 2
	fieldRemoteHostname protowire.Number = 3

	fieldNodeID  protowire.Number = 1
	fieldInputID protowire.Number = 2
)

// Encode serializes the envelope into its journal form. The timestamp is kept
// with millisecond precision.
func (m *RawMessage) Encode() ([]byte, error) {
	if m == nil || m.payloadType == "" || len(m.payload) == 0 || m.id == uuid.Nil {
		return nil, fmt.Errorf("%w: missing id, payload type or payload", ErrEncodingFailure)
	}
	b := make([]byte, 0, len(m.payload)+64)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, EnvelopeVersion)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.id[:])
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.timestamp.UnixMilli()))
	b = protowire.AppendTag(b, fieldPayloadType, protowire.BytesType)
	b = protowire.AppendString(b, m.payloadType)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.payload)
	if m.remote != nil && m.remote.Addr.IsValid() {
		var r []byte
		r = protowire.AppendTag(r, fieldRemoteAddr, protowire.BytesType)
		r = protowire.AppendBytes(r, m.remote.Addr.AsSlice())
		r = protowire.AppendTag(r, fieldRemotePort, protowire.VarintType)
		r = protowire.AppendVarint(r, uint64(m.remote.Port))
		if m.remote.Hostname != "" {
			r = protowire.AppendTag(r, fieldRemoteHostname, protowire.BytesType)
			r = protowire.AppendString(r, m.remote.Hostname)
		}
		b = protowire.AppendTag(b, fieldRemote, protowire.BytesType)
		b = protowire.AppendBytes(b, r)
	}
	if len(m.codecConfig) > 0 {
		b = protowire.AppendTag(b, fieldCodecConfig, protowire.BytesType)
		b = protowire.AppendBytes(b, m.codecConfig)
	}
	for _, node := range m.sourceNodes {
		var n []byte
		n = protowire.AppendTag(n, fieldNodeID, protowire.BytesType)
		n = protowire.AppendString(n, node.NodeID)
		n = protowire.AppendTag(n, fieldInputID, protowire.BytesType)
		n = protowire.AppendString(n, node.InputID)
		b = protowire.AppendTag(b, fieldSourceNode, protowire.BytesType)
		b = protowire.AppendBytes(b, n)
	}
	if m.sourceInputID != "" {
		b = protowire.AppendTag(b, fieldStampInput, protowire.BytesType)
		b = protowire.AppendString(b, m.sourceInputID)
	}
	if m.receivingNodeID != "" {
		b = protowire.AppendTag(b, fieldStampNode, protowire.BytesType)
		b = protowire.AppendString(b, m.receivingNodeID)
	}
	return b, nil
}

// DecodeRawMessage parses an envelope produced by Encode. The journal offset is
// left unassigned; the journal reader sets it.
func DecodeRawMessage(data []byte) (*RawMessage, error) {
	m := &RawMessage{journalOffset: OffsetUnassigned}
	var haveID bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, NewDecodeError("envelope", "bad field tag", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad version", protowire.ParseError(n))
			}
			if v != EnvelopeVersion {
				return nil, NewDecodeError("envelope", fmt.Sprintf("unsupported envelope version %d", v), nil)
			}
			data = data[n:]
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad id", protowire.ParseError(n))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return nil, NewDecodeError("envelope", "bad id", err)
			}
			m.id = id
			haveID = true
			data = data[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad timestamp", protowire.ParseError(n))
			}
			m.timestamp = time.UnixMilli(protowire.DecodeZigZag(v)).UTC()
			data = data[n:]
		case num == fieldPayloadType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad payload type", protowire.ParseError(n))
			}
			m.payloadType = v
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad payload", protowire.ParseError(n))
			}
			m.payload = append([]byte(nil), v...)
			data = data[n:]
		case num == fieldRemote && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad remote address", protowire.ParseError(n))
			}
			remote, err := decodeRemoteAddress(v)
			if err != nil {
				return nil, err
			}
			m.remote = remote
			data = data[n:]
		case num == fieldCodecConfig && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad codec config", protowire.ParseError(n))
			}
			m.codecConfig = append([]byte(nil), v...)
			data = data[n:]
		case num == fieldSourceNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad source node", protowire.ParseError(n))
			}
			node, err := decodeSourceNode(v)
			if err != nil {
				return nil, err
			}
			m.sourceNodes = append(m.sourceNodes, node)
			data = data[n:]
		case (num == fieldStampInput || num == fieldStampNode) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad provenance stamp", protowire.ParseError(n))
			}
			if num == fieldStampInput {
				m.sourceInputID = v
			} else {
				m.receivingNodeID = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad unknown field", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if !haveID || m.payloadType == "" || len(m.payload) == 0 {
		return nil, NewDecodeError("envelope", "missing id, payload type or payload", nil)
	}
	return m, nil
}

func decodeRemoteAddress(data []byte) (*RemoteAddress, error) {
	r := &RemoteAddress{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, NewDecodeError("envelope", "bad remote address tag", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldRemoteAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad remote ip", protowire.ParseError(n))
			}
			addr, ok := netip.AddrFromSlice(v)
			if !ok {
				return nil, NewDecodeError("envelope", fmt.Sprintf("bad remote ip length %d", len(v)), nil)
			}
			r.Addr = addr
			data = data[n:]
		case num == fieldRemotePort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad remote port", protowire.ParseError(n))
			}
			r.Port = uint16(v)
			data = data[n:]
		case num == fieldRemoteHostname && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad remote hostname", protowire.ParseError(n))
			}
			r.Hostname = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, NewDecodeError("envelope", "bad remote address field", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

func decodeSourceNode(data []byte) (SourceNode, error) {
	var node SourceNode
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return node, NewDecodeError("envelope", "bad source node tag", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType || (num != fieldNodeID && num != fieldInputID) {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return node, NewDecodeError("envelope", "bad source node field", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return node, NewDecodeError("envelope", "bad source node value", protowire.ParseError(n))
		}
		if num == fieldNodeID {
			node.NodeID = v
		} else {
			node.InputID = v
		}
		data = data[n:]
	}
	return node, nil
}
