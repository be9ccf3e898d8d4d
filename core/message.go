package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is the decoded, canonical record a codec produces from a RawMessage.
type Message struct {
	ID            uuid.UUID
	Message       string
	Source        string
	Timestamp     time.Time
	Fields        map[string]any
	JournalOffset int64
	ReceiveTime   time.Time
}

// NewMessage creates a message with a fresh id.
func NewMessage(message, source string, timestamp time.Time) *Message {
	return &Message{
		ID:            uuid.Must(uuid.NewV7()),
		Message:       message,
		Source:        source,
		Timestamp:     timestamp.UTC(),
		Fields:        make(map[string]any),
		JournalOffset: OffsetUnassigned,
	}
}

// reservedFields are set through the struct and never land in Fields.
var reservedFields = map[string]struct{}{
	FieldID:        {},
	FieldMessage:   {},
	FieldSource:    {},
	FieldTimestamp: {},
}

// AddField sets a field. Reserved keys are routed to the struct, empty keys and
// nil values are ignored.
func (m *Message) AddField(key string, value any) {
	key = strings.TrimSpace(key)
	if key == "" || value == nil {
		return
	}
	switch key {
	case FieldMessage:
		if s, ok := value.(string); ok {
			m.Message = s
		}
		return
	case FieldSource:
		if s, ok := value.(string); ok {
			m.Source = s
		}
		return
	case FieldTimestamp:
		if ts, ok := value.(time.Time); ok {
			m.Timestamp = ts.UTC()
		}
		return
	}
	if _, reserved := reservedFields[key]; reserved {
		return
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return
	}
	m.Fields[key] = value
}

// AddNull records key with a null value. AddField ignores nil, so codecs whose
// payloads carry an explicit null use this instead.
func (m *Message) AddNull(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if _, reserved := reservedFields[key]; reserved {
		return
	}
	m.Fields[key] = nil
}

// AddFields sets every key of fields.
func (m *Message) AddFields(fields map[string]any) {
	for k, v := range fields {
		m.AddField(k, v)
	}
}

func (m *Message) GetField(key string) any {
	switch key {
	case FieldMessage:
		return m.Message
	case FieldSource:
		return m.Source
	case FieldTimestamp:
		return m.Timestamp
	}
	return m.Fields[key]
}

func (m *Message) HasField(key string) bool {
	_, ok := m.Fields[key]
	return ok
}

func (m *Message) RemoveField(key string) {
	delete(m.Fields, key)
}

// IsComplete reports whether the message has the fields every downstream
// consumer relies on.
func (m *Message) IsComplete() bool {
	return strings.TrimSpace(m.Message) != "" && m.Source != "" && !m.Timestamp.IsZero()
}

func (m *Message) String() string {
	return fmt.Sprintf("source: %s | message: %s { %d fields }", m.Source, m.Message, len(m.Fields))
}
