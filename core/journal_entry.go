package core

// JournalEntry is a single record handed to the journal. Key is derived from
// the envelope id, Payload is the envelope's encoded form.
type JournalEntry struct {
	Key     []byte
	Payload []byte
}

// ReadEntry is a journal record read back together with its offset.
type ReadEntry struct {
	Offset  int64
	Key     []byte
	Payload []byte
}

// Size is the number of bytes the entry occupies inside a journal batch.
func (e JournalEntry) Size() int {
	// key len(4) + key + payload len(4) + payload
	return 8 + len(e.Key) + len(e.Payload)
}
