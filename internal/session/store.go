package session

// Store is the persistence abstraction for session records.
// Implementations need not be safe for concurrent use: the Registry
// serializes every call under its own lock.
type Store interface {
	GetRecord(key StreamKey) (*Record, bool)
	SetRecord(rec *Record)
	DeleteRecord(key StreamKey)
	ListKeys() []StreamKey
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	records map[StreamKey]*Record
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[StreamKey]*Record),
	}
}

// GetRecord implements Store.GetRecord.
func (s *InMemoryStore) GetRecord(key StreamKey) (*Record, bool) {
	rec, ok := s.records[key]
	return rec, ok
}

// SetRecord implements Store.SetRecord.
func (s *InMemoryStore) SetRecord(rec *Record) {
	s.records[rec.Key] = rec
}

// DeleteRecord implements Store.DeleteRecord.
func (s *InMemoryStore) DeleteRecord(key StreamKey) {
	delete(s.records, key)
}

// ListKeys implements Store.ListKeys.
func (s *InMemoryStore) ListKeys() []StreamKey {
	keys := make([]StreamKey, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	return keys
}
