package store

// MemStore is an in-memory Store used by tests and by runs that must not
// persist state (--no-save). Commit upserts the staged records, mirroring
// the SQLite store's semantics.
type MemStore struct {
	committed map[stagedKey]Record
	pending   map[stagedKey]Record
}

func NewMemStore() *MemStore {
	return &MemStore{
		committed: make(map[stagedKey]Record),
		pending:   make(map[stagedKey]Record),
	}
}

func (s *MemStore) Get(kind Kind, key string) (Record, bool, error) {
	rec, ok := s.committed[stagedKey{kind: kind, key: key}]
	return rec, ok, nil
}

func (s *MemStore) Put(kind Kind, key string, rec Record) {
	s.pending[stagedKey{kind: kind, key: key}] = rec
}

func (s *MemStore) Commit() error {
	for k, rec := range s.pending {
		s.committed[k] = rec
	}
	s.pending = make(map[stagedKey]Record)
	return nil
}

func (s *MemStore) Close() error { return nil }

// Len reports the number of committed records, for test assertions.
func (s *MemStore) Len() int { return len(s.committed) }
