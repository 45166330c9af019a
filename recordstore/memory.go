package recordstore

import (
	"context"
	"sort"
	"sync"

	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/query"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New(errors.ErrCodeStoreError, "recordstore: closed")

// MemoryStore keeps records in a map. When RecordLimit or SizeLimit is
// exceeded the oldest records are evicted until usage falls to
// limit*(1-CullFraction); evicted ids answer with a Culled error.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryEntry
	order   []orderEntry
	culled  map[string]struct{}
	size    int64
	seq     uint64
	closed  bool

	recordLimit  int
	sizeLimit    int64
	cullFraction float64
}

type memoryEntry struct {
	rec *Record
	seq uint64
}

type orderEntry struct {
	msgID string
	seq   uint64
}

// NewMemoryStore creates an in-memory store. Only the culling fields of
// cfg are used.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		records:      make(map[string]*memoryEntry),
		culled:       make(map[string]struct{}),
		recordLimit:  cfg.RecordLimit,
		sizeLimit:    cfg.SizeLimit,
		cullFraction: cfg.CullFraction,
	}
}

// Add stores a new record.
func (s *MemoryStore) Add(ctx context.Context, rec *Record) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.records[rec.MsgID]; ok {
		return duplicate(rec.MsgID)
	}
	delete(s.culled, rec.MsgID)

	s.seq++
	stored := rec.Clone()
	s.records[rec.MsgID] = &memoryEntry{rec: stored, seq: s.seq}
	s.order = append(s.order, orderEntry{msgID: rec.MsgID, seq: s.seq})
	s.size += int64(stored.Size())
	s.cull()
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, msgID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.records[msgID]
	if !ok {
		return nil, s.missing(msgID)
	}
	return e.rec.Clone(), nil
}

// Update merges partial into the stored record.
func (s *MemoryStore) Update(ctx context.Context, msgID string, partial *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e, ok := s.records[msgID]
	if !ok {
		return s.missing(msgID)
	}
	before := e.rec.Size()
	e.rec.Merge(partial)
	s.size += int64(e.rec.Size() - before)
	s.cull()
	return nil
}

// Drop removes a record.
func (s *MemoryStore) Drop(ctx context.Context, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.remove(msgID)
	return nil
}

// DropMatching removes every matching record.
func (s *MemoryStore) DropMatching(ctx context.Context, q query.Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var doomed []string
	for _, e := range s.live() {
		if q.Match(e.rec) {
			doomed = append(doomed, e.rec.MsgID)
		}
	}
	for _, id := range doomed {
		s.remove(id)
	}
	return len(doomed), nil
}

// Find returns projected copies of the matching records in insertion order.
func (s *MemoryStore) Find(ctx context.Context, q query.Query, keys []string) ([]*Record, error) {
	if err := ValidateKeys(keys); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*Record
	for _, e := range s.live() {
		if q.Match(e.rec) {
			out = append(out, e.rec.Project(keys))
		}
	}
	return out, nil
}

// History returns submitted msg_ids ordered by submission time, ties
// broken by insertion order.
func (s *MemoryStore) History(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var entries []*memoryEntry
	for _, e := range s.live() {
		if e.rec.Submitted != nil {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].rec.Submitted.Before(*entries[j].rec.Submitted)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.rec.MsgID
	}
	return ids, nil
}

// Close discards all records.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	s.order = nil
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Bytes returns the approximate payload bytes held.
func (s *MemoryStore) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *MemoryStore) missing(msgID string) error {
	if _, ok := s.culled[msgID]; ok {
		return errors.Culled(msgID)
	}
	return notFound(msgID)
}

// live returns the stored entries in insertion order. Caller holds mu.
func (s *MemoryStore) live() []*memoryEntry {
	out := make([]*memoryEntry, 0, len(s.records))
	for _, o := range s.order {
		if e, ok := s.records[o.msgID]; ok && e.seq == o.seq {
			out = append(out, e)
		}
	}
	return out
}

// remove deletes a record and compacts the order index when it is mostly
// stale. Caller holds mu.
func (s *MemoryStore) remove(msgID string) {
	e, ok := s.records[msgID]
	if !ok {
		return
	}
	delete(s.records, msgID)
	s.size -= int64(e.rec.Size())
	if len(s.order) > 2*len(s.records)+64 {
		kept := s.order[:0]
		for _, o := range s.order {
			if cur, ok := s.records[o.msgID]; ok && cur.seq == o.seq {
				kept = append(kept, o)
			}
		}
		s.order = kept
	}
}

// cull evicts the oldest records while a limit is exceeded. Caller holds mu.
func (s *MemoryStore) cull() {
	overCount := s.recordLimit > 0 && len(s.records) > s.recordLimit
	overSize := s.sizeLimit > 0 && s.size > s.sizeLimit
	if !overCount && !overSize {
		return
	}
	countTarget := int(float64(s.recordLimit) * (1 - s.cullFraction))
	sizeTarget := int64(float64(s.sizeLimit) * (1 - s.cullFraction))

	for _, e := range s.live() {
		countOK := !overCount || len(s.records) <= countTarget
		sizeOK := !overSize || s.size <= sizeTarget
		if countOK && sizeOK {
			break
		}
		id := e.rec.MsgID
		s.remove(id)
		s.culled[id] = struct{}{}
	}
}
