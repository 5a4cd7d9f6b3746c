package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu           sync.Mutex
	records      map[Key]Record
	reservations map[string]Reservation
}

// NewMemoryStore constructs a MemoryStore seeded with records.
func NewMemoryStore(seed ...Record) *MemoryStore {
	s := &MemoryStore{
		records:      make(map[Key]Record),
		reservations: make(map[string]Reservation),
	}
	for _, rec := range seed {
		s.records[rec.Key()] = rec
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Reservation(ctx context.Context, id string) (Reservation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	return res, ok, nil
}

func (s *MemoryStore) ApplyReservation(ctx context.Context, expected int64, next Record, res Reservation) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[next.Key()]
	if !ok {
		return false, ErrNotFound
	}
	if current.Version != expected {
		return false, nil
	}
	if stored, dup := s.reservations[res.ID]; dup && !stored.Released() {
		return false, nil
	}
	s.records[next.Key()] = next
	s.reservations[res.ID] = res
	return true, nil
}

func (s *MemoryStore) ApplyRelease(ctx context.Context, res Reservation, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.reservations[res.ID]
	if !ok || stored.Released() {
		return false, nil
	}
	rec, ok := s.records[stored.Key()]
	if !ok {
		return false, ErrNotFound
	}
	rec.Available += stored.Quantity
	rec.Reserved -= stored.Quantity
	rec.Version++
	stored.ReleasedAt = &at
	s.records[rec.Key()] = rec
	s.reservations[stored.ID] = stored
	return true, nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, expected int64, next Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[next.Key()]
	switch {
	case !ok && expected != 0:
		return false, ErrNotFound
	case ok && current.Version != expected:
		return false, nil
	}
	s.records[next.Key()] = next
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].WarehouseID < out[j].WarehouseID
	})
	return out, nil
}
