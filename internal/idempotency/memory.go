package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fulfillment/internal/fault"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore constructs a MemoryStore with the given retention window.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Begin(ctx context.Context, key string) (BeginResult, error) {
	if key == "" {
		return BeginResult{}, ErrKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return BeginResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.records[key]; ok && !existing.Expired(now) {
		switch existing.Status {
		case StatusInProgress:
			return BeginResult{Outcome: AlreadyInProgress, Record: existing}, nil
		case StatusCompleted:
			return BeginResult{Outcome: AlreadyCompleted, Record: existing}, nil
		}
	}

	rec := Record{Key: key, Status: StatusInProgress, CreatedAt: now}
	if s.retention > 0 {
		rec.ExpiresAt = now.Add(s.retention)
	}
	s.records[key] = rec
	return BeginResult{Outcome: Started, Record: rec}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.settle(ctx, key, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Result = append(json.RawMessage(nil), result...)
	})
}

func (s *MemoryStore) Fail(ctx context.Context, key string, cause *fault.Failure) error {
	return s.settle(ctx, key, func(rec *Record) {
		rec.Status = StatusFailed
		rec.Cause = cause
	})
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Purge drops expired records and returns how many were removed.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) settle(ctx context.Context, key string, apply func(*Record)) error {
	if key == "" {
		return ErrKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.Status != StatusInProgress || rec.Expired(s.now()) {
		return ErrNotInProgress
	}
	apply(&rec)
	s.records[key] = rec
	return nil
}
