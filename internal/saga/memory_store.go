package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps executions in memory.
type MemoryStore struct {
	mu      sync.Mutex
	byOrder map[string]Execution
	byToken map[string]string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrder: make(map[string]Execution),
		byToken: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, exec Execution) (Execution, bool, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if orderID, ok := s.byToken[exec.IdempotencyToken]; ok {
		if orderID != exec.OrderID {
			return Execution{}, false, ErrTokenConflict
		}
		return s.byOrder[orderID].Clone(), false, nil
	}
	if _, ok := s.byOrder[exec.OrderID]; ok {
		return Execution{}, false, ErrTokenConflict
	}
	s.byOrder[exec.OrderID] = exec.Clone()
	s.byToken[exec.IdempotencyToken] = exec.OrderID
	return exec.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.byOrder[orderID]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) AppendStep(ctx context.Context, orderID string, result StepResult) error {
	return s.update(ctx, orderID, func(exec *Execution) error {
		exec.Steps = append(exec.Steps, result)
		exec.UpdatedAt = result.EndedAt
		return nil
	})
}

func (s *MemoryStore) Transition(ctx context.Context, orderID string, change Change) error {
	return s.update(ctx, orderID, func(exec *Execution) error {
		if exec.State != change.From {
			return fmt.Errorf("expected %s, found %s: %w", change.From, exec.State, ErrStaleState)
		}
		if err := CheckTransition(change.From, change.To); err != nil {
			return err
		}
		exec.State = change.To
		exec.Terminal = change.To.Terminal()
		if change.FailedStep != "" {
			exec.FailedStep = change.FailedStep
		}
		if change.Cause != nil {
			exec.Cause = change.Cause
		}
		exec.UpdatedAt = change.At
		return nil
	})
}

func (s *MemoryStore) RecordCompensation(ctx context.Context, orderID string, result CompensationResult) error {
	return s.update(ctx, orderID, func(exec *Execution) error {
		exec.Compensations = append(exec.Compensations, result)
		exec.UpdatedAt = result.At
		return nil
	})
}

func (s *MemoryStore) ListActive(ctx context.Context, deadlineBefore time.Time, limit int) ([]Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, exec := range s.byOrder {
		if !exec.Terminal && !exec.Deadline.After(deadlineBefore) {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) update(ctx context.Context, orderID string, apply func(*Execution) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.byOrder[orderID]
	if !ok {
		return ErrNotFound
	}
	if exec.Terminal {
		return ErrTerminal
	}
	exec = exec.Clone()
	if err := apply(&exec); err != nil {
		return err
	}
	s.byOrder[orderID] = exec
	return nil
}
