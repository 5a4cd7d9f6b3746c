package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps orders in memory.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]Order
	now    func() time.Time
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[string]Order),
		now:    time.Now,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, o Order) (Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.orders[o.ID]; ok {
		return clone(existing), false, nil
	}
	now := r.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = StatusCreated
	}
	r.orders[o.ID] = clone(o)
	return clone(o), true, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return clone(o), nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, status Status) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status == status {
		return clone(o), nil
	}
	if !CanTransition(o.Status, status) {
		return Order{}, fmt.Errorf("%s -> %s: %w", o.Status, status, ErrInvalidTransition)
	}
	o.Status = status
	o.UpdatedAt = r.now().UTC()
	r.orders[id] = o
	return clone(o), nil
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Order
	for _, o := range r.orders {
		if o.Status == status {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(o Order) Order {
	o.Items = append([]LineItem(nil), o.Items...)
	return o
}
