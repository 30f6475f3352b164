package allocation

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"apotekpos/backend/internal/domain"
)

var (
	// ErrNetwork marks a transport failure talking to the allocation
	// collaborator. The operation is all-or-nothing: no partial allocation
	// is assumed and the caller retries manually.
	ErrNetwork = errors.New("allocation service unreachable")
	// ErrInFlight is returned when an allocation for the same product is
	// already running. Concurrent edits to one product are rejected, never
	// merged.
	ErrInFlight = errors.New("allocation already in flight for product")
)

// Service reserves lot-level stock for a product and releases grants when a
// cart line shrinks or disappears.
type Service interface {
	Allocate(ctx context.Context, branchID string, productID string, qty int) ([]domain.LotGrant, error)
	Release(ctx context.Context, branchID string, grants []domain.LotGrant) error
}

// Guard serializes allocations per product id. TryAcquire keeps the second
// edit from piggybacking on the first request's grants.
type Guard struct {
	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

func NewGuard() *Guard {
	return &Guard{slots: make(map[string]*semaphore.Weighted)}
}

// Acquire claims the product's slot, or fails with ErrInFlight if another
// allocation holds it. The returned func releases the slot.
func (g *Guard) Acquire(productID string) (func(), error) {
	g.mu.Lock()
	slot, ok := g.slots[productID]
	if !ok {
		slot = semaphore.NewWeighted(1)
		g.slots[productID] = slot
	}
	g.mu.Unlock()

	if !slot.TryAcquire(1) {
		return nil, ErrInFlight
	}
	return func() { slot.Release(1) }, nil
}
