package allocation

import (
	"context"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

// StoreAllocator serves allocations straight from the repository's inventory
// lots. It is the default when no external allocation service is configured:
// a single-process deployment where this backend owns the stock.
type StoreAllocator struct {
	repo store.Repository
}

func NewStoreAllocator(repo store.Repository) *StoreAllocator {
	return &StoreAllocator{repo: repo}
}

func (a *StoreAllocator) Allocate(ctx context.Context, branchID string, productID string, qty int) ([]domain.LotGrant, error) {
	return a.repo.AllocateStock(ctx, branchID, productID, qty)
}

func (a *StoreAllocator) Release(ctx context.Context, branchID string, grants []domain.LotGrant) error {
	return a.repo.ReleaseGrants(ctx, branchID, grants)
}
