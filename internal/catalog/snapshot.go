package catalog

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

// Snapshot is a read-only projection of the sellable inventory of one branch
// at a point in time. The remaining quantities it reports are an optimistic
// estimate; the allocation service stays the source of truth.
type Snapshot struct {
	BranchID  string
	FetchedAt time.Time
	entries   []domain.CatalogEntry
	byProduct map[string]int
}

func NewSnapshot(branchID string, entries []domain.CatalogEntry, fetchedAt time.Time) *Snapshot {
	byProduct := make(map[string]int, len(entries))
	for _, entry := range entries {
		byProduct[entry.ProductID] += entry.RemainingQty
	}
	return &Snapshot{
		BranchID:  branchID,
		FetchedAt: fetchedAt,
		entries:   entries,
		byProduct: byProduct,
	}
}

// Entries returns the lot-level catalog rows in store order.
func (s *Snapshot) Entries() []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// RemainingQuantity sums a product's remaining stock across its lots.
func (s *Snapshot) RemainingQuantity(productID string) int {
	return s.byProduct[productID]
}

// AvailableQuantity is the remaining stock minus what the cart has already
// reserved across all price tiers. Every add/edit validates against this,
// not the raw catalog number, so a cashier cannot request more than exists
// by adding the same item twice between refreshes.
func (s *Snapshot) AvailableQuantity(productID string, reservedInCart int) int {
	available := s.byProduct[productID] - reservedInCart
	if available < 0 {
		return 0
	}
	return available
}

// Refresher rebuilds branch snapshots from the repository. Concurrent
// refreshes for the same branch are collapsed into one fetch.
type Refresher struct {
	repo store.Repository
	sfg  singleflight.Group
}

func NewRefresher(repo store.Repository) *Refresher {
	return &Refresher{repo: repo}
}

func (r *Refresher) Refresh(ctx context.Context, branchID string) (*Snapshot, error) {
	v, err, _ := r.sfg.Do(branchID, func() (interface{}, error) {
		entries, err := r.repo.ListCatalog(ctx, branchID)
		if err != nil {
			return nil, err
		}
		return NewSnapshot(branchID, entries, time.Now().UTC()), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}
