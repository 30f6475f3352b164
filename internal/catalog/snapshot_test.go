package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store/memory"
)

func TestSnapshotSumsLotsPerProduct(t *testing.T) {
	entries := []domain.CatalogEntry{
		{ProductID: "MED-A", LotCode: "A-1", UnitPriceCents: 1000, RemainingQty: 10},
		{ProductID: "MED-A", LotCode: "A-2", UnitPriceCents: 1200, RemainingQty: 5},
		{ProductID: "MED-B", LotCode: "B-1", UnitPriceCents: 800, RemainingQty: 7},
	}
	snap := NewSnapshot("main-branch", entries, time.Now().UTC())

	if got := snap.RemainingQuantity("MED-A"); got != 15 {
		t.Fatalf("expected 15 remaining for MED-A, got %d", got)
	}
	if got := snap.RemainingQuantity("MED-B"); got != 7 {
		t.Fatalf("expected 7 remaining for MED-B, got %d", got)
	}
	if got := snap.RemainingQuantity("MED-X"); got != 0 {
		t.Fatalf("expected 0 remaining for unknown product, got %d", got)
	}
}

func TestAvailableQuantitySubtractsCartReservation(t *testing.T) {
	entries := []domain.CatalogEntry{
		{ProductID: "MED-A", LotCode: "A-1", UnitPriceCents: 1000, RemainingQty: 10},
	}
	snap := NewSnapshot("main-branch", entries, time.Now().UTC())

	if got := snap.AvailableQuantity("MED-A", 4); got != 6 {
		t.Fatalf("expected 6 available, got %d", got)
	}
	// Reservation beyond the snapshot clamps to zero instead of going negative.
	if got := snap.AvailableQuantity("MED-A", 12); got != 0 {
		t.Fatalf("expected 0 available, got %d", got)
	}
}

func TestRefreshBuildsSnapshotFromRepository(t *testing.T) {
	repo := memory.NewSeeded()
	refresher := NewRefresher(repo)

	snap, err := refresher.Refresh(context.Background(), "main-branch")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.BranchID != "main-branch" {
		t.Fatalf("unexpected branch: %q", snap.BranchID)
	}
	if len(snap.Entries()) == 0 {
		t.Fatalf("expected seeded entries")
	}
	if snap.RemainingQuantity("MED-PARA-500") != 90 {
		t.Fatalf("expected 90 paracetamol across lots, got %d", snap.RemainingQuantity("MED-PARA-500"))
	}
}

func TestConcurrentRefreshesDoNotRace(t *testing.T) {
	repo := memory.NewSeeded()
	refresher := NewRefresher(repo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := refresher.Refresh(context.Background(), "main-branch"); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}()
	}
	wg.Wait()
}
