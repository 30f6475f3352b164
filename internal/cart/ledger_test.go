package cart

import (
	"errors"
	"testing"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

func grant(lot string, qty int, price int64) domain.LotGrant {
	return domain.LotGrant{BatchID: "b-" + lot, LotCode: lot, Qty: qty, UnitPriceCents: price}
}

func checkInvariant(t *testing.T, ledger *Ledger) {
	t.Helper()
	seen := make(map[domain.LineKey]bool)
	for _, line := range ledger.Lines() {
		if seen[line.Key()] {
			t.Fatalf("duplicate line key %+v", line.Key())
		}
		seen[line.Key()] = true
		if line.Qty != grantSum(line.Grants) {
			t.Fatalf("line %s/%d qty %d != grant sum %d", line.ProductID, line.UnitPriceCents, line.Qty, grantSum(line.Grants))
		}
	}
}

func TestAddAllocationGroupsByPrice(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{
		grant("LOT-A", 3, 1000),
		grant("LOT-B", 2, 1200),
	})

	if ledger.Len() != 2 {
		t.Fatalf("expected 2 price-tier lines, got %d", ledger.Len())
	}
	lineA, ok := ledger.Line(domain.LineKey{ProductID: "MED-01", UnitPriceCents: 1000})
	if !ok || lineA.Qty != 3 {
		t.Fatalf("expected tier 1000 with qty 3, got %+v", lineA)
	}
	lineB, ok := ledger.Line(domain.LineKey{ProductID: "MED-01", UnitPriceCents: 1200})
	if !ok || lineB.Qty != 2 {
		t.Fatalf("expected tier 1200 with qty 2, got %+v", lineB)
	}
	checkInvariant(t, ledger)
}

func TestAddAllocationMergesSamePriceLine(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{grant("LOT-A", 3, 1000)})
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{grant("LOT-C", 4, 1000)})

	if ledger.Len() != 1 {
		t.Fatalf("expected merged single line, got %d lines", ledger.Len())
	}
	line, _ := ledger.Line(domain.LineKey{ProductID: "MED-01", UnitPriceCents: 1000})
	if line.Qty != 7 || len(line.Grants) != 2 {
		t.Fatalf("expected qty 7 over 2 grants, got qty %d over %d grants", line.Qty, len(line.Grants))
	}
	checkInvariant(t, ledger)
}

func TestShrinkLineTrimsGrantTail(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{
		grant("LOT-A", 3, 1000),
		grant("LOT-C", 4, 1000),
	})

	key := domain.LineKey{ProductID: "MED-01", UnitPriceCents: 1000}
	released, err := ledger.ShrinkLine(key, 5)
	if err != nil {
		t.Fatalf("shrink failed: %v", err)
	}
	if grantSum(released) != 2 {
		t.Fatalf("expected 2 released units, got %d", grantSum(released))
	}
	if released[0].LotCode != "LOT-C" {
		t.Fatalf("expected tail lot LOT-C released first, got %s", released[0].LotCode)
	}

	line, _ := ledger.Line(key)
	if line.Qty != 5 || len(line.Grants) != 2 {
		t.Fatalf("expected qty 5 over 2 grants, got qty %d over %d", line.Qty, len(line.Grants))
	}
	checkInvariant(t, ledger)
}

func TestShrinkLineDropsWholeTailGrants(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{
		grant("LOT-A", 3, 1000),
		grant("LOT-C", 4, 1000),
	})

	key := domain.LineKey{ProductID: "MED-01", UnitPriceCents: 1000}
	released, err := ledger.ShrinkLine(key, 2)
	if err != nil {
		t.Fatalf("shrink failed: %v", err)
	}
	if grantSum(released) != 5 {
		t.Fatalf("expected 5 released units, got %d", grantSum(released))
	}

	line, _ := ledger.Line(key)
	if line.Qty != 2 || len(line.Grants) != 1 || line.Grants[0].LotCode != "LOT-A" {
		t.Fatalf("expected 2 units left on LOT-A, got %+v", line)
	}
	checkInvariant(t, ledger)
}

func TestShrinkLineRejectsOutOfRangeTargets(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{grant("LOT-A", 3, 1000)})

	key := domain.LineKey{ProductID: "MED-01", UnitPriceCents: 1000}
	for _, target := range []int{0, 3, 4, -1} {
		if _, err := ledger.ShrinkLine(key, target); err == nil {
			t.Fatalf("expected shrink to %d to fail", target)
		}
	}
	line, _ := ledger.Line(key)
	if line.Qty != 3 {
		t.Fatalf("expected ledger untouched after rejected shrinks, got qty %d", line.Qty)
	}
}

func TestRemoveReleasesAllGrants(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{grant("LOT-A", 3, 1000)})
	ledger.AddAllocation("MED-02", "Amoxicillin 500mg", "strip", []domain.LotGrant{grant("LOT-X", 2, 2500)})

	released, err := ledger.Remove(domain.LineKey{ProductID: "MED-01", UnitPriceCents: 1000})
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if grantSum(released) != 3 {
		t.Fatalf("expected 3 released units, got %d", grantSum(released))
	}
	if ledger.Len() != 1 {
		t.Fatalf("expected 1 remaining line, got %d", ledger.Len())
	}
	if _, ok := ledger.Line(domain.LineKey{ProductID: "MED-02", UnitPriceCents: 2500}); !ok {
		t.Fatalf("expected remaining line to stay addressable after removal reindex")
	}
	checkInvariant(t, ledger)
}

func TestRemoveUnknownLine(t *testing.T) {
	ledger := NewLedger()
	if _, err := ledger.Remove(domain.LineKey{ProductID: "MED-99", UnitPriceCents: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTotalQuantitySpansPriceTiers(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{
		grant("LOT-A", 3, 1000),
		grant("LOT-B", 2, 1200),
	})
	ledger.AddAllocation("MED-02", "Amoxicillin 500mg", "strip", []domain.LotGrant{grant("LOT-X", 4, 2500)})

	if got := ledger.TotalQuantity("MED-01"); got != 5 {
		t.Fatalf("expected total 5 across tiers, got %d", got)
	}
	if got := ledger.TotalQuantity("MED-02"); got != 4 {
		t.Fatalf("expected total 4, got %d", got)
	}
	if got := ledger.TotalQuantity("MED-99"); got != 0 {
		t.Fatalf("expected 0 for unknown product, got %d", got)
	}
}

func TestFromLinesRoundTrip(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{
		grant("LOT-A", 3, 1000),
		grant("LOT-B", 2, 1200),
	})

	restored, err := FromLines(ledger.Lines())
	if err != nil {
		t.Fatalf("FromLines failed: %v", err)
	}
	if restored.Len() != ledger.Len() {
		t.Fatalf("expected %d lines, got %d", ledger.Len(), restored.Len())
	}
	checkInvariant(t, restored)
}

func TestFromLinesRejectsCorruptSnapshot(t *testing.T) {
	corrupt := []domain.CartLine{{
		ProductID:      "MED-01",
		UnitPriceCents: 1000,
		Qty:            5,
		Grants:         []domain.LotGrant{grant("LOT-A", 3, 1000)},
	}}
	if _, err := FromLines(corrupt); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for qty/grant mismatch, got %v", err)
	}

	duplicate := []domain.CartLine{
		{ProductID: "MED-01", UnitPriceCents: 1000, Qty: 1, Grants: []domain.LotGrant{grant("LOT-A", 1, 1000)}},
		{ProductID: "MED-01", UnitPriceCents: 1000, Qty: 2, Grants: []domain.LotGrant{grant("LOT-B", 2, 1000)}},
	}
	if _, err := FromLines(duplicate); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for duplicate key, got %v", err)
	}
}

func TestLinesReturnsDefensiveCopies(t *testing.T) {
	ledger := NewLedger()
	ledger.AddAllocation("MED-01", "Paracetamol 500mg", "strip", []domain.LotGrant{grant("LOT-A", 3, 1000)})

	lines := ledger.Lines()
	lines[0].Grants[0].Qty = 99
	lines[0].Qty = 99

	line, _ := ledger.Line(domain.LineKey{ProductID: "MED-01", UnitPriceCents: 1000})
	if line.Qty != 3 || line.Grants[0].Qty != 3 {
		t.Fatalf("ledger mutated through returned copy: %+v", line)
	}
}
