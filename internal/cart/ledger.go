package cart

import (
	"fmt"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

// Ledger is the in-memory cart of one billing session. Lines are keyed by
// (product id, unit price) and kept in insertion order. A line's quantity is
// always the sum of its lot grants; every mutation either preserves that or
// returns an error without touching the ledger.
type Ledger struct {
	lines []domain.CartLine
	index map[domain.LineKey]int
}

func NewLedger() *Ledger {
	return &Ledger{index: make(map[domain.LineKey]int)}
}

// FromLines rebuilds a ledger from a persisted bill snapshot, e.g. when a
// pending bill is resumed for editing.
func FromLines(lines []domain.CartLine) (*Ledger, error) {
	ledger := NewLedger()
	for _, line := range lines {
		if line.Qty != grantSum(line.Grants) {
			return nil, fmt.Errorf("%w: line %s qty %d does not match its grants", store.ErrValidation, line.ProductID, line.Qty)
		}
		if _, exists := ledger.index[line.Key()]; exists {
			return nil, fmt.Errorf("%w: duplicate line key %s/%d", store.ErrValidation, line.ProductID, line.UnitPriceCents)
		}
		ledger.index[line.Key()] = len(ledger.lines)
		ledger.lines = append(ledger.lines, cloneLine(line))
	}
	return ledger, nil
}

// AddAllocation merges freshly granted lots into the ledger. Grants are
// grouped by unit price: each price group lands on its own line, growing an
// existing (product, price) line or creating a new one. Grants at different
// prices from a single allocation never collapse into one line.
func (l *Ledger) AddAllocation(productID string, displayName string, unit string, grants []domain.LotGrant) {
	for _, grant := range grants {
		if grant.Qty < 1 {
			continue
		}
		key := domain.LineKey{ProductID: productID, UnitPriceCents: grant.UnitPriceCents}
		if idx, exists := l.index[key]; exists {
			line := &l.lines[idx]
			line.Grants = append(line.Grants, grant)
			line.Qty += grant.Qty
			continue
		}
		l.index[key] = len(l.lines)
		l.lines = append(l.lines, domain.CartLine{
			ProductID:      productID,
			DisplayName:    displayName,
			Unit:           unit,
			UnitPriceCents: grant.UnitPriceCents,
			Qty:            grant.Qty,
			Grants:         []domain.LotGrant{grant},
		})
	}
}

// ShrinkLine reduces a line to newQty by trimming the tail of its grants, and
// returns the released portions so the caller can report them back to the
// allocation service. newQty must be below the current quantity and above
// zero; use Remove for zero.
func (l *Ledger) ShrinkLine(key domain.LineKey, newQty int) ([]domain.LotGrant, error) {
	idx, exists := l.index[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	line := &l.lines[idx]
	if newQty < 1 || newQty >= line.Qty {
		return nil, fmt.Errorf("%w: shrink target %d out of range for qty %d", store.ErrValidation, newQty, line.Qty)
	}

	released := make([]domain.LotGrant, 0, len(line.Grants))
	excess := line.Qty - newQty
	for excess > 0 {
		last := &line.Grants[len(line.Grants)-1]
		if last.Qty <= excess {
			excess -= last.Qty
			released = append(released, *last)
			line.Grants = line.Grants[:len(line.Grants)-1]
			continue
		}
		freed := *last
		freed.Qty = excess
		last.Qty -= excess
		released = append(released, freed)
		excess = 0
	}
	line.Qty = newQty
	return released, nil
}

// Remove deletes a line and returns all of its grants as released.
func (l *Ledger) Remove(key domain.LineKey) ([]domain.LotGrant, error) {
	idx, exists := l.index[key]
	if !exists {
		return nil, store.ErrNotFound
	}

	released := l.lines[idx].Grants
	l.lines = append(l.lines[:idx], l.lines[idx+1:]...)
	delete(l.index, key)
	for i := idx; i < len(l.lines); i++ {
		l.index[l.lines[i].Key()] = i
	}
	return released, nil
}

// Line returns a copy of the line for key.
func (l *Ledger) Line(key domain.LineKey) (domain.CartLine, bool) {
	idx, exists := l.index[key]
	if !exists {
		return domain.CartLine{}, false
	}
	return cloneLine(l.lines[idx]), true
}

// Lines returns a defensive copy of all lines in insertion order.
func (l *Ledger) Lines() []domain.CartLine {
	out := make([]domain.CartLine, 0, len(l.lines))
	for _, line := range l.lines {
		out = append(out, cloneLine(line))
	}
	return out
}

// TotalQuantity sums the quantity of a product across all its price tiers.
// The availability check validates against this, not the raw catalog number.
func (l *Ledger) TotalQuantity(productID string) int {
	total := 0
	for _, line := range l.lines {
		if line.ProductID == productID {
			total += line.Qty
		}
	}
	return total
}

func (l *Ledger) Len() int {
	return len(l.lines)
}

func grantSum(grants []domain.LotGrant) int {
	total := 0
	for _, g := range grants {
		total += g.Qty
	}
	return total
}

func cloneLine(line domain.CartLine) domain.CartLine {
	copied := line
	copied.Grants = append([]domain.LotGrant(nil), line.Grants...)
	return copied
}
