package settlement

import (
	"math"

	"apotekpos/backend/internal/domain"
)

// Calculate turns cart lines plus settlement inputs into an itemized bill.
// It is a pure function: same lines and input always produce the same
// settlement, and nothing is mutated.
//
// Order is fixed: subtotal, then tax on the subtotal only, then discount on
// the taxed subtotal (percent mode) or a flat amount (amount mode), never
// both. Intermediate values carry full precision; each output field is
// rounded to whole cents exactly once.
func Calculate(lines []domain.CartLine, input domain.SettlementInput) domain.Settlement {
	subtotal := 0.0
	for _, line := range lines {
		subtotal += float64(line.UnitPriceCents) * float64(line.Qty)
	}

	tax := 0.0
	if input.TaxEnabled && input.TaxRatePercent > 0 {
		tax = subtotal * input.TaxRatePercent / 100
	}
	taxedSubtotal := subtotal + tax

	discount := 0.0
	switch input.DiscountMode {
	case domain.DiscountModeAmount:
		discount = float64(input.FlatDiscountCents)
	default:
		if input.DiscountPercent > 0 {
			discount = taxedSubtotal * input.DiscountPercent / 100
		}
	}
	if discount < 0 {
		discount = 0
	}

	total := taxedSubtotal - discount
	if total < 0 {
		total = 0
	}

	paid := float64(input.PaidCents)
	if paid < 0 {
		paid = 0
	}
	credit := total - paid
	if credit < 0 {
		credit = 0
	}
	change := paid - total
	if change < 0 {
		change = 0
	}

	return domain.Settlement{
		SubtotalCents: roundCents(subtotal),
		TaxCents:      roundCents(tax),
		DiscountCents: roundCents(discount),
		TotalCents:    roundCents(total),
		PaidCents:     roundCents(paid),
		CreditCents:   roundCents(credit),
		ChangeCents:   roundCents(change),
	}
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}
