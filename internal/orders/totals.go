package orders

import (
	"crypto/rand"
	"fmt"
	"time"
)

type Totals struct {
	SubtotalCents int
	DiscountCents int
	TaxCents      int
	TotalCents    int
}

type DiscountKind string

const (
	DiscountPercent DiscountKind = "percent" // value = percent * 100 (bps)
	DiscountFixed   DiscountKind = "fixed"   // value = cents
)

type Discount struct {
	ID     string
	Kind   DiscountKind
	Value  int
	Active bool
}

// ComputeTotals keeps the invariant total = subtotal - discount + tax.
// Tax applies to the discounted subtotal, rate in basis points.
func ComputeTotals(items []OrderItem, d *Discount, taxRateBPS int) Totals {
	var t Totals
	for _, it := range items {
		t.SubtotalCents += it.LineTotalCents
	}
	if d != nil && d.Active {
		switch d.Kind {
		case DiscountPercent:
			t.DiscountCents = t.SubtotalCents * d.Value / 10000
		case DiscountFixed:
			t.DiscountCents = d.Value
		}
		if t.DiscountCents > t.SubtotalCents {
			t.DiscountCents = t.SubtotalCents
		}
	}
	t.TaxCents = (t.SubtotalCents - t.DiscountCents) * taxRateBPS / 10000
	t.TotalCents = t.SubtotalCents - t.DiscountCents + t.TaxCents
	return t
}

// No 0/O/1/I/L: the code gets read aloud at a pickup counter.
const arrivalAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func NewArrivalCode() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing means the host is broken
	}
	for i := range b {
		b[i] = arrivalAlphabet[int(b[i])%len(arrivalAlphabet)]
	}
	return string(b)
}

// FormatOrderNumber renders the business-scoped daily sequence,
// e.g. ORD-20260829-0042.
func FormatOrderNumber(day time.Time, seq int) string {
	return fmt.Sprintf("ORD-%s-%04d", day.UTC().Format("20060102"), seq)
}
