package checkout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/shopspring/decimal"
)

var ErrInsufficientPayment = errors.New("insufficient payment")

// Cash denominations the quick-tender suggestions round up to.
var tenderSteps = []int64{1000, 5000, 10000, 50000}

const largestBill = 100000

// TotalOf sums the subtotals of items.
func TotalOf(items []models.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Change returns what to hand back for a cash payment.
func Change(total, tendered decimal.Decimal) (decimal.Decimal, error) {
	if total.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative total %s", total)
	}
	if tendered.LessThan(total) {
		return decimal.Zero, fmt.Errorf("%w: tendered %s, owed %s", ErrInsufficientPayment, tendered, total)
	}
	return tendered.Sub(total), nil
}

// QuickTenders suggests cash amounts a customer is likely to hand over:
// the exact total, the total rounded up to each common denomination, and
// the largest bill. Amounts are ascending and unique.
func QuickTenders(total decimal.Decimal) []decimal.Decimal {
	if !total.IsPositive() {
		return nil
	}

	seen := map[string]struct{}{}
	var out []decimal.Decimal
	add := func(d decimal.Decimal) {
		key := d.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}

	add(total)
	for _, step := range tenderSteps {
		add(roundUp(total, decimal.NewFromInt(step)))
	}
	if bill := decimal.NewFromInt(largestBill); bill.GreaterThan(total) {
		add(bill)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}

func roundUp(amount, step decimal.Decimal) decimal.Decimal {
	return amount.Div(step).Ceil().Mul(step)
}
