package models

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// LineItem is one ordered product. It is persisted as a formatted string,
// "<name> (<size>) $<unit price> x<quantity>", and parsed once when rows
// enter the process.
type LineItem struct {
	Name      string
	Size      string
	UnitPrice decimal.Decimal
	Quantity  int

	// raw keeps strings that do not follow the format so they round-trip.
	raw string
}

var (
	lineItemPattern  = regexp.MustCompile(`^(.+?)(?:\s+\(([^()]*)\))?\s+\$\s*([0-9][0-9.,]*)\s+[xX]\s*([0-9]+)$`)
	groupedThousands = regexp.MustCompile(`^[0-9]{1,3}([.,][0-9]{3})+$`)
)

func NewLineItem(name, size string, unitPrice decimal.Decimal, quantity int) LineItem {
	return LineItem{
		Name:      strings.TrimSpace(name),
		Size:      strings.TrimSpace(size),
		UnitPrice: unitPrice,
		Quantity:  quantity,
	}
}

// ParseLineItem decodes the persisted string form. Strings that do not match
// are kept verbatim as a single unpriced unit.
func ParseLineItem(s string) LineItem {
	s = strings.TrimSpace(s)
	m := lineItemPattern.FindStringSubmatch(s)
	if m == nil {
		return LineItem{Name: s, Quantity: 1, raw: s}
	}
	price, err := parsePrice(m[3])
	if err != nil {
		return LineItem{Name: s, Quantity: 1, raw: s}
	}
	qty, err := strconv.Atoi(m[4])
	if err != nil {
		return LineItem{Name: s, Quantity: 1, raw: s}
	}
	return LineItem{
		Name:      strings.TrimSpace(m[1]),
		Size:      strings.TrimSpace(m[2]),
		UnitPrice: price,
		Quantity:  qty,
	}
}

func parsePrice(s string) (decimal.Decimal, error) {
	if groupedThousands.MatchString(s) {
		s = strings.NewReplacer(".", "", ",", "").Replace(s)
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	return decimal.NewFromString(s)
}

// Structured reports whether the item was parsed from the standard format.
func (li LineItem) Structured() bool {
	return li.raw == ""
}

func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

func (li LineItem) String() string {
	if li.raw != "" {
		return li.raw
	}
	var b strings.Builder
	b.WriteString(li.Name)
	if li.Size != "" {
		b.WriteString(" (")
		b.WriteString(li.Size)
		b.WriteString(")")
	}
	b.WriteString(" $")
	b.WriteString(li.UnitPrice.String())
	b.WriteString(" x")
	b.WriteString(strconv.Itoa(li.Quantity))
	return b.String()
}

func (li LineItem) MarshalText() ([]byte, error) {
	return []byte(li.String()), nil
}

func (li *LineItem) UnmarshalText(text []byte) error {
	*li = ParseLineItem(string(text))
	return nil
}

func FormatLineItems(items []LineItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.String()
	}
	return out
}

func ParseLineItems(raw []string) []LineItem {
	out := make([]LineItem, len(raw))
	for i, s := range raw {
		out[i] = ParseLineItem(s)
	}
	return out
}
