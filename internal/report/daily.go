package report

import (
	"sort"
	"time"

	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/shopspring/decimal"
)

const unknownMethod = "sin_registrar"

type ItemSales struct {
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type ChannelSales struct {
	Orders int             `json:"orders"`
	Total  decimal.Decimal `json:"total"`
}

// Daily summarizes one day of paid orders.
type Daily struct {
	Date       string                     `json:"date"`
	Orders     int                        `json:"orders"`
	Gross      decimal.Decimal            `json:"gross"`
	Average    decimal.Decimal            `json:"average"`
	ByMethod   map[string]decimal.Decimal `json:"by_method"`
	Tables     ChannelSales               `json:"tables"`
	General    ChannelSales               `json:"general"`
	TopItems   []ItemSales                `json:"top_items"`
	OpenOrders int                        `json:"open_orders"`
}

// BuildDaily aggregates the paid list of the day starting at day. open is
// the number of orders still active and only reported.
func BuildDaily(day time.Time, paid []models.Order, open int, topN int) Daily {
	report := Daily{
		Date:       day.Format("2006-01-02"),
		Gross:      decimal.Zero,
		Average:    decimal.Zero,
		ByMethod:   map[string]decimal.Decimal{},
		Tables:     ChannelSales{Total: decimal.Zero},
		General:    ChannelSales{Total: decimal.Zero},
		OpenOrders: open,
	}

	items := map[string]*ItemSales{}
	for _, order := range paid {
		if order.Status != models.StatusPaid {
			continue
		}
		report.Orders++
		report.Gross = report.Gross.Add(order.Total)

		method := unknownMethod
		if order.PaymentMethod != nil {
			method = string(*order.PaymentMethod)
		}
		report.ByMethod[method] = report.ByMethod[method].Add(order.Total)

		channel := &report.General
		if _, ok := order.TableNumber(); ok {
			channel = &report.Tables
		}
		channel.Orders++
		channel.Total = channel.Total.Add(order.Total)

		for _, item := range order.Items {
			name := item.Name
			if item.Size != "" {
				name += " (" + item.Size + ")"
			}
			agg, ok := items[name]
			if !ok {
				agg = &ItemSales{Name: name, Revenue: decimal.Zero}
				items[name] = agg
			}
			agg.Quantity += item.Quantity
			agg.Revenue = agg.Revenue.Add(item.Subtotal())
		}
	}

	if report.Orders > 0 {
		report.Average = report.Gross.Div(decimal.NewFromInt(int64(report.Orders))).Round(2)
	}

	report.TopItems = make([]ItemSales, 0, len(items))
	for _, agg := range items {
		report.TopItems = append(report.TopItems, *agg)
	}
	sort.Slice(report.TopItems, func(i, j int) bool {
		a, b := report.TopItems[i], report.TopItems[j]
		if a.Quantity != b.Quantity {
			return a.Quantity > b.Quantity
		}
		return a.Name < b.Name
	})
	if topN > 0 && len(report.TopItems) > topN {
		report.TopItems = report.TopItems[:topN]
	}
	return report
}
