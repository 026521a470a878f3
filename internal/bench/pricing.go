package bench

import (
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

// addCost accumulates cost into total, rounded to 6 decimal places.
func addCost(total, cost float64) float64 {
	f, _ := decFromFloat(total).Add(decFromFloat(cost)).Round(6).Float64()
	return f
}

func lowestPositiveCost(rows []Row) (decimal.Decimal, bool) {
	var (
		lowest decimal.Decimal
		found  bool
	)
	for _, r := range rows {
		c := decFromFloat(r.TotalCost)
		if !c.IsPositive() {
			continue
		}
		if !found || c.LessThan(lowest) {
			lowest, found = c, true
		}
	}
	return lowest, found
}

// applyRelativePrices sets each row's cumulative cost as a rounded percentage
// of the cheapest positive cumulative cost. Rows without positive cost, and
// every row when none has one, get 0.
func applyRelativePrices(rows []Row) {
	lowest, ok := lowestPositiveCost(rows)
	for i := range rows {
		c := decFromFloat(rows[i].TotalCost)
		if !ok || !c.IsPositive() {
			rows[i].RelativePricePercent = 0
			continue
		}
		rows[i].RelativePricePercent = c.Div(lowest).Mul(hundred).Round(0).IntPart()
	}
}
