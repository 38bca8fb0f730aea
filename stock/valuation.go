package stock

import (
	"context"

	"github.com/shopspring/decimal"
)

// Valuation is the on-hand quantity of a product and its moving weighted
// average unit cost.
type Valuation struct {
	ProductID   ProductID
	LocationID  LocationID
	OnHand      int64
	AverageCost decimal.Decimal
	Value       decimal.Decimal // max(OnHand, 0) * AverageCost
}

// Valuation replays the product's movements (all variants) in ledger
// order. Costed increases move the average; everything else only moves
// the quantity. Empty locationID spans all locations.
func (a *Aggregator) Valuation(ctx context.Context, productID ProductID, locationID LocationID) (Valuation, error) {
	s := Scope{ProductID: productID, LocationID: locationID, Variant: AllVariants()}
	if err := s.validate(); err != nil {
		return Valuation{}, err
	}
	ms, err := a.Store.Movements(ctx, s.query())
	if err != nil {
		return Valuation{}, err
	}

	var onHand int64
	avg := decimal.Zero
	for _, m := range ms {
		if m.Delta > 0 && m.UnitCost != nil {
			avg = WeightedAverageCost(decimal.NewFromInt(max(onHand, 0)), avg, decimal.NewFromInt(m.Delta), *m.UnitCost)
		}
		onHand += m.Delta
	}

	return Valuation{
		ProductID:   productID,
		LocationID:  locationID,
		OnHand:      onHand,
		AverageCost: avg.Round(4),
		Value:       decimal.NewFromInt(max(onHand, 0)).Mul(avg).Round(2),
	}, nil
}

// WeightedAverageCost returns the new average after receiving inQty units
// at inCost on top of onHand units at avgCost:
//
//	((onHand * avgCost) + (inQty * inCost)) / (onHand + inQty)
func WeightedAverageCost(onHand, avgCost, inQty, inCost decimal.Decimal) decimal.Decimal {
	total := onHand.Add(inQty)
	if total.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return onHand.Mul(avgCost).Add(inQty.Mul(inCost)).Div(total)
}
