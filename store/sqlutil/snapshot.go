package sqlutil

import (
	"encoding/json"
	"fmt"

	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

type snapshotRow struct {
	LocationID string `json:"location_id"`
	Variant    string `json:"variant,omitempty"`
	Quantity   int64  `json:"quantity"`
}

// EncodeSnapshot serializes a product's balances for a snapshot row.
func EncodeSnapshot(balances []stock.Balance) ([]byte, error) {
	rows := make([]snapshotRow, len(balances))
	for i, b := range balances {
		rows[i] = snapshotRow{LocationID: string(b.Key.LocationID), Variant: string(b.Key.Variant), Quantity: b.Quantity}
	}
	return json.Marshal(rows)
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(productID stock.ProductID, data []byte) ([]stock.Balance, error) {
	var rows []snapshotRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	out := make([]stock.Balance, len(rows))
	for i, r := range rows {
		out[i] = stock.Balance{
			Key:      stock.BalanceKey{ProductID: productID, LocationID: stock.LocationID(r.LocationID), Variant: variant.Key(r.Variant)},
			Quantity: r.Quantity,
		}
	}
	return out, nil
}
