package stock

// =============================================================================
// REASON CODES - Closed taxonomy
// =============================================================================
//
// Extend only by adding to this table. Never construct ReasonCode values
// from arbitrary strings; use ParseReason.

type ReasonCode string

// Sign constrains the delta direction a reason code allows.
type Sign int

const (
	SignAny      Sign = 0
	SignPositive Sign = 1
	SignNegative Sign = -1
)

const (
	ReasonInitialStock      ReasonCode = "INITIAL_STOCK"
	ReasonSalePOS           ReasonCode = "SALE_POS"
	ReasonEcomSale          ReasonCode = "ECOM_SALE"
	ReasonVariantAdjust     ReasonCode = "VAR_ADJ"
	ReasonRestock           ReasonCode = "RESTOCK"
	ReasonReturn            ReasonCode = "RETURN"
	ReasonDamage            ReasonCode = "DAMAGE"
	ReasonCorrection        ReasonCode = "CORRECTION"
	ReasonInternal          ReasonCode = "INTERNAL"
	ReasonAdminAdjust       ReasonCode = "ADMIN_ADJ"
	ReasonAdminFix          ReasonCode = "ADMIN_FIX"
	ReasonResolveAdjust     ReasonCode = "ADMIN_RES_ADJUST"
	ReasonResolveBackorder  ReasonCode = "ADMIN_RES_BACKORDER"
	ReasonResolveRefund     ReasonCode = "ADMIN_RES_REFUND"
	ReasonOrderCancel       ReasonCode = "ORDER_CANCEL"
	ReasonRepairPart        ReasonCode = "REPAIR_PART"
	ReasonRepairPartReturn  ReasonCode = "REPAIR_PART_RETURN"
	ReasonTransferOut       ReasonCode = "TRANSFER_OUT"
	ReasonTransferIn        ReasonCode = "TRANSFER_IN"
)

type reasonInfo struct {
	Meaning string
	Sign    Sign
}

var taxonomy = map[ReasonCode]reasonInfo{
	ReasonInitialStock:     {"first stock load for a new product", SignPositive},
	ReasonSalePOS:          {"point-of-sale checkout line", SignNegative},
	ReasonEcomSale:         {"storefront checkout line", SignNegative},
	ReasonVariantAdjust:    {"manual variant-level adjustment", SignAny},
	ReasonRestock:          {"supplier shipment received", SignPositive},
	ReasonReturn:           {"customer return", SignPositive},
	ReasonDamage:           {"damaged/expired write-off", SignNegative},
	ReasonCorrection:       {"physical count correction", SignAny},
	ReasonInternal:         {"internal use consumption", SignNegative},
	ReasonAdminAdjust:      {"generic administrative correction", SignAny},
	ReasonAdminFix:         {"generic administrative correction", SignAny},
	ReasonResolveAdjust:    {"conflict resolution: missing stock found", SignPositive},
	ReasonResolveBackorder: {"conflict resolution: shortfall backordered", SignPositive},
	ReasonResolveRefund:    {"conflict resolution: oversold sale refunded", SignPositive},
	ReasonOrderCancel:      {"canceled order line restored", SignPositive},
	ReasonRepairPart:       {"part consumed by a repair ticket", SignNegative},
	ReasonRepairPartReturn: {"part removed from a repair ticket", SignPositive},
	ReasonTransferOut:      {"transfer source", SignNegative},
	ReasonTransferIn:       {"transfer destination", SignPositive},
}

// Valid reports whether the code belongs to the taxonomy.
func (r ReasonCode) Valid() bool {
	_, ok := taxonomy[r]
	return ok
}

// Sign returns the allowed delta direction. Unknown codes return SignAny;
// check Valid first.
func (r ReasonCode) Sign() Sign { return taxonomy[r].Sign }

// Meaning is the human description from the taxonomy table.
func (r ReasonCode) Meaning() string { return taxonomy[r].Meaning }

// Allows reports whether delta has a direction this code permits.
func (r ReasonCode) Allows(delta int64) bool {
	switch r.Sign() {
	case SignPositive:
		return delta > 0
	case SignNegative:
		return delta < 0
	}
	return delta != 0
}

// ParseReason converts external input into a ReasonCode.
func ParseReason(s string) (ReasonCode, error) {
	r := ReasonCode(s)
	if !r.Valid() {
		return "", &InvalidMovementError{Field: "reason_code", Reason: "unknown reason code " + s}
	}
	return r, nil
}

// Reasons lists the taxonomy (unordered).
func Reasons() []ReasonCode {
	out := make([]ReasonCode, 0, len(taxonomy))
	for r := range taxonomy {
		out = append(out, r)
	}
	return out
}
