package stock

import (
	"fmt"

	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// SCOPE - Which balance a read is asking for
// =============================================================================
//
// Whole-product stock and per-variant stock are different questions, so the
// variant part of a scope has no usable zero value. Callers pick one of
// AllVariants, NoVariant or VariantKey.

type variantMode uint8

const (
	variantUnset variantMode = iota
	variantAll
	variantNone
	variantExact
)

// VariantFilter selects which variant partitions a read covers.
type VariantFilter struct {
	mode variantMode
	key  variant.Key
}

// AllVariants aggregates across every variant of the product, including the
// non-variant partition.
func AllVariants() VariantFilter { return VariantFilter{mode: variantAll} }

// NoVariant selects only the non-variant partition (variant IS NULL).
func NoVariant() VariantFilter { return VariantFilter{mode: variantNone} }

// VariantKey selects exactly one variant partition. An empty key is the
// non-variant partition.
func VariantKey(k variant.Key) VariantFilter {
	if k == "" {
		return NoVariant()
	}
	return VariantFilter{mode: variantExact, key: k}
}

// IsSet is false for the zero value.
func (f VariantFilter) IsSet() bool { return f.mode != variantUnset }

// All reports whether the filter spans every variant.
func (f VariantFilter) All() bool { return f.mode == variantAll }

// Exact returns the selected key and true when the filter names one
// partition (the empty key for NoVariant).
func (f VariantFilter) Exact() (variant.Key, bool) {
	switch f.mode {
	case variantNone:
		return "", true
	case variantExact:
		return f.key, true
	}
	return "", false
}

// Matches reports whether a movement's variant key is selected. The unset
// filter matches everything so store-internal queries can omit it.
func (f VariantFilter) Matches(k variant.Key) bool {
	switch f.mode {
	case variantNone:
		return k == ""
	case variantExact:
		return k == f.key
	}
	return true
}

// String is the cache and log representation.
func (f VariantFilter) String() string {
	switch f.mode {
	case variantAll:
		return "*"
	case variantNone:
		return "-"
	case variantExact:
		return string(f.key)
	}
	return "?"
}

// ParseVariantFilter is the inverse of String: "*" is AllVariants, "-" is
// NoVariant, anything else must be a well-formed key.
func ParseVariantFilter(s string) (VariantFilter, error) {
	switch s {
	case "*":
		return AllVariants(), nil
	case "-":
		return NoVariant(), nil
	case "":
		return VariantFilter{}, &InvalidScopeError{Reason: "variant scope must be explicit"}
	}
	if err := variant.ValidateKey(variant.Key(s)); err != nil {
		return VariantFilter{}, &InvalidScopeError{Reason: fmt.Sprintf("variant %q: %v", s, err)}
	}
	return VariantKey(variant.Key(s)), nil
}

// Scope identifies a balance read.
type Scope struct {
	ProductID  ProductID
	LocationID LocationID // empty = all locations
	Variant    VariantFilter
}

func (s Scope) validate() error {
	if s.ProductID == "" {
		return &InvalidScopeError{Reason: "product id is required"}
	}
	if !s.Variant.IsSet() {
		return &InvalidScopeError{Reason: "variant scope must be explicit (AllVariants, NoVariant or VariantKey)"}
	}
	return nil
}

func (s Scope) query() Query {
	return Query{ProductID: s.ProductID, LocationID: s.LocationID, Variant: s.Variant}
}

func (s Scope) cacheKey() string {
	loc := string(s.LocationID)
	if loc == "" {
		loc = "*"
	}
	return loc + "|" + s.Variant.String()
}
