/*
Package variant resolves a product's variation axes into canonical variant keys.

PURPOSE:
  A product declares its variation axes as a typed mapping, e.g.

    {"Color": ["Red", "Blue"], "Size": ["S", "M"]}

  Expand turns that into the ordered list of variant keys used as ledger
  partition keys:

    Color:Red;Size:S  Color:Red;Size:M  Color:Blue;Size:S  Color:Blue;Size:M

ALGORITHM:
  1. Sort axis names lexicographically (byte order, not locale order)
  2. Cartesian product of the value lists, each axis in its declared order,
     the last axis varying fastest
  3. Emit Axis:Value pairs joined with ";"

STABILITY:
  Keys are partition keys, not display strings. A key once written to the
  ledger is byte-stable forever: no trimming, case folding or reordering
  happens after generation. Definitions may change; old keys stay valid
  lookup keys because the ledger never rewrites them.

EDGE CASES:
  - Empty definition -> empty list. Non-variant products use the empty Key,
    which stores persist as NULL.
  - ":" and ";" are reserved and rejected in names and values.

SEE ALSO:
  - catalog.go: where definitions live
  - stock/balance.go: ListVariantStock merges declared and historical keys
*/
package variant

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Key is a canonical variant key. The empty Key means "no variant".
type Key string

// Definition maps axis name to its ordered allowed values.
type Definition map[string][]string

// Pair is one Axis:Value component of a key.
type Pair struct {
	Axis  string
	Value string
}

const (
	pairSep  = ";"
	valueSep = ":"
)

// MaxCombinations bounds the number of keys one definition may expand to.
const MaxCombinations = 10000

// ErrInvalidDefinition is returned for malformed variation axes.
var ErrInvalidDefinition = errors.New("invalid variant definition")

// DefinitionError names the offending axis.
type DefinitionError struct {
	Axis   string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid variant definition: axis %q: %s", e.Axis, e.Reason)
}

func (e *DefinitionError) Unwrap() error { return ErrInvalidDefinition }

// Validate checks a definition without expanding it.
func Validate(def Definition) error {
	combinations := 1
	for _, axis := range def.Axes() {
		values := def[axis]
		if strings.TrimSpace(axis) == "" {
			return &DefinitionError{Axis: axis, Reason: "empty axis name"}
		}
		if strings.ContainsAny(axis, pairSep+valueSep) {
			return &DefinitionError{Axis: axis, Reason: "axis name contains a reserved character"}
		}
		if len(values) == 0 {
			return &DefinitionError{Axis: axis, Reason: "axis has no values"}
		}
		seen := make(map[string]bool, len(values))
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				return &DefinitionError{Axis: axis, Reason: "empty value"}
			}
			if strings.ContainsAny(v, pairSep+valueSep) {
				return &DefinitionError{Axis: axis, Reason: fmt.Sprintf("value %q contains a reserved character", v)}
			}
			if seen[v] {
				return &DefinitionError{Axis: axis, Reason: fmt.Sprintf("duplicate value %q", v)}
			}
			seen[v] = true
		}
		if combinations > MaxCombinations/len(values) {
			return &DefinitionError{Axis: axis, Reason: fmt.Sprintf("more than %d combinations", MaxCombinations)}
		}
		combinations *= len(values)
	}
	return nil
}

// Axes returns the axis names in canonical (sorted) order.
func (d Definition) Axes() []string {
	axes := make([]string, 0, len(d))
	for a := range d {
		axes = append(axes, a)
	}
	sort.Strings(axes)
	return axes
}

// Size is the number of combinations Expand would produce.
func (d Definition) Size() int {
	if len(d) == 0 {
		return 0
	}
	n := 1
	for _, values := range d {
		n *= len(values)
	}
	return n
}

// Expand returns every variant key of the definition in canonical order.
func Expand(def Definition) ([]Key, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	if len(def) == 0 {
		return []Key{}, nil
	}

	axes := def.Axes()
	keys := make([]Key, 0, def.Size())
	idx := make([]int, len(axes))
	pairs := make([]Pair, len(axes))

	for {
		for i, axis := range axes {
			pairs[i] = Pair{Axis: axis, Value: def[axis][idx[i]]}
		}
		keys = append(keys, Join(pairs))

		// odometer: last axis varies fastest
		i := len(axes) - 1
		for i >= 0 {
			idx[i]++
			if idx[i] < len(def[axes[i]]) {
				break
			}
			idx[i] = 0
			i--
		}
		if i < 0 {
			return keys, nil
		}
	}
}

// Join builds a key from pairs exactly as given. Callers building keys by
// hand must pass pairs in sorted axis order to get a canonical key.
func Join(pairs []Pair) Key {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(pairSep)
		}
		b.WriteString(p.Axis)
		b.WriteString(valueSep)
		b.WriteString(p.Value)
	}
	return Key(b.String())
}

// Parse splits a key into its pairs. The empty key parses to no pairs.
func Parse(k Key) ([]Pair, error) {
	if k == "" {
		return nil, nil
	}
	parts := strings.Split(string(k), pairSep)
	pairs := make([]Pair, 0, len(parts))
	for _, part := range parts {
		axis, value, ok := strings.Cut(part, valueSep)
		if !ok || axis == "" || value == "" {
			return nil, fmt.Errorf("malformed variant key %q: %w", k, ErrInvalidDefinition)
		}
		pairs = append(pairs, Pair{Axis: axis, Value: value})
	}
	return pairs, nil
}

// ValidateKey accepts only canonical keys: well-formed pairs with axes in
// strictly increasing byte order and no surrounding whitespace. The empty
// key is valid.
func ValidateKey(k Key) error {
	pairs, err := Parse(k)
	if err != nil {
		return err
	}
	for i, p := range pairs {
		if strings.TrimSpace(p.Axis) != p.Axis || strings.TrimSpace(p.Value) != p.Value {
			return fmt.Errorf("variant key %q: surrounding whitespace in %q: %w", k, p.Axis+valueSep+p.Value, ErrInvalidDefinition)
		}
		if strings.Contains(p.Value, valueSep) {
			return fmt.Errorf("variant key %q: reserved character in value %q: %w", k, p.Value, ErrInvalidDefinition)
		}
		if i > 0 && pairs[i-1].Axis >= p.Axis {
			return fmt.Errorf("variant key %q: axes not in canonical order: %w", k, ErrInvalidDefinition)
		}
	}
	return nil
}

// Contains reports whether k is one of def's current combinations.
func Contains(def Definition, k Key) bool {
	pairs, err := Parse(k)
	if err != nil || len(pairs) != len(def) {
		return false
	}
	for i, p := range pairs {
		if i > 0 && pairs[i-1].Axis >= p.Axis {
			return false
		}
		values, ok := def[p.Axis]
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if v == p.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return len(pairs) > 0
}
