package variant_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// EXPANSION TESTS
// =============================================================================

func TestExpand_TwoAxes_CanonicalOrder(t *testing.T) {
	def := variant.Definition{"Color": {"Red", "Blue"}, "Size": {"S", "M"}}

	keys, err := variant.Expand(def)
	require.NoError(t, err)

	assert.Equal(t, []variant.Key{
		"Color:Red;Size:S",
		"Color:Red;Size:M",
		"Color:Blue;Size:S",
		"Color:Blue;Size:M",
	}, keys)
}

func TestExpand_IsDeterministic(t *testing.T) {
	// GIVEN: the same definition built many times (map iteration order varies)
	// THEN: expansion is identical every time
	first, err := variant.Expand(variant.Definition{"Size": {"S", "M"}, "Color": {"Red", "Blue"}})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := variant.Expand(variant.Definition{"Color": {"Red", "Blue"}, "Size": {"S", "M"}})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestExpand_EmptyDefinition(t *testing.T) {
	keys, err := variant.Expand(variant.Definition{})
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.NotNil(t, keys)

	keys, err = variant.Expand(nil)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestExpand_SingleAxis(t *testing.T) {
	keys, err := variant.Expand(variant.Definition{"Size": {"XL", "S", "M"}})
	require.NoError(t, err)
	assert.Equal(t, []variant.Key{"Size:XL", "Size:S", "Size:M"}, keys, "declared value order is kept")
}

func TestExpand_ThreeAxes(t *testing.T) {
	def := variant.Definition{
		"Size":     {"S", "M"},
		"Color":    {"Red"},
		"Material": {"Wool", "Cotton"},
	}
	keys, err := variant.Expand(def)
	require.NoError(t, err)

	assert.Len(t, keys, 4)
	assert.Equal(t, variant.Key("Color:Red;Material:Wool;Size:S"), keys[0])
	assert.Equal(t, variant.Key("Color:Red;Material:Wool;Size:M"), keys[1])
	assert.Equal(t, variant.Key("Color:Red;Material:Cotton;Size:S"), keys[2])
	assert.Equal(t, variant.Key("Color:Red;Material:Cotton;Size:M"), keys[3])
}

func TestExpand_AxisSortIsByteOrder(t *testing.T) {
	// Uppercase sorts before lowercase in byte order; no locale collation.
	keys, err := variant.Expand(variant.Definition{"size": {"S"}, "Color": {"Red"}})
	require.NoError(t, err)
	assert.Equal(t, []variant.Key{"Color:Red;size:S"}, keys)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]variant.Definition{
		"empty axis name":    {"": {"Red"}},
		"blank axis name":    {"  ": {"Red"}},
		"no values":          {"Color": {}},
		"empty value":        {"Color": {"Red", ""}},
		"duplicate value":    {"Color": {"Red", "Red"}},
		"reserved in value":  {"Color": {"Red;Blue"}},
		"reserved in axis":   {"Col:or": {"Red"}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := variant.Expand(def)
			assert.ErrorIs(t, err, variant.ErrInvalidDefinition)
			var defErr *variant.DefinitionError
			assert.ErrorAs(t, err, &defErr)
		})
	}
}

// =============================================================================
// KEY PARSING TESTS
// =============================================================================

func TestValidate_CapsCombinations(t *testing.T) {
	// GIVEN: four axes of 11 values each (14641 combinations)
	// WHEN: the definition is validated or expanded
	// THEN: it is rejected before anything is allocated
	values := make([]string, 11)
	for i := range values {
		values[i] = fmt.Sprintf("v%02d", i)
	}
	def := variant.Definition{"A": values, "B": values, "C": values, "D": values}

	var defErr *variant.DefinitionError
	require.ErrorAs(t, variant.Validate(def), &defErr)
	_, err := variant.Expand(def)
	assert.ErrorIs(t, err, variant.ErrInvalidDefinition)

	// exactly at the cap is fine
	hundred := make([]string, 100)
	for i := range hundred {
		hundred[i] = fmt.Sprintf("v%03d", i)
	}
	assert.NoError(t, variant.Validate(variant.Definition{"A": hundred, "B": hundred}))
}

func TestValidateKey(t *testing.T) {
	valid := []variant.Key{"", "Color:Red", "Color:Red;Size:S", "Color:Red;Material:Wool;Size:M"}
	for _, k := range valid {
		assert.NoError(t, variant.ValidateKey(k), string(k))
	}

	invalid := []variant.Key{
		"Size:S;Color:Red",
		"Color:Red;Color:Blue",
		" Color:Red",
		"Color:Red ",
		"Color: Red",
		"Color:Red;;Size:S",
		"Color:Red:Dark",
		"Red",
	}
	for _, k := range invalid {
		assert.ErrorIs(t, variant.ValidateKey(k), variant.ErrInvalidDefinition, string(k))
	}
}

func TestParse_RoundTrip(t *testing.T) {
	k := variant.Key("Color:Red;Size:M")
	pairs, err := variant.Parse(k)
	require.NoError(t, err)
	assert.Equal(t, []variant.Pair{{Axis: "Color", Value: "Red"}, {Axis: "Size", Value: "M"}}, pairs)
	assert.Equal(t, k, variant.Join(pairs))
}

func TestParse_Malformed(t *testing.T) {
	_, err := variant.Parse("Color=Red")
	assert.ErrorIs(t, err, variant.ErrInvalidDefinition)

	pairs, err := variant.Parse("")
	assert.NoError(t, err)
	assert.Nil(t, pairs)
}

func TestContains(t *testing.T) {
	def := variant.Definition{"Color": {"Red", "Blue"}, "Size": {"S"}}

	assert.True(t, variant.Contains(def, "Color:Red;Size:S"))
	assert.False(t, variant.Contains(def, "Color:Red;Size:M"), "dropped value")
	assert.False(t, variant.Contains(def, "Size:S;Color:Red"), "non-canonical order")
	assert.False(t, variant.Contains(def, "Color:Red"), "missing axis")
	assert.False(t, variant.Contains(def, ""))
}

func TestParseDefinition_JSON(t *testing.T) {
	def, err := variant.ParseDefinition([]byte(`{"Size":["S","M"],"Color":["Red","Blue"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Color", "Size"}, def.Axes())
	assert.Equal(t, []string{"S", "M"}, def["Size"])

	_, err = variant.ParseDefinition([]byte(`{"":["x"]}`))
	assert.ErrorIs(t, err, variant.ErrInvalidDefinition)

	_, err = variant.ParseDefinition([]byte(`not json`))
	assert.Error(t, err)
}
