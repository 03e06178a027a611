package fixedpoint

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expect      string
		expectError error
	}{
		{name: "Whole", input: "1000000", expect: "1000000000000000000000000"},
		{name: "Fraction", input: "0.001", expect: "1000000000000000"},
		{name: "SmallestUnit", input: "0.000000000000000001", expect: "1"},
		{name: "Zero", input: "0", expect: "0"},
		{name: "Negative", input: "-1", expectError: ErrNegative},
		{name: "TooPrecise", input: "0.0000000000000000001", expectError: ErrPrecision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseUnits(tt.input)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, v.Dec())
		})
	}

	_, err := ParseUnits("abc")
	assert.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "1.5", FormatUnits(uint256.MustFromDecimal("1500000000000000000")))
	assert.Equal(t, "0.001", FormatUnits(uint256.MustFromDecimal("1000000000000000")))
	assert.Equal(t, "1000", FormatUnits(uint256.MustFromDecimal("1000000000000000000000")))
	assert.Equal(t, "0", FormatUnits(nil))
}

func TestParseBaseUnits(t *testing.T) {
	v, err := ParseBaseUnits("1000000000000000000")
	require.NoError(t, err)
	assert.True(t, v.Eq(One()))

	_, err = ParseBaseUnits("-5")
	assert.ErrorIs(t, err, ErrNegative)

	_, err = ParseBaseUnits("")
	assert.Error(t, err)

	_, err = ParseBaseUnits("1.5")
	assert.Error(t, err)
}

func TestMulDiv(t *testing.T) {
	// 1 ETH at 0.001 ETH per token buys 1000 tokens
	got, overflow := MulDiv(One(), One(), MustParseUnits("0.001"))
	assert.False(t, overflow)
	assert.Equal(t, MustParseUnits("1000").Dec(), got.Dec())

	// floor division drops the remainder
	got, overflow = MulDiv(uint256.NewInt(10), uint256.NewInt(1), uint256.NewInt(3))
	assert.False(t, overflow)
	assert.Equal(t, uint64(3), got.Uint64())

	// the intermediate product may exceed 256 bits as long as the quotient fits
	maxU := new(uint256.Int).SetAllOne()
	got, overflow = MulDiv(maxU, One(), One())
	assert.False(t, overflow)
	assert.True(t, got.Eq(maxU))

	_, overflow = MulDiv(maxU, One(), uint256.NewInt(1))
	assert.True(t, overflow)
}
