package money

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat_RoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0", "0.0000"},
		{"150.00", "150.0000"},
		{"150.0000", "150.0000"},
		{"0.5", "0.5000"},
		{"12345.6789", "12345.6789"},
		{"1000000", "1000000.0000"},
	}
	for _, tc := range cases {
		v, ok := Parse(tc.in)
		require.True(t, ok, "Parse(%q)", tc.in)
		assert.Equal(t, tc.want, Format(v), "Format(Parse(%q))", tc.in)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"abc", "1.2.3", "-5.00", "1,000"} {
		_, ok := Parse(in)
		assert.False(t, ok, "Parse(%q) should fail", in)
	}
}

func TestParse_EmptyIsZero(t *testing.T) {
	v, ok := Parse("")
	require.True(t, ok)
	assert.Equal(t, "0.0000", Format(v))
}

func TestParse_ExcessPrecisionTruncates(t *testing.T) {
	v, ok := Parse("1.23456")
	require.True(t, ok)
	assert.Equal(t, "1.2345", Format(v))
}

func TestCanonical_Idempotent(t *testing.T) {
	assert.Equal(t, "150.0000", Canonical("150.00"))
	assert.Equal(t, "150.0000", Canonical(Canonical("150.00")))
	// Invalid input passes through unchanged
	assert.Equal(t, "not-money", Canonical("not-money"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("0.0000"))
	assert.True(t, Valid("99.99"))
	assert.False(t, Valid("-1"))
	assert.False(t, Valid("x"))
}

func TestFloat(t *testing.T) {
	assert.InDelta(t, 150.0, Float("150.0000"), 1e-9)
	assert.InDelta(t, 0.25, Float("0.25"), 1e-9)
	assert.Zero(t, Float("garbage"))
}

func TestFormat_Zero(t *testing.T) {
	assert.Equal(t, "0.0000", Format(big.NewInt(0)))
}
