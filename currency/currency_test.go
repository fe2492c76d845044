package currency

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmountArithmetic(t *testing.T) {
	a := USD(2)
	b := MicroUSD(500000)

	assert.Equal(t, MicroUSD(2500000), a.Add(b))
	assert.Equal(t, MicroUSD(1500000), a.Sub(b))
	assert.Equal(t, b, a.Min(b))
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
}

func TestAmountZeroIsCompatibleWithAnything(t *testing.T) {
	var zero Amount
	assert.True(t, zero.Compatible(USD(1)))
	assert.Equal(t, USD(1), zero.Add(USD(1)))
	assert.True(t, zero.Equal(Amount{Code: CodeUSD}))
}

func TestAmountMismatchPanics(t *testing.T) {
	assert.Panics(t, func() {
		USD(1).Add(Amount{Micros: 1, Code: CodeEUR})
	})
}

func TestParseAmount(t *testing.T) {
	testCases := []struct {
		in       string
		expected Amount
		hasError bool
	}{
		{in: "2000000USD", expected: MicroUSD(2000000)},
		{in: "0", expected: Amount{}},
		{in: "", expected: Amount{}},
		{in: "15EUR", expected: Amount{Micros: 15, Code: CodeEUR}},
		{in: "USD", hasError: true},
		{in: "100", hasError: true},
		{in: "100XYZ", hasError: true},
	}
	for _, tc := range testCases {
		parsed, err := ParseAmount(tc.in)
		if tc.hasError {
			assert.Error(t, err, "input %q", tc.in)
		} else {
			assert.NoError(t, err, "input %q", tc.in)
			assert.Equal(t, tc.expected, parsed, "input %q", tc.in)
		}
	}
}

func TestAmountJSONRoundTrip(t *testing.T) {
	encoded, err := json.Marshal(USD(2))
	assert.NoError(t, err)
	assert.JSONEq(t, `"2000000USD"`, string(encoded))

	var decoded Amount
	assert.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, USD(2), decoded)
}

func TestParseRate(t *testing.T) {
	testCases := []struct {
		in       string
		expected Rate
		hasError bool
	}{
		{
			in:       "100000USD/1M",
			expected: Rate{Amount: MicroUSD(100000), Period: Period{Count: 1000000, Unit: PerRequest}},
		},
		{
			in:       "10USD/1s",
			expected: Rate{Amount: Amount{Micros: 10, Code: CodeUSD}, Period: Period{Count: 1, Unit: PerSecond}},
		},
		{
			in:       "600EUR/10m",
			expected: Rate{Amount: Amount{Micros: 600, Code: CodeEUR}, Period: Period{Count: 10, Unit: PerMinute}},
		},
		{in: "100000USD", hasError: true},
		{in: "abc/1M", hasError: true},
		{in: "10USD/0s", hasError: true},
	}
	for _, tc := range testCases {
		parsed, err := ParseRate(tc.in)
		if tc.hasError {
			assert.Error(t, err, "input %q", tc.in)
		} else {
			assert.NoError(t, err, "input %q", tc.in)
			assert.Equal(t, tc.expected, parsed, "input %q", tc.in)
		}
	}
}

func TestRatePerSecondMicros(t *testing.T) {
	r, err := ParseRate("600USD/10m")
	assert.NoError(t, err)
	perSec, ok := r.PerSecondMicros()
	assert.True(t, ok)
	assert.Equal(t, int64(1), perSec)

	r, err = ParseRate("100000USD/1M")
	assert.NoError(t, err)
	_, ok = r.PerSecondMicros()
	assert.False(t, ok)
}
