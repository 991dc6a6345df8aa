package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" mxn ")
	require.NoError(t, err)
	require.Equal(t, MXN, c)

	for _, raw := range []string{"", "MX", "MXNN", "M1N"} {
		_, err := ParseCurrency(raw)
		require.ErrorIs(t, err, ErrInvalidCurrency, raw)
	}

	require.False(t, Currency("usd").Valid())
	require.True(t, USD.Valid())
}

func TestMinorUnits(t *testing.T) {
	require.Equal(t, int64(123457), ToMinor(MustParse("1234.565"), MXN))
	require.Equal(t, int64(1235), ToMinor(MustParse("1234.5"), JPY))
	require.True(t, MustParse("12.34").Equal(FromMinor(1234, USD)))
	require.True(t, MustParse("500").Equal(FromMinor(500, JPY)))
}

func TestRound(t *testing.T) {
	require.Equal(t, "10.01", Round(MustParse("10.005"), EUR).String())
	require.Equal(t, "-10.01", Round(MustParse("-10.005"), EUR).String())
	require.Equal(t, "11", Round(MustParse("10.5"), JPY).String())
}

func TestFormat(t *testing.T) {
	out := Format(MustParse("1234.5"), USD, "en-US")
	require.Contains(t, out, "1,234.50")
	require.Contains(t, out, "$")

	out = Format(MustParse("10"), Currency("XQQ"), "en")
	require.Equal(t, "XQQ 10.00", out)
}
