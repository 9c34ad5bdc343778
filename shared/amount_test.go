package shared_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minermesh/minerpool/shared"
)

func TestFromFloat(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	a, err := shared.FromFloat(5)
	req.NoError(err)
	req.Equal(shared.Amount(5*shared.UnitsPerToken), a)

	a, err = shared.FromFloat(0.00000001)
	req.NoError(err)
	req.Equal(shared.Amount(1), a)

	_, err = shared.FromFloat(-1)
	req.ErrorIs(err, shared.ErrNegativeAmount)

	_, err = shared.FromFloat(0.000000001)
	req.ErrorIs(err, shared.ErrTooManyDecimals)
}

func TestParse(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	a, err := shared.Parse("12.34567891")
	req.NoError(err)
	req.Equal(shared.Amount(1234567891), a)

	a, err = shared.Parse("0.001")
	req.NoError(err)
	req.Equal(shared.MinDeduction, a)

	_, err = shared.Parse("-3")
	req.ErrorIs(err, shared.ErrNegativeAmount)

	_, err = shared.Parse("1.123456789")
	req.ErrorIs(err, shared.ErrTooManyDecimals)
}

func TestString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "5.00000000", shared.Amount(5*shared.UnitsPerToken).String())
	require.Equal(t, "0.00100000", shared.MinDeduction.String())
}

func TestFractionRounding(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	total := shared.Amount(100 * shared.UnitsPerToken)
	req.Equal(shared.Amount(75*shared.UnitsPerToken), total.Fraction(3, 4))
	req.Equal(shared.Amount(25*shared.UnitsPerToken), total.Fraction(1, 4))

	// one unit split three ways rounds half away from zero
	req.Equal(shared.Amount(0), shared.Amount(1).Fraction(1, 3))
	req.Equal(shared.Amount(1), shared.Amount(1).Fraction(1, 2))
}

func TestSplitEvenConservesSum(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	for _, n := range []int{1, 2, 3, 7, 255} {
		total := shared.Amount(1_000_000_007)
		parts := total.SplitEven(n)
		req.Len(parts, n)
		var sum shared.Amount
		for _, p := range parts {
			sum += p
		}
		req.Equal(total, sum)
	}

	req.Nil(shared.Amount(10).SplitEven(0))
}
