package crypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitAndReconstructScalar(t *testing.T) {
	secret := big.NewInt(424242)
	shares, err := SplitScalar(secret, 2, 3, ShareFieldOrder)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	// Any two of the three shares suffice.
	got, err := InterpolateAtZero([]int64{1, 2}, []*big.Int{shares[0], shares[1]}, ShareFieldOrder)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(secret))

	got, err = InterpolateAtZero([]int64{2, 3}, []*big.Int{shares[1], shares[2]}, ShareFieldOrder)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(secret))

	got, err = InterpolateAtZero([]int64{1, 3}, []*big.Int{shares[0], shares[2]}, ShareFieldOrder)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(secret))
}

func TestSingleShareRevealsNothingUseful(t *testing.T) {
	secret := big.NewInt(7)
	shares, err := SplitScalar(secret, 2, 3, ShareFieldOrder)
	require.NoError(t, err)

	// Interpolating from one share under a degree-1 polynomial just returns
	// that share, which should not equal the secret except with negligible
	// probability.
	got, err := InterpolateAtZero([]int64{1}, []*big.Int{shares[0]}, ShareFieldOrder)
	require.NoError(t, err)
	require.NotZero(t, got.Cmp(secret))
}

func TestSplitVectorAdditiveHomomorphism(t *testing.T) {
	// Summing share vectors coordinate-wise and reconstructing must equal the
	// sum of the original vectors. This is what lets fog nodes aggregate
	// without seeing plaintext updates.
	vecA := EncodeVector([]float64{1.5, -2.25, 0}, ShareFieldOrder)
	vecB := EncodeVector([]float64{0.5, 2.25, -1}, ShareFieldOrder)

	sharesA, err := SplitVector(vecA, 2, 3, ShareFieldOrder)
	require.NoError(t, err)
	sharesB, err := SplitVector(vecB, 2, 3, ShareFieldOrder)
	require.NoError(t, err)

	summed := make([][]*big.Int, 3)
	for i := 0; i < 3; i++ {
		summed[i] = make([]*big.Int, len(vecA))
		for c := range vecA {
			summed[i][c] = new(big.Int).Set(sharesA[i][c])
		}
		VectorAddInplace(summed[i], sharesB[i], ShareFieldOrder)
	}

	recovered, err := ReconstructVector([]int64{1, 3}, [][]*big.Int{summed[0], summed[2]}, ShareFieldOrder)
	require.NoError(t, err)

	decoded := DecodeVector(recovered, ShareFieldOrder, 1)
	require.InDelta(t, 2.0, decoded[0], 1e-6)
	require.InDelta(t, 0.0, decoded[1], 1e-6)
	require.InDelta(t, -1.0, decoded[2], 1e-6)
}

func TestThresholdLargerThanShares(t *testing.T) {
	_, err := SplitScalar(big.NewInt(1), 4, 3, ShareFieldOrder)
	require.ErrorIs(t, err, ErrThresholdTooLarge)
}

func TestDuplicateEvaluationPoints(t *testing.T) {
	_, err := InterpolateAtZero([]int64{1, 1}, []*big.Int{big.NewInt(5), big.NewInt(5)}, ShareFieldOrder)
	require.Error(t, err)
}
