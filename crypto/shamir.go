package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

var (
	// ErrThresholdTooLarge is returned when the reconstruction threshold
	// exceeds the number of shares being produced.
	ErrThresholdTooLarge = errors.New("threshold exceeds number of shares")

	// ErrNotEnoughShares is returned when fewer than threshold shares are
	// supplied for reconstruction.
	ErrNotEnoughShares = errors.New("not enough shares to reconstruct")
)

// SplitScalar splits secret into numShares Shamir shares with the given
// reconstruction threshold. Share i (0-based) is the evaluation of a random
// degree-(threshold-1) polynomial at x=i+1, with the secret at f(0).
func SplitScalar(secret *big.Int, threshold, numShares int, order *big.Int) ([]*big.Int, error) {
	if threshold > numShares {
		return nil, ErrThresholdTooLarge
	}
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}

	coeffs := make([]*big.Int, threshold)
	coeffs[0] = new(big.Int).Mod(secret, order)
	for j := 1; j < threshold; j++ {
		c, err := rand.Int(rand.Reader, order)
		if err != nil {
			return nil, err
		}
		coeffs[j] = c
	}

	shares := make([]*big.Int, numShares)
	for i := 0; i < numShares; i++ {
		x := big.NewInt(int64(i + 1))
		// Horner evaluation of the polynomial at x.
		acc := new(big.Int).Set(coeffs[threshold-1])
		for j := threshold - 2; j >= 0; j-- {
			acc.Mul(acc, x)
			acc.Add(acc, coeffs[j])
			acc.Mod(acc, order)
		}
		shares[i] = acc
	}
	return shares, nil
}

// SplitVector splits every coordinate of vec independently. The result is
// indexed by share first: out[i][c] is share i of coordinate c, so out[i] is
// the complete share vector destined for the holder of evaluation point i+1.
func SplitVector(vec []*big.Int, threshold, numShares int, order *big.Int) ([][]*big.Int, error) {
	out := make([][]*big.Int, numShares)
	for i := range out {
		out[i] = make([]*big.Int, len(vec))
	}
	for c, secret := range vec {
		shares, err := SplitScalar(secret, threshold, numShares, order)
		if err != nil {
			return nil, err
		}
		for i := range shares {
			out[i][c] = shares[i]
		}
	}
	return out, nil
}

// LagrangeCoefficientsAtZero computes the Lagrange basis coefficients for
// interpolating at x=0 from the given distinct evaluation points.
func LagrangeCoefficientsAtZero(xs []int64, order *big.Int) ([]*big.Int, error) {
	coeffs := make([]*big.Int, len(xs))
	for i, xi := range xs {
		num := big.NewInt(1)
		den := big.NewInt(1)
		bigXi := big.NewInt(xi)
		for j, xj := range xs {
			if i == j {
				continue
			}
			bigXj := big.NewInt(xj)
			// numerator term: -x_j, denominator term: x_i - x_j
			num.Mul(num, new(big.Int).Neg(bigXj))
			num.Mod(num, order)
			diff := new(big.Int).Sub(bigXi, bigXj)
			den.Mul(den, diff)
			den.Mod(den, order)
		}
		denInv := new(big.Int).ModInverse(den, order)
		if denInv == nil {
			return nil, errors.New("duplicate evaluation points")
		}
		c := new(big.Int).Mul(num, denInv)
		c.Mod(c, order)
		coeffs[i] = c
	}
	return coeffs, nil
}

// InterpolateAtZero recovers f(0) from scalar shares ys at evaluation
// points xs.
func InterpolateAtZero(xs []int64, ys []*big.Int, order *big.Int) (*big.Int, error) {
	if len(xs) != len(ys) {
		return nil, errors.New("mismatched share points and values")
	}
	coeffs, err := LagrangeCoefficientsAtZero(xs, order)
	if err != nil {
		return nil, err
	}
	acc := big.NewInt(0)
	for i := range ys {
		term := new(big.Int).Mul(coeffs[i], ys[i])
		acc.Add(acc, term)
		acc.Mod(acc, order)
	}
	return acc, nil
}

// ReconstructVector recovers the secret vector from share vectors held at
// evaluation points xs. At least threshold distinct points are required by
// the caller; this function interpolates over exactly the points given.
func ReconstructVector(xs []int64, shareVectors [][]*big.Int, order *big.Int) ([]*big.Int, error) {
	if len(xs) != len(shareVectors) {
		return nil, errors.New("mismatched share points and vectors")
	}
	if len(shareVectors) == 0 {
		return nil, ErrNotEnoughShares
	}
	dim := len(shareVectors[0])
	for _, sv := range shareVectors {
		if len(sv) != dim {
			return nil, errors.New("share vectors have differing dimensions")
		}
	}
	coeffs, err := LagrangeCoefficientsAtZero(xs, order)
	if err != nil {
		return nil, err
	}
	out := make([]*big.Int, dim)
	for c := 0; c < dim; c++ {
		acc := big.NewInt(0)
		for i := range shareVectors {
			term := new(big.Int).Mul(coeffs[i], shareVectors[i][c])
			acc.Add(acc, term)
			acc.Mod(acc, order)
		}
		out[c] = acc
	}
	return out, nil
}
