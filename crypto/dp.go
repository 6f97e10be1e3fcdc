package crypto

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// GaussianSigma returns the per-coordinate noise scale of the Gaussian
// mechanism for (epsilon, delta)-differential privacy with L2 sensitivity
// clipNorm:
//
//	sigma = sqrt(2 * ln(1.25/delta)) * clipNorm / epsilon
func GaussianSigma(epsilon, delta, clipNorm float64) float64 {
	return math.Sqrt(2*math.Log(1.25/delta)) * clipNorm / epsilon
}

// ClipL2 scales vec down so its L2 norm is at most clipNorm. The input is
// modified in place and returned. Clipping bounds the sensitivity of one
// facility's contribution before noise is added.
func ClipL2(vec []float64, clipNorm float64) []float64 {
	norm := floats.Norm(vec, 2)
	if norm > clipNorm && norm > 0 {
		floats.Scale(clipNorm/norm, vec)
	}
	return vec
}

// AddGaussianNoise adds fresh zero-mean Gaussian noise with the given sigma
// to every coordinate of vec, in place. src may be nil, in which case the
// global source is used; tests pass a seeded source.
func AddGaussianNoise(vec []float64, sigma float64, src rand.Source) []float64 {
	if sigma <= 0 {
		return vec
	}
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	for i := range vec {
		vec[i] += dist.Rand()
	}
	return vec
}
