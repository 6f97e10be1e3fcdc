package crypto

import (
	"math/big"
)

// ShareFieldOrder is the prime field over which parameter vectors are secret
// shared and summed. 513 bits leaves ample headroom: fixed-point encoded
// coordinates are ~65 bits, so sums over any realistic participant count stay
// far below the modulus.
var ShareFieldOrder *big.Int

// fixedPointScale converts float64 model parameters to integers with 32
// fractional bits before field encoding.
var fixedPointScale *big.Float

func init() {
	ShareFieldOrder, _ = big.NewInt(0).SetString("23551861483160902848625974283278945001376208178765538238759867299042020937974421928051251754596306387970642948144090145836318438166833376091610669188604919", 10)
	fixedPointScale = big.NewFloat(1 << 32)
}

// FieldAddInplace performs modular addition in-place: l = (l + r) mod order.
// The result is stored in l and also returned.
func FieldAddInplace(l *big.Int, r *big.Int, order *big.Int) *big.Int {
	l.Add(l, r)
	if l.Cmp(order) >= 0 {
		l.Sub(l, order)
	}
	if l.Sign() < 0 {
		l.Add(l, order)
	}
	return l
}

// FieldSubInplace performs modular subtraction in-place: l = (l - r) mod order.
func FieldSubInplace(l *big.Int, r *big.Int, order *big.Int) *big.Int {
	l.Sub(l, r)
	if l.Cmp(order) >= 0 {
		l.Sub(l, order)
	}
	if l.Sign() < 0 {
		l.Add(l, order)
	}
	return l
}

// VectorAddInplace adds r into l coordinate-wise modulo order.
// Both vectors must have the same length.
func VectorAddInplace(l []*big.Int, r []*big.Int, order *big.Int) {
	for i := range l {
		FieldAddInplace(l[i], r[i], order)
	}
}

// EncodeVector maps float64 parameters into field elements using fixed-point
// encoding. Negative values map to order - |x|.
func EncodeVector(values []float64, order *big.Int) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		scaled := new(big.Float).Mul(big.NewFloat(v), fixedPointScale)
		el, _ := scaled.Int(nil)
		if el.Sign() < 0 {
			el.Add(el, order)
		}
		out[i] = el
	}
	return out
}

// DecodeVector inverts EncodeVector and divides each coordinate by divisor.
// Values above order/2 decode as negative. divisor is typically the
// participant count, turning the reconstructed sum into an average.
func DecodeVector(els []*big.Int, order *big.Int, divisor int) []float64 {
	half := new(big.Int).Rsh(order, 1)
	out := make([]float64, len(els))
	for i, el := range els {
		v := new(big.Int).Mod(el, order)
		if v.Cmp(half) > 0 {
			v.Sub(v, order)
		}
		f := new(big.Float).SetInt(v)
		f.Quo(f, fixedPointScale)
		val, _ := f.Float64()
		out[i] = val / float64(divisor)
	}
	return out
}
