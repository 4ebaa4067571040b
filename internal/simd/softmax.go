package simd

import "math"

// Softmax normalizes x in place in float64. It is the dense path used by
// the reference attention; the streaming kernel never materializes a full
// row of probabilities.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	if sum == 0 {
		return
	}
	for i := range x {
		x[i] /= sum
	}
}

// ExpShift replaces every x[i] with exp(x[i]-shift) and returns the sum.
// A shift of -Inf (row with no finite score) yields all zeros.
func ExpShift(x []float32, shift float32) float32 {
	if math.IsInf(float64(shift), -1) {
		for i := range x {
			x[i] = 0
		}
		return 0
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - shift)))
		x[i] = e
		sum += e
	}
	return sum
}
