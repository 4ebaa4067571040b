package simd

import "math"

// Dot returns sum(a[i]*b[i]) over len(a) elements.
func Dot(a, b []float32) float32 {
	b = b[:len(a)]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// Axpy computes y += alpha*x.
func Axpy(alpha float32, x, y []float32) {
	x = x[:len(y)]
	for i := range y {
		y[i] += alpha * x[i]
	}
}

// Scale multiplies x by s in place.
func Scale(s float32, x []float32) {
	for i := range x {
		x[i] *= s
	}
}

// Max returns the largest element, or -Inf for an empty slice.
func Max(x []float32) float32 {
	m := float32(math.Inf(-1))
	for _, v := range x {
		if v > m {
			m = v
		}
	}
	return m
}

// CountNonFinite returns the number of NaN and Inf values in x.
func CountNonFinite(x []float32) (nanCount, infCount int) {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) {
			nanCount++
		} else if math.IsInf(f, 0) {
			infCount++
		}
	}
	return
}
