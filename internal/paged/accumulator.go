package paged

import (
	"math"

	"github.com/23skdu/longbow-pagedattn/internal/simd"
)

var negInf = float32(math.Inf(-1))

// Accumulator is the running softmax state of one (batch, kv_head) cell:
// one running max and normalizer per query row and a head_dim wide
// running output per row. The output is kept normalized after every
// merge, so Output is valid at any point.
type Accumulator struct {
	rows    int
	headDim int

	m []float32
	l []float32
	o []float32

	scores []float32
	pv     []float32
}

func NewAccumulator(rows, headDim int) *Accumulator {
	a := &Accumulator{
		rows:    rows,
		headDim: headDim,
		m:       make([]float32, rows),
		l:       make([]float32, rows),
		o:       make([]float32, rows*headDim),
		pv:      make([]float32, headDim),
	}
	a.Reset()
	return a
}

// Reset puts the state back to max=-Inf, sum=0, output=0.
func (a *Accumulator) Reset() {
	for i := range a.m {
		a.m[i] = negInf
		a.l[i] = 0
	}
	for i := range a.o {
		a.o[i] = 0
	}
}

func (a *Accumulator) Rows() int { return a.rows }

// RunningMax and RunningSum expose row r of the scratch statistics.
func (a *Accumulator) RunningMax(r int) float32 { return a.m[r] }
func (a *Accumulator) RunningSum(r int) float32 { return a.l[r] }

// Output returns the [rows, head_dim] running output. It aliases state.
func (a *Accumulator) Output() []float32 { return a.o }

// Scores computes q·kᵀ for the accumulator rows against positions keys.
// q is [rows, head_dim], k is [positions, head_dim]. The result aliases
// scratch owned by the accumulator and is valid until the next call.
func (a *Accumulator) Scores(q, k []float32, positions int) []float32 {
	n := a.rows * positions
	if cap(a.scores) < n {
		a.scores = make([]float32, n)
	}
	s := a.scores[:n]
	d := a.headDim
	for r := 0; r < a.rows; r++ {
		qr := q[r*d : (r+1)*d]
		for j := 0; j < positions; j++ {
			s[r*positions+j] = simd.Dot(qr, k[j*d:(j+1)*d])
		}
	}
	return s
}

// expDiff is exp(x-y) with exp(-Inf - -Inf) taken as 0.
func expDiff(x, y float32) float32 {
	if math.IsInf(float64(x), -1) {
		return 0
	}
	return float32(math.Exp(float64(x - y)))
}

// Merge folds one block into the running state. scores is the raw
// [rows, positions] score matrix (overwritten), v is [positions, head_dim].
// Positions at index valid or later get maskValue added. It returns the
// number of rows whose new normalizer was zero and was replaced by one.
func (a *Accumulator) Merge(scores, v []float32, positions, valid int, maskValue float32) int {
	if valid < 0 {
		valid = 0
	}
	d := a.headDim
	masked := 0
	for r := 0; r < a.rows; r++ {
		s := scores[r*positions : (r+1)*positions]
		for j := valid; j < positions; j++ {
			s[j] += maskValue
		}

		blockMax := simd.Max(s)
		blockSum := simd.ExpShift(s, blockMax)

		mPrev, lPrev := a.m[r], a.l[r]
		mNext := mPrev
		if blockMax > mNext {
			mNext = blockMax
		}
		alpha := expDiff(mPrev, mNext)
		beta := expDiff(blockMax, mNext)

		lNext := alpha*lPrev + beta*blockSum
		if lNext == 0 {
			lNext = 1
			masked++
		}

		for i := range a.pv {
			a.pv[i] = 0
		}
		for j := 0; j < positions; j++ {
			if s[j] != 0 {
				simd.Axpy(s[j], v[j*d:(j+1)*d], a.pv)
			}
		}

		or := a.o[r*d : (r+1)*d]
		simd.Scale(lPrev*alpha, or)
		simd.Axpy(beta, a.pv, or)
		simd.Scale(1/lNext, or)
		a.m[r] = mNext
		a.l[r] = lNext
	}
	return masked
}
