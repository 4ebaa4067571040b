package paged

import (
	"math"
	"math/rand"
	"testing"
)

// denseAttention is softmax(scores)·v for a single row, in float64.
func denseAttention(scores []float64, v [][]float64) []float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		maxScore = math.Max(maxScore, s)
	}
	sum := 0.0
	w := make([]float64, len(scores))
	for i, s := range scores {
		w[i] = math.Exp(s - maxScore)
		sum += w[i]
	}
	out := make([]float64, len(v[0]))
	for i := range scores {
		for d := range out {
			out[d] += w[i] / sum * v[i][d]
		}
	}
	return out
}

func randomBlock(rng *rand.Rand, positions, headDim int) (scores, v []float32) {
	scores = make([]float32, positions)
	v = make([]float32, positions*headDim)
	for i := range scores {
		scores[i] = rng.Float32()*8 - 4
	}
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return scores, v
}

func TestMergeSplitMatchesSingleBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const headDim, positions = 5, 12
	scores, v := randomBlock(rng, positions, headDim)

	whole := NewAccumulator(1, headDim)
	whole.Merge(append([]float32(nil), scores...), v, positions, positions, DefaultMaskValue)

	for _, split := range [][]int{{6, 6}, {4, 4, 4}, {3, 3, 3, 3}, {2, 2, 2, 2, 2, 2}} {
		acc := NewAccumulator(1, headDim)
		off := 0
		for _, n := range split {
			s := append([]float32(nil), scores[off:off+n]...)
			acc.Merge(s, v[off*headDim:(off+n)*headDim], n, n, DefaultMaskValue)
			off += n
		}
		for d := 0; d < headDim; d++ {
			if diff := math.Abs(float64(acc.Output()[d] - whole.Output()[d])); diff > 1e-5 {
				t.Errorf("split %v dim %d: %v vs %v", split, d, acc.Output()[d], whole.Output()[d])
			}
		}
		if diff := math.Abs(float64(acc.RunningMax(0) - whole.RunningMax(0))); diff > 1e-6 {
			t.Errorf("split %v: running max %v vs %v", split, acc.RunningMax(0), whole.RunningMax(0))
		}
	}
}

func TestMergeMatchesDenseSoftmax(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const headDim, positions, blocks = 3, 4, 3
	acc := NewAccumulator(1, headDim)
	var allScores []float64
	var allV [][]float64
	for b := 0; b < blocks; b++ {
		scores, v := randomBlock(rng, positions, headDim)
		for j := 0; j < positions; j++ {
			allScores = append(allScores, float64(scores[j]))
			row := make([]float64, headDim)
			for d := range row {
				row[d] = float64(v[j*headDim+d])
			}
			allV = append(allV, row)
		}
		acc.Merge(scores, v, positions, positions, DefaultMaskValue)
	}
	want := denseAttention(allScores, allV)
	for d := range want {
		if diff := math.Abs(float64(acc.Output()[d]) - want[d]); diff > 1e-5 {
			t.Errorf("dim %d: got %v, want %v", d, acc.Output()[d], want[d])
		}
	}
}

func TestMergeMasksPositionsPastLength(t *testing.T) {
	const headDim, positions, valid = 2, 4, 2
	// masked positions carry huge raw scores and values that would
	// dominate if they leaked through
	scores := []float32{0.5, -0.25, 1e4, 3e4}
	v := []float32{
		1, 2,
		3, 4,
		1000, 1000,
		-1000, -1000,
	}
	acc := NewAccumulator(1, headDim)
	if n := acc.Merge(scores, v, positions, valid, DefaultMaskValue); n != 0 {
		t.Fatalf("masked rows = %d, want 0", n)
	}
	want := denseAttention([]float64{0.5, -0.25}, [][]float64{{1, 2}, {3, 4}})
	for d := range want {
		if diff := math.Abs(float64(acc.Output()[d]) - want[d]); diff > 1e-5 {
			t.Errorf("dim %d: got %v, want %v", d, acc.Output()[d], want[d])
		}
	}
}

func TestMergeZeroNormalizerSubstitutesOne(t *testing.T) {
	acc := NewAccumulator(2, 2)
	negInf := float32(math.Inf(-1))
	scores := []float32{
		0, 0, // row 0, fully masked by -Inf
		1, 2, // row 1, valid
	}
	v := []float32{1, 1, 2, 2}

	// valid=0 masks both rows; with an infinite mask every exponential is 0
	n := acc.Merge(scores, v, 2, 0, negInf)
	if n != 2 {
		t.Fatalf("masked rows = %d, want 2", n)
	}
	for r := 0; r < 2; r++ {
		if acc.RunningSum(r) != 1 {
			t.Errorf("row %d normalizer = %v, want 1", r, acc.RunningSum(r))
		}
		for d := 0; d < 2; d++ {
			if o := acc.Output()[r*2+d]; o != 0 || math.IsNaN(float64(o)) {
				t.Errorf("row %d dim %d = %v, want 0", r, d, o)
			}
		}
	}
}

func TestMergeFiniteMaskedBlockIsWashedOut(t *testing.T) {
	// A block that is entirely past the length still contributes finite
	// weights under the finite default mask; the next valid block must
	// drive them to zero through the rescale factor.
	acc := NewAccumulator(1, 1)
	acc.Merge([]float32{7, 9}, []float32{100, 200}, 2, 0, DefaultMaskValue)
	acc.Merge([]float32{0.1, 0.2}, []float32{1, 3}, 2, 2, DefaultMaskValue)

	want := denseAttention([]float64{0.1, 0.2}, [][]float64{{1}, {3}})
	if diff := math.Abs(float64(acc.Output()[0]) - want[0]); diff > 1e-5 {
		t.Errorf("got %v, want %v", acc.Output()[0], want[0])
	}
}

func TestAccumulatorReset(t *testing.T) {
	acc := NewAccumulator(1, 2)
	acc.Merge([]float32{1, 2}, []float32{1, 1, 1, 1}, 2, 2, DefaultMaskValue)
	acc.Reset()
	if !math.IsInf(float64(acc.RunningMax(0)), -1) || acc.RunningSum(0) != 0 {
		t.Errorf("reset state m=%v l=%v", acc.RunningMax(0), acc.RunningSum(0))
	}
	for _, o := range acc.Output() {
		if o != 0 {
			t.Fatalf("reset output %v", acc.Output())
		}
	}
}

func TestScores(t *testing.T) {
	acc := NewAccumulator(2, 2)
	q := []float32{1, 0, 0, 2}
	k := []float32{3, 4, 5, 6, 7, 8}
	got := acc.Scores(q, k, 3)
	want := []float32{3, 5, 7, 8, 12, 16}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("score %d = %v, want %v", i, got[i], want[i])
		}
	}
}
