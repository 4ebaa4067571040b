package paged

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

// ProblemSpec describes a synthetic attention problem.
type ProblemSpec struct {
	Batch            int
	QueryHeads       int
	KVHeads          int
	HeadDim          int
	PageSize         int
	PagesPerSequence int
	// TotalPages defaults to Batch*PagesPerSequence.
	TotalPages int
	// Lengths defaults to random lengths in [0, PagesPerSequence*PageSize].
	Lengths []int32
	DType   tensor.DType
}

// GenerateProblem fills Q and the page arenas with values in [-1, 1) and
// scatters each sequence's pages over a random permutation of the arena.
func GenerateProblem(spec ProblemSpec, rng *rand.Rand) (Inputs, error) {
	if spec.Batch <= 0 || spec.QueryHeads <= 0 || spec.KVHeads <= 0 || spec.HeadDim <= 0 ||
		spec.PageSize <= 0 || spec.PagesPerSequence <= 0 {
		return Inputs{}, fmt.Errorf("problem dimensions must be positive: %+v", spec)
	}
	total := spec.TotalPages
	if total <= 0 {
		total = spec.Batch * spec.PagesPerSequence
	}
	capacity := spec.PagesPerSequence * spec.PageSize

	lengths := spec.Lengths
	if lengths == nil {
		lengths = make([]int32, spec.Batch)
		for b := range lengths {
			lengths[b] = int32(rng.Intn(capacity + 1))
		}
	}
	if len(lengths) != spec.Batch {
		return Inputs{}, fmt.Errorf("got %d lengths for batch %d", len(lengths), spec.Batch)
	}

	perm := rng.Perm(total)
	indices := make([][]int32, spec.Batch)
	next := 0
	for b := range indices {
		indices[b] = make([]int32, spec.PagesPerSequence)
		for p := range indices[b] {
			indices[b][p] = int32(perm[next%total])
			next++
		}
	}

	fill := func(shape ...int) *tensor.Tensor {
		t := tensor.New(spec.DType, shape...)
		for i := 0; i < t.Len(); i++ {
			t.Set(i, rng.Float32()*2-1)
		}
		return t
	}
	q := fill(spec.Batch, spec.QueryHeads, spec.HeadDim)
	k := fill(spec.KVHeads, total, spec.PageSize, spec.HeadDim)
	v := fill(spec.KVHeads, total, spec.PageSize, spec.HeadDim)
	return NewInputs(q, k, v, lengths, indices)
}
