package paged

import (
	"github.com/23skdu/longbow-pagedattn/internal/simd"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

// Reference is dense, non-streaming attention over the same paged inputs:
// every valid position is gathered, scored in float64 and normalized with
// one softmax. It is the oracle for the streaming kernel.
func Reference(in Inputs, pagesPerComputeBlock int) (*tensor.Tensor, error) {
	g, err := Validate(in, Options{PagesPerComputeBlock: pagesPerComputeBlock})
	if err != nil {
		return nil, err
	}
	out := tensor.New(tensor.Float32, g.Batch, g.QueryHeads, g.HeadDim)
	res := out.Float32s()

	lengths := in.Lengths.Int32s()
	indices := in.PageIndices.Int32s()
	q := make([]float32, g.HeadDim)
	k := make([]float32, g.HeadDim)
	v := make([]float32, g.HeadDim)
	pageElems := g.PageSize * g.HeadDim
	headStride := g.TotalPages * pageElems

	offset := func(b, kvh, pos int) int {
		page := int(indices[b*g.PagesPerSequence+pos/g.PageSize])
		return kvh*headStride + page*pageElems + (pos%g.PageSize)*g.HeadDim
	}

	for b := 0; b < g.Batch; b++ {
		n := int(lengths[b])
		if n == 0 {
			continue
		}
		probs := make([]float64, n)
		for h := 0; h < g.QueryHeads; h++ {
			kvh := h / g.GroupSize
			in.Q.ReadFloat32((b*g.QueryHeads+h)*g.HeadDim, q)
			for p := 0; p < n; p++ {
				in.KPages.ReadFloat32(offset(b, kvh, p), k)
				var dot float64
				for d := range q {
					dot += float64(q[d]) * float64(k[d])
				}
				probs[p] = dot
			}
			simd.Softmax(probs)

			acc := make([]float64, g.HeadDim)
			for p := 0; p < n; p++ {
				in.VPages.ReadFloat32(offset(b, kvh, p), v)
				for d := range acc {
					acc[d] += probs[p] * float64(v[d])
				}
			}
			row := res[(b*g.QueryHeads+h)*g.HeadDim:]
			for d := range acc {
				row[d] = float32(acc[d])
			}
		}
	}
	return out, nil
}
