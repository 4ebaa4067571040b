package paged

import (
	"fmt"

	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

// Inputs are the tensors of one paged attention call.
//
//	Q            [batch, query_heads, head_dim]                 float32|float16
//	KPages       [kv_heads, total_pages, page_size, head_dim]   float32|float16
//	VPages       same shape as KPages
//	Lengths      [batch]                                        int32
//	PageIndices  [batch, pages_per_sequence]                    int32
type Inputs struct {
	Q           *tensor.Tensor
	KPages      *tensor.Tensor
	VPages      *tensor.Tensor
	Lengths     *tensor.Tensor
	PageIndices *tensor.Tensor
}

// NewInputs builds the int32 index tensors from Go slices.
func NewInputs(q, k, v *tensor.Tensor, lengths []int32, pageIndices [][]int32) (Inputs, error) {
	lt, err := tensor.FromInt32(append([]int32(nil), lengths...), len(lengths))
	if err != nil {
		return Inputs{}, err
	}
	width := 0
	if len(pageIndices) > 0 {
		width = len(pageIndices[0])
	}
	flat := make([]int32, 0, len(pageIndices)*width)
	for b, row := range pageIndices {
		if len(row) != width {
			return Inputs{}, fmt.Errorf("page_indices row %d has %d entries, want %d", b, len(row), width)
		}
		flat = append(flat, row...)
	}
	pt, err := tensor.FromInt32(flat, len(pageIndices), width)
	if err != nil {
		return Inputs{}, err
	}
	return Inputs{Q: q, KPages: k, VPages: v, Lengths: lt, PageIndices: pt}, nil
}

// Geometry is the validated launch shape derived from Inputs and Options.
type Geometry struct {
	Batch      int
	QueryHeads int
	KVHeads    int
	HeadDim    int
	TotalPages int
	PageSize   int

	PagesPerSequence     int
	PagesPerComputeBlock int

	// BlockPositions is page_size * pages_per_compute_block.
	BlockPositions int
	// BlocksPerSequence is the block extent of the full grid.
	BlocksPerSequence int
	// GroupSize is the number of query heads served by one KV head.
	GroupSize int
}

// MaxBlockElements bounds each per-core scratch buffer: a K or V slot, the
// query group and the block score matrix.
const MaxBlockElements = 1 << 24

// fits reports whether a*b stays within MaxBlockElements.
func fits(a, b int) bool {
	return b == 0 || a <= MaxBlockElements/b
}

// Validate checks every launch precondition and returns the geometry.
// All failures are *ConfigError.
func Validate(in Inputs, opts Options) (Geometry, error) {
	var g Geometry
	switch {
	case in.Q == nil:
		return g, configErrorf("q", "missing tensor")
	case in.KPages == nil:
		return g, configErrorf("k_pages", "missing tensor")
	case in.VPages == nil:
		return g, configErrorf("v_pages", "missing tensor")
	case in.Lengths == nil:
		return g, configErrorf("lengths", "missing tensor")
	case in.PageIndices == nil:
		return g, configErrorf("page_indices", "missing tensor")
	}
	if in.Q.Rank() != 3 {
		return g, configErrorf("q", "expected [batch, heads, head_dim], got shape %v", in.Q.Shape())
	}
	if in.KPages.Rank() != 4 {
		return g, configErrorf("k_pages", "expected [kv_heads, total_pages, page_size, head_dim], got shape %v", in.KPages.Shape())
	}
	if in.PageIndices.Rank() != 2 {
		return g, configErrorf("page_indices", "expected [batch, pages_per_sequence], got shape %v", in.PageIndices.Shape())
	}

	g.Batch, g.QueryHeads, g.HeadDim = in.Q.Dim(0), in.Q.Dim(1), in.Q.Dim(2)
	g.KVHeads, g.TotalPages, g.PageSize = in.KPages.Dim(0), in.KPages.Dim(1), in.KPages.Dim(2)
	headDimK := in.KPages.Dim(3)
	batchIndices := in.PageIndices.Dim(0)
	g.PagesPerSequence = in.PageIndices.Dim(1)
	g.PagesPerComputeBlock = opts.PagesPerComputeBlock

	if !tensor.SameShape(in.KPages, in.VPages) {
		return g, configErrorf("v_pages", "k_pages and v_pages must have the same shape, got %v and %v",
			in.KPages.Shape(), in.VPages.Shape())
	}
	if g.KVHeads <= 0 || g.QueryHeads%g.KVHeads != 0 {
		return g, configErrorf("heads", "number of Q heads (%d) must be divisible by number of KV heads (%d)",
			g.QueryHeads, g.KVHeads)
	}
	if headDimK != g.HeadDim {
		return g, configErrorf("head_dim", "head_dim of Q (%d) must match K/V (%d)", g.HeadDim, headDimK)
	}
	if g.PagesPerComputeBlock <= 0 {
		return g, configErrorf("pages_per_compute_block", "must be positive, got %d", g.PagesPerComputeBlock)
	}
	if g.PagesPerSequence%g.PagesPerComputeBlock != 0 {
		return g, configErrorf("pages_per_compute_block", "pages_per_sequence (%d) must be divisible by pages_per_compute_block (%d)",
			g.PagesPerSequence, g.PagesPerComputeBlock)
	}
	if in.Lengths.Rank() != 1 || in.Lengths.Dim(0) != g.Batch {
		return g, configErrorf("lengths", "lengths shape %v must be [%d] to match q", in.Lengths.Shape(), g.Batch)
	}
	if batchIndices != g.Batch {
		return g, configErrorf("page_indices", "page_indices batch %d must match q batch %d", batchIndices, g.Batch)
	}
	if in.Lengths.DType() != tensor.Int32 {
		return g, configErrorf("lengths", "dtype must be int32, got %v", in.Lengths.DType())
	}
	if in.PageIndices.DType() != tensor.Int32 {
		return g, configErrorf("page_indices", "dtype must be int32, got %v", in.PageIndices.DType())
	}
	switch opts.Megacore {
	case MegacoreNone:
	case MegacoreKVHead:
		if g.KVHeads%2 != 0 {
			return g, configErrorf("megacore", "number of KV heads must be even when megacore mode is kv_head, got %d", g.KVHeads)
		}
	case MegacoreBatch:
		if g.Batch%2 != 0 {
			return g, configErrorf("megacore", "batch size must be even when megacore mode is batch, got %d", g.Batch)
		}
	default:
		return g, configErrorf("megacore", "mode must be one of [kv_head, batch, none], got %q", string(opts.Megacore))
	}
	for _, f := range []struct {
		name string
		t    *tensor.Tensor
	}{{"q", in.Q}, {"k_pages", in.KPages}, {"v_pages", in.VPages}} {
		if !f.t.DType().IsFloat() {
			return g, configErrorf(f.name, "dtype must be float32 or float16, got %v", f.t.DType())
		}
	}

	g.BlocksPerSequence = g.PagesPerSequence / g.PagesPerComputeBlock
	g.GroupSize = g.QueryHeads / g.KVHeads
	if !fits(g.PageSize, g.PagesPerComputeBlock) {
		return g, configErrorf("pages_per_compute_block", "block of %d pages of size %d exceeds %d positions",
			g.PagesPerComputeBlock, g.PageSize, MaxBlockElements)
	}
	g.BlockPositions = g.PageSize * g.PagesPerComputeBlock
	switch {
	case !fits(g.BlockPositions, g.HeadDim):
		return g, configErrorf("pages_per_compute_block", "block of %d positions with head_dim %d exceeds %d elements",
			g.BlockPositions, g.HeadDim, MaxBlockElements)
	case !fits(g.GroupSize, g.HeadDim):
		return g, configErrorf("heads", "query group of %d heads with head_dim %d exceeds %d elements",
			g.GroupSize, g.HeadDim, MaxBlockElements)
	case !fits(g.GroupSize, g.BlockPositions):
		return g, configErrorf("heads", "query group of %d heads over %d block positions exceeds %d scores",
			g.GroupSize, g.BlockPositions, MaxBlockElements)
	}

	capacity := g.PagesPerSequence * g.PageSize
	for b, l := range in.Lengths.Int32s() {
		if l < 0 || int(l) > capacity {
			return g, configErrorf("lengths", "length %d of sequence %d outside [0, %d]", l, b, capacity)
		}
	}
	return g, nil
}

// ValidatePageIndices checks that every page id is inside the arena. The
// kernel never does this; it belongs at the boundary where page tables
// are built or received.
func ValidatePageIndices(in Inputs) error {
	if in.KPages == nil || in.PageIndices == nil || in.KPages.Rank() != 4 {
		return configErrorf("page_indices", "cannot check page ids without k_pages and page_indices")
	}
	total := int32(in.KPages.Dim(1))
	for i, id := range in.PageIndices.Int32s() {
		if id < 0 || id >= total {
			return configErrorf("page_indices", "entry %d holds page id %d outside [0, %d)", i, id, total)
		}
	}
	return nil
}
