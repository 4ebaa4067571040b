// Package paged computes grouped-query attention over a key/value cache
// stored as non-contiguous fixed-size pages. Each core streams compute
// blocks of pages through a double-buffered copy pipeline into an online
// softmax accumulator, one (batch, kv_head) cell at a time.
package paged

import (
	"context"
	"time"

	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/metrics"
	"github.com/23skdu/longbow-pagedattn/internal/simd"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

// Attention returns softmax(q·kᵀ)·v for every sequence, attending only to
// the first lengths[b] positions of sequence b. The result has q's shape
// and dtype. Rows of zero-length sequences are left zero.
//
// Configuration errors are returned before any block runs. Page ids are
// trusted; see ValidatePageIndices.
func Attention(ctx context.Context, in Inputs, opts Options) (*tensor.Tensor, error) {
	g, err := Validate(in, opts)
	if err != nil {
		logger.Log.Warn("rejected paged attention launch", "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	out := tensor.New(in.Q.DType(), g.Batch, g.QueryHeads, g.HeadDim)
	s := NewScheduler(in, g, opts, out)
	if err := s.Run(ctx); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	metrics.RecordAttention(opts.Megacore.String(), g.Batch, elapsed)

	if nanCount, infCount := simd.CountNonFinite(out.ToFloat32()); nanCount+infCount > 0 {
		metrics.RecordNumericalInstability("attention_output", nanCount, infCount)
		logger.Log.Warn("non-finite attention output", "nan", nanCount, "inf", infCount)
	}

	logger.Log.Info("paged attention complete",
		"batch", g.Batch,
		"heads", g.QueryHeads,
		"kv_heads", g.KVHeads,
		"block_positions", g.BlockPositions,
		"megacore", opts.Megacore.String(),
		"inline", opts.InlineSeqDim,
		"masked_rows", s.MaskedRows(),
		"duration", elapsed,
	)
	return out, nil
}
