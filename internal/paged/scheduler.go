package paged

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/metrics"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

// Scheduler drives the (core, batch, kv_head, block) grid of one call.
// Cores own disjoint partitions and share only read-only inputs; each
// writes its own cells of out.
type Scheduler struct {
	geo    Geometry
	opts   Options
	table  *PageTable
	k, v   PageArena
	q      *tensor.Tensor
	out    *tensor.Tensor
	pool   *tensor.Pool
	masked []int
}

// NewScheduler prepares a launch over validated inputs. out must be
// [batch, query_heads, head_dim].
func NewScheduler(in Inputs, g Geometry, opts Options, out *tensor.Tensor) *Scheduler {
	return &Scheduler{
		geo:    g,
		opts:   opts,
		table:  NewPageTable(g, in.Lengths.Int32s(), in.PageIndices.Int32s()),
		k:      NewTensorArena(in.KPages),
		v:      NewTensorArena(in.VPages),
		q:      in.Q,
		out:    out,
		pool:   tensor.NewPool(),
		masked: make([]int, opts.Megacore.Cores()),
	}
}

// Run executes every core to completion. Cores are forked and joined;
// there is no synchronization between them while they run.
func (s *Scheduler) Run(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for core := 0; core < s.opts.Megacore.Cores(); core++ {
		g.Go(func() error {
			w := s.newWorker(core)
			defer w.close()
			if s.opts.InlineSeqDim {
				w.runInline()
			} else {
				w.runGrid()
			}
			s.masked[core] = w.masked
			return nil
		})
	}
	err := g.Wait()
	s.pool.Release()
	return err
}

// MaskedRows is the number of zero-normalizer rows seen by the last Run.
func (s *Scheduler) MaskedRows() int {
	n := 0
	for _, m := range s.masked {
		n += m
	}
	return n
}

// worker is one core's sequential walk. It owns the pipeline, the slot
// index and the accumulator of the cell in residence.
type worker struct {
	s    *Scheduler
	part Partition
	pipe *CopyPipeline
	acc  *Accumulator
	q    []float32
	log  *logger.Logger

	slot    int
	pending *Coord
	masked  int
	// debug is fixed at launch; cell logs are skipped below debug level.
	debug   bool
}

func (s *Scheduler) newWorker(core int) *worker {
	rows := s.geo.GroupSize
	return &worker{
		s:    s,
		part: s.opts.Megacore.Partition(core),
		pipe: NewCopyPipeline(s.k, s.v, s.geo, s.pool, core, s.opts.Tracer),
		acc:  NewAccumulator(rows, s.geo.HeadDim),
		q:    s.pool.Get(rows * s.geo.HeadDim),
		log:  logger.Log.With("core", core),

		debug: logger.Log.Enabled(zerolog.DebugLevel),
	}
}

func (w *worker) close() {
	w.pipe.Close()
	w.s.pool.Put(w.q)
}

// runInline follows advance from the first owned cell until the
// partition is exhausted.
func (w *worker) runInline() {
	for b := w.part.BatchStart; b < w.s.geo.Batch; b += w.part.BatchStep {
		if w.s.table.Length(b) == 0 {
			metrics.RecordCellSkipped("zero_length")
			w.log.Debug("skipping empty sequence", "batch", b)
		}
	}
	c, ok := w.s.table.First(w.part)
	for ok {
		w.block(c)
		c, ok = w.s.table.Advance(w.part, c)
	}
}

// runGrid enumerates every owned (batch, kv_head, block) coordinate in
// row-major order and skips blocks that start at or past the length.
func (w *worker) runGrid() {
	g := w.s.geo
	for b := w.part.BatchStart; b < g.Batch; b += w.part.BatchStep {
		for h := w.part.HeadStart; h < g.KVHeads; h += w.part.HeadStep {
			for i := 0; i < g.BlocksPerSequence; i++ {
				c := Coord{Batch: b, KVHead: h, Block: i}
				if !w.s.table.InRange(c) {
					if i == 0 {
						metrics.RecordCellSkipped("zero_length")
					} else {
						metrics.RecordCellSkipped("beyond_length")
					}
					continue
				}
				w.block(c)
			}
		}
	}
}

// block runs one compute block: prefetch the successor into the other
// slot, wait for this block's pages, merge, and finalize at cell end.
func (w *worker) block(c Coord) {
	s := w.s
	if c.Block == 0 {
		w.acc.Reset()
		s.q.ReadFloat32(w.rowOffset(c), w.q)
		metrics.RecordSequenceLength(s.table.Length(c.Batch))
		if !s.opts.ChainCells {
			w.slot = 0
		}
	}

	if w.pending == nil || *w.pending != c || !w.pipe.InFlight(w.slot, c) {
		w.pipe.Start(w.slot, s.table.Resolve(c.Batch, c.KVHead, c.Block), c)
	}

	next, ok := s.table.Advance(w.part, c)
	prefetch := ok && (s.opts.ChainCells || next.SameCell(c))
	other := 1 - w.slot
	if prefetch {
		w.pipe.Start(other, s.table.Resolve(next.Batch, next.KVHead, next.Block), next)
	}

	view := w.pipe.WaitAndView(w.slot)
	positions := s.geo.BlockPositions
	scores := w.acc.Scores(w.q, view.K, positions)
	valid := s.table.Length(c.Batch) - c.Block*positions
	masked := w.acc.Merge(scores, view.V, positions, valid, s.opts.maskValue())
	w.pipe.Release(w.slot)

	w.masked += masked
	metrics.RecordMaskedRows(masked)
	metrics.RecordBlock(w.part.Core, s.geo.PagesPerComputeBlock)

	if !ok || !next.SameCell(c) {
		s.out.WriteFloat32(w.rowOffset(c), w.acc.Output())
		if w.debug {
			w.log.Debug("cell finalized", "batch", c.Batch, "kv_head", c.KVHead, "blocks", c.Block+1)
		}
	}

	if prefetch {
		w.slot = other
		w.pending = &next
	} else {
		w.pending = nil
	}
}

// rowOffset is the flat offset of the first query row of c's cell in a
// [batch, query_heads, head_dim] tensor.
func (w *worker) rowOffset(c Coord) int {
	g := w.s.geo
	return (c.Batch*g.QueryHeads + c.KVHead*g.GroupSize) * g.HeadDim
}
