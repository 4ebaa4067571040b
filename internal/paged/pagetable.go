package paged

// Coord addresses one compute block: block Block of the cell
// (Batch, KVHead).
type Coord struct {
	Batch  int
	KVHead int
	Block  int
}

// SameCell reports whether a and c belong to the same (batch, kv_head) cell.
func (c Coord) SameCell(o Coord) bool {
	return c.Batch == o.Batch && c.KVHead == o.KVHead
}

// PageRef names the physical pages of one compute block in the arena of
// one KV head.
type PageRef struct {
	KVHead int
	IDs    []int32
}

// PageTable resolves logical blocks to physical pages and walks the grid.
// It is read-only after construction and shared by all cores.
type PageTable struct {
	indices          []int32
	lengths          []int32
	batch            int
	kvHeads          int
	pagesPerSequence int
	pagesPerBlock    int
	blockPositions   int
}

// NewPageTable wraps validated index data. indices is the flattened
// [batch, pages_per_sequence] table.
func NewPageTable(g Geometry, lengths, indices []int32) *PageTable {
	return &PageTable{
		indices:          indices,
		lengths:          lengths,
		batch:            g.Batch,
		kvHeads:          g.KVHeads,
		pagesPerSequence: g.PagesPerSequence,
		pagesPerBlock:    g.PagesPerComputeBlock,
		blockPositions:   g.BlockPositions,
	}
}

// Resolve returns the physical page ids of block of sequence seq. The
// returned slice aliases the table. Bounds were checked by Validate.
func (pt *PageTable) Resolve(seq, kvHead, block int) PageRef {
	start := seq*pt.pagesPerSequence + block*pt.pagesPerBlock
	return PageRef{KVHead: kvHead, IDs: pt.indices[start : start+pt.pagesPerBlock]}
}

func (pt *PageTable) Length(b int) int {
	return int(pt.lengths[b])
}

// NumBlocks is the number of compute blocks that hold at least one valid
// position of sequence b.
func (pt *PageTable) NumBlocks(b int) int {
	return (pt.Length(b) + pt.blockPositions - 1) / pt.blockPositions
}

// InRange reports whether block c starts before its sequence ends.
func (pt *PageTable) InRange(c Coord) bool {
	return c.Block*pt.blockPositions < pt.Length(c.Batch)
}

// First returns the first cell p owns, skipping zero-length batches.
func (pt *PageTable) First(p Partition) (Coord, bool) {
	if p.HeadStart >= pt.kvHeads {
		return Coord{}, false
	}
	b := pt.skipEmpty(p.BatchStart, p.BatchStep)
	if b >= pt.batch {
		return Coord{}, false
	}
	return Coord{Batch: b, KVHead: p.HeadStart}, true
}

// Advance returns the block that follows c within partition p. The next
// block of the same cell is chosen while it still starts under the
// sequence length; then the next KV head; then the next batch of p with
// non-zero length. ok is false once the partition is exhausted.
func (pt *PageTable) Advance(p Partition, c Coord) (next Coord, ok bool) {
	if (c.Block+1)*pt.blockPositions < pt.Length(c.Batch) {
		return Coord{Batch: c.Batch, KVHead: c.KVHead, Block: c.Block + 1}, true
	}
	if h := c.KVHead + p.HeadStep; h < pt.kvHeads && pt.Length(c.Batch) > 0 {
		return Coord{Batch: c.Batch, KVHead: h}, true
	}
	b := pt.skipEmpty(c.Batch+p.BatchStep, p.BatchStep)
	if b >= pt.batch {
		return Coord{}, false
	}
	return Coord{Batch: b, KVHead: p.HeadStart}, true
}

// skipEmpty steps from b by step past every zero-length sequence.
func (pt *PageTable) skipEmpty(b, step int) int {
	for b < pt.batch && pt.lengths[b] == 0 {
		b += step
	}
	return b
}
