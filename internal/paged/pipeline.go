package paged

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-pagedattn/internal/metrics"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

// PageArena is bulk ("slow") memory holding the pages of every KV head.
// ReadPage promotes one page into dst, which holds page_size*head_dim
// float32 values. Implementations must allow concurrent reads.
type PageArena interface {
	ReadPage(kvHead, page int, dst []float32)
}

type tensorArena struct {
	t          *tensor.Tensor
	pageElems  int
	headStride int
}

// NewTensorArena exposes a [kv_heads, total_pages, page_size, head_dim]
// tensor as a PageArena.
func NewTensorArena(t *tensor.Tensor) PageArena {
	pageElems := t.Dim(2) * t.Dim(3)
	return &tensorArena{t: t, pageElems: pageElems, headStride: t.Dim(1) * pageElems}
}

func (a *tensorArena) ReadPage(kvHead, page int, dst []float32) {
	a.t.ReadFloat32(kvHead*a.headStride+page*a.pageElems, dst[:a.pageElems])
}

type slotState int

const (
	slotIdle slotState = iota
	slotInFlight
	slotReady
)

// transfer is one stream's outstanding copy. done receives the panic value
// of a faulted copy, or is closed on success.
type transfer struct {
	done chan interface{}
}

type slot struct {
	k, v   []float32
	state  slotState
	coord  Coord
	kx, vx transfer
}

// View is a materialized compute block: [block_positions, head_dim]
// row-major float32 for K and for V.
type View struct {
	K []float32
	V []float32
}

// CopyPipeline moves K/V pages from bulk memory into two fast-memory slots
// per stream. A slot is idle, in flight (copy issued, not waited) or ready
// (waited, being read by compute). Start into a non-idle slot, or a wait
// on a slot with no transfer, is a programming error and panics.
type CopyPipeline struct {
	k, v      PageArena
	pool      *tensor.Pool
	pageElems int
	slots     [2]slot
	core      int
	trace     Tracer
}

func NewCopyPipeline(k, v PageArena, g Geometry, pool *tensor.Pool, core int, trace Tracer) *CopyPipeline {
	p := &CopyPipeline{
		k:         k,
		v:         v,
		pool:      pool,
		pageElems: g.PageSize * g.HeadDim,
		core:      core,
		trace:     trace,
	}
	n := g.BlockPositions * g.HeadDim
	for i := range p.slots {
		p.slots[i].k = pool.Get(n)
		p.slots[i].v = pool.Get(n)
	}
	return p
}

func (p *CopyPipeline) emit(kind EventKind, s int, c Coord) {
	if p.trace != nil {
		p.trace(p.core, Event{Kind: kind, Slot: s, Coord: c})
	}
}

// Start issues non-blocking copies of ref's pages into slot s for both
// streams and returns immediately.
func (p *CopyPipeline) Start(s int, ref PageRef, c Coord) {
	sl := &p.slots[s]
	if sl.state != slotIdle {
		panic(fmt.Sprintf("paged: start into slot %d while %s", s, stateName(sl.state)))
	}
	sl.state = slotInFlight
	sl.coord = c
	sl.kx = p.launch(p.k, ref, sl.k)
	sl.vx = p.launch(p.v, ref, sl.v)
	p.emit(EventStart, s, c)
}

func (p *CopyPipeline) launch(src PageArena, ref PageRef, dst []float32) transfer {
	t := transfer{done: make(chan interface{}, 1)}
	pageElems := p.pageElems
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.done <- r
			}
			close(t.done)
		}()
		for j, id := range ref.IDs {
			src.ReadPage(ref.KVHead, int(id), dst[j*pageElems:(j+1)*pageElems])
		}
	}()
	return t
}

// WaitAndView blocks until the transfer into slot s completes and exposes
// the slot. A faulted transfer is re-raised here as a panic.
func (p *CopyPipeline) WaitAndView(s int) View {
	sl := &p.slots[s]
	if sl.state != slotInFlight {
		panic(fmt.Sprintf("paged: wait on slot %d while %s", s, stateName(sl.state)))
	}
	start := time.Now()
	kerr := <-sl.kx.done
	verr := <-sl.vx.done
	metrics.RecordCopyWait(time.Since(start))
	if kerr != nil || verr != nil {
		panic(fmt.Sprintf("paged: transfer into slot %d for %+v failed: k=%v v=%v", s, sl.coord, kerr, verr))
	}
	sl.state = slotReady
	p.emit(EventWait, s, sl.coord)
	return View{K: sl.k, V: sl.v}
}

// Release returns a ready slot to idle once compute no longer reads it.
func (p *CopyPipeline) Release(s int) {
	sl := &p.slots[s]
	if sl.state != slotReady {
		panic(fmt.Sprintf("paged: release of slot %d while %s", s, stateName(sl.state)))
	}
	sl.state = slotIdle
	p.emit(EventRelease, s, sl.coord)
}

// InFlight reports whether slot s has an unwaited transfer for c.
func (p *CopyPipeline) InFlight(s int, c Coord) bool {
	sl := &p.slots[s]
	return sl.state == slotInFlight && sl.coord == c
}

// Close drains outstanding transfers and returns the slots to the pool.
func (p *CopyPipeline) Close() {
	for i := range p.slots {
		sl := &p.slots[i]
		if sl.state == slotInFlight {
			<-sl.kx.done
			<-sl.vx.done
		}
		sl.state = slotIdle
		p.pool.Put(sl.k)
		p.pool.Put(sl.v)
		sl.k, sl.v = nil, nil
	}
}

func stateName(s slotState) string {
	switch s {
	case slotIdle:
		return "idle"
	case slotInFlight:
		return "in flight"
	case slotReady:
		return "ready"
	}
	return "unknown"
}
