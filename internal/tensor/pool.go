package tensor

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-pagedattn/internal/metrics"
)

var scratchBytes int64

func traceScratch(delta int64) {
	newVal := atomic.AddInt64(&scratchBytes, delta)
	metrics.RecordScratchBytes(newVal)
}

// ScratchBytes returns the float32 scratch currently handed out by pools.
func ScratchBytes() int64 {
	return atomic.LoadInt64(&scratchBytes)
}

// Pool recycles float32 scratch buffers keyed by length. The fast-memory
// slots of the copy pipeline and each worker's query rows draw from it.
type Pool struct {
	mu   sync.Mutex
	free map[int][][]float32
}

func NewPool() *Pool {
	return &Pool{free: make(map[int][][]float32)}
}

// Get returns a buffer of exactly n elements. Contents are unspecified.
func (p *Pool) Get(n int) []float32 {
	p.mu.Lock()
	bufs := p.free[n]
	if len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.free[n] = bufs[:len(bufs)-1]
		p.mu.Unlock()
		traceScratch(int64(n * 4))
		return buf
	}
	p.mu.Unlock()
	traceScratch(int64(n * 4))
	return make([]float32, n)
}

// Put hands buf back for reuse.
func (p *Pool) Put(buf []float32) {
	if buf == nil {
		return
	}
	n := len(buf)
	p.mu.Lock()
	p.free[n] = append(p.free[n], buf)
	p.mu.Unlock()
	traceScratch(-int64(n * 4))
}

// Release drops every pooled buffer.
func (p *Pool) Release() {
	p.mu.Lock()
	p.free = make(map[int][][]float32)
	p.mu.Unlock()
}
