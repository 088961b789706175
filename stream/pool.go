package stream

import (
	"sync"
	"sync/atomic"
)

// Pool hands out streams of one buffer size so that frames can be encoded and decoded without
// allocating. A stream taken from the pool has a single owner until it is put back, and it must
// be put back exactly once.
type Pool struct {
	size int
	half bool
	pool sync.Pool

	inUse atomic.Int64
}

// NewPool creates a pool of streams with a buffer of size bytes. Streams from the pool write
// vectors in half precision when half is set.
func NewPool(size int, half bool) *Pool {
	p := &Pool{size: size, half: half}
	p.pool.New = func() any {
		s := New(size)
		s.owner = p
		return s
	}
	return p
}

// Returns the buffer size of the streams in the pool.
func (p *Pool) Size() int {
	return p.size
}

// Get takes a cleared stream from the pool, ready to be written.
func (p *Pool) Get() *BitStream {
	s := p.pool.Get().(*BitStream)
	s.Reset()
	s.HalfPrecision = p.half
	s.pooled = false
	p.inUse.Add(1)
	return s
}

// InUse returns the number of streams taken from the pool and not yet put back.
func (p *Pool) InUse() int64 {
	return p.inUse.Load()
}

// Put gives s back to the pool. Streams the pool did not make are left to the garbage collector.
// Putting back a stream twice panics, as the stream could then be handed out to two owners.
func (p *Pool) Put(s *BitStream) {
	if s == nil || s.owner != p {
		return
	}
	if s.pooled {
		panic("stream: stream put back into the pool twice")
	}
	s.pooled = true
	p.inUse.Add(-1)
	p.pool.Put(s)
}
