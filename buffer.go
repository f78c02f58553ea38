package h2mux

import (
	"sync"
	"sync/atomic"
)

// Payload slab size classes. Frames larger than the last class are allocated directly.
var bufferClasses = [...]int{1 << 10, 4 << 10, 16 << 10, 64 << 10}

// BufferPool hands out frame payload buffers backed by size-classed sync.Pools.
// It counts outstanding buffers so leaks show up in tests.
type BufferPool struct {
	classes     [len(bufferClasses)]sync.Pool
	outstanding atomic.Int64
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i := range p.classes {
		size := bufferClasses[i]
		p.classes[i].New = func() interface{} {
			slab := make([]byte, size)
			return &slab
		}
	}
	return p
}

var defaultBufferPool = NewBufferPool()

// Get checks out a buffer of exactly n bytes. The caller owns it until Release.
func (p *BufferPool) Get(n int) *Buffer {
	b := &Buffer{pool: p, class: -1}
	for i, size := range bufferClasses {
		if n <= size {
			b.class = i
			b.slab = p.classes[i].Get().(*[]byte)
			b.data = (*b.slab)[:n]
			break
		}
	}
	if b.class < 0 {
		b.data = make([]byte, n)
	}
	p.outstanding.Add(1)
	return b
}

// Outstanding reports how many buffers are checked out and not yet released.
func (p *BufferPool) Outstanding() int64 { return p.outstanding.Load() }

// Buffer is a single-owner handle on a pooled payload slab. The handle itself is never
// reused, so a second Release is always detected and reads after Release see nil.
type Buffer struct {
	pool     *BufferPool
	slab     *[]byte
	class    int
	data     []byte
	released atomic.Bool
}

// Bytes returns the payload, or nil once the buffer has been released.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.data
}

// Len returns the payload length, 0 after release.
func (b *Buffer) Len() int { return len(b.Bytes()) }

// Released reports whether Release has been called.
func (b *Buffer) Released() bool { return b != nil && b.released.Load() }

// Release returns the slab to its pool. Releasing twice returns ErrBufferReleased and
// leaves the pool untouched.
func (b *Buffer) Release() error {
	if b == nil {
		return nil
	}
	if !b.released.CompareAndSwap(false, true) {
		return ErrBufferReleased
	}
	b.data = nil
	if b.slab != nil {
		b.pool.classes[b.class].Put(b.slab)
		b.slab = nil
	}
	b.pool.outstanding.Add(-1)
	return nil
}

// releaseLogged releases b and logs a double release instead of returning it.
func releaseLogged(b *Buffer, owner string) {
	if err := b.Release(); err != nil {
		LogError(err, "buffer_release", map[string]interface{}{"owner": owner})
	}
}

// fragmentView accumulates header block fragments that span HEADERS and CONTINUATION
// frames. It takes ownership of each fragment's buffer and releases all of them at once.
type fragmentView struct {
	bufs  []*Buffer
	parts [][]byte
	size  int
}

// append takes ownership of buf; frag must alias buf's payload.
func (v *fragmentView) append(frag []byte, buf *Buffer) {
	v.parts = append(v.parts, frag)
	if buf != nil {
		v.bufs = append(v.bufs, buf)
	}
	v.size += len(frag)
}

func (v *fragmentView) empty() bool { return len(v.parts) == 0 }

// bytes returns the contiguous header block. A single fragment is returned in place.
func (v *fragmentView) bytes() []byte {
	if len(v.parts) == 1 {
		return v.parts[0]
	}
	block := make([]byte, 0, v.size)
	for _, p := range v.parts {
		block = append(block, p...)
	}
	return block
}

// release hands every owned buffer back to the pool and resets the view.
func (v *fragmentView) release() {
	for _, b := range v.bufs {
		releaseLogged(b, "fragment_view")
	}
	v.bufs = v.bufs[:0]
	v.parts = v.parts[:0]
	v.size = 0
}
