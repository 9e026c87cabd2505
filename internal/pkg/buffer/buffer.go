package buffer

import (
	"sync"
)

// Buffer is a fixed-capacity byte buffer with independent read and write
// offsets. Bytes are appended at the write offset and consumed from the read
// offset; it never grows.
type Buffer struct {
	buf  []byte
	r, w int
}

func New(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Free returns the unused tail of the buffer. Bytes copied into it become
// visible after Commit.
func (b *Buffer) Free() []byte { return b.buf[b.w:] }

func (b *Buffer) Commit(n int) { b.w += n }

// Bytes returns the unconsumed bytes.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

func (b *Buffer) Consume(n int) {
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

func (b *Buffer) Len() int { return b.w - b.r }
func (b *Buffer) Cap() int { return len(b.buf) }
func (b *Buffer) Full() bool { return b.w == len(b.buf) }

func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

// Set replaces the buffer contents with p, truncated to capacity.
func (b *Buffer) Set(p []byte) {
	b.r = 0
	b.w = copy(b.buf, p)
}

// Pool recycles buffers of one size between connection pairs.
type Pool struct {
	size int
	pool sync.Pool
}

func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		return New(size)
	}
	return p
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Get() *Buffer {
	return p.pool.Get().(*Buffer)
}

func (p *Pool) Put(b *Buffer) {
	if b == nil || b.Cap() != p.size {
		return
	}
	b.Reset()
	p.pool.Put(b)
}
