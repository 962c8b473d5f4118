package socktable

import (
	"github.com/smallnest/ringbuffer"
)

// InputBuffer holds received stream bytes until the application reads them.
// The ring buffer carries its own lock, shared by the transport task writing
// and the application reading.
type InputBuffer struct {
	rb *ringbuffer.RingBuffer
}

func NewInputBuffer(size int) *InputBuffer {
	return &InputBuffer{rb: ringbuffer.New(size)}
}

// Write appends as much of p as fits and returns the count.
func (b *InputBuffer) Write(p []byte) int {
	if free := b.rb.Free(); len(p) > free {
		p = p[:free]
	}
	if len(p) == 0 {
		return 0
	}
	n, _ := b.rb.Write(p)
	return n
}

// Read drains up to len(p) bytes.
func (b *InputBuffer) Read(p []byte) int {
	if len(p) == 0 || b.rb.IsEmpty() {
		return 0
	}
	n, _ := b.rb.Read(p)
	return n
}

func (b *InputBuffer) Len() int { return b.rb.Length() }

func (b *InputBuffer) Free() int { return b.rb.Free() }

func (b *InputBuffer) Empty() bool { return b.rb.IsEmpty() }
