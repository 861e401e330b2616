// Package iobuf provides the buffer types the transport hot path is
// built on: fixed receive buffers shared by reference counting, and
// block chains that window into them.
//
// A Buffer is a single allocation a worker reads socket data into. A
// Block is a [start, end) window over a Buffer; completed message
// bodies are delivered as a chain of Blocks so a payload spanning two
// receive buffers never has to be copied. The sender side uses the
// same chain form for object payloads, consuming from the head as
// writev acknowledges bytes.
package iobuf

import "sync/atomic"

// Buffer is a reference-counted byte buffer. The worker that owns the
// socket holds one reference while reading into it; every Block carved
// out of it holds another.
type Buffer struct {
	Data []byte
	refs atomic.Int32
}

// NewBuffer allocates a buffer of the given size with one reference.
func NewBuffer(size int) *Buffer {
	b := &Buffer{Data: make([]byte, size)}
	b.refs.Store(1)
	return b
}

// Ref takes an additional reference.
func (b *Buffer) Ref() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference. The backing slice is surrendered to the
// garbage collector when the count reaches zero.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if b.refs.Add(-1) == 0 {
		b.Data = nil
	}
}

// Block is a readable window over a Buffer. Blocks link into chains;
// the consumer advances start as bytes are taken.
type Block struct {
	buf   *Buffer
	start int
	end   int
	Next  *Block
}

// NewBlock carves a window of length n starting at off out of buf,
// taking a buffer reference.
func NewBlock(buf *Buffer, off, n int) *Block {
	return &Block{buf: buf.Ref(), start: off, end: off + n}
}

// Bytes returns the unread bytes of this block.
func (b *Block) Bytes() []byte {
	return b.buf.Data[b.start:b.end]
}

// ReadAvail returns the number of unread bytes in this block.
func (b *Block) ReadAvail() int {
	return b.end - b.start
}

// Consume advances the read cursor by n bytes, n <= ReadAvail().
func (b *Block) Consume(n int) {
	b.start += n
}

// ChainLen returns the total unread bytes across the chain.
func ChainLen(b *Block) int {
	n := 0
	for ; b != nil; b = b.Next {
		n += b.ReadAvail()
	}
	return n
}

// AppendBlock links nb at the tail of the chain rooted at head and
// returns the head (nb itself when head is nil).
func AppendBlock(head, nb *Block) *Block {
	if head == nil {
		return nb
	}
	tail := head
	for tail.Next != nil {
		tail = tail.Next
	}
	tail.Next = nb
	return head
}

// ConsumeChain advances the chain by n bytes, releasing blocks that
// become empty, and returns the new head.
func ConsumeChain(b *Block, n int) *Block {
	for b != nil {
		r := b.ReadAvail()
		if n < r {
			b.Consume(n)
			break
		}
		n -= r
		next := b.Next
		b.buf.Release()
		b.Next = nil
		b = next
	}
	return b
}

// ReleaseChain drops the buffer references of every block in the chain.
func ReleaseChain(b *Block) {
	for ; b != nil; b = b.Next {
		b.buf.Release()
	}
}

// CopyChain flattens the chain into a new contiguous slice. Intended
// for callers off the hot path (tests, small control payloads).
func CopyChain(b *Block) []byte {
	out := make([]byte, 0, ChainLen(b))
	for ; b != nil; b = b.Next {
		out = append(out, b.Bytes()...)
	}
	return out
}
