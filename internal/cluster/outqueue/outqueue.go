// Package outqueue implements the per-connection outbound message
// queues: one FIFO per priority, shared by any number of producers and
// exactly one consumer (the owning worker).
//
// The locks here protect pointer splicing only; payload bytes are
// never touched under a queue lock. Every append carries the socket
// version the producer observed when it picked the connection, so a
// producer that raced with a disconnect and queue purge is rejected
// instead of leaking a message onto a recycled socket.
package outqueue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// Priority selects one of the three FIFOs. Lower values are served
// first by the write batcher.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMid
	PriorityLow

	PriorityCount = 3
)

// ErrStaleSession rejects an append whose observed socket version no
// longer matches, or whose socket has been closed. The message is the
// caller's to release.
var ErrStaleSession = errors.New("outqueue: stale session version")

// Message is an outbound frame: header plus either an owned block
// chain (object form) or a small inline buffer. BytesSent is the wire
// cursor, covering header, payload and padding in that order.
type Message struct {
	Header wire.MsgHeader

	// HeaderBuf is the encoded wire form of Header: the stable bytes
	// the write batcher points iovec entries at.
	HeaderBuf [wire.MsgHeaderLength]byte

	// Blocks is the object-form payload; consumed from the head as
	// writev acknowledges bytes. Nil for inline messages.
	Blocks *iobuf.Block

	// Inline is the inline-form payload, used for small messages that
	// do not justify a block chain. Nil for object messages.
	Inline []byte

	BytesSent   int
	InQueueTime int64

	Next *Message
}

// WireLen returns the total number of bytes this message occupies on
// the wire.
func (m *Message) WireLen() int {
	return m.Header.FrameLen()
}

// Done reports that every byte, padding included, has been sent.
func (m *Message) Done() bool {
	return m.BytesSent >= m.WireLen()
}

// Release drops the payload buffers.
func (m *Message) Release() {
	if m.Blocks != nil {
		iobuf.ReleaseChain(m.Blocks)
		m.Blocks = nil
	}
	m.Inline = nil
	m.Next = nil
}

type queue struct {
	mu   sync.Mutex
	head *Message
	tail *Message
}

// SendQueues is the per-connection set of priority FIFOs plus the
// version counter that invalidates late producers.
type SendQueues struct {
	qs      [PriorityCount]queue
	version atomic.Uint32
	closed  atomic.Bool
}

// Version returns the current socket version. Producers capture it
// when they pick a connection and pass it back to Push.
func (s *SendQueues) Version() uint32 {
	return s.version.Load()
}

// SetClosed marks the socket state for Push rejection. It does not
// purge; Purge does.
func (s *SendQueues) SetClosed(closed bool) {
	s.closed.Store(closed)
}

// Push appends m at the tail of the priority FIFO. It fails with
// ErrStaleSession when the caller's observed version is no longer
// current or the socket is closed.
func (s *SendQueues) Push(m *Message, p Priority, version uint32) error {
	q := &s.qs[p]
	q.mu.Lock()
	if s.version.Load() != version || s.closed.Load() {
		q.mu.Unlock()
		return ErrStaleSession
	}
	m.Next = nil
	if q.head == nil {
		q.head = m
	} else {
		q.tail.Next = m
	}
	q.tail = m
	q.mu.Unlock()
	return nil
}

// InsertHead places m at the front of the priority FIFO. When the
// current head is mid-transmission it must not be displaced, so m is
// spliced in right after it instead.
func (s *SendQueues) InsertHead(m *Message, p Priority) {
	q := &s.qs[p]
	q.mu.Lock()
	switch {
	case q.head == nil:
		m.Next = nil
		q.head = m
		q.tail = m
	case q.head.BytesSent == 0:
		m.Next = q.head
		q.head = m
	default:
		m.Next = q.head.Next
		q.head.Next = m
		if m.Next == nil {
			q.tail = m
		}
	}
	q.mu.Unlock()
}

// View walks the FIFO under its lock. fn receives the head; it must
// not retain messages past the call or mutate linkage.
func (s *SendQueues) View(p Priority, fn func(head *Message)) {
	q := &s.qs[p]
	q.mu.Lock()
	fn(q.head)
	q.mu.Unlock()
}

// AdvanceHead removes the leading run of messages ending at lastDone,
// which the consumer has fully transmitted.
func (s *SendQueues) AdvanceHead(p Priority, lastDone *Message) {
	q := &s.qs[p]
	q.mu.Lock()
	q.head = lastDone.Next
	if q.head == nil {
		q.tail = nil
	}
	q.mu.Unlock()
}

// Purge drains every FIFO, bumping the version under each queue lock
// so producers holding the old version are rejected from then on.
// The drained messages are returned for the caller to account and
// release; drop counting happens outside the locks.
func (s *SendQueues) Purge() (dropped []*Message, bytes int64) {
	for p := 0; p < PriorityCount; p++ {
		q := &s.qs[p]
		q.mu.Lock()
		s.version.Add(1)
		for m := q.head; m != nil; {
			next := m.Next
			bytes += int64(m.WireLen())
			m.Next = nil
			dropped = append(dropped, m)
			m = next
		}
		q.head = nil
		q.tail = nil
		q.mu.Unlock()
	}
	return dropped, bytes
}

// Empty reports whether every FIFO is empty. Diagnostic only.
func (s *SendQueues) Empty() bool {
	for p := 0; p < PriorityCount; p++ {
		q := &s.qs[p]
		q.mu.Lock()
		empty := q.head == nil
		q.mu.Unlock()
		if !empty {
			return false
		}
	}
	return true
}
