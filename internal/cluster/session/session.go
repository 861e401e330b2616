// Package session implements the response-session collaborator of the
// transport: a concurrent table mapping wire session ids to the party
// waiting for the response, and a per-session inbox for messages that
// are consumed asynchronously instead of through the synchronous
// callback.
package session

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
	"github.com/yndnr/clustermesh-go/pkg/cmap"
)

// ErrNotFound reports a lookup for a session id nobody registered.
// The transport drops such messages.
var ErrNotFound = errors.New("session: not found")

// InMessage is one received frame parked in a session inbox.
type InMessage struct {
	Header  wire.MsgHeader
	Blocks  *iobuf.Block
	DataLen int
	Next    *InMessage
}

// Entry is one registered response session.
type Entry struct {
	ID       wire.SessionID
	UserData any

	// CallFunc selects synchronous delivery through the runtime's
	// message handler; false parks messages in the inbox.
	CallFunc bool

	tbl *Table

	mu      sync.Mutex
	inHead  *InMessage
	inTail  *InMessage
	pending int
}

// Table is the session registry, sharded for concurrent resolution
// from all transport workers. It aggregates inbox dequeue counters
// for the stats tick, since consumers drain inboxes away from any
// worker context.
type Table struct {
	m *cmap.Map[*Entry]

	deqCount atomic.Int64
	deqBytes atomic.Int64
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{m: cmap.New[*Entry]()}
}

func key(sid wire.SessionID) string {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], sid.IP)
	binary.LittleEndian.PutUint32(b[4:], sid.Timestamp)
	binary.LittleEndian.PutUint64(b[8:], sid.Seq)
	return string(b[:])
}

// Register adds a session expecting a response. The existing entry is
// returned when the id is already present.
func (t *Table) Register(sid wire.SessionID, userData any, callFunc bool) *Entry {
	e := &Entry{ID: sid, UserData: userData, CallFunc: callFunc, tbl: t}
	actual, _ := t.m.GetOrSet(key(sid), e)
	return actual
}

// GetResponse resolves the session a received header belongs to.
// Messages whose msg_seq carries the no-session sentinel never reach
// here; the transport handles them inline.
func (t *Table) GetResponse(h *wire.MsgHeader) (*Entry, error) {
	e, ok := t.m.Get(key(h.SessionID))
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Remove deletes a session, reporting whether it existed.
func (t *Table) Remove(sid wire.SessionID) bool {
	return t.m.Delete(key(sid))
}

// Count returns the number of registered sessions.
func (t *Table) Count() int {
	return t.m.Count()
}

// DequeueStats returns the cumulative inbox dequeue counters.
func (t *Table) DequeueStats() (count, bytes int64) {
	return t.deqCount.Load(), t.deqBytes.Load()
}

// PushIn parks a received message in the entry's inbox.
func (e *Entry) PushIn(h *wire.MsgHeader, blocks *iobuf.Block, dataLen int) {
	msg := &InMessage{Header: *h, Blocks: blocks, DataLen: dataLen}
	e.mu.Lock()
	if e.inHead == nil {
		e.inHead = msg
	} else {
		e.inTail.Next = msg
	}
	e.inTail = msg
	e.pending++
	e.mu.Unlock()
}

// PopIn removes and returns the oldest parked message, or nil. The
// caller owns the message's block chain.
func (e *Entry) PopIn() *InMessage {
	e.mu.Lock()
	msg := e.inHead
	if msg == nil {
		e.mu.Unlock()
		return nil
	}
	e.inHead = msg.Next
	if e.inHead == nil {
		e.inTail = nil
	}
	msg.Next = nil
	e.pending--
	e.mu.Unlock()

	if e.tbl != nil {
		e.tbl.deqCount.Add(1)
		e.tbl.deqBytes.Add(int64(msg.DataLen))
	}
	return msg
}

// Pending returns the number of parked messages.
func (e *Entry) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}
