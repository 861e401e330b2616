package outqueue

import (
	"errors"
	"testing"

	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

func newMsg(dataLen uint32) *Message {
	m := &Message{
		Header: wire.NewHeader(100, dataLen, wire.SessionID{IP: 1}, 1),
		Inline: make([]byte, dataLen),
	}
	m.Header.EncodeTo(m.HeaderBuf[:])
	return m
}

func collect(s *SendQueues, p Priority) []*Message {
	var out []*Message
	s.View(p, func(head *Message) {
		for m := head; m != nil; m = m.Next {
			out = append(out, m)
		}
	})
	return out
}

func TestPushOrder(t *testing.T) {
	var s SendQueues
	m1, m2, m3 := newMsg(8), newMsg(8), newMsg(8)

	v := s.Version()
	for _, m := range []*Message{m1, m2, m3} {
		if err := s.Push(m, PriorityMid, v); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	got := collect(&s, PriorityMid)
	if len(got) != 3 || got[0] != m1 || got[1] != m2 || got[2] != m3 {
		t.Fatalf("queue order wrong: %v", got)
	}
}

func TestPushStaleVersion(t *testing.T) {
	var s SendQueues
	v := s.Version()
	s.Purge() // bumps version per priority queue

	err := s.Push(newMsg(0), PriorityHigh, v)
	if !errors.Is(err, ErrStaleSession) {
		t.Fatalf("err = %v, want ErrStaleSession", err)
	}
}

func TestPushClosed(t *testing.T) {
	var s SendQueues
	s.SetClosed(true)
	err := s.Push(newMsg(0), PriorityHigh, s.Version())
	if !errors.Is(err, ErrStaleSession) {
		t.Fatalf("err = %v, want ErrStaleSession", err)
	}
}

func TestInsertHeadEmpty(t *testing.T) {
	var s SendQueues
	m := newMsg(0)
	s.InsertHead(m, PriorityHigh)

	got := collect(&s, PriorityHigh)
	if len(got) != 1 || got[0] != m {
		t.Fatalf("queue = %v, want [m]", got)
	}
}

func TestInsertHeadUntouchedHead(t *testing.T) {
	var s SendQueues
	m1 := newMsg(8)
	s.Push(m1, PriorityHigh, s.Version())

	ping := newMsg(0)
	s.InsertHead(ping, PriorityHigh)

	got := collect(&s, PriorityHigh)
	if len(got) != 2 || got[0] != ping || got[1] != m1 {
		t.Fatalf("untouched head must be displaced: %v", got)
	}
}

func TestInsertHeadPartialHead(t *testing.T) {
	var s SendQueues
	m1, m2 := newMsg(8), newMsg(8)
	v := s.Version()
	s.Push(m1, PriorityHigh, v)
	s.Push(m2, PriorityHigh, v)
	m1.BytesSent = 3 // in flight

	ping := newMsg(0)
	s.InsertHead(ping, PriorityHigh)

	got := collect(&s, PriorityHigh)
	if len(got) != 3 || got[0] != m1 || got[1] != ping || got[2] != m2 {
		t.Fatalf("partial head must stay first: %v", got)
	}
}

func TestInsertHeadPartialSingletonUpdatesTail(t *testing.T) {
	var s SendQueues
	m1 := newMsg(8)
	s.Push(m1, PriorityHigh, s.Version())
	m1.BytesSent = 1

	ping := newMsg(0)
	s.InsertHead(ping, PriorityHigh)

	// The new tail must be the ping; a later push links after it.
	m2 := newMsg(8)
	s.Push(m2, PriorityHigh, s.Version())

	got := collect(&s, PriorityHigh)
	if len(got) != 3 || got[0] != m1 || got[1] != ping || got[2] != m2 {
		t.Fatalf("tail not updated by splice: %v", got)
	}
}

func TestAdvanceHead(t *testing.T) {
	var s SendQueues
	m1, m2, m3 := newMsg(8), newMsg(8), newMsg(8)
	v := s.Version()
	s.Push(m1, PriorityLow, v)
	s.Push(m2, PriorityLow, v)
	s.Push(m3, PriorityLow, v)

	s.AdvanceHead(PriorityLow, m2)
	got := collect(&s, PriorityLow)
	if len(got) != 1 || got[0] != m3 {
		t.Fatalf("queue after advance = %v, want [m3]", got)
	}

	s.AdvanceHead(PriorityLow, m3)
	if !s.Empty() {
		t.Fatalf("queue not empty after advancing past tail")
	}

	// head == nil must imply tail == nil: a push after full drain
	// must not panic or misorder.
	m4 := newMsg(8)
	if err := s.Push(m4, PriorityLow, s.Version()); err != nil {
		t.Fatalf("Push after drain: %v", err)
	}
	got = collect(&s, PriorityLow)
	if len(got) != 1 || got[0] != m4 {
		t.Fatalf("queue after drain push = %v, want [m4]", got)
	}
}

func TestPurge(t *testing.T) {
	var s SendQueues
	v := s.Version()
	s.Push(newMsg(8), PriorityHigh, v)
	s.Push(newMsg(16), PriorityLow, v)

	dropped, bytes := s.Purge()
	if len(dropped) != 2 {
		t.Fatalf("dropped = %d, want 2", len(dropped))
	}
	wantBytes := int64(2*wire.MsgHeaderLength + 8 + 16)
	if bytes != wantBytes {
		t.Fatalf("bytes = %d, want %d", bytes, wantBytes)
	}
	if !s.Empty() {
		t.Fatalf("queues not empty after purge")
	}
	if s.Version() == v {
		t.Fatalf("version not bumped by purge")
	}
}
