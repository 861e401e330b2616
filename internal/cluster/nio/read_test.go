package nio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/yndnr/clustermesh-go/internal/cluster/outqueue"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// encodeFrame builds a complete wire frame with zero padding.
func encodeFrame(funcID int32, sid wire.SessionID, msgSeq uint32, payload []byte) []byte {
	h := wire.NewHeader(funcID, uint32(len(payload)), sid, msgSeq)
	buf := make([]byte, h.FrameLen())
	h.EncodeTo(buf)
	copy(buf[wire.MsgHeaderLength:], payload)
	return buf
}

func readUntilBlocked(t *testing.T, c *SockContext) {
	t.Helper()
	for {
		err := c.dealReadEvent()
		if err == nil {
			continue
		}
		if errors.Is(err, errAgain) {
			return
		}
		t.Fatalf("dealReadEvent: %v", err)
	}
}

func TestDealReadDispatchesCallback(t *testing.T) {
	handler := newCaptureHandler()
	env := newTestEnv(t, Config{CheckMagic: true})
	env.engine.SetHandler(handler)
	c, peer := env.newSockPair(t)

	sid := testSessionID(10)
	env.sessions.Register(sid, "ud", true)

	payload := []byte("application payload")
	writeAllToPeer(t, peer, encodeFrame(200, sid, 5, payload))

	readUntilBlocked(t, c)

	got := handler.wait(t)
	if got.funcID != 200 || got.sid != sid || got.dataLen != len(payload) {
		t.Fatalf("dispatch mismatch: %+v", got)
	}
	if !bytes.Equal(got.body, payload) {
		t.Fatalf("body = %q, want %q", got.body, payload)
	}
	if n := c.Worker.stats.RecvMsgCount.Load(); n != 1 {
		t.Fatalf("RecvMsgCount = %d, want 1", n)
	}
}

func TestDealReadMultipleFramesOneBuffer(t *testing.T) {
	handler := newCaptureHandler()
	env := newTestEnv(t, Config{})
	env.engine.SetHandler(handler)
	c, peer := env.newSockPair(t)

	// Application func ids 101..103; 1..4 are the transport's own
	// hello and ping ids, which never reach the handler.
	var stream []byte
	for i := uint64(1); i <= 3; i++ {
		sid := testSessionID(i)
		env.sessions.Register(sid, nil, true)
		stream = append(stream, encodeFrame(100+int32(i), sid, uint32(i), []byte{byte(i)})...)
	}
	writeAllToPeer(t, peer, stream)

	readUntilBlocked(t, c)

	for i := int32(101); i <= 103; i++ {
		got := handler.wait(t)
		if got.funcID != i {
			t.Fatalf("frame %d funcID = %d", i, got.funcID)
		}
	}
}

func TestDealReadUnknownSessionDropped(t *testing.T) {
	handler := newCaptureHandler()
	env := newTestEnv(t, Config{})
	env.engine.SetHandler(handler)
	c, peer := env.newSockPair(t)

	writeAllToPeer(t, peer, encodeFrame(77, testSessionID(999), 1, []byte("junk")))
	readUntilBlocked(t, c)

	select {
	case got := <-handler.ch:
		t.Fatalf("message for unknown session dispatched: %+v", got)
	default:
	}
}

func TestDealReadInboxPath(t *testing.T) {
	env := newTestEnv(t, Config{})
	c, peer := env.newSockPair(t)

	sid := testSessionID(11)
	entry := env.sessions.Register(sid, nil, false)

	payload := []byte("parked")
	writeAllToPeer(t, peer, encodeFrame(300, sid, 2, payload))
	readUntilBlocked(t, c)

	msg := entry.PopIn()
	if msg == nil {
		t.Fatalf("inbox empty")
	}
	if msg.Header.FuncID != 300 || msg.DataLen != len(payload) {
		t.Fatalf("inbox message mismatch: %+v", msg)
	}
	if n := c.Worker.stats.EnqueueInMsgCount.Load(); n != 1 {
		t.Fatalf("EnqueueInMsgCount = %d, want 1", n)
	}
}

func TestDealReadPingRequestAnswered(t *testing.T) {
	env := newTestEnv(t, Config{})
	c, peer := env.newSockPair(t)

	reqSID := wire.SessionID{IP: 0x0a000002, Timestamp: uint32(nowNS() / 1e9), Seq: 0}
	ping := encodeFrame(wire.FuncPingRequest, reqSID, wire.NoSessionMsgSeq, nil)
	writeAllToPeer(t, peer, ping)

	readUntilBlocked(t, c)
	flushAll(t, c)

	frames := decodeFrames(t, drainPeer(t, peer))
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	resp := frames[0].Header
	if resp.FuncID != wire.FuncPingResponse {
		t.Fatalf("FuncID = %d, want ping response", resp.FuncID)
	}
	if resp.SessionID != reqSID {
		t.Fatalf("session id not echoed: %+v", resp.SessionID)
	}
	if resp.DataLen != 0 {
		t.Fatalf("ping response DataLen = %d, want 0", resp.DataLen)
	}
}

func TestDealReadPingResponseAccounting(t *testing.T) {
	env := newTestEnv(t, Config{PingLatencyThreshold: 0x7fffffffffffffff})
	c, peer := env.newSockPair(t)

	c.pingStartTime = nowNS() - int64(1e6)
	c.pingFailCount = 2

	respSID := wire.SessionID{IP: testSelfIP, Timestamp: 1, Seq: 0}
	writeAllToPeer(t, peer, encodeFrame(wire.FuncPingResponse, respSID, wire.NoSessionMsgSeq, nil))
	readUntilBlocked(t, c)

	if c.pingStartTime != 0 {
		t.Fatalf("pingStartTime not cleared")
	}
	if c.pingFailCount != 0 {
		t.Fatalf("pingFailCount = %d, want 0", c.pingFailCount)
	}
	if n := c.Worker.stats.PingSuccessCount.Load(); n != 1 {
		t.Fatalf("PingSuccessCount = %d, want 1", n)
	}
	if n := c.Worker.stats.PingTimeUsed.Load(); n <= 0 {
		t.Fatalf("PingTimeUsed = %d, want > 0", n)
	}
}

func TestDealReadReassemblyAcrossBuffers(t *testing.T) {
	handler := newCaptureHandler()
	env := newTestEnv(t, Config{ReadBufferSize: 4096})
	env.engine.SetHandler(handler)
	c, peer := env.newSockPair(t)

	sid := testSessionID(20)
	env.sessions.Register(sid, nil, true)

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := encodeFrame(400, sid, 3, payload)

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeAllToPeerAsync(t, peer, frame)
	}()

	deadline := nowNS() + int64(5e9)
	var got captured
waiting:
	for {
		readUntilBlocked(t, c)
		select {
		case got = <-handler.ch:
			break waiting
		default:
		}
		if nowNS() > deadline {
			t.Fatalf("frame never dispatched")
		}
	}
	<-done

	if got.dataLen != len(payload) {
		t.Fatalf("dataLen = %d, want %d", got.dataLen, len(payload))
	}
	if !bytes.Equal(got.body, payload) {
		t.Fatalf("reassembled body mismatch")
	}
}

func TestDealReadOversizedFrameRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	c, peer := env.newSockPair(t)

	h := wire.NewHeader(1, 16, wire.SessionID{}, 1)
	h.AlignedDataLen = wire.MaxMsgLength + 8
	var buf [wire.MsgHeaderLength]byte
	h.EncodeTo(buf[:])
	writeAllToPeer(t, peer, buf[:])

	var err error
	for {
		err = c.dealReadEvent()
		if err != nil {
			break
		}
	}
	if !errors.Is(err, wire.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDealReadOversizedNegativeFuncRejected(t *testing.T) {
	env := newTestEnv(t, Config{ReadBufferSize: 4096})
	c, peer := env.newSockPair(t)

	// A negative func id promises single-buffer delivery, but the
	// frame cannot fit a 4 KiB receive buffer.
	payload := make([]byte, 8000)
	frame := encodeFrame(-5, testSessionID(30), 1, payload)

	go writeAllToPeerAsync(t, peer, frame)

	var err error
	deadline := nowNS() + int64(5e9)
	for {
		err = c.dealReadEvent()
		if err != nil && !errors.Is(err, errAgain) {
			break
		}
		if nowNS() > deadline {
			t.Fatalf("oversized frame never rejected")
		}
	}
	if !errors.Is(err, wire.ErrOversizedSingleBufferFrame) {
		t.Fatalf("err = %v, want ErrOversizedSingleBufferFrame", err)
	}
}

func TestDealReadBadMagicRejected(t *testing.T) {
	env := newTestEnv(t, Config{CheckMagic: true})
	c, peer := env.newSockPair(t)

	frame := encodeFrame(1, testSessionID(1), 1, nil)
	frame[0] ^= 0xff
	writeAllToPeer(t, peer, frame)

	var err error
	for {
		err = c.dealReadEvent()
		if err != nil {
			break
		}
	}
	if !errors.Is(err, wire.ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestDealReadPeerCloseIsReset(t *testing.T) {
	env := newTestEnv(t, Config{})
	c, peer := env.newSockPair(t)

	writeAllToPeer(t, peer, encodeFrame(wire.FuncPingRequest, testSessionID(0), wire.NoSessionMsgSeq, nil))
	readUntilBlocked(t, c)

	// Peer goes away: the next read reports connection reset.
	if err := shutdownPeer(peer); err != nil {
		t.Fatalf("close peer: %v", err)
	}
	var err error
	for {
		err = c.dealReadEvent()
		if err != nil {
			break
		}
	}
	if !errors.Is(err, errConnReset) {
		t.Fatalf("err = %v, want errConnReset", err)
	}

	// Late enqueues against the closed socket are refused once the
	// close path runs.
	c.Queues.SetClosed(true)
	m := NewMessage(1, testSessionID(1), 1, nil, nil)
	if err := env.engine.Push(c, m, outqueue.PriorityHigh, c.Version()); !errors.Is(err, outqueue.ErrStaleSession) {
		t.Fatalf("Push after close = %v, want ErrStaleSession", err)
	}
}
