package nio

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/machine"
	"github.com/yndnr/clustermesh-go/internal/cluster/session"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

const testSelfIP = 0x7f000001

type testEnv struct {
	engine   *Engine
	registry *machine.Registry
	sessions *session.Table
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = 64 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reg := machine.NewRegistry(cfg.Logger)
	reg.SetSelf(testSelfIP)
	sessions := session.NewTable()
	pacing := &Pacing{}
	pacing.SendWaitTime.Store(int64(time.Millisecond))

	e, err := NewEngine(cfg, reg, sessions, pacing)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Stop) // no workers started; closes pollers
	return &testEnv{engine: e, registry: reg, sessions: sessions}
}

// newSockPair wires a socket context to one end of a socketpair and
// returns the peer descriptor for the test to read and write.
func (env *testEnv) newSockPair(t *testing.T) (*SockContext, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}

	m := env.registry.Add(0x0a000002, "10.0.0.2", 5380)
	c := NewSockContext(ConnectTypeClient, env.engine.WorkerAt(0))
	c.Sock = fds[0]
	c.Machine = m
	c.reader.buffer = iobuf.NewBuffer(env.engine.cfg.ReadBufferSize)

	t.Cleanup(func() {
		if c.Sock >= 0 {
			unix.Close(c.Sock)
		}
		unix.Close(fds[1])
	})
	return c, fds[1]
}

// shutdownPeer half-closes the peer side so the context observes EOF
// while the descriptor stays valid for cleanup.
func shutdownPeer(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// drainPeer reads everything currently buffered on the peer side.
func drainPeer(t *testing.T, fd int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || n == 0 {
			return out
		}
		if err != nil {
			t.Fatalf("peer read: %v", err)
		}
		out = append(out, buf[:n]...)
	}
}

// writeAllToPeer pushes bytes into the socket the context reads from.
func writeAllToPeer(t *testing.T, fd int, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("peer write: %v", err)
		}
		data = data[n:]
	}
}

// writeAllToPeerAsync is safe to run from a background goroutine: it
// reports failures via t.Errorf rather than t.Fatalf, since FailNow
// must only be called from the test's own goroutine.
func writeAllToPeerAsync(t *testing.T, fd int, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Errorf("peer write: %v", err)
			return
		}
		data = data[n:]
	}
}

// decodeFrames splits a raw byte stream into (header, body) frames.
func decodeFrames(t *testing.T, raw []byte) []struct {
	Header wire.MsgHeader
	Body   []byte
} {
	t.Helper()
	var frames []struct {
		Header wire.MsgHeader
		Body   []byte
	}
	for len(raw) > 0 {
		if len(raw) < wire.MsgHeaderLength {
			t.Fatalf("trailing garbage of %d bytes", len(raw))
		}
		h, err := wire.ParseHeader(raw, true)
		if err != nil {
			t.Fatalf("ParseHeader: %v", err)
		}
		if len(raw) < h.FrameLen() {
			t.Fatalf("truncated frame: have %d, want %d", len(raw), h.FrameLen())
		}
		body := raw[wire.MsgHeaderLength : wire.MsgHeaderLength+int(h.DataLen)]
		frames = append(frames, struct {
			Header wire.MsgHeader
			Body   []byte
		}{h, body})
		raw = raw[h.FrameLen():]
	}
	return frames
}

type captured struct {
	sid     wire.SessionID
	funcID  int32
	body    []byte
	dataLen int
}

type captureHandler struct {
	ch chan captured
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{ch: make(chan captured, 16)}
}

func (h *captureHandler) DealMessage(sid wire.SessionID, userData any, funcID int32, blocks *iobuf.Block, dataLen int) {
	body := iobuf.CopyChain(blocks)
	iobuf.ReleaseChain(blocks)
	h.ch <- captured{sid: sid, funcID: funcID, body: body, dataLen: dataLen}
}

func (h *captureHandler) wait(t *testing.T) captured {
	t.Helper()
	select {
	case c := <-h.ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no message dispatched")
		return captured{}
	}
}
