package nio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yndnr/clustermesh-go/internal/cluster/epoll"
	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/machine"
	"github.com/yndnr/clustermesh-go/internal/cluster/outqueue"
	"github.com/yndnr/clustermesh-go/internal/cluster/session"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// MessageHandler receives inbound application messages whose session
// asked for synchronous delivery. Invoked serially from the socket's
// owning worker; the handler owns blocks and must release them.
type MessageHandler interface {
	DealMessage(sid wire.SessionID, userData any, funcID int32, blocks *iobuf.Block, dataLen int)
}

// CloseHook runs at the end of a socket's close path, after the local
// worker state is torn down. The connection controller uses it to
// unlink the context from the machine table and schedule reconnection
// or freelist return.
type CloseHook func(*SockContext)

// Config carries the engine tunables. Zero values select defaults.
type Config struct {
	Workers              int
	ReadBufferSize       int
	SendBufferSize       int
	ReceiveBufferSize    int
	PingSendInterval     time.Duration
	PingLatencyThreshold time.Duration
	PingRetries          int
	CheckMagic           bool
	Logger               *slog.Logger
}

// Engine owns the worker set and everything the socket handlers need:
// pacing knobs, the session table, membership, and the injected
// dispatch and close callbacks.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	workers  []*Worker
	pacing   *Pacing
	sessions *session.Table
	registry *machine.Registry

	handler MessageHandler
	onClose CloseHook

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewEngine creates the workers and their pollers without starting
// the loops.
func NewEngine(cfg Config, registry *machine.Registry, sessions *session.Table, pacing *Pacing) (*Engine, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 2 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		logger:   cfg.Logger,
		pacing:   pacing,
		sessions: sessions,
		registry: registry,
	}
	for i := 0; i < cfg.Workers; i++ {
		p, err := epoll.New(1024, 1)
		if err != nil {
			return nil, fmt.Errorf("create worker poller: %w", err)
		}
		e.workers = append(e.workers, &Worker{index: i, poll: p, engine: e})
	}
	return e, nil
}

// SetHandler injects the synchronous message handler. Must be called
// before Start.
func (e *Engine) SetHandler(h MessageHandler) {
	e.handler = h
}

// SetCloseHook injects the controller-side close continuation. Must be
// called before Start.
func (e *Engine) SetCloseHook(fn CloseHook) {
	e.onClose = fn
}

// WorkerAt returns worker i, used for deterministic socket
// partitioning at pool-creation time.
func (e *Engine) WorkerAt(i int) *Worker {
	return e.workers[i%len(e.workers)]
}

// Workers returns the number of workers.
func (e *Engine) Workers() int {
	return len(e.workers)
}

// Start launches every worker loop.
func (e *Engine) Start() {
	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *Worker) {
			defer e.wg.Done()
			w.run()
		}(w)
	}
}

// Stop signals the loops and waits for them to exit. Sockets still
// active are not closed.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	e.wg.Wait()
	for _, w := range e.workers {
		w.poll.Close()
	}
}

// SumStats adds every worker's counters into one snapshot.
func (e *Engine) SumStats() StatsSnapshot {
	var sum StatsSnapshot
	for _, w := range e.workers {
		w.stats.Sum(&sum)
	}
	return sum
}

// AddToEpoll activates a freshly handed-off socket on its owning
// worker: queues reset, pacing cursors armed, reassembly state
// initialized, socket buffers applied, poller attached.
func (e *Engine) AddToEpoll(c *SockContext) error {
	c.connectedTime = nowNS()
	c.Queues.SetClosed(false)
	e.purgeQueues(c, true)

	c.queueIndex = 0
	c.pingStartTime = 0
	c.pingFailCount = 0
	now := nowNS()
	c.nextWriteTime = now + e.pacing.SendWaitTime.Load()
	c.nextPingTime = now + int64(e.cfg.PingSendInterval)

	c.reader.buffer = iobuf.NewBuffer(e.cfg.ReadBufferSize)
	c.reader.current = 0
	c.reader.msgHeader = 0
	c.reader.blocks = nil
	c.reader.recvBodyBytes = 0

	e.setSocketBufferSizes(c.Sock)

	if err := c.Worker.poll.Attach(c.Sock, epoll.Read, c); err != nil {
		return fmt.Errorf("worker poll attach: %w", err)
	}
	c.Worker.addActive(c)
	return nil
}

func (e *Engine) setSocketBufferSizes(fd int) {
	if e.cfg.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, e.cfg.SendBufferSize); err != nil {
			e.logger.Error("set SO_SNDBUF failed", "error", err)
		}
	}
	if e.cfg.ReceiveBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, e.cfg.ReceiveBufferSize); err != nil {
			e.logger.Error("set SO_RCVBUF failed", "error", err)
		}
	}
}

// purgeQueues drains the send queues, bumping the enqueue version and
// accounting the dropped messages against the owning worker.
func (e *Engine) purgeQueues(c *SockContext, warning bool) {
	dropped, bytes := c.Queues.Purge()
	if len(dropped) == 0 {
		return
	}
	for _, m := range dropped {
		m.Release()
	}
	msg := "released queued messages on socket reset"
	if warning {
		e.logger.Warn(msg, "peer", c.Machine.Addr(), "count", len(dropped))
	} else {
		e.logger.Debug(msg, "peer", c.Machine.Addr(), "count", len(dropped))
	}
	c.Worker.stats.DropMsgCount.Add(int64(len(dropped)))
	c.Worker.stats.DropBytes.Add(bytes)
}

// closeSocket tears a socket down from its worker: poller detach,
// descriptor close, queue purge with version bump, reassembly release,
// then the controller continuation.
func (e *Engine) closeSocket(c *SockContext) {
	if err := c.Worker.poll.Detach(c.Sock); err != nil {
		e.logger.Error("worker poll detach failed", "fd", c.Sock, "error", err)
	}
	unix.Close(c.Sock)
	c.Sock = -1
	c.Queues.SetClosed(true)

	c.Worker.removeActive(c)

	iobuf.ReleaseChain(c.reader.blocks)
	c.reader.blocks = nil
	c.reader.buffer.Release()
	c.reader.buffer = nil

	e.purgeQueues(c, false)

	if e.onClose != nil {
		e.onClose(c)
	}
}

// Push appends an outbound message against the version its producer
// observed, updating the push or fail counters.
func (e *Engine) Push(c *SockContext, m *outqueue.Message, p outqueue.Priority, version uint32) error {
	m.InQueueTime = nowNS()
	if err := c.Queues.Push(m, p, version); err != nil {
		c.Worker.stats.FailMsgCount.Add(1)
		c.Worker.stats.FailMsgBytes.Add(int64(m.WireLen()))
		return err
	}
	c.Worker.stats.PushMsgCount.Add(1)
	c.Worker.stats.PushMsgBytes.Add(int64(m.WireLen()))
	return nil
}

// insertHead enqueues a control message at the queue front. Owner
// worker only; the batcher's completion walk relies on the head not
// changing underneath it from other threads.
func (e *Engine) insertHead(c *SockContext, m *outqueue.Message, p outqueue.Priority) {
	m.InQueueTime = nowNS()
	c.Queues.InsertHead(m, p)
	c.Worker.stats.PushMsgCount.Add(1)
	c.Worker.stats.PushMsgBytes.Add(int64(m.WireLen()))
}

// NewMessage builds an outbound message with an encoded header.
func NewMessage(funcID int32, sid wire.SessionID, msgSeq uint32, blocks *iobuf.Block, inline []byte) *outqueue.Message {
	var dataLen int
	if blocks != nil {
		dataLen = iobuf.ChainLen(blocks)
	} else {
		dataLen = len(inline)
	}
	m := &outqueue.Message{
		Header: wire.NewHeader(funcID, uint32(dataLen), sid, msgSeq),
		Blocks: blocks,
		Inline: inline,
	}
	m.Header.EncodeTo(m.HeaderBuf[:])
	return m
}
