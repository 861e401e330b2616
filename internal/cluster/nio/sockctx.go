package nio

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/machine"
	"github.com/yndnr/clustermesh-go/internal/cluster/outqueue"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// Writev batching geometry.
const (
	// WritevArraySize caps the iovec slots of one writev call.
	WritevArraySize = 128
	// WritevItemOnce caps the messages combined into one writev call.
	WritevItemOnce = 64
	// WriteMaxCombineBytes caps the bytes combined into one writev call.
	WriteMaxCombineBytes = 1 << 20

	// compactThreshold is the remaining-buffer size below which the
	// reassembler moves a partial frame into a fresh buffer.
	compactThreshold = 4 * 1024
)

// Transient IO conditions, consumed by the worker loops. Anything else
// returned by the socket handlers takes the close path.
var (
	errAgain     = errors.New("nio: io would block")
	errConnReset = errors.New("nio: connection reset by peer")
)

// ConnectType distinguishes which side originated the connection.
type ConnectType byte

const (
	ConnectTypeClient ConnectType = 'C'
	ConnectTypeServer ConnectType = 'S'
)

// Stats is one worker's counter set. Counters are summed across
// workers once per second by the stats aggregator; producers touch
// only the push/fail pair, everything else is owner-written.
type Stats struct {
	SendMsgCount      atomic.Int64
	DropMsgCount      atomic.Int64
	SendBytes         atomic.Int64
	DropBytes         atomic.Int64
	RecvMsgCount      atomic.Int64
	RecvBytes         atomic.Int64
	EnqueueInMsgCount atomic.Int64
	EnqueueInMsgBytes atomic.Int64
	DequeueInMsgCount atomic.Int64
	DequeueInMsgBytes atomic.Int64
	CallWritevCount   atomic.Int64
	CallReadCount     atomic.Int64
	SendRetryCount    atomic.Int64
	EpollWaitCount    atomic.Int64
	EpollWaitTimeUsed atomic.Int64
	LoopUsleepCount   atomic.Int64
	LoopUsleepTime    atomic.Int64
	PingTotalCount    atomic.Int64
	PingSuccessCount  atomic.Int64
	PingTimeUsed      atomic.Int64
	SendDelayedTime   atomic.Int64
	PushMsgCount      atomic.Int64
	PushMsgBytes      atomic.Int64
	FailMsgCount      atomic.Int64
	FailMsgBytes      atomic.Int64
}

// Sum adds this worker's counters into out.
func (s *Stats) Sum(out *StatsSnapshot) {
	out.SendMsgCount += s.SendMsgCount.Load()
	out.DropMsgCount += s.DropMsgCount.Load()
	out.SendBytes += s.SendBytes.Load()
	out.DropBytes += s.DropBytes.Load()
	out.RecvMsgCount += s.RecvMsgCount.Load()
	out.RecvBytes += s.RecvBytes.Load()
	out.EnqueueInMsgCount += s.EnqueueInMsgCount.Load()
	out.EnqueueInMsgBytes += s.EnqueueInMsgBytes.Load()
	out.DequeueInMsgCount += s.DequeueInMsgCount.Load()
	out.DequeueInMsgBytes += s.DequeueInMsgBytes.Load()
	out.CallWritevCount += s.CallWritevCount.Load()
	out.CallReadCount += s.CallReadCount.Load()
	out.SendRetryCount += s.SendRetryCount.Load()
	out.EpollWaitCount += s.EpollWaitCount.Load()
	out.EpollWaitTimeUsed += s.EpollWaitTimeUsed.Load()
	out.LoopUsleepCount += s.LoopUsleepCount.Load()
	out.LoopUsleepTime += s.LoopUsleepTime.Load()
	out.PingTotalCount += s.PingTotalCount.Load()
	out.PingSuccessCount += s.PingSuccessCount.Load()
	out.PingTimeUsed += s.PingTimeUsed.Load()
	out.SendDelayedTime += s.SendDelayedTime.Load()
	out.PushMsgCount += s.PushMsgCount.Load()
	out.PushMsgBytes += s.PushMsgBytes.Load()
	out.FailMsgCount += s.FailMsgCount.Load()
	out.FailMsgBytes += s.FailMsgBytes.Load()
}

// StatsSnapshot is the plain summed form of Stats.
type StatsSnapshot struct {
	SendMsgCount, DropMsgCount, SendBytes, DropBytes          int64
	RecvMsgCount, RecvBytes                                   int64
	EnqueueInMsgCount, EnqueueInMsgBytes                      int64
	DequeueInMsgCount, DequeueInMsgBytes                      int64
	CallWritevCount, CallReadCount, SendRetryCount            int64
	EpollWaitCount, EpollWaitTimeUsed                         int64
	LoopUsleepCount, LoopUsleepTime                           int64
	PingTotalCount, PingSuccessCount, PingTimeUsed            int64
	SendDelayedTime, PushMsgCount, PushMsgBytes               int64
	FailMsgCount, FailMsgBytes                                int64
}

// Pacing is the single-writer many-reader pair of knobs the governor
// recomputes once per second and every worker reads on every
// scheduling decision. Approximate values are acceptable.
type Pacing struct {
	// SendWaitTime is the per-socket write backoff after EAGAIN, ns.
	SendWaitTime atomic.Int64
	// IOLoopInterval is the worker tick length, µs.
	IOLoopInterval atomic.Int64
}

// reader is the per-socket inbound reassembly state. Owned by the
// socket's worker; never touched by anyone else.
type reader struct {
	buffer *iobuf.Buffer
	// current is the write offset of the next socket read.
	current int
	// msgHeader is the offset of the in-progress frame header inside
	// buffer. Only meaningful while blocks == nil.
	msgHeader int
	// blocks chains the completed body segments of a frame spanning
	// multiple buffers.
	blocks *iobuf.Block
	// recvBodyBytes counts body bytes accumulated in earlier buffers;
	// always a multiple of wire.AlignBytes at buffer transitions.
	recvBodyBytes int
	// hdr is the parsed header of the in-progress multi-buffer frame,
	// stashed because the bytes it came from live in an earlier buffer.
	hdr wire.MsgHeader
}

// SockContext is the long-lived per-connection state. It moves between
// the machine freelists, the connection controller, and exactly one
// worker's active set.
type SockContext struct {
	// Sock is the socket descriptor, -1 when closed. Written by the
	// controller before handoff and by the owning worker on close.
	Sock int

	Machine *machine.Machine
	Type    ConnectType
	Worker  *Worker

	// Queues are the producer-facing priority FIFOs.
	Queues outqueue.SendQueues

	reader reader

	// queueIndex is the priority whose head message stopped
	// mid-transmission; the next write batch resumes there.
	queueIndex outqueue.Priority

	nextWriteTime int64
	nextPingTime  int64
	pingStartTime int64
	pingFailCount int
	connectedTime int64

	// padding is the scratch area alignment bytes are written from.
	padding [wire.AlignBytes]byte
}

// NewSockContext creates a context bound to its owning worker for the
// lifetime of the pool.
func NewSockContext(t ConnectType, w *Worker) *SockContext {
	return &SockContext{Sock: -1, Type: t, Worker: w}
}

// Version returns the enqueue version producers must capture together
// with the context.
func (c *SockContext) Version() uint32 {
	return c.Queues.Version()
}

// ConnectedSince returns when the handshake completed, zero before.
func (c *SockContext) ConnectedSince() time.Time {
	if c.connectedTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, c.connectedTime)
}

func nowNS() int64 {
	return time.Now().UnixNano()
}
