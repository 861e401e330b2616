package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yndnr/clustermesh-go/internal/cluster/connection"
	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/machine"
	"github.com/yndnr/clustermesh-go/internal/cluster/nio"
	"github.com/yndnr/clustermesh-go/internal/cluster/outqueue"
	"github.com/yndnr/clustermesh-go/internal/cluster/session"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
	"github.com/yndnr/clustermesh-go/internal/telemetry/metric"
)

// ErrNoConnection reports that no connection to the machine is
// currently up.
var ErrNoConnection = errors.New("cluster: no connection to machine")

// Config carries everything the runtime needs. Durations and sizes
// mirror the node configuration; Handler is the injected synchronous
// message sink.
type Config struct {
	SelfIP   string
	BindAddr string
	Port     int

	Threads     int
	Connections int
	MaxMachines int

	ConnectTimeout       time.Duration
	PingSendInterval     time.Duration
	PingLatencyThreshold time.Duration
	PingRetries          int

	// Pacing bounds, microseconds and bits per second.
	SendMinWaitTime int64
	SendMaxWaitTime int64
	MinLoopInterval int64
	MaxLoopInterval int64
	FlowCtrlMinBps  int64
	FlowCtrlMaxBps  int64

	SendBufferSize    int
	ReceiveBufferSize int
	ReadBufferSize    int
	CheckMagic        bool

	Logger  *slog.Logger
	Handler nio.MessageHandler
	Metrics *metric.Registry
}

// Runtime is the assembled transport core.
type Runtime struct {
	cfg      Config
	logger   *slog.Logger
	registry *machine.Registry
	sessions *session.Table
	pacing   *nio.Pacing
	engine   *nio.Engine
	ctrl     *connection.Controller
	gov      *governor
	metrics  *metric.Registry

	selfIP uint32
	seq    atomic.Uint64
}

// New constructs a runtime: membership with self registered, session
// table, worker engine, connection controller and pacing governor.
// Nothing runs until Start.
func New(cfg Config) (*Runtime, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	selfIP := machine.ParseIPv4(cfg.SelfIP)
	if selfIP == 0 {
		return nil, fmt.Errorf("cluster: invalid self ip %q", cfg.SelfIP)
	}

	r := &Runtime{
		cfg:     cfg,
		logger:  cfg.Logger,
		selfIP:  selfIP,
		pacing:  &nio.Pacing{},
		metrics: cfg.Metrics,
	}

	r.registry = machine.NewRegistry(cfg.Logger)
	r.registry.SetSelf(selfIP)
	r.registry.Add(selfIP, cfg.SelfIP, cfg.Port)

	r.sessions = session.NewTable()

	engine, err := nio.NewEngine(nio.Config{
		Workers:              cfg.Threads,
		ReadBufferSize:       cfg.ReadBufferSize,
		SendBufferSize:       cfg.SendBufferSize,
		ReceiveBufferSize:    cfg.ReceiveBufferSize,
		PingSendInterval:     cfg.PingSendInterval,
		PingLatencyThreshold: cfg.PingLatencyThreshold,
		PingRetries:          cfg.PingRetries,
		CheckMagic:           cfg.CheckMagic,
		Logger:               cfg.Logger,
	}, r.registry, r.sessions, r.pacing)
	if err != nil {
		return nil, err
	}
	engine.SetHandler(cfg.Handler)
	r.engine = engine

	ctrl, err := connection.New(connection.Config{
		Port:                  cfg.Port,
		BindAddr:              cfg.BindAddr,
		ConnectTimeout:        cfg.ConnectTimeout,
		ConnectionsPerMachine: cfg.Connections,
		MaxMachines:           cfg.MaxMachines,
		CheckMagic:            cfg.CheckMagic,
		Logger:                cfg.Logger,
	}, engine, r.registry)
	if err != nil {
		engine.Stop()
		return nil, err
	}
	r.ctrl = ctrl

	r.gov = newGovernor(r.pacing, FlowControl{
		SendMinWaitTime: cfg.SendMinWaitTime,
		SendMaxWaitTime: cfg.SendMaxWaitTime,
		MinLoopInterval: cfg.MinLoopInterval,
		MaxLoopInterval: cfg.MaxLoopInterval,
		MinBps:          cfg.FlowCtrlMinBps,
		MaxBps:          cfg.FlowCtrlMaxBps,
	})
	ctrl.OnTick(r.tick)

	return r, nil
}

// Start launches the workers and the controller.
func (r *Runtime) Start() {
	r.engine.Start()
	r.ctrl.Start()
	r.logger.Info("cluster runtime started",
		"self", r.cfg.SelfIP,
		"port", r.cfg.Port,
		"workers", r.engine.Workers())
}

// Close stops the controller and the workers.
func (r *Runtime) Close() {
	r.ctrl.Stop()
	r.engine.Stop()
	r.logger.Info("cluster runtime stopped")
}

// Registry exposes the membership.
func (r *Runtime) Registry() *machine.Registry {
	return r.registry
}

// Sessions exposes the session table.
func (r *Runtime) Sessions() *session.Table {
	return r.sessions
}

// AddPeer registers a peer machine and opens this node's half of the
// fan-out to it.
func (r *Runtime) AddPeer(ip string) (*machine.Machine, error) {
	peerIP := machine.ParseIPv4(ip)
	if peerIP == 0 {
		return nil, fmt.Errorf("cluster: invalid peer ip %q", ip)
	}
	m := r.registry.Add(peerIP, ip, r.cfg.Port)
	if peerIP == r.selfIP {
		return m, nil
	}
	if err := r.ctrl.MakeConnections(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StopReconnect stops re-establishing connections to a machine; its
// pending contexts drain back to the freelist.
func (r *Runtime) StopReconnect(m *machine.Machine) int {
	return r.ctrl.StopReconnect(m)
}

// OnClosed registers an observer for closed connections, invoked
// before reconnect or release.
func (r *Runtime) OnClosed(fn func(*nio.SockContext)) {
	r.ctrl.OnClosed(fn)
}

// NewSession registers a response session owned by this node.
func (r *Runtime) NewSession(userData any, callFunc bool) *session.Entry {
	sid := wire.SessionID{
		IP:        r.selfIP,
		Timestamp: uint32(time.Now().Unix()),
		Seq:       r.seq.Add(1),
	}
	return r.sessions.Register(sid, userData, callFunc)
}

// Send dispatches an inline payload to a machine on one of its
// connections, chosen round-robin.
func (r *Runtime) Send(m *machine.Machine, funcID int32, sid wire.SessionID, msgSeq uint32, payload []byte, p outqueue.Priority) error {
	ctx, version := r.ctrl.Table().GetSocketContext(m)
	if ctx == nil {
		return ErrNoConnection
	}
	msg := nio.NewMessage(funcID, sid, msgSeq, nil, payload)
	return r.engine.Push(ctx, msg, p, version)
}

// SendBlocks dispatches an owned block chain; the transport consumes
// and releases it as bytes are acknowledged.
func (r *Runtime) SendBlocks(m *machine.Machine, funcID int32, sid wire.SessionID, msgSeq uint32, blocks *iobuf.Block, p outqueue.Priority) error {
	ctx, version := r.ctrl.Table().GetSocketContext(m)
	if ctx == nil {
		iobuf.ReleaseChain(blocks)
		return ErrNoConnection
	}
	msg := nio.NewMessage(funcID, sid, msgSeq, blocks, nil)
	return r.engine.Push(ctx, msg, p, version)
}

// ConnectedCount reports the live connections to a machine.
func (r *Runtime) ConnectedCount(m *machine.Machine) int {
	return r.ctrl.Table().ConnectedCount(m)
}

// Stats returns the summed worker counters.
func (r *Runtime) Stats() nio.StatsSnapshot {
	return r.engine.SumStats()
}

// ApplyFlowControl swaps the reloadable pacing bounds at runtime.
func (r *Runtime) ApplyFlowControl(fc FlowControl) {
	r.gov.setFlowControl(fc)
	r.logger.Info("flow control updated",
		"min_bps", fc.MinBps, "max_bps", fc.MaxBps)
}

// tick runs on the controller goroutine roughly once per second:
// governor pass, metric publication, and the operational log line.
func (r *Runtime) tick() {
	sum := r.engine.SumStats()
	sum.DequeueInMsgCount, sum.DequeueInMsgBytes = r.sessions.DequeueStats()
	waitUS, intervalUS := r.gov.tick(sum.SendBytes)

	if m := r.metrics; m != nil {
		m.SendMsgCount.Set(float64(sum.SendMsgCount))
		m.DropMsgCount.Set(float64(sum.DropMsgCount))
		m.SendBytes.Set(float64(sum.SendBytes))
		m.DropBytes.Set(float64(sum.DropBytes))
		m.RecvMsgCount.Set(float64(sum.RecvMsgCount))
		m.RecvBytes.Set(float64(sum.RecvBytes))
		m.EnqueueInMsgCount.Set(float64(sum.EnqueueInMsgCount))
		m.EnqueueInMsgBytes.Set(float64(sum.EnqueueInMsgBytes))
		m.DequeueInMsgCount.Set(float64(sum.DequeueInMsgCount))
		m.DequeueInMsgBytes.Set(float64(sum.DequeueInMsgBytes))
		m.CallWritevCount.Set(float64(sum.CallWritevCount))
		m.CallReadCount.Set(float64(sum.CallReadCount))
		m.SendRetryCount.Set(float64(sum.SendRetryCount))
		m.EpollWaitCount.Set(float64(sum.EpollWaitCount))
		m.EpollWaitTimeUsed.Set(float64(sum.EpollWaitTimeUsed))
		m.LoopUsleepCount.Set(float64(sum.LoopUsleepCount))
		m.LoopUsleepTime.Set(float64(sum.LoopUsleepTime))
		m.SendDelayedTime.Set(float64(sum.SendDelayedTime))
		m.PushMsgCount.Set(float64(sum.PushMsgCount))
		m.PushMsgBytes.Set(float64(sum.PushMsgBytes))
		m.FailMsgCount.Set(float64(sum.FailMsgCount))
		m.FailMsgBytes.Set(float64(sum.FailMsgBytes))
		m.PingTotalCount.Set(float64(sum.PingTotalCount))
		m.PingSuccessCount.Set(float64(sum.PingSuccessCount))
		m.PingTimeUsed.Set(float64(sum.PingTimeUsed))
		m.SendWaitTime.Set(float64(waitUS))
		m.IOLoopInterval.Set(float64(intervalUS))
	}

	r.logger.Debug("transport counters",
		"send_msg_count", sum.SendMsgCount,
		"send_bytes", sum.SendBytes,
		"recv_msg_count", sum.RecvMsgCount,
		"recv_bytes", sum.RecvBytes,
		"drop_msg_count", sum.DropMsgCount,
		"fail_msg_count", sum.FailMsgCount,
		"ping_success_count", sum.PingSuccessCount,
		"send_wait_time_us", waitUS,
		"io_loop_interval_us", intervalUS)
}
