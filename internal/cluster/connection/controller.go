// Package connection runs the establishment side of the transport: a
// single controller goroutine owning every not-yet-active socket. It
// drives non-blocking connects, the version handshake in both
// directions, inbound accepts checked against the membership, timeout
// reaping, and exponential-backoff reconnection. Once a handshake
// completes the socket is handed to its worker and the controller
// forgets it until the worker's close path gives it back.
package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yndnr/clustermesh-go/internal/cluster/epoll"
	"github.com/yndnr/clustermesh-go/internal/cluster/machine"
	"github.com/yndnr/clustermesh-go/internal/cluster/nio"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// Establishment errors. MakeConnections returns ErrNoFreeContext; the
// other two stay inside the establishment path.
var (
	ErrUnknownPeer       = errors.New("connection: peer not in membership")
	ErrNoFreeContext     = errors.New("connection: no free socket context")
	ErrAlreadyConnecting = errors.New("connection: establishment already in progress")
)

type connectState int

const (
	stateNotConnect connectState = iota
	stateConnecting
	stateConnected
	stateSendData
	stateRecvData
)

// Reconnection backoff bounds, in 100 ms units.
const (
	reconnectBaseInterval = 100 * time.Millisecond
	reconnectCapLive      = 30 * time.Second
	reconnectCapDead      = 1 * time.Second

	// helloRecvTimeout bounds how long a peer may sit mid-handshake.
	helloRecvTimeout = time.Second

	// maxReapPerPass bounds reaping work per poll timeout.
	maxReapPerPass = 64
)

// connectContext drives the establishment of one socket. Transient:
// allocated when establishment starts, dropped at handoff.
type connectContext struct {
	sockCtx          *nio.SockContext
	connectStartTime int64 // ms
	serverStartTime  int64 // ms
	reconnectInterval time.Duration
	connectCount     int
	sendBytes        int
	recvBytes        int
	totalBytes       int
	state            connectState
	buff             [wire.MsgHeaderLength + wire.HelloMessageLength]byte
	isAccept         bool
	attached         bool
	needReconnect    bool
	needCheckTimeout bool
}

// Config carries the controller tunables.
type Config struct {
	Port                  int
	BindAddr              string
	ConnectTimeout        time.Duration
	ConnectionsPerMachine int // even; half per role
	MaxMachines           int
	CheckMagic            bool
	Logger                *slog.Logger
}

// Controller owns the connect-context list, the listener, and the
// machine socket table.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	engine   *nio.Engine
	registry *machine.Registry

	mu          sync.Mutex
	connections []*connectContext
	table       *Table

	poll      *epoll.EventPoll
	listenFD  int
	listenCtx *connectContext

	// onClosed lets the runtime observe closed connections (session
	// invalidation) before reconnect or freelist return.
	onClosed func(*nio.SockContext)

	// onTick runs roughly once per second on the controller goroutine
	// (stats aggregation, pacing governor).
	onTick func()

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New builds the controller, the socket-context pool partitioned over
// the engine's workers, and the listening socket.
func New(cfg Config, engine *nio.Engine, registry *machine.Registry) (*Controller, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMachines <= 0 {
		cfg.MaxMachines = 128
	}
	if cfg.ConnectionsPerMachine < 2 {
		cfg.ConnectionsPerMachine = 2
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	c := &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		engine:   engine,
		registry: registry,
	}
	c.table = newTable(&c.mu, cfg.MaxMachines)

	// Deterministic partition of the pool over the workers: both
	// roles of every machine slot, round-robin.
	half := cfg.ConnectionsPerMachine / 2
	workerIndex := 0
	c.mu.Lock()
	for i := 0; i < cfg.MaxMachines; i++ {
		accept := make([]*nio.SockContext, 0, half)
		connect := make([]*nio.SockContext, 0, half)
		for k := 0; k < half; k++ {
			accept = append(accept, nio.NewSockContext(nio.ConnectTypeServer, engine.WorkerAt(workerIndex)))
			workerIndex++
		}
		for k := 0; k < half; k++ {
			connect = append(connect, nio.NewSockContext(nio.ConnectTypeClient, engine.WorkerAt(workerIndex)))
			workerIndex++
		}
		c.table.seedSlot(i, connect, accept)
	}
	c.mu.Unlock()

	poll, err := epoll.New(cfg.MaxMachines*cfg.ConnectionsPerMachine+1, 1000)
	if err != nil {
		return nil, fmt.Errorf("create controller poller: %w", err)
	}
	c.poll = poll

	if err := c.openListener(); err != nil {
		poll.Close()
		return nil, err
	}

	engine.SetCloseHook(c.handleWorkerClose)
	return c, nil
}

// Table exposes the dispatcher view of the socket table.
func (c *Controller) Table() *Table {
	return c.table
}

// OnClosed registers the connection-closed observer.
func (c *Controller) OnClosed(fn func(*nio.SockContext)) {
	c.onClosed = fn
}

// OnTick registers the once-per-second controller-thread callback.
func (c *Controller) OnTick(fn func()) {
	c.onTick = fn
}

func (c *Controller) openListener() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create listen socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 0, Linger: 0})
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	sa := &unix.SockaddrInet4{Port: c.cfg.Port}
	if c.cfg.BindAddr != "" {
		ip := machine.ParseIPv4(c.cfg.BindAddr)
		if ip == 0 {
			unix.Close(fd)
			return fmt.Errorf("invalid bind address %q", c.cfg.BindAddr)
		}
		putIPv4(&sa.Addr, ip)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind port %d: %w", c.cfg.Port, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen port %d: %w", c.cfg.Port, err)
	}

	c.listenFD = fd
	c.listenCtx = &connectContext{isAccept: true}
	if err := c.poll.Attach(fd, epoll.Read, c.listenCtx); err != nil {
		unix.Close(fd)
		return fmt.Errorf("attach listener: %w", err)
	}
	return nil
}

func putIPv4(dst *[4]byte, ip uint32) {
	dst[0] = byte(ip >> 24)
	dst[1] = byte(ip >> 16)
	dst[2] = byte(ip >> 8)
	dst[3] = byte(ip)
}

func ipv4Of(addr [4]byte) uint32 {
	return uint32(addr[0])<<24 | uint32(addr[1])<<16 | uint32(addr[2])<<8 | uint32(addr[3])
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// Start launches the controller loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// Stop signals the loop, closes the listener, and waits.
func (c *Controller) Stop() {
	c.stopped.Store(true)
	c.wg.Wait()
	c.poll.Detach(c.listenFD)
	unix.Close(c.listenFD)
	c.poll.Close()
}

// MakeConnections opens this node's half of the fan-out to a machine.
func (c *Controller) MakeConnections(m *machine.Machine) error {
	half := c.cfg.ConnectionsPerMachine / 2
	for i := 0; i < half; i++ {
		sockCtx := c.table.allocSockContext(m.IP, nio.ConnectTypeClient)
		if sockCtx == nil {
			return ErrNoFreeContext
		}
		sockCtx.Machine = m
		c.makeConnection(sockCtx)
	}
	return nil
}

// StopReconnect flips need_reconnect off for every pending connect
// context of m; the contexts drain to the client freelist on the next
// reconnect pass.
func (c *Controller) StopReconnect(m *machine.Machine) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, cc := range c.connections {
		if cc.sockCtx != nil && cc.sockCtx.Machine == m {
			cc.needReconnect = false
			count++
		}
	}
	return count
}

func (c *Controller) findConnectionLocked(sockCtx *nio.SockContext) *connectContext {
	for _, cc := range c.connections {
		if cc.sockCtx == sockCtx {
			return cc
		}
	}
	return nil
}

func (c *Controller) removeConnectionLocked(sockCtx *nio.SockContext) bool {
	for i, cc := range c.connections {
		if cc.sockCtx == sockCtx {
			cc.sockCtx = nil
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			return true
		}
	}
	return false
}

// makeConnection allocates a connect context for a client-role socket
// and starts establishment.
func (c *Controller) makeConnection(sockCtx *nio.SockContext) error {
	c.mu.Lock()
	if c.findConnectionLocked(sockCtx) != nil {
		c.mu.Unlock()
		c.logger.Debug("establishment already in progress",
			"peer", sockCtx.Machine.Addr())
		return ErrAlreadyConnecting
	}
	cc := &connectContext{
		sockCtx:           sockCtx,
		needReconnect:     true,
		reconnectInterval: reconnectBaseInterval,
		state:             stateNotConnect,
		totalBytes:        wire.MsgHeaderLength + wire.HelloMessageLength,
	}
	c.connections = append(c.connections, cc)
	c.mu.Unlock()

	return c.doConnect(cc, true)
}

// doConnect issues the non-blocking connect.
func (c *Controller) doConnect(cc *connectContext, needLock bool) error {
	sockCtx := cc.sockCtx
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	cc.connectCount++
	cc.state = stateConnecting
	if err != nil {
		c.logger.Debug("socket create failed", "error", err)
		return err
	}
	sockCtx.Sock = fd
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	sa := &unix.SockaddrInet4{Port: sockCtx.Machine.Port}
	putIPv4(&sa.Addr, sockCtx.Machine.IP)

	cc.connectStartTime = nowMS()
	err = unix.Connect(fd, sa)
	if err == nil {
		cc.state = stateConnected
		cc.needCheckTimeout = true
		return c.connectionHandler(cc, needLock)
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		c.logger.Debug("connect failed",
			"peer", sockCtx.Machine.Addr(), "error", err)
		c.closeConnection(sockCtx)
		return err
	}

	if perr := c.poll.Attach(fd, epoll.Write, cc); perr != nil {
		c.logger.Error("controller poll attach failed", "error", perr)
		c.closeConnection(sockCtx)
		return perr
	}
	cc.attached = true
	cc.needCheckTimeout = true
	return err
}

func (c *Controller) closeConnection(sockCtx *nio.SockContext) {
	if sockCtx.Sock >= 0 {
		c.logger.Debug("close connection",
			"fd", sockCtx.Sock, "peer", sockCtx.Machine.Addr())
		unix.Close(sockCtx.Sock)
		sockCtx.Sock = -1
	}
}

// releaseConnection closes the socket and, for server-role contexts,
// removes the connect context and returns the socket context to the
// accept freelist. Client-role contexts stay for the reconnect pass.
func (c *Controller) releaseConnection(sockCtx *nio.SockContext, needLock bool) {
	c.closeConnection(sockCtx)
	if sockCtx.Type == nio.ConnectTypeServer {
		if needLock {
			c.mu.Lock()
		}
		c.removeConnectionLocked(sockCtx)
		c.table.freeSockContextLocked(sockCtx)
		if needLock {
			c.mu.Unlock()
		}
	}
}

func checkSocketStatus(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// fillHelloBuffer stages the outbound handshake frame.
func (c *Controller) fillHelloBuffer(cc *connectContext, funcID int32) {
	sid := wire.SessionID{
		IP:        c.registry.SelfIP(),
		Timestamp: uint32(time.Now().Unix()),
		Seq:       0,
	}
	h := wire.NewHeader(funcID, wire.HelloMessageLength, sid, wire.NoSessionMsgSeq)
	h.EncodeTo(cc.buff[:])
	hello := wire.LocalHello()
	hello.EncodeTo(cc.buff[wire.MsgHeaderLength:])
	cc.sendBytes = 0
}

func (c *Controller) doSendData(cc *connectContext) error {
	n, err := unix.Write(cc.sockCtx.Sock, cc.buff[cc.sendBytes:cc.totalBytes])
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			c.logger.Error("handshake write failed",
				"peer", cc.sockCtx.Machine.Addr(), "error", err)
		}
		return err
	}
	if n == 0 {
		return unix.ECONNRESET
	}
	cc.sendBytes += n
	if cc.sendBytes == cc.totalBytes {
		return nil
	}
	return unix.EAGAIN
}

func (c *Controller) doRecvData(cc *connectContext) error {
	n, err := unix.Read(cc.sockCtx.Sock, cc.buff[cc.recvBytes:cc.totalBytes])
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			c.logger.Error("handshake read failed",
				"peer", cc.sockCtx.Machine.Addr(), "error", err)
		}
		return err
	}
	if n == 0 {
		return unix.ECONNRESET
	}
	cc.recvBytes += n
	if cc.recvBytes == cc.totalBytes {
		return nil
	}
	return unix.EAGAIN
}

// dealHelloMessage validates the peer's handshake frame and runs
// version negotiation.
func (c *Controller) dealHelloMessage(cc *connectContext) error {
	sockCtx := cc.sockCtx
	hdr, err := wire.ParseHeader(cc.buff[:], c.cfg.CheckMagic)
	if err != nil {
		c.logger.Error("bad hello header",
			"peer", sockCtx.Machine.Addr(), "error", err)
		return err
	}
	if hdr.DataLen != wire.HelloMessageLength {
		c.logger.Error("bad hello length",
			"peer", sockCtx.Machine.Addr(), "data_len", hdr.DataLen)
		return wire.ErrBadHello
	}
	expect := wire.FuncHelloRequest
	if sockCtx.Type == nio.ConnectTypeClient {
		expect = wire.FuncHelloResponse
	}
	if hdr.FuncID != expect {
		c.logger.Error("unexpected hello func id",
			"peer", sockCtx.Machine.Addr(),
			"func_id", hdr.FuncID, "expected", expect)
		return wire.ErrBadHello
	}

	hello, err := wire.ParseHello(cc.buff[wire.MsgHeaderLength:])
	if err != nil {
		return err
	}
	major, minor, minorMismatch, err := wire.Negotiate(hello)
	if err != nil {
		c.logger.Error("incompatible cluster version",
			"peer", sockCtx.Machine.Addr(),
			"peer_major", hello.Major, "peer_min_major", hello.MinMajor)
		return err
	}
	if minorMismatch {
		c.logger.Warn("different cluster minor versions, continuing",
			"peer", sockCtx.Machine.Addr(),
			"peer_minor", minor, "local_minor", wire.ClusterMinorVersion)
	}
	sockCtx.Machine.ProtoMajor.Store(major)
	sockCtx.Machine.ProtoMinor.Store(minor)
	return nil
}

// connectionHandler advances the establishment state machine. events
// selects the next poller registration; a terminal state with no error
// hands the socket to its worker.
func (c *Controller) connectionHandler(cc *connectContext, needLock bool) error {
	sockCtx := cc.sockCtx
	var events epoll.Events
	var result error

	switch cc.state {
	case stateConnecting, stateConnected:
		if cc.state == stateConnecting {
			if result = checkSocketStatus(sockCtx.Sock); result != nil {
				break
			}
			cc.state = stateConnected
		}
		if sockCtx.Type == nio.ConnectTypeClient {
			events = epoll.Write
			cc.state = stateSendData
			c.fillHelloBuffer(cc, wire.FuncHelloRequest)
		} else {
			events = epoll.Read
			cc.state = stateRecvData
			cc.recvBytes = 0
			cc.serverStartTime = nowMS()
		}

	case stateSendData:
		for {
			result = c.doSendData(cc)
			if !errors.Is(result, unix.EINTR) {
				break
			}
		}
		if errors.Is(result, unix.EAGAIN) {
			events = epoll.Write
			result = nil
			break
		}
		if result != nil {
			break
		}
		if sockCtx.Type == nio.ConnectTypeClient {
			events = epoll.Read
			cc.state = stateRecvData
			cc.recvBytes = 0
			cc.serverStartTime = nowMS()
		}
		// Server side: response sent, handshake complete.

	case stateRecvData:
		for {
			result = c.doRecvData(cc)
			if !errors.Is(result, unix.EINTR) {
				break
			}
		}
		if errors.Is(result, unix.EAGAIN) {
			events = epoll.Read
			result = nil
			break
		}
		if result != nil {
			break
		}
		result = c.dealHelloMessage(cc)
		if sockCtx.Type == nio.ConnectTypeServer && result == nil {
			events = epoll.Write
			cc.state = stateSendData
			c.fillHelloBuffer(cc, wire.FuncHelloResponse)
		}
		// Client side: response validated, handshake complete.

	default:
		result = fmt.Errorf("connection: invalid state %d", cc.state)
	}

	if events != 0 && result == nil {
		var perr error
		if cc.attached {
			perr = c.poll.Modify(sockCtx.Sock, events, cc)
		} else {
			perr = c.poll.Attach(sockCtx.Sock, events, cc)
			if perr == nil {
				cc.attached = true
			}
		}
		if perr == nil {
			return nil
		}
		c.logger.Error("controller poll control failed", "error", perr)
		result = perr
	}

	// Establishment is over, one way or the other.
	c.poll.Detach(sockCtx.Sock)
	cc.attached = false

	if result == nil {
		result = c.handoff(sockCtx, needLock)
	}
	if result == nil {
		if needLock {
			c.mu.Lock()
		}
		c.removeConnectionLocked(sockCtx)
		if needLock {
			c.mu.Unlock()
		}
		return nil
	}

	// Failed establishment. Server-role contexts are released; client
	// contexts keep their connect context so the reconnect pass
	// retries with backoff (incompatible peers included).
	c.closeConnection(sockCtx)
	if sockCtx.Type == nio.ConnectTypeServer {
		if needLock {
			c.mu.Lock()
		}
		c.removeConnectionLocked(sockCtx)
		c.table.freeSockContextLocked(sockCtx)
		if needLock {
			c.mu.Unlock()
		}
	}
	return result
}

// handoff activates a handshaken socket: machine dispatch list, worker
// poller and active set, membership up notification. needLock is false
// when the caller already holds the controller lock.
func (c *Controller) handoff(sockCtx *nio.SockContext, needLock bool) error {
	if needLock {
		c.mu.Lock()
	}
	added := c.table.addConnectedLocked(sockCtx)
	if needLock {
		c.mu.Unlock()
	}
	if !added {
		return ErrUnknownPeer
	}
	if err := c.engine.AddToEpoll(sockCtx); err != nil {
		if needLock {
			c.mu.Lock()
		}
		c.table.removeConnectedLocked(sockCtx)
		if needLock {
			c.mu.Unlock()
		}
		return err
	}
	c.logger.Info("connection established",
		"peer", sockCtx.Machine.Addr(),
		"fd", sockCtx.Sock,
		"role", string(sockCtx.Type),
		"proto_major", sockCtx.Machine.ProtoMajor.Load(),
		"proto_minor", sockCtx.Machine.ProtoMinor.Load())
	// Fan out off the controller goroutine: up listeners are allowed
	// to dispatch messages, which takes the controller lock.
	go c.registry.NotifyUp(sockCtx.Machine)
	return nil
}

// handleWorkerClose is the nio close hook: runs on the worker
// goroutine after local teardown, returning the context to this
// controller for reconnect or release.
func (c *Controller) handleWorkerClose(sockCtx *nio.SockContext) {
	c.table.removeConnected(sockCtx)
	if c.onClosed != nil {
		c.onClosed(sockCtx)
	}
	c.registry.NotifyDown(sockCtx.Machine)

	if c.stopped.Load() {
		c.table.freeSockContext(sockCtx)
		return
	}
	if sockCtx.Type == nio.ConnectTypeClient {
		c.makeConnection(sockCtx)
	} else {
		c.table.freeSockContext(sockCtx)
	}
}
