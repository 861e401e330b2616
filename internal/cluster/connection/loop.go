package connection

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yndnr/clustermesh-go/internal/cluster/epoll"
	"github.com/yndnr/clustermesh-go/internal/cluster/machine"
	"github.com/yndnr/clustermesh-go/internal/cluster/nio"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// run is the controller loop: once-per-second tick work, the
// reconnect pass, then poll; timeouts trigger the reaper.
func (c *Controller) run() {
	lastTick := time.Now().Unix()

	for !c.stopped.Load() {
		if now := time.Now().Unix(); now-lastTick >= 1 {
			if c.onTick != nil {
				c.onTick()
			}
			lastTick = now
		}

		if c.pendingConnections() > 0 {
			c.doReconnect()
		}

		count, err := c.poll.Poll()
		if err != nil {
			if !errors.Is(err, unix.EINTR) {
				c.logger.Error("controller poll failed", "error", err)
			}
			continue
		}
		if count == 0 {
			if c.pendingConnections() > 0 {
				c.closeTimeoutConnections()
			}
			continue
		}
		c.dealConnectEvents(count)
	}
}

func (c *Controller) pendingConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connections)
}

// dealConnectEvents services the ready set: the listener drains
// accepts, everything else advances its state machine or is released
// on error readiness.
func (c *Controller) dealConnectEvents(count int) {
	for i := 0; i < count; i++ {
		events := c.poll.GetEvents(i)
		cc, ok := c.poll.GetData(i).(*connectContext)
		if !ok || cc == nil {
			continue
		}

		if cc.isAccept {
			for c.dealAcceptEvent() == nil {
			}
			continue
		}

		sockCtx := cc.sockCtx
		if sockCtx == nil {
			continue
		}

		if events&epoll.Error != 0 {
			c.logger.Debug("establishment failed, connection closed",
				"peer", sockCtx.Machine.Addr(),
				"role", string(sockCtx.Type))
			c.poll.Detach(sockCtx.Sock)
			c.releaseConnection(sockCtx, true)
			continue
		}

		if events&(epoll.Read|epoll.Write) != 0 {
			c.connectionHandler(cc, true)
		}
	}
}

// dealAcceptEvent accepts one inbound socket and starts its handshake.
// A nil return means keep accepting; anything else drains the loop.
func (c *Controller) dealAcceptEvent() error {
	fd, sa, err := unix.Accept4(c.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		if !errors.Is(err, unix.EAGAIN) {
			c.logger.Error("accept failed", "error", err)
		}
		return err
	}

	if err := c.dealIncomeConnection(fd, sa); err != nil {
		unix.Close(fd)
	}
	return nil
}

func (c *Controller) dealIncomeConnection(fd int, sa unix.Sockaddr) error {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return ErrUnknownPeer
	}
	ip := ipv4Of(inet4.Addr)

	m := c.registry.Get(ip, c.cfg.Port)
	if m == nil {
		c.logger.Debug("rejecting connection from unknown peer",
			"client_ip", machine.IPString(ip))
		return ErrUnknownPeer
	}

	sockCtx := c.table.allocSockContext(m.IP, nio.ConnectTypeServer)
	if sockCtx == nil {
		c.logger.Debug("too many inbound connections from peer",
			"client_ip", machine.IPString(ip),
			"limit", c.cfg.ConnectionsPerMachine/2)
		return ErrNoFreeContext
	}

	sockCtx.Sock = fd
	sockCtx.Machine = m

	cc := &connectContext{
		sockCtx:          sockCtx,
		state:            stateConnected,
		needCheckTimeout: true,
		totalBytes:       wire.MsgHeaderLength + wire.HelloMessageLength,
	}
	c.mu.Lock()
	c.connections = append(c.connections, cc)
	c.mu.Unlock()

	c.connectionHandler(cc, true)
	return nil
}

// closeTimeoutConnections reaps establishment attempts that have been
// sitting too long: connects beyond the configured timeout, handshake
// receives beyond one second. At most maxReapPerPass per call to keep
// the lock hold bounded.
func (c *Controller) closeTimeoutConnections() {
	now := nowMS()
	var reap []*connectContext

	c.mu.Lock()
	for _, cc := range c.connections {
		sockCtx := cc.sockCtx
		if !cc.needCheckTimeout || sockCtx == nil || sockCtx.Sock < 0 {
			continue
		}

		var timedOut bool
		if cc.state == stateRecvData {
			timedOut = now-cc.serverStartTime >= helloRecvTimeout.Milliseconds()
		} else {
			timedOut = cc.state == stateConnecting &&
				now-cc.connectStartTime >= c.cfg.ConnectTimeout.Milliseconds()
		}
		if timedOut {
			reap = append(reap, cc)
			if len(reap) == maxReapPerPass {
				break
			}
		}
	}

	for _, cc := range reap {
		sockCtx := cc.sockCtx
		c.poll.Detach(sockCtx.Sock)
		c.logger.Debug("closing timed-out establishment",
			"phase", establishPhase(cc.state),
			"fd", sockCtx.Sock,
			"peer", sockCtx.Machine.Addr(),
			"role", string(sockCtx.Type))
		c.releaseConnectionLocked(sockCtx)
	}
	c.mu.Unlock()
}

func establishPhase(s connectState) string {
	if s == stateRecvData {
		return "recv"
	}
	return "connect"
}

// releaseConnectionLocked is releaseConnection for callers already
// holding the controller lock.
func (c *Controller) releaseConnectionLocked(sockCtx *nio.SockContext) {
	c.closeConnection(sockCtx)
	if sockCtx.Type == nio.ConnectTypeServer {
		c.removeConnectionLocked(sockCtx)
		c.table.freeSockContextLocked(sockCtx)
	}
}

// doReconnect walks the connect contexts: closed client contexts whose
// backoff has elapsed retry with a doubled interval (capped at 30 s,
// or 1 s when the peer is marked dead); contexts told not to reconnect
// drain back to the client freelist.
func (c *Controller) doReconnect() {
	now := nowMS()

	c.mu.Lock()
	i := 0
	for i < len(c.connections) {
		cc := c.connections[i]
		sockCtx := cc.sockCtx
		if sockCtx == nil {
			c.logger.Warn("connect context without socket context")
			i++
			continue
		}

		if sockCtx.Sock >= 0 {
			// In progress or connected.
			i++
			continue
		}

		if cc.needReconnect {
			if cc.connectCount > 0 {
				if now-cc.connectStartTime < cc.reconnectInterval.Milliseconds() {
					i++
					continue
				}
				cc.reconnectInterval *= 2
				maxInterval := reconnectCapLive
				if sockCtx.Machine.Dead.Load() {
					maxInterval = reconnectCapDead
				}
				if cc.reconnectInterval > maxInterval {
					cc.reconnectInterval = maxInterval
				}
				cc.needCheckTimeout = false
				c.doConnect(cc, false)
				i++
			} else {
				i++
			}
		} else {
			if !c.removeConnectionLocked(sockCtx) {
				i++
			}
			c.table.freeSockContextLocked(sockCtx)
		}
	}
	c.mu.Unlock()
}
