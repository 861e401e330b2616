package nio

import (
	"time"

	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/outqueue"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// sendPing head-inserts a PING_REQUEST at high priority. Pings carry a
// fresh session id with seq zero; no session is ever created for them.
func (e *Engine) sendPing(c *SockContext) {
	sid := wire.SessionID{
		IP:        e.registry.SelfIP(),
		Timestamp: uint32(time.Now().Unix()),
		Seq:       0,
	}
	m := NewMessage(wire.FuncPingRequest, sid, wire.NoSessionMsgSeq, nil, nil)
	e.insertHead(c, m, outqueue.PriorityHigh)
}

// dealMessage routes one completed inbound frame: pings are answered
// or accounted inline, everything else resolves a session and is
// either delivered synchronously or parked in the session inbox.
func (c *SockContext) dealMessage(hdr *wire.MsgHeader, blocks *iobuf.Block) {
	e := c.Worker.engine

	switch hdr.FuncID {
	case wire.FuncPingRequest:
		if age := time.Now().Unix() - int64(hdr.SessionID.Timestamp); age > 1 {
			e.logger.Debug("stale ping request",
				"peer", c.Machine.Addr(), "fd", c.Sock, "age_seconds", age)
		}
		m := NewMessage(wire.FuncPingResponse, hdr.SessionID, wire.NoSessionMsgSeq, nil, nil)
		e.insertHead(c, m, outqueue.PriorityHigh)
		return

	case wire.FuncPingResponse:
		if c.pingStartTime > 0 {
			timeUsed := nowNS() - c.pingStartTime
			c.Worker.stats.PingSuccessCount.Add(1)
			c.Worker.stats.PingTimeUsed.Add(timeUsed)
			if timeUsed > int64(e.cfg.PingLatencyThreshold) {
				e.logger.Warn("slow ping response",
					"peer", c.Machine.Addr(), "fd", c.Sock,
					"rtt", time.Duration(timeUsed),
					"threshold", e.cfg.PingLatencyThreshold)
			}
			c.pingStartTime = 0
		} else {
			e.logger.Warn("unexpected ping response",
				"peer", c.Machine.Addr(), "fd", c.Sock)
		}
		if c.pingFailCount > 0 {
			c.pingFailCount = 0
		}
		return
	}

	entry, err := e.sessions.GetResponse(hdr)
	if err != nil {
		e.logger.Debug("no session for message, dropping",
			"peer", c.Machine.Addr(),
			"func_id", hdr.FuncID,
			"msg_seq", hdr.MsgSeq)
		iobuf.ReleaseChain(blocks)
		return
	}

	if entry.CallFunc {
		if e.handler != nil {
			e.handler.DealMessage(hdr.SessionID, entry.UserData, hdr.FuncID, blocks, int(hdr.DataLen))
		} else {
			iobuf.ReleaseChain(blocks)
		}
		return
	}

	entry.PushIn(hdr, blocks, int(hdr.DataLen))
	c.Worker.stats.EnqueueInMsgCount.Add(1)
	c.Worker.stats.EnqueueInMsgBytes.Add(int64(hdr.DataLen))
}
