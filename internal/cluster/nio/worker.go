package nio

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yndnr/clustermesh-go/internal/cluster/epoll"
)

// minSleepUS is the smallest tick remainder worth sleeping for, µs.
const minSleepUS = 100

// maxFailPerPass bounds the sockets closed in one scheduling pass.
const maxFailPerPass = 32

// Worker owns a disjoint subset of the active sockets and drives their
// IO from a single goroutine.
type Worker struct {
	index  int
	poll   *epoll.EventPoll
	engine *Engine

	mu     sync.Mutex
	active []*SockContext

	stats Stats
}

// Index returns the worker's position in the engine.
func (w *Worker) Index() int {
	return w.index
}

func (w *Worker) addActive(c *SockContext) {
	w.mu.Lock()
	w.active = append(w.active, c)
	w.mu.Unlock()
}

func (w *Worker) removeActive(c *SockContext) {
	w.mu.Lock()
	for i, sc := range w.active {
		if sc == c {
			w.active = append(w.active[:i], w.active[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
}

func (w *Worker) snapshotActive() []*SockContext {
	w.mu.Lock()
	out := make([]*SockContext, len(w.active))
	copy(out, w.active)
	w.mu.Unlock()
	return out
}

// run is the worker loop: write scheduling, poll, read draining, and
// the pacing sleep, in that order every tick.
func (w *Worker) run() {
	e := w.engine
	for !e.stopped.Load() {
		loopStart := nowNS()

		w.scheduleSockWrite()

		w.stats.EpollWaitCount.Add(1)
		pollStart := nowNS()
		count, err := w.poll.Poll()
		w.stats.EpollWaitTimeUsed.Add(nowNS() - pollStart)
		if err != nil {
			if !errors.Is(err, unix.EINTR) {
				e.logger.Error("worker poll failed", "worker", w.index, "error", err)
			}
			continue
		}
		if count > 0 {
			w.dealEpollEvents(count)
		}

		interval := e.pacing.IOLoopInterval.Load()
		if interval > minSleepUS {
			remain := interval - (nowNS()-loopStart)/int64(time.Microsecond)
			if remain >= minSleepUS && remain <= interval {
				w.stats.LoopUsleepCount.Add(1)
				w.stats.LoopUsleepTime.Add(remain)
				time.Sleep(time.Duration(remain) * time.Microsecond)
			}
		}
	}
}

// scheduleSockWrite walks the active set once: ping liveness first,
// then write draining until the socket blocks. Sockets that fail are
// closed after the walk so the close path never runs mid-iteration.
func (w *Worker) scheduleSockWrite() {
	e := w.engine
	now := nowNS()
	var failed []*SockContext

	for _, c := range w.snapshotActive() {
		if now < c.nextWriteTime {
			continue
		}

		if c.pingStartTime > 0 {
			if now-c.pingStartTime > int64(e.cfg.PingLatencyThreshold) {
				c.pingStartTime = 0
				c.pingFailCount++
				if c.pingFailCount > e.cfg.PingRetries {
					if len(failed) < maxFailPerPass {
						e.logger.Error("ping timed out too many times, closing socket",
							"peer", c.Machine.Addr(), "fd", c.Sock,
							"retries", e.cfg.PingRetries)
						failed = append(failed, c)
					}
					continue
				}
				e.logger.Warn("ping timed out",
					"peer", c.Machine.Addr(), "fd", c.Sock,
					"fail_count", c.pingFailCount)
			}
		} else if e.cfg.PingSendInterval > 0 && now >= c.nextPingTime {
			w.stats.PingTotalCount.Add(1)
			c.pingStartTime = now
			c.nextPingTime = now + int64(e.cfg.PingSendInterval)
			e.sendPing(c)
		}

		var err error
		for {
			err = c.dealWriteEvent()
			if err != nil {
				break
			}
		}
		if errors.Is(err, errAgain) {
			c.nextWriteTime = now + e.pacing.SendWaitTime.Load()
		} else {
			if len(failed) < maxFailPerPass {
				failed = append(failed, c)
			}
		}
	}

	for _, c := range failed {
		e.closeSocket(c)
	}
}

// dealEpollEvents drains every ready socket until it blocks, closing
// it on error readiness or a fatal read result.
func (w *Worker) dealEpollEvents(count int) {
	e := w.engine
	for i := 0; i < count; i++ {
		events := w.poll.GetEvents(i)
		c, ok := w.poll.GetData(i).(*SockContext)
		if !ok || c == nil {
			continue
		}

		if events&epoll.Error != 0 {
			e.logger.Debug("socket error readiness, closing",
				"peer", c.Machine.Addr(), "fd", c.Sock)
			e.closeSocket(c)
			continue
		}

		var err error
		for {
			err = c.dealReadEvent()
			if err != nil {
				break
			}
		}
		if !errors.Is(err, errAgain) {
			if !errors.Is(err, errConnReset) {
				e.logger.Error("read failed, closing socket",
					"peer", c.Machine.Addr(), "fd", c.Sock, "error", err)
			}
			e.closeSocket(c)
		}
	}
}
