package cluster

import (
	"sync"
	"time"

	"github.com/yndnr/clustermesh-go/internal/cluster/nio"
)

// FlowControl is the reloadable subset of the pacing configuration.
// All waits and intervals are microseconds.
type FlowControl struct {
	SendMinWaitTime int64
	SendMaxWaitTime int64
	MinLoopInterval int64
	MaxLoopInterval int64
	MinBps          int64
	MaxBps          int64
}

// governor recomputes the pacing knobs once per second from observed
// send throughput. Single writer (the controller tick); the workers
// read the resulting atomics without locks.
type governor struct {
	pacing *nio.Pacing

	mu  sync.Mutex
	fc  FlowControl

	lastCalcTime  int64
	lastSendBytes int64
}

func newGovernor(pacing *nio.Pacing, fc FlowControl) *governor {
	g := &governor{
		pacing:       pacing,
		fc:           fc,
		lastCalcTime: time.Now().Unix(),
	}
	// Start at the minima until real throughput is observed.
	pacing.SendWaitTime.Store(fc.SendMinWaitTime * int64(time.Microsecond))
	pacing.IOLoopInterval.Store(fc.MinLoopInterval)
	return g
}

// setFlowControl swaps the bounds; the next tick applies them.
func (g *governor) setFlowControl(fc FlowControl) {
	g.mu.Lock()
	g.fc = fc
	g.mu.Unlock()
}

// tick recomputes send_wait_time and io_loop_interval from the bytes
// sent since the last call. Returns the applied values (µs) for
// metric publication.
func (g *governor) tick(sendBytes int64) (waitUS, intervalUS int64) {
	g.mu.Lock()
	fc := g.fc
	g.mu.Unlock()

	now := time.Now().Unix()
	timePass := now - g.lastCalcTime

	waitUS = fc.SendMinWaitTime
	intervalUS = fc.MinLoopInterval

	if timePass > 0 {
		bps := 8 * (sendBytes - g.lastSendBytes) / timePass
		g.lastCalcTime = now
		g.lastSendBytes = sendBytes

		if fc.MaxBps > 0 && bps >= fc.MinBps {
			ratio := float64(bps) / float64(fc.MaxBps)
			if ratio > 1.0 {
				ratio = 1.0
			}
			waitUS = fc.SendMinWaitTime +
				int64(float64(fc.SendMaxWaitTime-fc.SendMinWaitTime)*ratio)
			intervalUS = fc.MinLoopInterval +
				int64(float64(fc.MaxLoopInterval-fc.MinLoopInterval)*ratio)
		}
	} else {
		// Sub-second tick: keep the current values.
		waitUS = g.pacing.SendWaitTime.Load() / int64(time.Microsecond)
		intervalUS = g.pacing.IOLoopInterval.Load()
		return waitUS, intervalUS
	}

	g.pacing.SendWaitTime.Store(waitUS * int64(time.Microsecond))
	g.pacing.IOLoopInterval.Store(intervalUS)
	return waitUS, intervalUS
}
