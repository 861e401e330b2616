package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "cluster"
	subsystem = "io"
)

// Registry holds the transport gauges, published once per second from
// the summed per-worker counters.
type Registry struct {
	reg *prometheus.Registry

	// IO counters.
	SendMsgCount      prometheus.Gauge
	DropMsgCount      prometheus.Gauge
	SendBytes         prometheus.Gauge
	DropBytes         prometheus.Gauge
	RecvMsgCount      prometheus.Gauge
	RecvBytes         prometheus.Gauge
	EnqueueInMsgCount prometheus.Gauge
	EnqueueInMsgBytes prometheus.Gauge
	DequeueInMsgCount prometheus.Gauge
	DequeueInMsgBytes prometheus.Gauge
	CallWritevCount   prometheus.Gauge
	CallReadCount     prometheus.Gauge
	SendRetryCount    prometheus.Gauge
	EpollWaitCount    prometheus.Gauge
	EpollWaitTimeUsed prometheus.Gauge
	LoopUsleepCount   prometheus.Gauge
	LoopUsleepTime    prometheus.Gauge
	SendDelayedTime   prometheus.Gauge
	PushMsgCount      prometheus.Gauge
	PushMsgBytes      prometheus.Gauge
	FailMsgCount      prometheus.Gauge
	FailMsgBytes      prometheus.Gauge

	// Pacing values as currently applied.
	SendWaitTime   prometheus.Gauge
	IOLoopInterval prometheus.Gauge

	// Ping liveness.
	PingTotalCount   prometheus.Gauge
	PingSuccessCount prometheus.Gauge
	PingTimeUsed     prometheus.Gauge

	// Instance identity, labelled with the boot id.
	InstanceInfo *prometheus.GaugeVec
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewRegistry creates the registry with every gauge registered.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.SendMsgCount = newGauge("send_msg_count", "Messages fully transmitted.")
	r.DropMsgCount = newGauge("drop_msg_count", "Messages dropped by queue purges.")
	r.SendBytes = newGauge("send_bytes", "Bytes written to peer sockets.")
	r.DropBytes = newGauge("drop_bytes", "Bytes dropped by queue purges.")
	r.RecvMsgCount = newGauge("recv_msg_count", "Frames received and dispatched.")
	r.RecvBytes = newGauge("recv_bytes", "Bytes read from peer sockets.")
	r.EnqueueInMsgCount = newGauge("enqueue_in_msg_count", "Messages parked in session inboxes.")
	r.EnqueueInMsgBytes = newGauge("enqueue_in_msg_bytes", "Body bytes parked in session inboxes.")
	r.DequeueInMsgCount = newGauge("dequeue_in_msg_count", "Messages drained from session inboxes.")
	r.DequeueInMsgBytes = newGauge("dequeue_in_msg_bytes", "Body bytes drained from session inboxes.")
	r.CallWritevCount = newGauge("call_writev_count", "writev invocations.")
	r.CallReadCount = newGauge("call_read_count", "read invocations.")
	r.SendRetryCount = newGauge("send_retry_count", "Messages offered to writev batches.")
	r.EpollWaitCount = newGauge("epoll_wait_count", "Worker poll invocations.")
	r.EpollWaitTimeUsed = newGauge("epoll_wait_time_used", "Nanoseconds spent in worker polls.")
	r.LoopUsleepCount = newGauge("loop_usleep_count", "Worker tick sleeps.")
	r.LoopUsleepTime = newGauge("loop_usleep_time", "Microseconds spent in tick sleeps.")
	r.SendDelayedTime = newGauge("send_delayed_time", "Cumulative queue latency of sent messages, ns.")
	r.PushMsgCount = newGauge("push_msg_count", "Messages accepted into send queues.")
	r.PushMsgBytes = newGauge("push_msg_bytes", "Wire bytes accepted into send queues.")
	r.FailMsgCount = newGauge("fail_msg_count", "Enqueues rejected as stale.")
	r.FailMsgBytes = newGauge("fail_msg_bytes", "Wire bytes rejected as stale.")
	r.SendWaitTime = newGauge("send_wait_time", "Current write backoff, microseconds.")
	r.IOLoopInterval = newGauge("loop_interval", "Current worker tick, microseconds.")

	r.PingTotalCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ping_total_count",
		Help: "Pings sent.",
	})
	r.PingSuccessCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ping_success_count",
		Help: "Ping responses received.",
	})
	r.PingTimeUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ping_time_used",
		Help: "Cumulative ping round-trip time, ns.",
	})

	r.InstanceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "instance_info",
		Help: "Constant 1, labelled with this process's boot id.",
	}, []string{"boot_id"})

	r.reg.MustRegister(
		r.SendMsgCount, r.DropMsgCount, r.SendBytes, r.DropBytes,
		r.RecvMsgCount, r.RecvBytes,
		r.EnqueueInMsgCount, r.EnqueueInMsgBytes,
		r.DequeueInMsgCount, r.DequeueInMsgBytes,
		r.CallWritevCount, r.CallReadCount, r.SendRetryCount,
		r.EpollWaitCount, r.EpollWaitTimeUsed,
		r.LoopUsleepCount, r.LoopUsleepTime,
		r.SendDelayedTime,
		r.PushMsgCount, r.PushMsgBytes, r.FailMsgCount, r.FailMsgBytes,
		r.SendWaitTime, r.IOLoopInterval,
		r.PingTotalCount, r.PingSuccessCount, r.PingTimeUsed,
		r.InstanceInfo,
		collectors.NewGoCollector(),
	)
	return r
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (r *Registry) Gather() prometheus.Gatherer {
	return r.reg
}
