package config

import "time"

// NodeConfig is the root configuration for clustermesh-node.
type NodeConfig struct {
	Node    NodeSection    `koanf:"node"`
	Cluster ClusterSection `koanf:"cluster"`
	Admin   AdminSection   `koanf:"admin"`
	Log     LogSection     `koanf:"log"`
}

// NodeSection identifies this node.
type NodeSection struct {
	// IP is this node's cluster-facing IPv4 address. Required; it is
	// stamped into outbound session ids and registered in the
	// membership.
	IP string `koanf:"ip"`

	// BindAddr optionally restricts the listening socket. Empty
	// listens on all interfaces.
	BindAddr string `koanf:"bind_addr"`
}

// ClusterSection configures the transport core.
type ClusterSection struct {
	// Threads is the number of IO worker goroutines.
	Threads int `koanf:"threads"`

	// Connections is the fan-out per peer machine. Must be even; half
	// are originated by each side.
	Connections int `koanf:"connections"`

	// Port is the TCP port every node listens on.
	Port int `koanf:"port"`

	// Peers lists the other machines, as dotted-quad IPv4 addresses.
	Peers []string `koanf:"peers"`

	// MaxMachines sizes the machine socket table.
	MaxMachines int `koanf:"max_machines"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	// PingSendInterval is the idle interval between liveness pings;
	// zero disables pings.
	PingSendInterval time.Duration `koanf:"ping_send_interval"`

	// PingLatencyThreshold is the round-trip above which a ping
	// counts as failed.
	PingLatencyThreshold time.Duration `koanf:"ping_latency_threshold"`

	// PingRetries is the number of consecutive ping failures
	// tolerated before the connection is closed.
	PingRetries int `koanf:"ping_retries"`

	// SendMinWaitTime/SendMaxWaitTime bound the per-socket write
	// backoff the pacing governor interpolates between, microseconds.
	SendMinWaitTime int `koanf:"send_min_wait_time"`
	SendMaxWaitTime int `koanf:"send_max_wait_time"`

	// MinLoopInterval/MaxLoopInterval bound the worker tick length,
	// microseconds.
	MinLoopInterval int `koanf:"min_loop_interval"`
	MaxLoopInterval int `koanf:"max_loop_interval"`

	// FlowCtrlMinBps/FlowCtrlMaxBps bound the throughput governor.
	// A zero max disables pacing.
	FlowCtrlMinBps int64 `koanf:"flow_ctrl_min_bps"`
	FlowCtrlMaxBps int64 `koanf:"flow_ctrl_max_bps"`

	// SendBufferSize/ReceiveBufferSize are applied as socket buffer
	// sizes on handoff; zero keeps the system default.
	SendBufferSize    int `koanf:"send_buffer_size"`
	ReceiveBufferSize int `koanf:"receive_buffer_size"`

	// ReadBufferSize is the per-socket receive buffer the reassembler
	// reads into.
	ReadBufferSize int `koanf:"read_buffer_size"`

	// CheckMagic enables the magic-number policy on received frames.
	CheckMagic bool `koanf:"check_magic"`
}

// AdminSection configures the loopback admin endpoint.
type AdminSection struct {
	// Addr serves /metrics, /healthz and /debug/machines. Empty
	// disables the endpoint.
	Addr string `koanf:"addr"`

	// RatePerSecond bounds admin requests; bursts of the same size
	// are allowed.
	RatePerSecond int `koanf:"rate_per_second"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
