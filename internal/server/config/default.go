package config

import "time"

// Default configuration values.
const (
	DefaultThreads     = 2
	DefaultConnections = 4
	DefaultPort        = 5380
	DefaultMaxMachines = 128

	DefaultConnectTimeout       = 10 * time.Second
	DefaultPingSendInterval     = 5 * time.Second
	DefaultPingLatencyThreshold = 5 * time.Second
	DefaultPingRetries          = 3

	DefaultSendMinWaitTime = 1000  // µs
	DefaultSendMaxWaitTime = 5000  // µs
	DefaultMinLoopInterval = 0     // µs
	DefaultMaxLoopInterval = 1000  // µs

	DefaultReadBufferSize = 2 * 1024 * 1024

	DefaultAdminAddr          = "127.0.0.1:5381"
	DefaultAdminRatePerSecond = 20

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default node configuration.
func Default() *NodeConfig {
	return &NodeConfig{
		Cluster: ClusterSection{
			Threads:              DefaultThreads,
			Connections:          DefaultConnections,
			Port:                 DefaultPort,
			MaxMachines:          DefaultMaxMachines,
			ConnectTimeout:       DefaultConnectTimeout,
			PingSendInterval:     DefaultPingSendInterval,
			PingLatencyThreshold: DefaultPingLatencyThreshold,
			PingRetries:          DefaultPingRetries,
			SendMinWaitTime:      DefaultSendMinWaitTime,
			SendMaxWaitTime:      DefaultSendMaxWaitTime,
			MinLoopInterval:      DefaultMinLoopInterval,
			MaxLoopInterval:      DefaultMaxLoopInterval,
			ReadBufferSize:       DefaultReadBufferSize,
			CheckMagic:           true,
		},
		Admin: AdminSection{
			Addr:          DefaultAdminAddr,
			RatePerSecond: DefaultAdminRatePerSecond,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
