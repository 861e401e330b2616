package config

import (
	"strings"
	"testing"
)

func validConfig() *NodeConfig {
	cfg := Default()
	cfg.Node.IP = "10.0.0.1"
	return cfg
}

func TestDefaultVerifies(t *testing.T) {
	if err := Verify(validConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestVerifyRequiresNodeIP(t *testing.T) {
	cfg := Default()
	if err := Verify(cfg); err == nil || !strings.Contains(err.Error(), "node.ip") {
		t.Fatalf("err = %v, want node.ip error", err)
	}

	cfg.Node.IP = "fe80::1"
	if err := Verify(cfg); err == nil {
		t.Fatalf("IPv6 node.ip accepted")
	}
}

func TestVerifyConnectionsEven(t *testing.T) {
	cfg := validConfig()
	cfg.Cluster.Connections = 3
	if err := Verify(cfg); err == nil {
		t.Fatalf("odd connections accepted")
	}
	cfg.Cluster.Connections = 0
	if err := Verify(cfg); err == nil {
		t.Fatalf("zero connections accepted")
	}
}

func TestVerifyBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*NodeConfig)
	}{
		{"threads", func(c *NodeConfig) { c.Cluster.Threads = 0 }},
		{"port low", func(c *NodeConfig) { c.Cluster.Port = 0 }},
		{"port high", func(c *NodeConfig) { c.Cluster.Port = 70000 }},
		{"max machines", func(c *NodeConfig) { c.Cluster.MaxMachines = 0 }},
		{"wait order", func(c *NodeConfig) { c.Cluster.SendMinWaitTime = 10; c.Cluster.SendMaxWaitTime = 5 }},
		{"interval order", func(c *NodeConfig) { c.Cluster.MinLoopInterval = 10; c.Cluster.MaxLoopInterval = 5 }},
		{"bps order", func(c *NodeConfig) { c.Cluster.FlowCtrlMinBps = 10; c.Cluster.FlowCtrlMaxBps = 5 }},
		{"read buffer", func(c *NodeConfig) { c.Cluster.ReadBufferSize = 1024 }},
		{"bad peer", func(c *NodeConfig) { c.Cluster.Peers = []string{"nope"} }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := validConfig()
			c.mutate(cfg)
			if err := Verify(cfg); err == nil {
				t.Fatalf("invalid config accepted")
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Cluster.Connections%2 != 0 {
		t.Fatalf("default connections %d not even", cfg.Cluster.Connections)
	}
	if cfg.Cluster.ReadBufferSize != DefaultReadBufferSize {
		t.Fatalf("ReadBufferSize = %d", cfg.Cluster.ReadBufferSize)
	}
	if !cfg.Cluster.CheckMagic {
		t.Fatalf("magic check off by default")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("log defaults = %q/%q", cfg.Log.Level, cfg.Log.Format)
	}
}
