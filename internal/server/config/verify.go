package config

import (
	"errors"
	"fmt"
	"net"
)

// Verify validates the configuration.
func Verify(cfg *NodeConfig) error {
	if err := verifyNode(&cfg.Node); err != nil {
		return err
	}
	return verifyCluster(&cfg.Cluster)
}

func verifyNode(cfg *NodeSection) error {
	if cfg.IP == "" {
		return errors.New("node.ip is required")
	}
	ip := net.ParseIP(cfg.IP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("node.ip %q is not an IPv4 address", cfg.IP)
	}
	return nil
}

func verifyCluster(cfg *ClusterSection) error {
	if cfg.Threads < 1 {
		return errors.New("cluster.threads must be at least 1")
	}
	if cfg.Connections < 2 || cfg.Connections%2 != 0 {
		return errors.New("cluster.connections must be even and at least 2")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("cluster.port %d out of range", cfg.Port)
	}
	if cfg.MaxMachines < 1 {
		return errors.New("cluster.max_machines must be at least 1")
	}
	if cfg.SendMinWaitTime > cfg.SendMaxWaitTime {
		return errors.New("cluster.send_min_wait_time exceeds send_max_wait_time")
	}
	if cfg.MinLoopInterval > cfg.MaxLoopInterval {
		return errors.New("cluster.min_loop_interval exceeds max_loop_interval")
	}
	if cfg.FlowCtrlMaxBps > 0 && cfg.FlowCtrlMinBps > cfg.FlowCtrlMaxBps {
		return errors.New("cluster.flow_ctrl_min_bps exceeds flow_ctrl_max_bps")
	}
	if cfg.ReadBufferSize < 64*1024 {
		return errors.New("cluster.read_buffer_size must be at least 64KiB")
	}
	for _, p := range cfg.Peers {
		ip := net.ParseIP(p)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("cluster.peers entry %q is not an IPv4 address", p)
		}
	}
	return nil
}
