package confloader

import (
	"os"
	"path/filepath"
	"testing"
)

type testConfig struct {
	Cluster struct {
		Port    int      `koanf:"port"`
		Threads int      `koanf:"threads"`
		Peers   []string `koanf:"peers"`
	} `koanf:"cluster"`
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := `
cluster:
  port: 6000
  threads: 4
  peers:
    - 10.0.0.2
    - 10.0.0.3
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var cfg testConfig
	loader := NewLoader(WithConfigFile(path))
	if err := loader.Load(&cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Cluster.Port != 6000 || cfg.Cluster.Threads != 4 {
		t.Fatalf("cluster = %+v", cfg.Cluster)
	}
	if len(cfg.Cluster.Peers) != 2 || cfg.Cluster.Peers[0] != "10.0.0.2" {
		t.Fatalf("peers = %v", cfg.Cluster.Peers)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte("cluster:\n  port: 6000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("CLUSTERMESH_CLUSTER_PORT", "7000")

	var cfg testConfig
	loader := NewLoader(WithConfigFile(path))
	if err := loader.Load(&cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cluster.Port != 7000 {
		t.Fatalf("port = %d, want env override 7000", cfg.Cluster.Port)
	}
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("XMESH_LOG_LEVEL", "warn")

	var cfg testConfig
	loader := NewLoader(WithEnvPrefix("XMESH_"))
	if err := loader.Load(&cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoadMap(t *testing.T) {
	var cfg testConfig
	loader := NewLoader()
	if err := loader.LoadMap(map[string]any{"cluster.threads": 9}); err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if err := loader.Unmarshal(&cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Cluster.Threads != 9 {
		t.Fatalf("threads = %d, want 9", cfg.Cluster.Threads)
	}
	if got := loader.Get("cluster.threads"); got != 9 {
		t.Fatalf("Get = %v, want 9", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg testConfig
	loader := NewLoader(WithConfigFile("/nonexistent/node.yaml"))
	if err := loader.Load(&cfg); err == nil {
		t.Fatalf("missing file accepted")
	}
}
