package main

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/yndnr/clustermesh-go/internal/cluster"
	"github.com/yndnr/clustermesh-go/internal/cluster/machine"
	"github.com/yndnr/clustermesh-go/internal/server/config"
	"github.com/yndnr/clustermesh-go/internal/telemetry/metric"
)

// newAdminServer builds the loopback admin endpoint: Prometheus
// metrics, a health probe, and a machine-table dump. Requests are
// paced by a token bucket so a misbehaving scraper cannot load the
// node.
func newAdminServer(cfg *config.NodeConfig, rt *cluster.Runtime, metrics *metric.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/debug/machines", func(w http.ResponseWriter, r *http.Request) {
		type machineInfo struct {
			IP          string `json:"ip"`
			Port        int    `json:"port"`
			Dead        bool   `json:"dead"`
			Connections int    `json:"connections"`
			ProtoMajor  uint32 `json:"proto_major"`
			ProtoMinor  uint32 `json:"proto_minor"`
		}
		var out []machineInfo
		for _, m := range rt.Registry().Machines() {
			out = append(out, machineInfo{
				IP:          machine.IPString(m.IP),
				Port:        m.Port,
				Dead:        m.Dead.Load(),
				Connections: rt.ConnectedCount(m),
				ProtoMajor:  m.ProtoMajor.Load(),
				ProtoMinor:  m.ProtoMinor.Load(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	rps := cfg.Admin.RatePerSecond
	if rps <= 0 {
		rps = config.DefaultAdminRatePerSecond
	}
	limiter := rate.NewLimiter(rate.Limit(rps), rps)

	return &http.Server{
		Addr: cfg.Admin.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
			mux.ServeHTTP(w, r)
		}),
	}
}
