package metric

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryExposesTransportNames(t *testing.T) {
	r := NewRegistry()
	r.SendMsgCount.Set(17)
	r.RecvBytes.Set(4096)
	r.PingSuccessCount.Set(3)
	r.InstanceInfo.WithLabelValues("01TESTBOOTID").Set(1)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		"cluster_io_send_msg_count 17",
		"cluster_io_recv_bytes 4096",
		"cluster_ping_success_count 3",
		`cluster_instance_info{boot_id="01TESTBOOTID"} 1`,
		"cluster_io_send_wait_time",
		"cluster_io_loop_interval",
		"cluster_io_fail_msg_count",
		"cluster_io_call_writev_count",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestGatherCounts(t *testing.T) {
	r := NewRegistry()
	fams, err := r.Gather().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range fams {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"cluster_io_drop_msg_count",
		"cluster_io_push_msg_bytes",
		"cluster_io_epoll_wait_count",
		"cluster_ping_time_used",
	} {
		if !names[want] {
			t.Fatalf("family %q not registered", want)
		}
	}
}
