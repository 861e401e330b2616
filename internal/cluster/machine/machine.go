// Package machine holds the static cluster membership: the set of
// peer machines this node may connect to or accept from, and the
// up/down notification fan-out the transport drives as connections
// come and go.
//
// Membership is configured, not discovered. An inbound connection from
// an address that was never added is rejected by the controller.
package machine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Machine is one peer node.
type Machine struct {
	IP       uint32
	Hostname string
	Port     int

	// Dead is set by higher layers when the peer is known to be down;
	// the reconnection controller shortens its backoff cap for dead
	// peers so recovery is noticed quickly.
	Dead atomic.Bool

	// Negotiated protocol version, written by the handshake.
	ProtoMajor atomic.Uint32
	ProtoMinor atomic.Uint32

	// Connections currently up to this peer.
	Connections atomic.Int32
}

// Addr returns the host:port form of the peer address.
func (m *Machine) Addr() string {
	return fmt.Sprintf("%s:%d", m.Hostname, m.Port)
}

// ParseIPv4 converts a dotted-quad string to the uint32 form used for
// machine-table indexing. Returns 0 for anything that is not IPv4.
func ParseIPv4(s string) uint32 {
	var a, b, c, d uint32
	if n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d); n != 4 || err != nil {
		return 0
	}
	if a > 255 || b > 255 || c > 255 || d > 255 {
		return 0
	}
	return a<<24 | b<<16 | c<<8 | d
}

// IPString renders the uint32 IP back to dotted-quad form.
func IPString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip>>24&0xff, ip>>16&0xff, ip>>8&0xff, ip&0xff)
}

type addrKey struct {
	ip   uint32
	port int
}

// Registry is the membership table plus listener fan-out.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[addrKey]*Machine
	selfIP uint32
	logger *slog.Logger

	onUp   []func(*Machine)
	onDown []func(*Machine)
}

// NewRegistry creates an empty membership registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byAddr: make(map[addrKey]*Machine),
		logger: logger,
	}
}

// SetSelf records this node's own IP, used to stamp outbound session
// ids and to recognize self-registration.
func (r *Registry) SetSelf(ip uint32) {
	r.mu.Lock()
	r.selfIP = ip
	r.mu.Unlock()
}

// SelfIP returns this node's IP.
func (r *Registry) SelfIP() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfIP
}

// Add registers a peer, returning the existing record when the
// address is already known.
func (r *Registry) Add(ip uint32, hostname string, port int) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := addrKey{ip, port}
	if m, ok := r.byAddr[key]; ok {
		return m
	}
	m := &Machine{IP: ip, Hostname: hostname, Port: port}
	r.byAddr[key] = m
	r.logger.Info("machine added", "ip", IPString(ip), "port", port)
	return m
}

// Get looks up a peer by address. Nil when unknown.
func (r *Registry) Get(ip uint32, port int) *Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddr[addrKey{ip, port}]
}

// Machines returns a snapshot of the membership.
func (r *Registry) Machines() []*Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Machine, 0, len(r.byAddr))
	for _, m := range r.byAddr {
		out = append(out, m)
	}
	return out
}

// OnUp registers a callback invoked when the first connection to a
// peer completes its handshake.
func (r *Registry) OnUp(fn func(*Machine)) {
	r.mu.Lock()
	r.onUp = append(r.onUp, fn)
	r.mu.Unlock()
}

// OnDown registers a callback invoked when a peer's last connection
// closes.
func (r *Registry) OnDown(fn func(*Machine)) {
	r.mu.Lock()
	r.onDown = append(r.onDown, fn)
	r.mu.Unlock()
}

// NotifyUp records one more live connection to m and fans out the up
// event on the first.
func (r *Registry) NotifyUp(m *Machine) {
	if m.Connections.Add(1) != 1 {
		return
	}
	r.logger.Info("machine up", "ip", IPString(m.IP), "port", m.Port)
	r.mu.RLock()
	fns := r.onUp
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

// NotifyDown records one less live connection to m and fans out the
// down event on the last.
func (r *Registry) NotifyDown(m *Machine) {
	if m.Connections.Add(-1) != 0 {
		return
	}
	r.logger.Warn("machine down", "ip", IPString(m.IP), "port", m.Port)
	r.mu.RLock()
	fns := r.onDown
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}
