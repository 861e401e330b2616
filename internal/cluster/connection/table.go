package connection

import (
	"sync"
	"sync/atomic"

	"github.com/yndnr/clustermesh-go/internal/cluster/machine"
	"github.com/yndnr/clustermesh-go/internal/cluster/nio"
)

// initialConnectedCap is the starting capacity of a machine's
// connected list; growth doubles from here.
const initialConnectedCap = 64

// tableSlot is one machine's entry in the open-addressed socket table:
// the freelists of idle contexts per role and the currently-connected
// list the dispatcher round-robins over.
type tableSlot struct {
	ip          uint32
	connectFree []*nio.SockContext
	acceptFree  []*nio.SockContext
	connected   []*nio.SockContext
	rrIndex     atomic.Uint32
}

// Table is the per-machine socket-context table, indexed by
// ip mod size with linear probing. Guarded by the controller lock.
type Table struct {
	mu    *sync.Mutex
	slots []tableSlot
}

func newTable(mu *sync.Mutex, maxMachines int) *Table {
	return &Table{mu: mu, slots: make([]tableSlot, maxMachines)}
}

// machineIndex probes for the slot holding ip. -1 when absent.
// Caller holds the lock.
func (t *Table) machineIndex(ip uint32) int {
	n := len(t.slots)
	id := int(ip) % n
	if t.slots[id].ip == ip {
		return id
	}
	for count := 1; count <= n; count++ {
		idx := (id + count) % n
		if t.slots[idx].ip == ip {
			return idx
		}
	}
	return -1
}

// allocMachineIndex probes for a free slot for ip. -1 when the table
// is full. Caller holds the lock.
func (t *Table) allocMachineIndex(ip uint32) int {
	n := len(t.slots)
	id := int(ip) % n
	if t.slots[id].ip == 0 {
		return id
	}
	for count := 1; count <= n; count++ {
		idx := (id + count) % n
		if t.slots[idx].ip == 0 {
			return idx
		}
	}
	return -1
}

// ensureSlot finds or claims the slot for ip. Caller holds the lock.
func (t *Table) ensureSlot(ip uint32) int {
	if idx := t.machineIndex(ip); idx >= 0 {
		return idx
	}
	idx := t.allocMachineIndex(ip)
	if idx >= 0 {
		t.slots[idx].ip = ip
	}
	return idx
}

// seedSlot pre-populates a slot's freelists at pool-creation time.
// Caller holds the lock.
func (t *Table) seedSlot(i int, connect, accept []*nio.SockContext) {
	t.slots[i].connectFree = connect
	t.slots[i].acceptFree = accept
}

// allocSockContext pops an idle context of the given role for ip,
// claiming a table slot on first contact. Nil when exhausted.
func (t *Table) allocSockContext(ip uint32, role nio.ConnectType) *nio.SockContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.ensureSlot(ip)
	if idx < 0 {
		return nil
	}
	list := &t.slots[idx].connectFree
	if role == nio.ConnectTypeServer {
		list = &t.slots[idx].acceptFree
	}
	if len(*list) == 0 {
		return nil
	}
	c := (*list)[len(*list)-1]
	*list = (*list)[:len(*list)-1]
	return c
}

// freeSockContext returns an idle context to its role freelist.
func (t *Table) freeSockContext(c *nio.SockContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freeSockContextLocked(c)
}

func (t *Table) freeSockContextLocked(c *nio.SockContext) {
	idx := t.machineIndex(c.Machine.IP)
	if idx < 0 {
		return
	}
	if c.Type == nio.ConnectTypeServer {
		t.slots[idx].acceptFree = append(t.slots[idx].acceptFree, c)
	} else {
		t.slots[idx].connectFree = append(t.slots[idx].connectFree, c)
	}
}

// addConnected records a context in its machine's dispatch list.
func (t *Table) addConnected(c *nio.SockContext) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addConnectedLocked(c)
}

func (t *Table) addConnectedLocked(c *nio.SockContext) bool {
	idx := t.machineIndex(c.Machine.IP)
	if idx < 0 {
		return false
	}
	s := &t.slots[idx]
	if s.connected == nil {
		s.connected = make([]*nio.SockContext, 0, initialConnectedCap)
	}
	s.connected = append(s.connected, c)
	return true
}

// removeConnected unlinks a context from its machine's dispatch list.
func (t *Table) removeConnected(c *nio.SockContext) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeConnectedLocked(c)
}

func (t *Table) removeConnectedLocked(c *nio.SockContext) bool {
	idx := t.machineIndex(c.Machine.IP)
	if idx < 0 {
		return false
	}
	s := &t.slots[idx]
	for i, sc := range s.connected {
		if sc == c {
			s.connected = append(s.connected[:i], s.connected[i+1:]...)
			return true
		}
	}
	return false
}

// GetSocketContext picks a connected context for the machine in
// round-robin order, with the version the caller must present when
// enqueueing. Nil when no connection is up.
func (t *Table) GetSocketContext(m *machine.Machine) (*nio.SockContext, uint32) {
	t.mu.Lock()
	idx := t.machineIndex(m.IP)
	if idx < 0 || len(t.slots[idx].connected) == 0 {
		t.mu.Unlock()
		return nil, 0
	}
	s := &t.slots[idx]
	c := s.connected[int(s.rrIndex.Add(1))%len(s.connected)]
	t.mu.Unlock()
	return c, c.Version()
}

// ConnectedCount returns the number of live connections to a machine.
func (t *Table) ConnectedCount(m *machine.Machine) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.machineIndex(m.IP)
	if idx < 0 {
		return 0
	}
	return len(t.slots[idx].connected)
}

// freeCounts reports the idle contexts per role for a machine.
// Diagnostic and test support.
func (t *Table) freeCounts(ip uint32) (connect, accept int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.machineIndex(ip)
	if idx < 0 {
		return 0, 0
	}
	return len(t.slots[idx].connectFree), len(t.slots[idx].acceptFree)
}
