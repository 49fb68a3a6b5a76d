package broker

import (
	"net"
	"sync"
	"time"

	"github.com/tenzoki/meshwire/internal/mux"
)

// Member is a broker-side membership entry: everything the broker knows
// about one connected node for the lifetime of its TCP connection.
type Member struct {
	Group    string
	Mac      string
	Version  string
	OS       string
	Name     string
	Methods  map[string]string
	Pipe     *mux.Pipe
	Conn     net.Conn
	LastSeen time.Time
	flowGate chan struct{}
}

func newMember(group, mac string) *Member {
	return &Member{
		Group:    group,
		Mac:      mac,
		flowGate: make(chan struct{}, 1),
	}
}

// acquireFlow blocks until this member is not mid flow_trans, then marks
// it busy. release() must be called exactly once to unblock the next
// flow_trans.
func (m *Member) acquireFlow() func() {
	m.flowGate <- struct{}{}
	return func() { <-m.flowGate }
}

// registry is a single-writer map of mac to Member for one broker port:
// only the accept and finish paths mutate it (per the broker registry
// design note), so readers use an RWMutex read lock.
type registry struct {
	mu      sync.RWMutex
	members map[string]*Member
}

func newRegistry() *registry {
	return &registry{members: make(map[string]*Member)}
}

// admit evicts any existing member with the same mac, then inserts m.
// This is the duplicate-mac eviction invariant: at most one entry per mac.
func (r *registry) admit(m *Member) (evicted *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.members[m.Mac]; ok {
		evicted = prev
	}
	r.members[m.Mac] = m
	return evicted
}

// remove deletes m's entry only if it is still the registered member for
// its mac: an evicted connection's deferred cleanup must not tear out the
// replacement that evicted it.
func (r *registry) remove(m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.members[m.Mac]; ok && cur == m {
		delete(r.members, m.Mac)
	}
}

func (r *registry) get(mac string) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[mac]
	return m, ok
}

// list returns a snapshot of current members, safe to range over without
// holding the registry lock.
func (r *registry) list() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}
