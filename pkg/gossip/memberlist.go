package gossip

import (
	"sort"
	"sync"
)

// MemberList maps peer listen addresses to the last status observed for them.
// It never holds the local node's own address. Every method takes the lock
// once and returns copies, so callers can iterate without holding it.
type MemberList struct {
	mu      sync.RWMutex
	self    string
	members map[string]NodeStatus
}

func NewMemberList(self string) *MemberList {
	return &MemberList{
		self:    self,
		members: make(map[string]NodeStatus),
	}
}

// Self returns the local address the list refuses to store.
func (m *MemberList) Self() string {
	return m.self
}

// Upsert replaces the entry for s.Address. It returns false, and stores
// nothing, for the local address or an empty one.
func (m *MemberList) Upsert(s NodeStatus) bool {
	if s.Address == "" || s.Address == m.self {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[s.Address] = s
	return true
}

// Remove deletes address and reports whether it was present.
func (m *MemberList) Remove(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[address]; !ok {
		return false
	}
	delete(m.members, address)
	return true
}

func (m *MemberList) Get(address string) (NodeStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.members[address]
	return s, ok
}

// Snapshot returns every entry sorted by address.
func (m *MemberList) Snapshot() []NodeStatus {
	m.mu.RLock()
	out := make([]NodeStatus, 0, len(m.members))
	for _, s := range m.members {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Addresses returns the known addresses, sorted.
func (m *MemberList) Addresses() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.members))
	for addr := range m.members {
		out = append(out, addr)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *MemberList) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}
