// Peer table for one DHT space.
//
// The table holds the latest signed AgentInfo per agent. Authority selection
// prefers agents whose arcs cover a basis, ordered by ring distance from the
// basis to the agent's arc centre; agents that do not cover the basis are
// only used to fill up the requested count.
package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/ssd-technologies/holonet/internal/hash"
)

// Persister receives every accepted agent info so the table survives
// restarts. AgentStore implements it.
type Persister interface {
	PutAgentInfo(info AgentInfo) error
}

// PeerTable is the in-memory view of the agents known in one space.
type PeerTable struct {
	mu      sync.RWMutex
	space   hash.Hash
	peers   map[hash.Hash]AgentInfo
	persist Persister
	now     func() time.Time
}

// NewPeerTable creates an empty table for space. persist may be nil.
func NewPeerTable(space hash.Hash, persist Persister) *PeerTable {
	return &PeerTable{
		space:   space,
		peers:   make(map[hash.Hash]AgentInfo),
		persist: persist,
		now:     time.Now,
	}
}

// Space returns the space this table tracks.
func (t *PeerTable) Space() hash.Hash {
	return t.space
}

// Put records info if it belongs to this space, verifies, has not expired and
// is newer than what we hold. It reports whether the table changed.
func (t *PeerTable) Put(info AgentInfo) (bool, error) {
	if info.Space != t.space {
		return false, nil
	}
	if info.Expired(t.now()) {
		return false, nil
	}
	if err := info.Verify(); err != nil {
		return false, err
	}

	t.mu.Lock()
	existing, ok := t.peers[info.Agent]
	if ok && existing.SignedAt >= info.SignedAt {
		t.mu.Unlock()
		return false, nil
	}
	t.peers[info.Agent] = info
	t.mu.Unlock()

	if t.persist != nil {
		if err := t.persist.PutAgentInfo(info); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Get returns the info for agent.
func (t *PeerTable) Get(agent hash.Hash) (AgentInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.peers[agent]
	if ok && info.Expired(t.now()) {
		return AgentInfo{}, false
	}
	return info, ok
}

// Remove drops an agent.
func (t *PeerTable) Remove(agent hash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, agent)
}

// All returns every unexpired agent info.
func (t *PeerTable) All() []AgentInfo {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]AgentInfo, 0, len(t.peers))
	for _, info := range t.peers {
		if !info.Expired(now) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent.Compare(out[j].Agent) < 0 })
	return out
}

// Arcs returns the arcs of every unexpired agent.
func (t *PeerTable) Arcs() []Arc {
	all := t.All()
	arcs := make([]Arc, len(all))
	for i, info := range all {
		arcs[i] = info.Arc
	}
	return arcs
}

// ClosestN returns up to n agents to hold basis, skipping any in exclude.
func (t *PeerTable) ClosestN(basis uint32, n int, exclude map[hash.Hash]bool) []AgentInfo {
	all := t.All()
	candidates := all[:0]
	for _, info := range all {
		if exclude[info.Agent] || info.Arc.IsEmpty() {
			continue
		}
		candidates = append(candidates, info)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i].Arc.Contains(basis), candidates[j].Arc.Contains(basis)
		if ci != cj {
			return ci
		}
		return DistanceLess(basis, candidates[i].Arc.Center, candidates[j].Arc.Center)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Covering returns the agents whose arcs contain basis.
func (t *PeerTable) Covering(basis uint32) []AgentInfo {
	var out []AgentInfo
	for _, info := range t.All() {
		if info.Arc.Contains(basis) {
			out = append(out, info)
		}
	}
	return out
}

// Prune removes expired infos and returns how many were dropped.
func (t *PeerTable) Prune() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for agent, info := range t.peers {
		if info.Expired(now) {
			delete(t.peers, agent)
			n++
		}
	}
	return n
}

// Size returns the number of agents held, expired or not.
func (t *PeerTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
