package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// historyLen bounds each per-peer history.
const historyLen = 10

// PeerHistory is what one loop remembers about one remote agent. Every list
// holds at most historyLen timestamps, newest last.
type PeerHistory struct {
	Initiates      []types.Timestamp `cbor:"1,keyasint,omitempty" json:"initiates,omitempty"`
	RemoteRounds   []types.Timestamp `cbor:"2,keyasint,omitempty" json:"remote_rounds,omitempty"`
	CompleteRounds []types.Timestamp `cbor:"3,keyasint,omitempty" json:"complete_rounds,omitempty"`
	Errors         []types.Timestamp `cbor:"4,keyasint,omitempty" json:"errors,omitempty"`
}

func push(list []types.Timestamp, ts types.Timestamp) []types.Timestamp {
	list = append(list, ts)
	if len(list) > historyLen {
		list = list[len(list)-historyLen:]
	}
	return list
}

func last(list []types.Timestamp) (types.Timestamp, bool) {
	if len(list) == 0 {
		return 0, false
	}
	return list[len(list)-1], true
}

// LastSuccess returns the time of the last completed round.
func (h *PeerHistory) LastSuccess() (types.Timestamp, bool) { return last(h.CompleteRounds) }

// LastError returns the time of the last failed round.
func (h *PeerHistory) LastError() (types.Timestamp, bool) { return last(h.Errors) }

type event uint8

const (
	eventInitiate event = iota
	eventRemoteRound
	eventComplete
	eventError
)

type peerKey struct {
	agent hash.Hash
	loop  Loop
}

// peerMetrics caches histories in memory and writes them through to the
// peer meta store so delays survive a restart.
type peerMetrics struct {
	mu      sync.Mutex
	db      *store.DB
	logger  *slog.Logger
	entries map[peerKey]*PeerHistory
}

func newPeerMetrics(db *store.DB, logger *slog.Logger) *peerMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &peerMetrics{db: db, logger: logger, entries: make(map[peerKey]*PeerHistory)}
}

func metaKey(loop Loop) string { return "gossip." + loop.String() }

// get returns a copy of the history. A history that cannot be read is
// reported as empty.
func (m *peerMetrics) get(ctx context.Context, agent hash.Hash, loop Loop, now types.Timestamp) PeerHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.load(ctx, peerKey{agent, loop}, now)
	if err != nil {
		m.logger.Warn("read gossip peer history", "peer", agent.Short(), "loop", loop, "err", err)
		return PeerHistory{}
	}
	return PeerHistory{
		Initiates:      slices.Clone(h.Initiates),
		RemoteRounds:   slices.Clone(h.RemoteRounds),
		CompleteRounds: slices.Clone(h.CompleteRounds),
		Errors:         slices.Clone(h.Errors),
	}
}

// load must be called with m.mu held. Only histories read successfully, or
// absent from the store, are cached.
func (m *peerMetrics) load(ctx context.Context, k peerKey, now types.Timestamp) (*PeerHistory, error) {
	if h, ok := m.entries[k]; ok {
		return h, nil
	}
	h := &PeerHistory{}
	if m.db != nil {
		var blob []byte
		err := m.db.Read(ctx, func(tx *store.Txn) (err error) {
			blob, err = tx.GetPeerMeta(k.agent, metaKey(k.loop), now)
			return err
		})
		switch {
		case err == nil:
			if err := codec.Unmarshal(blob, h); err != nil {
				// A corrupt record is replaced by the next write.
				m.logger.Warn("decode gossip peer history", "peer", k.agent.Short(), "loop", k.loop, "err", err)
				h = &PeerHistory{}
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	m.entries[k] = h
	return h, nil
}

// record appends ev to the history and writes it through. Nothing changes
// when the stored history cannot be read, so it is never overwritten with a
// partial one.
func (m *peerMetrics) record(ctx context.Context, agent hash.Hash, loop Loop, ev event, now types.Timestamp) error {
	m.mu.Lock()
	h, err := m.load(ctx, peerKey{agent, loop}, now)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("read peer history: %w", err)
	}
	switch ev {
	case eventInitiate:
		h.Initiates = push(h.Initiates, now)
	case eventRemoteRound:
		h.RemoteRounds = push(h.RemoteRounds, now)
	case eventComplete:
		h.CompleteRounds = push(h.CompleteRounds, now)
	case eventError:
		h.Errors = push(h.Errors, now)
	}
	blob := codec.MustMarshal(h)
	m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	if err := m.db.Write(ctx, func(tx *store.Txn) error {
		return tx.PutPeerMeta(agent, metaKey(loop), blob, nil)
	}); err != nil {
		return fmt.Errorf("write peer history: %w", err)
	}
	return nil
}

// candidates returns the peers a loop may initiate with, best first. Peers
// inside their success or error delay are skipped; force lifts the success
// delay. Never-gossiped peers sort first, then the longest since success.
func (e *Engine) candidates(ctx context.Context, loop Loop, force bool) []dht.AgentInfo {
	now := e.now()
	ours := dht.ArcSetOf(e.cfg.Arc())
	type candidate struct {
		info dht.AgentInfo
		last types.Timestamp
		ok   bool
	}
	var out []candidate
	for _, info := range e.cfg.Peers.All() {
		if info.Agent == e.cfg.Agent {
			continue
		}
		// With an empty arc we still gossip agents with anyone.
		if len(ours) > 0 && len(ours.Intersect(dht.ArcSetOf(info.Arc))) == 0 {
			continue
		}
		h := e.peers.get(ctx, info.Agent, loop, now)
		if ts, ok := h.LastError(); ok && now.Sub(ts) < e.tuning.PeerOnErrorDelay {
			continue
		}
		ts, ok := h.LastSuccess()
		if ok && !force && now.Sub(ts) < e.tuning.PeerOnSuccessDelay {
			continue
		}
		out = append(out, candidate{info, ts, ok})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ok != out[j].ok {
			return !out[i].ok
		}
		return out[i].last < out[j].last
	})
	infos := make([]dht.AgentInfo, len(out))
	for i, c := range out {
		infos[i] = c.info
	}
	return infos
}

// PeerInfo is one peer's gossip history, as reported by GossipInfo.
type PeerInfo struct {
	Agent      hash.Hash   `json:"agent"`
	Recent     PeerHistory `json:"recent"`
	Historical PeerHistory `json:"historical"`
}

// PeerInfos reports the histories for every known peer.
func (e *Engine) PeerInfos(ctx context.Context) []PeerInfo {
	now := e.now()
	var out []PeerInfo
	for _, info := range e.cfg.Peers.All() {
		if info.Agent == e.cfg.Agent {
			continue
		}
		out = append(out, PeerInfo{
			Agent:      info.Agent,
			Recent:     e.peers.get(ctx, info.Agent, LoopRecent, now),
			Historical: e.peers.get(ctx, info.Agent, LoopHistorical, now),
		})
	}
	return out
}
