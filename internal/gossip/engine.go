// Package gossip reconciles a cell's DHT with its neighbours. Two loops run
// per cell: a recent loop over the last few minutes of ops and a historical
// loop over everything older. Each round swaps agent infos, compares region
// summaries over the shared part of both arcs, narrows the differing regions
// down to leaves, and exchanges the ops each side is missing.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/queue"
	"github.com/ssd-technologies/holonet/internal/ratelimit"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// MaxTriggers caps how many forced rounds new data can queue up.
const MaxTriggers = 2

var tracer = otel.Tracer("holonet/gossip")

// ErrAlreadyInProgress is returned when a round with the peer is running.
var ErrAlreadyInProgress = errors.New("gossip round already in progress")

// ErrBusy is returned when the inflight cap is reached.
var ErrBusy = errors.New("gossip busy")

// ProtocolError is a round that ended on a terminal message, sent by the
// remote or synthesised for a reply the protocol does not allow.
type ProtocolError struct {
	Kind   MsgKind
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return "gossip: " + e.Kind.String()
	}
	return fmt.Sprintf("gossip: %s: %s", e.Kind, e.Reason)
}

// declined reports whether the remote turned the round down without fault.
func (e *ProtocolError) declined() bool {
	switch e.Kind {
	case MsgBusy, MsgNoAgents, MsgAlreadyInProgress:
		return true
	}
	return false
}

// Tuning holds the gossip parameters.
type Tuning struct {
	RecentThreshold     time.Duration `yaml:"recent_threshold"`
	RecentInterval      time.Duration `yaml:"recent_round_interval"`
	HistoricalInterval  time.Duration `yaml:"historical_round_interval"`
	PeerOnSuccessDelay  time.Duration `yaml:"peer_on_success_delay"`
	PeerOnErrorDelay    time.Duration `yaml:"peer_on_error_delay"`
	MessageTimeout      time.Duration `yaml:"message_timeout"`
	MaxInflight         int           `yaml:"max_inflight"`
	RecentBandwidth     float64       `yaml:"recent_bandwidth_mbps"`
	HistoricalBandwidth float64       `yaml:"historical_bandwidth_mbps"`
	RegionMaxOps        int           `yaml:"region_max_ops"`
	BatchOps            int           `yaml:"batch_ops"`
	ChunkBytes          int           `yaml:"chunk_bytes"`
	// MaxAcceptsPerMinute caps the rounds the cell accepts from all peers.
	MaxAcceptsPerMinute int `yaml:"max_accepts_per_minute"`
}

// DefaultTuning returns the stock parameters.
func DefaultTuning() Tuning {
	return Tuning{
		RecentThreshold:     15 * time.Minute,
		RecentInterval:      10 * time.Second,
		HistoricalInterval:  5 * time.Minute,
		PeerOnSuccessDelay:  60 * time.Second,
		PeerOnErrorDelay:    300 * time.Second,
		MessageTimeout:      60 * time.Second,
		MaxInflight:         3,
		RecentBandwidth:     0.5,
		HistoricalBandwidth: 0.1,
		RegionMaxOps:        32,
		BatchOps:            100,
		ChunkBytes:          512 << 10,
		MaxAcceptsPerMinute: 120,
	}
}

func (t *Tuning) defaults() {
	d := DefaultTuning()
	if t.RecentThreshold <= 0 {
		t.RecentThreshold = d.RecentThreshold
	}
	if t.RecentInterval <= 0 {
		t.RecentInterval = d.RecentInterval
	}
	if t.HistoricalInterval <= 0 {
		t.HistoricalInterval = d.HistoricalInterval
	}
	if t.PeerOnSuccessDelay <= 0 {
		t.PeerOnSuccessDelay = d.PeerOnSuccessDelay
	}
	if t.PeerOnErrorDelay <= 0 {
		t.PeerOnErrorDelay = d.PeerOnErrorDelay
	}
	if t.MessageTimeout <= 0 {
		t.MessageTimeout = d.MessageTimeout
	}
	if t.MaxInflight <= 0 {
		t.MaxInflight = d.MaxInflight
	}
	if t.RecentBandwidth <= 0 {
		t.RecentBandwidth = d.RecentBandwidth
	}
	if t.HistoricalBandwidth <= 0 {
		t.HistoricalBandwidth = d.HistoricalBandwidth
	}
	if t.RegionMaxOps <= 0 {
		t.RegionMaxOps = d.RegionMaxOps
	}
	if t.BatchOps <= 0 {
		t.BatchOps = d.BatchOps
	}
	if t.ChunkBytes <= 0 {
		t.ChunkBytes = d.ChunkBytes
	}
	if t.MaxAcceptsPerMinute <= 0 {
		t.MaxAcceptsPerMinute = d.MaxAcceptsPerMinute
	}
}

// Slots caps concurrent rounds, initiated and accepted together, across the
// cells of one space.
type Slots struct {
	mu   sync.Mutex
	used int
	max  int
}

// NewSlots returns a cap of max rounds.
func NewSlots(max int) *Slots {
	return &Slots{max: max}
}

func (s *Slots) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= s.max {
		return false
	}
	s.used++
	return true
}

func (s *Slots) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used > 0 {
		s.used--
	}
}

// InUse returns the number of running rounds.
func (s *Slots) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// IngestFunc hands ops received by gossip to the incoming ops workflow.
type IngestFunc func(ctx context.Context, ops []types.Op, from hash.Hash) (int, error)

// Config wires an Engine to its cell.
type Config struct {
	Space   hash.Hash
	Agent   hash.Hash
	Dht     *store.DB
	Meta    *store.DB
	Network network.Network
	Peers   *dht.PeerTable
	// Arc returns the cell's current storage arc.
	Arc    func() dht.Arc
	Ingest IngestFunc
	Slots  *Slots
	// Origin is the DNA origin time; the historical loop starts there.
	Origin types.Timestamp
	Clock  clock.Clock
	Logger *slog.Logger
	Tuning Tuning
}

// Engine runs gossip for one cell.
type Engine struct {
	cfg    Config
	tuning Tuning
	logger *slog.Logger
	peers  *peerMetrics

	recent, historical *queue.Trigger
	limits             map[Loop]*rate.Limiter
	accepts            *ratelimit.Limiter
	force              atomic.Int32

	mu         sync.Mutex
	initiating map[hash.Hash]bool
	accepted   map[string]*acceptRound
}

// New builds an engine. Start spawns its loops.
func New(cfg Config) *Engine {
	cfg.Tuning.defaults()
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Arc == nil {
		cfg.Arc = func() dht.Arc { return dht.FullArc(cfg.Agent.Loc()) }
	}
	if cfg.Slots == nil {
		cfg.Slots = NewSlots(cfg.Tuning.MaxInflight)
	}
	t := cfg.Tuning
	logger := cfg.Logger.With("component", "gossip")
	return &Engine{
		cfg:        cfg,
		tuning:     t,
		logger:     logger,
		peers:      newPeerMetrics(cfg.Meta, logger),
		recent:     queue.NewLoopTrigger(t.RecentInterval, t.RecentInterval),
		historical: queue.NewLoopTrigger(t.HistoricalInterval, t.HistoricalInterval),
		limits: map[Loop]*rate.Limiter{
			LoopRecent:     newLimiter(t.RecentBandwidth, t.ChunkBytes),
			LoopHistorical: newLimiter(t.HistoricalBandwidth, t.ChunkBytes),
		},
		accepts:    ratelimit.New(t.MaxAcceptsPerMinute, time.Minute, cfg.Clock.Now),
		initiating: make(map[hash.Hash]bool),
		accepted:   make(map[string]*acceptRound),
	}
}

// newLimiter converts megabits per second into a byte rate. The burst fits
// one full chunk plus framing.
func newLimiter(mbps float64, chunk int) *rate.Limiter {
	bytesPerSec := mbps * 1e6 / 8
	return rate.NewLimiter(rate.Limit(bytesPerSec), 2*chunk)
}

// Start spawns the recent and historical loops on c.
func (e *Engine) Start(c *queue.Consumer) {
	c.Spawn("gossip_recent", e.recent, e.loop(LoopRecent))
	c.Spawn("gossip_historical", e.historical, e.loop(LoopHistorical))
}

// NewIntegratedData lets the recent loop skip the success delay for up to
// MaxTriggers rounds and wakes it.
func (e *Engine) NewIntegratedData() {
	for {
		n := e.force.Load()
		if n >= MaxTriggers || e.force.CompareAndSwap(n, n+1) {
			break
		}
	}
	e.recent.Fire()
}

func (e *Engine) now() types.Timestamp {
	return types.FromTime(e.cfg.Clock.Now())
}

func (e *Engine) loop(loop Loop) queue.Func {
	return func(ctx context.Context) (queue.Outcome, error) {
		e.pruneAccepted()
		force := loop == LoopRecent && e.force.Load() > 0
		peers := e.candidates(ctx, loop, force)
		if len(peers) == 0 {
			return queue.Complete, nil
		}
		var (
			stats RoundStats
			err   error
		)
		for _, p := range peers {
			stats, err = e.Initiate(ctx, loop, p.Agent)
			if !errors.Is(err, ErrAlreadyInProgress) {
				break
			}
		}
		if err != nil {
			e.logger.Debug("gossip round", "loop", loop, "err", err)
			return queue.Complete, nil
		}
		if force {
			e.force.Add(-1)
		}
		e.logger.Debug("gossip round complete", "loop", loop, "peer", stats.Peer.Short(),
			"ops_in", stats.OpsIn, "ops_out", stats.OpsOut, "duration", stats.Duration)
		if loop == LoopRecent && e.force.Load() > 0 {
			return queue.Incomplete, nil
		}
		return queue.Complete, nil
	}
}

func (e *Engine) throttle(ctx context.Context, loop Loop, n int) error {
	lim := e.limits[loop]
	if lim == nil {
		return nil
	}
	for n > 0 {
		k := min(n, lim.Burst())
		if err := lim.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// Serve answers one gossip message from a remote initiator.
func (e *Engine) Serve(ctx context.Context, env *network.Envelope) ([]byte, error) {
	var msg Message
	if err := env.Decode(&msg); err != nil {
		return nil, err
	}
	reply, loop := e.accept(ctx, env.From, &msg)
	b, err := codec.Marshal(reply)
	if err != nil {
		return nil, err
	}
	if loop != 0 {
		if err := e.throttle(ctx, loop, len(b)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Info summarises the engine for the admin API.
type Info struct {
	Inflight int        `json:"inflight"`
	Forced   int        `json:"forced"`
	Accepted int        `json:"accepted"`
	Peers    []PeerInfo `json:"peers"`
}

// Info reports the engine's current state.
func (e *Engine) Info(ctx context.Context) Info {
	e.mu.Lock()
	accepted := len(e.accepted)
	e.mu.Unlock()
	return Info{
		Inflight: e.cfg.Slots.InUse(),
		Forced:   int(e.force.Load()),
		Accepted: accepted,
		Peers:    e.PeerInfos(ctx),
	}
}

// summaries reads our summary of every region.
func (e *Engine) summaries(ctx context.Context, coords []store.RegionCoords) ([]Region, error) {
	out := make([]Region, 0, len(coords))
	err := e.cfg.Dht.Read(ctx, func(tx *store.Txn) error {
		for _, c := range coords {
			d, err := tx.RegionSummary(c)
			if err != nil {
				return err
			}
			out = append(out, Region{Coords: c, Data: d})
		}
		return nil
	})
	return out, err
}

// hashesIn lists our integrated op hashes inside the leaves.
func (e *Engine) hashesIn(ctx context.Context, leaves []store.RegionCoords) ([]hash.Hash, error) {
	seen := make(map[hash.Hash]bool)
	var out []hash.Hash
	err := e.cfg.Dht.Read(ctx, func(tx *store.Txn) error {
		for _, c := range leaves {
			hs, err := tx.OpHashesInRegion(c)
			if err != nil {
				return err
			}
			for _, h := range hs {
				if !seen[h] {
					seen[h] = true
					out = append(out, h)
				}
			}
		}
		return nil
	})
	return out, err
}

// stamps lists the agent info versions we hold.
func (e *Engine) stamps() []AgentStamp {
	all := e.cfg.Peers.All()
	out := make([]AgentStamp, len(all))
	for i, info := range all {
		out[i] = AgentStamp{Agent: info.Agent, SignedAt: info.SignedAt}
	}
	return out
}

// agentsNewerThan returns the infos we hold that the other side lacks or
// holds an older version of.
func (e *Engine) agentsNewerThan(theirs []AgentStamp) []dht.AgentInfo {
	idx := make(map[hash.Hash]types.Timestamp, len(theirs))
	for _, s := range theirs {
		idx[s.Agent] = s.SignedAt
	}
	var out []dht.AgentInfo
	for _, info := range e.cfg.Peers.All() {
		if at, ok := idx[info.Agent]; ok && at >= info.SignedAt {
			continue
		}
		out = append(out, info)
	}
	return out
}

// storeAgents puts received infos into the peer table, which persists them
// to the agent store. Expired and badly signed infos are dropped.
func (e *Engine) storeAgents(infos []dht.AgentInfo, from hash.Hash) int {
	n := 0
	for _, info := range infos {
		changed, err := e.cfg.Peers.Put(info)
		if err != nil {
			e.logger.Warn("drop gossiped agent info", "from", from.Short(), "agent", info.Agent.Short(), "err", err)
			continue
		}
		if changed {
			n++
		}
	}
	return n
}

// hasSelf reports whether our own agent info is known, which a cell needs
// before it can take part in rounds.
func (e *Engine) hasSelf() bool {
	_, ok := e.cfg.Peers.Get(e.cfg.Agent)
	return ok
}
