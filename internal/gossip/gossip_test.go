package gossip

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/holonet/internal/chain"
	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/keystore"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

var space = hash.FromContent([]byte("gossip-dna"))

type fixture struct {
	ks  *keystore.Local
	hub *network.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ks := keystore.NewMemory()
	hub := network.NewHub()
	t.Cleanup(func() {
		hub.Close()
		ks.Close()
	})
	return &fixture{ks: ks, hub: hub}
}

type node struct {
	agent  hash.Hash
	info   dht.AgentInfo
	dht    *store.DB
	peers  *dht.PeerTable
	engine *Engine
}

func openDB(t *testing.T, kind store.Kind) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.Path(t.TempDir(), kind, "test"), kind, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// ingestIntegrated stands in for the incoming ops workflow: it stores what
// arrives as valid and integrated.
func ingestIntegrated(db *store.DB) IngestFunc {
	return func(ctx context.Context, ops []types.Op, _ hash.Hash) (int, error) {
		n := 0
		now := types.Now()
		err := db.Write(ctx, func(tx *store.Txn) error {
			for i := range ops {
				added, err := tx.InsertOp(&ops[i], store.OpFlags{
					Stage:          types.StageAppValidated,
					Status:         types.StatusValid,
					WhenReceived:   now,
					WhenIntegrated: &now,
				})
				if err != nil {
					return err
				}
				if added {
					n++
				}
			}
			return nil
		})
		return n, err
	}
}

type nodeOpt func(*Config)

func (f *fixture) add(t *testing.T, opts ...nodeOpt) *node {
	t.Helper()
	ctx := context.Background()
	agent, err := f.ks.GenerateSignKeypair(ctx)
	require.NoError(t, err)

	n := &node{agent: agent, dht: openDB(t, store.KindDht), peers: dht.NewPeerTable(space, nil)}
	authored := openDB(t, store.KindAuthored)
	c := chain.New(chain.Config{Author: agent, Dna: space, Authored: authored, Dht: n.dht, Signer: f.ks})
	require.NoError(t, c.Genesis(ctx, nil))

	n.info = f.sign(t, agent, dht.FullArc(agent.Loc()))
	_, err = n.peers.Put(n.info)
	require.NoError(t, err)

	cfg := Config{
		Space:   space,
		Agent:   agent,
		Dht:     n.dht,
		Meta:    openDB(t, store.KindPeerMetaStore),
		Network: f.hub,
		Peers:   n.peers,
		Ingest:  ingestIntegrated(n.dht),
	}
	for _, o := range opts {
		o(&cfg)
	}
	n.engine = New(cfg)
	f.hub.Join(space, agent, n.engine.Serve)
	return n
}

func (f *fixture) sign(t *testing.T, agent hash.Hash, arc dht.Arc) dht.AgentInfo {
	t.Helper()
	now := time.Now()
	info, err := dht.SignAgentInfo(context.Background(), f.ks, dht.AgentInfoContent{
		Space:     space,
		Agent:     agent,
		Arc:       arc,
		SignedAt:  types.FromTime(now),
		ExpiresAt: types.FromTime(now.Add(time.Hour)),
	})
	require.NoError(t, err)
	return info
}

// knows puts other's agent info into n's peer table.
func (n *node) knows(t *testing.T, other *node) {
	t.Helper()
	_, err := n.peers.Put(other.info)
	require.NoError(t, err)
}

func (n *node) integrated(t *testing.T) map[hash.Hash]bool {
	t.Helper()
	out := make(map[hash.Hash]bool)
	require.NoError(t, n.dht.Read(context.Background(), func(tx *store.Txn) error {
		hs, err := tx.OpHashesInRegion(store.RegionCoords{
			LocStart: 0, LocEnd: store.LocBuckets - 1,
			TimeStart: 0, TimeEnd: store.TimeBucket(types.Now()) + 10,
		})
		for _, h := range hs {
			out[h] = true
		}
		return err
	}))
	return out
}

func TestRoundSyncsOpsAndAgentsBothWays(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.add(t), f.add(t), f.add(t)
	alice.knows(t, bob)
	alice.knows(t, carol)

	aliceOps, bobOps := alice.integrated(t), bob.integrated(t)
	require.NotEmpty(t, aliceOps)
	require.NotEmpty(t, bobOps)

	stats, err := alice.engine.Initiate(context.Background(), LoopRecent, bob.agent)
	require.NoError(t, err)
	assert.Equal(t, len(bobOps), stats.OpsIn)
	assert.Equal(t, len(aliceOps), stats.OpsOut)
	assert.NotZero(t, stats.Leaves)

	want := make(map[hash.Hash]bool)
	for h := range aliceOps {
		want[h] = true
	}
	for h := range bobOps {
		want[h] = true
	}
	assert.Equal(t, want, alice.integrated(t))
	assert.Equal(t, want, bob.integrated(t))

	_, ok := bob.peers.Get(alice.agent)
	assert.True(t, ok, "bob learns the initiator")
	_, ok = bob.peers.Get(carol.agent)
	assert.True(t, ok, "bob learns agents only alice knew")
}

func TestSecondRoundFindsNothingToDo(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.add(t), f.add(t)
	alice.knows(t, bob)

	_, err := alice.engine.Initiate(context.Background(), LoopRecent, bob.agent)
	require.NoError(t, err)
	stats, err := alice.engine.Initiate(context.Background(), LoopRecent, bob.agent)
	require.NoError(t, err)
	assert.Zero(t, stats.Leaves)
	assert.Zero(t, stats.OpsIn)
	assert.Zero(t, stats.OpsOut)
	assert.Zero(t, alice.engine.cfg.Slots.InUse())
	assert.Zero(t, bob.engine.Info(context.Background()).Accepted)
}

func TestSmallLeavesStillConverge(t *testing.T) {
	f := newFixture(t)
	small := func(c *Config) { c.Tuning.RegionMaxOps = 1 }
	alice, bob := f.add(t, small), f.add(t, small)
	alice.knows(t, bob)

	stats, err := alice.engine.Initiate(context.Background(), LoopRecent, bob.agent)
	require.NoError(t, err)
	assert.Greater(t, stats.Regions, rootSlices, "differing regions were halved")
	assert.Equal(t, alice.integrated(t), bob.integrated(t))
}

func TestHistoricalLoopCoversOlderOps(t *testing.T) {
	f := newFixture(t)
	later := func(c *Config) { c.Clock = clock.NewFake(time.Now().Add(2 * time.Hour)) }
	alice, bob := f.add(t, later), f.add(t, later)
	alice.knows(t, bob)

	stats, err := alice.engine.Initiate(context.Background(), LoopRecent, bob.agent)
	require.NoError(t, err)
	assert.Zero(t, stats.OpsIn+stats.OpsOut, "genesis ops are outside the recent window")

	stats, err = alice.engine.Initiate(context.Background(), LoopHistorical, bob.agent)
	require.NoError(t, err)
	assert.NotZero(t, stats.OpsIn)
	assert.Equal(t, alice.integrated(t), bob.integrated(t))
}

func TestDisjointArcsExchangeNoOps(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.add(t), f.add(t)
	bob.engine.cfg.Arc = func() dht.Arc { return dht.EmptyArc(bob.agent.Loc()) }
	alice.knows(t, bob)

	before := bob.integrated(t)
	stats, err := alice.engine.Initiate(context.Background(), LoopRecent, bob.agent)
	require.NoError(t, err)
	assert.Zero(t, stats.OpsIn+stats.OpsOut)
	assert.Equal(t, before, bob.integrated(t))
}

func rawCall(t *testing.T, f *fixture, from, to hash.Hash, kind MsgKind, round string, body any) Message {
	t.Helper()
	msg, err := newMessage(kind, round, body)
	require.NoError(t, err)
	var reply Message
	require.NoError(t, network.Call(context.Background(), f.hub, network.KindGossip, space, from, to, msg, &reply))
	return reply
}

func TestAcceptorAnswersOutOfOrderMessages(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.add(t), f.add(t)

	reply := rawCall(t, f, alice.agent, bob.agent, MsgOpRegions, "nope", OpRegions{})
	assert.Equal(t, MsgUnexpectedMessage, reply.Kind)

	reply = rawCall(t, f, alice.agent, bob.agent, MsgInitiate, "r1", Initiate{
		Loop: LoopRecent, Arcs: []dht.Arc{alice.info.Arc},
	})
	require.Equal(t, MsgAccept, reply.Kind)
	assert.Equal(t, 1, bob.engine.Info(context.Background()).Accepted)

	// Skipping the agent exchange drops the round.
	reply = rawCall(t, f, alice.agent, bob.agent, MsgMissingOps, "r1", MissingOps{Status: AllComplete})
	assert.Equal(t, MsgUnexpectedMessage, reply.Kind)
	assert.Zero(t, bob.engine.Info(context.Background()).Accepted)
	assert.Zero(t, bob.engine.cfg.Slots.InUse())

	reply = rawCall(t, f, alice.agent, bob.agent, MsgAgents, "r1", Agents{})
	assert.Equal(t, MsgUnexpectedMessage, reply.Kind, "dropped rounds stay dropped")
}

func TestAcceptorRejectsForeignRegions(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.add(t), f.add(t)

	reply := rawCall(t, f, alice.agent, bob.agent, MsgInitiate, "r1", Initiate{
		Loop: LoopRecent, Arcs: []dht.Arc{alice.info.Arc}, WindowStart: 10, WindowEnd: 20,
	})
	require.Equal(t, MsgAccept, reply.Kind)
	reply = rawCall(t, f, alice.agent, bob.agent, MsgAgents, "r1", Agents{})
	require.Equal(t, MsgMissingAgents, reply.Kind)

	reply = rawCall(t, f, alice.agent, bob.agent, MsgOpRegions, "r1", OpRegions{Regions: []Region{{
		Coords: store.RegionCoords{LocStart: 0, LocEnd: 10, TimeStart: 0, TimeEnd: 30},
	}}})
	assert.Equal(t, MsgError, reply.Kind)
	assert.Zero(t, bob.engine.Info(context.Background()).Accepted)
}

// ordered returns the two nodes sorted by agent key.
func ordered(a, b *node) (lo, hi *node) {
	if bytes.Compare(a.agent[:], b.agent[:]) < 0 {
		return a, b
	}
	return b, a
}

func (n *node) markInitiating(peer hash.Hash) {
	n.engine.mu.Lock()
	n.engine.initiating[peer] = true
	n.engine.mu.Unlock()
}

func TestCrossingInitiatesLowerAgentYields(t *testing.T) {
	f := newFixture(t)
	lo, hi := ordered(f.add(t), f.add(t))
	ctx := context.Background()
	lo.markInitiating(hi.agent)
	hi.markInitiating(lo.agent)

	reply := rawCall(t, f, lo.agent, hi.agent, MsgInitiate, "from-lo", Initiate{
		Loop: LoopRecent, Arcs: []dht.Arc{lo.info.Arc},
	})
	assert.Equal(t, MsgAlreadyInProgress, reply.Kind)
	assert.Zero(t, hi.engine.Info(ctx).Accepted)

	reply = rawCall(t, f, hi.agent, lo.agent, MsgInitiate, "from-hi", Initiate{
		Loop: LoopRecent, Arcs: []dht.Arc{hi.info.Arc},
	})
	assert.Equal(t, MsgAccept, reply.Kind)
	assert.Equal(t, 1, lo.engine.Info(ctx).Accepted)
}

func TestCrossingInitiateStillCompletesOneRound(t *testing.T) {
	f := newFixture(t)
	lo, hi := ordered(f.add(t), f.add(t))
	lo.knows(t, hi)
	hi.knows(t, lo)
	ctx := context.Background()

	// hi's initiate lands while lo is mid-initiate: lo gives way.
	lo.markInitiating(hi.agent)
	_, err := hi.engine.Initiate(ctx, LoopRecent, lo.agent)
	require.NoError(t, err)
	assert.Equal(t, hi.integrated(t), lo.integrated(t))

	// The other way round lo is declined without penalty.
	hi.markInitiating(lo.agent)
	lo.engine.endInitiate(hi.agent)
	_, err = lo.engine.Initiate(ctx, LoopRecent, hi.agent)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MsgAlreadyInProgress, perr.Kind)
	h := lo.engine.peers.get(ctx, hi.agent, LoopRecent, types.Now())
	assert.Empty(t, h.Errors)
}

func TestBusyAcceptorDeclinesWithoutPenalty(t *testing.T) {
	f := newFixture(t)
	full := NewSlots(1)
	require.True(t, full.acquire())
	alice := f.add(t)
	bob := f.add(t, func(c *Config) { c.Slots = full })
	alice.knows(t, bob)

	_, err := alice.engine.Initiate(context.Background(), LoopRecent, bob.agent)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MsgBusy, perr.Kind)

	h := alice.engine.peers.get(context.Background(), bob.agent, LoopRecent, types.Now())
	assert.Empty(t, h.Errors)
	assert.Len(t, h.Initiates, 1)
	assert.Len(t, alice.engine.candidates(context.Background(), LoopRecent, false), 1)
}

func TestAcceptorThrottlesRoundsAcrossPeers(t *testing.T) {
	f := newFixture(t)
	alice, carol := f.add(t), f.add(t)
	bob := f.add(t, func(c *Config) { c.Tuning.MaxAcceptsPerMinute = 1 })
	alice.knows(t, bob)
	carol.knows(t, bob)
	ctx := context.Background()

	_, err := alice.engine.Initiate(ctx, LoopRecent, bob.agent)
	require.NoError(t, err)

	_, err = carol.engine.Initiate(ctx, LoopRecent, bob.agent)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MsgBusy, perr.Kind)
	assert.Empty(t, carol.engine.peers.get(ctx, bob.agent, LoopRecent, types.Now()).Errors)
}

func TestNoAgentsBeforeOwnInfoIsKnown(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.add(t), f.add(t)
	alice.knows(t, bob)
	bob.peers.Remove(bob.agent)

	_, err := alice.engine.Initiate(context.Background(), LoopRecent, bob.agent)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MsgNoAgents, perr.Kind)
}

func TestPeerSelectionHonoursDelays(t *testing.T) {
	f := newFixture(t)
	clk := clock.NewFake(time.Now())
	alice := f.add(t, func(c *Config) { c.Clock = clk })
	bob, carol := f.add(t), f.add(t)
	alice.knows(t, bob)
	alice.knows(t, carol)
	ctx := context.Background()

	require.Len(t, alice.engine.candidates(ctx, LoopRecent, false), 2)
	_, err := alice.engine.Initiate(ctx, LoopRecent, bob.agent)
	require.NoError(t, err)

	got := alice.engine.candidates(ctx, LoopRecent, false)
	require.Len(t, got, 1)
	assert.Equal(t, carol.agent, got[0].Agent)

	forced := alice.engine.candidates(ctx, LoopRecent, true)
	require.Len(t, forced, 2)
	assert.Equal(t, carol.agent, forced[0].Agent, "never-gossiped peers come first")

	assert.Len(t, alice.engine.candidates(ctx, LoopHistorical, false), 2, "delays are per loop")

	clk.Advance(61 * time.Second)
	assert.Len(t, alice.engine.candidates(ctx, LoopRecent, false), 2)
}

func TestErroredPeerWaitsOutErrorDelay(t *testing.T) {
	f := newFixture(t)
	clk := clock.NewFake(time.Now())
	alice := f.add(t, func(c *Config) { c.Clock = clk })
	bob := f.add(t)
	alice.knows(t, bob)
	ctx := context.Background()

	f.hub.SetOffline(bob.agent, true)
	_, err := alice.engine.Initiate(ctx, LoopRecent, bob.agent)
	require.Error(t, err)
	assert.Empty(t, alice.engine.candidates(ctx, LoopRecent, true))

	clk.Advance(301 * time.Second)
	assert.Len(t, alice.engine.candidates(ctx, LoopRecent, false), 1)
}

func TestNewIntegratedDataIsCapped(t *testing.T) {
	f := newFixture(t)
	alice := f.add(t)
	for i := 0; i < 5; i++ {
		alice.engine.NewIntegratedData()
	}
	assert.EqualValues(t, MaxTriggers, alice.engine.force.Load())
}

func TestPeerHistorySurvivesRestart(t *testing.T) {
	f := newFixture(t)
	meta := openDB(t, store.KindPeerMetaStore)
	alice := f.add(t, func(c *Config) { c.Meta = meta })
	bob := f.add(t)
	alice.knows(t, bob)
	ctx := context.Background()

	_, err := alice.engine.Initiate(ctx, LoopRecent, bob.agent)
	require.NoError(t, err)

	fresh := newPeerMetrics(meta, nil)
	h := fresh.get(ctx, bob.agent, LoopRecent, types.Now())
	assert.Len(t, h.Initiates, 1)
	assert.Len(t, h.CompleteRounds, 1)
}

func TestUnreadableHistoryIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	path := store.Path(t.TempDir(), store.KindPeerMetaStore, "meta")
	open := func() *store.DB {
		db, err := store.Open(ctx, path, store.KindPeerMetaStore, nil)
		require.NoError(t, err)
		return db
	}
	peer := hash.FromContent([]byte("peer"))

	db := open()
	require.NoError(t, newPeerMetrics(db, nil).record(ctx, peer, LoopRecent, eventComplete, types.Now()))
	require.NoError(t, db.Close())

	broken := newPeerMetrics(db, nil)
	assert.Error(t, broken.record(ctx, peer, LoopRecent, eventError, types.Now()))
	assert.Empty(t, broken.get(ctx, peer, LoopRecent, types.Now()).CompleteRounds)
	assert.Empty(t, broken.entries, "failed reads are not cached")

	db = open()
	defer db.Close()
	h := newPeerMetrics(db, nil).get(ctx, peer, LoopRecent, types.Now())
	assert.Len(t, h.CompleteRounds, 1)
	assert.Empty(t, h.Errors)
}

func TestRootRegionsCoverTheArc(t *testing.T) {
	full := rootRegions(dht.ArcSetOf(dht.FullArc(0)), 5, 7)
	require.Len(t, full, rootSlices)
	assert.EqualValues(t, 0, full[0].LocStart)
	assert.EqualValues(t, store.LocBuckets-1, full[len(full)-1].LocEnd)
	for i := 1; i < len(full); i++ {
		assert.Equal(t, full[i-1].LocEnd+1, full[i].LocStart)
		assert.EqualValues(t, 5, full[i].TimeStart)
		assert.EqualValues(t, 7, full[i].TimeEnd)
	}

	assert.Empty(t, rootRegions(nil, 0, 10))
	assert.Empty(t, rootRegions(dht.ArcSetOf(dht.FullArc(0)), 10, 9))

	// A wrapping arc becomes two spans that never merge into one slice.
	wrap := rootRegions(dht.ArcSetOf(dht.Arc{Center: 0, HalfLen: 1 << 28}), 0, 0)
	for _, c := range wrap {
		lo, hi := c.LocRange()
		assert.False(t, lo < 1<<31 && hi > 1<<31, "slice %+v crosses the gap", c)
	}
}

func TestHalveSplitsTheWiderSide(t *testing.T) {
	a, b, ok := halve(store.RegionCoords{LocStart: 0, LocEnd: 7, TimeStart: 0, TimeEnd: 1})
	require.True(t, ok)
	assert.Equal(t, store.RegionCoords{LocStart: 0, LocEnd: 3, TimeStart: 0, TimeEnd: 1}, a)
	assert.Equal(t, store.RegionCoords{LocStart: 4, LocEnd: 7, TimeStart: 0, TimeEnd: 1}, b)

	a, b, ok = halve(store.RegionCoords{LocStart: 3, LocEnd: 3, TimeStart: 10, TimeEnd: 14})
	require.True(t, ok)
	assert.Equal(t, int64(12), a.TimeEnd)
	assert.Equal(t, int64(13), b.TimeStart)

	_, _, ok = halve(store.RegionCoords{LocStart: 3, LocEnd: 3, TimeStart: 9, TimeEnd: 9})
	assert.False(t, ok)
}

func TestOpBatchesAreCompressed(t *testing.T) {
	f := newFixture(t)
	alice := f.add(t)
	var ops []types.Op
	require.NoError(t, alice.dht.Read(context.Background(), func(tx *store.Txn) error {
		hs, err := tx.OpHashesInRegion(store.RegionCoords{LocEnd: store.LocBuckets - 1, TimeEnd: store.TimeBucket(types.Now()) + 1})
		if err != nil {
			return err
		}
		rows, err := tx.GetOps(hs)
		for _, r := range rows {
			ops = append(ops, r.Op)
		}
		return err
	}))
	require.NotEmpty(t, ops)

	packed, err := packOps(ops)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(codec.MustMarshal(ops)))
	back, err := unpackOps(packed)
	require.NoError(t, err)
	require.Len(t, back, len(ops))
	for i := range ops {
		assert.Equal(t, ops[i].Hash(), back[i].Hash())
	}

	_, err = unpackOps([]byte("not zstd"))
	assert.Error(t, err)
}
