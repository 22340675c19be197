package cell

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/holonet/internal/chain"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/gossip"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/keystore"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/ribosome"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
	"github.com/ssd-technologies/holonet/internal/workflow"
)

type fixture struct {
	ks  *keystore.Local
	hub *network.Hub
	dna types.DnaDef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ks := keystore.NewMemory()
	hub := network.NewHub()
	t.Cleanup(func() {
		hub.Close()
		ks.Close()
	})
	return &fixture{
		ks:  ks,
		hub: hub,
		dna: types.DnaDef{Name: ribosome.ExampleDnaName, NetworkSeed: t.Name(), Zomes: []string{"posts"}},
	}
}

func openDB(t *testing.T, kind store.Kind) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.Path(t.TempDir(), kind, "test"), kind, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type cellOpt func(*Config)

func withRibosome(r ribosome.Ribosome) cellOpt { return func(c *Config) { c.Ribosome = r } }

func withArc(a ArcConfig) cellOpt { return func(c *Config) { c.Arc = a } }

func (f *fixture) cell(t *testing.T, opts ...cellOpt) *Cell {
	t.Helper()
	ctx := context.Background()
	agent, err := f.ks.GenerateSignKeypair(ctx)
	require.NoError(t, err)
	dnaHash := f.dna.Hash()
	cfg := Config{
		ID:  types.CellID{Dna: dnaHash, Agent: agent},
		Dna: f.dna,
		DB: Databases{
			Authored: openDB(t, store.KindAuthored),
			Dht:      openDB(t, store.KindDht),
			Cache:    openDB(t, store.KindCache),
			Meta:     openDB(t, store.KindPeerMetaStore),
		},
		Network:  f.hub,
		Peers:    dht.NewPeerTable(dnaHash, nil),
		Ribosome: ribosome.Example(),
		Keystore: f.ks,
	}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Genesis(ctx, nil))
	require.NoError(t, c.PublishAgentInfo(ctx))
	return c
}

// call signs a call to c as provenance.
func (f *fixture) call(t *testing.T, c *Cell, provenance hash.Hash, fn string, payload any, secret []byte) SignedZomeCall {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	sc, err := SignZomeCall(context.Background(), f.ks, ZomeCall{
		Cell:       c.ID(),
		Zome:       "posts",
		Fn:         fn,
		Payload:    body,
		CapSecret:  secret,
		Provenance: provenance,
	})
	require.NoError(t, err)
	return sc
}

func (f *fixture) create(t *testing.T, c *Cell, value string) hash.Hash {
	t.Helper()
	out, err := c.Call(context.Background(), f.call(t, c, c.ID().Agent, "create", ribosome.Post{Value: value}, nil))
	require.NoError(t, err)
	var h hash.Hash
	require.NoError(t, json.Unmarshal(out, &h))
	return h
}

func TestCell_CreateThenGet(t *testing.T) {
	f := newFixture(t)
	c := f.cell(t)
	ctx := context.Background()

	h := f.create(t, c, "hi")

	out, err := c.Call(ctx, f.call(t, c, c.ID().Agent, "get", map[string]any{"hash": h}, nil))
	require.NoError(t, err)
	var p ribosome.Post
	require.NoError(t, json.Unmarshal(out, &p))
	assert.Equal(t, "hi", p.Value)

	// Genesis takes seqs 0-2, init 3, the create 4.
	n, err := c.Chain().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	rec, err := c.Chain().Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), rec.Action().Seq)
	done, err := c.Chain().IsInitialized(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	// Authored ops are mirrored into the DHT database already integrated.
	var rows []store.OpRow
	require.NoError(t, c.cfg.DB.Dht.Read(ctx, func(tx *store.Txn) (err error) {
		rows, err = tx.OpsByAction(h)
		return err
	}))
	require.NotEmpty(t, rows)
	for _, r := range rows {
		assert.NotNil(t, r.WhenIntegrated)
		assert.Equal(t, types.StatusValid, r.Status)
	}
}

func TestCell_InitRunsOnce(t *testing.T) {
	f := newFixture(t)
	var runs int
	rb := ribosome.NewInline(ribosome.Zome{
		Name:      "posts",
		Functions: ribosome.Example().Functions("posts"),
		Init: func(context.Context, ribosome.Host) error {
			runs++
			return nil
		},
	})
	c := f.cell(t, withRibosome(rb))

	f.create(t, c, "one")
	f.create(t, c, "two")
	assert.Equal(t, 1, runs)
}

func TestCell_InitFailureFailsTheCall(t *testing.T) {
	f := newFixture(t)
	rb := ribosome.NewInline(ribosome.Zome{
		Name:      "posts",
		Functions: ribosome.Example().Functions("posts"),
		Init:      func(context.Context, ribosome.Host) error { return errors.New("not today") },
	})
	c := f.cell(t, withRibosome(rb))
	ctx := context.Background()

	_, err := c.Call(ctx, f.call(t, c, c.ID().Agent, "create", ribosome.Post{Value: "x"}, nil))
	var failed *ValidationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "posts", failed.Zome)
	assert.Equal(t, "validation_failed", Outcome(err))

	done, err := c.Chain().IsInitialized(ctx)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestCell_InitUnresolvedIsNetworkError(t *testing.T) {
	f := newFixture(t)
	missing := hash.FromContent([]byte("nowhere"))
	rb := ribosome.NewInline(ribosome.Zome{
		Name:      "posts",
		Functions: ribosome.Example().Functions("posts"),
		Init: func(ctx context.Context, h ribosome.Host) error {
			_, err := h.MustGetAction(ctx, missing)
			return err
		},
	})
	c := f.cell(t, withRibosome(rb))

	_, err := c.Call(context.Background(), f.call(t, c, c.ID().Agent, "create", ribosome.Post{Value: "x"}, nil))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestCell_InvalidCommitIsRejected(t *testing.T) {
	f := newFixture(t)
	c := f.cell(t)
	ctx := context.Background()
	f.create(t, c, "fine")
	before, err := c.Chain().Len(ctx)
	require.NoError(t, err)

	_, err = c.Call(ctx, f.call(t, c, c.ID().Agent, "create", ribosome.Post{Value: "nope"}, nil))
	var failed *ValidationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "nope", failed.Reason)

	after, err := c.Chain().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// barrierRibosome's "create" waits until two calls are inside it, so both
// scratches start from the same head.
func barrierRibosome(wg *sync.WaitGroup) ribosome.Ribosome {
	fns := ribosome.Example().Functions("posts")
	create := fns["create"]
	fns["create_together"] = func(ctx context.Context, h ribosome.Host, payload []byte) ([]byte, error) {
		wg.Done()
		wg.Wait()
		return create(ctx, h, payload)
	}
	return ribosome.NewInline(ribosome.Zome{Name: "posts", Functions: fns})
}

func concurrentCreates(t *testing.T, f *fixture, c *Cell, opts ...CallOption) []error {
	t.Helper()
	calls := []SignedZomeCall{
		f.call(t, c, c.ID().Agent, "create_together", ribosome.Post{Value: "a"}, nil),
		f.call(t, c, c.ID().Agent, "create_together", ribosome.Post{Value: "b"}, nil),
	}
	errs := make([]error, len(calls))
	var done sync.WaitGroup
	for i := range calls {
		done.Add(1)
		go func() {
			defer done.Done()
			_, errs[i] = c.Call(context.Background(), calls[i], opts...)
		}()
	}
	done.Wait()
	return errs
}

func TestCell_StrictCallsRaceForTheHead(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	c := f.cell(t, withRibosome(barrierRibosome(&wg)))
	ctx := context.Background()
	f.create(t, c, "warm up")
	head, err := c.Chain().Head(ctx)
	require.NoError(t, err)

	wg.Add(2)
	errs := concurrentCreates(t, f, c)

	var ok, moved int
	for _, err := range errs {
		var hm *chain.HeadMovedError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &hm):
			moved++
			assert.Equal(t, "head_moved", Outcome(err))
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, moved)

	after, err := c.Chain().Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, head.Seq+1, after.Seq)
}

func TestCell_RelaxedCallsBothCommit(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	c := f.cell(t, withRibosome(barrierRibosome(&wg)))
	ctx := context.Background()
	f.create(t, c, "warm up")
	head, err := c.Chain().Head(ctx)
	require.NoError(t, err)

	wg.Add(2)
	for _, err := range concurrentCreates(t, f, c, WithOrdering(chain.Relaxed)) {
		require.NoError(t, err)
	}
	after, err := c.Chain().Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, head.Seq+2, after.Seq)
}

func TestCell_ForeignCallsNeedAGrant(t *testing.T) {
	f := newFixture(t)
	c := f.cell(t)
	ctx := context.Background()
	stranger, err := f.ks.GenerateSignKeypair(ctx)
	require.NoError(t, err)

	_, err = c.Call(ctx, f.call(t, c, stranger, "create", ribosome.Post{Value: "x"}, nil))
	require.ErrorIs(t, err, ErrUnauthorized)

	secret := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	_, err = c.GrantCapability(ctx, types.CapGrant{
		Tag:       "writers",
		Secret:    secret,
		Functions: []types.GrantedFunction{{Zome: "posts", Fn: "create"}},
	})
	require.NoError(t, err)

	_, err = c.Call(ctx, f.call(t, c, stranger, "create", ribosome.Post{Value: "x"}, secret))
	require.NoError(t, err)

	_, err = c.Call(ctx, f.call(t, c, stranger, "create", ribosome.Post{Value: "x"}, []byte("wrong")))
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Call(ctx, f.call(t, c, stranger, "delete", map[string]any{"hash": hash.Hash{}}, secret))
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "unauthorized", Outcome(err))
}

func TestCell_RejectsReplayedNonce(t *testing.T) {
	f := newFixture(t)
	c := f.cell(t)
	ctx := context.Background()
	call := f.call(t, c, c.ID().Agent, "create", ribosome.Post{Value: "once"}, nil)

	_, err := c.Call(ctx, call)
	require.NoError(t, err)
	_, err = c.Call(ctx, call)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCell_RejectsBadExpiryAndSignature(t *testing.T) {
	f := newFixture(t)
	c := f.cell(t)
	ctx := context.Background()
	agent := c.ID().Agent

	for name, expires := range map[string]types.Timestamp{
		"expired":   types.Now().Add(-time.Second),
		"too far":   types.Now().Add(TimestampWindow + time.Minute),
		"just past": types.Now().Add(TimestampWindow + 5*time.Second),
	} {
		t.Run(name, func(t *testing.T) {
			sc, err := SignZomeCall(ctx, f.ks, ZomeCall{
				Cell: c.ID(), Zome: "posts", Fn: "create", Payload: []byte(`{"value":"x"}`),
				Provenance: agent, ExpiresAt: expires,
			})
			require.NoError(t, err)
			_, err = c.Call(ctx, sc)
			require.ErrorIs(t, err, ErrUnauthorized)
		})
	}

	sc := f.call(t, c, agent, "create", ribosome.Post{Value: "signed"}, nil)
	sc.Payload = []byte(`{"value":"tampered"}`)
	_, err := c.Call(ctx, sc)
	require.ErrorIs(t, err, ErrUnauthorized)

	sc = f.call(t, c, agent, "create", ribosome.Post{Value: "x"}, nil)
	sc.Cell.Agent = hash.FromContent([]byte("someone else"))
	_, err = c.Call(ctx, sc)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCell_ScratchIsVisibleWithinACall(t *testing.T) {
	f := newFixture(t)
	fns := ribosome.Example().Functions("posts")
	fns["create_and_link"] = func(ctx context.Context, h ribosome.Host, _ []byte) ([]byte, error) {
		a, err := h.Create(ctx, types.AppEntryType(0, 0, types.Public), types.NewAppEntry([]byte(`{"value":"a"}`)))
		if err != nil {
			return nil, err
		}
		b, err := h.Create(ctx, types.AppEntryType(0, 0, types.Public), types.NewAppEntry([]byte(`{"value":"b"}`)))
		if err != nil {
			return nil, err
		}
		if _, err := h.Get(ctx, a); err != nil {
			return nil, err
		}
		if _, err := h.CreateLink(ctx, a, b, 0, []byte("next")); err != nil {
			return nil, err
		}
		links, err := h.GetLinks(ctx, a, []byte("ne"))
		if err != nil {
			return nil, err
		}
		recs, err := h.Query(ctx, store.ActionFilter{Types: []types.ActionType{types.ActionCreate}})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"links": len(links), "creates": len(recs)})
	}
	c := f.cell(t, withRibosome(ribosome.NewInline(ribosome.Zome{Name: "posts", Functions: fns})))

	out, err := c.Call(context.Background(), f.call(t, c, c.ID().Agent, "create_and_link", nil, nil))
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(out, &counts))
	assert.Equal(t, 1, counts["links"])
	// The agent key create from genesis plus the two new ones.
	assert.Equal(t, 3, counts["creates"])
}

func TestCell_ArcClamping(t *testing.T) {
	f := newFixture(t)

	full := f.cell(t, withArc(ArcConfig{Clamping: ClampFull}))
	assert.True(t, full.Arc().IsFull())
	_, changed := full.nextArc()
	assert.False(t, changed)

	empty := f.cell(t, withArc(ArcConfig{Clamping: ClampEmpty}))
	assert.True(t, empty.Arc().IsEmpty())
	info, ok := empty.AgentInfo()
	require.True(t, ok)
	assert.True(t, info.Arc.IsEmpty())

	_, err := ParseClamping("sideways")
	require.Error(t, err)
	cl, err := ParseClamping("FULL")
	require.NoError(t, err)
	assert.Equal(t, ClampFull, cl)
}

func TestCell_ArcShrinksWhenOverReplicated(t *testing.T) {
	f := newFixture(t)
	c := f.cell(t, withArc(ArcConfig{TargetRedundancy: 2}))
	ctx := context.Background()
	require.True(t, c.Arc().IsFull())

	// Alone the cell is under target, and a full arc cannot grow.
	_, changed := c.nextArc()
	assert.False(t, changed)

	for range 4 {
		agent, err := f.ks.GenerateSignKeypair(ctx)
		require.NoError(t, err)
		now := time.Now()
		info, err := dht.SignAgentInfo(ctx, f.ks, dht.AgentInfoContent{
			Space:     c.ID().Dna,
			Agent:     agent,
			Arc:       dht.FullArc(agent.Loc()),
			SignedAt:  types.FromTime(now),
			ExpiresAt: types.FromTime(now.Add(time.Hour)),
		})
		require.NoError(t, err)
		_, err = c.cfg.Peers.Put(info)
		require.NoError(t, err)
	}

	_, err := c.resizeArc(ctx)
	require.NoError(t, err)
	assert.Less(t, c.Arc().HalfLen, dht.MaxHalfLen)
	info, ok := c.AgentInfo()
	require.True(t, ok)
	assert.Equal(t, c.Arc(), info.Arc)
}

func TestCell_StartServesTheNetwork(t *testing.T) {
	f := newFixture(t)
	c := f.cell(t)
	ctx := context.Background()
	h := f.create(t, c, "served")

	require.NoError(t, c.Start(ctx, func(handler network.Handler) {
		f.hub.Join(c.ID().Dna, c.ID().Agent, handler)
	}))
	t.Cleanup(func() { c.Stop(time.Second) })

	other, err := f.ks.GenerateSignKeypair(ctx)
	require.NoError(t, err)
	var resp network.GetResponse
	require.NoError(t, network.Call(ctx, f.hub, network.KindGet, c.ID().Dna, other, c.ID().Agent,
		network.GetRequest{Hash: h}, &resp))
	assert.NotEmpty(t, resp.Ops)
}

// validateAll drives c's validation pipeline until every op in its Dht
// database is integrated.
func validateAll(t *testing.T, c *Cell) {
	t.Helper()
	ctx := context.Background()
	done := func() bool {
		var total, integrated int
		require.NoError(t, c.cfg.DB.Dht.Read(ctx, func(tx *store.Txn) (err error) {
			total, integrated, err = tx.CountOps()
			return err
		}))
		return total == integrated
	}
	for i := 0; i < 20 && !done(); i++ {
		time.Sleep(time.Millisecond)
		_, err := c.ws.SysValidation(ctx)
		require.NoError(t, err)
		_, err = c.ws.AppValidation(ctx)
		require.NoError(t, err)
		_, err = c.ws.Integrate(ctx)
		require.NoError(t, err)
	}
	require.True(t, done(), "ops left unintegrated")
}

func regionSummaries(t *testing.T, c *Cell) []store.RegionData {
	t.Helper()
	const parts = 16
	end := store.TimeBucket(types.Now()) + 1
	out := make([]store.RegionData, parts)
	require.NoError(t, c.cfg.DB.Dht.Read(context.Background(), func(tx *store.Txn) error {
		for i := range out {
			var err error
			out[i], err = tx.RegionSummary(store.RegionCoords{
				LocStart:  uint32(i * store.LocBuckets / parts),
				LocEnd:    uint32((i+1)*store.LocBuckets/parts - 1),
				TimeStart: 0,
				TimeEnd:   end,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))
	return out
}

func TestCell_GossipRoundFillsTheSubsetPeer(t *testing.T) {
	f := newFixture(t)
	fast := func(c *Config) {
		c.Workflow = workflow.Tuning{SysValidationRetry: time.Nanosecond, AppValidationRetry: time.Nanosecond}
	}
	n1, n2 := f.cell(t, fast), f.cell(t, fast)
	ctx := context.Background()
	for _, c := range []*Cell{n1, n2} {
		f.hub.Join(c.ID().Dna, c.ID().Agent, c.Handle)
	}

	// n1 holds everything n2 holds, plus two posts of its own.
	var theirs []store.OpRow
	require.NoError(t, n2.cfg.DB.Authored.Read(ctx, func(tx *store.Txn) (err error) {
		theirs, err = tx.AuthoredOps(n2.ID().Agent)
		return err
	}))
	ops := make([]types.Op, len(theirs))
	for i := range theirs {
		ops[i] = theirs[i].Op
	}
	_, err := n1.ws.IncomingOps(ctx, ops, n2.ID().Agent)
	require.NoError(t, err)
	validateAll(t, n1)
	f.create(t, n1, "one")
	f.create(t, n1, "two")

	count := func(c *Cell) (total, integrated int) {
		require.NoError(t, c.cfg.DB.Dht.Read(ctx, func(tx *store.Txn) (err error) {
			total, integrated, err = tx.CountOps()
			return err
		}))
		return total, integrated
	}
	held1, _ := count(n1)
	held2, _ := count(n2)
	missing := held1 - held2
	require.Positive(t, missing)
	require.NotEqual(t, regionSummaries(t, n1), regionSummaries(t, n2))

	stats, err := n1.gossip.Initiate(ctx, gossip.LoopRecent, n2.ID().Agent)
	require.NoError(t, err)
	assert.Zero(t, stats.OpsIn, "n1 already holds every op of n2")
	assert.Equal(t, missing, stats.OpsOut)
	after, _ := count(n2)
	assert.Equal(t, stats.OpsOut, after-held2, "n2 stored what n1 sent")

	validateAll(t, n2)
	_, integrated1 := count(n1)
	_, integrated2 := count(n2)
	assert.Equal(t, integrated1, integrated2)
	assert.Equal(t, regionSummaries(t, n1), regionSummaries(t, n2))
}
