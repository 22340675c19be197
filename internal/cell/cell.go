// Package cell runs one agent's instance of one DNA. A cell owns the
// agent's source chain, the op pipeline workspace and the gossip engine for
// its space, and it is the only way application code reaches them: every
// zome call goes through Call.
package cell

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ssd-technologies/holonet/internal/cascade"
	"github.com/ssd-technologies/holonet/internal/chain"
	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/fetch"
	"github.com/ssd-technologies/holonet/internal/gossip"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/keystore"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/queue"
	"github.com/ssd-technologies/holonet/internal/ribosome"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
	"github.com/ssd-technologies/holonet/internal/workflow"
)

// Databases are the stores a cell works on. Authored is the cell's own;
// the rest are shared by every cell of the DNA on this conductor.
type Databases struct {
	Authored *store.DB
	Dht      *store.DB
	Cache    *store.DB
	Meta     *store.DB
}

// Config wires a Cell.
type Config struct {
	ID       types.CellID
	Dna      types.DnaDef
	DB       Databases
	Network  network.Network
	Peers    *dht.PeerTable
	Ribosome ribosome.Ribosome
	Keystore keystore.Keystore
	Pool     *fetch.Pool
	// Slots bounds concurrent gossip rounds across the space.
	Slots *gossip.Slots
	// URL is advertised in the agent info; empty for in-process networks.
	URL    string
	Arc    ArcConfig
	Clock  clock.Clock
	Logger *slog.Logger

	Workflow workflow.Tuning
	Gossip   gossip.Tuning

	Diagnostics func(workflow.Fact)
	// Validators and ReceiptMu are shared by the cells of the DNA so
	// that one receipt per op carries every local validator.
	Validators func() []hash.Hash
	ReceiptMu  *sync.Mutex
}

// Cell is safe for concurrent use.
type Cell struct {
	id     types.CellID
	cfg    Config
	logger *slog.Logger

	chain   *chain.Chain
	cascade *cascade.Cascade
	ws      *workflow.Workspace
	gossip  *gossip.Engine

	arcMu sync.Mutex
	arc   dht.Arc

	initMu      sync.Mutex
	initialized atomic.Bool

	nonceMu sync.Mutex
	nonces  *expirable.LRU[nonceKey, struct{}]

	mu       sync.Mutex
	consumer *queue.Consumer
}

// New assembles a cell. Nothing runs until Start.
func New(cfg Config) (*Cell, error) {
	if cfg.Ribosome == nil {
		return nil, fmt.Errorf("cell %s: no ribosome", cfg.ID)
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("cell %s: no keystore", cfg.ID)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Arc.defaults()
	if cfg.Pool == nil {
		cfg.Pool = fetch.NewPool(fetch.Config{Clock: cfg.Clock})
	}

	dna, agent := cfg.ID.Dna, cfg.ID.Agent
	c := &Cell{
		id:     cfg.ID,
		cfg:    cfg,
		logger: cfg.Logger.With("cell", cfg.ID.String()),
		arc:    cfg.Arc.initial(agent.Loc()),
		nonces: expirable.NewLRU[nonceKey, struct{}](nonceCacheSize, nil, TimestampWindow),
	}
	c.chain = chain.New(chain.Config{
		Author:   agent,
		Dna:      dna,
		Authored: cfg.DB.Authored,
		Dht:      cfg.DB.Dht,
		Signer:   cfg.Keystore,
		Clock:    cfg.Clock,
		Logger:   c.logger,
	})
	c.cascade = cascade.New(cascade.Config{
		Space:    dna,
		Agent:    agent,
		Authored: cfg.DB.Authored,
		Dht:      cfg.DB.Dht,
		Cache:    cfg.DB.Cache,
		Network:  cfg.Network,
		Peers:    cfg.Peers,
		Clock:    cfg.Clock,
		Logger:   c.logger,
		OnCached: func(ctx context.Context, ops []types.Op) {
			if err := c.ws.WakeOps(ctx, ops); err != nil {
				c.logger.Warn("wake ops parked on cached data", "err", err)
			}
		},
	})
	c.gossip = gossip.New(gossip.Config{
		Space:   dna,
		Agent:   agent,
		Dht:     cfg.DB.Dht,
		Meta:    cfg.DB.Meta,
		Network: cfg.Network,
		Peers:   cfg.Peers,
		Arc:     c.Arc,
		Slots:   cfg.Slots,
		Origin:  cfg.Dna.OriginTime,
		Clock:   cfg.Clock,
		Logger:  c.logger,
		Tuning:  cfg.Gossip,
		Ingest: func(ctx context.Context, ops []types.Op, from hash.Hash) (int, error) {
			return c.ws.IncomingOps(ctx, ops, from)
		},
	})
	c.ws = workflow.New(workflow.Config{
		Dna:          dna,
		Agent:        agent,
		Authored:     cfg.DB.Authored,
		Dht:          cfg.DB.Dht,
		Network:      cfg.Network,
		Peers:        cfg.Peers,
		Arc:          c.Arc,
		Cascade:      c.cascade,
		Ribosome:     cfg.Ribosome,
		Signer:       cfg.Keystore,
		Pool:         cfg.Pool,
		Clock:        cfg.Clock,
		Logger:       c.logger,
		Tuning:       cfg.Workflow,
		Diagnostics:  cfg.Diagnostics,
		OnIntegrated: func(int) { c.gossip.NewIntegratedData() },
		Validators:   cfg.Validators,
		ReceiptMu:    cfg.ReceiptMu,
	})
	return c, nil
}

// ID returns the cell's (DNA, agent) pair.
func (c *Cell) ID() types.CellID { return c.id }

// Chain exposes the source chain for inspection.
func (c *Cell) Chain() *chain.Chain { return c.chain }

// Gossip exposes the gossip engine.
func (c *Cell) Gossip() *gossip.Engine { return c.gossip }

// Running reports whether the cell's workflows are running.
func (c *Cell) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumer != nil
}

// Workspace exposes the op pipeline.
func (c *Cell) Workspace() *workflow.Workspace { return c.ws }

// Genesis writes the genesis actions if the chain is new and publishes
// them once the pipeline runs.
func (c *Cell) Genesis(ctx context.Context, membraneProof []byte) error {
	if err := c.chain.Genesis(ctx, membraneProof); err != nil {
		return fmt.Errorf("genesis %s: %w", c.id, err)
	}
	c.ws.Triggers.Publish.Fire()
	return nil
}

// Start joins the network and spawns the cell's workflows and loops.
func (c *Cell) Start(ctx context.Context, join func(network.Handler)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer != nil {
		return nil
	}
	if err := c.PublishAgentInfo(ctx); err != nil {
		return err
	}
	if join != nil {
		join(c.Handle)
	}

	if _, err := c.chain.Remirror(ctx); err != nil {
		c.logger.Error("repair dht copy of authored ops", "err", err)
	}

	consumer := queue.New(c.cfg.Clock, c.logger)
	c.ws.Start(consumer)
	c.gossip.Start(consumer)
	consumer.Spawn("arc_resize", queue.NewLoopTrigger(c.cfg.Arc.Interval, c.cfg.Arc.Interval), c.resizeArc)
	refresh := dht.DefaultAgentInfoExpiry / 2
	consumer.Spawn("agent_info", queue.NewLoopTrigger(refresh, refresh), func(ctx context.Context) (queue.Outcome, error) {
		return queue.Complete, c.PublishAgentInfo(ctx)
	})
	consumer.Spawn("chain_mirror", queue.NewLoopTrigger(mirrorRepairInterval, mirrorRepairInterval), c.repairMirror)
	c.consumer = consumer
	c.logger.Info("cell started", "arc", c.Arc())
	return nil
}

const mirrorRepairInterval = 30 * time.Second

func (c *Cell) repairMirror(ctx context.Context) (queue.Outcome, error) {
	if !c.chain.Unmirrored() {
		return queue.Complete, nil
	}
	n, err := c.chain.Remirror(ctx)
	if err != nil {
		return queue.Complete, err
	}
	if n > 0 {
		c.gossip.NewIntegratedData()
	}
	return queue.Complete, nil
}

// Stop drains the cell's workflows. Workflows still running after timeout
// are abandoned and logged; zero means queue.DefaultDrainTimeout.
func (c *Cell) Stop(timeout time.Duration) {
	c.mu.Lock()
	consumer := c.consumer
	c.consumer = nil
	c.mu.Unlock()
	if consumer == nil {
		return
	}
	if stuck := consumer.Drain(timeout); len(stuck) > 0 {
		c.logger.Warn("workflows did not stop in time", "workflows", stuck)
	}
	c.logger.Info("cell stopped")
}

// Handle answers network messages addressed to this cell's agent.
func (c *Cell) Handle(ctx context.Context, env *network.Envelope) ([]byte, error) {
	if env.Kind == network.KindGossip {
		return c.gossip.Serve(ctx, env)
	}
	return c.ws.Serve(ctx, env)
}

// PublishAgentInfo signs the cell's current arc and URL and stores the
// result in the space's peer table, from where gossip spreads it.
func (c *Cell) PublishAgentInfo(ctx context.Context) error {
	now := c.cfg.Clock.Now()
	info, err := dht.SignAgentInfo(ctx, c.cfg.Keystore, dht.AgentInfoContent{
		Space:     c.id.Dna,
		Agent:     c.id.Agent,
		Arc:       c.Arc(),
		URL:       c.cfg.URL,
		SignedAt:  types.FromTime(now),
		ExpiresAt: types.FromTime(now.Add(dht.DefaultAgentInfoExpiry)),
	})
	if err != nil {
		return err
	}
	if c.cfg.Peers == nil {
		return nil
	}
	if _, err := c.cfg.Peers.Put(info); err != nil {
		return fmt.Errorf("store agent info: %w", err)
	}
	return nil
}

// AgentInfo returns the cell's own entry in the peer table.
func (c *Cell) AgentInfo() (dht.AgentInfo, bool) {
	if c.cfg.Peers == nil {
		return dht.AgentInfo{}, false
	}
	return c.cfg.Peers.Get(c.id.Agent)
}
