// Package conductor hosts apps: it installs them, runs one cell per
// (DNA, agent) pair, shares per-DNA databases and peer tables between the
// cells of a DNA, and serves the admin and app APIs over HTTP.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/holonet/internal/cell"
	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/fetch"
	"github.com/ssd-technologies/holonet/internal/gossip"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/keystore"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/ribosome"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
	"github.com/ssd-technologies/holonet/internal/workflow"
)

var (
	ErrAppNotFound      = errors.New("app not installed")
	ErrAppExists        = errors.New("app already installed")
	ErrRoleNotFound     = errors.New("role not found")
	ErrCellMissing      = errors.New("cell missing")
	ErrRibosomeNotFound = errors.New("no ribosome registered for dna")
)

// Tuning collects the parameters handed to every cell.
type Tuning struct {
	Workflow workflow.Tuning
	Gossip   gossip.Tuning
	Fetch    fetch.Config
	Arc      cell.ArcConfig
	// DrainTimeout bounds how long stopping a cell waits for its workflows.
	DrainTimeout time.Duration
}

// Config wires a Conductor.
type Config struct {
	// RootDir holds every database: <root>/<kind>/<id>.sqlite3 and
	// <root>/agent_store/.
	RootDir   string
	Keystore  keystore.Keystore
	Network   network.Network
	Ribosomes *ribosome.Registry
	// URL is advertised in agent infos so peers can dial this conductor.
	URL    string
	Clock  clock.Clock
	Logger *slog.Logger
	Tuning Tuning

	Diagnostics func(workflow.Fact)
}

// space is the per-DNA state shared by every local cell of that DNA.
type space struct {
	def   types.DnaDef
	hash  hash.Hash
	dht   *store.DB
	cache *store.DB
	meta  *store.DB
	peers *dht.PeerTable
	pool  *fetch.Pool
	slots *gossip.Slots
	// receipts serializes the receipt workflow of the space's cells.
	receipts sync.Mutex
}

type cellEntry struct {
	cell     *cell.Cell
	authored *store.DB
	app      string
	running  bool
}

// Conductor is safe for concurrent use. Admin operations are serialised.
type Conductor struct {
	cfg    Config
	logger *slog.Logger
	db     *store.DB
	wasm   *store.DB
	agents *dht.AgentStore

	admin sync.Mutex

	mu     sync.RWMutex
	spaces map[hash.Hash]*space
	apps   map[string]*app
	cells  map[types.CellID]*cellEntry
}

// Open loads the conductor database, re-creates the cells of every
// installed app and starts those of enabled apps. Any failure here is
// fatal to the process.
func Open(ctx context.Context, cfg Config) (*Conductor, error) {
	if cfg.RootDir == "" {
		return nil, errors.New("conductor: root dir required")
	}
	if cfg.Keystore == nil || cfg.Network == nil {
		return nil, errors.New("conductor: keystore and network required")
	}
	if cfg.Ribosomes == nil {
		cfg.Ribosomes = ribosome.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tuning.Fetch.Clock == nil {
		cfg.Tuning.Fetch.Clock = cfg.Clock
	}

	logger := cfg.Logger.With("component", "conductor")
	db, err := store.Open(ctx, store.Path(cfg.RootDir, store.KindConductor, "conductor"), store.KindConductor, logger)
	if err != nil {
		return nil, err
	}
	wasm, err := store.Open(ctx, store.Path(cfg.RootDir, store.KindWasm, "wasm"), store.KindWasm, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	agents, err := dht.OpenAgentStore(filepath.Join(cfg.RootDir, "agent_store"), cfg.Logger)
	if err != nil {
		db.Close()
		wasm.Close()
		return nil, err
	}
	c := &Conductor{
		cfg:    cfg,
		logger: logger,
		db:     db,
		wasm:   wasm,
		agents: agents,
		spaces: make(map[hash.Hash]*space),
		apps:   make(map[string]*app),
		cells:  make(map[types.CellID]*cellEntry),
	}
	if err := c.load(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conductor) load(ctx context.Context) error {
	var rows []store.AppRow
	if err := c.db.Read(ctx, func(tx *store.Txn) (err error) {
		rows, err = tx.ListApps()
		return err
	}); err != nil {
		return err
	}
	for _, row := range rows {
		a, err := decodeApp(row)
		if err != nil {
			return err
		}
		for _, id := range a.cellIDs() {
			if err := c.openCell(ctx, a.ID, id, nil); err != nil {
				return fmt.Errorf("app %s: %w", a.ID, err)
			}
		}
		c.apps[a.ID] = a
		if a.Enabled {
			if err := c.startApp(ctx, a); err != nil {
				return fmt.Errorf("app %s: %w", a.ID, err)
			}
		}
	}
	c.logger.Info("conductor loaded", "apps", len(rows), "cells", len(c.cells))
	return nil
}

// Close stops every cell and closes every database.
func (c *Conductor) Close() error {
	c.mu.Lock()
	entries := make([]*cellEntry, 0, len(c.cells))
	for _, e := range c.cells {
		entries = append(entries, e)
	}
	spaces := c.spaces
	c.cells = make(map[types.CellID]*cellEntry)
	c.spaces = make(map[hash.Hash]*space)
	c.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			c.stopCell(e)
			return e.authored.Close()
		})
	}
	errs := []error{g.Wait()}
	for _, s := range spaces {
		for _, db := range []*store.DB{s.dht, s.cache, s.meta} {
			errs = append(errs, db.Close())
		}
	}
	errs = append(errs, c.agents.Close(), c.wasm.Close(), c.db.Close())
	return errors.Join(errs...)
}

// openSpace returns the space for def, opening its databases and seeding
// its peer table from the agent store on first use.
func (c *Conductor) openSpace(ctx context.Context, def types.DnaDef) (*space, error) {
	h := def.Hash()
	c.mu.RLock()
	s, ok := c.spaces[h]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	id := h.String()
	open := func(kind store.Kind) (*store.DB, error) {
		return store.Open(ctx, store.Path(c.cfg.RootDir, kind, id), kind, c.logger)
	}
	inflight := c.cfg.Tuning.Gossip.MaxInflight
	if inflight <= 0 {
		inflight = gossip.DefaultTuning().MaxInflight
	}
	s = &space{
		def:   def,
		hash:  h,
		peers: dht.NewPeerTable(h, c.agents),
		pool:  fetch.NewPool(c.cfg.Tuning.Fetch),
		slots: gossip.NewSlots(inflight),
	}
	var err error
	if s.dht, err = open(store.KindDht); err != nil {
		return nil, err
	}
	if s.cache, err = open(store.KindCache); err != nil {
		s.dht.Close()
		return nil, err
	}
	if s.meta, err = open(store.KindPeerMetaStore); err != nil {
		s.dht.Close()
		s.cache.Close()
		return nil, err
	}

	known, err := c.agents.List(h)
	if err != nil {
		c.logger.Warn("seed peer table", "dna", h.Short(), "err", err)
	}
	for _, info := range known {
		if _, err := s.peers.Put(info); err != nil {
			c.logger.Debug("skip stored agent info", "agent", info.Agent.Short(), "err", err)
		}
	}

	c.mu.Lock()
	c.spaces[h] = s
	c.mu.Unlock()
	c.logger.Info("space opened", "dna", h.Short(), "name", def.Name, "peers", s.peers.Size())
	return s, nil
}

func cellKey(id types.CellID) string {
	return id.Dna.String() + "-" + id.Agent.String()
}

// openCell builds the cell for id and writes its genesis if the chain is
// new. The DNA definition must already be registered.
func (c *Conductor) openCell(ctx context.Context, appID string, id types.CellID, membraneProof []byte) error {
	c.mu.RLock()
	_, exists := c.cells[id]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	var def *types.DnaDef
	if err := c.wasm.Read(ctx, func(tx *store.Txn) (err error) {
		def, err = tx.GetDnaDef(id.Dna)
		return err
	}); err != nil {
		return fmt.Errorf("dna %s: %w", id.Dna.Short(), err)
	}
	rb, ok := c.cfg.Ribosomes.Lookup(def.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRibosomeNotFound, def.Name)
	}
	s, err := c.openSpace(ctx, *def)
	if err != nil {
		return err
	}
	authored, err := store.Open(ctx, store.Path(c.cfg.RootDir, store.KindAuthored, cellKey(id)), store.KindAuthored, c.logger)
	if err != nil {
		return err
	}

	t := c.cfg.Tuning
	cl, err := cell.New(cell.Config{
		ID:          id,
		Dna:         *def,
		DB:          cell.Databases{Authored: authored, Dht: s.dht, Cache: s.cache, Meta: s.meta},
		Network:     c.cfg.Network,
		Peers:       s.peers,
		Ribosome:    rb,
		Keystore:    c.cfg.Keystore,
		Pool:        s.pool,
		Slots:       s.slots,
		URL:         c.cfg.URL,
		Arc:         t.Arc,
		Clock:       c.cfg.Clock,
		Logger:      c.cfg.Logger,
		Workflow:    t.Workflow,
		Gossip:      t.Gossip,
		Diagnostics: c.cfg.Diagnostics,
		Validators:  func() []hash.Hash { return c.validators(id.Dna) },
		ReceiptMu:   &s.receipts,
	})
	if err == nil {
		err = cl.Genesis(ctx, membraneProof)
	}
	if err != nil {
		authored.Close()
		return err
	}

	c.mu.Lock()
	c.cells[id] = &cellEntry{cell: cl, authored: authored, app: appID}
	c.mu.Unlock()
	return nil
}

func (c *Conductor) startCell(ctx context.Context, e *cellEntry) error {
	if e.running {
		return nil
	}
	id := e.cell.ID()
	err := e.cell.Start(ctx, func(h network.Handler) {
		c.cfg.Network.Join(id.Dna, id.Agent, h)
	})
	if err != nil {
		return fmt.Errorf("start cell %s: %w", id, err)
	}
	e.running = true
	return nil
}

func (c *Conductor) stopCell(e *cellEntry) {
	if !e.running {
		return
	}
	id := e.cell.ID()
	c.cfg.Network.Leave(id.Dna, id.Agent)
	e.cell.Stop(c.cfg.Tuning.DrainTimeout)
	e.running = false
}

// validators lists the agents of the running cells of dna.
func (c *Conductor) validators(dna hash.Hash) []hash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var agents []hash.Hash
	for id, e := range c.cells {
		if id.Dna == dna && e.cell.Running() {
			agents = append(agents, id.Agent)
		}
	}
	return agents
}

// Cell returns a running cell.
func (c *Conductor) Cell(id types.CellID) (*cell.Cell, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cells[id]
	if !ok || !e.running {
		return nil, fmt.Errorf("%w: %s", ErrCellMissing, id)
	}
	return e.cell, nil
}

// Resolve finds the URL an agent advertised in space. It serves as the
// websocket transport's resolver.
func (c *Conductor) Resolve(spaceHash, agent hash.Hash) (string, bool) {
	c.mu.RLock()
	s, ok := c.spaces[spaceHash]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	info, ok := s.peers.Get(agent)
	if !ok || info.URL == "" {
		return "", false
	}
	return info.URL, true
}
