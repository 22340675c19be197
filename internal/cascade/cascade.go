// Package cascade resolves hashes for a cell: its own chain first, then the
// DNA's DHT and cache databases, then authorities on the network. Network
// results are kept in the cache database.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/ribosome"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/sysval"
	"github.com/ssd-technologies/holonet/internal/types"
)

// DefaultAuthorities is how many authorities a network lookup asks.
const DefaultAuthorities = 3

// Config wires a Cascade. Authored and Network may be nil.
type Config struct {
	Space       hash.Hash
	Agent       hash.Hash
	Authored    *store.DB
	Dht         *store.DB
	Cache       *store.DB
	Network     network.Network
	Peers       *dht.PeerTable
	Authorities int
	Clock       clock.Clock
	Logger      *slog.Logger
	// OnCached receives the ops stored in the cache by a network lookup.
	OnCached func(ctx context.Context, ops []types.Op)
}

// Cascade is safe for concurrent use.
type Cascade struct {
	cfg    Config
	group  singleflight.Group
	logger *slog.Logger
}

// New creates a Cascade.
func New(cfg Config) *Cascade {
	if cfg.Authorities <= 0 {
		cfg.Authorities = DefaultAuthorities
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cascade{cfg: cfg, logger: cfg.Logger.With("component", "cascade")}
}

var (
	_ sysval.Lookup    = (*Cascade)(nil)
	_ ribosome.Fetcher = (*Cascade)(nil)
)

func (c *Cascade) local() []*store.DB {
	dbs := make([]*store.DB, 0, 3)
	for _, db := range []*store.DB{c.cfg.Authored, c.cfg.Dht, c.cfg.Cache} {
		if db != nil {
			dbs = append(dbs, db)
		}
	}
	return dbs
}

// recordAt assembles a record from integrated ops on basis h: the
// StoreRecord when h is an action, the earliest StoreEntry when h is an
// entry.
func recordAt(tx *store.Txn, h hash.Hash) (*types.Record, error) {
	ops, err := tx.OpsByBasis(h, true)
	if err != nil {
		return nil, err
	}
	var fromEntry *types.Record
	for _, row := range ops {
		switch row.Op.Type {
		case types.OpStoreRecord:
			rec := &types.Record{SignedAction: *row.Op.SignedAction, Entry: row.Op.Entry}
			if rec.Entry == nil {
				if eh, _, ok := rec.Action().Entry(); ok {
					if e, err := tx.GetEntry(eh); err == nil {
						rec.Entry = e
					}
				}
			}
			return rec, nil
		case types.OpStoreEntry:
			if fromEntry == nil {
				fromEntry = &types.Record{SignedAction: *row.Op.SignedAction, Entry: row.Op.Entry}
			}
		}
	}
	if fromEntry != nil {
		return fromEntry, nil
	}
	return nil, store.ErrNotFound
}

func (c *Cascade) localRecord(ctx context.Context, h hash.Hash) (*types.Record, error) {
	if c.cfg.Authored != nil {
		var rec *types.Record
		err := c.cfg.Authored.Read(ctx, func(tx *store.Txn) error {
			r, err := tx.GetRecord(h)
			if errors.Is(err, store.ErrNotFound) {
				actions, err := tx.ActionsForEntry(h)
				if err != nil || len(actions) == 0 {
					return err
				}
				r, err = tx.GetRecord(actions[0].Hash())
				if err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			if r.Action().Author == c.cfg.Agent {
				rec = r
			}
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if rec != nil {
			metrics.CascadeLookups.WithLabelValues("authored").Inc()
			return rec, nil
		}
	}
	for _, db := range []*store.DB{c.cfg.Dht, c.cfg.Cache} {
		if db == nil {
			continue
		}
		var rec *types.Record
		err := db.Read(ctx, func(tx *store.Txn) (err error) {
			rec, err = recordAt(tx, h)
			return err
		})
		if err == nil {
			metrics.CascadeLookups.WithLabelValues(string(db.Kind())).Inc()
			return rec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, store.ErrNotFound
}

// Get returns the record for an action or entry hash, asking the network
// when nothing local has it. It returns store.ErrNotFound when no source
// knows the hash.
func (c *Cascade) Get(ctx context.Context, h hash.Hash) (*types.Record, error) {
	rec, err := c.localRecord(ctx, h)
	if !errors.Is(err, store.ErrNotFound) {
		return rec, err
	}
	if err := c.fetch(ctx, h); err != nil {
		return nil, err
	}
	return c.localRecord(ctx, h)
}

// fetch asks authorities for the ops on basis h and stores them in the
// cache. Concurrent fetches of the same hash share one network round.
func (c *Cascade) fetch(ctx context.Context, h hash.Hash) error {
	if c.cfg.Network == nil || c.cfg.Peers == nil || c.cfg.Cache == nil {
		return store.ErrNotFound
	}
	_, err, _ := c.group.Do(h.String(), func() (any, error) {
		return nil, c.fetchFromAuthorities(ctx, h)
	})
	return err
}

func (c *Cascade) fetchFromAuthorities(ctx context.Context, h hash.Hash) error {
	exclude := map[hash.Hash]bool{c.cfg.Agent: true}
	authorities := c.cfg.Peers.ClosestN(h.Loc(), c.cfg.Authorities, exclude)
	for _, auth := range authorities {
		var resp network.GetResponse
		err := network.Call(ctx, c.cfg.Network, network.KindGet, c.cfg.Space, c.cfg.Agent, auth.Agent,
			network.GetRequest{Hash: h}, &resp)
		if err != nil {
			c.logger.Debug("get from authority", "hash", h.Short(), "authority", auth.Agent.Short(), "err", err)
			continue
		}
		kept, err := c.cacheOps(ctx, h, resp.Ops)
		if err != nil {
			return err
		}
		if len(kept) > 0 {
			metrics.CascadeLookups.WithLabelValues("network").Inc()
			if c.cfg.OnCached != nil {
				c.cfg.OnCached(ctx, kept)
			}
			return nil
		}
	}
	metrics.CascadeLookups.WithLabelValues("miss").Inc()
	return store.ErrNotFound
}

// cacheOps stores the verified ops on basis h and returns those that passed.
func (c *Cascade) cacheOps(ctx context.Context, h hash.Hash, ops []types.Op) ([]types.Op, error) {
	now := types.FromTime(c.cfg.Clock.Now())
	var kept []types.Op
	err := c.cfg.Cache.Write(ctx, func(tx *store.Txn) error {
		for i := range ops {
			op := &ops[i]
			if err := sysval.CheckIncoming(op, nil); err != nil {
				c.logger.Warn("drop unverifiable op from authority", "hash", h.Short(), "err", err)
				continue
			}
			if basis, err := op.Basis(); err != nil || basis != h {
				continue
			}
			if _, err := tx.InsertOp(op, store.OpFlags{
				Stage:          types.StageAppValidated,
				Status:         types.StatusValid,
				WhenReceived:   now,
				WhenIntegrated: &now,
			}); err != nil {
				return err
			}
			kept = append(kept, *op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

func (c *Cascade) localAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error) {
	for _, db := range c.local() {
		var sa *types.SignedAction
		err := db.Read(ctx, func(tx *store.Txn) (err error) {
			sa, err = tx.GetAction(h)
			return err
		})
		if err == nil {
			return sa, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, store.ErrNotFound
}

// LocalAction looks up an action without touching the network.
func (c *Cascade) LocalAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error) {
	return c.localAction(ctx, h)
}

// Action looks up an action, falling back to the network.
func (c *Cascade) Action(ctx context.Context, h hash.Hash) (*types.SignedAction, error) {
	sa, err := c.localAction(ctx, h)
	if !errors.Is(err, store.ErrNotFound) {
		return sa, err
	}
	rec, err := c.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	if rec.ActionHash() != h {
		return nil, store.ErrNotFound
	}
	return &rec.SignedAction, nil
}

// Entry looks up an entry, falling back to the network.
func (c *Cascade) Entry(ctx context.Context, h hash.Hash) (*types.Entry, error) {
	for _, db := range c.local() {
		var e *types.Entry
		err := db.Read(ctx, func(tx *store.Txn) (err error) {
			e, err = tx.GetEntry(h)
			return err
		})
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	rec, err := c.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	if rec.Entry == nil || rec.Entry.Hash() != h {
		return nil, store.ErrNotFound
	}
	return rec.Entry, nil
}

// Exists reports whether an action or entry with hash h can be found.
func (c *Cascade) Exists(ctx context.Context, h hash.Hash) (bool, error) {
	for _, db := range c.local() {
		var found bool
		err := db.Read(ctx, func(tx *store.Txn) error {
			ok, err := tx.HasAction(h)
			if err != nil || ok {
				found = ok
				return err
			}
			_, err = tx.GetEntry(h)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			found = err == nil
			return err
		})
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	_, err := c.Get(ctx, h)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ActivityIntegrated reports whether the RegisterAgentActivity op of the
// action is integrated in the DHT database.
func (c *Cascade) ActivityIntegrated(ctx context.Context, actionHash hash.Hash) (bool, error) {
	if c.cfg.Dht == nil {
		return false, nil
	}
	var done bool
	err := c.cfg.Dht.Read(ctx, func(tx *store.Txn) error {
		rows, err := tx.OpsByAction(actionHash)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.Op.Type == types.OpRegisterAgentActivity && r.Integrated() {
				done = true
			}
		}
		return nil
	})
	return done, err
}

func unresolved(h hash.Hash, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &ribosome.UnresolvedError{Deps: []hash.Hash{h}}
	}
	return err
}

// MustGetAction is Action for validation callbacks.
func (c *Cascade) MustGetAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error) {
	sa, err := c.Action(ctx, h)
	if err != nil {
		return nil, unresolved(h, err)
	}
	return sa, nil
}

// MustGetEntry is Entry for validation callbacks.
func (c *Cascade) MustGetEntry(ctx context.Context, h hash.Hash) (*types.Entry, error) {
	e, err := c.Entry(ctx, h)
	if err != nil {
		return nil, unresolved(h, err)
	}
	return e, nil
}

// GetLinks returns live links on base. Local links are merged with those
// of the first authority that answers.
func (c *Cascade) GetLinks(ctx context.Context, base hash.Hash, tagPrefix []byte) ([]store.Link, error) {
	seen := make(map[hash.Hash]bool)
	var out []store.Link
	add := func(links []store.Link) {
		for _, l := range links {
			if !seen[l.CreateLink] && l.DeletedBy == nil {
				seen[l.CreateLink] = true
				out = append(out, l)
			}
		}
	}
	for _, db := range c.local() {
		var links []store.Link
		err := db.Read(ctx, func(tx *store.Txn) (err error) {
			links, err = tx.GetLinks(base, tagPrefix, false)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("local links: %w", err)
		}
		add(links)
	}

	if c.cfg.Network == nil || c.cfg.Peers == nil {
		return out, nil
	}
	exclude := map[hash.Hash]bool{c.cfg.Agent: true}
	for _, auth := range c.cfg.Peers.ClosestN(base.Loc(), c.cfg.Authorities, exclude) {
		var resp network.GetLinksResponse
		err := network.Call(ctx, c.cfg.Network, network.KindGetLinks, c.cfg.Space, c.cfg.Agent, auth.Agent,
			network.GetLinksRequest{Base: base, TagPrefix: tagPrefix}, &resp)
		if err != nil {
			continue
		}
		add(resp.Links)
		break
	}
	return out, nil
}

// ServeGet answers an authority Get from the DHT database.
func ServeGet(ctx context.Context, db *store.DB, req network.GetRequest) (network.GetResponse, error) {
	var resp network.GetResponse
	err := db.Read(ctx, func(tx *store.Txn) error {
		rows, err := tx.OpsByBasis(req.Hash, true)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.Status == types.StatusValid {
				resp.Ops = append(resp.Ops, r.Op)
			}
		}
		return nil
	})
	return resp, err
}

// ServeGetLinks answers an authority GetLinks from the DHT database.
func ServeGetLinks(ctx context.Context, db *store.DB, req network.GetLinksRequest) (network.GetLinksResponse, error) {
	var resp network.GetLinksResponse
	err := db.Read(ctx, func(tx *store.Txn) (err error) {
		resp.Links, err = tx.GetLinks(req.Base, req.TagPrefix, false)
		return err
	})
	return resp, err
}
