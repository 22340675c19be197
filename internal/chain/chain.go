// Package chain manages an agent's source chain: the hash-linked, signed
// sequence of actions stored in the cell's Authored database.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

var (
	// ErrMissingHead is returned by Head on a chain without genesis.
	ErrMissingHead = errors.New("source chain has no head")
	// ErrChainEmpty is returned by user reads when only genesis exists.
	ErrChainEmpty = errors.New("source chain holds no user actions")
)

// HeadMovedError is returned by a strict flush whose scratch was built on a
// head that is no longer current.
type HeadMovedError struct {
	Expected *Head
	Actual   *Head
}

func (e *HeadMovedError) Error() string {
	return fmt.Sprintf("source chain head moved: expected %s, found %s", e.Expected, e.Actual)
}

// Head is the newest action on the chain.
type Head struct {
	Action    hash.Hash
	Seq       uint32
	Timestamp types.Timestamp
}

func (h *Head) String() string {
	if h == nil {
		return "<empty>"
	}
	return fmt.Sprintf("%s@%d", h.Action.Short(), h.Seq)
}

func sameHead(a, b *Head) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Action == b.Action
}

// FlushMode decides what happens when the head moved during a call.
type FlushMode int

const (
	// Strict fails with *HeadMovedError.
	Strict FlushMode = iota
	// Relaxed rebases the scratch onto the new head and re-signs it.
	Relaxed
)

// Signer signs on behalf of the chain author.
type Signer interface {
	Sign(ctx context.Context, agent hash.Hash, data []byte) (crypto.Signature, error)
}

// Config wires a Chain.
type Config struct {
	Author   hash.Hash
	Dna      hash.Hash
	Authored *store.DB
	// Dht receives a copy of every committed op, already integrated. May be
	// nil in tests that only exercise the chain.
	Dht    *store.DB
	Signer Signer
	Clock  clock.Clock
	Logger *slog.Logger
}

// Chain is one agent's source chain in one DNA.
type Chain struct {
	author   hash.Hash
	dna      hash.Hash
	authored *store.DB
	dht      *store.DB
	signer   Signer
	clock    clock.Clock
	logger   *slog.Logger

	// unmirrored is set when committed ops could not be copied to Dht.
	unmirrored atomic.Bool
}

// New creates a Chain over cfg.Authored.
func New(cfg Config) *Chain {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Chain{
		author:   cfg.Author,
		dna:      cfg.Dna,
		authored: cfg.Authored,
		dht:      cfg.Dht,
		signer:   cfg.Signer,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "chain", "agent", cfg.Author.Short()),
	}
}

// Author returns the chain's agent.
func (c *Chain) Author() hash.Hash { return c.author }

// Dna returns the chain's DNA hash.
func (c *Chain) Dna() hash.Hash { return c.dna }

func (c *Chain) now() types.Timestamp {
	return types.FromTime(c.clock.Now())
}

func readHead(tx *store.Txn, author hash.Hash) (*Head, error) {
	row, err := tx.ChainHead(author)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Head{Action: row.Action, Seq: row.Seq, Timestamp: row.Timestamp}, nil
}

// Head returns the current head, or ErrMissingHead.
func (c *Chain) Head(ctx context.Context) (Head, error) {
	var head *Head
	err := c.authored.Read(ctx, func(tx *store.Txn) (err error) {
		head, err = readHead(tx, c.author)
		return err
	})
	if err != nil {
		return Head{}, fmt.Errorf("read head: %w", err)
	}
	if head == nil {
		return Head{}, ErrMissingHead
	}
	return *head, nil
}

// NewScratch starts a scratch on the current head. An empty chain yields a
// scratch whose first action must be Dna.
func (c *Chain) NewScratch(ctx context.Context) (*Scratch, error) {
	head, err := c.Head(ctx)
	if errors.Is(err, ErrMissingHead) {
		return &Scratch{author: c.author, now: c.now}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Scratch{author: c.author, base: &head, now: c.now}, nil
}

// Flush commits the scratch in one Authored write transaction and returns
// the committed action hashes in order. The ops are then mirrored into the
// Dht database as integrated.
func (c *Chain) Flush(ctx context.Context, s *Scratch, mode FlushMode) ([]hash.Hash, error) {
	if s.Len() == 0 {
		return nil, nil
	}

	var (
		committed []types.Record
		ops       []types.Op
	)
	err := c.authored.Write(ctx, func(tx *store.Txn) error {
		current, err := readHead(tx, c.author)
		if err != nil {
			return err
		}
		work := s
		if !sameHead(current, s.base) {
			if mode == Strict {
				return &HeadMovedError{Expected: s.base, Actual: current}
			}
			c.logger.Debug("rebasing scratch", "from", s.base, "to", current)
			work = s.rebased(current)
		}

		now := c.now()
		committed = committed[:0]
		ops = ops[:0]
		for _, item := range work.items {
			sig, err := c.signer.Sign(ctx, c.author, item.action.Bytes())
			if err != nil {
				return fmt.Errorf("sign action: %w", err)
			}
			sa := types.SignedAction{Action: item.action, Signature: sig}
			if err := tx.PutAction(&sa); err != nil {
				return err
			}
			if item.entry != nil {
				if err := tx.PutEntry(item.entry, sa.Action.IsPrivateEntry()); err != nil {
					return err
				}
			}
			produced := types.ProduceOps(sa, item.entry)
			for i := range produced {
				if _, err := tx.InsertOp(&produced[i], store.OpFlags{
					IsAuthored:     true,
					Stage:          types.StageAppValidated,
					Status:         types.StatusValid,
					WhenReceived:   now,
					WhenIntegrated: &now,
				}); err != nil {
					return err
				}
			}
			ops = append(ops, produced...)
			committed = append(committed, types.Record{SignedAction: sa, Entry: item.entry})
		}
		return nil
	})
	if err != nil {
		var moved *HeadMovedError
		if errors.As(err, &moved) {
			return nil, err
		}
		return nil, fmt.Errorf("flush scratch: %w", err)
	}

	last := committed[len(committed)-1].SignedAction.Action
	s.reset(&Head{Action: last.Hash(), Seq: last.Seq, Timestamp: last.Timestamp})

	// The actions are committed whatever happens next; Remirror copies
	// anything the Dht database missed.
	if err := c.mirror(ctx, ops); err != nil {
		c.unmirrored.Store(true)
		c.logger.Error("mirror authored ops to dht", "err", err, "ops", len(ops))
	}

	hashes := make([]hash.Hash, len(committed))
	for i := range committed {
		hashes[i] = committed[i].ActionHash()
	}
	c.logger.Debug("flushed scratch", "actions", len(hashes), "ops", len(ops))
	return hashes, nil
}

func (c *Chain) mirror(ctx context.Context, ops []types.Op) error {
	if c.dht == nil || len(ops) == 0 {
		return nil
	}
	now := c.now()
	return c.dht.Write(ctx, func(tx *store.Txn) error {
		for i := range ops {
			if _, err := tx.InsertOp(&ops[i], store.OpFlags{
				Stage:          types.StageAppValidated,
				Status:         types.StatusValid,
				WhenReceived:   now,
				WhenIntegrated: &now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Unmirrored reports whether a flush failed to copy its ops to Dht since
// the last successful Remirror.
func (c *Chain) Unmirrored() bool { return c.unmirrored.Load() }

// Remirror copies authored ops missing from the Dht database and returns
// how many it copied.
func (c *Chain) Remirror(ctx context.Context) (int, error) {
	if c.dht == nil {
		return 0, nil
	}
	c.unmirrored.Store(false)
	var authored []store.OpRow
	if err := c.authored.Read(ctx, func(tx *store.Txn) (err error) {
		authored, err = tx.AuthoredOps(c.author)
		return err
	}); err != nil {
		c.unmirrored.Store(true)
		return 0, fmt.Errorf("remirror: %w", err)
	}
	var missing []types.Op
	if err := c.dht.Read(ctx, func(tx *store.Txn) error {
		for i := range authored {
			ok, err := tx.HasOp(authored[i].Hash)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, authored[i].Op)
			}
		}
		return nil
	}); err != nil {
		c.unmirrored.Store(true)
		return 0, fmt.Errorf("remirror: %w", err)
	}
	if err := c.mirror(ctx, missing); err != nil {
		c.unmirrored.Store(true)
		return 0, fmt.Errorf("remirror: %w", err)
	}
	if len(missing) > 0 {
		c.logger.Info("remirrored authored ops", "ops", len(missing))
	}
	return len(missing), nil
}

// Genesis writes Dna, AgentValidationPkg and the agent key entry. It does
// nothing if the chain already has a head.
func (c *Chain) Genesis(ctx context.Context, membraneProof []byte) error {
	s, err := c.NewScratch(ctx)
	if err != nil {
		return err
	}
	if s.base != nil {
		return nil
	}
	agent := types.NewAgentEntry(c.author)
	s.Put(types.NewDna(c.dna), nil)
	s.Put(types.NewAgentValidationPkg(membraneProof), nil)
	s.Put(types.NewCreate(types.AgentEntryType, agent.Hash()), &agent)
	_, err = c.Flush(ctx, s, Strict)
	var moved *HeadMovedError
	if errors.As(err, &moved) {
		// A concurrent genesis won; the chain exists either way.
		return nil
	}
	return err
}

// Get returns one of the chain's records.
func (c *Chain) Get(ctx context.Context, actionHash hash.Hash) (*types.Record, error) {
	var rec *types.Record
	err := c.authored.Read(ctx, func(tx *store.Txn) (err error) {
		rec, err = tx.GetRecord(actionHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec.Action().Author != c.author {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// Query returns the records matching f. A chain with nothing after genesis
// returns ErrChainEmpty.
func (c *Chain) Query(ctx context.Context, f store.ActionFilter) ([]types.Record, error) {
	var (
		recs []types.Record
		n    int
	)
	err := c.authored.Read(ctx, func(tx *store.Txn) (err error) {
		if n, err = tx.CountActions(c.author); err != nil {
			return err
		}
		recs, err = tx.QueryRecords(c.author, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	if n <= 1 {
		return nil, ErrChainEmpty
	}
	return recs, nil
}

// Len returns the number of committed actions.
func (c *Chain) Len(ctx context.Context) (int, error) {
	var n int
	err := c.authored.Read(ctx, func(tx *store.Txn) (err error) {
		n, err = tx.CountActions(c.author)
		return err
	})
	return n, err
}

// IsInitialized reports whether InitZomesComplete has been committed.
func (c *Chain) IsInitialized(ctx context.Context) (bool, error) {
	var recs []types.Record
	err := c.authored.Read(ctx, func(tx *store.Txn) (err error) {
		recs, err = tx.QueryRecords(c.author, store.ActionFilter{
			Types: []types.ActionType{types.ActionInitZomesComplete},
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check init: %w", err)
	}
	return len(recs) > 0, nil
}

// nextTimestamp keeps timestamps strictly increasing along the chain.
func nextTimestamp(now, prev types.Timestamp) types.Timestamp {
	return types.MaxTimestamp(now, prev.Add(time.Microsecond))
}
