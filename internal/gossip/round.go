package gossip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

const (
	// maxRegionsPerMessage bounds OpRegions and RegionDiff.
	maxRegionsPerMessage = 1024
	// maxDiffDepth bounds the halving rounds. 16 space bits plus the time
	// span of any realistic window fit well inside it.
	maxDiffDepth = 96
)

// RoundStats describes one finished round.
type RoundStats struct {
	ID       string
	Peer     hash.Hash
	Loop     Loop
	Regions  int
	Leaves   int
	AgentsIn int
	OpsIn    int
	OpsOut   int
	BytesIn  int
	BytesOut int
	Duration time.Duration
}

// session is the state both roles keep for the op exchange.
type session struct {
	id      string
	peer    hash.Hash
	loop    Loop
	started time.Time
	want    map[hash.Hash]bool
	out     *outbound
	stats   RoundStats
}

// outbound streams the ops the other side lacks, loading BatchOps at a time
// and cutting each batch into chunks of at most ChunkBytes.
type outbound struct {
	db      *store.DB
	hashes  []hash.Hash
	pending []types.Op
	batch   int
	chunk   int
	done    bool
}

func (o *outbound) next(ctx context.Context) ([]types.Op, BatchStatus, error) {
	if o.done {
		return nil, AllComplete, nil
	}
	if len(o.pending) == 0 && len(o.hashes) > 0 {
		n := min(o.batch, len(o.hashes))
		batch := o.hashes[:n]
		o.hashes = o.hashes[n:]
		err := o.db.Read(ctx, func(tx *store.Txn) error {
			rows, err := tx.GetOps(batch)
			if err != nil {
				return err
			}
			for _, r := range rows {
				o.pending = append(o.pending, r.Op)
			}
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("load gossip batch: %w", err)
		}
	}
	size, k := 0, 0
	for k < len(o.pending) {
		s := o.pending[k].Size()
		if k > 0 && size+s > o.chunk {
			break
		}
		size += s
		k++
	}
	chunk := o.pending[:k:k]
	o.pending = o.pending[k:]
	switch {
	case len(o.pending) > 0:
		return chunk, ChunkComplete, nil
	case len(o.hashes) > 0:
		return chunk, BatchComplete, nil
	default:
		o.done = true
		return chunk, AllComplete, nil
	}
}

func (e *Engine) newOutbound(hashes []hash.Hash) *outbound {
	return &outbound{db: e.cfg.Dht, hashes: hashes, batch: e.tuning.BatchOps, chunk: e.tuning.ChunkBytes}
}

// plan computes what each side is missing once both hash lists are known.
func (e *Engine) plan(s *session, mine, theirs []hash.Hash) {
	have := make(map[hash.Hash]bool, len(mine))
	for _, h := range mine {
		have[h] = true
	}
	s.want = make(map[hash.Hash]bool)
	held := make(map[hash.Hash]bool, len(theirs))
	for _, h := range theirs {
		held[h] = true
		if !have[h] {
			s.want[h] = true
		}
	}
	var give []hash.Hash
	for _, h := range mine {
		if !held[h] {
			give = append(give, h)
		}
	}
	s.out = e.newOutbound(give)
}

// ingest passes the ops we asked for to the incoming workflow. Anything
// unrequested is dropped.
func (e *Engine) ingest(ctx context.Context, s *session, packed []byte) error {
	ops, err := unpackOps(packed)
	if err != nil {
		return err
	}
	kept := ops[:0]
	for _, op := range ops {
		h := op.Hash()
		if s.want[h] {
			delete(s.want, h)
			kept = append(kept, op)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	s.stats.OpsIn += len(kept)
	metrics.GossipOps.WithLabelValues("in").Add(float64(len(kept)))
	if e.cfg.Ingest == nil {
		return nil
	}
	if _, err := e.cfg.Ingest(ctx, kept, s.peer); err != nil {
		return fmt.Errorf("ingest gossiped ops: %w", err)
	}
	return nil
}

// packNext takes the next outbound chunk ready to send.
func (e *Engine) packNext(ctx context.Context, s *session) (MissingOps, error) {
	ops, status, err := s.out.next(ctx)
	if err != nil {
		return MissingOps{}, err
	}
	packed, err := packOps(ops)
	if err != nil {
		return MissingOps{}, err
	}
	s.stats.OpsOut += len(ops)
	metrics.GossipOps.WithLabelValues("out").Add(float64(len(ops)))
	return MissingOps{Ops: packed, Status: status}, nil
}

func (e *Engine) beginInitiate(peer hash.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initiating[peer] {
		return false
	}
	for _, r := range e.accepted {
		if r.peer == peer {
			return false
		}
	}
	e.initiating[peer] = true
	return true
}

func (e *Engine) endInitiate(peer hash.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.initiating, peer)
}

// Initiate runs one round of loop with peer.
func (e *Engine) Initiate(ctx context.Context, loop Loop, peer hash.Hash) (RoundStats, error) {
	if !e.beginInitiate(peer) {
		return RoundStats{}, ErrAlreadyInProgress
	}
	defer e.endInitiate(peer)
	if !e.cfg.Slots.acquire() {
		return RoundStats{}, ErrBusy
	}
	defer e.cfg.Slots.release()

	ctx, span := tracer.Start(ctx, "gossip.initiate", trace.WithAttributes(
		attribute.String("gossip.loop", loop.String()),
		attribute.String("gossip.peer", peer.Short()),
	))
	defer span.End()

	r := &initiator{e: e, session: session{
		id:      uuid.NewString(),
		peer:    peer,
		loop:    loop,
		started: e.cfg.Clock.Now(),
	}}
	r.stats.ID, r.stats.Peer, r.stats.Loop = r.id, peer, loop
	if err := e.peers.record(ctx, peer, loop, eventInitiate, e.now()); err != nil {
		e.logger.Warn("record gossip initiate", "err", err)
	}

	err := r.run(ctx)
	r.stats.Duration = e.cfg.Clock.Now().Sub(r.started)
	metrics.GossipBytes.WithLabelValues("out").Add(float64(r.stats.BytesOut))
	metrics.GossipBytes.WithLabelValues("in").Add(float64(r.stats.BytesIn))

	outcome := "complete"
	var perr *ProtocolError
	switch {
	case err == nil:
		metrics.GossipRoundDuration.WithLabelValues(loop.String()).Observe(r.stats.Duration.Seconds())
		if err := e.peers.record(ctx, peer, loop, eventComplete, e.now()); err != nil {
			e.logger.Warn("record gossip round", "peer", peer.Short(), "err", err)
		}
	case errors.As(err, &perr) && perr.declined():
		outcome = perr.Kind.String()
	default:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if err := e.peers.record(ctx, peer, loop, eventError, e.now()); err != nil {
			e.logger.Warn("record gossip round", "peer", peer.Short(), "err", err)
		}
		r.abort(ctx, err)
	}
	metrics.GossipRounds.WithLabelValues(loop.String(), "initiator", outcome).Inc()
	span.SetAttributes(
		attribute.String("gossip.outcome", outcome),
		attribute.Int("gossip.ops_in", r.stats.OpsIn),
		attribute.Int("gossip.ops_out", r.stats.OpsOut),
	)
	return r.stats, err
}

type initiator struct {
	e *Engine
	session
}

// request sends one message and returns the reply. Terminal replies become
// a *ProtocolError.
func (r *initiator) request(ctx context.Context, kind MsgKind, body any) (Message, error) {
	msg, err := newMessage(kind, r.id, body)
	if err != nil {
		return Message{}, err
	}
	env, err := network.NewEnvelope(network.KindGossip, r.e.cfg.Space, r.e.cfg.Agent, r.peer, msg)
	if err != nil {
		return Message{}, err
	}
	if err := r.e.throttle(ctx, r.loop, len(env.Body)); err != nil {
		return Message{}, err
	}
	r.stats.BytesOut += len(env.Body)

	ctx, cancel := context.WithTimeout(ctx, r.e.tuning.MessageTimeout)
	defer cancel()
	b, err := r.e.cfg.Network.Request(ctx, env)
	if err != nil {
		return Message{}, err
	}
	r.stats.BytesIn += len(b)
	var reply Message
	if err := codec.Unmarshal(b, &reply); err != nil {
		return Message{}, fmt.Errorf("decode gossip reply: %w", err)
	}
	if reply.Kind.Terminal() {
		var f Failure
		_ = reply.decode(&f)
		return Message{}, &ProtocolError{Kind: reply.Kind, Reason: f.Reason}
	}
	return reply, nil
}

// call is request for exchanges with exactly one allowed reply kind.
func (r *initiator) call(ctx context.Context, kind MsgKind, body any, expect MsgKind, out any) error {
	reply, err := r.request(ctx, kind, body)
	if err != nil {
		return err
	}
	if reply.Kind != expect {
		return unexpected(expect, reply.Kind)
	}
	if out == nil {
		return nil
	}
	return reply.decode(out)
}

func unexpected(want, got MsgKind) error {
	return &ProtocolError{Kind: MsgUnexpectedMessage, Reason: fmt.Sprintf("want %s, got %s", want, got)}
}

// abort tells the acceptor to drop the round so its slot frees up early.
func (r *initiator) abort(ctx context.Context, cause error) {
	msg, err := newMessage(MsgError, r.id, Failure{Reason: cause.Error()})
	if err != nil {
		return
	}
	_ = network.Notify(ctx, r.e.cfg.Network, network.KindGossip, r.e.cfg.Space, r.e.cfg.Agent, r.peer, msg)
}

func (r *initiator) run(ctx context.Context) error {
	e := r.e
	arc := e.cfg.Arc()
	start, end := windowFor(r.loop, e.now(), e.cfg.Origin, e.tuning.RecentThreshold)

	var acc Accept
	err := r.call(ctx, MsgInitiate, Initiate{
		Loop:        r.loop,
		Arcs:        []dht.Arc{arc},
		Agents:      e.stamps(),
		WindowStart: start,
		WindowEnd:   end,
	}, MsgAccept, &acc)
	if err != nil {
		return err
	}

	var missing Agents
	if err := r.call(ctx, MsgAgents, Agents{Infos: e.agentsNewerThan(acc.Agents)}, MsgMissingAgents, &missing); err != nil {
		return err
	}
	r.stats.AgentsIn = e.storeAgents(missing.Infos, r.peer)

	common := dht.ArcSetOf(arc).Intersect(dht.ArcSetOf(acc.Arcs...))
	leaves, err := r.diffRegions(ctx, rootRegions(common, start, end))
	if err != nil {
		return err
	}
	if len(leaves) > 0 {
		if err := r.exchangeOps(ctx, leaves); err != nil {
			return err
		}
	}
	return r.call(ctx, MsgFinished, Finished{OpsIn: r.stats.OpsIn, OpsOut: r.stats.OpsOut}, MsgFinished, nil)
}

// diffRegions narrows pending down to the differing leaves.
func (r *initiator) diffRegions(ctx context.Context, pending []store.RegionCoords) ([]store.RegionCoords, error) {
	var leaves []store.RegionCoords
	for depth := 0; len(pending) > 0; depth++ {
		if depth >= maxDiffDepth {
			return nil, &ProtocolError{Kind: MsgError, Reason: "region diff did not converge"}
		}
		var next []store.RegionCoords
		for len(pending) > 0 {
			n := min(len(pending), maxRegionsPerMessage)
			part := pending[:n]
			pending = pending[n:]

			mine, err := r.e.summaries(ctx, part)
			if err != nil {
				return nil, err
			}
			var diff OpRegions
			if err := r.call(ctx, MsgOpRegions, OpRegions{Regions: mine}, MsgRegionDiff, &diff); err != nil {
				return nil, err
			}
			r.stats.Regions += len(mine)
			ours := make(map[store.RegionCoords]store.RegionData, len(mine))
			for _, m := range mine {
				ours[m.Coords] = m.Data
			}
			for _, d := range diff.Regions {
				my, ok := ours[d.Coords]
				if !ok {
					return nil, &ProtocolError{Kind: MsgUnexpectedMessage, Reason: "diff names a region we did not send"}
				}
				if isLeaf(d.Coords, my, d.Data, r.e.tuning.RegionMaxOps) {
					leaves = append(leaves, d.Coords)
					continue
				}
				a, b, _ := halve(d.Coords)
				next = append(next, a, b)
			}
		}
		pending = next
	}
	r.stats.Leaves = len(leaves)
	return leaves, nil
}

// exchangeOps swaps leaf hashes and then streams ops both ways until both
// sides report AllComplete.
func (r *initiator) exchangeOps(ctx context.Context, leaves []store.RegionCoords) error {
	mine, err := r.e.hashesIn(ctx, leaves)
	if err != nil {
		return err
	}
	var theirs OpHashes
	if err := r.call(ctx, MsgOpHashes, OpHashes{Leaves: leaves, Hashes: mine}, MsgOpHashes, &theirs); err != nil {
		return err
	}
	r.e.plan(&r.session, mine, theirs.Hashes)

	sentAll, recvAll := false, false
	for !sentAll || !recvAll {
		body, err := r.e.packNext(ctx, &r.session)
		if err != nil {
			return err
		}
		if body.Status == AllComplete {
			sentAll = true
		}
		reply, err := r.request(ctx, MsgMissingOps, body)
		if err != nil {
			return err
		}
		switch reply.Kind {
		case MsgMissingOps:
			var m MissingOps
			if err := reply.decode(&m); err != nil {
				return err
			}
			if err := r.e.ingest(ctx, &r.session, m.Ops); err != nil {
				return err
			}
			if m.Status == AllComplete {
				recvAll = true
			}
		case MsgOpBatchAck:
			recvAll = true
		default:
			return unexpected(MsgMissingOps, reply.Kind)
		}
	}
	return nil
}
