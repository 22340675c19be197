package gossip

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/metrics"
	"github.com/ssd-technologies/holonet/internal/store"
)

type acceptState uint8

const (
	awaitAgents acceptState = iota + 1
	awaitRegions
	awaitOps
	awaitFinished
)

func (s acceptState) String() string {
	switch s {
	case awaitAgents:
		return "await_agents"
	case awaitRegions:
		return "await_regions"
	case awaitOps:
		return "await_ops"
	case awaitFinished:
		return "await_finished"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type acceptRound struct {
	session
	state      acceptState
	peerStamps []AgentStamp
	window     [2]int64
	common     dht.ArcSet
	lastSeen   int64
}

// accept advances the acceptor state machine for one message and returns
// the reply. It never fails: anything out of order is answered with
// UnexpectedMessage and the round is dropped.
func (e *Engine) accept(ctx context.Context, from hash.Hash, msg *Message) (Message, Loop) {
	if msg.Kind == MsgInitiate {
		return e.acceptInitiate(from, msg)
	}

	e.mu.Lock()
	r, ok := e.accepted[msg.Round]
	if ok && r.peer != from {
		ok = false
	}
	if ok {
		r.lastSeen = e.cfg.Clock.Now().UnixNano()
	}
	e.mu.Unlock()
	if !ok {
		if msg.Kind.Terminal() {
			return terminal(MsgError, msg.Round, "unknown round"), 0
		}
		return terminal(MsgUnexpectedMessage, msg.Round, "unknown round"), 0
	}
	r.stats.BytesIn += len(msg.Body)

	reply, done, err := e.step(ctx, r, msg)
	if err != nil {
		e.logger.Debug("gossip round dropped", "round", r.id, "peer", from.Short(), "state", r.state, "err", err)
		e.finishAccepted(ctx, r, err)
		return reply, r.loop
	}
	r.stats.BytesOut += len(reply.Body)
	if done {
		e.finishAccepted(ctx, r, nil)
	}
	return reply, r.loop
}

func (e *Engine) acceptInitiate(from hash.Hash, msg *Message) (Message, Loop) {
	var init Initiate
	if err := msg.decode(&init); err != nil {
		return terminal(MsgError, msg.Round, err.Error()), 0
	}
	if init.Loop != LoopRecent && init.Loop != LoopHistorical {
		return terminal(MsgError, msg.Round, "unknown loop"), 0
	}
	if !e.hasSelf() {
		return terminal(MsgNoAgents, msg.Round, ""), 0
	}

	e.mu.Lock()
	if e.initiating[from] && !e.yieldsTo(from) {
		e.mu.Unlock()
		return terminal(MsgAlreadyInProgress, msg.Round, ""), 0
	}
	for _, r := range e.accepted {
		if r.peer == from || r.id == msg.Round {
			e.mu.Unlock()
			return terminal(MsgAlreadyInProgress, msg.Round, ""), 0
		}
	}
	if !e.accepts.Allow() {
		e.mu.Unlock()
		metrics.GossipRounds.WithLabelValues(init.Loop.String(), "acceptor", "throttled").Inc()
		return terminal(MsgBusy, msg.Round, ""), 0
	}
	if !e.cfg.Slots.acquire() {
		e.mu.Unlock()
		return terminal(MsgBusy, msg.Round, ""), 0
	}
	arc := e.cfg.Arc()
	r := &acceptRound{
		session: session{
			id:      msg.Round,
			peer:    from,
			loop:    init.Loop,
			started: e.cfg.Clock.Now(),
		},
		state:      awaitAgents,
		peerStamps: init.Agents,
		window:     [2]int64{init.WindowStart, init.WindowEnd},
		common:     dht.ArcSetOf(arc).Intersect(dht.ArcSetOf(init.Arcs...)),
		lastSeen:   e.cfg.Clock.Now().UnixNano(),
	}
	r.stats.ID, r.stats.Peer, r.stats.Loop = r.id, from, init.Loop
	e.accepted[r.id] = r
	e.mu.Unlock()

	reply, err := newMessage(MsgAccept, r.id, Accept{Arcs: []dht.Arc{arc}, Agents: e.stamps()})
	if err != nil {
		e.finishAccepted(context.Background(), r, err)
		return terminal(MsgError, msg.Round, err.Error()), 0
	}
	return reply, r.loop
}

// yieldsTo decides which side of two crossing initiates goes ahead: the
// agent with the lower key accepts the peer's round and the higher one
// declines. Our own initiate is then declined by the peer.
func (e *Engine) yieldsTo(peer hash.Hash) bool {
	return bytes.Compare(e.cfg.Agent[:], peer[:]) < 0
}

// step handles one in-round message. done reports a cleanly finished round.
func (e *Engine) step(ctx context.Context, r *acceptRound, msg *Message) (reply Message, done bool, err error) {
	fail := func(kind MsgKind, cause error) (Message, bool, error) {
		return terminal(kind, r.id, cause.Error()), false, cause
	}
	bad := func() (Message, bool, error) {
		return fail(MsgUnexpectedMessage, fmt.Errorf("%s in %s", msg.Kind, r.state))
	}

	switch msg.Kind {
	case MsgAgents:
		if r.state != awaitAgents {
			return bad()
		}
		var in Agents
		if err := msg.decode(&in); err != nil {
			return fail(MsgError, err)
		}
		r.stats.AgentsIn = e.storeAgents(in.Infos, r.peer)
		r.state = awaitRegions
		reply, err := newMessage(MsgMissingAgents, r.id, Agents{Infos: e.agentsNewerThan(r.peerStamps)})
		if err != nil {
			return fail(MsgError, err)
		}
		return reply, false, nil

	case MsgOpRegions:
		if r.state != awaitRegions {
			return bad()
		}
		var in OpRegions
		if err := msg.decode(&in); err != nil {
			return fail(MsgError, err)
		}
		if err := r.checkRegions(in.Regions); err != nil {
			return fail(MsgError, err)
		}
		coords := make([]store.RegionCoords, len(in.Regions))
		for i, reg := range in.Regions {
			coords[i] = reg.Coords
		}
		mine, err := e.summaries(ctx, coords)
		if err != nil {
			return fail(MsgError, err)
		}
		var diff OpRegions
		for i, reg := range in.Regions {
			if !sameData(reg.Data, mine[i].Data) {
				diff.Regions = append(diff.Regions, mine[i])
			}
		}
		r.stats.Regions += len(in.Regions)
		reply, err := newMessage(MsgRegionDiff, r.id, diff)
		if err != nil {
			return fail(MsgError, err)
		}
		return reply, false, nil

	case MsgOpHashes:
		if r.state != awaitRegions {
			return bad()
		}
		var in OpHashes
		if err := msg.decode(&in); err != nil {
			return fail(MsgError, err)
		}
		if err := r.checkLeaves(in.Leaves); err != nil {
			return fail(MsgError, err)
		}
		mine, err := e.hashesIn(ctx, in.Leaves)
		if err != nil {
			return fail(MsgError, err)
		}
		e.plan(&r.session, mine, in.Hashes)
		r.stats.Leaves = len(in.Leaves)
		r.state = awaitOps
		reply, err := newMessage(MsgOpHashes, r.id, OpHashes{Hashes: mine})
		if err != nil {
			return fail(MsgError, err)
		}
		return reply, false, nil

	case MsgMissingOps:
		if r.state != awaitOps {
			return bad()
		}
		var in MissingOps
		if err := msg.decode(&in); err != nil {
			return fail(MsgError, err)
		}
		if err := e.ingest(ctx, &r.session, in.Ops); err != nil {
			return fail(MsgError, err)
		}
		if r.out.done {
			if in.Status == AllComplete {
				r.state = awaitFinished
			}
			reply, _ := newMessage(MsgOpBatchAck, r.id, nil)
			return reply, false, nil
		}
		body, err := e.packNext(ctx, &r.session)
		if err != nil {
			return fail(MsgError, err)
		}
		if in.Status == AllComplete && body.Status == AllComplete {
			r.state = awaitFinished
		}
		reply, err := newMessage(MsgMissingOps, r.id, body)
		if err != nil {
			return fail(MsgError, err)
		}
		return reply, false, nil

	case MsgFinished:
		// A round with no differing regions skips the op exchange.
		if r.state != awaitRegions && r.state != awaitFinished {
			return bad()
		}
		reply, err := newMessage(MsgFinished, r.id, Finished{OpsIn: r.stats.OpsIn, OpsOut: r.stats.OpsOut})
		if err != nil {
			return fail(MsgError, err)
		}
		return reply, true, nil

	case MsgError, MsgBusy, MsgNoAgents, MsgAlreadyInProgress, MsgUnexpectedMessage:
		var f Failure
		_ = msg.decode(&f)
		return fail(MsgError, &ProtocolError{Kind: msg.Kind, Reason: f.Reason})
	}
	return bad()
}

func (r *acceptRound) checkRegions(regions []Region) error {
	if len(regions) > maxRegionsPerMessage {
		return fmt.Errorf("%d regions in one message", len(regions))
	}
	for _, reg := range regions {
		if err := r.checkCoords(reg.Coords); err != nil {
			return err
		}
	}
	return nil
}

func (r *acceptRound) checkLeaves(leaves []store.RegionCoords) error {
	if len(leaves) > maxRegionsPerMessage*maxDiffDepth {
		return fmt.Errorf("%d leaves in one message", len(leaves))
	}
	for _, c := range leaves {
		if err := r.checkCoords(c); err != nil {
			return err
		}
	}
	return nil
}

// checkCoords rejects malformed rectangles and any outside the round's
// window or shared arc.
func (r *acceptRound) checkCoords(c store.RegionCoords) error {
	if c.LocStart > c.LocEnd || c.LocEnd >= store.LocBuckets || c.TimeStart > c.TimeEnd {
		return fmt.Errorf("malformed region %+v", c)
	}
	if c.TimeStart < r.window[0] || c.TimeEnd > r.window[1] {
		return fmt.Errorf("region %+v outside round window", c)
	}
	lo, hi := c.LocRange()
	for _, iv := range r.common {
		if iv.Start <= hi && lo <= iv.End {
			return nil
		}
	}
	return fmt.Errorf("region %+v outside the shared arc", c)
}

// finishAccepted removes the round, frees its slot and records the outcome.
func (e *Engine) finishAccepted(ctx context.Context, r *acceptRound, cause error) {
	e.mu.Lock()
	_, ok := e.accepted[r.id]
	delete(e.accepted, r.id)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.cfg.Slots.release()

	outcome := "complete"
	ev := eventRemoteRound
	if cause != nil {
		outcome = "error"
		ev = eventError
	}
	if err := e.peers.record(ctx, r.peer, r.loop, ev, e.now()); err != nil {
		e.logger.Warn("record gossip round", "err", err)
	}
	metrics.GossipRounds.WithLabelValues(r.loop.String(), "acceptor", outcome).Inc()
	metrics.GossipBytes.WithLabelValues("in").Add(float64(r.stats.BytesIn))
	metrics.GossipBytes.WithLabelValues("out").Add(float64(r.stats.BytesOut))
	if cause == nil {
		metrics.GossipRoundDuration.WithLabelValues(r.loop.String()).Observe(
			e.cfg.Clock.Now().Sub(r.started).Seconds())
	}
}

// pruneAccepted drops rounds whose initiator went quiet for longer than the
// message timeout.
func (e *Engine) pruneAccepted() {
	cutoff := e.cfg.Clock.Now().Add(-e.tuning.MessageTimeout).UnixNano()
	var stale []*acceptRound
	e.mu.Lock()
	for _, r := range e.accepted {
		if r.lastSeen < cutoff {
			stale = append(stale, r)
		}
	}
	e.mu.Unlock()
	for _, r := range stale {
		e.finishAccepted(context.Background(), r, fmt.Errorf("round %s timed out", r.id))
	}
}

func terminal(kind MsgKind, round, reason string) Message {
	m, err := newMessage(kind, round, Failure{Reason: reason})
	if err != nil {
		return Message{Kind: kind, Round: round}
	}
	return m
}
