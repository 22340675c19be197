package conductor

import (
	"context"
	"time"

	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

const (
	peerPruneInterval = 5 * time.Minute
	limiterInterval   = time.Minute
)

// StartWorkers launches the conductor's housekeeping goroutines. They stop
// when ctx is cancelled. api may be nil when no HTTP surface is served.
func (c *Conductor) StartWorkers(ctx context.Context, api *API) {
	go c.runPeerPrune(ctx)
	if api != nil {
		go c.runLimiterCleanup(ctx, api)
	}
}

func (c *Conductor) runPeerPrune(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(peerPruneInterval):
			peers, meta := c.prunePeers(ctx)
			if peers > 0 || meta > 0 {
				c.logger.Info("pruned expired peer data", "agent_infos", peers, "peer_meta", meta)
			}
		}
	}
}

// prunePeers drops expired agent infos from every peer table and expired
// values from every space's PeerMeta store.
func (c *Conductor) prunePeers(ctx context.Context) (peers int, meta int64) {
	c.mu.RLock()
	spaces := make([]*space, 0, len(c.spaces))
	for _, s := range c.spaces {
		spaces = append(spaces, s)
	}
	c.mu.RUnlock()

	now := types.FromTime(c.cfg.Clock.Now())
	for _, s := range spaces {
		peers += s.peers.Prune()
		err := s.meta.Write(ctx, func(tx *store.Txn) error {
			n, err := tx.PrunePeerMeta(now)
			meta += n
			return err
		})
		if err != nil {
			c.logger.Warn("prune peer meta", "dna", s.hash.Short(), "err", err)
		}
	}
	return peers, meta
}

func (c *Conductor) runLimiterCleanup(ctx context.Context, api *API) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(limiterInterval):
			api.Cleanup()
		}
	}
}
