package cell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/queue"
)

// Clamping pins a cell's arc instead of letting it resize.
type Clamping string

const (
	ClampNone  Clamping = "none"
	ClampFull  Clamping = "full"
	ClampEmpty Clamping = "empty"
)

// ParseClamping accepts the config spellings, case-insensitively.
func ParseClamping(s string) (Clamping, error) {
	switch c := Clamping(strings.ToLower(s)); c {
	case "", ClampNone:
		return ClampNone, nil
	case ClampFull, ClampEmpty:
		return c, nil
	}
	return "", fmt.Errorf("unknown arc clamping %q", s)
}

const (
	DefaultTargetRedundancy = 50
	DefaultResizeInterval   = time.Minute
)

// ArcConfig controls arc resizing.
type ArcConfig struct {
	TargetRedundancy int           `yaml:"target_redundancy"`
	Clamping         Clamping      `yaml:"arc_clamping"`
	Interval         time.Duration `yaml:"resize_interval"`
}

func (a *ArcConfig) defaults() {
	if a.TargetRedundancy <= 0 {
		a.TargetRedundancy = DefaultTargetRedundancy
	}
	if a.Clamping == "" {
		a.Clamping = ClampNone
	}
	if a.Interval <= 0 {
		a.Interval = DefaultResizeInterval
	}
}

// initial is the arc a cell starts with. Unclamped arcs start full and
// shrink once the space has enough peers.
func (a *ArcConfig) initial(center uint32) dht.Arc {
	if a.Clamping == ClampEmpty {
		return dht.EmptyArc(center)
	}
	return dht.FullArc(center)
}

// Arc returns the cell's current storage arc.
func (c *Cell) Arc() dht.Arc {
	c.arcMu.Lock()
	defer c.arcMu.Unlock()
	return c.arc
}

// SetArc overrides the arc and re-publishes the agent info.
func (c *Cell) SetArc(ctx context.Context, arc dht.Arc) error {
	c.arcMu.Lock()
	c.arc = arc
	c.arcMu.Unlock()
	return c.PublishAgentInfo(ctx)
}

// nextArc returns the arc after one resize step, or false when it stays.
func (c *Cell) nextArc() (dht.Arc, bool) {
	if c.cfg.Arc.Clamping != ClampNone || c.cfg.Peers == nil {
		return dht.Arc{}, false
	}
	cur := c.Arc()
	covering := dht.CoveringCount(cur.Center, c.cfg.Peers.Arcs())
	next := cur.Resize(covering, c.cfg.Arc.TargetRedundancy)
	return next, next != cur
}

func (c *Cell) resizeArc(ctx context.Context) (queue.Outcome, error) {
	next, changed := c.nextArc()
	if !changed {
		return queue.Complete, nil
	}
	prev := c.Arc()
	if err := c.SetArc(ctx, next); err != nil {
		return queue.Complete, err
	}
	c.logger.Debug("arc resized", "from", prev, "to", next)
	return queue.Complete, nil
}
