// Package queue runs a cell's workflows. Each workflow is one goroutine
// woken by a coalescing Trigger, so a workflow never runs concurrently with
// itself, and downstream workflows are only woken after it returns.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/metrics"
)

const (
	DefaultLoopMin      = 5 * time.Second
	DefaultLoopMax      = 5 * time.Minute
	DefaultDrainTimeout = 10 * time.Second
)

var tracer = otel.Tracer("holonet/queue")

// Outcome tells the consumer whether a run finished its work.
type Outcome int

const (
	// Complete means nothing is left to do until the next trigger.
	Complete Outcome = iota
	// Incomplete asks for another run straight away.
	Incomplete
)

// Func is one workflow run.
type Func func(ctx context.Context) (Outcome, error)

// Trigger wakes one workflow. Fires that arrive while a wake-up is already
// pending are dropped.
type Trigger struct {
	ch       chan struct{}
	min, max time.Duration
}

// NewTrigger returns a trigger that only fires when told to.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// NewLoopTrigger returns a trigger that also fires on its own. The interval
// starts at min, doubles after every self-fired run up to max, and resets to
// min on an explicit Fire.
func NewLoopTrigger(min, max time.Duration) *Trigger {
	if min <= 0 {
		min = DefaultLoopMin
	}
	if max < min {
		max = min
	}
	return &Trigger{ch: make(chan struct{}, 1), min: min, max: max}
}

// Fire requests a run.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

func (t *Trigger) loops() bool { return t.min > 0 }

// Consumer owns the workflow goroutines of one cell.
type Consumer struct {
	ctx    context.Context
	cancel context.CancelFunc
	// stop ends the loops without touching runs already in flight.
	stop     chan struct{}
	stopOnce sync.Once
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]chan struct{}
}

// New creates a consumer. clk may be nil for the system clock.
func New(clk clock.Clock, logger *slog.Logger) *Consumer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		clock:   clk,
		logger:  logger,
		running: make(map[string]chan struct{}),
	}
}

// Spawn starts the loop for workflow name. downstream triggers fire after
// every run that returns without error.
func (c *Consumer) Spawn(name string, trigger *Trigger, fn Func, downstream ...*Trigger) {
	done := make(chan struct{})
	c.mu.Lock()
	c.running[name] = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		logger := c.logger.With("workflow", name)
		interval := trigger.min
		for {
			var timer <-chan time.Time
			if trigger.loops() {
				timer = c.clock.After(interval)
			}
			select {
			case <-c.stop:
				return
			case <-c.ctx.Done():
				return
			case <-trigger.ch:
				interval = trigger.min
			case <-timer:
				interval *= 2
				if interval > trigger.max {
					interval = trigger.max
				}
			}
			if c.stopping() {
				return
			}

			for {
				outcome, err := c.run(name, fn)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						logger.Warn("workflow failed", "err", err)
					}
					break
				}
				for _, d := range downstream {
					d.Fire()
				}
				if outcome != Incomplete || c.stopping() {
					break
				}
			}
		}
	}()
}

func (c *Consumer) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Consumer) run(name string, fn Func) (outcome Outcome, err error) {
	ctx, span := tracer.Start(c.ctx, "workflow."+name, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	start := time.Now()

	outcome, err = fn(ctx)

	metrics.WorkflowDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	result := "complete"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case outcome == Incomplete:
		result = "incomplete"
	}
	metrics.WorkflowRuns.WithLabelValues(name, result).Inc()
	span.SetAttributes(attribute.String("workflow.result", result))
	return outcome, err
}

// Drain stops every loop and lets in-flight runs finish. Runs still going
// after timeout have their context cancelled. It returns the sorted names of
// workflows that did not stop in time.
func (c *Consumer) Drain(timeout time.Duration) []string {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	c.stopOnce.Do(func() { close(c.stop) })
	defer c.cancel()

	c.mu.Lock()
	running := make(map[string]chan struct{}, len(c.running))
	for k, v := range c.running {
		running[k] = v
	}
	c.mu.Unlock()

	deadline := time.After(timeout)
	expired := false
	var stuck []string
	for name, done := range running {
		if !expired {
			select {
			case <-done:
				continue
			case <-deadline:
				expired = true
			}
		}
		select {
		case <-done:
		default:
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)
	if len(stuck) > 0 {
		c.logger.Warn("aborting workflows still running after drain", "workflows", stuck)
	}
	return stuck
}
