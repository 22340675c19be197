// Package workflow holds the per-cell pipeline that moves ops from arrival
// to integration and back out to the network: incoming, fetch, sys and app
// validation, integration, publish and validation receipts.
//
// Each workflow is a method on Workspace with the queue.Func signature.
// Start spawns them on a queue.Consumer wired in pipeline order.
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ssd-technologies/holonet/internal/cascade"
	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/fetch"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/queue"
	"github.com/ssd-technologies/holonet/internal/ratelimit"
	"github.com/ssd-technologies/holonet/internal/ribosome"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// Tuning holds the pipeline parameters. Zero fields take defaults.
type Tuning struct {
	RedundancyFactor         int           `yaml:"redundancy_factor"`
	MinReceipts              int           `yaml:"min_receipts"`
	MinPublishInterval       time.Duration `yaml:"min_publish_interval"`
	MaxPublishInterval       time.Duration `yaml:"max_publish_interval"`
	AppValidationMaxAttempts int           `yaml:"app_validation_max_attempts"`
	// SysValidationRetry is the minimum gap between two lookups of the
	// dependencies of an op parked by sys validation.
	SysValidationRetry time.Duration `yaml:"sys_validation_retry"`
	// AppValidationRetry is the minimum gap between two runs of the
	// validation callback for an op parked on unresolved dependencies.
	AppValidationRetry time.Duration `yaml:"app_validation_retry"`
	// BatchSize caps the ops one validation run handles.
	BatchSize int `yaml:"batch_size"`
	// FetchBatch caps the fetch requests one fetch run sends.
	FetchBatch int `yaml:"fetch_batch"`
}

// DefaultTuning returns the stock parameters.
func DefaultTuning() Tuning {
	return Tuning{
		RedundancyFactor:         5,
		MinReceipts:              3,
		MinPublishInterval:       5 * time.Minute,
		MaxPublishInterval:       30 * time.Minute,
		AppValidationMaxAttempts: 20,
		SysValidationRetry:       10 * time.Second,
		AppValidationRetry:       10 * time.Second,
		BatchSize:                1000,
		FetchBatch:               100,
	}
}

func (t *Tuning) defaults() {
	d := DefaultTuning()
	if t.RedundancyFactor <= 0 {
		t.RedundancyFactor = d.RedundancyFactor
	}
	if t.MinReceipts <= 0 {
		t.MinReceipts = d.MinReceipts
	}
	if t.MinPublishInterval <= 0 {
		t.MinPublishInterval = d.MinPublishInterval
	}
	if t.MaxPublishInterval < t.MinPublishInterval {
		t.MaxPublishInterval = max(d.MaxPublishInterval, t.MinPublishInterval)
	}
	if t.AppValidationMaxAttempts <= 0 {
		t.AppValidationMaxAttempts = d.AppValidationMaxAttempts
	}
	if t.SysValidationRetry <= 0 {
		t.SysValidationRetry = d.SysValidationRetry
	}
	if t.AppValidationRetry <= 0 {
		t.AppValidationRetry = d.AppValidationRetry
	}
	if t.BatchSize <= 0 {
		t.BatchSize = d.BatchSize
	}
	if t.FetchBatch <= 0 {
		t.FetchBatch = d.FetchBatch
	}
}

// Fact is one diagnostic observation about an op.
type Fact struct {
	Workflow string
	Op       hash.Hash
	Event    string
	Detail   string
}

// Signer signs on behalf of a local agent.
type Signer interface {
	Sign(ctx context.Context, agent hash.Hash, data []byte) (crypto.Signature, error)
}

// Config wires a Workspace.
type Config struct {
	Dna      hash.Hash
	Agent    hash.Hash
	Authored *store.DB
	Dht      *store.DB
	Network  network.Network
	Peers    *dht.PeerTable
	// Arc returns the agent's current storage arc.
	Arc      func() dht.Arc
	Cascade  *cascade.Cascade
	Ribosome ribosome.Ribosome
	Signer   Signer
	Pool     *fetch.Pool
	Clock    clock.Clock
	Logger   *slog.Logger
	Tuning   Tuning
	// Diagnostics receives facts when set.
	Diagnostics func(Fact)
	// OnIntegrated is called after a run that integrated ops.
	OnIntegrated func(n int)
	// Validators lists the local agents whose cells share Dht. Each of
	// them signs the receipts of ops integrated there. Nil means Agent.
	Validators func() []hash.Hash
	// ReceiptMu is held across a receipt run. Cells sharing Dht must
	// share it so an op's receipt goes out once.
	ReceiptMu *sync.Mutex
}

// Triggers wake the workspace's workflows.
type Triggers struct {
	Fetch         *queue.Trigger
	SysValidation *queue.Trigger
	AppValidation *queue.Trigger
	Integrate     *queue.Trigger
	Publish       *queue.Trigger
	Receipt       *queue.Trigger
}

// Workspace is the pipeline state of one cell.
type Workspace struct {
	cfg      Config
	tuning   Tuning
	logger   *slog.Logger
	Triggers Triggers

	sysRetry  *ratelimit.Keyed[hash.Hash]
	appRetry  *ratelimit.Keyed[hash.Hash]
	published *expirable.LRU[publishKey, struct{}]
}

type publishKey struct {
	op, agent hash.Hash
}

const publishCacheSize = 100_000

// New creates a workspace. cfg.Arc defaults to the full ring.
func New(cfg Config) *Workspace {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReceiptMu == nil {
		cfg.ReceiptMu = new(sync.Mutex)
	}
	if cfg.Arc == nil {
		center := cfg.Agent.Loc()
		cfg.Arc = func() dht.Arc { return dht.FullArc(center) }
	}
	cfg.Tuning.defaults()
	t := cfg.Tuning
	return &Workspace{
		cfg:    cfg,
		tuning: t,
		logger: cfg.Logger.With("agent", cfg.Agent.Short()),
		Triggers: Triggers{
			Fetch:         queue.NewLoopTrigger(time.Second, 30*time.Second),
			SysValidation: queue.NewLoopTrigger(queue.DefaultLoopMin, queue.DefaultLoopMax),
			AppValidation: queue.NewLoopTrigger(t.AppValidationRetry, queue.DefaultLoopMax),
			Integrate:     queue.NewTrigger(),
			Publish:       queue.NewLoopTrigger(t.MinPublishInterval, t.MaxPublishInterval),
			Receipt:       queue.NewLoopTrigger(queue.DefaultLoopMin, queue.DefaultLoopMax),
		},
		sysRetry:  ratelimit.NewKeyed[hash.Hash](1, t.SysValidationRetry, cfg.Clock.Now),
		appRetry:  ratelimit.NewKeyed[hash.Hash](1, t.AppValidationRetry, cfg.Clock.Now),
		published: expirable.NewLRU[publishKey, struct{}](publishCacheSize, nil, t.MinPublishInterval),
	}
}

// Start spawns every workflow on c.
func (w *Workspace) Start(c *queue.Consumer) {
	tr := w.Triggers
	c.Spawn("fetch", tr.Fetch, w.Fetch)
	c.Spawn("sys_validation", tr.SysValidation, w.SysValidation, tr.AppValidation)
	c.Spawn("app_validation", tr.AppValidation, w.AppValidation, tr.Integrate)
	c.Spawn("integrate", tr.Integrate, w.Integrate, tr.Publish, tr.Receipt)
	c.Spawn("publish", tr.Publish, w.Publish)
	c.Spawn("receipt", tr.Receipt, w.Receipts)
}

func (w *Workspace) now() types.Timestamp {
	return types.FromTime(w.cfg.Clock.Now())
}

func (w *Workspace) fact(workflow string, op hash.Hash, event, detail string) {
	if w.cfg.Diagnostics != nil {
		w.cfg.Diagnostics(Fact{Workflow: workflow, Op: op, Event: event, Detail: detail})
	}
}

func outcome(n, limit int) queue.Outcome {
	if n >= limit {
		return queue.Incomplete
	}
	return queue.Complete
}
