// Package fetch holds the pool of op hashes this node has heard about but
// does not hold yet, and decides which source to ask for each one next.
package fetch

import (
	"container/list"
	"sync"
	"time"

	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// Context flags travel with a fetch and are merged by bitwise OR when the
// same op is pushed more than once.
type Context uint32

const (
	// ContextRequestValidationReceipt asks the fetcher to send a receipt
	// once the op is integrated.
	ContextRequestValidationReceipt Context = 1 << iota
	// ContextGossip marks ops discovered through gossip.
	ContextGossip
	// ContextPublish marks ops announced by their author.
	ContextPublish
)

// Has reports whether all flags in f are set.
func (c Context) Has(f Context) bool { return c&f == f }

const (
	DefaultByteLimit        = 64 << 20
	DefaultBaseBackoff      = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultSourceRetryDelay = 30 * time.Second
)

// Config tunes a Pool. Zero fields take defaults.
type Config struct {
	ByteLimit        int64
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	SourceRetryDelay time.Duration
	Clock            clock.Clock
}

func (c *Config) defaults() {
	if c.ByteLimit <= 0 {
		c.ByteLimit = DefaultByteLimit
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.SourceRetryDelay <= 0 {
		c.SourceRetryDelay = DefaultSourceRetryDelay
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

type item struct {
	space       hash.Hash
	op          hash.Hash
	sources     []hash.Hash
	nextSource  int
	size        uint32
	context     Context
	lastAttempt time.Time
	attempts    uint32
	elem        *list.Element
}

// Request is one fetch the caller should perform.
type Request struct {
	Space   hash.Hash
	Op      hash.Hash
	Source  hash.Hash
	Context Context
}

// Pool is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	cfg         Config
	items       map[hash.Hash]*item
	order       *list.List
	bytes       int64
	unavailable map[hash.Hash]time.Time
}

// NewPool creates an empty pool.
func NewPool(cfg Config) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:         cfg,
		items:       make(map[hash.Hash]*item),
		order:       list.New(),
		unavailable: make(map[hash.Hash]time.Time),
	}
}

// Push adds op (or merges source and context into an existing entry). A new
// op is dropped when the pool already holds ByteLimit bytes; Push reports
// whether the op is now in the pool.
func (p *Pool) Push(space, op hash.Hash, size uint32, source hash.Hash, ctx Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if it, ok := p.items[op]; ok {
		it.context |= ctx
		for _, s := range it.sources {
			if s == source {
				return true
			}
		}
		it.sources = append(it.sources, source)
		return true
	}
	if p.bytes >= p.cfg.ByteLimit {
		return false
	}
	it := &item{
		space:   space,
		op:      op,
		sources: []hash.Hash{source},
		size:    size,
		context: ctx,
	}
	it.elem = p.order.PushBack(it)
	p.items[op] = it
	p.bytes += int64(size)
	return true
}

func (p *Pool) backoff(attempts uint32) time.Duration {
	if attempts == 0 {
		return 0
	}
	d := p.cfg.BaseBackoff
	for i := uint32(0); i < attempts && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

func (p *Pool) sourceAvailable(s hash.Hash, now time.Time) bool {
	until, ok := p.unavailable[s]
	if !ok {
		return true
	}
	if !now.Before(until) {
		delete(p.unavailable, s)
		return true
	}
	return false
}

// Next returns the oldest eligible op and the source to ask, rotating
// sources round-robin. The chosen op moves to the back of the queue.
func (p *Pool) Next() (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock.Now()
	for e := p.order.Front(); e != nil; e = e.Next() {
		it := e.Value.(*item)
		if it.attempts > 0 && now.Before(it.lastAttempt.Add(p.backoff(it.attempts))) {
			continue
		}
		for i := 0; i < len(it.sources); i++ {
			idx := (it.nextSource + i) % len(it.sources)
			src := it.sources[idx]
			if !p.sourceAvailable(src, now) {
				continue
			}
			it.nextSource = idx + 1
			it.attempts++
			it.lastAttempt = now
			p.order.MoveToBack(e)
			return Request{Space: it.space, Op: it.op, Source: src, Context: it.context}, true
		}
	}
	return Request{}, false
}

// Complete removes op from the pool.
func (p *Pool) Complete(op hash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remove(op)
}

func (p *Pool) remove(op hash.Hash) {
	it, ok := p.items[op]
	if !ok {
		return
	}
	p.order.Remove(it.elem)
	delete(p.items, op)
	p.bytes -= int64(it.size)
}

// SourceUnavailable stops Next from choosing source for the retry delay.
func (p *Pool) SourceUnavailable(source hash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable[source] = p.cfg.Clock.Now().Add(p.cfg.SourceRetryDelay)
}

// Contains reports whether op is pending.
func (p *Pool) Contains(op hash.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[op]
	return ok
}

// Info sums bytes and counts over the given spaces.
func (p *Pool) Info(spaces []hash.Hash) (bytes int64, count int) {
	want := make(map[hash.Hash]bool, len(spaces))
	for _, s := range spaces {
		want[s] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range p.items {
		if want[it.space] {
			bytes += int64(it.size)
			count++
		}
	}
	return bytes, count
}

// Remove drops every op of space.
func (p *Pool) Remove(space hash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for op, it := range p.items {
		if it.space == space {
			p.remove(op)
		}
	}
}

// Len returns the number of pending ops.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Bytes returns the summed size of pending ops.
func (p *Pool) Bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}
