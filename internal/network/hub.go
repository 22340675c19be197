package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/ssd-technologies/holonet/internal/hash"
)

// Hub connects every agent joined to it inside one process. Multi-node
// tests run several conductors over a shared Hub.
type Hub struct {
	mu      sync.RWMutex
	routes  map[route]Handler
	offline map[hash.Hash]bool
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		routes:  make(map[route]Handler),
		offline: make(map[hash.Hash]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (h *Hub) Join(space, agent hash.Hash, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[route{space, agent}] = handler
}

func (h *Hub) Leave(space, agent hash.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.routes, route{space, agent})
}

// SetOffline makes agent unreachable (or reachable again) without leaving.
func (h *Hub) SetOffline(agent hash.Hash, offline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if offline {
		h.offline[agent] = true
	} else {
		delete(h.offline, agent)
	}
}

// lookup resolves the handler and registers one in-flight delivery, which
// the caller must finish with h.wg.Done.
func (h *Hub) lookup(env *Envelope) (Handler, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.offline[env.To] || h.offline[env.From] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, env.To.Short())
	}
	handler, ok := h.routes[route{env.Space, env.To}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, env.To.Short())
	}
	h.wg.Add(1)
	return handler, nil
}

func (h *Hub) Send(_ context.Context, env *Envelope) error {
	handler, err := h.lookup(env)
	if err != nil {
		return err
	}
	go func() {
		defer h.wg.Done()
		handler(h.ctx, env) //nolint:errcheck
	}()
	return nil
}

func (h *Hub) Request(ctx context.Context, env *Envelope) ([]byte, error) {
	handler, err := h.lookup(env)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	req := *env
	req.Request = true
	type result struct {
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer h.wg.Done()
		body, err := handler(ctx, &req)
		ch <- result{body, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &RemoteError{Kind: env.Kind, Message: r.err.Error()}
		}
		return r.body, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, env.Kind, env.To.Short())
	}
}

// Close stops delivery and waits for in-flight handlers.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}
