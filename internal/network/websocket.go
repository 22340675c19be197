package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
)

// maxFrame bounds one websocket message; op batches are split below it.
const maxFrame = 16 << 20

// Resolver maps an agent to the URL of the conductor hosting it, usually
// from the peer table.
type Resolver func(space, agent hash.Hash) (url string, ok bool)

// peerConn wraps a websocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (pc *peerConn) write(env *Envelope) error {
	b, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	if err := pc.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// WS delivers envelopes over websocket connections, one per remote
// conductor URL. Agents hosted by this conductor are served directly.
type WS struct {
	mu       sync.RWMutex
	local    map[route]Handler
	conns    map[string]*peerConn
	inbound  map[*peerConn]struct{}
	pending  map[string]chan *Envelope
	resolve  Resolver
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// upgrader allows any origin; there is no browser same-origin policy
// between conductors.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewWS creates a transport that resolves remote agents with resolve.
func NewWS(resolve Resolver, logger *slog.Logger) *WS {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WS{
		local:   make(map[route]Handler),
		conns:   make(map[string]*peerConn),
		inbound: make(map[*peerConn]struct{}),
		pending: make(map[string]chan *Envelope),
		resolve: resolve,
		logger:  logger.With("component", "network"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen serves /ws on addr. Use port 0 for a random port.
func (t *WS) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWS)
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go t.server.Serve(ln) //nolint:errcheck
	return nil
}

// URL is the address peers dial to reach this transport.
func (t *WS) URL() string {
	if t.listener == nil {
		return ""
	}
	return "ws://" + t.listener.Addr().String() + "/ws"
}

func (t *WS) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrame)
	pc := &peerConn{conn: conn}
	t.mu.Lock()
	t.inbound[pc] = struct{}{}
	t.mu.Unlock()
	t.wg.Add(1)
	go t.readLoop(pc, "")
}

func (t *WS) Join(space, agent hash.Hash, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[route{space, agent}] = h
}

func (t *WS) Leave(space, agent hash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.local, route{space, agent})
}

func (t *WS) localHandler(env *Envelope) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.local[route{env.Space, env.To}]
	return h, ok
}

// dial returns the connection for url, dialing it when needed.
func (t *WS) dial(ctx context.Context, url string) (*peerConn, error) {
	t.mu.RLock()
	pc, ok := t.conns[url]
	t.mu.RUnlock()
	if ok {
		return pc, nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrame)
	pc = &peerConn{conn: conn}

	t.mu.Lock()
	if existing, ok := t.conns[url]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[url] = pc
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(pc, url)
	return pc, nil
}

func (t *WS) route(ctx context.Context, env *Envelope) (*peerConn, error) {
	url, ok := t.resolve(env.Space, env.To)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, env.To.Short())
	}
	return t.dial(ctx, url)
}

// readLoop reads envelopes until the connection fails. url is empty for
// inbound connections, which are never reused for outbound sends.
func (t *WS) readLoop(pc *peerConn, url string) {
	defer t.wg.Done()
	defer func() {
		pc.conn.Close()
		t.mu.Lock()
		if url == "" {
			delete(t.inbound, pc)
		} else if existing, ok := t.conns[url]; ok && existing == pc {
			delete(t.conns, url)
		}
		t.mu.Unlock()
	}()

	for {
		kind, data, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var env Envelope
		if err := codec.Unmarshal(data, &env); err != nil {
			t.logger.Debug("drop undecodable envelope", "err", err)
			continue
		}
		if env.Reply {
			t.deliverReply(&env)
			continue
		}
		t.wg.Add(1)
		go t.serve(pc, &env)
	}
}

func (t *WS) serve(pc *peerConn, env *Envelope) {
	defer t.wg.Done()
	h, ok := t.localHandler(env)
	if !ok {
		if env.Request {
			pc.write(env.reply(nil, fmt.Errorf("%w: %s", ErrUnknownPeer, env.To.Short()))) //nolint:errcheck
		}
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, DefaultRequestTimeout)
	defer cancel()
	body, err := h(ctx, env)
	if !env.Request {
		return
	}
	if err := pc.write(env.reply(body, err)); err != nil {
		t.logger.Debug("write reply", "kind", env.Kind, "err", err)
	}
}

func (t *WS) deliverReply(env *Envelope) {
	t.mu.Lock()
	ch, ok := t.pending[env.ID]
	if ok {
		delete(t.pending, env.ID)
	}
	t.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (t *WS) Send(ctx context.Context, env *Envelope) error {
	if h, ok := t.localHandler(env); ok {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			h(t.ctx, env) //nolint:errcheck
		}()
		return nil
	}
	pc, err := t.route(ctx, env)
	if err != nil {
		return err
	}
	return pc.write(env)
}

func (t *WS) Request(ctx context.Context, env *Envelope) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	req := *env
	req.Request = true
	if h, ok := t.localHandler(&req); ok {
		body, err := h(ctx, &req)
		if err != nil {
			return nil, &RemoteError{Kind: env.Kind, Message: err.Error()}
		}
		return body, nil
	}

	pc, err := t.route(ctx, &req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *Envelope, 1)
	t.mu.Lock()
	t.pending[req.ID] = ch
	t.mu.Unlock()
	forget := func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}

	if err := pc.write(&req); err != nil {
		forget()
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, &RemoteError{Kind: env.Kind, Message: resp.Error}
		}
		return resp.Body, nil
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, env.Kind, env.To.Short())
	}
}

// Close shuts down the listener and all connections.
func (t *WS) Close() {
	t.cancel()
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		t.server.Shutdown(ctx) //nolint:errcheck
	}
	t.mu.Lock()
	for url, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, url)
	}
	for pc := range t.inbound {
		pc.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}
