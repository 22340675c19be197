// Package keystore owns agent signing keys. All key operations are serialised
// through a single actor goroutine fed by a request channel, so callers never
// touch private key material directly.
package keystore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/crypto"
	"github.com/ssd-technologies/holonet/internal/hash"
)

var (
	// ErrUnavailable is returned once the keystore has been closed.
	ErrUnavailable = errors.New("keystore unavailable")
	// ErrUnknownKey is returned when signing with a key the keystore does not hold.
	ErrUnknownKey = errors.New("unknown agent key")
)

// Keystore is the signing capability consumed by the conductor and cells.
type Keystore interface {
	GenerateSignKeypair(ctx context.Context) (hash.Hash, error)
	Sign(ctx context.Context, agent hash.Hash, data []byte) (crypto.Signature, error)
	Verify(ctx context.Context, agent hash.Hash, data []byte, sig crypto.Signature) (bool, error)
	ListKeys(ctx context.Context) ([]hash.Hash, error)
}

type opKind int

const (
	opGenerate opKind = iota
	opSign
	opVerify
	opList
)

type request struct {
	kind  opKind
	agent hash.Hash
	data  []byte
	sig   crypto.Signature
	reply chan response
}

type response struct {
	agent hash.Hash
	sig   crypto.Signature
	ok    bool
	keys  []hash.Hash
	err   error
}

// Local is an in-process keystore, optionally persisted to a sealed file.
type Local struct {
	reqs      chan request
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	path       string
	passphrase string
	kdf        crypto.KDFParams
	logger     *slog.Logger

	// owned by the actor goroutine
	keys  map[hash.Hash]ed25519.PrivateKey
	order []hash.Hash
}

// Option configures a Local keystore.
type Option func(*Local)

// WithKDF overrides the argon2id parameters used when sealing the key file.
func WithKDF(p crypto.KDFParams) Option {
	return func(l *Local) { l.kdf = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Local) { l.logger = logger }
}

type keyFile struct {
	Version int               `cbor:"1,keyasint"`
	Box     *crypto.SealedBox `cbor:"2,keyasint"`
}

// NewMemory returns a keystore that keeps keys only in memory.
func NewMemory(opts ...Option) *Local {
	l := newLocal("", "", opts)
	l.start()
	return l
}

// Open loads (or creates) a keystore sealed at path under passphrase.
func Open(path, passphrase string, opts ...Option) (*Local, error) {
	l := newLocal(path, passphrase, opts)
	if err := l.load(); err != nil {
		return nil, err
	}
	l.start()
	return l, nil
}

func newLocal(path, passphrase string, opts []Option) *Local {
	l := &Local{
		reqs:       make(chan request),
		done:       make(chan struct{}),
		path:       path,
		passphrase: passphrase,
		kdf:        crypto.DefaultKDF,
		logger:     slog.Default(),
		keys:       make(map[hash.Hash]ed25519.PrivateKey),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Local) load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read keystore: %w", err)
	}
	var kf keyFile
	if err := codec.Unmarshal(data, &kf); err != nil {
		return fmt.Errorf("decode keystore: %w", err)
	}
	if kf.Box == nil {
		return fmt.Errorf("decode keystore: missing sealed box")
	}
	plain, err := kf.Box.Open(l.passphrase)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	var seeds [][]byte
	if err := codec.Unmarshal(plain, &seeds); err != nil {
		return fmt.Errorf("decode seeds: %w", err)
	}
	for _, seed := range seeds {
		if len(seed) != ed25519.SeedSize {
			return fmt.Errorf("decode seeds: bad seed length %d", len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		agent := hash.FromAgentKey(priv.Public().(ed25519.PublicKey))
		l.keys[agent] = priv
		l.order = append(l.order, agent)
	}
	return nil
}

func (l *Local) save() error {
	if l.path == "" {
		return nil
	}
	seeds := make([][]byte, 0, len(l.order))
	for _, a := range l.order {
		seeds = append(seeds, l.keys[a].Seed())
	}
	box, err := crypto.Seal(codec.MustMarshal(seeds), l.passphrase, l.kdf)
	if err != nil {
		return fmt.Errorf("seal keystore: %w", err)
	}
	data := codec.MustMarshal(keyFile{Version: 1, Box: box})
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace keystore: %w", err)
	}
	return nil
}

func (l *Local) start() {
	l.wg.Add(1)
	go l.run()
}

func (l *Local) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case req := <-l.reqs:
			req.reply <- l.handle(req)
		}
	}
}

func (l *Local) handle(req request) response {
	switch req.kind {
	case opGenerate:
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return response{err: fmt.Errorf("generate keypair: %w", err)}
		}
		agent := hash.FromAgentKey(pub)
		l.keys[agent] = priv
		l.order = append(l.order, agent)
		if err := l.save(); err != nil {
			delete(l.keys, agent)
			l.order = l.order[:len(l.order)-1]
			return response{err: err}
		}
		l.logger.Info("generated agent key", "agent", agent.Short())
		return response{agent: agent}
	case opSign:
		priv, ok := l.keys[req.agent]
		if !ok {
			return response{err: fmt.Errorf("%w: %s", ErrUnknownKey, req.agent.Short())}
		}
		return response{sig: crypto.Sign(priv, req.data)}
	case opVerify:
		return response{ok: crypto.Verify(req.agent.PublicKey(), req.data, req.sig)}
	case opList:
		return response{keys: append([]hash.Hash(nil), l.order...)}
	}
	return response{err: fmt.Errorf("unknown keystore op %d", req.kind)}
}

func (l *Local) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case l.reqs <- req:
	case <-l.done:
		return response{}, ErrUnavailable
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// GenerateSignKeypair creates a new agent key.
func (l *Local) GenerateSignKeypair(ctx context.Context) (hash.Hash, error) {
	resp, err := l.call(ctx, request{kind: opGenerate})
	return resp.agent, err
}

// Sign signs data with the agent's key.
func (l *Local) Sign(ctx context.Context, agent hash.Hash, data []byte) (crypto.Signature, error) {
	resp, err := l.call(ctx, request{kind: opSign, agent: agent, data: data})
	return resp.sig, err
}

// Verify checks sig over data for agent.
func (l *Local) Verify(ctx context.Context, agent hash.Hash, data []byte, sig crypto.Signature) (bool, error) {
	resp, err := l.call(ctx, request{kind: opVerify, agent: agent, data: data, sig: sig})
	return resp.ok, err
}

// ListKeys returns every agent key in creation order.
func (l *Local) ListKeys(ctx context.Context) ([]hash.Hash, error) {
	resp, err := l.call(ctx, request{kind: opList})
	return resp.keys, err
}

// Close stops the actor. Later calls fail with ErrUnavailable.
func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}
