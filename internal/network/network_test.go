package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/holonet/internal/hash"
)

var (
	space = hash.FromContent([]byte("space"))
	alice = hash.FromContent([]byte("alice"))
	bob   = hash.FromContent([]byte("bob"))
)

type echoBody struct {
	Text string `cbor:"1,keyasint"`
}

func echo(ctx context.Context, env *Envelope) ([]byte, error) {
	var b echoBody
	if err := env.Decode(&b); err != nil {
		return nil, err
	}
	if b.Text == "fail" {
		return nil, errors.New("refused")
	}
	return env.Body, nil
}

func exercise(t *testing.T, n Network) {
	t.Helper()
	ctx := context.Background()

	var out echoBody
	require.NoError(t, Call(ctx, n, KindGet, space, alice, bob, echoBody{Text: "hi"}, &out))
	assert.Equal(t, "hi", out.Text)

	err := Call(ctx, n, KindGet, space, alice, bob, echoBody{Text: "fail"}, &out)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "refused", remote.Message)

	err = Call(ctx, n, KindGet, hash.FromContent([]byte("other")), alice, bob, echoBody{}, nil)
	assert.Error(t, err, "bob is not in the other space")
}

func TestHubRequest(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	hub.Join(space, bob, echo)
	exercise(t, hub)

	hub.SetOffline(bob, true)
	err := Call(context.Background(), hub, KindGet, space, alice, bob, echoBody{Text: "x"}, nil)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestHubSendIsAsync(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	got := make(chan string, 1)
	hub.Join(space, bob, func(_ context.Context, env *Envelope) ([]byte, error) {
		var b echoBody
		_ = env.Decode(&b)
		got <- b.Text
		return nil, nil
	})
	require.NoError(t, Notify(context.Background(), hub, KindPublish, space, alice, bob, echoBody{Text: "ping"}))
	select {
	case s := <-got:
		assert.Equal(t, "ping", s)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestHubRequestTimeout(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	hub.Join(space, bob, func(ctx context.Context, _ *Envelope) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := Call(ctx, hub, KindGet, space, alice, bob, echoBody{}, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWebsocketRoundTrip(t *testing.T) {
	var mu sync.Mutex
	urls := make(map[hash.Hash]string)
	resolve := func(_, agent hash.Hash) (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		u, ok := urls[agent]
		return u, ok
	}

	a := NewWS(resolve, nil)
	b := NewWS(resolve, nil)
	require.NoError(t, a.Listen("127.0.0.1:0"))
	require.NoError(t, b.Listen("127.0.0.1:0"))
	defer a.Close()
	defer b.Close()

	mu.Lock()
	urls[alice] = a.URL()
	urls[bob] = b.URL()
	mu.Unlock()
	b.Join(space, bob, echo)

	exercise(t, a)

	received := make(chan string, 1)
	a.Join(space, alice, func(_ context.Context, env *Envelope) ([]byte, error) {
		var body echoBody
		_ = env.Decode(&body)
		received <- body.Text
		return nil, nil
	})
	require.NoError(t, Notify(context.Background(), b, KindReceipts, space, bob, alice, echoBody{Text: "back"}))
	select {
	case s := <-received:
		assert.Equal(t, "back", s)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}

	err := Call(context.Background(), a, KindGet, space, alice, hash.FromContent([]byte("carol")), echoBody{}, nil)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
