package dht

import (
	"testing"
	"time"

	"github.com/ssd-technologies/holonet/internal/types"
)

func TestAgentStoreSurvivesReopen(t *testing.T) {
	ks := testKeystore(t)
	dir := t.TempDir()

	s, err := OpenAgentStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenAgentStore: %v", err)
	}
	peer := makePeer(t, ks, FullArc(7), "ws://peer/ws")
	if err := s.PutAgentInfo(peer); err != nil {
		t.Fatalf("PutAgentInfo: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenAgentStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, ok, err := s.Get(testSpace, peer.Agent)
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if got.Arc != peer.Arc || got.URL != peer.URL {
		t.Fatalf("got %+v, want %+v", got.AgentInfoContent, peer.AgentInfoContent)
	}

	if err := s.Delete(testSpace, peer.Agent); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(testSpace, peer.Agent); ok {
		t.Fatal("deleted info still present")
	}
}

func TestAgentStoreSkipsExpiredInfo(t *testing.T) {
	ks := testKeystore(t)
	s, err := OpenAgentStore("", nil)
	if err != nil {
		t.Fatalf("OpenAgentStore: %v", err)
	}
	defer s.Close()

	peer := makePeer(t, ks, FullArc(0), "")
	s.now = func() time.Time { return peer.ExpiresAt.Time().Add(time.Second) }
	if err := s.PutAgentInfo(peer); err != nil {
		t.Fatalf("PutAgentInfo: %v", err)
	}
	if _, ok, _ := s.Get(testSpace, peer.Agent); ok {
		t.Fatal("expired info should not be stored")
	}

	s.now = func() time.Time { return types.Now().Time() }
	if err := s.PutAgentInfo(peer); err != nil {
		t.Fatalf("PutAgentInfo: %v", err)
	}
	if _, ok, _ := s.Get(testSpace, peer.Agent); !ok {
		t.Fatal("live info should be stored")
	}
}
