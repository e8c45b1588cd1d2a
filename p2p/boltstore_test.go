package p2p

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBoltPeerstore(t *testing.T, path string) *BoltPeerstore {
	t.Helper()
	store, err := NewBoltPeerstore(path)
	if err != nil {
		t.Fatalf("new bolt peerstore: %v", err)
	}
	return store
}

func TestBoltPeerstorePutGetDelete(t *testing.T) {
	store := newTestBoltPeerstore(t, filepath.Join(t.TempDir(), "peers.db"))
	defer store.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	rec := PeerstoreEntry{Addr: "127.0.0.1:1000", NodeID: "node-a", Score: -4.5, ScoreUpdated: now, BannedUntil: now.Add(time.Minute), Height: 42}
	if err := store.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get("127.0.0.1:1000")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.NodeID != "node-a" || got.Score != -4.5 || got.Height != 42 || !got.BannedUntil.Equal(rec.BannedUntil) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if err := store.Delete("127.0.0.1:1000"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := store.Get("127.0.0.1:1000"); err != nil || ok {
		t.Fatalf("expected record removed, ok=%v err=%v", ok, err)
	}
	if err := store.Delete("127.0.0.1:1000"); err != nil {
		t.Fatalf("deleting a missing record: %v", err)
	}
	if err := store.Put(PeerstoreEntry{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestBoltPeerstoreBacksPeerBookAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	clock := newFakeClock()
	cfg := PeerBookConfig{Reputation: ReputationConfig{BanScore: 10, BanDuration: time.Hour}}

	store := newTestBoltPeerstore(t, path)
	book := newTestBook(t, cfg, clock, WithPeerstore(store))
	book.Penalize("10.0.0.2:7400", 12, "test")
	_, err := book.MarkConnected("10.0.0.1:7400", ConnectedPeer{Session: "s", NodeID: "node-a"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = newTestBoltPeerstore(t, path)
	defer store.Close()
	entries, err := store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "10.0.0.1:7400", entries[0].Addr)
	require.Equal(t, "10.0.0.2:7400", entries[1].Addr)

	restored := newTestBook(t, cfg, clock, WithPeerstore(store))
	require.True(t, restored.IsBanned("10.0.0.2:7400"))
	info, ok := restored.Get("10.0.0.1:7400")
	require.True(t, ok)
	require.Equal(t, "node-a", info.NodeID)
	require.Equal(t, Disconnected, info.State)
}
