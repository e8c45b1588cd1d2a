package p2p

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBook(t *testing.T, cfg PeerBookConfig, clock *fakeClock, opts ...PeerBookOption) *PeerBook {
	t.Helper()
	opts = append([]PeerBookOption{WithClock(clock.Now)}, opts...)
	book, err := NewPeerBook(cfg, opts...)
	require.NoError(t, err)
	return book
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:7400":     "127.0.0.1:7400",
		" SEED.Example:7400": "seed.example:7400",
		"[::1]:7400":         "[::1]:7400",
		"[0:0::1]:7400":      "[::1]:7400",
	}
	for in, want := range cases {
		got, err := NormalizeAddress(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "127.0.0.1", "127.0.0.1:0", ":7400"} {
		if _, err := NormalizeAddress(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestPeerBookBanAndExpiry(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{Reputation: ReputationConfig{BanScore: 30, BanDuration: 10 * time.Minute, DecayHalfLife: time.Hour}}, clock)
	addr := "10.0.0.1:7400"

	info := book.Penalize(addr, 20, "test")
	require.False(t, book.IsBanned(addr))
	require.InDelta(t, -20, info.Reputation, 1e-9)

	info = book.Penalize(addr, 15, "test")
	require.True(t, book.IsBanned(addr))
	require.Equal(t, Banned, info.State)
	require.ErrorIs(t, book.BeginHandshake(addr), ErrPeerBanned)
	_, err := book.MarkConnected(addr, ConnectedPeer{Session: "s1"})
	require.ErrorIs(t, err, ErrPeerBanned)
	require.Empty(t, book.SelectCandidates(5))
	require.Empty(t, book.Addresses(5))
	require.Empty(t, book.PruneExpiredBans())

	clock.Advance(10*time.Minute + time.Second)
	require.False(t, book.IsBanned(addr))
	require.Equal(t, []string{addr}, book.PruneExpiredBans())
	if _, ok := book.Get(addr); ok {
		t.Fatalf("expected expired ban to be pruned")
	}
}

func TestPeerBookExplicitBanOnConnectedPeer(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{}, clock)
	addr := "10.0.0.2:7400"
	_, err := book.MarkConnected(addr, ConnectedPeer{Session: "s1"})
	require.NoError(t, err)

	book.Ban(addr, time.Hour)
	require.True(t, book.IsBanned(addr))
	require.Empty(t, book.Connected())

	// A live session is not pruned even once the ban lapses.
	clock.Advance(2 * time.Hour)
	require.Empty(t, book.PruneExpiredBans())

	info := book.MarkDisconnected(addr, "s1", 0, "closed")
	require.Equal(t, Disconnected, info.State)
	require.Equal(t, []string{addr}, book.PruneExpiredBans())
}

func TestPeerBookSingleLiveConnection(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{}, clock)
	addr := "10.0.0.3:7400"

	require.NoError(t, book.BeginHandshake(addr))
	require.ErrorIs(t, book.BeginHandshake(addr), ErrAlreadyConnected)

	info, err := book.MarkConnected(addr, ConnectedPeer{Session: "a", NodeID: "node-a", Height: 12})
	require.NoError(t, err)
	require.Equal(t, Connected, info.State)
	require.Equal(t, uint32(12), info.Height)

	_, err = book.MarkConnected(addr, ConnectedPeer{Session: "b"})
	require.ErrorIs(t, err, ErrAlreadyConnected)

	// Teardown of an unrelated session leaves the live one alone.
	info = book.MarkDisconnected(addr, "b", 10, "stale")
	require.Equal(t, Connected, info.State)
	require.InDelta(t, successReward, info.Reputation, 1e-6)

	info = book.MarkDisconnected(addr, "a", 0, "closed")
	require.Equal(t, Disconnected, info.State)
	require.Len(t, book.Connected(), 0)

	_, err = book.MarkConnected(addr, ConnectedPeer{Session: "b"})
	require.NoError(t, err)
}

func TestPeerBookDialBackoff(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}, clock)
	addr := "10.0.0.4:7400"
	now := clock.Now()

	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second} {
		require.NoError(t, book.BeginHandshake(addr))
		book.AbortHandshake(addr, 0)
		if got := book.nextDialAt(addr); !got.Equal(now.Add(want)) {
			t.Fatalf("failure %d: expected next dial at +%s, got +%s", i+1, want, got.Sub(now))
		}
	}
	require.Empty(t, book.SelectCandidates(1))

	clock.Advance(5 * time.Second)
	require.Equal(t, []string{addr}, book.SelectCandidates(1))

	book.RecordSuccess(addr)
	if got := book.nextDialAt(addr); !got.Equal(clock.Now()) {
		t.Fatalf("expected backoff reset, next dial at %s", got)
	}
}

func TestPeerBookSelectCandidatesOrdering(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{}, clock)
	for _, addr := range []string{"10.0.0.9:7400", "10.0.0.5:7400", "10.0.0.7:7400", "10.0.0.6:7400", "10.0.0.8:7400"} {
		_, err := book.Register(addr)
		require.NoError(t, err)
	}
	book.RecordSuccess("10.0.0.9:7400")
	book.RecordSuccess("10.0.0.9:7400")
	book.Penalize("10.0.0.5:7400", 5, "test")
	_, err := book.MarkConnected("10.0.0.8:7400", ConnectedPeer{Session: "live"})
	require.NoError(t, err)

	got := book.SelectCandidates(10)
	require.Equal(t, []string{"10.0.0.9:7400", "10.0.0.6:7400", "10.0.0.7:7400", "10.0.0.5:7400"}, got)
	require.Equal(t, got[:2], book.SelectCandidates(2))
	require.Nil(t, book.SelectCandidates(0))
}

func TestPeerBookRecencyBonusFades(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{RecencyWindow: time.Minute}, clock)
	_, err := book.Register("10.0.0.2:7400")
	require.NoError(t, err)
	book.Touch("10.0.0.3:7400")

	// The recently seen peer outranks the lower address.
	require.Equal(t, []string{"10.0.0.3:7400", "10.0.0.2:7400"}, book.SelectCandidates(2))

	clock.Advance(2 * time.Minute)
	require.Equal(t, []string{"10.0.0.2:7400", "10.0.0.3:7400"}, book.SelectCandidates(2))
}

func TestPeerBookLearnRespectsCapacity(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{Capacity: 2}, clock)
	require.True(t, book.Learn("10.0.0.1:7400"))
	require.False(t, book.Learn("10.0.0.1:7400"))
	require.False(t, book.Learn("not-an-address"))
	require.True(t, book.Learn("10.0.0.2:7400"))
	require.False(t, book.Learn("10.0.0.3:7400"))
	require.Equal(t, 2, book.Len())

	// Explicit registration is not bounded by the exchange capacity.
	_, err := book.Register("10.0.0.3:7400")
	require.NoError(t, err)
	require.Equal(t, 3, book.Len())
}

func TestPeerBookHeights(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{}, clock)
	addr := "10.0.0.1:7400"
	book.ObserveHeight(addr, 10)
	book.ObserveHeight(addr, 7)
	info, ok := book.Get(addr)
	require.True(t, ok)
	require.Equal(t, uint32(10), info.Height)

	book.SetHeight(addr, 4)
	info, _ = book.Get(addr)
	require.Equal(t, uint32(4), info.Height)
}

func TestPeerBookLatencyAverage(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{}, clock)
	addr := "10.0.0.1:7400"
	book.ObserveLatency(addr, 100*time.Millisecond)
	book.ObserveLatency(addr, 50*time.Millisecond)
	book.ObserveLatency(addr, 0)
	info, _ := book.Get(addr)
	require.InDelta(t, 90, info.LatencyMS, 1e-9)
}

func TestPeerBookPersistsAcrossRestart(t *testing.T) {
	clock := newFakeClock()
	store, err := NewMemoryPeerstore()
	require.NoError(t, err)
	defer store.Close()

	book := newTestBook(t, PeerBookConfig{Reputation: ReputationConfig{BanScore: 10, BanDuration: time.Hour}}, clock, WithPeerstore(store))
	book.Penalize("10.0.0.1:7400", 12, "test")
	_, err = book.MarkConnected("10.0.0.2:7400", ConnectedPeer{Session: "s", PublicKey: []byte{0x02, 0x01}, NodeID: "node-b"})
	require.NoError(t, err)

	restored := newTestBook(t, PeerBookConfig{Reputation: ReputationConfig{BanScore: 10, BanDuration: time.Hour}}, clock, WithPeerstore(store))
	require.Equal(t, 2, restored.Len())
	require.True(t, restored.IsBanned("10.0.0.1:7400"))
	info, ok := restored.Get("10.0.0.2:7400")
	require.True(t, ok)
	require.Equal(t, "node-b", info.NodeID)
	require.Equal(t, []byte{0x02, 0x01}, info.PublicKey)
	require.InDelta(t, successReward, info.Reputation, 1e-6)

	clock.Advance(2 * time.Hour)
	require.Equal(t, []string{"10.0.0.1:7400"}, restored.PruneExpiredBans())
	if _, ok, err := store.Get("10.0.0.1:7400"); err != nil || ok {
		t.Fatalf("expected pruned record removed from store, ok=%v err=%v", ok, err)
	}
}

func TestPeerBookAddressesPreferConnected(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{}, clock)
	book.Touch("10.0.0.1:7400")
	clock.Advance(time.Second)
	book.Touch("10.0.0.2:7400")
	_, err := book.MarkConnected("10.0.0.3:7400", ConnectedPeer{Session: "s"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	book.Ban("10.0.0.4:7400", time.Hour)

	got := book.Addresses(10)
	require.Equal(t, []string{"10.0.0.3:7400", "10.0.0.2:7400", "10.0.0.1:7400"}, got)
	require.Len(t, book.Addresses(1), 1)
}

func TestPeerBookRepeatedFailuresBan(t *testing.T) {
	clock := newFakeClock()
	book := newTestBook(t, PeerBookConfig{Reputation: ReputationConfig{BanScore: 5, BanDuration: time.Minute}}, clock)
	addr := "10.0.0.1:7400"
	book.RecordFailure(addr)
	book.RecordFailure(addr)
	require.False(t, book.IsBanned(addr))
	book.RecordFailure(addr)
	require.True(t, book.IsBanned(addr))
	if err := book.BeginHandshake(addr); !errors.Is(err, ErrPeerBanned) {
		t.Fatalf("expected ban, got %v", err)
	}
}
