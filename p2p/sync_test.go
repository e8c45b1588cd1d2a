package p2p

import (
	"context"
	"testing"
	"time"

	"chainp2p/core/types"

	"github.com/stretchr/testify/require"
)

const (
	peerA = "10.0.0.1:7400"
	peerB = "10.0.0.2:7400"
	peerC = "10.0.0.3:7400"
)

type syncHarness struct {
	clock  *fakeClock
	chain  *memChain
	book   *PeerBook
	sender *recordingSender
	sync   *SyncManager
}

func newSyncHarness(t *testing.T, cfg SyncConfig, local []*types.Block) *syncHarness {
	t.Helper()
	clock := newFakeClock()
	chain := newMemChain(local...)
	book := newTestBook(t, PeerBookConfig{}, clock)
	sender := &recordingSender{}
	s := NewSyncManager(cfg, chain, chain, book, sender, WithSyncClock(clock.Now))
	return &syncHarness{clock: clock, chain: chain, book: book, sender: sender, sync: s}
}

// runJobs executes queued worker jobs on the calling goroutine.
func (h *syncHarness) runJobs() {
	for {
		select {
		case job := <-h.sync.jobs:
			job()
		default:
			return
		}
	}
}

func (h *syncHarness) respond(t *testing.T, peer string, blocks ...*types.Block) {
	t.Helper()
	require.NoError(t, h.sync.HandleBlocks(peer, &Blocks{Blocks: encodeBlocks(t, blocks...)}))
	h.runJobs()
}

func requests(sent []sentMessage) map[string][]HeightRange {
	out := make(map[string][]HeightRange)
	for _, s := range sent {
		if m, ok := s.msg.(*GetBlocks); ok {
			out[s.peer] = append(out[s.peer], HeightRange{Start: m.Start, End: m.End})
		}
	}
	return out
}

func TestSyncSplitsRangesAcrossPeers(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1}, nil)
	remote := extendChain(h.chain.genesis(), 10, "remote")
	connectPeers(t, h.book, map[string]uint32{peerA: 10, peerB: 10})

	h.sync.tick()
	got := requests(h.sender.take())
	require.Equal(t, []HeightRange{{Start: 1, End: 4}}, got[peerA])
	require.Equal(t, []HeightRange{{Start: 5, End: 8}}, got[peerB])
	require.Equal(t, AwaitingBlocks, h.sync.PeerState(peerA))

	// A later range arriving first is buffered, not committed.
	h.respond(t, peerB, remote[4:8]...)
	require.Equal(t, uint32(0), h.chain.CurrentHeight())
	require.Equal(t, SyncIdle, h.sync.PeerState(peerB))

	h.respond(t, peerA, remote[0:4]...)
	require.Equal(t, uint32(8), h.chain.CurrentHeight())
	require.Equal(t, uint32(8), h.sync.LocalHeight())

	h.sync.tick()
	got = requests(h.sender.take())
	require.Equal(t, []HeightRange{{Start: 9, End: 10}}, got[peerA])
	require.Empty(t, got[peerB])

	h.respond(t, peerA, remote[8:]...)
	require.Equal(t, uint32(10), h.chain.CurrentHeight())
	tip, _ := h.chain.GetBlock(10)
	require.Equal(t, remote[9].Hash(), tip.Hash())

	h.sync.tick()
	require.Empty(t, requests(h.sender.take()))
}

func TestSyncNeverRequestsStoredOrOutstandingHeights(t *testing.T) {
	base := newMemChain()
	local := extendChain(base.genesis(), 5, "main")
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 4}, local)
	connectPeers(t, h.book, map[string]uint32{peerA: 20, peerB: 12})

	h.sync.tick()
	first := requests(h.sender.take())
	h.sync.tick()
	second := requests(h.sender.take())
	require.Empty(t, second, "outstanding ranges must not be requested twice")

	var all []HeightRange
	for _, ranges := range first {
		all = append(all, ranges...)
	}
	covered := make(map[uint32]int)
	for _, r := range all {
		require.Greater(t, r.Start, uint32(5))
		for height := r.Start; height <= r.End; height++ {
			covered[height]++
		}
	}
	for height := uint32(6); height <= 20; height++ {
		require.Equal(t, 1, covered[height], "height %d", height)
	}
}

func TestSyncTimeoutPenalizesAndReassigns(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1, RequestTimeout: time.Second}, nil)
	remote := extendChain(h.chain.genesis(), 4, "remote")
	connectPeers(t, h.book, map[string]uint32{peerA: 4, peerB: 4})

	h.sync.tick()
	got := requests(h.sender.take())
	require.Equal(t, []HeightRange{{Start: 1, End: 4}}, got[peerA])
	require.Empty(t, got[peerB])
	before, _ := h.book.Get(peerA)

	h.clock.Advance(2 * time.Second)
	h.sync.tick()
	got = requests(h.sender.take())
	require.Equal(t, []HeightRange{{Start: 1, End: 4}}, got[peerB])
	require.Empty(t, got[peerA])
	after, _ := h.book.Get(peerA)
	require.InDelta(t, before.Reputation-unresponsivePenalty, after.Reputation, 1e-2)
	require.Equal(t, SyncIdle, h.sync.PeerState(peerA))

	// The late answer still fills the chain and is accepted only once.
	h.respond(t, peerA, remote...)
	require.Equal(t, uint32(4), h.chain.CurrentHeight())
	late, _ := h.book.Get(peerA)
	require.GreaterOrEqual(t, late.Reputation, after.Reputation)
	require.ErrorIs(t, h.sync.HandleBlocks(peerA, &Blocks{}), ErrOutOfSequence)

	h.respond(t, peerB, remote...)
	require.Equal(t, uint32(4), h.chain.CurrentHeight())
}

func TestSyncLateReplyMatchesTimedOutRequest(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1, RequestTimeout: time.Second}, nil)
	remote := extendChain(h.chain.genesis(), 8, "remote")
	connectPeers(t, h.book, map[string]uint32{peerA: 8, peerB: 8})

	h.sync.tick()
	got := requests(h.sender.take())
	require.Equal(t, []HeightRange{{Start: 1, End: 4}}, got[peerA])
	require.Equal(t, []HeightRange{{Start: 5, End: 8}}, got[peerB])

	h.clock.Advance(2 * time.Second)
	h.sync.tick()
	got = requests(h.sender.take())
	require.Equal(t, []HeightRange{{Start: 5, End: 8}}, got[peerA])
	require.Equal(t, []HeightRange{{Start: 1, End: 4}}, got[peerB])

	// A answers its timed-out request after being handed a new range.
	before, _ := h.book.Get(peerA)
	h.respond(t, peerA, remote[0:4]...)
	require.Equal(t, uint32(4), h.chain.CurrentHeight())
	require.Equal(t, []HeightRange{{Start: 5, End: 8}}, h.sync.Outstanding(peerA))

	h.respond(t, peerA, remote[4:8]...)
	require.Equal(t, uint32(8), h.chain.CurrentHeight())
	require.Equal(t, uint32(8), h.sync.LocalHeight())
	require.Equal(t, SyncIdle, h.sync.PeerState(peerA))
	after, _ := h.book.Get(peerA)
	require.InDelta(t, before.Reputation+2*successReward, after.Reputation, 1e-6)

	// B's answer for heights already stored changes nothing.
	h.respond(t, peerB, remote[0:4]...)
	require.Equal(t, uint32(8), h.chain.CurrentHeight())
	require.ErrorIs(t, h.sync.HandleBlocks(peerA, &Blocks{}), ErrOutOfSequence)
}

func TestSyncUnmatchedLateReplyIsIgnored(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1, RequestTimeout: time.Second}, nil)
	remote := extendChain(h.chain.genesis(), 8, "remote")
	connectPeers(t, h.book, map[string]uint32{peerA: 4})

	h.sync.tick()
	h.sender.take()
	h.clock.Advance(2 * time.Second)
	h.sync.expire(h.clock.Now())
	require.Empty(t, h.sync.Outstanding(peerA))

	before, _ := h.book.Get(peerA)
	h.respond(t, peerA, remote[6:8]...)
	after, _ := h.book.Get(peerA)
	require.Equal(t, before.Reputation, after.Reputation)
	require.Equal(t, uint32(0), h.chain.CurrentHeight())
	require.ErrorIs(t, h.sync.HandleBlocks(peerA, &Blocks{}), ErrOutOfSequence)
}

func TestSyncPrefersTallestPeers(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1}, nil)
	connectPeers(t, h.book, map[string]uint32{peerA: 4, peerB: 8, peerC: 8})
	h.book.RecordSuccess(peerA)
	h.book.RecordSuccess(peerA)
	h.book.RecordSuccess(peerC)

	h.sync.tick()
	got := requests(h.sender.take())
	require.Equal(t, []HeightRange{{Start: 1, End: 4}}, got[peerC])
	require.Equal(t, []HeightRange{{Start: 5, End: 8}}, got[peerB])
	require.Empty(t, got[peerA])
}

func TestSyncUnsolicitedBlocksAreProtocolErrors(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{}, nil)
	err := h.sync.HandleBlocks(peerA, &Blocks{})
	require.ErrorIs(t, err, ErrOutOfSequence)
}

func TestSyncForgetPeerFreesRanges(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1}, nil)
	connectPeers(t, h.book, map[string]uint32{peerA: 4})
	h.sync.tick()
	require.Len(t, h.sync.Outstanding(peerA), 1)
	h.sender.take()

	h.sync.ForgetPeer(peerA)
	require.Empty(t, h.sync.Outstanding(peerA))
	h.book.MarkDisconnected(peerA, "session-"+peerA, 0, "closed")
	connectPeers(t, h.book, map[string]uint32{peerB: 4})

	h.sync.tick()
	got := requests(h.sender.take())
	require.Equal(t, []HeightRange{{Start: 1, End: 4}}, got[peerB])
}

func TestSyncFailedSendCancelsRequest(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 4}, nil)
	connectPeers(t, h.book, map[string]uint32{peerA: 4})
	h.sender.fail = map[string]bool{peerA: true}
	h.sync.tick()
	require.Empty(t, h.sync.Outstanding(peerA))
}

func TestSyncInvalidBlockPenalizedAndRefetched(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1}, nil)
	remote := extendChain(h.chain.genesis(), 4, "remote")
	h.chain.reject[2] = true
	connectPeers(t, h.book, map[string]uint32{peerA: 4, peerB: 4})

	h.sync.tick()
	h.sender.take()
	before, _ := h.book.Get(peerA)
	h.respond(t, peerA, remote...)
	require.Equal(t, uint32(1), h.chain.CurrentHeight())
	after, _ := h.book.Get(peerA)
	require.Less(t, after.Reputation, before.Reputation)

	// Heights 3 and 4 stay buffered; only the rejected height is fetched again.
	h.chain.mu.Lock()
	delete(h.chain.reject, 2)
	h.chain.mu.Unlock()
	h.sync.tick()
	got := requests(h.sender.take())
	var ranges []HeightRange
	for _, r := range got {
		ranges = append(ranges, r...)
	}
	require.Equal(t, []HeightRange{{Start: 2, End: 2}}, ranges)
	for peer := range got {
		h.respond(t, peer, remote[1])
	}
	require.Equal(t, uint32(4), h.chain.CurrentHeight())
}

func TestSyncOutOfRangeBlocksPenalized(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{BatchSize: 2, MaxInFlightPerPeer: 1}, nil)
	remote := extendChain(h.chain.genesis(), 6, "remote")
	connectPeers(t, h.book, map[string]uint32{peerA: 6})
	h.sync.tick()
	require.Equal(t, []HeightRange{{Start: 1, End: 2}}, requests(h.sender.take())[peerA])

	before, _ := h.book.Get(peerA)
	h.respond(t, peerA, remote[0], remote[5])
	after, _ := h.book.Get(peerA)
	require.InDelta(t, before.Reputation-outOfRangePenalty, after.Reputation, 1e-6)
	require.Equal(t, uint32(1), h.chain.CurrentHeight())
}

func TestSyncForkSwitchAdoptsLongerBranch(t *testing.T) {
	base := newMemChain()
	common := extendChain(base.genesis(), 3, "common")
	local := append(append([]*types.Block(nil), common...), extendChain(common[2], 2, "local")...)
	remote := extendChain(common[2], 5, "remote") // heights 4..8

	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1}, local)
	connectPeers(t, h.book, map[string]uint32{peerA: 8})

	h.sync.tick()
	require.Equal(t, []HeightRange{{Start: 6, End: 8}}, requests(h.sender.take())[peerA])

	h.respond(t, peerA, remote[2:]...)
	require.Equal(t, uint32(5), h.chain.CurrentHeight())
	require.Equal(t, AwaitingHeaders, h.sync.PeerState(peerA))
	require.Equal(t, []HeightRange{{Start: 2, End: 5}}, requests(h.sender.take())[peerA])

	// Forward sync pauses while the ancestor is looked up.
	h.sync.tick()
	require.Empty(t, requests(h.sender.take()))

	h.respond(t, peerA, common[1], common[2], remote[0], remote[1])
	forks := h.chain.forkRequests()
	require.Len(t, forks, 1)
	require.Equal(t, uint32(3), forks[0].Ancestor)
	require.Equal(t, uint32(5), forks[0].LocalHeight)
	require.Len(t, forks[0].Branch, 5)
	require.Equal(t, peerA, forks[0].Peer)

	require.Equal(t, uint32(8), h.chain.CurrentHeight())
	tip, _ := h.chain.GetBlock(8)
	require.Equal(t, remote[4].Hash(), tip.Hash())
	require.Equal(t, SyncIdle, h.sync.PeerState(peerA))
}

func TestSyncForkKeepLowersPeerHeight(t *testing.T) {
	base := newMemChain()
	common := extendChain(base.genesis(), 3, "common")
	local := append(append([]*types.Block(nil), common...), extendChain(common[2], 2, "local")...)
	remote := extendChain(common[2], 3, "remote") // heights 4..6

	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1}, local)
	h.chain.keep = true
	connectPeers(t, h.book, map[string]uint32{peerA: 6})

	h.sync.tick()
	require.Equal(t, []HeightRange{{Start: 6, End: 6}}, requests(h.sender.take())[peerA])
	h.respond(t, peerA, remote[2])
	require.Equal(t, []HeightRange{{Start: 2, End: 5}}, requests(h.sender.take())[peerA])
	h.respond(t, peerA, common[1], common[2], remote[0], remote[1])

	require.Len(t, h.chain.forkRequests(), 1)
	require.Equal(t, uint32(5), h.chain.CurrentHeight())
	tip, _ := h.chain.GetBlock(5)
	require.Equal(t, local[4].Hash(), tip.Hash())
	info, _ := h.book.Get(peerA)
	require.Equal(t, uint32(5), info.Height)

	h.sync.tick()
	require.Empty(t, requests(h.sender.take()))
}

func TestSyncLookupTimeoutAbandonsFork(t *testing.T) {
	base := newMemChain()
	local := extendChain(base.genesis(), 3, "local")
	remote := extendChain(base.genesis(), 5, "remote")
	h := newSyncHarness(t, SyncConfig{BatchSize: 4, MaxInFlightPerPeer: 1, RequestTimeout: time.Second}, local)
	connectPeers(t, h.book, map[string]uint32{peerA: 5})

	h.sync.tick()
	h.sender.take()
	h.respond(t, peerA, remote[3], remote[4])
	require.Equal(t, AwaitingHeaders, h.sync.PeerState(peerA))
	h.sender.take()

	h.clock.Advance(2 * time.Second)
	h.sync.tick()
	require.Equal(t, SyncIdle, h.sync.PeerState(peerA))
	require.Nil(t, h.sync.lookup)
}

func TestSyncServeGetBlocks(t *testing.T) {
	base := newMemChain()
	local := extendChain(base.genesis(), 10, "main")
	h := newSyncHarness(t, SyncConfig{BatchSize: 4}, local)

	h.sync.ServeGetBlocks(peerA, &GetBlocks{Start: 3, End: 100})
	h.runJobs()
	sent := h.sender.take()
	require.Len(t, sent, 1)
	require.Equal(t, peerA, sent[0].peer)
	resp := sent[0].msg.(*Blocks)
	require.Len(t, resp.Blocks, 4)
	for i, raw := range resp.Blocks {
		blk, err := types.DecodeBlock(raw)
		require.NoError(t, err)
		require.Equal(t, uint32(3+i), blk.Height())
	}

	h.sync.ServeGetBlocks(peerA, &GetBlocks{Start: 11, End: 20})
	h.runJobs()
	sent = h.sender.take()
	require.Len(t, sent, 1)
	require.Empty(t, sent[0].msg.(*Blocks).Blocks)
}

func TestSyncSubmitGossipedBlocks(t *testing.T) {
	base := newMemChain()
	local := extendChain(base.genesis(), 2, "main")
	h := newSyncHarness(t, SyncConfig{BatchSize: 4}, local)
	next := extendChain(local[1], 3, "main")

	require.Equal(t, SubmitKnown, h.sync.submit(peerA, local[1]))
	require.Equal(t, SubmitAccepted, h.sync.submit(peerA, next[0]))
	require.Equal(t, uint32(3), h.chain.CurrentHeight())

	// A block two ahead is buffered and committed once the gap closes.
	require.Equal(t, SubmitDeferred, h.sync.submit(peerA, next[2]))
	require.Equal(t, uint32(3), h.chain.CurrentHeight())
	require.Equal(t, SubmitAccepted, h.sync.submit(peerB, next[1]))
	require.Equal(t, uint32(5), h.chain.CurrentHeight())

	h.chain.reject[6] = true
	bad := extendChain(next[2], 1, "main")[0]
	require.Equal(t, SubmitRejected, h.sync.submit(peerA, bad))
	require.Equal(t, uint32(5), h.chain.CurrentHeight())
}

func TestSyncSubmitBlockAfterShutdown(t *testing.T) {
	h := newSyncHarness(t, SyncConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sync.Run(ctx)
		close(done)
	}()

	blk := extendChain(h.chain.genesis(), 1, "main")[0]
	res, err := h.sync.SubmitBlock(context.Background(), peerA, blk)
	require.NoError(t, err)
	require.Equal(t, SubmitAccepted, res)

	cancel()
	<-done
	_, err = h.sync.SubmitBlock(context.Background(), peerA, blk)
	require.ErrorIs(t, err, ErrShutdown)
}
