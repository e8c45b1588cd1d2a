package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chainp2p/core/types"
	"chainp2p/observability/logging"
)

const (
	defaultSyncBatchSize      = 64
	defaultSyncInterval       = 2 * time.Second
	defaultRequestTimeout     = 15 * time.Second
	defaultMaxInFlightPerPeer = 2
	defaultMaxRetries         = 3
	defaultMaxForkDepth       = 256
	defaultWindowBatches      = 16
	syncJobQueueSize          = 256
	maxLateRequests           = 8
)

// SyncConfig tunes block range fetching.
type SyncConfig struct {
	BatchSize          uint32
	Interval           time.Duration
	RequestTimeout     time.Duration
	MaxInFlightPerPeer int
	MaxRetries         int
	MaxForkDepth       uint32
	// Window caps how far beyond the local tip ranges are requested.
	Window uint32
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.BatchSize == 0 {
		c.BatchSize = defaultSyncBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = defaultSyncInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxInFlightPerPeer <= 0 {
		c.MaxInFlightPerPeer = defaultMaxInFlightPerPeer
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxForkDepth == 0 {
		c.MaxForkDepth = defaultMaxForkDepth
	}
	if c.Window == 0 {
		c.Window = c.BatchSize * defaultWindowBatches
	}
	return c
}

// SyncPeerState is the per-peer sub-state of the Sync Manager.
type SyncPeerState uint8

const (
	SyncIdle SyncPeerState = iota
	// AwaitingHeaders marks an outstanding ancestor lookup during fork resolution.
	AwaitingHeaders
	AwaitingBlocks
)

func (s SyncPeerState) String() string {
	switch s {
	case AwaitingHeaders:
		return "awaiting_headers"
	case AwaitingBlocks:
		return "awaiting_blocks"
	default:
		return "idle"
	}
}

// SubmitResult is the outcome of handing a gossiped block to the Sync Manager.
type SubmitResult uint8

const (
	// SubmitAccepted means the block extended the local chain.
	SubmitAccepted SubmitResult = iota
	// SubmitRejected means consensus refused the block.
	SubmitRejected
	// SubmitKnown means the block is already stored.
	SubmitKnown
	// SubmitDeferred means the block cannot be judged yet; it was buffered or
	// triggered a sync or fork lookup.
	SubmitDeferred
)

func (r SubmitResult) String() string {
	switch r {
	case SubmitAccepted:
		return "accepted"
	case SubmitRejected:
		return "rejected"
	case SubmitKnown:
		return "known"
	default:
		return "deferred"
	}
}

type syncRequest struct {
	id       uint64
	peer     string
	rng      HeightRange
	lookup   bool
	deadline time.Time
	attempts int
	tried    map[string]struct{}
	// late marks a request that timed out but may still be answered.
	late bool
}

type retryRange struct {
	rng      HeightRange
	attempts int
	tried    map[string]struct{}
}

type bufferedBlock struct {
	block *types.Block
	peer  string
}

type forkLookup struct {
	peer   string
	low    uint32
	branch map[uint32]*types.Block
}

type outgoing struct {
	peer string
	msg  Message
	req  *syncRequest
}

type penalty struct {
	peer   string
	amount float64
	reason string
}

// SyncManager fetches missing block ranges from peers and commits them in
// height order. Consensus and storage are only touched from the worker
// goroutine started by Run; I/O goroutines interact through HandleBlocks,
// ServeGetBlocks, ObserveHeight and ForgetPeer.
type SyncManager struct {
	cfg       SyncConfig
	storage   Storage
	consensus Consensus
	peers     PeerDirectory
	sender    Sender
	logger    *slog.Logger
	metrics   *networkMetrics
	now       func() time.Time

	// local caches the stored height for readers outside the worker.
	local atomic.Uint32

	mu          sync.Mutex
	outstanding map[string][]*syncRequest
	late        map[string][]*syncRequest
	nextID      uint64

	// Worker-owned.
	retry  []retryRange
	buffer map[uint32]bufferedBlock
	lookup *forkLookup

	jobs chan func()
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// SyncOption customises a SyncManager.
type SyncOption func(*SyncManager)

// WithSyncClock injects the time source used for request deadlines.
func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *SyncManager) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSyncLogger overrides the logger.
func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(s *SyncManager) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSyncManager wires a Sync Manager to its collaborators.
func NewSyncManager(cfg SyncConfig, storage Storage, consensus Consensus, peers PeerDirectory, sender Sender, opts ...SyncOption) *SyncManager {
	s := &SyncManager{
		cfg:         cfg.withDefaults(),
		storage:     storage,
		consensus:   consensus,
		peers:       peers,
		sender:      sender,
		logger:      slog.Default().With(slog.String("component", "p2p_sync")),
		metrics:     newNetworkMetrics(),
		now:         time.Now,
		outstanding: make(map[string][]*syncRequest),
		late:        make(map[string][]*syncRequest),
		buffer:      make(map[uint32]bufferedBlock),
		jobs:        make(chan func(), syncJobQueueSize),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refreshHeight()
	return s
}

// LocalHeight returns the stored chain height as last seen by the worker.
func (s *SyncManager) LocalHeight() uint32 {
	return s.local.Load()
}

func (s *SyncManager) refreshHeight() {
	s.local.Store(s.storage.CurrentHeight())
}

// Run drives the worker until ctx is cancelled.
func (s *SyncManager) Run(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		case <-s.wake:
			s.tick()
		case job := <-s.jobs:
			job()
		}
	}
}

// Trigger asks the worker to run a sync round as soon as possible.
func (s *SyncManager) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *SyncManager) enqueue(job func()) bool {
	select {
	case s.jobs <- job:
		return true
	case <-s.done:
		return false
	}
}

// ObserveHeight records a height claimed by addr and wakes the worker if the
// claim is ahead of the local chain.
func (s *SyncManager) ObserveHeight(addr string, height uint32) {
	s.peers.ObserveHeight(addr, height)
	if height > s.LocalHeight() {
		s.Trigger()
	}
}

// ForgetPeer drops every outstanding request of addr. The freed heights are
// recomputed as missing on the next round.
func (s *SyncManager) ForgetPeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstanding, addr)
	delete(s.late, addr)
}

// PeerState reports whether addr has a request outstanding.
func (s *SyncManager) PeerState(addr string) SyncPeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := s.outstanding[addr]
	if len(reqs) == 0 {
		return SyncIdle
	}
	for _, req := range reqs {
		if req.lookup {
			return AwaitingHeaders
		}
	}
	return AwaitingBlocks
}

// Outstanding returns the ranges currently requested from addr, oldest first.
func (s *SyncManager) Outstanding(addr string) []HeightRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := s.outstanding[addr]
	out := make([]HeightRange, len(reqs))
	for i, req := range reqs {
		out[i] = req.rng
	}
	return out
}

// HandleBlocks pairs a Blocks response with the request of addr it answers.
// A response nobody asked for is a protocol violation.
func (s *SyncManager) HandleBlocks(addr string, msg *Blocks) error {
	blocks, bad := decodeBlocks(msg.Blocks)
	s.mu.Lock()
	req, ok := s.matchLocked(addr, blocks)
	s.mu.Unlock()
	if !ok {
		return protocolErrorf(OutOfSequence, "unsolicited blocks from peer")
	}
	if req == nil {
		s.metrics.recordSyncRequest("late_dropped")
		return nil
	}
	s.enqueue(func() { s.processResponse(req, blocks, bad) })
	return nil
}

// matchLocked picks the request a response answers: the outstanding or
// timed-out request whose range holds the first returned height, else the
// oldest request still pending from addr. A response that fits nothing while
// only timed-out requests remain consumes one of them and yields nil.
func (s *SyncManager) matchLocked(addr string, blocks []*types.Block) (*syncRequest, bool) {
	reqs, late := s.outstanding[addr], s.late[addr]
	if len(reqs) == 0 && len(late) == 0 {
		return nil, false
	}
	if len(blocks) > 0 {
		height := blocks[0].Height()
		for i, req := range reqs {
			if req.rng.Contains(height) {
				s.takeOutstandingLocked(addr, i)
				return req, true
			}
		}
		for i, req := range late {
			if req.rng.Contains(height) {
				s.takeLateLocked(addr, i)
				return req, true
			}
		}
		if len(reqs) == 0 {
			s.takeLateLocked(addr, 0)
			return nil, true
		}
		s.takeOutstandingLocked(addr, 0)
		return reqs[0], true
	}
	if len(reqs) == 0 || (len(late) > 0 && late[0].id < reqs[0].id) {
		req := late[0]
		s.takeLateLocked(addr, 0)
		return req, true
	}
	s.takeOutstandingLocked(addr, 0)
	return reqs[0], true
}

func (s *SyncManager) takeOutstandingLocked(addr string, i int) {
	s.outstanding[addr] = removeRequest(s.outstanding[addr], i)
	if len(s.outstanding[addr]) == 0 {
		delete(s.outstanding, addr)
	}
}

func (s *SyncManager) takeLateLocked(addr string, i int) {
	s.late[addr] = removeRequest(s.late[addr], i)
	if len(s.late[addr]) == 0 {
		delete(s.late, addr)
	}
}

func removeRequest(reqs []*syncRequest, i int) []*syncRequest {
	return append(reqs[:i:i], reqs[i+1:]...)
}

func decodeBlocks(raws [][]byte) ([]*types.Block, int) {
	blocks := make([]*types.Block, 0, len(raws))
	bad := 0
	for _, raw := range raws {
		blk, err := types.DecodeBlock(raw)
		if err != nil {
			bad++
			continue
		}
		blocks = append(blocks, blk)
	}
	return blocks, bad
}

// ServeGetBlocks answers a peer's range request from storage.
func (s *SyncManager) ServeGetBlocks(addr string, req *GetBlocks) {
	start, end := req.Start, req.End
	s.enqueue(func() { s.serve(addr, start, end) })
}

func (s *SyncManager) serve(addr string, start, end uint32) {
	local := s.storage.CurrentHeight()
	last := uint64(start) + uint64(s.cfg.BatchSize) - 1
	if uint64(end) < last {
		last = uint64(end)
	}
	if uint64(local) < last {
		last = uint64(local)
	}
	var raws [][]byte
	for h := uint64(start); h <= last; h++ {
		blk, ok := s.storage.GetBlock(uint32(h))
		if !ok {
			break
		}
		raw, err := types.EncodeBlock(blk)
		if err != nil {
			s.logger.Warn("Failed to encode stored block", slog.Uint64("height", h), slog.Any("error", err))
			break
		}
		raws = append(raws, raw)
	}
	if err := s.sender.Send(addr, NewBlocks(raws...)); err != nil {
		s.logger.Debug("Dropping blocks response", logging.MaskField("peer_address", addr), slog.Any("error", err))
	}
}

// SubmitBlock hands a gossiped block to the ordered commit path.
func (s *SyncManager) SubmitBlock(ctx context.Context, origin string, blk *types.Block) (SubmitResult, error) {
	result := make(chan SubmitResult, 1)
	job := func() { result <- s.submit(origin, blk) }
	select {
	case s.jobs <- job:
	case <-s.done:
		return SubmitDeferred, ErrShutdown
	case <-ctx.Done():
		return SubmitDeferred, ctx.Err()
	}
	select {
	case res := <-result:
		return res, nil
	case <-s.done:
		return SubmitDeferred, ErrShutdown
	case <-ctx.Done():
		return SubmitDeferred, ctx.Err()
	}
}

func (s *SyncManager) submit(origin string, blk *types.Block) SubmitResult {
	local := s.storage.CurrentHeight()
	height := blk.Height()
	switch {
	case height <= local:
		if stored, ok := s.storage.GetBlock(height); ok && stored.Hash() == blk.Hash() {
			return SubmitKnown
		}
		return SubmitDeferred
	case height > local+1:
		if origin != "" {
			s.peers.ObserveHeight(origin, height)
		}
		if height <= local+s.cfg.Window {
			if _, ok := s.buffer[height]; !ok {
				s.buffer[height] = bufferedBlock{block: blk, peer: origin}
			}
		}
		s.Trigger()
		return SubmitDeferred
	}

	if origin != "" {
		s.peers.ObserveHeight(origin, height)
	}
	parent, ok := s.storage.GetBlock(local)
	if ok && !blk.Extends(parent) {
		if origin != "" && s.lookup == nil {
			s.startLookup(bufferedBlock{block: blk, peer: origin}, local)
		}
		return SubmitDeferred
	}
	if !s.consensus.ValidateBlock(blk) {
		return SubmitRejected
	}
	if err := s.storage.InsertBlock(blk); err != nil {
		s.logger.Error("Failed to commit gossiped block",
			slog.Uint64("height", uint64(height)),
			slog.Any("error", fmt.Errorf("%w: %v", ErrStorageFailure, err)))
		return SubmitDeferred
	}
	s.metrics.recordSyncRequest("gossip_commit")
	delete(s.buffer, height)
	s.drain()
	return SubmitAccepted
}

// tick runs one sync round: expire overdue requests, then assign missing
// ranges to peers.
func (s *SyncManager) tick() {
	s.refreshHeight()
	now := s.now()
	s.expire(now)
	if s.lookup != nil {
		return
	}
	s.assign(now)
}

func (s *SyncManager) expire(now time.Time) {
	var expired []*syncRequest
	s.mu.Lock()
	for peer, reqs := range s.outstanding {
		kept := reqs[:0]
		for _, req := range reqs {
			if now.Before(req.deadline) {
				kept = append(kept, req)
				continue
			}
			expired = append(expired, req)
			req.late = true
			late := append(s.late[peer], req)
			if len(late) > maxLateRequests {
				late = late[len(late)-maxLateRequests:]
			}
			s.late[peer] = late
		}
		if len(kept) == 0 {
			delete(s.outstanding, peer)
		} else {
			s.outstanding[peer] = kept
		}
	}
	lookupLive := false
	if s.lookup != nil {
		for _, req := range s.outstanding[s.lookup.peer] {
			if req.lookup {
				lookupLive = true
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].id < expired[j].id })
	for _, req := range expired {
		s.metrics.recordSyncRequest("timeout")
		s.peers.Penalize(req.peer, unresponsivePenalty, "sync request timeout")
		s.logger.Debug("Sync request timed out",
			logging.MaskField("peer_address", req.peer),
			slog.String("range", req.rng.String()),
			slog.Any("error", ErrPeerUnresponsive))
		if req.lookup {
			continue
		}
		attempts := req.attempts + 1
		if attempts >= s.cfg.MaxRetries {
			continue
		}
		tried := make(map[string]struct{}, len(req.tried)+1)
		for p := range req.tried {
			tried[p] = struct{}{}
		}
		tried[req.peer] = struct{}{}
		s.retry = append(s.retry, retryRange{rng: req.rng, attempts: attempts, tried: tried})
	}
	if s.lookup != nil && !lookupLive {
		s.abandonLookup("ancestor request timed out")
	}
}

type syncCandidate struct {
	info PeerInfo
	load int
}

func (s *SyncManager) assign(now time.Time) {
	local := s.storage.CurrentHeight()
	peers := s.peers.Connected()

	var best uint32
	candidates := make([]*syncCandidate, 0, len(peers))
	for _, info := range peers {
		if info.Height > best {
			best = info.Height
		}
		if info.Height > local {
			candidates = append(candidates, &syncCandidate{info: info})
		}
	}
	s.metrics.observeBestHeight(best)
	retries := s.retry
	s.retry = nil
	if best <= local || len(candidates) == 0 {
		return
	}
	// Peers claiming the greatest height go first, best reputation among them.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].info, candidates[j].info
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		return a.Address < b.Address
	})
	for h := range s.buffer {
		if h <= local {
			delete(s.buffer, h)
		}
	}

	var sends []outgoing
	s.mu.Lock()
	var taken []HeightRange
	for _, c := range candidates {
		c.load = len(s.outstanding[c.info.Address])
	}
	for _, reqs := range s.outstanding {
		for _, req := range reqs {
			taken = append(taken, req.rng)
		}
	}
	covered := func(h uint32) bool {
		if _, ok := s.buffer[h]; ok {
			return true
		}
		for _, r := range taken {
			if r.Contains(h) {
				return true
			}
		}
		return false
	}

	for _, r := range retries {
		if r.rng.End <= local || overlapsAny(r.rng, taken) {
			continue
		}
		if r.rng.Start <= local {
			r.rng.Start = local + 1
		}
		c := s.pickCandidate(candidates, r.rng.Start, r.tried)
		if c == nil {
			continue
		}
		req := s.issueLocked(c, r.rng, now, r.attempts, r.tried, false)
		taken = append(taken, req.rng)
		sends = append(sends, outgoing{peer: req.peer, msg: &GetBlocks{Start: req.rng.Start, End: req.rng.End}, req: req})
	}

	end := best
	if limit := uint64(local) + uint64(s.cfg.Window); uint64(end) > limit {
		end = uint32(limit)
	}
	for _, rng := range missingRanges(local+1, end, s.cfg.BatchSize, covered) {
		c := s.pickCandidate(candidates, rng.Start, nil)
		if c == nil {
			continue
		}
		req := s.issueLocked(c, rng, now, 0, nil, false)
		taken = append(taken, req.rng)
		sends = append(sends, outgoing{peer: req.peer, msg: &GetBlocks{Start: req.rng.Start, End: req.rng.End}, req: req})
	}
	s.mu.Unlock()

	s.flush(sends)
}

func overlapsAny(rng HeightRange, taken []HeightRange) bool {
	for _, r := range taken {
		if r.Overlaps(rng) {
			return true
		}
	}
	return false
}

func (s *SyncManager) pickCandidate(candidates []*syncCandidate, start uint32, tried map[string]struct{}) *syncCandidate {
	for _, c := range candidates {
		if c.load >= s.cfg.MaxInFlightPerPeer || c.info.Height < start {
			continue
		}
		if _, ok := tried[c.info.Address]; ok {
			continue
		}
		return c
	}
	return nil
}

func (s *SyncManager) issueLocked(c *syncCandidate, rng HeightRange, now time.Time, attempts int, tried map[string]struct{}, lookup bool) *syncRequest {
	if rng.End > c.info.Height {
		rng.End = c.info.Height
	}
	s.nextID++
	req := &syncRequest{
		id:       s.nextID,
		peer:     c.info.Address,
		rng:      rng,
		lookup:   lookup,
		deadline: now.Add(s.cfg.RequestTimeout),
		attempts: attempts,
		tried:    tried,
	}
	s.outstanding[req.peer] = append(s.outstanding[req.peer], req)
	c.load++
	return req
}

func (s *SyncManager) flush(sends []outgoing) {
	for _, out := range sends {
		s.metrics.recordSyncRequest("sent")
		if err := s.sender.Send(out.peer, out.msg); err != nil {
			s.logger.Debug("Failed to send sync request",
				logging.MaskField("peer_address", out.peer),
				slog.Any("error", err))
			s.cancel(out.req)
		}
	}
}

func (s *SyncManager) cancel(req *syncRequest) {
	if req == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.outstanding[req.peer] {
		if r.id == req.id {
			s.takeOutstandingLocked(req.peer, i)
			return
		}
	}
}

func (s *SyncManager) processResponse(req *syncRequest, blocks []*types.Block, bad int) {
	if req.lookup {
		if !req.late {
			s.processLookup(req, blocks, bad)
		}
		return
	}
	if len(blocks) == 0 && bad == 0 {
		if req.late {
			return
		}
		s.metrics.recordSyncRequest("empty")
		tried := map[string]struct{}{req.peer: {}}
		for p := range req.tried {
			tried[p] = struct{}{}
		}
		s.retry = append(s.retry, retryRange{rng: req.rng, attempts: req.attempts + 1, tried: tried})
		s.Trigger()
		return
	}
	if req.late {
		s.metrics.recordSyncRequest("late_completed")
	} else {
		s.metrics.recordSyncRequest("completed")
	}
	local := s.storage.CurrentHeight()
	var penalties []penalty
	for i := 0; i < bad; i++ {
		penalties = append(penalties, penalty{req.peer, standardPenalty, "undecodable block"})
	}
	for _, blk := range blocks {
		height := blk.Height()
		if !req.rng.Contains(height) {
			penalties = append(penalties, penalty{req.peer, outOfRangePenalty, "block outside requested range"})
			continue
		}
		if height <= local {
			continue
		}
		if _, ok := s.buffer[height]; !ok {
			s.buffer[height] = bufferedBlock{block: blk, peer: req.peer}
		}
	}
	if len(penalties) == 0 {
		s.peers.RecordSuccess(req.peer)
	}
	s.applyPenalties(penalties)
	s.drain()
}

func (s *SyncManager) applyPenalties(penalties []penalty) {
	for _, p := range penalties {
		s.peers.Penalize(p.peer, p.amount, p.reason)
	}
}

// drain commits buffered blocks that extend the local tip, in height order.
func (s *SyncManager) drain() {
	defer s.refreshHeight()
	for s.lookup == nil {
		local := s.storage.CurrentHeight()
		next, ok := s.buffer[local+1]
		if !ok {
			return
		}
		delete(s.buffer, local+1)
		blk := next.block
		if parent, ok := s.storage.GetBlock(local); ok && !blk.Extends(parent) {
			s.startLookup(next, local)
			return
		}
		if !s.consensus.ValidateBlock(blk) {
			s.metrics.recordSyncRequest("invalid_block")
			s.logger.Warn("Discarding invalid block",
				logging.MaskField("peer_address", next.peer),
				slog.Uint64("height", uint64(blk.Height())),
				slog.Any("error", ErrConsensusRejection))
			if next.peer != "" {
				s.peers.Penalize(next.peer, rejectionPenalty, "invalid block")
			}
			continue
		}
		if err := s.storage.InsertBlock(blk); err != nil {
			s.logger.Error("Failed to commit block",
				slog.Uint64("height", uint64(blk.Height())),
				slog.Any("error", fmt.Errorf("%w: %v", ErrStorageFailure, err)))
			return
		}
	}
}

func (s *SyncManager) startLookup(from bufferedBlock, local uint32) {
	if local == 0 || from.peer == "" {
		if from.peer != "" {
			s.peers.Penalize(from.peer, rejectionPenalty, "block does not build on genesis")
		}
		return
	}
	s.logger.Info("Chain mismatch, looking up common ancestor",
		logging.MaskField("peer_address", from.peer),
		slog.Uint64("height", uint64(from.block.Height())))
	s.lookup = &forkLookup{
		peer:   from.peer,
		low:    from.block.Height(),
		branch: map[uint32]*types.Block{from.block.Height(): from.block},
	}
	for h, b := range s.buffer {
		if b.peer == from.peer && h > local {
			s.lookup.branch[h] = b.block
		}
	}
	s.requestLookupWindow()
}

func (s *SyncManager) requestLookupWindow() {
	lk := s.lookup
	local := s.storage.CurrentHeight()
	end := lk.low - 1
	if end == 0 || uint64(local)+1-uint64(end) > uint64(s.cfg.MaxForkDepth) {
		s.abandonLookup("fork deeper than allowed")
		return
	}
	start := uint32(1)
	if end > s.cfg.BatchSize {
		start = end - s.cfg.BatchSize + 1
	}
	s.mu.Lock()
	s.nextID++
	req := &syncRequest{
		id:       s.nextID,
		peer:     lk.peer,
		rng:      HeightRange{Start: start, End: end},
		lookup:   true,
		deadline: s.now().Add(s.cfg.RequestTimeout),
	}
	s.outstanding[lk.peer] = append(s.outstanding[lk.peer], req)
	s.mu.Unlock()
	s.flush([]outgoing{{peer: lk.peer, msg: &GetBlocks{Start: start, End: end}, req: req}})
}

func (s *SyncManager) abandonLookup(reason string) {
	lk := s.lookup
	s.lookup = nil
	local := s.storage.CurrentHeight()
	s.logger.Warn("Abandoning fork lookup",
		logging.MaskField("peer_address", lk.peer),
		slog.String("reason", reason))
	s.peers.SetHeight(lk.peer, local)
	for h, b := range s.buffer {
		if b.peer == lk.peer {
			delete(s.buffer, h)
		}
	}
}

func (s *SyncManager) processLookup(req *syncRequest, blocks []*types.Block, bad int) {
	lk := s.lookup
	if lk == nil || lk.peer != req.peer {
		return
	}
	if len(blocks) == 0 && bad == 0 {
		s.abandonLookup("empty ancestor response")
		return
	}
	for i := 0; i < bad; i++ {
		s.peers.Penalize(req.peer, outOfRangePenalty, "bad ancestor response")
	}
	for _, blk := range blocks {
		if !req.rng.Contains(blk.Height()) {
			s.peers.Penalize(req.peer, outOfRangePenalty, "bad ancestor response")
			continue
		}
		lk.branch[blk.Height()] = blk
	}

	// The common ancestor sits just below the highest peer block that builds
	// on a locally stored block.
	ancestor, found := uint32(0), false
	for h := req.rng.End; h >= req.rng.Start && h > 0; h-- {
		blk := lk.branch[h]
		if blk == nil {
			continue
		}
		if local, ok := s.storage.GetBlock(h - 1); ok && blk.Extends(local) {
			ancestor, found = h-1, true
			break
		}
	}
	if !found {
		lk.low = req.rng.Start
		s.requestLookupWindow()
		return
	}

	var branch []*types.Block
	for h := ancestor + 1; ; h++ {
		blk := lk.branch[h]
		if blk == nil {
			break
		}
		if len(branch) > 0 && !blk.Extends(branch[len(branch)-1]) {
			break
		}
		branch = append(branch, blk)
	}
	if len(branch) == 0 {
		s.abandonLookup("empty branch")
		return
	}

	localHeight := s.storage.CurrentHeight()
	resolution := s.consensus.ResolveFork(ForkRequest{
		Peer:        lk.peer,
		Ancestor:    ancestor,
		LocalHeight: localHeight,
		Branch:      branch,
	})
	s.logger.Info("Fork resolved",
		logging.MaskField("peer_address", lk.peer),
		slog.Uint64("ancestor", uint64(ancestor)),
		slog.Uint64("branch_tip", uint64(branch[len(branch)-1].Height())),
		slog.String("decision", resolution.Decision.String()))
	if resolution.Decision != ForkSwitch {
		s.abandonLookup("local chain kept")
		return
	}
	peer := lk.peer
	s.lookup = nil
	for h := range s.buffer {
		delete(s.buffer, h)
	}
	for _, blk := range branch {
		s.buffer[blk.Height()] = bufferedBlock{block: blk, peer: peer}
	}
	s.drain()
	s.Trigger()
}
