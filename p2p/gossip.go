package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chainp2p/core/types"
	"chainp2p/observability/logging"
)

const (
	defaultGossipInbox  = 1024
	defaultMempoolLimit = 1024
	seenSweepInterval   = time.Minute
)

// GossipConfig tunes the Gossip Router.
type GossipConfig struct {
	InboxSize     int
	SeenCapacity  int
	SeenRetention time.Duration
	// MempoolLimit caps the transactions returned for GetMemoryPool.
	MempoolLimit int
}

func (c GossipConfig) withDefaults() GossipConfig {
	if c.InboxSize <= 0 {
		c.InboxSize = defaultGossipInbox
	}
	if c.MempoolLimit <= 0 {
		c.MempoolLimit = defaultMempoolLimit
	}
	return c
}

type blockSubmitter interface {
	SubmitBlock(ctx context.Context, origin string, blk *types.Block) (SubmitResult, error)
}

type gossipItem struct {
	origin string
	msg    Message
	done   chan error
}

// GossipRouter validates newly announced transactions and blocks and relays
// accepted ones to every connected peer except their origin, at most once per
// peer within the seen-set retention window.
type GossipRouter struct {
	cfg       GossipConfig
	consensus Consensus
	mempool   Mempool
	blocks    blockSubmitter
	peers     PeerDirectory
	sender    Sender
	seen      *SeenSet
	logger    *slog.Logger
	metrics   *networkMetrics

	inbox chan gossipItem
	done  chan struct{}
	once  sync.Once
}

// GossipOption customises a GossipRouter.
type GossipOption func(*GossipRouter)

// WithGossipLogger overrides the router logger.
func WithGossipLogger(logger *slog.Logger) GossipOption {
	return func(r *GossipRouter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewGossipRouter wires a router to its collaborators.
func NewGossipRouter(cfg GossipConfig, consensus Consensus, mempool Mempool, blocks blockSubmitter, peers PeerDirectory, sender Sender, opts ...GossipOption) *GossipRouter {
	cfg = cfg.withDefaults()
	r := &GossipRouter{
		cfg:       cfg,
		consensus: consensus,
		mempool:   mempool,
		blocks:    blocks,
		peers:     peers,
		sender:    sender,
		seen:      NewSeenSet(cfg.SeenCapacity, cfg.SeenRetention),
		logger:    slog.Default().With(slog.String("component", "p2p_gossip")),
		metrics:   newNetworkMetrics(),
		inbox:     make(chan gossipItem, cfg.InboxSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seen exposes the router's seen set.
func (r *GossipRouter) Seen() *SeenSet { return r.seen }

// Run processes the inbox until ctx is cancelled.
func (r *GossipRouter) Run(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })
	sweep := time.NewTicker(seenSweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			r.seen.Sweep()
		case item := <-r.inbox:
			err := r.process(ctx, item.origin, item.msg)
			if item.done != nil {
				item.done <- err
			}
		}
	}
}

// Deliver queues a message received from origin. Transactions and blocks
// wait for inbox space until ctx ends or the router stops. Mempool exchanges
// are dropped with ErrInboxFull instead.
func (r *GossipRouter) Deliver(ctx context.Context, origin string, msg Message) error {
	item := gossipItem{origin: origin, msg: msg}
	switch msg.(type) {
	case *Transaction, *Block:
		select {
		case r.inbox <- item:
			return nil
		default:
		}
		r.metrics.recordGossip(msg.Tag().String(), "inbox_wait")
		select {
		case r.inbox <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return ErrShutdown
		}
	default:
		select {
		case r.inbox <- item:
			return nil
		default:
			r.metrics.recordGossip(msg.Tag().String(), "inbox_full")
			return ErrInboxFull
		}
	}
}

// Publish validates and relays a locally produced transaction or block.
func (r *GossipRouter) Publish(ctx context.Context, msg Message) error {
	switch msg.(type) {
	case *Transaction, *Block:
	default:
		return fmt.Errorf("p2p: cannot publish %s", msg.Tag())
	}
	done := make(chan error, 1)
	select {
	case r.inbox <- gossipItem{msg: msg, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrShutdown
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrShutdown
	}
}

func (r *GossipRouter) process(ctx context.Context, origin string, msg Message) error {
	switch m := msg.(type) {
	case *Transaction:
		return r.handleTransaction(origin, m.Raw, true)
	case *Block:
		return r.handleBlock(ctx, origin, m.Raw)
	case *MemoryPool:
		for _, raw := range m.Transactions {
			_ = r.handleTransaction(origin, raw, false)
		}
		return nil
	case *GetMemoryPool:
		r.serveMempool(origin)
		return nil
	default:
		return fmt.Errorf("p2p: gossip cannot route %s", msg.Tag())
	}
}

func (r *GossipRouter) handleTransaction(origin string, raw []byte, relay bool) error {
	hash := types.HashBytes(raw)
	if r.seen.Contains(hash) {
		r.metrics.recordGossip("transaction", "duplicate")
		return nil
	}
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		if relay {
			r.penalize(origin, "undecodable transaction")
		}
		r.metrics.recordGossip("transaction", "malformed")
		return fmt.Errorf("%w: %v", ErrConsensusRejection, err)
	}
	if err := r.consensus.AcceptTransaction(tx); err != nil {
		if errors.Is(err, ErrDuplicate) {
			r.seen.Add(hash, origin)
			r.metrics.recordGossip("transaction", "duplicate")
			return nil
		}
		if relay {
			r.penalize(origin, "rejected transaction")
		}
		r.metrics.recordGossip("transaction", "rejected")
		r.logger.Debug("Transaction rejected",
			logging.MaskField("peer_address", origin),
			slog.String("hash", hash.Short()),
			slog.Any("error", err))
		return fmt.Errorf("%w: %v", ErrConsensusRejection, err)
	}
	r.seen.Add(hash, origin)
	r.metrics.recordGossip("transaction", "accepted")
	if origin != "" {
		r.peers.RecordSuccess(origin)
	}
	if relay {
		r.relay(hash, "transaction", &Transaction{Raw: raw}, origin)
	}
	return nil
}

func (r *GossipRouter) handleBlock(ctx context.Context, origin string, raw []byte) error {
	hash := types.HashBytes(raw)
	if r.seen.Contains(hash) {
		r.metrics.recordGossip("block", "duplicate")
		return nil
	}
	blk, err := types.DecodeBlock(raw)
	if err != nil {
		r.penalize(origin, "undecodable block")
		r.metrics.recordGossip("block", "malformed")
		return fmt.Errorf("%w: %v", ErrConsensusRejection, err)
	}
	res, err := r.blocks.SubmitBlock(ctx, origin, blk)
	if err != nil {
		return err
	}
	r.metrics.recordGossip("block", res.String())
	switch res {
	case SubmitAccepted:
		r.seen.Add(hash, origin)
		if origin != "" {
			r.peers.RecordSuccess(origin)
		}
		r.relay(hash, "block", &Block{Raw: raw}, origin)
	case SubmitRejected:
		r.penalize(origin, "rejected block")
		return fmt.Errorf("%w: block %d", ErrConsensusRejection, blk.Height())
	case SubmitKnown:
		r.seen.Add(hash, origin)
	}
	return nil
}

func (r *GossipRouter) relay(hash types.Hash, kind string, msg Message, origin string) {
	sent := 0
	for _, peer := range r.peers.Connected() {
		if peer.Address == origin {
			continue
		}
		if !r.seen.MarkSent(hash, peer.Address) {
			continue
		}
		if err := r.sender.Send(peer.Address, msg); err != nil {
			r.logger.Debug("Relay failed",
				logging.MaskField("peer_address", peer.Address),
				slog.Any("error", err))
			continue
		}
		sent++
	}
	if sent > 0 {
		r.metrics.recordGossip(kind, "relayed")
	}
}

func (r *GossipRouter) serveMempool(origin string) {
	if r.mempool == nil || origin == "" {
		return
	}
	txs := r.mempool.Transactions(r.cfg.MempoolLimit)
	raws := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		raw, err := types.EncodeTransaction(tx)
		if err != nil {
			continue
		}
		raws = append(raws, raw)
	}
	if err := r.sender.Send(origin, NewMemoryPool(raws...)); err != nil {
		r.logger.Debug("Dropping mempool response", logging.MaskField("peer_address", origin), slog.Any("error", err))
	}
}

func (r *GossipRouter) penalize(origin, reason string) {
	if origin == "" {
		return
	}
	r.peers.Penalize(origin, rejectionPenalty, reason)
}
