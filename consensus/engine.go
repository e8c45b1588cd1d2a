package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chainp2p/core/types"
	"chainp2p/mempool"
	"chainp2p/observability"
	"chainp2p/p2p"
)

const (
	defaultMaxPayloadSize = 1 << 20
	defaultMaxTxSize      = 64 << 10
	defaultMaxClockDrift  = 15 * time.Second
)

var (
	ErrUnsignedTransaction = errors.New("consensus: transaction signature required")
	ErrTransactionTooLarge = errors.New("consensus: transaction too large")
)

// Chain is the storage the engine validates against and rewinds on a fork switch.
type Chain interface {
	p2p.Storage
	Rewind(height uint32) error
}

// Config bounds what the engine accepts.
type Config struct {
	MaxPayloadSize int
	MaxTxSize      int
	// MaxClockDrift is how far in the future a block timestamp may lie.
	MaxClockDrift     time.Duration
	RequireSignatures bool
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = defaultMaxPayloadSize
	}
	if c.MaxTxSize <= 0 {
		c.MaxTxSize = defaultMaxTxSize
	}
	if c.MaxClockDrift <= 0 {
		c.MaxClockDrift = defaultMaxClockDrift
	}
	return c
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock injects the time source used for timestamp checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine is a longest-chain consensus: blocks are valid when their payload
// matches the header commitment and their timestamps are sane, and a
// competing branch wins only when it is strictly longer.
type Engine struct {
	cfg     Config
	chain   Chain
	pool    *mempool.Pool
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.ConsensusMetrics
}

// New returns an engine validating against chain and admitting transactions into pool.
func New(cfg Config, chain Chain, pool *mempool.Pool, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg.withDefaults(),
		chain:   chain,
		pool:    pool,
		now:     time.Now,
		logger:  slog.Default().With(slog.String("component", "consensus")),
		metrics: observability.Consensus(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidateBlock checks blk on its own and against its stored parent, when the
// parent is the block it claims to extend.
func (e *Engine) ValidateBlock(blk *types.Block) bool {
	if err := e.checkBlock(blk); err != nil {
		e.logger.Debug("Block rejected", slog.Uint64("height", uint64(blk.Height())), slog.Any("error", err))
		e.metrics.RecordBlock(false)
		return false
	}
	if parent, ok := e.chain.GetBlock(blk.Height() - 1); ok && blk.Extends(parent) {
		if blk.Header.Timestamp < parent.Header.Timestamp {
			e.logger.Debug("Block rejected", slog.Uint64("height", uint64(blk.Height())), slog.String("reason", "timestamp before parent"))
			e.metrics.RecordBlock(false)
			return false
		}
		e.metrics.RecordBlockInterval(time.Duration(blk.Header.Timestamp-parent.Header.Timestamp) * time.Second)
	}
	e.metrics.RecordBlock(true)
	return true
}

func (e *Engine) checkBlock(blk *types.Block) error {
	if blk == nil || blk.Header == nil {
		return types.ErrEmptyBlock
	}
	if blk.Height() == 0 {
		return errors.New("genesis cannot be relayed")
	}
	if len(blk.Payload) > e.cfg.MaxPayloadSize {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(blk.Payload), e.cfg.MaxPayloadSize)
	}
	if err := blk.VerifyPayload(); err != nil {
		return err
	}
	limit := e.now().Add(e.cfg.MaxClockDrift).Unix()
	if limit > 0 && blk.Header.Timestamp > uint64(limit) {
		return fmt.Errorf("timestamp %d is in the future", blk.Header.Timestamp)
	}
	return nil
}

// AcceptTransaction admits tx into the mempool. Transactions already pending
// return an error wrapping p2p.ErrDuplicate.
func (e *Engine) AcceptTransaction(tx *types.Transaction) error {
	err := e.admit(tx)
	switch {
	case err == nil:
		e.metrics.RecordTransaction("accepted")
	case errors.Is(err, p2p.ErrDuplicate):
		e.metrics.RecordTransaction("duplicate")
	default:
		e.metrics.RecordTransaction("rejected")
	}
	return err
}

func (e *Engine) admit(tx *types.Transaction) error {
	raw, err := types.EncodeTransaction(tx)
	if err != nil {
		return err
	}
	if len(raw) > e.cfg.MaxTxSize {
		return fmt.Errorf("%w: %d bytes", ErrTransactionTooLarge, len(raw))
	}
	if len(tx.Signature) > 0 || e.cfg.RequireSignatures {
		if _, err := tx.From(); err != nil {
			if errors.Is(err, types.ErrUnsigned) {
				return ErrUnsignedTransaction
			}
			return err
		}
	}
	return e.pool.Add(tx)
}

// ResolveFork switches to req.Branch when it is valid, links to the stored
// ancestor and ends above the local tip. On a switch the chain is rewound to
// the ancestor before returning.
func (e *Engine) ResolveFork(req p2p.ForkRequest) p2p.ForkResolution {
	keep := p2p.ForkResolution{Decision: p2p.ForkKeep}
	if len(req.Branch) == 0 {
		e.metrics.RecordFork("keep")
		return keep
	}
	tip := req.Branch[len(req.Branch)-1].Height()
	if tip <= req.LocalHeight {
		e.logger.Info("Keeping local chain",
			slog.Uint64("local_height", uint64(req.LocalHeight)),
			slog.Uint64("branch_height", uint64(tip)))
		e.metrics.RecordFork("keep")
		return keep
	}
	parent, ok := e.chain.GetBlock(req.Ancestor)
	if !ok {
		e.metrics.RecordFork("keep")
		return keep
	}
	for _, blk := range req.Branch {
		if !blk.Extends(parent) || !e.validAgainst(blk, parent) {
			e.logger.Warn("Rejecting invalid fork branch",
				slog.Uint64("ancestor", uint64(req.Ancestor)),
				slog.Uint64("height", uint64(blk.Height())))
			e.metrics.RecordFork("invalid")
			return keep
		}
		parent = blk
	}
	if err := e.chain.Rewind(req.Ancestor); err != nil {
		e.logger.Error("Failed to rewind chain for fork switch", slog.Any("error", err))
		e.metrics.RecordFork("error")
		return keep
	}
	e.logger.Info("Switching to longer branch",
		slog.Uint64("ancestor", uint64(req.Ancestor)),
		slog.Uint64("local_height", uint64(req.LocalHeight)),
		slog.Uint64("branch_height", uint64(tip)))
	e.metrics.RecordFork("switch")
	return p2p.ForkResolution{Decision: p2p.ForkSwitch}
}

// validAgainst checks blk against an explicit parent rather than the stored chain.
func (e *Engine) validAgainst(blk, parent *types.Block) bool {
	if err := e.checkBlock(blk); err != nil {
		return false
	}
	return blk.Header.Timestamp >= parent.Header.Timestamp
}
