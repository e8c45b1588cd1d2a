package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"chainp2p/core/types"
	"chainp2p/observability"
)

var (
	networkKey  = []byte("chain/network")
	headKey     = []byte("chain/head")
	blockPrefix = []byte("chain/block/")
)

var (
	// ErrNotExtending is returned when an inserted block does not follow the tip.
	ErrNotExtending = errors.New("storage: block does not extend the chain tip")
	// ErrNetworkMismatch is returned when a database was initialised for another network.
	ErrNetworkMismatch = errors.New("storage: database belongs to another network")
)

// ChainStore keeps the canonical chain by height. The genesis block is
// written on first open; every later block must extend the current tip.
type ChainStore struct {
	mu      sync.RWMutex
	db      Database
	height  uint32
	tip     *types.Block
	logger  *slog.Logger
	metrics *observability.ChainMetrics
}

// NewChainStore opens the chain kept in db, initialising it with the genesis
// block of network when empty.
func NewChainStore(db Database, network string) (*ChainStore, error) {
	if db == nil {
		return nil, errors.New("storage: database required")
	}
	cs := &ChainStore{
		db:      db,
		logger:  slog.Default().With(slog.String("component", "chainstore")),
		metrics: observability.Chain(),
	}
	stored, err := db.Get(networkKey)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := cs.initGenesis(network); err != nil {
			return nil, err
		}
		return cs, nil
	case err != nil:
		return nil, fmt.Errorf("read network: %w", err)
	}
	if !bytes.Equal(stored, []byte(network)) {
		return nil, fmt.Errorf("%w: have %q, want %q", ErrNetworkMismatch, stored, network)
	}
	raw, err := db.Get(headKey)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if len(raw) != 4 {
		return nil, fmt.Errorf("storage: corrupt chain head of %d bytes", len(raw))
	}
	cs.height = binary.BigEndian.Uint32(raw)
	tip, err := cs.load(cs.height)
	if err != nil {
		return nil, fmt.Errorf("load tip at %d: %w", cs.height, err)
	}
	cs.tip = tip
	cs.metrics.SetHeight(cs.height)
	return cs, nil
}

func (cs *ChainStore) initGenesis(network string) error {
	genesis := types.Genesis(network)
	raw, err := types.EncodeBlock(genesis)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(networkKey, []byte(network))
	batch.Put(blockKey(0), raw)
	batch.Put(headKey, encodeHeight(0))
	if err := cs.db.Write(batch); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	cs.tip = genesis
	cs.metrics.SetHeight(0)
	cs.logger.Info("Initialised chain", slog.String("network", network), slog.String("genesis", genesis.Hash().Short()))
	return nil
}

// CurrentHeight returns the height of the tip.
func (cs *ChainStore) CurrentHeight() uint32 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.height
}

// Tip returns the highest stored block.
func (cs *ChainStore) Tip() *types.Block {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.tip
}

// GetBlock returns the block stored at height.
func (cs *ChainStore) GetBlock(height uint32) (*types.Block, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if height > cs.height {
		return nil, false
	}
	if height == cs.height {
		return cs.tip, true
	}
	blk, err := cs.load(height)
	if err != nil {
		cs.logger.Error("Failed to load block", slog.Uint64("height", uint64(height)), slog.Any("error", err))
		return nil, false
	}
	return blk, true
}

// BlockHash returns the hash of the block at height.
func (cs *ChainStore) BlockHash(height uint32) (types.Hash, bool) {
	blk, ok := cs.GetBlock(height)
	if !ok {
		return types.Hash{}, false
	}
	return blk.Hash(), true
}

// InsertBlock appends blk to the chain.
func (cs *ChainStore) InsertBlock(blk *types.Block) error {
	if err := blk.VerifyPayload(); err != nil {
		return err
	}
	raw, err := types.EncodeBlock(blk)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !blk.Extends(cs.tip) {
		return fmt.Errorf("%w: block %d on tip %d", ErrNotExtending, blk.Height(), cs.height)
	}
	batch := new(leveldb.Batch)
	batch.Put(blockKey(blk.Height()), raw)
	batch.Put(headKey, encodeHeight(blk.Height()))
	if err := cs.db.Write(batch); err != nil {
		return fmt.Errorf("write block %d: %w", blk.Height(), err)
	}
	cs.height = blk.Height()
	cs.tip = blk
	cs.metrics.RecordCommit(cs.height)
	return nil
}

// Rewind drops every block above height, making height the new tip.
func (cs *ChainStore) Rewind(height uint32) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if height >= cs.height {
		return nil
	}
	tip, err := cs.load(height)
	if err != nil {
		return fmt.Errorf("load block %d: %w", height, err)
	}
	batch := new(leveldb.Batch)
	for h := cs.height; h > height; h-- {
		batch.Delete(blockKey(h))
	}
	batch.Put(headKey, encodeHeight(height))
	if err := cs.db.Write(batch); err != nil {
		return fmt.Errorf("rewind to %d: %w", height, err)
	}
	cs.logger.Info("Chain rewound",
		slog.Uint64("from", uint64(cs.height)),
		slog.Uint64("to", uint64(height)))
	cs.height = height
	cs.tip = tip
	cs.metrics.RecordRewind(height)
	return nil
}

func (cs *ChainStore) load(height uint32) (*types.Block, error) {
	raw, err := cs.db.Get(blockKey(height))
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(raw)
}

func blockKey(height uint32) []byte {
	key := make([]byte, len(blockPrefix)+4)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint32(key[len(blockPrefix):], height)
	return key
}

func encodeHeight(height uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, height)
}
