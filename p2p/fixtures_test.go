package p2p

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"chainp2p/core/types"

	"github.com/stretchr/testify/require"
)

// extendChain builds n blocks on top of parent. Distinct tags yield distinct
// branches from the same parent.
func extendChain(parent *types.Block, n int, tag string) []*types.Block {
	out := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		blk := types.NewBlock(parent, uint64(parent.Height()+1), []byte(fmt.Sprintf("%s-%d", tag, parent.Height()+1)))
		out = append(out, blk)
		parent = blk
	}
	return out
}

func encodeBlocks(t *testing.T, blocks ...*types.Block) [][]byte {
	t.Helper()
	raws := make([][]byte, 0, len(blocks))
	for _, blk := range blocks {
		raw, err := types.EncodeBlock(blk)
		require.NoError(t, err)
		raws = append(raws, raw)
	}
	return raws
}

// memChain is an in-memory Storage, Consensus and Mempool with a longest
// chain fork rule.
type memChain struct {
	mu       sync.Mutex
	blocks   []*types.Block
	reject   map[uint32]bool
	keep     bool
	forks    []ForkRequest
	rejectTx bool
	txs      map[types.Hash]*types.Transaction
	txOrder  []types.Hash
}

func newMemChain(blocks ...*types.Block) *memChain {
	chain := &memChain{
		blocks: []*types.Block{types.Genesis("test")},
		reject: make(map[uint32]bool),
		txs:    make(map[types.Hash]*types.Transaction),
	}
	for _, blk := range blocks {
		if err := chain.InsertBlock(blk); err != nil {
			panic(err)
		}
	}
	return chain
}

func (c *memChain) genesis() *types.Block { return c.blocks[0] }

func (c *memChain) CurrentHeight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(len(c.blocks) - 1)
}

func (c *memChain) GetBlock(height uint32) (*types.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(height) >= len(c.blocks) {
		return nil, false
	}
	return c.blocks[height], true
}

func (c *memChain) InsertBlock(blk *types.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !blk.Extends(c.blocks[len(c.blocks)-1]) {
		return errors.New("block does not extend tip")
	}
	c.blocks = append(c.blocks, blk)
	return nil
}

func (c *memChain) ValidateBlock(blk *types.Block) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return blk.VerifyPayload() == nil && !c.reject[blk.Height()]
}

func (c *memChain) AcceptTransaction(tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectTx {
		return errors.New("invalid transaction")
	}
	hash := tx.Hash()
	if _, ok := c.txs[hash]; ok {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, hash.Short())
	}
	c.txs[hash] = tx
	c.txOrder = append(c.txOrder, hash)
	return nil
}

func (c *memChain) Transactions(limit int) []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Transaction
	for _, hash := range c.txOrder {
		if len(out) >= limit {
			break
		}
		out = append(out, c.txs[hash])
	}
	return out
}

func (c *memChain) ResolveFork(req ForkRequest) ForkResolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forks = append(c.forks, req)
	tip := req.Branch[len(req.Branch)-1].Height()
	if c.keep || tip <= req.LocalHeight {
		return ForkResolution{Decision: ForkKeep}
	}
	c.blocks = c.blocks[:req.Ancestor+1]
	return ForkResolution{Decision: ForkSwitch}
}

func (c *memChain) forkRequests() []ForkRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ForkRequest(nil), c.forks...)
}

type sentMessage struct {
	peer string
	msg  Message
}

// recordingSender captures every message handed to it.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]bool
}

func (r *recordingSender) Send(addr string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[addr] {
		return ErrPeerUnknown
	}
	r.sent = append(r.sent, sentMessage{peer: addr, msg: msg})
	return nil
}

// take returns and clears the recorded messages.
func (r *recordingSender) take() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func connectPeers(t *testing.T, book *PeerBook, heights map[string]uint32) {
	t.Helper()
	for addr, height := range heights {
		_, err := book.MarkConnected(addr, ConnectedPeer{Session: "session-" + addr, Height: height})
		require.NoError(t, err)
	}
}
