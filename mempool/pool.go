package mempool

import (
	"errors"
	"fmt"
	"sync"

	"chainp2p/core/types"
	"chainp2p/observability"
	"chainp2p/p2p"
)

const defaultCapacity = 4096

// ErrPoolFull is returned when the pool holds Capacity transactions.
var ErrPoolFull = errors.New("mempool: pool is full")

// Pool holds pending transactions in arrival order.
type Pool struct {
	mu       sync.Mutex
	capacity int
	txs      map[types.Hash]*types.Transaction
	order    []types.Hash
	metrics  *observability.MempoolMetrics
}

// New returns an empty pool bounded to capacity transactions.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Pool{
		capacity: capacity,
		txs:      make(map[types.Hash]*types.Transaction),
		metrics:  observability.Mempool(),
	}
}

// Add queues tx. Transactions already pending are reported with an error
// wrapping p2p.ErrDuplicate.
func (p *Pool) Add(tx *types.Transaction) error {
	if tx == nil {
		return errors.New("mempool: nil transaction")
	}
	hash := tx.Hash()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txs[hash]; ok {
		p.metrics.RecordRejection("duplicate")
		return fmt.Errorf("%w: transaction %s", p2p.ErrDuplicate, hash.Short())
	}
	if len(p.txs) >= p.capacity {
		p.metrics.RecordRejection("full")
		return ErrPoolFull
	}
	p.txs[hash] = tx
	p.order = append(p.order, hash)
	p.metrics.SetSize(len(p.txs))
	return nil
}

// Has reports whether hash is pending.
func (p *Pool) Has(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.txs[hash]
	return ok
}

// Transactions returns up to limit pending transactions, oldest first.
func (p *Pool) Transactions(limit int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || limit > len(p.order) {
		limit = len(p.order)
	}
	out := make([]*types.Transaction, 0, limit)
	for _, hash := range p.order[:limit] {
		out = append(out, p.txs[hash])
	}
	return out
}

// Remove drops the given transactions, typically once they are included in a block.
func (p *Pool) Remove(hashes ...types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := false
	for _, hash := range hashes {
		if _, ok := p.txs[hash]; ok {
			delete(p.txs, hash)
			removed = true
		}
	}
	if !removed {
		return
	}
	kept := p.order[:0]
	for _, hash := range p.order {
		if _, ok := p.txs[hash]; ok {
			kept = append(kept, hash)
		}
	}
	p.order = kept
	p.metrics.SetSize(len(p.txs))
}

// Len returns the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}
