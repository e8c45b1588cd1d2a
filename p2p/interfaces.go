package p2p

import "chainp2p/core/types"

// Consensus decides the validity of blocks and transactions and chooses between
// competing chains. Implementations are called only from the network's worker
// goroutines, never while a connection performs I/O.
type Consensus interface {
	ValidateBlock(block *types.Block) bool
	AcceptTransaction(tx *types.Transaction) error
	ResolveFork(req ForkRequest) ForkResolution
}

// Storage is the persistent chain the Sync Manager commits into.
type Storage interface {
	CurrentHeight() uint32
	GetBlock(height uint32) (*types.Block, bool)
	InsertBlock(block *types.Block) error
}

// Mempool exposes pending transactions for GetMemoryPool answers.
type Mempool interface {
	Transactions(limit int) []*types.Transaction
}

// ForkRequest describes a competing branch found during sync. Ancestor is the
// highest height both chains share; Branch holds the peer's blocks from
// Ancestor+1 upward in ascending order.
type ForkRequest struct {
	Peer        string
	Ancestor    uint32
	LocalHeight uint32
	Branch      []*types.Block
}

// ForkDecision is the outcome of fork resolution.
type ForkDecision uint8

const (
	// ForkKeep retains the local chain.
	ForkKeep ForkDecision = iota
	// ForkSwitch adopts the branch. The consensus collaborator has rewound
	// storage to the ancestor and the Sync Manager commits the branch.
	ForkSwitch
)

func (d ForkDecision) String() string {
	switch d {
	case ForkSwitch:
		return "switch"
	default:
		return "keep"
	}
}

// ForkResolution answers a ForkRequest.
type ForkResolution struct {
	Decision ForkDecision
}

// Sender queues a message for one connected peer.
type Sender interface {
	Send(addr string, msg Message) error
}

// PeerDirectory is the slice of the Peer Book the sync and gossip workers use.
type PeerDirectory interface {
	Connected() []PeerInfo
	Penalize(addr string, amount float64, reason string) PeerInfo
	RecordSuccess(addr string)
	ObserveHeight(addr string, height uint32)
	SetHeight(addr string, height uint32)
}
