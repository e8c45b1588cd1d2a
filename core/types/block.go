package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

// HashLength is the size of every object hash used by the node.
const HashLength = 32

// Hash identifies a block, a transaction or an arbitrary serialized object.
type Hash [HashLength]byte

// HashBytes returns the BLAKE3 digest of the supplied bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashLength)
	copy(out, h[:])
	return out
}

// String renders the hash as lowercase hex without prefix.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Short renders the first four bytes of the hash for log lines.
func (h Hash) Short() string {
	return fmt.Sprintf("%x", h[:4])
}

var (
	// ErrEmptyBlock is returned when decoding a block without a header.
	ErrEmptyBlock = errors.New("types: block header missing")
	// ErrPayloadRoot is returned when a block payload does not match its header commitment.
	ErrPayloadRoot = errors.New("types: payload root mismatch")
)

// BlockHeader carries the linkage metadata of a block.
type BlockHeader struct {
	Height      uint32
	Timestamp   uint64
	PrevHash    []byte // Hash of the parent block header
	PayloadRoot []byte // BLAKE3 commitment to the opaque block payload
}

// Block pairs a header with its opaque payload.
type Block struct {
	Header  *BlockHeader
	Payload []byte
}

// NewBlock assembles a block extending parent with the supplied payload.
func NewBlock(parent *Block, timestamp uint64, payload []byte) *Block {
	header := &BlockHeader{Timestamp: timestamp}
	if parent != nil && parent.Header != nil {
		header.Height = parent.Header.Height + 1
		header.PrevHash = parent.Hash().Bytes()
	}
	root := HashBytes(payload)
	header.PayloadRoot = root.Bytes()
	return &Block{Header: header, Payload: payload}
}

// Genesis returns the deterministic height-zero block shared by every node of a network.
func Genesis(network string) *Block {
	return NewBlock(nil, 0, []byte(network))
}

// Height returns the header height or zero for malformed blocks.
func (b *Block) Height() uint32 {
	if b == nil || b.Header == nil {
		return 0
	}
	return b.Header.Height
}

// Hash returns the BLAKE3 hash of the RLP encoded header.
func (b *Block) Hash() Hash {
	if b == nil || b.Header == nil {
		return Hash{}
	}
	return b.Header.Hash()
}

// Hash returns the BLAKE3 hash of the RLP encoded header.
func (h *BlockHeader) Hash() Hash {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		return Hash{}
	}
	return HashBytes(enc)
}

// Extends reports whether b directly follows parent.
func (b *Block) Extends(parent *Block) bool {
	if b == nil || b.Header == nil || parent == nil || parent.Header == nil {
		return false
	}
	if b.Header.Height != parent.Header.Height+1 {
		return false
	}
	parentHash := parent.Hash()
	return bytes.Equal(b.Header.PrevHash, parentHash[:])
}

// VerifyPayload checks that the payload matches the header commitment.
func (b *Block) VerifyPayload() error {
	if b == nil || b.Header == nil {
		return ErrEmptyBlock
	}
	root := HashBytes(b.Payload)
	if !bytes.Equal(root[:], b.Header.PayloadRoot) {
		return ErrPayloadRoot
	}
	return nil
}

// EncodeBlock serializes a block for the wire and for storage.
func EncodeBlock(b *Block) ([]byte, error) {
	if b == nil || b.Header == nil {
		return nil, ErrEmptyBlock
	}
	return rlp.EncodeToBytes(b)
}

// DecodeBlock parses a block produced by EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	if b.Header == nil {
		return nil, ErrEmptyBlock
	}
	return &b, nil
}
