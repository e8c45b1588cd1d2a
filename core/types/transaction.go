package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// ErrUnsigned is returned when a transaction without signature is asked for its sender.
var ErrUnsigned = errors.New("types: transaction not signed")

// Transaction is an opaque payload with a sender nonce. Signing is optional; the
// network layer only relies on the serialized form and its hash.
type Transaction struct {
	Nonce     uint64
	Data      []byte
	Signature []byte

	from []byte
}

type unsignedTx struct {
	Nonce uint64
	Data  []byte
}

// SigningHash returns the digest covered by the sender signature.
func (tx *Transaction) SigningHash() Hash {
	enc, err := rlp.EncodeToBytes(&unsignedTx{Nonce: tx.Nonce, Data: tx.Data})
	if err != nil {
		return Hash{}
	}
	return HashBytes(enc)
}

// Hash identifies the transaction by the digest of its serialized form.
func (tx *Transaction) Hash() Hash {
	enc, err := EncodeTransaction(tx)
	if err != nil {
		return Hash{}
	}
	return HashBytes(enc)
}

// Sign attaches a secp256k1 signature over the signing hash.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	digest := tx.SigningHash()
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return err
	}
	tx.Signature = sig
	tx.from = nil
	return nil
}

// From recovers the sender address bytes from the signature.
func (tx *Transaction) From() ([]byte, error) {
	if tx.from != nil {
		return tx.from, nil
	}
	if len(tx.Signature) == 0 {
		return nil, ErrUnsigned
	}
	digest := tx.SigningHash()
	pub, err := crypto.SigToPub(digest[:], tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	tx.from = crypto.PubkeyToAddress(*pub).Bytes()
	return tx.from, nil
}

// EncodeTransaction serializes a transaction for the wire.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	if tx == nil {
		return nil, errors.New("types: nil transaction")
	}
	return rlp.EncodeToBytes(tx)
}

// DecodeTransaction parses a transaction produced by EncodeTransaction.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := rlp.DecodeBytes(data, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}
