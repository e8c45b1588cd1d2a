package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

// NodeIDPrefix is the human-readable part of bech32 node identifiers.
const NodeIDPrefix = "node"

// nodeIDLength is the number of hash bytes rendered in a node identifier.
const nodeIDLength = 20

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65 byte recoverable signature over a 32 byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Compressed returns the 33 byte SEC1 compressed form of the key.
func (k *PublicKey) Compressed() []byte {
	return crypto.CompressPubkey(k.PublicKey)
}

// NodeID renders the bech32 node identifier of the key.
func (k *PublicKey) NodeID() string {
	id, err := NodeIDFromCompressed(k.Compressed())
	if err != nil {
		return ""
	}
	return id
}

// ParseCompressed decodes a 33 byte compressed secp256k1 public key.
func ParseCompressed(b []byte) (*PublicKey, error) {
	pub, err := crypto.DecompressPubkey(b)
	if err != nil {
		return nil, fmt.Errorf("decompress public key: %w", err)
	}
	return &PublicKey{pub}, nil
}

// VerifyDigest checks a 65 byte recoverable signature (or its 64 byte R||S prefix)
// against a compressed public key.
func VerifyDigest(compressed, digest, sig []byte) bool {
	if len(sig) < 64 || len(digest) != 32 {
		return false
	}
	return crypto.VerifySignature(compressed, digest, sig[:64])
}

// NodeIDFromCompressed hashes a compressed public key and encodes the first
// twenty bytes with the node bech32 prefix.
func NodeIDFromCompressed(compressed []byte) (string, error) {
	if len(compressed) != 33 {
		return "", fmt.Errorf("invalid compressed key length %d", len(compressed))
	}
	sum := blake3.Sum256(compressed)
	conv, err := bech32.ConvertBits(sum[:nodeIDLength], 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(NodeIDPrefix, conv)
}

// DecodeNodeID validates a bech32 node identifier and returns its hash bytes.
func DecodeNodeID(id string) ([]byte, error) {
	prefix, decoded, err := bech32.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != NodeIDPrefix {
		return nil, fmt.Errorf("unexpected node id prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != nodeIDLength {
		return nil, fmt.Errorf("invalid node id length %d", len(conv))
	}
	return conv, nil
}
