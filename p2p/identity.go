package p2p

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chainp2p/crypto"
)

// Identity is the long-term static key a node authenticates its handshakes with.
type Identity struct {
	Key       *crypto.PrivateKey
	PublicKey []byte // compressed secp256k1
	NodeID    string // bech32 rendering of the public key hash
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// NewIdentity derives the public identity material from key.
func NewIdentity(key *crypto.PrivateKey) (*Identity, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("identity key must be provided")
	}
	pub := key.PubKey()
	compressed := pub.Compressed()
	nodeID, err := crypto.NodeIDFromCompressed(compressed)
	if err != nil {
		return nil, fmt.Errorf("derive node id: %w", err)
	}
	return &Identity{Key: key, PublicKey: compressed, NodeID: nodeID}, nil
}

// GenerateIdentity creates an ephemeral identity, mostly useful for tests.
func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return NewIdentity(key)
}

// LoadOrCreateIdentity reads a secp256k1 private key from disk, generating one if absent.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	payload, err := json.MarshalIndent(&identityDisk{PrivateKey: hex.EncodeToString(key.Bytes())}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return NewIdentity(key)
}

func decodeIdentity(data []byte) (*Identity, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("identity file empty")
	}
	raw := string(data)
	// Raw hex keys are accepted next to the JSON envelope.
	if data[0] == '{' {
		var stored identityDisk
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("decode identity JSON: %w", err)
		}
		raw = stored.PrivateKey
	}
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return NewIdentity(key)
}
