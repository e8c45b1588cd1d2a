package crypto

import (
	"bytes"
	"testing"

	"lukechampine.com/blake3"
)

func TestSignAndVerifyDigest(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := blake3.Sum256([]byte("handshake transcript"))
	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65 byte signature, got %d", len(sig))
	}
	pub := key.PubKey().Compressed()
	if !VerifyDigest(pub, digest[:], sig) {
		t.Fatalf("signature did not verify")
	}
	if !VerifyDigest(pub, digest[:], sig[:64]) {
		t.Fatalf("R||S prefix did not verify")
	}
	other := blake3.Sum256([]byte("other"))
	if VerifyDigest(pub, other[:], sig) {
		t.Fatalf("signature verified over a different digest")
	}
	if VerifyDigest(pub, digest[:], sig[:10]) {
		t.Fatalf("short signature accepted")
	}
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if !bytes.Equal(key.PubKey().Compressed(), restored.PubKey().Compressed()) {
		t.Fatalf("restored key has a different public key")
	}
	parsed, err := ParseCompressed(key.PubKey().Compressed())
	if err != nil {
		t.Fatalf("parse compressed: %v", err)
	}
	if parsed.NodeID() != key.PubKey().NodeID() {
		t.Fatalf("node id changed after parsing")
	}
	if _, err := ParseCompressed([]byte{0x02, 0x01}); err == nil {
		t.Fatalf("expected truncated key to be rejected")
	}
}

func TestNodeIDRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	compressed := key.PubKey().Compressed()
	id, err := NodeIDFromCompressed(compressed)
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	if id[:len(NodeIDPrefix)+1] != NodeIDPrefix+"1" {
		t.Fatalf("unexpected node id prefix in %q", id)
	}
	decoded, err := DecodeNodeID(id)
	if err != nil {
		t.Fatalf("decode node id: %v", err)
	}
	sum := blake3.Sum256(compressed)
	if !bytes.Equal(decoded, sum[:nodeIDLength]) {
		t.Fatalf("decoded node id does not match key hash")
	}
	if _, err := NodeIDFromCompressed(compressed[:32]); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
	if _, err := DecodeNodeID("not-bech32"); err == nil {
		t.Fatalf("expected malformed id to be rejected")
	}
}
