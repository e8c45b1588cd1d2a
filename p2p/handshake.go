package p2p

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"chainp2p/crypto"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

const (
	handshakeDomain = "chainp2p/handshake/v1"
	sessionKeyInfo  = "chainp2p/session-keys/v1"

	sessionKeySize      = 32
	compressedKeySize   = 33
	handshakeSigSize    = 65
	ephemeralPublicSize = x25519.Size
)

// HandshakeState tracks the progress of one handshake.
type HandshakeState uint8

const (
	HandshakeIdle HandshakeState = iota
	HandshakeSentEphemeral
	HandshakeReceivedPeerEphemeral
	HandshakeKeysDerived
	HandshakeAborted
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "idle"
	case HandshakeSentEphemeral:
		return "sent_ephemeral"
	case HandshakeReceivedPeerEphemeral:
		return "received_peer_ephemeral"
	case HandshakeKeysDerived:
		return "keys_derived"
	case HandshakeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// helloPacket is the initiator's opening message.
type helloPacket struct {
	Ephemeral []byte
	Version   Version
}

// replyPacket carries the responder's ephemeral and static keys. The signature
// covers the hello bytes and every other reply field.
type replyPacket struct {
	Ephemeral []byte
	Static    []byte
	Version   Version
	Verack    Verack
	Signature []byte
}

// finishPacket authenticates the initiator's static key over the full transcript.
type finishPacket struct {
	Static    []byte
	Signature []byte
}

// RemoteHello describes the authenticated remote side of a completed handshake.
type RemoteHello struct {
	Version   Version
	PublicKey []byte
	NodeID    string
}

// HandshakeEngine runs one side of the three message authenticated
// Diffie-Hellman exchange. It operates on packet payloads only; framing and
// deadlines are handled by runHandshake. Once aborted, every call fails.
type HandshakeEngine struct {
	initiator bool
	state     HandshakeState
	local     *Identity
	version   Version
	window    uint32

	ephSecret x25519.Key
	ephPublic x25519.Key
	shared    x25519.Key

	helloRaw []byte
	replyRaw []byte

	remote  RemoteHello
	sendKey []byte
	recvKey []byte
	err     error
}

// NewHandshake prepares an engine with a fresh ephemeral key. version is the
// local Version payload; window is the tolerated protocol version distance.
func NewHandshake(initiator bool, local *Identity, version Version, window uint32) (*HandshakeEngine, error) {
	if local == nil || local.Key == nil {
		return nil, errors.New("p2p: handshake requires a local identity")
	}
	e := &HandshakeEngine{initiator: initiator, local: local, version: version, window: window}
	if _, err := io.ReadFull(rand.Reader, e.ephSecret[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	x25519.KeyGen(&e.ephPublic, &e.ephSecret)
	return e, nil
}

// State returns the current handshake state.
func (e *HandshakeEngine) State() HandshakeState { return e.state }

// Remote returns the authenticated remote description; only meaningful once keys are derived.
func (e *HandshakeEngine) Remote() RemoteHello { return e.remote }

// Start produces the initiator's hello packet.
func (e *HandshakeEngine) Start() ([]byte, error) {
	if err := e.expect(true, HandshakeIdle); err != nil {
		return nil, err
	}
	raw, err := rlp.EncodeToBytes(&helloPacket{Ephemeral: e.ephPublic[:], Version: e.version})
	if err != nil {
		return nil, e.abort(fmt.Errorf("encode hello: %w", err))
	}
	e.helloRaw = raw
	e.state = HandshakeSentEphemeral
	return raw, nil
}

// HandleHello consumes the initiator's hello and returns the signed reply.
func (e *HandshakeEngine) HandleHello(raw []byte) ([]byte, error) {
	if err := e.expect(false, HandshakeIdle); err != nil {
		return nil, err
	}
	var hello helloPacket
	if err := rlp.DecodeBytes(raw, &hello); err != nil {
		return nil, e.abort(protocolErrorf(Malformed, "hello: %v", err))
	}
	if len(hello.Ephemeral) != ephemeralPublicSize {
		return nil, e.abort(protocolErrorf(Malformed, "hello ephemeral key of %d bytes", len(hello.Ephemeral)))
	}
	e.state = HandshakeReceivedPeerEphemeral
	if err := e.checkVersion(hello.Version); err != nil {
		return nil, e.abort(err)
	}
	if hello.Version.Nonce == e.version.Nonce {
		return nil, e.abort(ErrSelfConnection)
	}
	var remoteEph x25519.Key
	copy(remoteEph[:], hello.Ephemeral)
	if !x25519.Shared(&e.shared, &e.ephSecret, &remoteEph) {
		return nil, e.abort(fmt.Errorf("%w: low order ephemeral key", ErrHandshakeFailure))
	}
	e.helloRaw = append([]byte(nil), raw...)
	e.remote.Version = hello.Version

	reply := replyPacket{
		Ephemeral: e.ephPublic[:],
		Static:    e.local.PublicKey,
		Version:   e.version,
		Verack:    Verack{Nonce: hello.Version.Nonce},
	}
	unsigned, err := rlp.EncodeToBytes(&reply)
	if err != nil {
		return nil, e.abort(fmt.Errorf("encode reply: %w", err))
	}
	sig, err := e.local.Key.Sign(transcriptDigest("reply", e.helloRaw, unsigned))
	if err != nil {
		return nil, e.abort(fmt.Errorf("sign reply: %w", err))
	}
	reply.Signature = sig
	out, err := rlp.EncodeToBytes(&reply)
	if err != nil {
		return nil, e.abort(fmt.Errorf("encode reply: %w", err))
	}
	e.replyRaw = out
	e.state = HandshakeSentEphemeral
	return out, nil
}

// HandleReply verifies the responder's reply, derives the session keys and
// returns the initiator's finish packet.
func (e *HandshakeEngine) HandleReply(raw []byte) ([]byte, error) {
	if err := e.expect(true, HandshakeSentEphemeral); err != nil {
		return nil, err
	}
	var reply replyPacket
	if err := rlp.DecodeBytes(raw, &reply); err != nil {
		return nil, e.abort(protocolErrorf(Malformed, "reply: %v", err))
	}
	if len(reply.Ephemeral) != ephemeralPublicSize || len(reply.Static) != compressedKeySize || len(reply.Signature) != handshakeSigSize {
		return nil, e.abort(protocolErrorf(Malformed, "reply key material has invalid length"))
	}
	e.state = HandshakeReceivedPeerEphemeral
	if err := e.checkVersion(reply.Version); err != nil {
		return nil, e.abort(err)
	}
	if reply.Verack.Nonce != e.version.Nonce {
		return nil, e.abort(protocolErrorf(Malformed, "verack nonce %d does not echo %d", reply.Verack.Nonce, e.version.Nonce))
	}
	if bytes.Equal(reply.Static, e.local.PublicKey) {
		return nil, e.abort(ErrSelfConnection)
	}
	sig := reply.Signature
	reply.Signature = nil
	unsigned, err := rlp.EncodeToBytes(&reply)
	if err != nil {
		return nil, e.abort(fmt.Errorf("encode reply: %w", err))
	}
	if !crypto.VerifyDigest(reply.Static, transcriptDigest("reply", e.helloRaw, unsigned), sig) {
		return nil, e.abort(fmt.Errorf("%w: invalid responder signature", ErrHandshakeFailure))
	}
	var remoteEph x25519.Key
	copy(remoteEph[:], reply.Ephemeral)
	if !x25519.Shared(&e.shared, &e.ephSecret, &remoteEph) {
		return nil, e.abort(fmt.Errorf("%w: low order ephemeral key", ErrHandshakeFailure))
	}
	e.replyRaw = append([]byte(nil), raw...)
	if err := e.setRemote(reply.Version, reply.Static); err != nil {
		return nil, e.abort(err)
	}

	finish := finishPacket{Static: e.local.PublicKey}
	unsignedFinish, err := rlp.EncodeToBytes(&finish)
	if err != nil {
		return nil, e.abort(fmt.Errorf("encode finish: %w", err))
	}
	finish.Signature, err = e.local.Key.Sign(transcriptDigest("finish", e.helloRaw, e.replyRaw, unsignedFinish))
	if err != nil {
		return nil, e.abort(fmt.Errorf("sign finish: %w", err))
	}
	out, err := rlp.EncodeToBytes(&finish)
	if err != nil {
		return nil, e.abort(fmt.Errorf("encode finish: %w", err))
	}
	if err := e.deriveKeys(); err != nil {
		return nil, e.abort(err)
	}
	return out, nil
}

// HandleFinish authenticates the initiator and derives the responder's session keys.
func (e *HandshakeEngine) HandleFinish(raw []byte) error {
	if err := e.expect(false, HandshakeSentEphemeral); err != nil {
		return err
	}
	var finish finishPacket
	if err := rlp.DecodeBytes(raw, &finish); err != nil {
		return e.abort(protocolErrorf(Malformed, "finish: %v", err))
	}
	if len(finish.Static) != compressedKeySize || len(finish.Signature) != handshakeSigSize {
		return e.abort(protocolErrorf(Malformed, "finish key material has invalid length"))
	}
	if bytes.Equal(finish.Static, e.local.PublicKey) {
		return e.abort(ErrSelfConnection)
	}
	sig := finish.Signature
	finish.Signature = nil
	unsigned, err := rlp.EncodeToBytes(&finish)
	if err != nil {
		return e.abort(fmt.Errorf("encode finish: %w", err))
	}
	if !crypto.VerifyDigest(finish.Static, transcriptDigest("finish", e.helloRaw, e.replyRaw, unsigned), sig) {
		return e.abort(fmt.Errorf("%w: invalid initiator signature", ErrHandshakeFailure))
	}
	if err := e.setRemote(e.remote.Version, finish.Static); err != nil {
		return e.abort(err)
	}
	return e.deriveKeys()
}

// Session returns the transport keys. It fails unless keys were derived.
func (e *HandshakeEngine) Session() (*Session, error) {
	if e.state != HandshakeKeysDerived {
		return nil, fmt.Errorf("%w: handshake in state %s", ErrHandshakeFailure, e.state)
	}
	return newSession(e.sendKey, e.recvKey, e.remote)
}

func (e *HandshakeEngine) expect(initiator bool, state HandshakeState) error {
	if e.state == HandshakeAborted {
		return fmt.Errorf("%w: handshake already aborted: %v", ErrHandshakeFailure, e.err)
	}
	if e.initiator != initiator || e.state != state {
		return e.abort(protocolErrorf(OutOfSequence, "handshake packet in state %s", e.state))
	}
	return nil
}

func (e *HandshakeEngine) checkVersion(remote Version) error {
	if !versionCompatible(e.version.ProtocolVersion, remote.ProtocolVersion, e.window) {
		return protocolErrorf(VersionMismatch, "local %d remote %d window %d",
			e.version.ProtocolVersion, remote.ProtocolVersion, e.window)
	}
	return nil
}

func (e *HandshakeEngine) setRemote(version Version, static []byte) error {
	nodeID, err := crypto.NodeIDFromCompressed(static)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	e.remote = RemoteHello{Version: version, PublicKey: append([]byte(nil), static...), NodeID: nodeID}
	return nil
}

func (e *HandshakeEngine) deriveKeys() error {
	salt := transcriptDigest("keys", e.helloRaw, e.replyRaw)
	kdf := hkdf.New(sha256.New, e.shared[:], salt, []byte(sessionKeyInfo))
	material := make([]byte, 2*sessionKeySize)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return fmt.Errorf("%w: derive keys: %v", ErrHandshakeFailure, err)
	}
	initiatorToResponder, responderToInitiator := material[:sessionKeySize], material[sessionKeySize:]
	if e.initiator {
		e.sendKey, e.recvKey = initiatorToResponder, responderToInitiator
	} else {
		e.sendKey, e.recvKey = responderToInitiator, initiatorToResponder
	}
	e.wipeEphemeral()
	e.state = HandshakeKeysDerived
	return nil
}

func (e *HandshakeEngine) abort(err error) error {
	e.state = HandshakeAborted
	e.err = err
	e.wipeEphemeral()
	return err
}

func (e *HandshakeEngine) wipeEphemeral() {
	e.ephSecret = x25519.Key{}
	e.shared = x25519.Key{}
}

func versionCompatible(local, remote, window uint32) bool {
	if local > remote {
		return local-remote <= window
	}
	return remote-local <= window
}

// transcriptDigest hashes the domain, a label and length-prefixed parts.
func transcriptDigest(label string, parts ...[]byte) []byte {
	h := blake3.New(32, nil)
	h.Write([]byte(handshakeDomain))
	h.Write([]byte(label))
	var n [4]byte
	for _, part := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	return h.Sum(nil)
}
