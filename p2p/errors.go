package p2p

import (
	"errors"
	"fmt"
)

// ProtocolErrorKind classifies fatal wire-level violations.
type ProtocolErrorKind uint8

const (
	// Malformed covers truncated frames, bad payload encodings and invalid field values.
	Malformed ProtocolErrorKind = iota + 1
	// OversizedFrame is reported when a length prefix exceeds the configured maximum.
	OversizedFrame
	// UnknownTag is reported for frames whose type byte is not an application message.
	UnknownTag
	// VersionMismatch is reported when protocol versions fall outside the compatibility window.
	VersionMismatch
	// OutOfSequence is reported for messages that are valid but not expected in the current state.
	OutOfSequence
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case OversizedFrame:
		return "oversized_frame"
	case UnknownTag:
		return "unknown_tag"
	case VersionMismatch:
		return "version_mismatch"
	case OutOfSequence:
		return "out_of_sequence"
	default:
		return "unknown"
	}
}

// ProtocolError is always fatal to the connection that produced it.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return "p2p: protocol error: " + e.Kind.String()
	}
	return fmt.Sprintf("p2p: protocol error: %s: %s", e.Kind, e.Detail)
}

// Is matches protocol errors by kind so callers can compare against the
// exported sentinels with errors.Is.
func (e *ProtocolError) Is(target error) bool {
	var other *ProtocolError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func protocolErrorf(kind ProtocolErrorKind, format string, args ...any) error {
	return &ProtocolError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is comparisons against protocol error kinds.
var (
	ErrMalformed       = &ProtocolError{Kind: Malformed}
	ErrOversizedFrame  = &ProtocolError{Kind: OversizedFrame}
	ErrUnknownTag      = &ProtocolError{Kind: UnknownTag}
	ErrVersionMismatch = &ProtocolError{Kind: VersionMismatch}
	ErrOutOfSequence   = &ProtocolError{Kind: OutOfSequence}
)

var (
	ErrHandshakeFailure   = errors.New("p2p: handshake failure")
	ErrPeerUnresponsive   = errors.New("p2p: peer unresponsive")
	ErrConsensusRejection = errors.New("p2p: consensus rejection")
	ErrStorageFailure     = errors.New("p2p: storage failure")

	ErrSlowPeer         = errors.New("p2p: outbound queue full")
	ErrRateLimited      = errors.New("p2p: inbound rate limit exceeded")
	ErrPeerBanned       = errors.New("p2p: peer is banned")
	ErrAlreadyConnected = errors.New("p2p: peer already connected")
	ErrPeerLimit        = errors.New("p2p: peer limit reached")
	ErrSelfConnection   = errors.New("p2p: self connection")
	ErrPeerUnknown      = errors.New("p2p: unknown peer")
	ErrConnClosed       = errors.New("p2p: connection closed")
	ErrShutdown         = errors.New("p2p: network shutting down")
	ErrInboxFull        = errors.New("p2p: gossip inbox full")

	// ErrDuplicate is wrapped by collaborators rejecting an object they already
	// hold. It carries no penalty.
	ErrDuplicate = errors.New("p2p: duplicate object")
)

// IsProtocolError reports whether err carries a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Penalties applied to a peer's reputation on teardown, scaled by cause.
const (
	standardPenalty         = 10.0
	unresponsivePenalty     = 5.0
	slowPeerPenalty         = 5.0
	handshakeFailurePenalty = 3.0
	rejectionPenalty        = 10.0
	outOfRangePenalty       = 5.0
)

// penaltyFor maps a teardown cause to the reputation penalty it carries. Clean
// closes, plain I/O errors and local shutdown cost nothing.
func penaltyFor(cause error) float64 {
	switch {
	case cause == nil:
		return 0
	case errors.Is(cause, ErrShutdown), errors.Is(cause, ErrConnClosed), errors.Is(cause, ErrAlreadyConnected):
		return 0
	case errors.Is(cause, ErrHandshakeFailure):
		return handshakeFailurePenalty
	case IsProtocolError(cause):
		return standardPenalty
	case errors.Is(cause, ErrRateLimited):
		return standardPenalty
	case errors.Is(cause, ErrPeerUnresponsive):
		return unresponsivePenalty
	case errors.Is(cause, ErrSlowPeer):
		return slowPeerPenalty
	default:
		return 0
	}
}
