package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/ethereum/go-ethereum/rlp"
)

const (
	// DefaultMaxFrameSize bounds tag plus payload of a single frame.
	DefaultMaxFrameSize uint32 = 8 << 20

	frameHeaderSize = 4
)

// Codec frames messages as a 4-byte big-endian length of (tag + payload),
// followed by the tag byte and an RLP payload.
type Codec struct {
	MaxFrameSize uint32
}

var defaultCodec = Codec{MaxFrameSize: DefaultMaxFrameSize}

// Encode frames msg with the default maximum frame size.
func Encode(msg Message) ([]byte, error) { return defaultCodec.Encode(msg) }

// Decode parses a complete frame with the default maximum frame size.
func Decode(frame []byte) (Message, error) { return defaultCodec.Decode(frame) }

func (c Codec) maxFrame() uint32 {
	if c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode returns the full frame for msg.
func (c Codec) Encode(msg Message) ([]byte, error) {
	body, err := EncodeBody(msg)
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) > uint64(c.maxFrame()) {
		return nil, protocolErrorf(OversizedFrame, "%s frame of %d bytes exceeds %d", msg.Tag(), len(body), c.maxFrame())
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// Decode parses exactly one frame. Every input yields either a message or a
// *ProtocolError.
func (c Codec) Decode(frame []byte) (Message, error) {
	if len(frame) < frameHeaderSize {
		return nil, protocolErrorf(Malformed, "frame shorter than length prefix")
	}
	declared := binary.BigEndian.Uint32(frame)
	if declared > c.maxFrame() {
		return nil, protocolErrorf(OversizedFrame, "declared length %d exceeds %d", declared, c.maxFrame())
	}
	if uint64(len(frame)-frameHeaderSize) != uint64(declared) {
		return nil, protocolErrorf(Malformed, "declared length %d but %d bytes follow", declared, len(frame)-frameHeaderSize)
	}
	return DecodeBody(frame[frameHeaderSize:])
}

// ReadFrame reads one length-prefixed frame body from r. Oversized frames are
// rejected from the prefix alone, before any payload byte is consumed.
func (c Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > c.maxFrame() {
		return nil, protocolErrorf(OversizedFrame, "declared length %d exceeds %d", size, c.maxFrame())
	}
	if size == 0 {
		return nil, protocolErrorf(Malformed, "empty frame")
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body behind its length prefix in a single write.
func (c Codec) WriteFrame(w io.Writer, body []byte) error {
	if uint64(len(body)) > uint64(c.maxFrame()) {
		return protocolErrorf(OversizedFrame, "frame of %d bytes exceeds %d", len(body), c.maxFrame())
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	_, err := w.Write(frame)
	return err
}

type wireAddress struct {
	IP   []byte
	Port uint16
}

type wirePeers struct {
	Addresses []wireAddress
}

// EncodeBody returns tag || payload for msg.
func EncodeBody(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("p2p: nil message")
	}
	var (
		payload []byte
		err     error
	)
	switch m := msg.(type) {
	case *Version:
		payload, err = rlp.EncodeToBytes(m)
	case *Verack:
		payload, err = rlp.EncodeToBytes(m)
	case *GetPeers, *GetMemoryPool:
	case *Peers:
		wire := wirePeers{Addresses: make([]wireAddress, 0, len(m.Addresses))}
		for _, addr := range m.Addresses {
			if len(addr.IP) != net.IPv4len && len(addr.IP) != net.IPv6len {
				return nil, fmt.Errorf("p2p: invalid peer address %v", addr.IP)
			}
			wire.Addresses = append(wire.Addresses, wireAddress{IP: addr.IP, Port: addr.Port})
		}
		payload, err = rlp.EncodeToBytes(&wire)
	case *Ping:
		payload, err = rlp.EncodeToBytes(m)
	case *Pong:
		payload, err = rlp.EncodeToBytes(m)
	case *GetBlocks:
		if m.Start > m.End {
			return nil, fmt.Errorf("p2p: inverted block range [%d, %d]", m.Start, m.End)
		}
		payload, err = rlp.EncodeToBytes(m)
	case *Blocks:
		if i := firstEmpty(m.Blocks); i >= 0 {
			return nil, fmt.Errorf("p2p: empty block at index %d", i)
		}
		payload, err = rlp.EncodeToBytes(m)
	case *MemoryPool:
		if i := firstEmpty(m.Transactions); i >= 0 {
			return nil, fmt.Errorf("p2p: empty transaction at index %d", i)
		}
		payload, err = rlp.EncodeToBytes(m)
	case *Transaction:
		if len(m.Raw) == 0 {
			return nil, errors.New("p2p: empty transaction")
		}
		payload = m.Raw
	case *Block:
		if len(m.Raw) == 0 {
			return nil, errors.New("p2p: empty block")
		}
		payload = m.Raw
	default:
		return nil, fmt.Errorf("p2p: unsupported message %T", msg)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}
	body := make([]byte, 1+len(payload))
	body[0] = byte(msg.Tag())
	copy(body[1:], payload)
	return body, nil
}

// DecodeBody parses tag || payload.
func DecodeBody(body []byte) (Message, error) {
	if len(body) == 0 {
		return nil, protocolErrorf(Malformed, "missing tag")
	}
	tag, payload := Tag(body[0]), body[1:]
	switch tag {
	case TagVersion:
		return decodeInto(tag, payload, new(Version))
	case TagVerack:
		return decodeInto(tag, payload, new(Verack))
	case TagGetPeers:
		if len(payload) != 0 {
			return nil, protocolErrorf(Malformed, "get_peers carries %d payload bytes", len(payload))
		}
		return &GetPeers{}, nil
	case TagPeers:
		var wire wirePeers
		if err := decodePayload(tag, payload, &wire); err != nil {
			return nil, err
		}
		m := &Peers{}
		for _, addr := range wire.Addresses {
			if len(addr.IP) != net.IPv4len && len(addr.IP) != net.IPv6len {
				return nil, protocolErrorf(Malformed, "peer address with %d byte ip", len(addr.IP))
			}
			m.Addresses = append(m.Addresses, NetAddress{IP: net.IP(addr.IP), Port: addr.Port})
		}
		return m, nil
	case TagPing:
		return decodeInto(tag, payload, new(Ping))
	case TagPong:
		return decodeInto(tag, payload, new(Pong))
	case TagGetBlocks:
		m := new(GetBlocks)
		if err := decodePayload(tag, payload, m); err != nil {
			return nil, err
		}
		if m.Start > m.End {
			return nil, protocolErrorf(Malformed, "inverted block range [%d, %d]", m.Start, m.End)
		}
		return m, nil
	case TagBlocks:
		m := new(Blocks)
		if err := decodePayload(tag, payload, m); err != nil {
			return nil, err
		}
		if len(m.Blocks) == 0 {
			m.Blocks = nil
		}
		if i := firstEmpty(m.Blocks); i >= 0 {
			return nil, protocolErrorf(Malformed, "empty block at index %d", i)
		}
		return m, nil
	case TagGetMemoryPool:
		if len(payload) != 0 {
			return nil, protocolErrorf(Malformed, "get_memory_pool carries %d payload bytes", len(payload))
		}
		return &GetMemoryPool{}, nil
	case TagMemoryPool:
		m := new(MemoryPool)
		if err := decodePayload(tag, payload, m); err != nil {
			return nil, err
		}
		if len(m.Transactions) == 0 {
			m.Transactions = nil
		}
		if i := firstEmpty(m.Transactions); i >= 0 {
			return nil, protocolErrorf(Malformed, "empty transaction at index %d", i)
		}
		return m, nil
	case TagTransaction:
		if len(payload) == 0 {
			return nil, protocolErrorf(Malformed, "empty transaction")
		}
		return &Transaction{Raw: append([]byte(nil), payload...)}, nil
	case TagBlock:
		if len(payload) == 0 {
			return nil, protocolErrorf(Malformed, "empty block")
		}
		return &Block{Raw: append([]byte(nil), payload...)}, nil
	default:
		return nil, protocolErrorf(UnknownTag, "tag %s", tag)
	}
}

func decodeInto[M Message](tag Tag, payload []byte, m M) (Message, error) {
	if err := decodePayload(tag, payload, m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodePayload(tag Tag, payload []byte, into any) error {
	if err := rlp.DecodeBytes(payload, into); err != nil {
		return protocolErrorf(Malformed, "%s payload: %v", tag, err)
	}
	return nil
}

func firstEmpty(items [][]byte) int {
	for i, item := range items {
		if len(item) == 0 {
			return i
		}
	}
	return -1
}
