package p2p

import (
	"bufio"
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Session holds the per-direction AEAD state derived by the handshake. The
// send side is only used by the write loop and the receive side only by the
// read loop, so neither needs a lock.
type Session struct {
	Remote RemoteHello

	send      cipher.AEAD
	recv      cipher.AEAD
	sendCount uint64
	recvCount uint64
}

func newSession(sendKey, recvKey []byte, remote RemoteHello) (*Session, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, fmt.Errorf("init send cipher: %w", err)
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, fmt.Errorf("init receive cipher: %w", err)
	}
	return &Session{Remote: remote, send: send, recv: recv}, nil
}

func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

// seal encrypts body and returns the complete length-prefixed frame. The
// length prefix is bound as additional data.
func (s *Session) seal(body []byte) ([]byte, error) {
	if s.sendCount == math.MaxUint64 {
		return nil, errors.New("p2p: send nonce space exhausted")
	}
	size := len(body) + s.send.Overhead()
	frame := make([]byte, frameHeaderSize, frameHeaderSize+size)
	binary.BigEndian.PutUint32(frame, uint32(size))
	frame = s.send.Seal(frame, counterNonce(s.sendCount), body, frame[:frameHeaderSize])
	s.sendCount++
	return frame, nil
}

func (s *Session) open(ciphertext []byte) ([]byte, error) {
	if s.recvCount == math.MaxUint64 {
		return nil, errors.New("p2p: receive nonce space exhausted")
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(ciphertext)))
	plain, err := s.recv.Open(nil, counterNonce(s.recvCount), ciphertext, header[:])
	if err != nil {
		return nil, protocolErrorf(Malformed, "frame authentication failed")
	}
	s.recvCount++
	return plain, nil
}

// secureConn moves encrypted application frames over an authenticated connection.
type secureConn struct {
	conn   net.Conn
	reader *bufio.Reader
	sess   *Session
	codec  Codec
	wire   Codec
}

func newSecureConn(conn net.Conn, reader *bufio.Reader, sess *Session, codec Codec) *secureConn {
	overhead := uint32(chacha20poly1305.Overhead)
	return &secureConn{
		conn:   conn,
		reader: reader,
		sess:   sess,
		codec:  codec,
		wire:   Codec{MaxFrameSize: codec.maxFrame() + overhead},
	}
}

// ReadMessage blocks until one frame is read, decrypted and decoded.
func (c *secureConn) ReadMessage() (Message, error) {
	ciphertext, err := c.wire.ReadFrame(c.reader)
	if err != nil {
		return nil, err
	}
	body, err := c.sess.open(ciphertext)
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) > uint64(c.codec.maxFrame()) {
		return nil, protocolErrorf(OversizedFrame, "plaintext of %d bytes", len(body))
	}
	return DecodeBody(body)
}

// WriteMessage encodes, encrypts and writes msg.
func (c *secureConn) WriteMessage(msg Message) error {
	body, err := EncodeBody(msg)
	if err != nil {
		return err
	}
	if uint64(len(body)) > uint64(c.codec.maxFrame()) {
		return protocolErrorf(OversizedFrame, "%s frame of %d bytes exceeds %d", msg.Tag(), len(body), c.codec.maxFrame())
	}
	frame, err := c.sess.seal(body)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// runHandshake drives engine over conn until keys are derived. The context
// deadline bounds the whole exchange; cancelling the context unblocks pending I/O.
func runHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader, engine *HandshakeEngine, codec Codec) (*Session, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	err := exchange(conn, reader, engine, codec)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, ctxErr)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
		}
		return nil, err
	}
	return engine.Session()
}

func exchange(conn net.Conn, reader *bufio.Reader, engine *HandshakeEngine, codec Codec) error {
	if engine.initiator {
		hello, err := engine.Start()
		if err != nil {
			return err
		}
		if err := writeHandshake(conn, codec, tagHandshakeHello, hello); err != nil {
			return err
		}
		reply, err := readHandshake(reader, codec, tagHandshakeReply)
		if err != nil {
			return err
		}
		finish, err := engine.HandleReply(reply)
		if err != nil {
			return err
		}
		return writeHandshake(conn, codec, tagHandshakeFinish, finish)
	}

	hello, err := readHandshake(reader, codec, tagHandshakeHello)
	if err != nil {
		return err
	}
	reply, err := engine.HandleHello(hello)
	if err != nil {
		return err
	}
	if err := writeHandshake(conn, codec, tagHandshakeReply, reply); err != nil {
		return err
	}
	finish, err := readHandshake(reader, codec, tagHandshakeFinish)
	if err != nil {
		return err
	}
	return engine.HandleFinish(finish)
}

func writeHandshake(conn net.Conn, codec Codec, tag Tag, payload []byte) error {
	body := make([]byte, 1+len(payload))
	body[0] = byte(tag)
	copy(body[1:], payload)
	if err := codec.WriteFrame(conn, body); err != nil {
		return fmt.Errorf("write %s: %w", tag, err)
	}
	return nil
}

func readHandshake(reader *bufio.Reader, codec Codec, want Tag) ([]byte, error) {
	body, err := codec.ReadFrame(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", want, err)
	}
	if Tag(body[0]) != want {
		return nil, protocolErrorf(OutOfSequence, "expected %s, got %s", want, Tag(body[0]))
	}
	return body[1:], nil
}
