package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainp2p/observability/logging"
)

const (
	defaultQueueSize    = 256
	defaultReadTimeout  = 90 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// connHandler receives decoded messages and the single teardown notification
// of a connection.
type connHandler interface {
	handleMessage(c *Conn, msg Message) error
	connClosed(c *Conn, cause error)
}

// ConnConfig bounds one connection's queue, idle time and inbound rate.
type ConnConfig struct {
	QueueSize    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RateLimit is the sustained inbound messages per second; zero disables it.
	RateLimit float64
	RateBurst int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Conn is the actor owning one authenticated peer connection. A read loop
// decodes and dispatches inbound frames; a write loop drains the bounded
// outbound queue in FIFO order.
type Conn struct {
	id      string
	addr    string
	remote  RemoteHello
	inbound bool

	sc        *secureConn
	outbound  chan Message
	highWater int
	limiter   *messageLimiter
	cfg       ConnConfig
	handler   connHandler
	logger    *slog.Logger
	metrics   *networkMetrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	cause     error

	pingMu    sync.Mutex
	pingNonce uint64
	pingSent  time.Time
}

func newConn(addr string, inbound bool, sc *secureConn, cfg ConnConfig, handler connHandler, logger *slog.Logger) *Conn {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	if logger == nil {
		logger = slog.Default()
	}
	highWater := cfg.QueueSize * 3 / 4
	if highWater < 1 {
		highWater = 1
	}
	return &Conn{
		id:        id,
		addr:      addr,
		remote:    sc.sess.Remote,
		inbound:   inbound,
		sc:        sc,
		outbound:  make(chan Message, cfg.QueueSize),
		highWater: highWater,
		limiter:   newMessageLimiter(cfg.RateLimit, cfg.RateBurst),
		cfg:       cfg,
		handler:   handler,
		logger: logger.With(
			slog.String("session", id),
			logging.MaskField("peer_address", addr),
		),
		metrics: newNetworkMetrics(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
}

// ID returns the connection's session identifier.
func (c *Conn) ID() string { return c.id }

// Addr returns the Peer Book key of the remote peer.
func (c *Conn) Addr() string { return c.addr }

// Remote returns what the peer proved during the handshake.
func (c *Conn) Remote() RemoteHello { return c.remote }

// Inbound reports whether the remote side dialed us.
func (c *Conn) Inbound() bool { return c.inbound }

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Cause returns the teardown cause once Done is closed.
func (c *Conn) Cause() error {
	select {
	case <-c.closed:
		return c.cause
	default:
		return nil
	}
}

func (c *Conn) start() {
	go c.readLoop()
	go c.writeLoop()
}

// Send queues msg for the peer. Control messages are dropped once the queue
// passes its high-water mark; a data message that does not fit closes the
// connection with ErrSlowPeer.
func (c *Conn) Send(msg Message) error {
	if msg == nil {
		return errors.New("p2p: nil message")
	}
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}
	control := isControl(msg)
	if control && len(c.outbound) >= c.highWater {
		c.dropControl(msg)
		return nil
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
	}
	if control {
		c.dropControl(msg)
		return nil
	}
	err := fmt.Errorf("%w: %s queue full", ErrSlowPeer, msg.Tag())
	c.Close(err)
	return err
}

func (c *Conn) dropControl(msg Message) {
	c.metrics.recordDroppedControl(msg.Tag())
	c.logger.Debug("Dropped control message under backpressure", slog.String("type", msg.Tag().String()))
}

// Close tears the connection down with cause. Only the first call has effect.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.cause = cause
		c.cancel()
		_ = c.sc.conn.Close()
		close(c.closed)
		if c.handler != nil {
			c.handler.connClosed(c, cause)
		}
	})
}

func (c *Conn) readLoop() {
	for {
		if err := c.sc.conn.SetReadDeadline(c.now().Add(c.cfg.ReadTimeout)); err != nil {
			c.Close(fmt.Errorf("%w: set read deadline: %v", ErrConnClosed, err))
			return
		}
		msg, err := c.sc.ReadMessage()
		if err != nil {
			c.Close(c.classifyReadError(err))
			return
		}
		if !c.limiter.allow(c.now()) {
			c.Close(fmt.Errorf("%w: %s", ErrRateLimited, msg.Tag()))
			return
		}
		c.metrics.recordFrame("in", msg.Tag())
		if err := c.handler.handleMessage(c, msg); err != nil {
			c.Close(err)
			return
		}
	}
}

func (c *Conn) classifyReadError(err error) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	if IsProtocolError(err) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: idle for %s", ErrPeerUnresponsive, c.cfg.ReadTimeout)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return fmt.Errorf("%w: read: %v", ErrConnClosed, err)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbound:
			if err := c.sc.conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout)); err != nil {
				c.Close(fmt.Errorf("%w: set write deadline: %v", ErrConnClosed, err))
				return
			}
			if err := c.sc.WriteMessage(msg); err != nil {
				var ne net.Error
				switch {
				case c.ctx.Err() != nil:
					return
				case errors.As(err, &ne) && ne.Timeout():
					c.Close(fmt.Errorf("%w: write stalled for %s", ErrSlowPeer, c.cfg.WriteTimeout))
				default:
					c.Close(fmt.Errorf("%w: write: %v", ErrConnClosed, err))
				}
				return
			}
			c.metrics.recordFrame("out", msg.Tag())
		}
	}
}

// ping sends a Ping once interval has passed since the last one, unless one is
// still outstanding.
func (c *Conn) ping(now time.Time, interval time.Duration) {
	c.pingMu.Lock()
	if c.pingNonce != 0 || (!c.pingSent.IsZero() && now.Sub(c.pingSent) < interval) {
		c.pingMu.Unlock()
		return
	}
	nonce := rand.Uint64() | 1
	c.pingNonce = nonce
	c.pingSent = now
	c.pingMu.Unlock()
	_ = c.Send(&Ping{Nonce: nonce})
}

// pingOverdue reports whether the outstanding ping has waited longer than timeout.
func (c *Conn) pingOverdue(now time.Time, timeout time.Duration) bool {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return c.pingNonce != 0 && now.Sub(c.pingSent) > timeout
}

// handlePong clears the outstanding ping and returns the round-trip time when
// nonce matches it.
func (c *Conn) handlePong(nonce uint64, now time.Time) (time.Duration, bool) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	if c.pingNonce == 0 || nonce != c.pingNonce {
		return 0, false
	}
	rtt := now.Sub(c.pingSent)
	c.pingNonce = 0
	return rtt, true
}
