package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"chainp2p/observability/logging"
)

const (
	defaultListenAddress       = "0.0.0.0:7400"
	defaultMaxPeers            = 50
	defaultMaxInbound          = 40
	defaultMaxOutbound         = 10
	defaultMinOutbound         = 8
	defaultHandshakeTimeout    = 10 * time.Second
	defaultPingInterval        = 30 * time.Second
	defaultPingTimeout         = 20 * time.Second
	defaultMaintenanceInterval = 5 * time.Second
	defaultProtocolVersion     = 1
	defaultMaxPexAddresses     = 64
	defaultAcceptRate          = 5.0
	defaultAcceptBurst         = 10

	selfBanDuration      = 24 * time.Hour
	maxAcceptBackoff     = time.Second
	initialAcceptBackoff = 5 * time.Millisecond
)

// Config controls the network layer.
type Config struct {
	ListenAddress string
	MaxPeers      int
	MaxInbound    int
	MaxOutbound   int
	// MinOutbound is the outbound connection count the maintenance loop dials toward.
	MinOutbound int

	HandshakeTimeout    time.Duration
	PingInterval        time.Duration
	PingTimeout         time.Duration
	MaintenanceInterval time.Duration

	ProtocolVersion     uint32
	CompatibilityWindow uint32
	MaxFrameSize        uint32
	MaxPexAddresses     int

	// AcceptRate bounds inbound connection attempts per remote IP per second.
	AcceptRate  float64
	AcceptBurst int

	Conn   ConnConfig
	Book   PeerBookConfig
	Sync   SyncConfig
	Gossip GossipConfig

	Bootnodes []string
	DNSSeeds  []string
}

func (c Config) withDefaults() Config {
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = defaultMaxInbound
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = defaultMaxOutbound
	}
	if c.MinOutbound <= 0 || c.MinOutbound > c.MaxOutbound {
		c.MinOutbound = min(defaultMinOutbound, c.MaxOutbound)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaultMaintenanceInterval
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = defaultProtocolVersion
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxPexAddresses <= 0 {
		c.MaxPexAddresses = defaultMaxPexAddresses
	}
	if c.AcceptRate == 0 {
		c.AcceptRate = defaultAcceptRate
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = defaultAcceptBurst
	}
	return c
}

// SeedResolver turns DNS seed names into dialable addresses.
type SeedResolver interface {
	Resolve(ctx context.Context, seeds []string) ([]string, error)
}

// Deps carries the collaborators the network calls into.
type Deps struct {
	Storage   Storage
	Consensus Consensus
	Mempool   Mempool
	// Peerstore persists the Peer Book when set.
	Peerstore PeerRecordStore
	Resolver  SeedResolver
}

// Option customises a Network.
type Option func(*Network)

// WithLogger overrides the network logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Network) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithNetworkClock injects the time source shared by the Peer Book and the Sync Manager.
func WithNetworkClock(now func() time.Time) Option {
	return func(n *Network) {
		if now != nil {
			n.now = now
		}
	}
}

// WithDialer replaces the TCP dialer used for outbound connections.
func WithDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(n *Network) {
		if dial != nil {
			n.dial = dial
		}
	}
}

// Network owns the listener, every live connection and the workers that
// route messages between peers and the local chain.
type Network struct {
	cfg    Config
	id     *Identity
	deps   Deps
	codec  Codec
	nonce  uint64
	book   *PeerBook
	sync   *SyncManager
	gossip *GossipRouter
	pex    *pexHandler

	logger  *slog.Logger
	metrics *networkMetrics
	now     func() time.Time
	dial    func(ctx context.Context, addr string) (net.Conn, error)
	accept  *acceptLimiter

	mu              sync.RWMutex
	conns           map[string]*Conn
	inbound         int
	outbound        int
	pendingInbound  int
	pendingOutbound int
	listener        net.Listener
	stopping        bool

	// selfDials holds the local addresses of outbound dials that the accept
	// side recognised as our own hello.
	selfMu    sync.Mutex
	selfDials map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New assembles a network node around identity id.
func New(cfg Config, id *Identity, deps Deps, opts ...Option) (*Network, error) {
	if id == nil || id.Key == nil {
		return nil, errors.New("p2p: identity required")
	}
	if deps.Storage == nil || deps.Consensus == nil {
		return nil, errors.New("p2p: storage and consensus collaborators required")
	}
	cfg = cfg.withDefaults()
	n := &Network{
		cfg:     cfg,
		id:      id,
		deps:    deps,
		codec:   Codec{MaxFrameSize: cfg.MaxFrameSize},
		nonce:   rand.Uint64() | 1,
		logger:  slog.Default(),
		metrics: newNetworkMetrics(),
		now:     time.Now,
		conns:   make(map[string]*Conn),
		accept:  newAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
	}
	n.selfDials = make(map[string]struct{})
	for _, opt := range opts {
		opt(n)
	}
	base := n.logger
	n.logger = base.With(slog.String("component", "p2p"))
	if n.dial == nil {
		n.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: cfg.HandshakeTimeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	book, err := NewPeerBook(cfg.Book,
		WithPeerstore(deps.Peerstore),
		WithClock(n.now),
		WithBookLogger(base.With(slog.String("component", "p2p_peerbook"))))
	if err != nil {
		return nil, err
	}
	n.book = book
	view := &bookView{n: n}
	n.sync = NewSyncManager(cfg.Sync, deps.Storage, deps.Consensus, view, n,
		WithSyncClock(n.now),
		WithSyncLogger(base.With(slog.String("component", "p2p_sync"))))
	n.gossip = NewGossipRouter(cfg.Gossip, deps.Consensus, deps.Mempool, n.sync, view, n,
		WithGossipLogger(base.With(slog.String("component", "p2p_gossip"))))
	n.pex = &pexHandler{book: book, max: cfg.MaxPexAddresses, logger: n.logger}
	return n, nil
}

// PeerBook exposes the peer registry.
func (n *Network) PeerBook() *PeerBook { return n.book }

// Sync exposes the Sync Manager.
func (n *Network) Sync() *SyncManager { return n.sync }

// Gossip exposes the Gossip Router.
func (n *Network) Gossip() *GossipRouter { return n.gossip }

// Identity returns the local node identity.
func (n *Network) Identity() *Identity { return n.id }

// ListenAddr returns the bound listener address once started.
func (n *Network) ListenAddr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Start binds the listener and launches the accept loop and workers. They run
// until ctx is cancelled or Stop is called.
func (n *Network) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.ListenAddress, err)
	}
	n.mu.Lock()
	n.listener = ln
	n.ctx, n.cancel = context.WithCancel(ctx)
	runCtx := n.ctx
	n.mu.Unlock()

	n.logger.Info("P2P network listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		logging.MaskField("node_id", n.id.NodeID),
		slog.Uint64("protocol_version", uint64(n.cfg.ProtocolVersion)),
		slog.Uint64("height", uint64(n.sync.LocalHeight())))

	n.spawn(func() { n.acceptLoop(runCtx, ln) })
	n.spawn(func() { n.sync.Run(runCtx) })
	n.spawn(func() { n.gossip.Run(runCtx) })
	n.spawn(func() { n.runMaintenance(runCtx) })
	return nil
}

func (n *Network) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Stop closes the listener and every connection and waits for the workers.
func (n *Network) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopping = true
		if n.cancel != nil {
			n.cancel()
		}
		if n.listener != nil {
			_ = n.listener.Close()
		}
		conns := make([]*Conn, 0, len(n.conns))
		for _, c := range n.conns {
			conns = append(conns, c)
		}
		n.mu.Unlock()
		for _, c := range conns {
			c.Close(ErrShutdown)
		}
		n.wg.Wait()
		n.logger.Info("P2P network stopped")
	})
}

func (n *Network) acceptLoop(ctx context.Context, ln net.Listener) {
	backoff := initialAcceptBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			n.logger.Warn("Accept failed", slog.Any("error", err), slog.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxAcceptBackoff)
			continue
		}
		backoff = initialAcceptBackoff

		host := remoteHost(conn.RemoteAddr())
		if !n.accept.allow(host, n.now()) {
			n.logger.Info("Inbound connection throttled", logging.MaskField("peer_address", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}
		if !n.reserveInbound() {
			n.logger.Info("Inbound connection rejected",
				logging.MaskField("peer_address", conn.RemoteAddr().String()),
				slog.Any("error", ErrPeerLimit))
			_ = conn.Close()
			continue
		}
		n.spawn(func() {
			defer n.releaseInbound()
			n.handleInbound(ctx, conn)
		})
	}
}

func (n *Network) reserveInbound() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopping {
		return false
	}
	if len(n.conns)+n.pendingInbound+n.pendingOutbound >= n.cfg.MaxPeers {
		return false
	}
	if n.inbound+n.pendingInbound >= n.cfg.MaxInbound {
		return false
	}
	n.pendingInbound++
	return true
}

func (n *Network) releaseInbound() {
	n.mu.Lock()
	n.pendingInbound--
	n.mu.Unlock()
}

func (n *Network) reserveOutbound() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopping {
		return ErrShutdown
	}
	if len(n.conns)+n.pendingInbound+n.pendingOutbound >= n.cfg.MaxPeers {
		return fmt.Errorf("%w: %d peers", ErrPeerLimit, n.cfg.MaxPeers)
	}
	if n.outbound+n.pendingOutbound >= n.cfg.MaxOutbound {
		return fmt.Errorf("%w: outbound slots exhausted", ErrPeerLimit)
	}
	n.pendingOutbound++
	return nil
}

func (n *Network) releaseOutbound() {
	n.mu.Lock()
	n.pendingOutbound--
	n.mu.Unlock()
}

func (n *Network) localVersion() Version {
	port := uint16(0)
	if addr := n.ListenAddr(); addr != nil {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			port = uint16(tcp.Port)
		}
	}
	return Version{
		ProtocolVersion: n.cfg.ProtocolVersion,
		NodeHeight:      n.sync.LocalHeight(),
		ListeningPort:   port,
		Nonce:           n.nonce,
	}
}

func (n *Network) handshake(ctx context.Context, conn net.Conn, initiator bool) (*Session, *bufio.Reader, error) {
	engine, err := NewHandshake(initiator, n.id, n.localVersion(), n.cfg.CompatibilityWindow)
	if err != nil {
		return nil, nil, err
	}
	reader := bufio.NewReader(conn)
	hctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	sess, err := runHandshake(hctx, conn, reader, engine, n.codec)
	if err != nil {
		n.metrics.recordHandshake("failure")
		if errors.Is(err, ErrHandshakeFailure) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrHandshakeFailure, err)
	}
	n.metrics.recordHandshake("success")
	return sess, reader, nil
}

func (n *Network) handleInbound(ctx context.Context, conn net.Conn) {
	sess, reader, err := n.handshake(ctx, conn, false)
	if err != nil {
		if errors.Is(err, ErrSelfConnection) {
			n.markSelfDial(conn.RemoteAddr().String())
		}
		n.logger.Info("Inbound handshake failed",
			logging.MaskField("peer_address", conn.RemoteAddr().String()),
			slog.Any("error", err))
		_ = conn.Close()
		return
	}
	port := int(sess.Remote.Version.ListeningPort)
	if port == 0 {
		if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
	}
	addr := net.JoinHostPort(remoteHost(conn.RemoteAddr()), strconv.Itoa(port))
	if _, err := n.attach(conn, reader, sess, addr, true); err != nil {
		n.logger.Info("Inbound peer rejected",
			logging.MaskField("peer_address", addr),
			slog.Any("error", err))
	}
}

// Connect dials addr, runs the handshake and starts a connection actor. It is
// a no-op when addr is already connected.
func (n *Network) Connect(ctx context.Context, addr string) error {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return err
	}
	if n.isConnected(key) {
		return nil
	}
	if err := n.reserveOutbound(); err != nil {
		return err
	}
	defer n.releaseOutbound()
	if err := n.book.BeginHandshake(key); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	conn, err := n.dial(dctx, key)
	cancel()
	if err != nil {
		n.book.RecordFailure(key)
		return fmt.Errorf("dial %s: %w", key, err)
	}
	sess, reader, err := n.handshake(ctx, conn, true)
	if err != nil {
		local := conn.LocalAddr().String()
		_ = conn.Close()
		if errors.Is(err, ErrSelfConnection) || n.takeSelfDial(local) {
			n.book.AbortHandshake(key, 0)
			n.book.Ban(key, selfBanDuration)
			n.logger.Info("Refusing connection to self", logging.MaskField("peer_address", key))
			return fmt.Errorf("%w: %s", ErrSelfConnection, key)
		}
		n.book.AbortHandshake(key, penaltyFor(err))
		return fmt.Errorf("handshake with %s: %w", key, err)
	}
	if _, err := n.attach(conn, reader, sess, key, false); err != nil {
		if !errors.Is(err, ErrAlreadyConnected) {
			n.book.AbortHandshake(key, 0)
		}
		return err
	}
	return nil
}

func (n *Network) markSelfDial(addr string) {
	n.selfMu.Lock()
	n.selfDials[addr] = struct{}{}
	n.selfMu.Unlock()
}

func (n *Network) takeSelfDial(addr string) bool {
	n.selfMu.Lock()
	defer n.selfMu.Unlock()
	_, ok := n.selfDials[addr]
	delete(n.selfDials, addr)
	return ok
}

// attach registers an authenticated connection and starts its actor.
func (n *Network) attach(conn net.Conn, reader *bufio.Reader, sess *Session, addr string, inbound bool) (*Conn, error) {
	key, err := NormalizeAddress(addr)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c := newConn(key, inbound, newSecureConn(conn, reader, sess, n.codec), n.cfg.Conn, n, n.logger)
	remote := sess.Remote
	if _, err := n.book.MarkConnected(key, ConnectedPeer{
		Session:   c.id,
		PublicKey: remote.PublicKey,
		NodeID:    remote.NodeID,
		Height:    remote.Version.NodeHeight,
		Inbound:   inbound,
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		_ = conn.Close()
		n.book.MarkDisconnected(key, c.id, 0, "shutdown")
		return nil, ErrShutdown
	}
	n.conns[key] = c
	if inbound {
		n.inbound++
	} else {
		n.outbound++
	}
	n.mu.Unlock()

	c.start()
	n.logger.Info("Peer connected",
		logging.MaskField("peer_address", key),
		logging.MaskField("node_id", remote.NodeID),
		slog.Bool("inbound", inbound),
		slog.Uint64("claimed_height", uint64(remote.Version.NodeHeight)),
		slog.String("session", c.id))

	n.sync.ObserveHeight(key, remote.Version.NodeHeight)
	_ = c.Send(&GetPeers{})
	if remote.Version.NodeHeight <= n.sync.LocalHeight() {
		_ = c.Send(&GetMemoryPool{})
	}
	return c, nil
}

// connClosed runs exactly once per connection, from Conn.Close.
func (n *Network) connClosed(c *Conn, cause error) {
	n.mu.Lock()
	owned := n.conns[c.addr] == c
	if owned {
		delete(n.conns, c.addr)
		if c.inbound {
			n.inbound--
		} else {
			n.outbound--
		}
	}
	n.mu.Unlock()
	if !owned {
		return
	}
	amount := penaltyFor(cause)
	reason := "disconnected"
	if cause != nil {
		reason = cause.Error()
	}
	info := n.book.MarkDisconnected(c.addr, c.id, amount, reason)
	n.sync.ForgetPeer(c.addr)
	level := slog.LevelInfo
	if amount > 0 {
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "Peer disconnected",
		logging.MaskField("peer_address", c.addr),
		slog.String("session", c.id),
		slog.Float64("penalty", amount),
		slog.Float64("reputation", info.Reputation),
		slog.Any("error", cause))
}

func (n *Network) isConnected(addr string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.conns[addr]
	return ok
}

func (n *Network) conn(addr string) *Conn {
	n.mu.RLock()
	c := n.conns[addr]
	n.mu.RUnlock()
	if c != nil {
		return c
	}
	key, err := NormalizeAddress(addr)
	if err != nil || key == addr {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conns[key]
}

func (n *Network) snapshotConns() []*Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		out = append(out, c)
	}
	return out
}

// Send queues msg for the peer at addr.
func (n *Network) Send(addr string, msg Message) error {
	c := n.conn(addr)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, addr)
	}
	return c.Send(msg)
}

// Broadcast validates and relays a locally produced transaction or block
// through the Gossip Router; any other message is queued for every connected peer.
func (n *Network) Broadcast(ctx context.Context, msg Message) error {
	switch msg.(type) {
	case *Transaction, *Block:
		return n.gossip.Publish(ctx, msg)
	}
	var errs []error
	for _, c := range n.snapshotConns() {
		if err := c.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", c.addr, err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the connection to addr with cause.
func (n *Network) Disconnect(addr string, cause error) error {
	c := n.conn(addr)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, addr)
	}
	if cause == nil {
		cause = ErrConnClosed
	}
	c.Close(cause)
	return nil
}

// Peers returns the connected peers.
func (n *Network) Peers() []PeerInfo {
	return n.book.Connected()
}

func remoteHost(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// bookView is the PeerDirectory handed to the workers. Penalties that end in
// a ban also drop the live connection.
type bookView struct {
	n *Network
}

func (v *bookView) Connected() []PeerInfo { return v.n.book.Connected() }

func (v *bookView) Penalize(addr string, amount float64, reason string) PeerInfo {
	info := v.n.book.Penalize(addr, amount, reason)
	if info.BannedUntil.After(v.n.now()) {
		_ = v.n.Disconnect(addr, fmt.Errorf("%w: %s", ErrPeerBanned, reason))
	}
	return info
}

func (v *bookView) RecordSuccess(addr string) { v.n.book.RecordSuccess(addr) }

func (v *bookView) ObserveHeight(addr string, height uint32) { v.n.book.ObserveHeight(addr, height) }

func (v *bookView) SetHeight(addr string, height uint32) { v.n.book.SetHeight(addr, height) }
