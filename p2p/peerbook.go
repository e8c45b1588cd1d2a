package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"chainp2p/observability/logging"
)

const (
	defaultBaseBackoff   = time.Second
	defaultMaxBackoff    = 30 * time.Minute
	defaultRecencyWindow = 30 * time.Minute
	defaultBookCapacity  = 2048

	// recencyWeight is the bonus granted to a peer seen just now; it fades
	// linearly to zero across the recency window.
	recencyWeight = 2.0
)

// ConnState is the connection state of a peer as tracked by the Peer Book.
type ConnState uint8

const (
	Disconnected ConnState = iota
	Handshaking
	Connected
	Banned
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// PeerInfo is a copy of what the Peer Book knows about one address.
type PeerInfo struct {
	Address     string
	PublicKey   []byte
	NodeID      string
	FirstSeen   time.Time
	LastSeen    time.Time
	Reputation  float64
	Height      uint32
	State       ConnState
	BannedUntil time.Time
	Failures    int
	LatencyMS   float64
	Inbound     bool
}

// ConnectedPeer carries what the Network learned about a peer during the handshake.
type ConnectedPeer struct {
	Session   string
	PublicKey []byte
	NodeID    string
	Height    uint32
	Inbound   bool
}

// PeerBookConfig tunes reputation, dial backoff and capacity.
type PeerBookConfig struct {
	Reputation    ReputationConfig
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	RecencyWindow time.Duration
	// Capacity bounds how many addresses learned from peer exchange are kept.
	Capacity int
}

type peerRecord struct {
	info    PeerInfo
	rep     reputation
	session string
}

// PeerBook is the registry of known peers keyed by address. Every mutation is
// serialized by one mutex and callers only ever receive copies.
type PeerBook struct {
	cfg PeerBookConfig

	mu    sync.Mutex
	peers map[string]*peerRecord

	store   PeerRecordStore
	now     func() time.Time
	logger  *slog.Logger
	metrics *networkMetrics
}

// PeerBookOption customises a PeerBook.
type PeerBookOption func(*PeerBook)

// WithClock injects the time source, used by tests to simulate time.
func WithClock(now func() time.Time) PeerBookOption {
	return func(b *PeerBook) {
		if now != nil {
			b.now = now
		}
	}
}

// WithPeerstore persists records to store and reloads existing ones.
func WithPeerstore(store PeerRecordStore) PeerBookOption {
	return func(b *PeerBook) { b.store = store }
}

// WithBookLogger overrides the logger.
func WithBookLogger(logger *slog.Logger) PeerBookOption {
	return func(b *PeerBook) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewPeerBook builds a Peer Book, restoring persisted records if a peerstore is set.
func NewPeerBook(cfg PeerBookConfig, opts ...PeerBookOption) (*PeerBook, error) {
	cfg.Reputation = cfg.Reputation.withDefaults()
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = defaultRecencyWindow
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultBookCapacity
	}
	book := &PeerBook{
		cfg:     cfg,
		peers:   make(map[string]*peerRecord),
		now:     time.Now,
		logger:  slog.Default().With(slog.String("component", "p2p_peerbook")),
		metrics: newNetworkMetrics(),
	}
	for _, opt := range opts {
		opt(book)
	}
	if book.store != nil {
		if err := book.restore(); err != nil {
			return nil, err
		}
	}
	return book, nil
}

func (b *PeerBook) restore() error {
	entries, err := b.store.Load()
	if err != nil {
		return fmt.Errorf("restore peer book: %w", err)
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range entries {
		rec := &peerRecord{
			info: PeerInfo{
				Address:     entry.Addr,
				PublicKey:   entry.PublicKey,
				NodeID:      entry.NodeID,
				FirstSeen:   entry.FirstSeen,
				LastSeen:    entry.LastSeen,
				Height:      entry.Height,
				BannedUntil: entry.BannedUntil,
				Failures:    entry.Fails,
			},
			rep: reputation{score: entry.Score, updatedAt: entry.ScoreUpdated},
		}
		if rec.rep.updatedAt.IsZero() {
			rec.rep.updatedAt = now
		}
		if entry.BannedUntil.After(now) {
			rec.info.State = Banned
		}
		b.peers[entry.Addr] = rec
	}
	b.updateGaugesLocked()
	return nil
}

// NormalizeAddress canonicalises host:port so one endpoint maps to one key.
func NormalizeAddress(addr string) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	if port == "" || port == "0" {
		return "", fmt.Errorf("invalid peer address %q: missing port", addr)
	}
	if ip := net.ParseIP(host); ip != nil {
		host = ip.String()
	} else {
		host = strings.ToLower(host)
	}
	if host == "" {
		return "", fmt.Errorf("invalid peer address %q: missing host", addr)
	}
	return net.JoinHostPort(host, port), nil
}

// Register returns the record for addr, creating a default one if absent.
func (b *PeerBook) Register(addr string) (PeerInfo, error) {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return PeerInfo{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, created := b.ensureLocked(key, b.now())
	if created {
		b.persistLocked(rec)
	}
	return b.viewLocked(rec, b.now()), nil
}

// Learn registers an address received through peer exchange. It refuses new
// addresses once the book is at capacity and reports whether a record was created.
func (b *PeerBook) Learn(addr string) bool {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[key]; ok {
		return false
	}
	if len(b.peers) >= b.cfg.Capacity {
		return false
	}
	rec, _ := b.ensureLocked(key, b.now())
	b.persistLocked(rec)
	return true
}

// RecordSuccess rewards a successful interaction and resets dial backoff.
func (b *PeerBook) RecordSuccess(addr string) {
	b.update(addr, func(rec *peerRecord, now time.Time) {
		rec.rep.adjust(successReward, now, b.cfg.Reputation.DecayHalfLife)
		rec.info.Failures = 0
		rec.info.LastSeen = now
	})
}

// RecordFailure penalizes a failed interaction and grows the dial backoff. A
// pending handshake reservation is released.
func (b *PeerBook) RecordFailure(addr string) {
	b.update(addr, func(rec *peerRecord, now time.Time) {
		if rec.info.State == Handshaking {
			rec.info.State = Disconnected
			b.updateGaugesLocked()
		}
		rec.rep.adjust(-failurePenalty, now, b.cfg.Reputation.DecayHalfLife)
		rec.info.Failures++
		rec.info.LastSeen = now
		b.checkBanLocked(rec, now, "repeated failures")
	})
}

// Penalize subtracts amount from the reputation of addr and bans the peer once
// the ban score is crossed. It returns the updated record.
func (b *PeerBook) Penalize(addr string, amount float64, reason string) PeerInfo {
	var out PeerInfo
	b.update(addr, func(rec *peerRecord, now time.Time) {
		if amount > 0 {
			rec.rep.adjust(-amount, now, b.cfg.Reputation.DecayHalfLife)
			b.checkBanLocked(rec, now, reason)
		}
		out = b.viewLocked(rec, now)
	})
	return out
}

// Ban refuses connections to addr for d.
func (b *PeerBook) Ban(addr string, d time.Duration) {
	b.update(addr, func(rec *peerRecord, now time.Time) {
		b.banLocked(rec, now, d, "explicit")
	})
}

// IsBanned reports whether addr is banned at the current time.
func (b *PeerBook) IsBanned(addr string) bool {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.peers[key]
	return rec != nil && rec.info.BannedUntil.After(b.now())
}

// PruneExpiredBans removes records whose ban has elapsed and returns their addresses.
func (b *PeerBook) PruneExpiredBans() []string {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	var pruned []string
	for addr, rec := range b.peers {
		if rec.info.BannedUntil.IsZero() || rec.info.BannedUntil.After(now) || rec.session != "" {
			continue
		}
		delete(b.peers, addr)
		pruned = append(pruned, addr)
		if b.store != nil {
			if err := b.store.Delete(addr); err != nil {
				b.logger.Warn("Failed to delete pruned peer",
					logging.MaskField("peer_address", addr),
					slog.Any("error", err))
			}
		}
	}
	sort.Strings(pruned)
	if len(pruned) > 0 {
		b.updateGaugesLocked()
	}
	return pruned
}

// BeginHandshake reserves addr for an outbound dial.
func (b *PeerBook) BeginHandshake(addr string) error {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	rec, _ := b.ensureLocked(key, now)
	if rec.info.BannedUntil.After(now) {
		return fmt.Errorf("%w: %s until %s", ErrPeerBanned, key, rec.info.BannedUntil.Format(time.RFC3339))
	}
	switch rec.info.State {
	case Connected, Handshaking:
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, key)
	}
	rec.info.State = Handshaking
	b.updateGaugesLocked()
	return nil
}

// AbortHandshake releases a reservation taken by BeginHandshake after a failed
// dial or handshake, applying penalty and growing the dial backoff.
func (b *PeerBook) AbortHandshake(addr string, penalty float64) {
	b.update(addr, func(rec *peerRecord, now time.Time) {
		if rec.info.State == Handshaking {
			rec.info.State = Disconnected
		}
		rec.info.Failures++
		rec.info.LastSeen = now
		if penalty > 0 {
			rec.rep.adjust(-penalty, now, b.cfg.Reputation.DecayHalfLife)
		}
		b.checkBanLocked(rec, now, "handshake failures")
		b.updateGaugesLocked()
	})
}

// MarkConnected records a completed handshake. It fails when the peer is
// banned or another live connection already holds the address.
func (b *PeerBook) MarkConnected(addr string, peer ConnectedPeer) (PeerInfo, error) {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return PeerInfo{}, err
	}
	if peer.Session == "" {
		return PeerInfo{}, errors.New("p2p: connection session required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	rec, _ := b.ensureLocked(key, now)
	if rec.info.BannedUntil.After(now) {
		return b.viewLocked(rec, now), fmt.Errorf("%w: %s", ErrPeerBanned, key)
	}
	if rec.info.State == Connected && rec.session != peer.Session {
		return b.viewLocked(rec, now), fmt.Errorf("%w: %s", ErrAlreadyConnected, key)
	}
	rec.session = peer.Session
	rec.info.State = Connected
	rec.info.Inbound = peer.Inbound
	rec.info.PublicKey = append([]byte(nil), peer.PublicKey...)
	rec.info.NodeID = peer.NodeID
	rec.info.Height = peer.Height
	rec.info.Failures = 0
	rec.info.LastSeen = now
	rec.rep.adjust(successReward, now, b.cfg.Reputation.DecayHalfLife)
	b.persistLocked(rec)
	b.updateGaugesLocked()
	info := b.viewLocked(rec, now)
	b.metrics.observePeerScore(info.NodeID, info.Reputation)
	return info, nil
}

// MarkDisconnected ends the connection identified by session and applies
// penalty. Stale sessions are ignored so a replaced connection cannot reset
// its successor.
func (b *PeerBook) MarkDisconnected(addr, session string, penalty float64, reason string) PeerInfo {
	var out PeerInfo
	b.update(addr, func(rec *peerRecord, now time.Time) {
		if rec.session != session {
			out = b.viewLocked(rec, now)
			return
		}
		rec.session = ""
		rec.info.State = Disconnected
		rec.info.LastSeen = now
		if penalty > 0 {
			rec.rep.adjust(-penalty, now, b.cfg.Reputation.DecayHalfLife)
		}
		b.checkBanLocked(rec, now, reason)
		if rec.info.BannedUntil.After(now) {
			rec.info.State = Banned
		}
		b.updateGaugesLocked()
		b.metrics.removePeer(rec.info.NodeID)
		out = b.viewLocked(rec, now)
	})
	return out
}

// ObserveHeight raises the claimed height of addr.
func (b *PeerBook) ObserveHeight(addr string, height uint32) {
	b.updateQuiet(addr, func(rec *peerRecord, now time.Time) {
		if height > rec.info.Height {
			rec.info.Height = height
		}
	})
}

// SetHeight overwrites the claimed height of addr.
func (b *PeerBook) SetHeight(addr string, height uint32) {
	b.update(addr, func(rec *peerRecord, now time.Time) {
		rec.info.Height = height
	})
}

// Touch marks addr as seen now.
func (b *PeerBook) Touch(addr string) {
	b.updateQuiet(addr, func(rec *peerRecord, now time.Time) {
		rec.info.LastSeen = now
	})
}

// ObserveLatency folds a round-trip sample into the latency average.
func (b *PeerBook) ObserveLatency(addr string, rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	b.updateQuiet(addr, func(rec *peerRecord, now time.Time) {
		rec.info.LatencyMS = ewma(rec.info.LatencyMS, float64(rtt)/float64(time.Millisecond))
		rec.info.LastSeen = now
	})
}

// Get returns a copy of the record for addr.
func (b *PeerBook) Get(addr string) (PeerInfo, bool) {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return PeerInfo{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.peers[key]
	if rec == nil {
		return PeerInfo{}, false
	}
	return b.viewLocked(rec, b.now()), true
}

// Len returns the number of records.
func (b *PeerBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Snapshot returns every record ordered by address.
func (b *PeerBook) Snapshot() []PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]PeerInfo, 0, len(b.peers))
	for _, rec := range b.peers {
		out = append(out, b.viewLocked(rec, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Connected returns the connected, non-banned peers ordered by address.
func (b *PeerBook) Connected() []PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var out []PeerInfo
	for _, rec := range b.peers {
		if rec.info.State != Connected || rec.info.BannedUntil.After(now) {
			continue
		}
		out = append(out, b.viewLocked(rec, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SelectCandidates returns up to n dialable addresses ordered by decayed
// reputation plus a recency bonus, ties broken by address. Banned, connected,
// handshaking and backing-off peers are excluded.
func (b *PeerBook) SelectCandidates(n int) []string {
	if n <= 0 {
		return nil
	}
	type candidate struct {
		addr  string
		score float64
	}
	b.mu.Lock()
	now := b.now()
	pool := make([]candidate, 0, len(b.peers))
	for addr, rec := range b.peers {
		if rec.info.BannedUntil.After(now) {
			continue
		}
		if rec.info.State == Connected || rec.info.State == Handshaking {
			continue
		}
		if b.nextDialLocked(rec, now).After(now) {
			continue
		}
		score := rec.rep.valueAt(now, b.cfg.Reputation.DecayHalfLife) + b.recencyBonus(rec.info.LastSeen, now)
		pool = append(pool, candidate{addr: addr, score: score})
	}
	b.mu.Unlock()

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].addr < pool[j].addr
	})
	if len(pool) > n {
		pool = pool[:n]
	}
	out := make([]string, len(pool))
	for i, c := range pool {
		out[i] = c.addr
	}
	return out
}

// Addresses returns up to limit non-banned addresses for peer exchange,
// connected peers first, then the most recently seen.
func (b *PeerBook) Addresses(limit int) []string {
	infos := b.Snapshot()
	now := b.now()
	sort.SliceStable(infos, func(i, j int) bool {
		ci, cj := infos[i].State == Connected, infos[j].State == Connected
		if ci != cj {
			return ci
		}
		return infos[i].LastSeen.After(infos[j].LastSeen)
	})
	out := make([]string, 0, limit)
	for _, info := range infos {
		if len(out) >= limit {
			break
		}
		if info.BannedUntil.After(now) {
			continue
		}
		out = append(out, info.Address)
	}
	return out
}

// nextDialAt returns when addr may be dialed again.
func (b *PeerBook) nextDialAt(addr string) time.Time {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	rec := b.peers[key]
	if rec == nil {
		return now
	}
	return b.nextDialLocked(rec, now)
}

func (b *PeerBook) nextDialLocked(rec *peerRecord, now time.Time) time.Time {
	if rec.info.BannedUntil.After(now) {
		return rec.info.BannedUntil
	}
	if rec.info.Failures <= 0 {
		return now
	}
	backoff := b.cfg.BaseBackoff
	for i := 1; i < rec.info.Failures && backoff < b.cfg.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > b.cfg.MaxBackoff {
		backoff = b.cfg.MaxBackoff
	}
	next := rec.info.LastSeen.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

func (b *PeerBook) recencyBonus(lastSeen, now time.Time) float64 {
	if lastSeen.IsZero() {
		return 0
	}
	age := now.Sub(lastSeen)
	if age < 0 {
		age = 0
	}
	if age >= b.cfg.RecencyWindow {
		return 0
	}
	return recencyWeight * (1 - float64(age)/float64(b.cfg.RecencyWindow))
}

func (b *PeerBook) update(addr string, fn func(rec *peerRecord, now time.Time)) {
	b.mutate(addr, true, fn)
}

func (b *PeerBook) updateQuiet(addr string, fn func(rec *peerRecord, now time.Time)) {
	b.mutate(addr, false, fn)
}

func (b *PeerBook) mutate(addr string, persist bool, fn func(rec *peerRecord, now time.Time)) {
	key, err := NormalizeAddress(addr)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	rec, created := b.ensureLocked(key, now)
	fn(rec, now)
	if persist || created {
		b.persistLocked(rec)
	}
}

func (b *PeerBook) ensureLocked(key string, now time.Time) (*peerRecord, bool) {
	if rec := b.peers[key]; rec != nil {
		return rec, false
	}
	rec := &peerRecord{
		info: PeerInfo{Address: key, FirstSeen: now, State: Disconnected},
		rep:  reputation{updatedAt: now},
	}
	b.peers[key] = rec
	return rec, true
}

func (b *PeerBook) checkBanLocked(rec *peerRecord, now time.Time, reason string) {
	if rec.info.BannedUntil.After(now) {
		return
	}
	if rec.rep.valueAt(now, b.cfg.Reputation.DecayHalfLife) > -b.cfg.Reputation.BanScore {
		return
	}
	b.banLocked(rec, now, b.cfg.Reputation.BanDuration, reason)
}

func (b *PeerBook) banLocked(rec *peerRecord, now time.Time, d time.Duration, reason string) {
	if d <= 0 {
		return
	}
	rec.info.BannedUntil = now.Add(d)
	if rec.info.State != Connected {
		rec.info.State = Banned
	}
	b.logger.Warn("Peer banned",
		logging.MaskField("peer_address", rec.info.Address),
		slog.String("reason", reason),
		slog.Time("until", rec.info.BannedUntil))
	b.metrics.recordBan()
	b.updateGaugesLocked()
}

func (b *PeerBook) viewLocked(rec *peerRecord, now time.Time) PeerInfo {
	info := rec.info
	info.PublicKey = append([]byte(nil), rec.info.PublicKey...)
	info.Reputation = rec.rep.valueAt(now, b.cfg.Reputation.DecayHalfLife)
	if info.State == Banned && !info.BannedUntil.After(now) {
		info.State = Disconnected
	}
	return info
}

func (b *PeerBook) persistLocked(rec *peerRecord) {
	if b.store == nil {
		return
	}
	entry := PeerstoreEntry{
		Addr:         rec.info.Address,
		NodeID:       rec.info.NodeID,
		PublicKey:    rec.info.PublicKey,
		Score:        rec.rep.score,
		ScoreUpdated: rec.rep.updatedAt,
		FirstSeen:    rec.info.FirstSeen,
		LastSeen:     rec.info.LastSeen,
		Fails:        rec.info.Failures,
		BannedUntil:  rec.info.BannedUntil,
		Height:       rec.info.Height,
	}
	if err := b.store.Put(entry); err != nil {
		b.logger.Warn("Failed to persist peer entry",
			logging.MaskField("peer_address", rec.info.Address),
			slog.Any("error", err))
	}
}

func (b *PeerBook) updateGaugesLocked() {
	counts := make(map[ConnState]int, 4)
	for _, rec := range b.peers {
		counts[rec.info.State]++
	}
	b.metrics.setPeerStates(counts)
}
