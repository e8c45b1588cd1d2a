package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const peerKeyPrefix = "peer:"

// PeerstoreEntry captures the peer metadata persisted across restarts.
type PeerstoreEntry struct {
	Addr         string    `json:"addr"`
	NodeID       string    `json:"nodeID,omitempty"`
	PublicKey    []byte    `json:"publicKey,omitempty"`
	Score        float64   `json:"score"`
	ScoreUpdated time.Time `json:"scoreUpdated"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	Fails        int       `json:"fails"`
	BannedUntil  time.Time `json:"bannedUntil"`
	Height       uint32    `json:"height"`
}

// PeerRecordStore is the persistence the Peer Book writes through. Peerstore
// and BoltPeerstore implement it.
type PeerRecordStore interface {
	Put(entry PeerstoreEntry) error
	Delete(addr string) error
	Load() ([]PeerstoreEntry, error)
}

// Peerstore persists Peer Book records in LevelDB, one JSON document per address.
type Peerstore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewPeerstore opens (or creates) a peerstore backed by LevelDB at the given path.
func NewPeerstore(path string) (*Peerstore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("peerstore path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	return &Peerstore{db: db}, nil
}

// NewMemoryPeerstore returns a peerstore kept entirely in memory.
func NewMemoryPeerstore() (*Peerstore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory peerstore: %w", err)
	}
	return &Peerstore{db: db}, nil
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	return err
}

// Put inserts or replaces the record for entry.Addr.
func (ps *Peerstore) Put(entry PeerstoreEntry) error {
	if entry.Addr == "" {
		return errors.New("peerstore: address required")
	}
	blob, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return errors.New("peerstore closed")
	}
	return ps.db.Put([]byte(peerKeyPrefix+entry.Addr), blob, nil)
}

// Delete removes the record for addr; missing records are not an error.
func (ps *Peerstore) Delete(addr string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return errors.New("peerstore closed")
	}
	return ps.db.Delete([]byte(peerKeyPrefix+addr), nil)
}

// Get returns the stored record for addr.
func (ps *Peerstore) Get(addr string) (PeerstoreEntry, bool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return PeerstoreEntry{}, false, errors.New("peerstore closed")
	}
	blob, err := ps.db.Get([]byte(peerKeyPrefix+addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return PeerstoreEntry{}, false, nil
	}
	if err != nil {
		return PeerstoreEntry{}, false, err
	}
	var entry PeerstoreEntry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return PeerstoreEntry{}, false, fmt.Errorf("decode peer %s: %w", addr, err)
	}
	return entry, true, nil
}

// Load returns every stored record ordered by address.
func (ps *Peerstore) Load() ([]PeerstoreEntry, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil, errors.New("peerstore closed")
	}
	iter := ps.db.NewIterator(util.BytesPrefix([]byte(peerKeyPrefix)), nil)
	defer iter.Release()
	var entries []PeerstoreEntry
	for iter.Next() {
		var entry PeerstoreEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("decode peer %s: %w", iter.Key(), err)
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })
	return entries, nil
}
