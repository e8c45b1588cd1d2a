package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPeers = []byte("peers")

// BoltPeerstore keeps Peer Book records in a single bbolt file, one JSON
// document per address in the peers bucket.
type BoltPeerstore struct {
	db *bolt.DB
}

// NewBoltPeerstore opens (or creates) the bbolt file at path.
func NewBoltPeerstore(path string) (*BoltPeerstore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("peerstore path required")
	}
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	return &BoltPeerstore{db: db}, nil
}

// Close releases the database file.
func (s *BoltPeerstore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts or replaces the record for entry.Addr.
func (s *BoltPeerstore) Put(entry PeerstoreEntry) error {
	if entry.Addr == "" {
		return errors.New("peerstore: address required")
	}
	blob, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(entry.Addr), blob)
	})
}

// Delete removes the record for addr; missing records are not an error.
func (s *BoltPeerstore) Delete(addr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(addr))
	})
}

// Get returns the stored record for addr.
func (s *BoltPeerstore) Get(addr string) (PeerstoreEntry, bool, error) {
	var (
		entry PeerstoreEntry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPeers).Get([]byte(addr))
		if raw == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decode peer %s: %w", addr, err)
		}
		return nil
	})
	if err != nil {
		return PeerstoreEntry{}, false, err
	}
	return entry, found, nil
}

// Load returns every stored record. Bucket keys iterate in byte order, so the
// result is ordered by address.
func (s *BoltPeerstore) Load() ([]PeerstoreEntry, error) {
	var entries []PeerstoreEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var entry PeerstoreEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode peer %s: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
