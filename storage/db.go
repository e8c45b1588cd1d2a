package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	// Write applies every Put and Delete queued on batch atomically.
	Write(batch *leveldb.Batch) error
	Close() error
}

// LevelDB is a key-value store using LevelDB, either on disk or in memory.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: database path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// NewMemDB returns a LevelDB instance kept entirely in memory, for tests and
// throwaway nodes.
func NewMemDB() *LevelDB {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		// The memory backend cannot fail to open.
		panic(fmt.Sprintf("storage: open memory leveldb: %v", err))
	}
	return &LevelDB{db: db}
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Has reports whether key is present.
func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

// Delete removes key. Deleting a missing key is not an error.
func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) Write(batch *leveldb.Batch) error {
	return ldb.db.Write(batch, nil)
}

// Close closes the database connection.
func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}
