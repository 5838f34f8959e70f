// Package kv wraps LevelDB for raw key-value persistence. It is shared by the
// channel snapshot cache and the membership tree store.
package kv

import (
	"bytes"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is a LevelDB-backed key-value store. LevelDB handles its own synchronization.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates a database at path. An empty path uses in-memory storage.
func Open(path string) (*Store, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	return Open("")
}

// Get retrieves a value by key. It returns (nil, false, nil) if the key is absent.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// Scan returns every key-value pair under prefix in key order.
func (s *Store) Scan(prefix []byte) ([][2][]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var results [][2][]byte
	for iter.Next() {
		results = append(results, [2][]byte{bytes.Clone(iter.Key()), bytes.Clone(iter.Value())})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	return results, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
