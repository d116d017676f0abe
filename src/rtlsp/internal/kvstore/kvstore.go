// Package kvstore persists per-content analysis hashes across daemon runs.
package kvstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Store memoizes file state hashes keyed by content digest.
type Store interface {
	GetHash(key string) (uint32, bool, error)
	PutHash(key string, hash uint32) error
	Close() error
}

type badgerStore struct {
	db *badger.DB
}

// New opens a badger-backed store rooted at dir.
func New(dir string) (Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening hash cache at %q: %w", dir, err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) GetHash(key string) (uint32, bool, error) {
	var hash uint32
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(val) != 4 {
			return nil
		}
		hash = binary.BigEndian.Uint32(val)
		found = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("reading hash cache: %w", err)
	}
	return hash, found, nil
}

func (s *badgerStore) PutHash(key string, hash uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], hash)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf[:])
	})
	if err != nil {
		return fmt.Errorf("writing hash cache: %w", err)
	}
	return nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

type noopStore struct{}

// NewNoop returns a store that caches nothing. Used when no cache directory
// is configured and under test.
func NewNoop() Store {
	return noopStore{}
}

func (noopStore) GetHash(string) (uint32, bool, error) { return 0, false, nil }
func (noopStore) PutHash(string, uint32) error         { return nil }
func (noopStore) Close() error                         { return nil }
