package cache

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a cache entry doesn't exist (or exists but
// fails verification; callers must not be able to tell the difference).
var ErrNotFound = errors.New("cache entry not found")

// Store wraps badger for artifact persistence.
type Store struct {
	db *badger.DB
}

// OpenStore opens or creates a store at the given path.
func OpenStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves an entry by fileId.
func (s *Store) Get(fileID string) (*Entry, error) {
	key := MakeKey(fileID)
	var entry Entry

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(entry.Decode)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Has reports whether an entry exists without loading its value.
func (s *Store) Has(fileID string) (bool, error) {
	key := MakeKey(fileID)
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put stores an entry. Writes for the same fileId are serialized by badger's
// transaction machinery; writes for different keys don't block each other.
func (s *Store) Put(fileID string, entry *Entry) error {
	value, err := entry.Encode()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(MakeKey(fileID), value)
	})
}

// Delete removes an entry.
func (s *Store) Delete(fileID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(MakeKey(fileID))
	})
}

// DeleteAll removes every artifact entry.
func (s *Store) DeleteAll() error {
	prefix := KeyPrefix()
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEach visits every entry without loading values unless fn asks for them.
// fn receives the fileId and the stored value size in bytes.
func (s *Store) ForEach(fn func(fileID string, size int64) error) error {
	prefix := KeyPrefix()
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if err := fn(ParseKey(item.KeyCopy(nil)), item.ValueSize()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sizes returns the on-disk LSM tree and value log sizes in bytes.
func (s *Store) Sizes() (lsm, vlog int64) {
	return s.db.Size()
}
