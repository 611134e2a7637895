// Package badger implements the datastore interface the pin manager
// persists through on top of a badger key-value database.
package badger

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"go.uber.org/zap"
)

// A Store is a badger-backed datastore.
type Store struct {
	db  *badger.DB
	log *zap.Logger
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Put sets the value of a key
func (s *Store) Put(_ context.Context, key ds.Key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.Bytes(), value)
	})
}

// Delete removes a key. Deleting a key that does not exist is not an error.
func (s *Store) Delete(_ context.Context, key ds.Key) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key.Bytes())
	})
}

// Get returns the value of a key
func (s *Store) Get(_ context.Context, key ds.Key) (value []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.Bytes())
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ds.ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return
}

// Has returns true if the key is in the store
func (s *Store) Has(_ context.Context, key ds.Key) (exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key.Bytes())
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return
}

// GetSize returns the size of the value stored under a key
func (s *Store) GetSize(_ context.Context, key ds.Key) (size int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.Bytes())
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ds.ErrNotFound
			}
			return err
		}
		size = int(item.ValueSize())
		return nil
	})
	return
}

// Query returns the entries matching q
func (s *Store) Query(_ context.Context, q query.Query) (query.Results, error) {
	var entries []query.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = !q.KeysOnly
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(q.Prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			entry := query.Entry{Key: string(item.KeyCopy(nil))}
			if !q.KeysOnly {
				value, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				entry.Value = value
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// filters, orders, offset, and limit are applied on top of the raw
	// prefix scan
	return query.NaiveQueryApply(q, query.ResultsWithEntries(q, entries)), nil
}

// Sync flushes pending writes to disk
func (s *Store) Sync(_ context.Context, _ ds.Key) error {
	return s.db.Sync()
}

// Batch returns a write batch that is committed atomically
func (s *Store) Batch(_ context.Context) (ds.Batch, error) {
	return &batch{wb: s.db.NewWriteBatch()}, nil
}

type batch struct {
	wb *badger.WriteBatch
}

func (b *batch) Put(_ context.Context, key ds.Key, value []byte) error {
	return b.wb.Set(key.Bytes(), value)
}

func (b *batch) Delete(_ context.Context, key ds.Key) error {
	return b.wb.Delete(key.Bytes())
}

func (b *batch) Commit(_ context.Context) error {
	return b.wb.Flush()
}

// OpenDatabase opens a badger database at the given path.
func OpenDatabase(path string, log *zap.Logger) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}
