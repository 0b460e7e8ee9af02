package messaging

import (
	"fmt"

	"github.com/dgraph-io/badger"
)

const (
	processedPrefix = "processed"
	retryPrefix     = "retry"
)

func processedKey(uniqueID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", processedPrefix, uniqueID))
}

func retryKey(retryID int64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", retryPrefix, retryID))
}

// BadgerStore implements Store on top of a Badger database. The dedup check,
// handler dispatch and id insertion run inside a single Badger transaction,
// and the processed set is append-only.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens (or creates) a database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts = opts.WithSyncWrites(false)
	opts = opts.WithLogger(nil)
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

// StorePath returns the database directory.
func (s *BadgerStore) StorePath() string {
	return s.path
}

// ProcessOnce implements the Store interface.
func (s *BadgerStore) ProcessOnce(uniqueID string, dispatch func()) (bool, error) {
	processed := false

	err := s.db.Update(func(txn *badger.Txn) error {
		key := processedKey(uniqueID)

		_, err := txn.Get(key)
		if err == nil {
			//already processed; skip dispatch
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		dispatch()
		processed = true

		//insert [processed_<uniqueID>] => []
		return txn.Set(key, []byte{})
	})

	if err != nil {
		return false, err
	}
	return processed, nil
}

// InsertPendingRetry implements the Store interface.
func (s *BadgerStore) InsertPendingRetry(rec *PendingRetry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := retryKey(rec.RetryID)

		//keep an existing record rather than overwrite it
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		val, err := rec.Marshal()
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
}

// RemovePendingRetry implements the Store interface.
func (s *BadgerStore) RemovePendingRetry(retryID int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(retryKey(retryID))
	})
}

// PendingRetries implements the Store interface.
func (s *BadgerStore) PendingRetries() ([]*PendingRetry, error) {
	res := []*PendingRetry{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(retryPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			rec := new(PendingRetry)
			if err := rec.Unmarshal(val); err != nil {
				return err
			}
			res = append(res, rec)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
