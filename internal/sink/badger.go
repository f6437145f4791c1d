package sink

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/WilledMercury75/Ledger-Email-Client/pkg/models"
)

const badgerKeyPrefix = "msg:"

// Badger is the durable sink. One key per envelope id; an append for an
// existing id is a no-op inside the same transaction that checks it, so
// concurrent retried receives collapse to one record.
type Badger struct {
	db *badger.DB
}

func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}

func (s *Badger) Append(_ context.Context, msg models.Message) error {
	key := []byte(badgerKeyPrefix + msg.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
}

func (s *Badger) Exists(_ context.Context, id string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerKeyPrefix + id))
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return found, err
}

// List scans stored messages for a folder, unsorted beyond key order.
func (s *Badger) List(_ context.Context, folder string, limit int) ([]models.Message, error) {
	var out []models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var m models.Message
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				if folder == "" || m.Folder == folder {
					out = append(out, m)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
