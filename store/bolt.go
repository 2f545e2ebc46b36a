package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var accountsBucket = []byte("accounts")

// BoltAccountStore implements `IAccountStore` on a bbolt file.
// The bucket sequence is the id generator, so ids survive restarts.
type BoltAccountStore struct {
	db *bbolt.DB
}

func OpenBoltAccountStore(path string) (*BoltAccountStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open account db `%s`: %v", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %v", err)
	}
	return &BoltAccountStore{db: db}, nil
}

// big endian keeps ForEach in id order.
func idKey(id int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func (s *BoltAccountStore) NextID() (int, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		id, err = tx.Bucket(accountsBucket).NextSequence()
		return err
	})
	return int(id), err
}

func (s *BoltAccountStore) Save(a *AccountRecord) error {
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountsBucket).Put(idKey(a.ID), value)
	})
}

func (s *BoltAccountStore) Delete(id int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		key := idKey(id)
		if b.Get(key) == nil {
			return ErrNoAccount
		}
		return b.Delete(key)
	})
}

func (s *BoltAccountStore) List() ([]*AccountRecord, error) {
	var out []*AccountRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, v []byte) error {
			var a AccountRecord
			if err := json.Unmarshal(v, &a); err != nil {
				glog.Errorf("account db: skip bad record %x: %v", k, err)
				return nil
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

func (s *BoltAccountStore) Close() error {
	return s.db.Close()
}
