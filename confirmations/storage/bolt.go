package storage

import (
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	stateBucket = "state"
	dbFileName  = "confirmations.db"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(path, dbFileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initStateBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return boltdb, nil
}

func (db *BoltDB) initStateBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(stateBucket))
		return err
	})
}

func (db *BoltDB) Load(name string) ([]byte, error) {
	var value []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		stateb := tx.Bucket([]byte(stateBucket))
		v := stateb.Get([]byte(name))
		if v == nil {
			return ErrStateNotFound
		}
		// v is only valid for the life of the transaction
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (db *BoltDB) Save(name string, value []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		stateb := tx.Bucket([]byte(stateBucket))
		return stateb.Put([]byte(name), value)
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}
