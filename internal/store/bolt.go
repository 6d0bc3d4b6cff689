package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes = []byte("nodes")
	bucketKeys  = []byte("keys")
	bucketMeta  = []byte("meta")

	keyMyNodeNum  = []byte("my_node_num")
	keyConnStatus = []byte("conn_status")
)

// nodeKey encodes a node number as a fixed-width big-endian key, so a
// bucket cursor walks nodes in numeric order.
func nodeKey(num uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], num)
	return k[:]
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketKeys, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveNode(n *NodeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNodes)
		}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(n.Num), data)
	})
}

func (s *BoltStore) GetNode(num uint32) (*NodeRecord, error) {
	var n NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNodes)
		}
		data := b.Get(nodeKey(num))
		if data == nil {
			return fmt.Errorf("node %d: %w", num, ErrNotFound)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) DeleteNode(num uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNodes)
		}
		return b.Delete(nodeKey(num))
	})
}

func (s *BoltStore) ListNodes() ([]*NodeRecord, error) {
	var nodes []*NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return nil // no bucket = no nodes
		}
		nodes = make([]*NodeRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var n NodeRecord
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpsertNode(num uint32, fn func(n *NodeRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNodes)
		}
		n := NodeRecord{Num: num}
		if data := b.Get(nodeKey(num)); data != nil {
			if err := json.Unmarshal(data, &n); err != nil {
				return err
			}
		}
		if err := fn(&n); err != nil {
			return err
		}
		// The record stays keyed by num no matter what fn did to it.
		n.Num = num
		data, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(num), data)
	})
}

func (s *BoltStore) RecordedKey(num uint32) ([]byte, bool, error) {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketKeys)
		}
		if v := b.Get(nodeKey(num)); v != nil {
			// Bolt slices are only valid inside the transaction.
			key = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return key, key != nil, nil
}

func (s *BoltStore) SetRecordedKey(num uint32, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketKeys)
		}
		return b.Put(nodeKey(num), key)
	})
}

func (s *BoltStore) DeleteRecordedKey(num uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketKeys)
		}
		return b.Delete(nodeKey(num))
	})
}

func (s *BoltStore) SetMyNodeNum(num uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		return b.Put(keyMyNodeNum, nodeKey(num))
	})
}

func (s *BoltStore) MyNodeNum() (uint32, error) {
	var num uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		v := b.Get(keyMyNodeNum)
		if len(v) != 4 {
			return fmt.Errorf("my node num: %w", ErrNotFound)
		}
		num = binary.BigEndian.Uint32(v)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return num, nil
}

func (s *BoltStore) SetConnectionStatus(raw []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		return b.Put(keyConnStatus, raw)
	})
}

func (s *BoltStore) ConnectionStatus() ([]byte, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		v := b.Get(keyConnStatus)
		if v == nil {
			return fmt.Errorf("connection status: %w", ErrNotFound)
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
