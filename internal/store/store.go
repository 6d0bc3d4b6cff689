package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Node records
	SaveNode(n *NodeRecord) error
	GetNode(num uint32) (*NodeRecord, error)
	DeleteNode(num uint32) error
	ListNodes() ([]*NodeRecord, error)

	// UpsertNode atomically reads, modifies, and saves a node record in a
	// single transaction. When the node is not yet known, fn receives a
	// fresh record with only Num set. Pinned keys are never touched here.
	UpsertNode(num uint32, fn func(n *NodeRecord) error) error

	// Pinned public keys. RecordedKey reports ok=false when no key has
	// been pinned for the node yet.
	RecordedKey(num uint32) (key []byte, ok bool, err error)
	SetRecordedKey(num uint32, key []byte) error
	DeleteRecordedKey(num uint32) error

	// Local device state
	SetMyNodeNum(num uint32) error
	MyNodeNum() (uint32, error)
	SetConnectionStatus(raw []byte) error
	ConnectionStatus() ([]byte, error)

	// Close the store
	Close() error
}
