// Package trust pins node public keys on first contact and flags any
// later identity change. A pinned key is only ever replaced through the
// explicit Authorize re-pair action, never by routine evaluation.
package trust

import (
	"bytes"
	"fmt"
	"sync"
)

// KeyStore is the persistent pinned-key table. An absent key and an empty
// key mean the same thing: nothing recorded yet.
type KeyStore interface {
	RecordedKey(nodeID uint32) (key []byte, ok bool, err error)
	SetRecordedKey(nodeID uint32, key []byte) error
}

// Outcome is the result of evaluating an announced key against the pin.
type Outcome uint8

const (
	// OutcomeTrusted means the announced key matches the recorded one,
	// or there is no key material on either side to compare.
	OutcomeTrusted Outcome = iota
	// OutcomeFirstSeen means no key was recorded and the announced one
	// has now been pinned. Trusted going forward, but worth surfacing.
	OutcomeFirstSeen
	// OutcomeMismatch means the announced key differs from the pin. The
	// recorded key is left untouched.
	OutcomeMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFirstSeen:
		return "first_seen"
	case OutcomeMismatch:
		return "mismatch"
	default:
		return "trusted"
	}
}

const lockStripes = 16

// Tracker evaluates announced node keys against the pinned-key store.
// Evaluation is serialized per node; different nodes proceed in parallel.
type Tracker struct {
	store KeyStore
	locks [lockStripes]sync.Mutex
}

func NewTracker(store KeyStore) *Tracker {
	return &Tracker{store: store}
}

func (t *Tracker) lockFor(nodeID uint32) *sync.Mutex {
	return &t.locks[nodeID%lockStripes]
}

// Evaluate compares the announced key with the recorded one. The first
// non-empty key for a node is pinned and reported as FirstSeen; after
// that the pin is read-only here. A mismatch is an outcome for the caller
// to surface, not an error.
func (t *Tracker) Evaluate(nodeID uint32, incoming []byte) (Outcome, error) {
	mu := t.lockFor(nodeID)
	mu.Lock()
	defer mu.Unlock()

	recorded, ok, err := t.store.RecordedKey(nodeID)
	if err != nil {
		return OutcomeTrusted, fmt.Errorf("trust: recorded key for %d: %w", nodeID, err)
	}

	switch {
	case !ok || len(recorded) == 0:
		if len(incoming) == 0 {
			// No key material on either side; nothing to pin.
			return OutcomeTrusted, nil
		}
		if err := t.store.SetRecordedKey(nodeID, incoming); err != nil {
			return OutcomeTrusted, fmt.Errorf("trust: pin key for %d: %w", nodeID, err)
		}
		return OutcomeFirstSeen, nil
	case bytes.Equal(recorded, incoming):
		return OutcomeTrusted, nil
	default:
		return OutcomeMismatch, nil
	}
}

// Authorize replaces the pinned key for a node. This is the re-pair
// action behind an explicit operator confirmation; nothing else may
// overwrite an existing pin.
func (t *Tracker) Authorize(nodeID uint32, key []byte) error {
	mu := t.lockFor(nodeID)
	mu.Lock()
	defer mu.Unlock()

	if err := t.store.SetRecordedKey(nodeID, key); err != nil {
		return fmt.Errorf("trust: authorize %d: %w", nodeID, err)
	}
	return nil
}
