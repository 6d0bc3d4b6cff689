package trust

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[uint32][]byte
	fail error
	sets int
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[uint32][]byte)}
}

func (s *fakeKeyStore) RecordedKey(nodeID uint32) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, false, s.fail
	}
	k, ok := s.keys[nodeID]
	return k, ok, nil
}

func (s *fakeKeyStore) SetRecordedKey(nodeID uint32, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.keys[nodeID] = append([]byte(nil), key...)
	s.sets++
	return nil
}

func (s *fakeKeyStore) recorded(nodeID uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[nodeID]
}

func TestEvaluateFirstSeenPinsKey(t *testing.T) {
	store := newFakeKeyStore()
	tr := NewTracker(store)
	key := []byte{0x01, 0x02, 0x03}

	out, err := tr.Evaluate(10, key)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out != OutcomeFirstSeen {
		t.Errorf("outcome = %v, want first_seen", out)
	}
	if !bytes.Equal(store.recorded(10), key) {
		t.Errorf("recorded = % X, want % X", store.recorded(10), key)
	}
}

func TestEvaluateIdempotentAfterFirstSeen(t *testing.T) {
	store := newFakeKeyStore()
	tr := NewTracker(store)
	key := []byte{0xAA, 0xBB}

	if out, _ := tr.Evaluate(7, key); out != OutcomeFirstSeen {
		t.Fatalf("first outcome = %v, want first_seen", out)
	}
	for i := 0; i < 3; i++ {
		out, err := tr.Evaluate(7, key)
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		if out != OutcomeTrusted {
			t.Errorf("outcome %d = %v, want trusted", i, out)
		}
	}
	if store.sets != 1 {
		t.Errorf("store writes = %d, want 1", store.sets)
	}
}

func TestEvaluateMismatchNeverOverwrites(t *testing.T) {
	store := newFakeKeyStore()
	tr := NewTracker(store)
	original := []byte{0x11, 0x22, 0x33, 0x44}
	// Same length, one byte off.
	altered := []byte{0x11, 0x22, 0x33, 0x45}

	if out, _ := tr.Evaluate(5, original); out != OutcomeFirstSeen {
		t.Fatal("setup: first seen expected")
	}

	out, err := tr.Evaluate(5, altered)
	if err != nil {
		t.Fatalf("evaluate altered: %v", err)
	}
	if out != OutcomeMismatch {
		t.Errorf("outcome = %v, want mismatch", out)
	}
	if !bytes.Equal(store.recorded(5), original) {
		t.Errorf("recorded changed to % X after mismatch", store.recorded(5))
	}

	// No auto-heal: the newer key keeps mismatching, the original still
	// matches the untouched pin.
	if out, _ := tr.Evaluate(5, altered); out != OutcomeMismatch {
		t.Errorf("repeat altered = %v, want mismatch", out)
	}
	if out, _ := tr.Evaluate(5, original); out != OutcomeTrusted {
		t.Errorf("original after mismatch = %v, want trusted", out)
	}
}

func TestEvaluateEmptyKeys(t *testing.T) {
	store := newFakeKeyStore()
	tr := NewTracker(store)

	// Nothing recorded, nothing announced: trusted, nothing written.
	out, err := tr.Evaluate(3, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out != OutcomeTrusted {
		t.Errorf("outcome = %v, want trusted", out)
	}
	if store.sets != 0 {
		t.Errorf("store writes = %d, want 0", store.sets)
	}

	// An empty recorded key counts as no pin.
	store.keys[4] = []byte{}
	if out, _ := tr.Evaluate(4, []byte{0x01}); out != OutcomeFirstSeen {
		t.Errorf("outcome = %v, want first_seen", out)
	}

	// A pinned node announcing no key is a mismatch, not a downgrade.
	if out, _ := tr.Evaluate(4, nil); out != OutcomeMismatch {
		t.Errorf("outcome = %v, want mismatch", out)
	}
}

func TestAuthorizeReplacesPin(t *testing.T) {
	store := newFakeKeyStore()
	tr := NewTracker(store)
	oldKey := []byte{0x01}
	newKey := []byte{0x02}

	tr.Evaluate(9, oldKey)
	if out, _ := tr.Evaluate(9, newKey); out != OutcomeMismatch {
		t.Fatal("setup: mismatch expected")
	}

	if err := tr.Authorize(9, newKey); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out, _ := tr.Evaluate(9, newKey); out != OutcomeTrusted {
		t.Errorf("after authorize = %v, want trusted", out)
	}
	if out, _ := tr.Evaluate(9, oldKey); out != OutcomeMismatch {
		t.Errorf("old key after authorize = %v, want mismatch", out)
	}
}

func TestEvaluateStoreErrors(t *testing.T) {
	store := newFakeKeyStore()
	tr := NewTracker(store)
	failure := errors.New("disk gone")
	store.fail = failure

	if _, err := tr.Evaluate(1, []byte{0x01}); !errors.Is(err, failure) {
		t.Errorf("err = %v, want wrapped store failure", err)
	}
	if err := tr.Authorize(1, []byte{0x01}); !errors.Is(err, failure) {
		t.Errorf("authorize err = %v, want wrapped store failure", err)
	}
}

func TestEvaluateConcurrentNodes(t *testing.T) {
	store := newFakeKeyStore()
	tr := NewTracker(store)

	const nodes = 64
	var firstSeen, trusted atomic.Int32
	var wg sync.WaitGroup

	// Two racing evaluations per node with the same key: exactly one
	// pins, the other must see the pin.
	for id := uint32(1); id <= nodes; id++ {
		key := []byte{byte(id), byte(id >> 8)}
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(id uint32, key []byte) {
				defer wg.Done()
				out, err := tr.Evaluate(id, key)
				if err != nil {
					t.Errorf("evaluate %d: %v", id, err)
					return
				}
				switch out {
				case OutcomeFirstSeen:
					firstSeen.Add(1)
				case OutcomeTrusted:
					trusted.Add(1)
				default:
					t.Errorf("node %d: unexpected outcome %v", id, out)
				}
			}(id, key)
		}
	}
	wg.Wait()

	if firstSeen.Load() != nodes {
		t.Errorf("first_seen = %d, want %d", firstSeen.Load(), nodes)
	}
	if trusted.Load() != nodes {
		t.Errorf("trusted = %d, want %d", trusted.Load(), nodes)
	}
}
