package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetNode(t *testing.T) {
	s := newTestStore(t)

	n := &NodeRecord{
		Num:        0x08BE4A1C,
		UserID:     "!08be4a1c",
		LongName:   "Ridge Repeater",
		ShortName:  "RDGE",
		HWModel:    9,
		SNR:        6.25,
		RSSI:       -92,
		HopsAway:   0,
		FirstHeard: time.Now().Add(-time.Hour).Truncate(time.Millisecond),
		LastHeard:  time.Now().Truncate(time.Millisecond),
		Position: &Position{
			Latitude:  48.85837,
			Longitude: 2.29448,
			Altitude:  35,
		},
		Metrics: &DeviceMetrics{
			BatteryLevel: 78,
			Voltage:      3.92,
		},
	}

	if err := s.SaveNode(n); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNode(n.Num)
	if err != nil {
		t.Fatal(err)
	}

	if got.Num != n.Num {
		t.Errorf("num = %08x, want %08x", got.Num, n.Num)
	}
	if got.UserID != n.UserID {
		t.Errorf("user_id = %q, want %q", got.UserID, n.UserID)
	}
	if got.LongName != n.LongName {
		t.Errorf("long_name = %q, want %q", got.LongName, n.LongName)
	}
	if got.SNR != n.SNR {
		t.Errorf("snr = %v, want %v", got.SNR, n.SNR)
	}
	if got.RSSI != n.RSSI {
		t.Errorf("rssi = %d, want %d", got.RSSI, n.RSSI)
	}
	if got.Position == nil || got.Position.Latitude != n.Position.Latitude {
		t.Errorf("position = %+v, want %+v", got.Position, n.Position)
	}
	if got.Metrics == nil || got.Metrics.BatteryLevel != 78 {
		t.Errorf("metrics = %+v, want battery 78", got.Metrics)
	}
	if !got.LastHeard.Equal(n.LastHeard) {
		t.Errorf("last_heard = %v, want %v", got.LastHeard, n.LastHeard)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetNode(0xDEAD)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertNodeCreates(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertNode(42, func(n *NodeRecord) error {
		if n.Num != 42 {
			t.Errorf("fresh record num = %d, want 42", n.Num)
		}
		if n.LongName != "" {
			t.Errorf("fresh record long_name = %q, want empty", n.LongName)
		}
		n.LongName = "New Node"
		n.HopsAway = 2
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNode(42)
	if err != nil {
		t.Fatal(err)
	}
	if got.LongName != "New Node" || got.HopsAway != 2 {
		t.Errorf("got %+v, want long_name=New Node hops_away=2", got)
	}
}

func TestUpsertNodeUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveNode(&NodeRecord{Num: 7, LongName: "Base", SNR: 4.5}); err != nil {
		t.Fatal(err)
	}

	err := s.UpsertNode(7, func(n *NodeRecord) error {
		if n.LongName != "Base" {
			t.Errorf("existing long_name = %q, want Base", n.LongName)
		}
		n.RSSI = -101
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNode(7)
	if err != nil {
		t.Fatal(err)
	}
	// Untouched fields survive the round trip.
	if got.LongName != "Base" || got.SNR != 4.5 || got.RSSI != -101 {
		t.Errorf("got %+v, want Base/4.5/-101", got)
	}
}

func TestUpsertNodeAbortsOnError(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveNode(&NodeRecord{Num: 7, LongName: "Base"}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.UpsertNode(7, func(n *NodeRecord) error {
		n.LongName = "Clobbered"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, err := s.GetNode(7)
	if err != nil {
		t.Fatal(err)
	}
	if got.LongName != "Base" {
		t.Errorf("long_name = %q, want Base (aborted upsert must not write)", got.LongName)
	}
}

func TestDeleteNode(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveNode(&NodeRecord{Num: 99}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteNode(99); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetNode(99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestListNodesNumericOrder(t *testing.T) {
	s := newTestStore(t)

	// Inserted out of order; big-endian keys make the cursor walk them
	// in ascending numeric order.
	for _, num := range []uint32{0x300, 0x01, 0x1F4A2B00} {
		if err := s.SaveNode(&NodeRecord{Num: num}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListNodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	want := []uint32{0x01, 0x300, 0x1F4A2B00}
	for i, n := range list {
		if n.Num != want[i] {
			t.Errorf("list[%d].Num = %#x, want %#x", i, n.Num, want[i])
		}
	}
}

func TestRecordedKeyLifecycle(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.RecordedKey(5)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("fresh store reports a recorded key")
	}

	pin := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if err := s.SetRecordedKey(5, pin); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.RecordedKey(5)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(got, pin) {
		t.Fatalf("recorded key = %x (ok=%v), want %x", got, ok, pin)
	}

	// Replacing the pin is allowed at this layer; the trust rules above
	// decide when that is legitimate.
	if err := s.SetRecordedKey(5, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	got, _, err = s.RecordedKey(5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x01}) {
		t.Fatalf("recorded key = %x, want 01", got)
	}

	if err := s.DeleteRecordedKey(5); err != nil {
		t.Fatal(err)
	}
	_, ok, err = s.RecordedKey(5)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("recorded key survives delete")
	}
}

func TestNodeWritesLeaveKeysAlone(t *testing.T) {
	s := newTestStore(t)

	pin := []byte{0x10, 0x20, 0x30}
	if err := s.SetRecordedKey(12, pin); err != nil {
		t.Fatal(err)
	}

	err := s.UpsertNode(12, func(n *NodeRecord) error {
		n.LongName = "Renamed"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteNode(12); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.RecordedKey(12)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(got, pin) {
		t.Fatalf("recorded key = %x (ok=%v), want %x untouched", got, ok, pin)
	}
}

func TestMyNodeNum(t *testing.T) {
	s := newTestStore(t)

	_, err := s.MyNodeNum()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound on fresh store", err)
	}

	if err := s.SetMyNodeNum(0xDA5C0FFE); err != nil {
		t.Fatal(err)
	}

	num, err := s.MyNodeNum()
	if err != nil {
		t.Fatal(err)
	}
	if num != 0xDA5C0FFE {
		t.Errorf("my node num = %#x, want 0xDA5C0FFE", num)
	}
}

func TestConnectionStatusRaw(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ConnectionStatus()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound on fresh store", err)
	}

	raw := []byte{0x0A, 0x04, 0x08, 0x01, 0x10, 0x01}
	if err := s.SetConnectionStatus(raw); err != nil {
		t.Fatal(err)
	}

	got, err := s.ConnectionStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("status = %x, want %x", got, raw)
	}
}
