package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestMeshPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *MeshPacket
	}{
		{"empty", &MeshPacket{}},
		{"text broadcast", &MeshPacket{
			From:     0xA1B2C3D4,
			To:       Broadcast,
			ID:       7741,
			Decoded:  &Data{Port: PortText, Payload: []byte("on my way")},
			HopLimit: 3,
			HopStart: 3,
		}},
		{"direct with rf stats", &MeshPacket{
			From:   0x10,
			To:     0x20,
			ID:     99,
			RxTime: 1721900000,
			RxSNR:  -7.25,
			RxRSSI: -98,
		}},
		{"relayed", &MeshPacket{
			From:     0x30,
			To:       0x40,
			Channel:  2,
			HopLimit: 1,
			HopStart: 5,
			WantAck:  true,
			ViaMQTT:  true,
		}},
		{"encrypted passthrough", &MeshPacket{
			From:      0x50,
			To:        0x60,
			Encrypted: []byte{0xDE, 0xAD, 0xBE, 0xEF},
		}},
		{"admin request", &MeshPacket{
			From:    0x70,
			To:      0x80,
			ID:      4242,
			Decoded: &Data{Port: PortAdmin, Payload: []byte{0x08, 0x01}, WantResponse: true},
			WantAck: true,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := tt.pkt.Encode()
			got, err := DecodeMeshPacket(enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.pkt) {
				t.Errorf("round trip = %+v, want %+v", got, tt.pkt)
			}
			if renc := got.Encode(); !bytes.Equal(renc, enc) {
				t.Errorf("re-encode = % X, want % X", renc, enc)
			}
		})
	}
}

func TestMeshPacketHopsAway(t *testing.T) {
	tests := []struct {
		name     string
		hopStart uint32
		hopLimit uint32
		want     uint32
	}{
		{"old firmware no hop start", 0, 3, 0},
		{"direct", 3, 3, 0},
		{"one hop", 3, 2, 1},
		{"drained", 7, 0, 7},
		{"limit above start", 2, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &MeshPacket{HopStart: tt.hopStart, HopLimit: tt.hopLimit}
			if got := p.HopsAway(); got != tt.want {
				t.Errorf("hops = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMeshPacketNegativeRSSIWireBytes(t *testing.T) {
	// rxRSSI is a plain int32 varint; negatives sign-extend to the
	// canonical ten-byte form on the wire.
	p := &MeshPacket{RxRSSI: -98}
	enc := p.Encode()

	want := []byte{
		0x60, // field 12 varint
		0x9E, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01,
	}
	if !bytes.Equal(enc, want) {
		t.Fatalf("encoded = % X, want % X", enc, want)
	}

	got, err := DecodeMeshPacket(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RxRSSI != -98 {
		t.Errorf("rssi = %d, want -98", got.RxRSSI)
	}
}

func TestMeshPacketSNRWireBytes(t *testing.T) {
	p := &MeshPacket{RxSNR: -7.25}
	enc := p.Encode()

	want := []byte{
		0x45,                   // field 8, fixed32
		0x00, 0x00, 0xE8, 0xC0, // float32(-7.25) little-endian
	}
	if !bytes.Equal(enc, want) {
		t.Fatalf("encoded = % X, want % X", enc, want)
	}
}

func TestDataRequestIDEcho(t *testing.T) {
	// A routing ack carries the acknowledged packet id in requestID.
	d := &Data{Port: PortRouting, Payload: []byte{}, RequestID: 7741}
	enc := d.Encode()

	got, err := DecodeData(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Port != PortRouting {
		t.Errorf("port = %v, want routing", got.Port)
	}
	if got.RequestID != 7741 {
		t.Errorf("request id = %d, want 7741", got.RequestID)
	}
}

func TestDecodeFromDeviceVariants(t *testing.T) {
	tests := []struct {
		name  string
		in    []byte
		check func(t *testing.T, f *FromDevice)
	}{
		{
			name: "packet",
			in: []byte{
				0x12, 0x04, // field 2: packet, 4 bytes
				0x08, 0x05, //   from 5
				0x10, 0x09, //   to 9
			},
			check: func(t *testing.T, f *FromDevice) {
				if f.Packet == nil {
					t.Fatal("packet = nil")
				}
				if f.Packet.From != 5 || f.Packet.To != 9 {
					t.Errorf("packet = %+v, want from 5 to 9", f.Packet)
				}
			},
		},
		{
			name: "my info",
			in: []byte{
				0x1A, 0x02, // field 3: myInfo, 2 bytes
				0x08, 0x07, //   myNodeNum 7
			},
			check: func(t *testing.T, f *FromDevice) {
				if f.MyInfo == nil {
					t.Fatal("my info = nil")
				}
				if f.MyInfo.MyNodeNum != 7 {
					t.Errorf("my node num = %d, want 7", f.MyInfo.MyNodeNum)
				}
			},
		},
		{
			name: "node info",
			in: []byte{
				0x22, 0x02, // field 4: nodeInfo, 2 bytes
				0x08, 0x2A, //   num 42
			},
			check: func(t *testing.T, f *FromDevice) {
				if f.NodeInfo == nil {
					t.Fatal("node info = nil")
				}
				if f.NodeInfo.Num != 42 {
					t.Errorf("num = %d, want 42", f.NodeInfo.Num)
				}
			},
		},
		{
			name: "config complete",
			in:   []byte{0x38, 0x2A}, // field 7 varint: 42
			check: func(t *testing.T, f *FromDevice) {
				if f.ConfigCompleteID != 42 {
					t.Errorf("config complete id = %d, want 42", f.ConfigCompleteID)
				}
			},
		},
		{
			name: "rebooted",
			in:   []byte{0x40, 0x01}, // field 8 varint: true
			check: func(t *testing.T, f *FromDevice) {
				if !f.Rebooted {
					t.Error("rebooted = false, want true")
				}
			},
		},
		{
			name: "connection status",
			in: []byte{
				0x6A, 0x04, // field 13: connectionStatus, 4 bytes
				0x22, 0x02, //   serial report
				0x10, 0x01, //     connected
			},
			check: func(t *testing.T, f *FromDevice) {
				if f.ConnectionStatus == nil || f.ConnectionStatus.Serial == nil {
					t.Fatalf("status = %+v, want serial report", f.ConnectionStatus)
				}
				if !f.ConnectionStatus.Serial.IsConnected {
					t.Error("serial connected = false, want true")
				}
			},
		},
		{
			name: "unknown variant skipped",
			in: []byte{
				0x2A, 0x03, 0x01, 0x02, 0x03, // field 5 bytes (not ours)
				0x38, 0x07, //                   field 7 varint: 7
			},
			check: func(t *testing.T, f *FromDevice) {
				if f.ConfigCompleteID != 7 {
					t.Errorf("config complete id = %d, want 7", f.ConfigCompleteID)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFromDevice(tt.in)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.check(t, f)
		})
	}
}

func TestToDeviceRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *ToDevice
	}{
		{"packet", &ToDevice{Packet: &MeshPacket{
			From:    1,
			To:      2,
			ID:      300,
			Decoded: &Data{Port: PortText, Payload: []byte("hello")},
		}}},
		{"want config", &ToDevice{WantConfigID: 0xDEAD}},
		{"disconnect", &ToDevice{Disconnect: true}},
		{"heartbeat", &ToDevice{Heartbeat: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := tt.env.Encode()
			got, err := DecodeToDevice(enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.env) {
				t.Errorf("round trip = %+v, want %+v", got, tt.env)
			}
		})
	}
}

func TestToDeviceHeartbeatWireBytes(t *testing.T) {
	// Heartbeat is an empty sub-message: tag plus zero length.
	env := &ToDevice{Heartbeat: true}
	want := []byte{0x3A, 0x00}
	if got := env.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("encoded = % X, want % X", got, want)
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{
			name: "packet length past end",
			in:   []byte{0x12, 0x05, 0x08, 0x01},
			want: ErrTruncated,
		},
		{
			name: "nested decode error surfaces",
			in: []byte{
				0x12, 0x03, // packet, 3 bytes
				0x22, 0x04, 0x08, // decoded declared 4, body cut
			},
			want: ErrTruncated,
		},
		{
			name: "zero field number",
			in:   []byte{0x00},
			want: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFromDevice(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPortNumString(t *testing.T) {
	if got := PortAdmin.String(); got != "admin" {
		t.Errorf("admin port = %q", got)
	}
	if got := PortNum(250).String(); got != "port250" {
		t.Errorf("unknown port = %q", got)
	}
}
