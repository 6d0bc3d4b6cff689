// Package wire implements the radio firmware's protobuf wire contract by
// hand: multi-transport connection status reports and the framed stream
// envelopes exchanged over the device link. Field numbers and encodings are
// bit-exact; unknown fields from newer firmware survive a decode/encode
// round trip untouched.
package wire

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decode failure sentinels. Wrapped with context at each nesting level;
// match with errors.Is.
var (
	ErrTruncated = errors.New("input truncated")
	ErrMalformed = errors.New("malformed input")
)

// --- DeviceConnectionStatus field numbers ---

const (
	connFieldWifi      protowire.Number = 1
	connFieldEthernet  protowire.Number = 2
	connFieldBluetooth protowire.Number = 3
	connFieldSerial    protowire.Number = 4
)

// WifiConnectionStatus field numbers.
const (
	wifiFieldStatus protowire.Number = 1
	wifiFieldSSID   protowire.Number = 2
	wifiFieldRSSI   protowire.Number = 3
)

// EthernetConnectionStatus field numbers.
const (
	ethFieldStatus protowire.Number = 1
)

// NetworkConnectionStatus field numbers.
const (
	netFieldIPAddress protowire.Number = 1
	netFieldConnected protowire.Number = 2
	netFieldMQTT      protowire.Number = 3
	netFieldSyslog    protowire.Number = 4
)

// BluetoothConnectionStatus field numbers.
const (
	btFieldPIN       protowire.Number = 1
	btFieldRSSI      protowire.Number = 2
	btFieldConnected protowire.Number = 3
)

// SerialConnectionStatus field numbers.
const (
	serialFieldBaud      protowire.Number = 1
	serialFieldConnected protowire.Number = 2
)

// DeviceConnectionStatus aggregates the per-transport status reports the
// device pushes. A nil sub-report means the transport is not compiled or
// enabled in the firmware, not that it is down.
type DeviceConnectionStatus struct {
	Wifi      *WifiConnectionStatus
	Ethernet  *EthernetConnectionStatus
	Bluetooth *BluetoothConnectionStatus
	Serial    *SerialConnectionStatus

	// Unknown holds raw bytes of fields this build does not understand,
	// re-emitted verbatim on encode.
	Unknown []byte
}

// WifiConnectionStatus reports the WLAN interface state.
type WifiConnectionStatus struct {
	Status  *NetworkConnectionStatus
	SSID    string
	RSSI    int32 // dBm, zigzag on the wire

	Unknown []byte
}

// EthernetConnectionStatus reports the wired interface state.
type EthernetConnectionStatus struct {
	Status *NetworkConnectionStatus

	Unknown []byte
}

// NetworkConnectionStatus is the IP-layer state shared by wifi and ethernet.
// IPAddress keeps the device's native byte packing; it is carried as a
// fixed 32-bit value and must survive a round trip bit-exactly.
type NetworkConnectionStatus struct {
	IPAddress         uint32
	IsConnected       bool
	IsMQTTConnected   bool
	IsSyslogConnected bool

	Unknown []byte
}

// BluetoothConnectionStatus reports the BLE interface state.
type BluetoothConnectionStatus struct {
	PIN         uint32
	RSSI        int32 // dBm, zigzag on the wire
	IsConnected bool

	Unknown []byte
}

// SerialConnectionStatus reports the wired serial console state.
type SerialConnectionStatus struct {
	Baud        uint32
	IsConnected bool

	Unknown []byte
}

// --- Encode ---

// Encode serializes the status message. Scalars equal to their zero value
// are omitted; absent sub-reports emit nothing at all.
func (s *DeviceConnectionStatus) Encode() []byte {
	var b []byte
	if s.Wifi != nil {
		b = protowire.AppendTag(b, connFieldWifi, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Wifi.Encode())
	}
	if s.Ethernet != nil {
		b = protowire.AppendTag(b, connFieldEthernet, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Ethernet.Encode())
	}
	if s.Bluetooth != nil {
		b = protowire.AppendTag(b, connFieldBluetooth, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Bluetooth.Encode())
	}
	if s.Serial != nil {
		b = protowire.AppendTag(b, connFieldSerial, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Serial.Encode())
	}
	return append(b, s.Unknown...)
}

// Encode serializes the wifi report body (no outer tag).
func (w *WifiConnectionStatus) Encode() []byte {
	var b []byte
	if w.Status != nil {
		b = protowire.AppendTag(b, wifiFieldStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Status.Encode())
	}
	if w.SSID != "" {
		b = protowire.AppendTag(b, wifiFieldSSID, protowire.BytesType)
		b = protowire.AppendString(b, w.SSID)
	}
	if w.RSSI != 0 {
		b = protowire.AppendTag(b, wifiFieldRSSI, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(w.RSSI)))
	}
	return append(b, w.Unknown...)
}

// Encode serializes the ethernet report body (no outer tag).
func (e *EthernetConnectionStatus) Encode() []byte {
	var b []byte
	if e.Status != nil {
		b = protowire.AppendTag(b, ethFieldStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Status.Encode())
	}
	return append(b, e.Unknown...)
}

// Encode serializes the IP-layer state body (no outer tag). An all-zero
// status encodes to zero bytes.
func (n *NetworkConnectionStatus) Encode() []byte {
	var b []byte
	if n.IPAddress != 0 {
		b = protowire.AppendTag(b, netFieldIPAddress, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, n.IPAddress)
	}
	if n.IsConnected {
		b = protowire.AppendTag(b, netFieldConnected, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(n.IsConnected))
	}
	if n.IsMQTTConnected {
		b = protowire.AppendTag(b, netFieldMQTT, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(n.IsMQTTConnected))
	}
	if n.IsSyslogConnected {
		b = protowire.AppendTag(b, netFieldSyslog, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(n.IsSyslogConnected))
	}
	return append(b, n.Unknown...)
}

// Encode serializes the bluetooth report body (no outer tag).
func (bt *BluetoothConnectionStatus) Encode() []byte {
	var b []byte
	if bt.PIN != 0 {
		b = protowire.AppendTag(b, btFieldPIN, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(bt.PIN))
	}
	if bt.RSSI != 0 {
		b = protowire.AppendTag(b, btFieldRSSI, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(bt.RSSI)))
	}
	if bt.IsConnected {
		b = protowire.AppendTag(b, btFieldConnected, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(bt.IsConnected))
	}
	return append(b, bt.Unknown...)
}

// Encode serializes the serial report body (no outer tag).
func (sr *SerialConnectionStatus) Encode() []byte {
	var b []byte
	if sr.Baud != 0 {
		b = protowire.AppendTag(b, serialFieldBaud, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sr.Baud))
	}
	if sr.IsConnected {
		b = protowire.AppendTag(b, serialFieldConnected, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(sr.IsConnected))
	}
	return append(b, sr.Unknown...)
}

// --- Decode ---

// DecodeConnectionStatus parses a DeviceConnectionStatus message. Missing
// scalar fields decode as zero/false; unknown fields at any nesting level
// are preserved for re-encoding.
func DecodeConnectionStatus(b []byte) (*DeviceConnectionStatus, error) {
	s := &DeviceConnectionStatus{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("connection status: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == connFieldWifi && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("connection status: wifi: %w", consumeErr(n))
			}
			w, err := decodeWifiStatus(body)
			if err != nil {
				return nil, fmt.Errorf("connection status: wifi: %w", err)
			}
			s.Wifi = w
			b = b[tagLen+n:]
		case num == connFieldEthernet && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("connection status: ethernet: %w", consumeErr(n))
			}
			e, err := decodeEthernetStatus(body)
			if err != nil {
				return nil, fmt.Errorf("connection status: ethernet: %w", err)
			}
			s.Ethernet = e
			b = b[tagLen+n:]
		case num == connFieldBluetooth && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("connection status: bluetooth: %w", consumeErr(n))
			}
			bt, err := decodeBluetoothStatus(body)
			if err != nil {
				return nil, fmt.Errorf("connection status: bluetooth: %w", err)
			}
			s.Bluetooth = bt
			b = b[tagLen+n:]
		case num == connFieldSerial && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("connection status: serial: %w", consumeErr(n))
			}
			sr, err := decodeSerialStatus(body)
			if err != nil {
				return nil, fmt.Errorf("connection status: serial: %w", err)
			}
			s.Serial = sr
			b = b[tagLen+n:]
		default:
			var err error
			s.Unknown, b, err = preserveField(s.Unknown, b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("connection status: field %d: %w", num, err)
			}
		}
	}
	return s, nil
}

func decodeWifiStatus(b []byte) (*WifiConnectionStatus, error) {
	w := &WifiConnectionStatus{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == wifiFieldStatus && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("status: %w", consumeErr(n))
			}
			st, err := decodeNetworkStatus(body)
			if err != nil {
				return nil, fmt.Errorf("status: %w", err)
			}
			w.Status = st
			b = b[tagLen+n:]
		case num == wifiFieldSSID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("ssid: %w", consumeErr(n))
			}
			w.SSID = v
			b = b[tagLen+n:]
		case num == wifiFieldRSSI && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("rssi: %w", consumeErr(n))
			}
			w.RSSI = int32(protowire.DecodeZigZag(v))
			b = b[tagLen+n:]
		default:
			var err error
			w.Unknown, b, err = preserveField(w.Unknown, b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", num, err)
			}
		}
	}
	return w, nil
}

func decodeEthernetStatus(b []byte) (*EthernetConnectionStatus, error) {
	e := &EthernetConnectionStatus{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == ethFieldStatus && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("status: %w", consumeErr(n))
			}
			st, err := decodeNetworkStatus(body)
			if err != nil {
				return nil, fmt.Errorf("status: %w", err)
			}
			e.Status = st
			b = b[tagLen+n:]
		default:
			var err error
			e.Unknown, b, err = preserveField(e.Unknown, b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", num, err)
			}
		}
	}
	return e, nil
}

func decodeNetworkStatus(b []byte) (*NetworkConnectionStatus, error) {
	st := &NetworkConnectionStatus{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == netFieldIPAddress && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("ip address: %w", consumeErr(n))
			}
			st.IPAddress = v
			b = b[tagLen+n:]
		case num == netFieldConnected && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("connected: %w", consumeErr(n))
			}
			st.IsConnected = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == netFieldMQTT && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("mqtt connected: %w", consumeErr(n))
			}
			st.IsMQTTConnected = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == netFieldSyslog && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("syslog connected: %w", consumeErr(n))
			}
			st.IsSyslogConnected = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		default:
			var err error
			st.Unknown, b, err = preserveField(st.Unknown, b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", num, err)
			}
		}
	}
	return st, nil
}

func decodeBluetoothStatus(b []byte) (*BluetoothConnectionStatus, error) {
	bt := &BluetoothConnectionStatus{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == btFieldPIN && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("pin: %w", consumeErr(n))
			}
			bt.PIN = uint32(v)
			b = b[tagLen+n:]
		case num == btFieldRSSI && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("rssi: %w", consumeErr(n))
			}
			bt.RSSI = int32(protowire.DecodeZigZag(v))
			b = b[tagLen+n:]
		case num == btFieldConnected && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("connected: %w", consumeErr(n))
			}
			bt.IsConnected = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		default:
			var err error
			bt.Unknown, b, err = preserveField(bt.Unknown, b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", num, err)
			}
		}
	}
	return bt, nil
}

func decodeSerialStatus(b []byte) (*SerialConnectionStatus, error) {
	sr := &SerialConnectionStatus{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == serialFieldBaud && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("baud: %w", consumeErr(n))
			}
			sr.Baud = uint32(v)
			b = b[tagLen+n:]
		case num == serialFieldConnected && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("connected: %w", consumeErr(n))
			}
			sr.IsConnected = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		default:
			var err error
			sr.Unknown, b, err = preserveField(sr.Unknown, b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", num, err)
			}
		}
	}
	return sr, nil
}

// --- Shared decode helpers ---

// consumeErr maps a negative protowire result onto the package sentinels:
// short input is ErrTruncated, anything else ErrMalformed.
func consumeErr(n int) error {
	if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return ErrMalformed
}

// preserveField copies one complete unrecognized field (tag bytes included)
// from b into dst, returning the grown dst and the remaining input. Fields
// whose wire type does not match the schema land here too, same as protobuf
// treats a type mismatch.
func preserveField(dst, b []byte, num protowire.Number, typ protowire.Type, tagLen int) ([]byte, []byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b[tagLen:])
	if n < 0 {
		return dst, b, consumeErr(n)
	}
	dst = append(dst, b[:tagLen+n]...)
	return dst, b[tagLen+n:], nil
}
