package wire

// Framed stream envelopes: FromDevice (radio -> app) and ToDevice
// (app -> radio), plus the mesh packet payloads they carry. Unlike the
// connection status codec these are consumed, not re-emitted, so unknown
// fields are skipped rather than preserved.

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Broadcast is the node number addressing every node in the mesh.
const Broadcast uint32 = 0xFFFFFFFF

// PortNum identifies the application payload carried in a Data message.
type PortNum uint32

// Application ports (firmware contract).
const (
	PortUnknown      PortNum = 0
	PortText         PortNum = 1
	PortPosition     PortNum = 3
	PortNodeInfo     PortNum = 4
	PortRouting      PortNum = 5
	PortAdmin        PortNum = 6
	PortStoreForward PortNum = 65
	PortTelemetry    PortNum = 67
	PortTraceRoute   PortNum = 70
)

func (p PortNum) String() string {
	switch p {
	case PortText:
		return "text"
	case PortPosition:
		return "position"
	case PortNodeInfo:
		return "nodeinfo"
	case PortRouting:
		return "routing"
	case PortAdmin:
		return "admin"
	case PortStoreForward:
		return "storeforward"
	case PortTelemetry:
		return "telemetry"
	case PortTraceRoute:
		return "traceroute"
	default:
		return fmt.Sprintf("port%d", uint32(p))
	}
}

// RoutingError is the ack/nak reason carried by routing packets.
type RoutingError uint32

const (
	RoutingNone               RoutingError = 0
	RoutingNoRoute            RoutingError = 1
	RoutingGotNak             RoutingError = 2
	RoutingTimeout            RoutingError = 3
	RoutingNoInterface        RoutingError = 4
	RoutingMaxRetransmit      RoutingError = 5
	RoutingNoChannel          RoutingError = 6
	RoutingTooLarge           RoutingError = 7
	RoutingNoResponse         RoutingError = 8
	RoutingDutyCycleLimit     RoutingError = 9
	RoutingBadRequest         RoutingError = 32
	RoutingNotAuthorized      RoutingError = 33
	RoutingPKIFailed          RoutingError = 34
	RoutingPKIUnknownPubkey   RoutingError = 35
	RoutingAdminBadSessionKey RoutingError = 36
	RoutingAdminKeyUnauth     RoutingError = 37
)

func (e RoutingError) String() string {
	switch e {
	case RoutingNone:
		return "none"
	case RoutingNoRoute:
		return "no route"
	case RoutingGotNak:
		return "got nak"
	case RoutingTimeout:
		return "timeout"
	case RoutingNoInterface:
		return "no interface"
	case RoutingMaxRetransmit:
		return "max retransmit"
	case RoutingNoChannel:
		return "no channel"
	case RoutingTooLarge:
		return "too large"
	case RoutingNoResponse:
		return "no response"
	case RoutingDutyCycleLimit:
		return "duty cycle limit"
	case RoutingBadRequest:
		return "bad request"
	case RoutingNotAuthorized:
		return "not authorized"
	case RoutingPKIFailed:
		return "pki failed"
	case RoutingPKIUnknownPubkey:
		return "pki unknown pubkey"
	case RoutingAdminBadSessionKey:
		return "admin bad session key"
	case RoutingAdminKeyUnauth:
		return "admin key unauthorized"
	default:
		return fmt.Sprintf("error %d", uint32(e))
	}
}

// --- FromDevice (radio -> app) ---

// FromDevice field numbers.
const (
	fromFieldPacket         protowire.Number = 2
	fromFieldMyInfo         protowire.Number = 3
	fromFieldNodeInfo       protowire.Number = 4
	fromFieldConfigComplete protowire.Number = 7
	fromFieldRebooted       protowire.Number = 8
	fromFieldConnStatus     protowire.Number = 13
)

// FromDevice is one envelope read off the framed stream. Exactly one
// variant field is set per envelope.
type FromDevice struct {
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	ConfigCompleteID uint32
	Rebooted         bool
	ConnectionStatus *DeviceConnectionStatus
}

// DecodeFromDevice parses one radio -> app envelope.
func DecodeFromDevice(b []byte) (*FromDevice, error) {
	f := &FromDevice{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("envelope: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == fromFieldPacket && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: packet: %w", consumeErr(n))
			}
			p, err := DecodeMeshPacket(body)
			if err != nil {
				return nil, fmt.Errorf("envelope: packet: %w", err)
			}
			f.Packet = p
			b = b[tagLen+n:]
		case num == fromFieldMyInfo && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: my info: %w", consumeErr(n))
			}
			mi, err := decodeMyNodeInfo(body)
			if err != nil {
				return nil, fmt.Errorf("envelope: my info: %w", err)
			}
			f.MyInfo = mi
			b = b[tagLen+n:]
		case num == fromFieldNodeInfo && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: node info: %w", consumeErr(n))
			}
			ni, err := DecodeNodeInfo(body)
			if err != nil {
				return nil, fmt.Errorf("envelope: node info: %w", err)
			}
			f.NodeInfo = ni
			b = b[tagLen+n:]
		case num == fromFieldConfigComplete && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: config complete: %w", consumeErr(n))
			}
			f.ConfigCompleteID = uint32(v)
			b = b[tagLen+n:]
		case num == fromFieldRebooted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: rebooted: %w", consumeErr(n))
			}
			f.Rebooted = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == fromFieldConnStatus && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: connection status: %w", consumeErr(n))
			}
			cs, err := DecodeConnectionStatus(body)
			if err != nil {
				return nil, fmt.Errorf("envelope: %w", err)
			}
			f.ConnectionStatus = cs
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("envelope: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return f, nil
}

// --- ToDevice (app -> radio) ---

// ToDevice field numbers.
const (
	toFieldPacket     protowire.Number = 1
	toFieldWantConfig protowire.Number = 3
	toFieldDisconnect protowire.Number = 4
	toFieldHeartbeat  protowire.Number = 7
)

// ToDevice is one envelope written to the framed stream. Exactly one
// variant field should be set.
type ToDevice struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Disconnect   bool
	Heartbeat    bool
}

// Encode serializes the envelope.
func (t *ToDevice) Encode() []byte {
	var b []byte
	if t.Packet != nil {
		b = protowire.AppendTag(b, toFieldPacket, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Packet.Encode())
	}
	if t.WantConfigID != 0 {
		b = protowire.AppendTag(b, toFieldWantConfig, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.WantConfigID))
	}
	if t.Disconnect {
		b = protowire.AppendTag(b, toFieldDisconnect, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(t.Disconnect))
	}
	if t.Heartbeat {
		b = protowire.AppendTag(b, toFieldHeartbeat, protowire.BytesType)
		b = protowire.AppendBytes(b, nil) // empty Heartbeat message
	}
	return b
}

// DecodeToDevice parses an app -> radio envelope.
func DecodeToDevice(b []byte) (*ToDevice, error) {
	t := &ToDevice{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("envelope: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == toFieldPacket && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: packet: %w", consumeErr(n))
			}
			p, err := DecodeMeshPacket(body)
			if err != nil {
				return nil, fmt.Errorf("envelope: packet: %w", err)
			}
			t.Packet = p
			b = b[tagLen+n:]
		case num == toFieldWantConfig && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: want config: %w", consumeErr(n))
			}
			t.WantConfigID = uint32(v)
			b = b[tagLen+n:]
		case num == toFieldDisconnect && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: disconnect: %w", consumeErr(n))
			}
			t.Disconnect = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == toFieldHeartbeat && typ == protowire.BytesType:
			_, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("envelope: heartbeat: %w", consumeErr(n))
			}
			t.Heartbeat = true
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("envelope: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return t, nil
}

// --- MeshPacket ---

// MeshPacket field numbers.
const (
	pktFieldFrom      protowire.Number = 1
	pktFieldTo        protowire.Number = 2
	pktFieldChannel   protowire.Number = 3
	pktFieldDecoded   protowire.Number = 4
	pktFieldEncrypted protowire.Number = 5
	pktFieldID        protowire.Number = 6
	pktFieldRxTime    protowire.Number = 7
	pktFieldRxSNR     protowire.Number = 8
	pktFieldHopLimit  protowire.Number = 9
	pktFieldWantAck   protowire.Number = 10
	pktFieldRxRSSI    protowire.Number = 12
	pktFieldViaMQTT   protowire.Number = 14
	pktFieldHopStart  protowire.Number = 15
)

// MeshPacket is one packet on the mesh. Decoded is set when the payload is
// readable; Encrypted carries ciphertext for channels this side cannot read.
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   *Data
	Encrypted []byte
	ID        uint32
	RxTime    uint32  // unix seconds
	RxSNR     float32 // dB, last hop only
	HopLimit  uint32
	WantAck   bool
	RxRSSI    int32 // dBm, last hop only
	ViaMQTT   bool
	HopStart  uint32
}

// HopsAway derives the relay count for a received packet: firmware that
// reports the starting hop limit lets us subtract what remained on arrival.
// Zero means direct RF reception (or an old firmware that cannot say).
func (p *MeshPacket) HopsAway() uint32 {
	if p.HopStart == 0 || p.HopStart < p.HopLimit {
		return 0
	}
	return p.HopStart - p.HopLimit
}

// Encode serializes the packet body (no outer tag).
func (p *MeshPacket) Encode() []byte {
	var b []byte
	if p.From != 0 {
		b = protowire.AppendTag(b, pktFieldFrom, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.From))
	}
	if p.To != 0 {
		b = protowire.AppendTag(b, pktFieldTo, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.To))
	}
	if p.Channel != 0 {
		b = protowire.AppendTag(b, pktFieldChannel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Channel))
	}
	if p.Decoded != nil {
		b = protowire.AppendTag(b, pktFieldDecoded, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Decoded.Encode())
	}
	if len(p.Encrypted) > 0 {
		b = protowire.AppendTag(b, pktFieldEncrypted, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Encrypted)
	}
	if p.ID != 0 {
		b = protowire.AppendTag(b, pktFieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ID))
	}
	if p.RxTime != 0 {
		b = protowire.AppendTag(b, pktFieldRxTime, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.RxTime)
	}
	if p.RxSNR != 0 {
		b = protowire.AppendTag(b, pktFieldRxSNR, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(p.RxSNR))
	}
	if p.HopLimit != 0 {
		b = protowire.AppendTag(b, pktFieldHopLimit, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = protowire.AppendTag(b, pktFieldWantAck, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(p.WantAck))
	}
	if p.RxRSSI != 0 {
		b = protowire.AppendTag(b, pktFieldRxRSSI, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(p.RxRSSI)))
	}
	if p.ViaMQTT {
		b = protowire.AppendTag(b, pktFieldViaMQTT, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(p.ViaMQTT))
	}
	if p.HopStart != 0 {
		b = protowire.AppendTag(b, pktFieldHopStart, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.HopStart))
	}
	return b
}

// DecodeMeshPacket parses a packet body.
func DecodeMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("packet: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == pktFieldFrom && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: from: %w", consumeErr(n))
			}
			p.From = uint32(v)
			b = b[tagLen+n:]
		case num == pktFieldTo && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: to: %w", consumeErr(n))
			}
			p.To = uint32(v)
			b = b[tagLen+n:]
		case num == pktFieldChannel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: channel: %w", consumeErr(n))
			}
			p.Channel = uint32(v)
			b = b[tagLen+n:]
		case num == pktFieldDecoded && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: decoded: %w", consumeErr(n))
			}
			d, err := DecodeData(body)
			if err != nil {
				return nil, fmt.Errorf("packet: decoded: %w", err)
			}
			p.Decoded = d
			b = b[tagLen+n:]
		case num == pktFieldEncrypted && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: encrypted: %w", consumeErr(n))
			}
			p.Encrypted = append([]byte(nil), v...)
			b = b[tagLen+n:]
		case num == pktFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: id: %w", consumeErr(n))
			}
			p.ID = uint32(v)
			b = b[tagLen+n:]
		case num == pktFieldRxTime && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: rx time: %w", consumeErr(n))
			}
			p.RxTime = v
			b = b[tagLen+n:]
		case num == pktFieldRxSNR && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: rx snr: %w", consumeErr(n))
			}
			p.RxSNR = math.Float32frombits(v)
			b = b[tagLen+n:]
		case num == pktFieldHopLimit && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: hop limit: %w", consumeErr(n))
			}
			p.HopLimit = uint32(v)
			b = b[tagLen+n:]
		case num == pktFieldWantAck && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: want ack: %w", consumeErr(n))
			}
			p.WantAck = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == pktFieldRxRSSI && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: rx rssi: %w", consumeErr(n))
			}
			p.RxRSSI = int32(v)
			b = b[tagLen+n:]
		case num == pktFieldViaMQTT && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: via mqtt: %w", consumeErr(n))
			}
			p.ViaMQTT = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == pktFieldHopStart && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("packet: hop start: %w", consumeErr(n))
			}
			p.HopStart = uint32(v)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("packet: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return p, nil
}

// --- Data ---

// Data field numbers.
const (
	dataFieldPort         protowire.Number = 1
	dataFieldPayload      protowire.Number = 2
	dataFieldWantResponse protowire.Number = 3
	dataFieldRequestID    protowire.Number = 6
	dataFieldReplyID      protowire.Number = 7
)

// Data is the decoded application payload of a mesh packet. RequestID on a
// response echoes the packet id of the request it answers.
type Data struct {
	Port         PortNum
	Payload      []byte
	WantResponse bool
	RequestID    uint32
	ReplyID      uint32
}

// Encode serializes the payload body (no outer tag).
func (d *Data) Encode() []byte {
	var b []byte
	if d.Port != 0 {
		b = protowire.AppendTag(b, dataFieldPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Port))
	}
	if len(d.Payload) > 0 {
		b = protowire.AppendTag(b, dataFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Payload)
	}
	if d.WantResponse {
		b = protowire.AppendTag(b, dataFieldWantResponse, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(d.WantResponse))
	}
	if d.RequestID != 0 {
		b = protowire.AppendTag(b, dataFieldRequestID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.RequestID))
	}
	if d.ReplyID != 0 {
		b = protowire.AppendTag(b, dataFieldReplyID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.ReplyID))
	}
	return b
}

// DecodeData parses a payload body.
func DecodeData(b []byte) (*Data, error) {
	d := &Data{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("data: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == dataFieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("data: port: %w", consumeErr(n))
			}
			d.Port = PortNum(v)
			b = b[tagLen+n:]
		case num == dataFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("data: payload: %w", consumeErr(n))
			}
			d.Payload = append([]byte(nil), v...)
			b = b[tagLen+n:]
		case num == dataFieldWantResponse && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("data: want response: %w", consumeErr(n))
			}
			d.WantResponse = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == dataFieldRequestID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("data: request id: %w", consumeErr(n))
			}
			d.RequestID = uint32(v)
			b = b[tagLen+n:]
		case num == dataFieldReplyID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("data: reply id: %w", consumeErr(n))
			}
			d.ReplyID = uint32(v)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("data: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return d, nil
}

// skipField discards one complete unrecognized field, returning the rest.
func skipField(b []byte, num protowire.Number, typ protowire.Type, tagLen int) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b[tagLen:])
	if n < 0 {
		return b, consumeErr(n)
	}
	return b[tagLen+n:], nil
}
