package wire

// Node database payloads: NodeInfo snapshots streamed during config sync,
// the local MyNodeInfo record, positions, telemetry and routing results.
// Like the envelopes these are consumed, so unknown fields are skipped.

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// --- NodeInfo ---

// NodeInfo field numbers.
const (
	nodeFieldNum           protowire.Number = 1
	nodeFieldUser          protowire.Number = 2
	nodeFieldPosition      protowire.Number = 3
	nodeFieldSNR           protowire.Number = 4
	nodeFieldLastHeard     protowire.Number = 5
	nodeFieldDeviceMetrics protowire.Number = 6
	nodeFieldChannel       protowire.Number = 7
	nodeFieldViaMQTT       protowire.Number = 8
	nodeFieldHopsAway      protowire.Number = 9
)

// NodeInfo is the radio's own record of a mesh node, streamed once per node
// during config sync and again whenever the node is refreshed.
type NodeInfo struct {
	Num           uint32
	User          *User
	Position      *Position
	SNR           float32
	LastHeard     uint32 // unix seconds
	DeviceMetrics *DeviceMetrics
	Channel       uint32
	ViaMQTT       bool
	HopsAway      uint32
}

// Encode serializes the node record body (no outer tag).
func (ni *NodeInfo) Encode() []byte {
	var b []byte
	if ni.Num != 0 {
		b = protowire.AppendTag(b, nodeFieldNum, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ni.Num))
	}
	if ni.User != nil {
		b = protowire.AppendTag(b, nodeFieldUser, protowire.BytesType)
		b = protowire.AppendBytes(b, ni.User.Encode())
	}
	if ni.Position != nil {
		b = protowire.AppendTag(b, nodeFieldPosition, protowire.BytesType)
		b = protowire.AppendBytes(b, ni.Position.Encode())
	}
	if ni.SNR != 0 {
		b = protowire.AppendTag(b, nodeFieldSNR, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(ni.SNR))
	}
	if ni.LastHeard != 0 {
		b = protowire.AppendTag(b, nodeFieldLastHeard, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, ni.LastHeard)
	}
	if ni.DeviceMetrics != nil {
		b = protowire.AppendTag(b, nodeFieldDeviceMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, ni.DeviceMetrics.Encode())
	}
	if ni.Channel != 0 {
		b = protowire.AppendTag(b, nodeFieldChannel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ni.Channel))
	}
	if ni.ViaMQTT {
		b = protowire.AppendTag(b, nodeFieldViaMQTT, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(ni.ViaMQTT))
	}
	if ni.HopsAway != 0 {
		b = protowire.AppendTag(b, nodeFieldHopsAway, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ni.HopsAway))
	}
	return b
}

// DecodeNodeInfo parses a node record body.
func DecodeNodeInfo(b []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("nodeinfo: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == nodeFieldNum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: num: %w", consumeErr(n))
			}
			ni.Num = uint32(v)
			b = b[tagLen+n:]
		case num == nodeFieldUser && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: user: %w", consumeErr(n))
			}
			u, err := DecodeUser(body)
			if err != nil {
				return nil, fmt.Errorf("nodeinfo: %w", err)
			}
			ni.User = u
			b = b[tagLen+n:]
		case num == nodeFieldPosition && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: position: %w", consumeErr(n))
			}
			p, err := DecodePosition(body)
			if err != nil {
				return nil, fmt.Errorf("nodeinfo: %w", err)
			}
			ni.Position = p
			b = b[tagLen+n:]
		case num == nodeFieldSNR && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: snr: %w", consumeErr(n))
			}
			ni.SNR = math.Float32frombits(v)
			b = b[tagLen+n:]
		case num == nodeFieldLastHeard && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: last heard: %w", consumeErr(n))
			}
			ni.LastHeard = v
			b = b[tagLen+n:]
		case num == nodeFieldDeviceMetrics && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: metrics: %w", consumeErr(n))
			}
			m, err := DecodeDeviceMetrics(body)
			if err != nil {
				return nil, fmt.Errorf("nodeinfo: %w", err)
			}
			ni.DeviceMetrics = m
			b = b[tagLen+n:]
		case num == nodeFieldChannel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: channel: %w", consumeErr(n))
			}
			ni.Channel = uint32(v)
			b = b[tagLen+n:]
		case num == nodeFieldViaMQTT && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: via mqtt: %w", consumeErr(n))
			}
			ni.ViaMQTT = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == nodeFieldHopsAway && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("nodeinfo: hops away: %w", consumeErr(n))
			}
			ni.HopsAway = uint32(v)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("nodeinfo: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return ni, nil
}

// --- User ---

// User field numbers.
const (
	userFieldID        protowire.Number = 1
	userFieldLongName  protowire.Number = 2
	userFieldShortName protowire.Number = 3
	userFieldHWModel   protowire.Number = 5
	userFieldPublicKey protowire.Number = 8
)

// User is a node's owner record. PublicKey is the node's advertised identity
// key; HWModel is passed through opaquely (the enum belongs to the firmware).
type User struct {
	ID        string
	LongName  string
	ShortName string
	HWModel   uint32
	PublicKey []byte
}

// Encode serializes the user body (no outer tag).
func (u *User) Encode() []byte {
	var b []byte
	if u.ID != "" {
		b = protowire.AppendTag(b, userFieldID, protowire.BytesType)
		b = protowire.AppendString(b, u.ID)
	}
	if u.LongName != "" {
		b = protowire.AppendTag(b, userFieldLongName, protowire.BytesType)
		b = protowire.AppendString(b, u.LongName)
	}
	if u.ShortName != "" {
		b = protowire.AppendTag(b, userFieldShortName, protowire.BytesType)
		b = protowire.AppendString(b, u.ShortName)
	}
	if u.HWModel != 0 {
		b = protowire.AppendTag(b, userFieldHWModel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.HWModel))
	}
	if len(u.PublicKey) > 0 {
		b = protowire.AppendTag(b, userFieldPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, u.PublicKey)
	}
	return b
}

// DecodeUser parses a user body.
func DecodeUser(b []byte) (*User, error) {
	u := &User{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("user: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == userFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("user: id: %w", consumeErr(n))
			}
			u.ID = v
			b = b[tagLen+n:]
		case num == userFieldLongName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("user: long name: %w", consumeErr(n))
			}
			u.LongName = v
			b = b[tagLen+n:]
		case num == userFieldShortName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("user: short name: %w", consumeErr(n))
			}
			u.ShortName = v
			b = b[tagLen+n:]
		case num == userFieldHWModel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("user: hw model: %w", consumeErr(n))
			}
			u.HWModel = uint32(v)
			b = b[tagLen+n:]
		case num == userFieldPublicKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("user: public key: %w", consumeErr(n))
			}
			u.PublicKey = append([]byte(nil), v...)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("user: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return u, nil
}

// --- Position ---

// Position field numbers.
const (
	posFieldLatitudeI  protowire.Number = 1
	posFieldLongitudeI protowire.Number = 2
	posFieldAltitude   protowire.Number = 3
	posFieldTime       protowire.Number = 4
)

// Position is a node's reported location. Coordinates are integer 1e-7
// degrees as the firmware sends them; Latitude/Longitude convert.
type Position struct {
	LatitudeI  int32 // 1e-7 degrees, zigzag on the wire
	LongitudeI int32 // 1e-7 degrees, zigzag on the wire
	Altitude   int32 // meters above MSL
	Time       uint32
}

// Latitude returns the latitude in decimal degrees.
func (p *Position) Latitude() float64 { return float64(p.LatitudeI) * 1e-7 }

// Longitude returns the longitude in decimal degrees.
func (p *Position) Longitude() float64 { return float64(p.LongitudeI) * 1e-7 }

// Encode serializes the position body (no outer tag).
func (p *Position) Encode() []byte {
	var b []byte
	if p.LatitudeI != 0 {
		b = protowire.AppendTag(b, posFieldLatitudeI, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.LatitudeI)))
	}
	if p.LongitudeI != 0 {
		b = protowire.AppendTag(b, posFieldLongitudeI, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.LongitudeI)))
	}
	if p.Altitude != 0 {
		b = protowire.AppendTag(b, posFieldAltitude, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(p.Altitude)))
	}
	if p.Time != 0 {
		b = protowire.AppendTag(b, posFieldTime, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.Time)
	}
	return b
}

// DecodePosition parses a position body.
func DecodePosition(b []byte) (*Position, error) {
	p := &Position{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("position: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == posFieldLatitudeI && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("position: latitude: %w", consumeErr(n))
			}
			p.LatitudeI = int32(protowire.DecodeZigZag(v))
			b = b[tagLen+n:]
		case num == posFieldLongitudeI && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("position: longitude: %w", consumeErr(n))
			}
			p.LongitudeI = int32(protowire.DecodeZigZag(v))
			b = b[tagLen+n:]
		case num == posFieldAltitude && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("position: altitude: %w", consumeErr(n))
			}
			p.Altitude = int32(v)
			b = b[tagLen+n:]
		case num == posFieldTime && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("position: time: %w", consumeErr(n))
			}
			p.Time = v
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("position: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return p, nil
}

// --- DeviceMetrics ---

// DeviceMetrics field numbers.
const (
	metricsFieldBattery    protowire.Number = 1
	metricsFieldVoltage    protowire.Number = 2
	metricsFieldChanUtil   protowire.Number = 3
	metricsFieldAirUtilTX  protowire.Number = 4
	metricsFieldUptimeSecs protowire.Number = 5
)

// DeviceMetrics is a node's self-reported health. BatteryLevel above 100
// means externally powered.
type DeviceMetrics struct {
	BatteryLevel       uint32
	Voltage            float32
	ChannelUtilization float32
	AirUtilTX          float32
	UptimeSeconds      uint32
}

// Encode serializes the metrics body (no outer tag).
func (m *DeviceMetrics) Encode() []byte {
	var b []byte
	if m.BatteryLevel != 0 {
		b = protowire.AppendTag(b, metricsFieldBattery, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.BatteryLevel))
	}
	if m.Voltage != 0 {
		b = protowire.AppendTag(b, metricsFieldVoltage, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.Voltage))
	}
	if m.ChannelUtilization != 0 {
		b = protowire.AppendTag(b, metricsFieldChanUtil, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.ChannelUtilization))
	}
	if m.AirUtilTX != 0 {
		b = protowire.AppendTag(b, metricsFieldAirUtilTX, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.AirUtilTX))
	}
	if m.UptimeSeconds != 0 {
		b = protowire.AppendTag(b, metricsFieldUptimeSecs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.UptimeSeconds))
	}
	return b
}

// DecodeDeviceMetrics parses a metrics body.
func DecodeDeviceMetrics(b []byte) (*DeviceMetrics, error) {
	m := &DeviceMetrics{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("metrics: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == metricsFieldBattery && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("metrics: battery: %w", consumeErr(n))
			}
			m.BatteryLevel = uint32(v)
			b = b[tagLen+n:]
		case num == metricsFieldVoltage && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("metrics: voltage: %w", consumeErr(n))
			}
			m.Voltage = math.Float32frombits(v)
			b = b[tagLen+n:]
		case num == metricsFieldChanUtil && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("metrics: channel utilization: %w", consumeErr(n))
			}
			m.ChannelUtilization = math.Float32frombits(v)
			b = b[tagLen+n:]
		case num == metricsFieldAirUtilTX && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("metrics: air util tx: %w", consumeErr(n))
			}
			m.AirUtilTX = math.Float32frombits(v)
			b = b[tagLen+n:]
		case num == metricsFieldUptimeSecs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("metrics: uptime: %w", consumeErr(n))
			}
			m.UptimeSeconds = uint32(v)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("metrics: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return m, nil
}

// --- MyNodeInfo ---

// MyNodeInfo field numbers.
const (
	myInfoFieldNodeNum       protowire.Number = 1
	myInfoFieldMinAppVersion protowire.Number = 8
)

// MyNodeInfo identifies the radio this side is linked to.
type MyNodeInfo struct {
	MyNodeNum     uint32
	MinAppVersion uint32
}

// Encode serializes the record body (no outer tag).
func (mi *MyNodeInfo) Encode() []byte {
	var b []byte
	if mi.MyNodeNum != 0 {
		b = protowire.AppendTag(b, myInfoFieldNodeNum, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(mi.MyNodeNum))
	}
	if mi.MinAppVersion != 0 {
		b = protowire.AppendTag(b, myInfoFieldMinAppVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(mi.MinAppVersion))
	}
	return b
}

func decodeMyNodeInfo(b []byte) (*MyNodeInfo, error) {
	mi := &MyNodeInfo{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("my info: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == myInfoFieldNodeNum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("my info: node num: %w", consumeErr(n))
			}
			mi.MyNodeNum = uint32(v)
			b = b[tagLen+n:]
		case num == myInfoFieldMinAppVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("my info: min app version: %w", consumeErr(n))
			}
			mi.MinAppVersion = uint32(v)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("my info: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return mi, nil
}

// --- Routing ---

// Routing field numbers.
const routingFieldErrorReason protowire.Number = 3

// Routing is the ack/nak payload on the routing port. ErrorReason zero is a
// plain ack; the acknowledged packet id rides in Data.RequestID.
type Routing struct {
	ErrorReason RoutingError
}

// Encode serializes the routing body (no outer tag).
func (r *Routing) Encode() []byte {
	var b []byte
	if r.ErrorReason != RoutingNone {
		b = protowire.AppendTag(b, routingFieldErrorReason, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ErrorReason))
	}
	return b
}

// DecodeRouting parses a routing body.
func DecodeRouting(b []byte) (*Routing, error) {
	r := &Routing{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("routing: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == routingFieldErrorReason && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("routing: error reason: %w", consumeErr(n))
			}
			r.ErrorReason = RoutingError(v)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("routing: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return r, nil
}

// --- Telemetry ---

// Telemetry field numbers.
const (
	telemFieldTime    protowire.Number = 1
	telemFieldDevice  protowire.Number = 2
	telemFieldEnviron protowire.Number = 3
)

// Telemetry is the periodic metrics payload on the telemetry port. Exactly
// one variant is set per message.
type Telemetry struct {
	Time        uint32
	Device      *DeviceMetrics
	Environment *EnvironmentMetrics
}

// Encode serializes the telemetry body (no outer tag).
func (t *Telemetry) Encode() []byte {
	var b []byte
	if t.Time != 0 {
		b = protowire.AppendTag(b, telemFieldTime, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, t.Time)
	}
	if t.Device != nil {
		b = protowire.AppendTag(b, telemFieldDevice, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Device.Encode())
	}
	if t.Environment != nil {
		b = protowire.AppendTag(b, telemFieldEnviron, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Environment.Encode())
	}
	return b
}

// DecodeTelemetry parses a telemetry body.
func DecodeTelemetry(b []byte) (*Telemetry, error) {
	t := &Telemetry{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("telemetry: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == telemFieldTime && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("telemetry: time: %w", consumeErr(n))
			}
			t.Time = v
			b = b[tagLen+n:]
		case num == telemFieldDevice && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("telemetry: device: %w", consumeErr(n))
			}
			m, err := DecodeDeviceMetrics(body)
			if err != nil {
				return nil, fmt.Errorf("telemetry: %w", err)
			}
			t.Device = m
			b = b[tagLen+n:]
		case num == telemFieldEnviron && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("telemetry: environment: %w", consumeErr(n))
			}
			m, err := DecodeEnvironmentMetrics(body)
			if err != nil {
				return nil, fmt.Errorf("telemetry: %w", err)
			}
			t.Environment = m
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("telemetry: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return t, nil
}

// --- EnvironmentMetrics ---

// EnvironmentMetrics field numbers.
const (
	envFieldTemperature protowire.Number = 1
	envFieldHumidity    protowire.Number = 2
	envFieldPressure    protowire.Number = 3
)

// EnvironmentMetrics is sensor telemetry from nodes carrying an
// environment probe.
type EnvironmentMetrics struct {
	Temperature      float32 // degrees C
	RelativeHumidity float32 // percent
	Pressure         float32 // hPa
}

// Encode serializes the metrics body (no outer tag).
func (m *EnvironmentMetrics) Encode() []byte {
	var b []byte
	if m.Temperature != 0 {
		b = protowire.AppendTag(b, envFieldTemperature, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.Temperature))
	}
	if m.RelativeHumidity != 0 {
		b = protowire.AppendTag(b, envFieldHumidity, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.RelativeHumidity))
	}
	if m.Pressure != 0 {
		b = protowire.AppendTag(b, envFieldPressure, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.Pressure))
	}
	return b
}

// DecodeEnvironmentMetrics parses an environment metrics body.
func DecodeEnvironmentMetrics(b []byte) (*EnvironmentMetrics, error) {
	m := &EnvironmentMetrics{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("environment: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == envFieldTemperature && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("environment: temperature: %w", consumeErr(n))
			}
			m.Temperature = math.Float32frombits(v)
			b = b[tagLen+n:]
		case num == envFieldHumidity && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("environment: humidity: %w", consumeErr(n))
			}
			m.RelativeHumidity = math.Float32frombits(v)
			b = b[tagLen+n:]
		case num == envFieldPressure && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("environment: pressure: %w", consumeErr(n))
			}
			m.Pressure = math.Float32frombits(v)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("environment: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return m, nil
}
