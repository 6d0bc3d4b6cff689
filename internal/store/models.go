package store

import "time"

// NodeRecord is the persisted view of a mesh node, built up from NodeInfo
// announcements and packet telemetry. Pinned public keys live in their own
// bucket and are deliberately not part of this record.
type NodeRecord struct {
	Num        uint32         `json:"num"`
	UserID     string         `json:"user_id,omitempty"`
	LongName   string         `json:"long_name,omitempty"`
	ShortName  string         `json:"short_name,omitempty"`
	HWModel    uint32         `json:"hw_model,omitempty"`
	SNR        float32        `json:"snr,omitempty"`
	RSSI       int32          `json:"rssi,omitempty"`
	HopsAway   uint32         `json:"hops_away"`
	ViaMQTT    bool           `json:"via_mqtt,omitempty"`
	FirstHeard time.Time      `json:"first_heard"`
	LastHeard  time.Time      `json:"last_heard"`
	Position   *Position      `json:"position,omitempty"`
	Metrics    *DeviceMetrics `json:"metrics,omitempty"`
}

// Position is the last reported location of a node, in plain degrees.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  int32     `json:"altitude,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

// DeviceMetrics is the last reported device telemetry of a node.
type DeviceMetrics struct {
	BatteryLevel       uint32  `json:"battery_level,omitempty"`
	Voltage            float32 `json:"voltage,omitempty"`
	ChannelUtilization float32 `json:"channel_utilization,omitempty"`
	AirUtilTX          float32 `json:"air_util_tx,omitempty"`
	UptimeSeconds      uint32  `json:"uptime_seconds,omitempty"`
}
