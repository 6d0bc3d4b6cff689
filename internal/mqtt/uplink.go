//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"meshlink/internal/mesh"
)

// uplinkMsg is one MQTT message derived from a bus event.
type uplinkMsg struct {
	Topic    string
	Payload  []byte // JSON, nil clears a retained topic
	Retained bool
}

// buildUplink maps one bus event to the MQTT messages it produces. Events
// with no uplink representation produce none.
func buildUplink(event mesh.Event, prefix string) []uplinkMsg {
	switch event.Type {
	case mesh.EventLinkState:
		return []uplinkMsg{{
			Topic:    prefix + "/link/state",
			Payload:  mustJSON(event.Data),
			Retained: true,
		}}

	case mesh.EventNodeUpdated:
		view, ok := event.Data.(mesh.NodeView)
		if !ok {
			return nil
		}
		return []uplinkMsg{{
			Topic:    nodeTopic(prefix, view.Num),
			Payload:  mustJSON(view),
			Retained: true,
		}}

	case mesh.EventNodeRemoved:
		num, ok := eventUint32(event, "node")
		if !ok {
			return nil
		}
		// A retained empty payload deletes the snapshot from the broker.
		return []uplinkMsg{{
			Topic:    nodeTopic(prefix, num),
			Retained: true,
		}}

	case mesh.EventTelemetry:
		num, ok := eventUint32(event, "node")
		if !ok {
			return nil
		}
		return []uplinkMsg{{
			Topic:   fmt.Sprintf("%s/telemetry/%d", prefix, num),
			Payload: mustJSON(event.Data),
		}}

	case mesh.EventSignal:
		num, ok := eventUint32(event, "from")
		if !ok {
			return nil
		}
		return []uplinkMsg{{
			Topic:   fmt.Sprintf("%s/signal/%d", prefix, num),
			Payload: mustJSON(event.Data),
		}}

	case mesh.EventTrustChange:
		num, ok := eventUint32(event, "node")
		if !ok {
			return nil
		}
		return []uplinkMsg{{
			Topic:   fmt.Sprintf("%s/trust/%d", prefix, num),
			Payload: mustJSON(event.Data),
		}}

	case mesh.EventAdminUpdate:
		id, ok := eventUint32(event, "id")
		if !ok {
			return nil
		}
		return []uplinkMsg{{
			Topic:   fmt.Sprintf("%s/admin/%d", prefix, id),
			Payload: mustJSON(event.Data),
		}}

	case mesh.EventConnectionStatus:
		return []uplinkMsg{{
			Topic:    prefix + "/device/status",
			Payload:  mustJSON(event.Data),
			Retained: true,
		}}

	case mesh.EventMessage:
		return []uplinkMsg{{
			Topic:   prefix + "/messages",
			Payload: mustJSON(event.Data),
		}}

	case mesh.EventPosition:
		// Position changes ride the retained node snapshot.
		return nil
	}
	return nil
}

// nodeTopic is the retained snapshot topic for one node.
func nodeTopic(prefix string, num uint32) string {
	return fmt.Sprintf("%s/nodes/%d", prefix, num)
}

// eventUint32 pulls a numeric field out of a bus event payload.
func eventUint32(event mesh.Event, key string) (uint32, bool) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return 0, false
	}
	n, ok := data[key].(uint32)
	return n, ok
}
