//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"meshlink/internal/mesh"
)

// Config holds MQTT uplink configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge mirrors mesh state onto an MQTT broker: retained node snapshots,
// telemetry, signal reports, trust alerts, admin outcomes. It publishes
// only; nothing arriving from the broker can drive the radio.
type Bridge struct {
	client  pahomqtt.Client
	manager *mesh.Manager
	prefix  string
	logger  *slog.Logger
	unsub   func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(manager *mesh.Manager, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		manager: manager,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("meshlink").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishNodeSnapshots()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The client is assigned before Connect so the connect handler never
	// races a nil client.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to mesh events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.manager.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT uplink started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT uplink stopped")
}

func (b *Bridge) handleEvent(event mesh.Event) {
	for _, msg := range buildUplink(event, b.prefix) {
		b.publish(msg.Topic, msg.Payload, msg.Retained)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishNodeSnapshots re-sends every retained node snapshot. Runs on each
// connect so a broker restart cannot leave stale retained state behind.
func (b *Bridge) publishNodeSnapshots() {
	views, err := b.manager.NodeViews()
	if err != nil {
		b.logger.Error("list nodes for snapshots", "err", err)
		return
	}
	for _, view := range views {
		b.publish(nodeTopic(b.prefix, view.Num), mustJSON(view), true)
	}
	b.logger.Info("published node snapshots", "nodes", len(views))
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
