//go:build no_mqtt

package main

import (
	"log/slog"

	"meshlink/internal/mesh"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *mesh.Manager, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
