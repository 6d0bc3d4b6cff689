//go:build no_automation

package main

import (
	"log/slog"

	"meshlink/internal/mesh"
	"meshlink/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *mesh.Manager, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
