//go:build no_automation

package main

import (
	"log/slog"

	"gopro-go-home/internal/camera"
	"gopro-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *camera.Manager, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
