//go:build no_mqtt

package main

import (
	"log/slog"

	"gopro-go-home/internal/camera"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *camera.Manager, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
