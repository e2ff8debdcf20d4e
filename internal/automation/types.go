// Package automation runs user Lua scripts that react to camera events and
// drive the camera.
package automation

import (
	"context"

	"gopro-go-home/internal/camera"
)

// Camera is the camera surface scripts can drive. *camera.Manager
// implements it.
type Camera interface {
	SetShutter(ctx context.Context, on bool) error
	KeepAlive(ctx context.Context) error
	Sleep(ctx context.Context) error
	HilightMoment(ctx context.Context) error
	Status() camera.Status
	Events() *camera.EventBus
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}
