// Package platform defines the boundary to the vendor device console. The
// console client itself (authentication, REST specifics) lives outside this
// repo; this package holds the interface the engine programs against, plus
// a poller that feeds console-reported device health into the state store.
package platform

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by the Unconfigured stub for every call.
var ErrNotConfigured = errors.New("platform: console client not configured")

// ConnectionState is the console's view of one device.
type ConnectionState struct {
	Connected bool
	// Operation is the console's reported operation mode, e.g.
	// "StreamingInferenceResult". Empty when idle.
	Operation string
}

// Client is the vendor console surface the engine depends on.
type Client interface {
	GetConnectionState(ctx context.Context, deviceID string) (ConnectionState, error)
	StartInference(ctx context.Context, deviceID string) error
	StopInference(ctx context.Context, deviceID string) error
}

// Unconfigured satisfies Client when no console credentials are set. All
// calls fail with ErrNotConfigured; the engine still runs on pushed
// payloads alone.
type Unconfigured struct{}

func (Unconfigured) GetConnectionState(context.Context, string) (ConnectionState, error) {
	return ConnectionState{}, ErrNotConfigured
}

func (Unconfigured) StartInference(context.Context, string) error { return ErrNotConfigured }

func (Unconfigured) StopInference(context.Context, string) error { return ErrNotConfigured }

// StreamingInference reports whether the operation mode means the device is
// publishing inference results.
func StreamingInference(operation string) bool {
	switch operation {
	case "StreamingInferenceResult", "StreamingBoth":
		return true
	}
	return false
}
