package platform

import (
	"sync"

	"github.com/aitrios-samples/people-monitor/internal/logger"
)

// Factory builds a console client from the operator's credentials.
type Factory func(clientID, clientSecret string) (Client, error)

var (
	factoryMu sync.RWMutex
	factory   Factory
)

// RegisterFactory installs the constructor for the console integration.
// A deployment that links in a console client registers it from an init
// function, typically via a side-effect import of the main package.
func RegisterFactory(f Factory) {
	factoryMu.Lock()
	factory = f
	factoryMu.Unlock()
}

// NewClient builds the console client for the given credentials. Without a
// registered integration or complete credentials it returns the
// Unconfigured stub, as does a factory failure: the engine keeps running on
// pushed payloads either way.
func NewClient(clientID, clientSecret string) Client {
	factoryMu.RLock()
	f := factory
	factoryMu.RUnlock()

	if f == nil || clientID == "" || clientSecret == "" {
		return Unconfigured{}
	}

	c, err := f(clientID, clientSecret)
	if err != nil {
		logger.Warn("Platform", "Console client init failed: %v", err)
		return Unconfigured{}
	}
	return c
}
