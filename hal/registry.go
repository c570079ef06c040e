package hal

import (
	"sync"
)

// Device name constants.
const (
	// DeviceSoftware is the name of the heap-backed software device.
	DeviceSoftware = "software"
)

// Provider creates a device instance.
type Provider func() (Device, error)

// registry holds registered device providers.
var (
	registryMu sync.RWMutex
	providers  = make(map[string]Provider)
	// Priority order for device selection (first available wins). A real
	// driver package registers itself ahead of the software fallback.
	devicePriority = []string{DeviceSoftware}
)

// Register registers a device provider under the given name.
// This is typically called from init() functions in driver packages.
// If a provider with the same name is already registered, it is replaced.
func Register(name string, p Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[name] = p
}

// Unregister removes a provider from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(providers, name)
}

// Available returns the registered device names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

// Get returns a device by provider name.
// Returns ErrDeviceNotAvailable if the name is not registered.
func Get(name string) (Device, error) {
	registryMu.RLock()
	p, ok := providers[name]
	registryMu.RUnlock()

	if !ok {
		return nil, ErrDeviceNotAvailable
	}
	return p()
}

// Default returns the best available device based on priority.
// Returns ErrDeviceNotAvailable if no provider is registered.
func Default() (Device, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range devicePriority {
		if p, ok := providers[name]; ok {
			return p()
		}
	}
	for _, p := range providers {
		return p()
	}
	return nil, ErrDeviceNotAvailable
}
