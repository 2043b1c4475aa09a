package adapter

import (
	"fmt"

	"github.com/sergev/mmc/config"
)

// AdapterFactory opens an adapter described by a configured host
type AdapterFactory func(h *config.Host) (Adapter, error)

// AdapterInfo contains information about an adapter type
type AdapterInfo struct {
	Transport string
	Factory   AdapterFactory
}

var registeredAdapters []AdapterInfo

// RegisterAdapter registers an adapter factory for a transport kind
func RegisterAdapter(transport string, factory AdapterFactory) {
	registeredAdapters = append(registeredAdapters, AdapterInfo{
		Transport: transport,
		Factory:   factory,
	})
}

// findAdapter opens the adapter for the configured host
func findAdapter(h *config.Host) (Adapter, error) {
	for _, info := range registeredAdapters {
		if info.Transport != h.Transport {
			continue
		}
		a, err := info.Factory(h)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s adapter for host %q: %w", h.Transport, h.Name, err)
		}
		return a, nil
	}
	return nil, fmt.Errorf("no adapter registered for transport %q", h.Transport)
}
