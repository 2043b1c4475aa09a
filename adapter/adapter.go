package adapter

import "github.com/sergev/mmc/mmc"

// Adapter is a host controller with a card slot, as used by mmctool.
type Adapter interface {
	mmc.Transport

	// PrintStatus prints adapter status information to stdout
	PrintStatus()

	// Close releases the underlying device
	Close() error
}
