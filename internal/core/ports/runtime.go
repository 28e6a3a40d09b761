package ports

import "context"

// Runtime is the full container engine contract a fleet is built on. One
// Runtime is constructed at startup and handed to every component.
type Runtime interface {
	// Ping checks the engine is reachable. Components call it before reusing
	// the shared connection.
	Ping(ctx context.Context) error

	ContainerService
	NetworkService
}
