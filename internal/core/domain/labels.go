package domain

// Labels stamped on every resource a fleet creates so leaked resources can be
// found again by query.
const (
	LabelFleet = "io.whaor.fleet"
	LabelRole  = "io.whaor.role"

	RoleCircuit  = "circuit"
	RoleBalancer = "balancer"
	RoleNetwork  = "network"
)
