package domain

// Network is an isolated address space containers can join.
type Network struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Driver string            `json:"driver"`
	Labels map[string]string `json:"labels,omitempty"`
}

// NetworkSpec describes a network to create.
type NetworkSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}
