package domain

// Container represents a container in the system (Docker, in-memory, etc.)
type Container struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Image  string            `json:"image,omitempty"`
	Status string            `json:"status,omitempty"`
	State  string            `json:"state,omitempty"` // running, exited, etc.
	Labels map[string]string `json:"labels,omitempty"`
}

// ShortID returns the 12 character form of the container ID.
func (c Container) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// Mount is a host path bound into a container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ContainerSpec describes how a container should be created and run.
type ContainerSpec struct {
	Name       string
	Image      string
	Labels     map[string]string
	AutoRemove bool
	// Ports are published on the host under the same number.
	Ports  []int
	Mounts []Mount
}
