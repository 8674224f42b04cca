package provider

import "context"

// Instance describes a sandbox known to the provider.
type Instance struct {
	ID     string `json:"id"`
	State  string `json:"state"` // "started", "stopped", "creating"
	Region string `json:"region"`
}

// CreateOpts are options for provisioning a new sandbox.
type CreateOpts struct {
	Region   string
	Image    string // provider template image
	MemoryMB int
	CPUs     int
}

// Client is the interface the guard and allocator use to talk to the
// sandbox provider. All calls are remote and may fail with errors
// classifiable by this package's taxonomy.
type Client interface {
	List(ctx context.Context) ([]*Instance, error)
	Create(ctx context.Context, opts CreateOpts) (*Instance, error)
	Start(ctx context.Context, id string) error
	RootDir(ctx context.Context, id string) (string, error)
}
