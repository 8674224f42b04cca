// Package allocator places users onto shared, capacity-bounded sandboxes
// and assigns collision-free dev ports to their projects.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/appforge/appforge/internal/db"
	"github.com/appforge/appforge/internal/ident"
	"github.com/appforge/appforge/internal/metrics"
	"github.com/appforge/appforge/internal/provider"
)

// Store is the subset of the persistent store the allocator needs.
// All cross-replica coordination goes through it; the allocator itself
// holds no cross-request state.
type Store interface {
	GetAssignment(ctx context.Context, userID string) (string, error)
	UpsertAssignment(ctx context.Context, userID, sandboxID string) error
	ListSandboxes(ctx context.Context) ([]db.SandboxRecord, error)
	RegisterSandbox(ctx context.Context, id string, capacity int) error
	TouchSandbox(ctx context.Context, id string) error
	MigrateSandbox(ctx context.Context, oldID, newID string) error
	ProjectPorts(ctx context.Context, sandboxID string) ([]int, error)
	PortInUse(ctx context.Context, sandboxID string, port int) (bool, error)
}

// Publisher broadcasts sandbox replacement so other replicas can drop any
// cached state keyed by the dead ID. Optional; purely a latency optimization.
type Publisher interface {
	SandboxMigrated(ctx context.Context, oldID, newID string)
}

// PoolConfig configures the pool allocator.
type PoolConfig struct {
	Store    Store
	Client   provider.Client
	Capacity int    // occupancy cap per sandbox (default 5)
	Region   string // provider region for new sandboxes
	Image    string // provider template image for new sandboxes
	Events   Publisher
}

// Pool assigns each user to exactly one shared sandbox, creating sandboxes
// on demand and transparently replacing ones deleted out-of-band.
type Pool struct {
	store    Store
	client   provider.Client
	capacity int
	region   string
	image    string
	events   Publisher
}

// NewPool creates a pool allocator.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	return &Pool{
		store:    cfg.Store,
		client:   cfg.Client,
		capacity: cfg.Capacity,
		region:   cfg.Region,
		image:    cfg.Image,
		events:   cfg.Events,
	}
}

// AssignSandbox resolves the sandbox for a user, idempotently. An existing
// assignment is always reused (a user must never silently accumulate a
// second sandbox) after verifying the sandbox still exists at the provider
// and self-healing if it was deleted out-of-band.
func (p *Pool) AssignSandbox(ctx context.Context, userID string) (string, error) {
	userID = ident.NormalizeID(userID)
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}

	existing, err := p.store.GetAssignment(ctx, userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", err
	}
	if err == nil {
		return p.verifyOrReplace(ctx, userID, existing)
	}

	// First assignment: place the user on the least-occupied sandbox with
	// spare room. The capacity cap is a scheduling hint, not a hard
	// invariant; a concurrent race may transiently overshoot it.
	records, err := p.store.ListSandboxes(ctx)
	if err != nil {
		return "", err
	}
	var candidate string
	lowest := -1
	for _, r := range records {
		if r.ActiveUsers >= r.Capacity {
			continue
		}
		if lowest == -1 || r.ActiveUsers < lowest {
			candidate = r.ID
			lowest = r.ActiveUsers
		}
	}

	outcome := "placed"
	if candidate == "" {
		candidate, err = p.createSandbox(ctx)
		if err != nil {
			metrics.SandboxAssignsTotal.WithLabelValues("error").Inc()
			return "", err
		}
		outcome = "created"
	}

	if err := p.store.UpsertAssignment(ctx, userID, candidate); err != nil {
		return "", err
	}
	if err := p.store.TouchSandbox(ctx, candidate); err != nil {
		return "", err
	}
	metrics.SandboxAssignsTotal.WithLabelValues(outcome).Inc()
	log.Printf("allocator: assigned user %s to sandbox %s (%s)", userID, candidate, outcome)
	return candidate, nil
}

// verifyOrReplace confirms a previously assigned sandbox still exists at the
// provider. If it was deleted out-of-band, a replacement is created and
// every local record re-pointed before the ID is returned; a dead ID would
// make every downstream operation fail.
func (p *Pool) verifyOrReplace(ctx context.Context, userID, sandboxID string) (string, error) {
	instances, err := p.client.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to verify sandbox %s: %w", sandboxID, err)
	}

	// An empty listing is ambiguous (possible provider outage); only a
	// non-empty listing missing the ID is treated as definitive deletion.
	if len(instances) == 0 {
		metrics.SandboxAssignsTotal.WithLabelValues("reused").Inc()
		return sandboxID, nil
	}
	for _, inst := range instances {
		if inst.ID == sandboxID {
			metrics.SandboxAssignsTotal.WithLabelValues("reused").Inc()
			return sandboxID, nil
		}
	}

	log.Printf("allocator: sandbox %s for user %s deleted at provider, recreating", sandboxID, userID)
	replacement, err := p.createSandbox(ctx)
	if err != nil {
		metrics.SandboxAssignsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to replace deleted sandbox %s: %w", sandboxID, err)
	}

	if err := p.store.MigrateSandbox(ctx, sandboxID, replacement); err != nil {
		return "", fmt.Errorf("failed to migrate records from %s to %s: %w", sandboxID, replacement, err)
	}
	if err := p.store.TouchSandbox(ctx, replacement); err != nil {
		return "", err
	}
	if p.events != nil {
		p.events.SandboxMigrated(ctx, sandboxID, replacement)
	}
	metrics.SandboxAssignsTotal.WithLabelValues("migrated").Inc()
	log.Printf("allocator: migrated user %s from sandbox %s to %s", userID, sandboxID, replacement)
	return replacement, nil
}

// createSandbox provisions a sandbox at the provider and registers it
// locally with zero occupancy. Creation failure is fatal for the request:
// retrying it blindly risks provider-side resource exhaustion.
func (p *Pool) createSandbox(ctx context.Context) (string, error) {
	inst, err := p.client.Create(ctx, provider.CreateOpts{
		Region: p.region,
		Image:  p.image,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox: %w", err)
	}
	id := ident.NormalizeID(inst.ID)
	if err := p.store.RegisterSandbox(ctx, id, p.capacity); err != nil {
		return "", err
	}
	metrics.SandboxesRegistered.Inc()
	return id, nil
}
