package allocator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"time"

	"github.com/appforge/appforge/internal/metrics"
)

const (
	// Primary probe window for dev ports. Every project colocated in a
	// sandbox draws from the same window, so allocation spreads callers
	// across it by a per-user hash offset.
	portWindowStart = 3000
	portWindowSize  = 200

	// Fallback range for when the primary window is exhausted or badly
	// contended. Time-derived, so two racing fallbacks almost never collide.
	fallbackStart = 3200
	fallbackSize  = 800

	maxPortAttempts = 10
)

// PortConfig configures the port allocator.
type PortConfig struct {
	Store      Store
	RetryDelay time.Duration    // base unit for linear backoff between attempts (default 100ms)
	Now        func() time.Time // clock override for tests
}

// Ports hands out dev ports that are free within a sandbox at allocation
// time. The returned port is advisory until the caller commits it to a
// project row; the unique (sandbox_id, dev_port) index is the backstop for
// the check-then-commit race, and the caller re-allocates once on conflict.
type Ports struct {
	store      Store
	retryDelay time.Duration
	now        func() time.Time
}

// NewPorts creates a port allocator.
func NewPorts(cfg PortConfig) *Ports {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ports{store: cfg.Store, retryDelay: cfg.RetryDelay, now: cfg.Now}
}

// AllocatePort picks a dev port for a new project on the given sandbox.
// Probing starts at a hash offset derived from the user ID so concurrent
// users start in different parts of the window instead of piling onto the
// lowest free port.
func (a *Ports) AllocatePort(ctx context.Context, sandboxID, userID string) (int, error) {
	if sandboxID == "" {
		return 0, fmt.Errorf("sandbox ID is required")
	}

	offset := hashOffset(userID)
	for attempt := 1; attempt <= maxPortAttempts; attempt++ {
		port, err := a.probeWindow(ctx, sandboxID, offset)
		if err != nil {
			metrics.PortAllocationsTotal.WithLabelValues("error").Inc()
			return 0, err
		}
		if port != 0 {
			metrics.PortAllocationsTotal.WithLabelValues("probed").Inc()
			return port, nil
		}
		if attempt < maxPortAttempts {
			metrics.PortAllocationRetries.Inc()
			delay := time.Duration(attempt) * a.retryDelay
			delay += time.Duration(rand.Int63n(int64(a.retryDelay)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	// The window never yielded a confirmed-free port. Fall back to a
	// time-derived port outside it rather than failing the project create.
	port := fallbackStart + int(a.now().UnixNano()%fallbackSize)
	metrics.PortAllocationsTotal.WithLabelValues("fallback").Inc()
	log.Printf("allocator: port window exhausted on sandbox %s, falling back to %d", sandboxID, port)
	return port, nil
}

// probeWindow scans the primary window once, starting at offset and
// wrapping. Returns 0 with no error when every candidate was taken.
func (a *Ports) probeWindow(ctx context.Context, sandboxID string, offset int) (int, error) {
	taken, err := a.takenPorts(ctx, sandboxID)
	if err != nil {
		return 0, err
	}
	for i := 0; i < portWindowSize; i++ {
		candidate := portWindowStart + (offset+i)%portWindowSize
		if taken[candidate] {
			continue
		}
		// Confirmatory re-check against the store; the snapshot above may
		// already be stale under concurrent creates.
		inUse, err := a.store.PortInUse(ctx, sandboxID, candidate)
		if err != nil {
			return 0, err
		}
		if !inUse {
			return candidate, nil
		}
		taken[candidate] = true
	}
	return 0, nil
}

func (a *Ports) takenPorts(ctx context.Context, sandboxID string) (map[int]bool, error) {
	ports, err := a.store.ProjectPorts(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ports for sandbox %s: %w", sandboxID, err)
	}
	taken := make(map[int]bool, len(ports))
	for _, p := range ports {
		taken[p] = true
	}
	return taken, nil
}

func hashOffset(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % portWindowSize)
}
