// Package guard ensures a sandbox is reachable and running before use,
// recovering stopped sandboxes in place and collapsing concurrent callers
// onto a single in-flight resolution per sandbox.
package guard

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/appforge/appforge/internal/metrics"
	"github.com/appforge/appforge/internal/provider"
)

// Handle is a resolved, live sandbox.
type Handle struct {
	ID      string
	RootDir string
}

// pendingEnsure is one in-flight resolution. Concurrent callers for the same
// sandbox wait on done and share the outcome.
type pendingEnsure struct {
	startedAt   time.Time
	done        chan struct{}
	handle      *Handle
	justStarted bool
	err         error
}

// Config holds Guard settings. Zero values get production defaults.
type Config struct {
	Client      provider.Client
	MaxAttempts int           // resolution attempts per call (default 2)
	StaleAfter  time.Duration // age past which a pending entry is abandoned (default 30s)
	SettleDelay time.Duration // wait after a start command before re-probing (default 3s)
	BackoffUnit time.Duration // sleep between attempts is attempt * unit (default 2s)
}

// Guard serializes "is this sandbox awake" checks per sandbox ID.
//
// The dedup map is process-local: it collapses redundant provider round-trips
// landing on the same replica. Correctness never depends on it; duplicate
// EnsureRunning calls across replicas are safe, just wasteful. It is not a
// distributed lock and must not become one.
type Guard struct {
	client      provider.Client
	maxAttempts int
	staleAfter  time.Duration
	settleDelay time.Duration
	backoffUnit time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEnsure
}

// New creates a Guard.
func New(cfg Config) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 3 * time.Second
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = 2 * time.Second
	}
	return &Guard{
		client:      cfg.Client,
		maxAttempts: cfg.MaxAttempts,
		staleAfter:  cfg.StaleAfter,
		settleDelay: cfg.SettleDelay,
		backoffUnit: cfg.BackoffUnit,
		pending:     make(map[string]*pendingEnsure),
	}
}

// EnsureRunning resolves sandboxID to a live handle, starting the sandbox if
// it is stopped. justStarted reports whether a start command was issued.
//
// If a resolution for the same sandbox is already in flight on this process
// and is younger than the staleness threshold, the caller joins it instead
// of issuing a second provider round-trip. Entries older than the threshold
// are abandoned so a wedged resolution cannot block all future callers.
func (g *Guard) EnsureRunning(ctx context.Context, sandboxID string) (*Handle, bool, error) {
	if sandboxID == "" {
		return nil, false, fmt.Errorf("sandbox ID is required")
	}

	g.mu.Lock()
	if p, ok := g.pending[sandboxID]; ok {
		if time.Since(p.startedAt) < g.staleAfter {
			g.mu.Unlock()
			metrics.GuardDedupHits.Inc()
			select {
			case <-p.done:
				return p.handle, p.justStarted, p.err
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		// Stale entry: abandon it. The old resolution may still complete for
		// its own waiters, but it no longer blocks new callers.
		log.Printf("guard: abandoning stale resolution for sandbox %s (age %s)",
			sandboxID, time.Since(p.startedAt).Round(time.Second))
		delete(g.pending, sandboxID)
	}

	p := &pendingEnsure{
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	g.pending[sandboxID] = p
	g.mu.Unlock()

	start := time.Now()
	p.handle, p.justStarted, p.err = g.resolve(ctx, sandboxID)
	metrics.EnsureRunningDuration.Observe(time.Since(start).Seconds())
	close(p.done)

	g.mu.Lock()
	// Only clear the entry if it is still ours; a stale abandonment may have
	// replaced it with a fresh resolution.
	if cur, ok := g.pending[sandboxID]; ok && cur == p {
		delete(g.pending, sandboxID)
	}
	g.mu.Unlock()

	return p.handle, p.justStarted, p.err
}

// Forget drops any pending dedup entry for a sandbox. Called when the
// sandbox is known to have been replaced (self-healing migration), so the
// next caller resolves the new reality instead of a shared stale result.
func (g *Guard) Forget(sandboxID string) {
	g.mu.Lock()
	delete(g.pending, sandboxID)
	g.mu.Unlock()
}

func (g *Guard) resolve(ctx context.Context, sandboxID string) (*Handle, bool, error) {
	var lastTransient error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.GuardRetries.Inc()
			select {
			case <-time.After(time.Duration(attempt) * g.backoffUnit):
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		instances, err := g.client.List(ctx)
		if err != nil {
			if provider.IsTransient(err) {
				lastTransient = err
				continue
			}
			return nil, false, err
		}

		// An empty listing is indistinguishable from a brief provider outage;
		// retry. A non-empty listing missing this ID is definitive deletion.
		if len(instances) == 0 {
			lastTransient = fmt.Errorf("provider returned an empty sandbox list")
			continue
		}
		var found *provider.Instance
		for _, inst := range instances {
			if inst.ID == sandboxID {
				found = inst
				break
			}
		}
		if found == nil {
			return nil, false, &provider.NotFoundError{ID: sandboxID}
		}

		// Liveness probe: a stopped sandbox cannot answer for its root dir.
		rootDir, err := g.client.RootDir(ctx, sandboxID)
		if err == nil {
			return &Handle{ID: sandboxID, RootDir: rootDir}, false, nil
		}
		if provider.IsTransient(err) {
			lastTransient = err
			continue
		}
		if provider.IsStopped(err) {
			return g.startAndConfirm(ctx, sandboxID)
		}
		return nil, false, err
	}

	return nil, false, &provider.UnreachableError{Last: lastTransient}
}

// startAndConfirm issues a start command, waits for the sandbox to settle,
// and re-probes. Failure here is terminal for this call: a sandbox that
// will not start is not going to be fixed by listing it again.
func (g *Guard) startAndConfirm(ctx context.Context, sandboxID string) (*Handle, bool, error) {
	log.Printf("guard: sandbox %s is stopped, starting", sandboxID)
	metrics.SandboxStartsTotal.Inc()

	if err := g.client.Start(ctx, sandboxID); err != nil {
		return nil, false, &provider.StartError{ID: sandboxID, Err: err}
	}

	select {
	case <-time.After(g.settleDelay):
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	rootDir, err := g.client.RootDir(ctx, sandboxID)
	if err != nil {
		return nil, false, &provider.StartError{ID: sandboxID, Err: err}
	}
	return &Handle{ID: sandboxID, RootDir: rootDir}, true, nil
}
