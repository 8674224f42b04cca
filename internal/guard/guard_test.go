package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/appforge/appforge/internal/provider"
)

// fakeClient is a scriptable provider.Client with call counting.
type fakeClient struct {
	mu        sync.Mutex
	instances []*provider.Instance
	listErr   error
	rootErr   map[string]error // per-sandbox probe error; nil entry = success
	startErr  error

	listCalls  atomic.Int32
	rootCalls  atomic.Int32
	startCalls atomic.Int32

	listGate chan struct{} // if set, List blocks until the gate closes
}

func (f *fakeClient) List(ctx context.Context) ([]*provider.Instance, error) {
	f.listCalls.Add(1)
	if f.listGate != nil {
		select {
		case <-f.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*provider.Instance, len(f.instances))
	copy(out, f.instances)
	return out, nil
}

func (f *fakeClient) Create(ctx context.Context, opts provider.CreateOpts) (*provider.Instance, error) {
	return nil, errors.New("not used in guard tests")
}

func (f *fakeClient) Start(ctx context.Context, id string) error {
	f.startCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	// A successful start clears the probe error.
	delete(f.rootErr, id)
	return nil
}

func (f *fakeClient) RootDir(ctx context.Context, id string) (string, error) {
	f.rootCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.rootErr[id]; ok && err != nil {
		return "", err
	}
	return "/workspace", nil
}

func newTestGuard(c provider.Client) *Guard {
	return New(Config{
		Client:      c,
		MaxAttempts: 2,
		StaleAfter:  30 * time.Second,
		SettleDelay: time.Millisecond,
		BackoffUnit: time.Millisecond,
	})
}

func TestEnsureRunning_AlreadyRunning(t *testing.T) {
	fc := &fakeClient{instances: []*provider.Instance{{ID: "sb-1", State: "started"}}}
	g := newTestGuard(fc)

	h, justStarted, err := g.EnsureRunning(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if justStarted {
		t.Error("expected justStarted=false for a running sandbox")
	}
	if h.RootDir != "/workspace" {
		t.Errorf("expected root dir /workspace, got %s", h.RootDir)
	}
	if fc.startCalls.Load() != 0 {
		t.Errorf("expected no start commands, got %d", fc.startCalls.Load())
	}
}

func TestEnsureRunning_EmptyID(t *testing.T) {
	g := newTestGuard(&fakeClient{})
	if _, _, err := g.EnsureRunning(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty sandbox ID")
	}
}

func TestEnsureRunning_StoppedIsStarted(t *testing.T) {
	fc := &fakeClient{
		instances: []*provider.Instance{{ID: "sb-1", State: "stopped"}},
		rootErr:   map[string]error{"sb-1": errors.New("sandbox is stopped, must be started")},
	}
	g := newTestGuard(fc)

	h, justStarted, err := g.EnsureRunning(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if !justStarted {
		t.Error("expected justStarted=true after recovering a stopped sandbox")
	}
	if h.ID != "sb-1" {
		t.Errorf("expected handle for sb-1, got %s", h.ID)
	}
	if fc.startCalls.Load() != 1 {
		t.Errorf("expected exactly 1 start command, got %d", fc.startCalls.Load())
	}
}

func TestEnsureRunning_StartFails(t *testing.T) {
	fc := &fakeClient{
		instances: []*provider.Instance{{ID: "sb-1", State: "stopped"}},
		rootErr:   map[string]error{"sb-1": errors.New("sandbox not running")},
		startErr:  errors.New("daytona API returned 500 Internal Server Error: start failed"),
	}
	g := newTestGuard(fc)

	_, _, err := g.EnsureRunning(context.Background(), "sb-1")
	var se *provider.StartError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartError, got %v", err)
	}
	// Terminal within the call: the loop must not retry after a failed start.
	if fc.listCalls.Load() != 1 {
		t.Errorf("expected 1 list call, got %d", fc.listCalls.Load())
	}
}

func TestEnsureRunning_DeletedSandboxIsPermanent(t *testing.T) {
	fc := &fakeClient{instances: []*provider.Instance{{ID: "other", State: "started"}}}
	g := newTestGuard(fc)

	_, _, err := g.EnsureRunning(context.Background(), "sb-gone")
	if !provider.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	// Definitive deletion is not retried.
	if fc.listCalls.Load() != 1 {
		t.Errorf("expected 1 list call for permanent failure, got %d", fc.listCalls.Load())
	}
}

func TestEnsureRunning_EmptyListRetriesThenUnreachable(t *testing.T) {
	fc := &fakeClient{} // empty listing every time
	g := newTestGuard(fc)

	_, _, err := g.EnsureRunning(context.Background(), "sb-1")
	if !provider.IsUnreachable(err) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
	if fc.listCalls.Load() != 2 {
		t.Errorf("expected 2 list calls (maxAttempts), got %d", fc.listCalls.Load())
	}
}

func TestEnsureRunning_TransientListErrorRetries(t *testing.T) {
	fc := &fakeClient{listErr: errors.New("daytona API returned 502 Bad Gateway: upstream")}
	g := newTestGuard(fc)

	_, _, err := g.EnsureRunning(context.Background(), "sb-1")
	if !provider.IsUnreachable(err) {
		t.Fatalf("expected UnreachableError after exhausting retries, got %v", err)
	}
	if !errors.Is(err, fc.listErr) {
		t.Error("expected unreachable error to wrap the last transient error")
	}
	if fc.listCalls.Load() != 2 {
		t.Errorf("expected 2 list calls, got %d", fc.listCalls.Load())
	}
}

func TestEnsureRunning_UnclassifiedErrorPassesThrough(t *testing.T) {
	boom := errors.New("daytona API returned 403 Forbidden: account suspended")
	fc := &fakeClient{listErr: boom}
	g := newTestGuard(fc)

	_, _, err := g.EnsureRunning(context.Background(), "sb-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected permanent error to pass through untouched, got %v", err)
	}
	if fc.listCalls.Load() != 1 {
		t.Errorf("permanent errors must not be retried, got %d list calls", fc.listCalls.Load())
	}
}

func TestEnsureRunning_ConcurrentCallsCollapse(t *testing.T) {
	gate := make(chan struct{})
	fc := &fakeClient{
		instances: []*provider.Instance{{ID: "sb-1", State: "started"}},
		listGate:  gate,
	}
	g := newTestGuard(fc)

	type result struct {
		h   *Handle
		err error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, _, err := g.EnsureRunning(context.Background(), "sb-1")
			results <- result{h, err}
		}()
	}

	// Wait until the first caller is blocked inside List, then let both
	// proceed; the second caller must join the pending resolution.
	deadline := time.After(2 * time.Second)
	for fc.listCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first List call never happened")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(10 * time.Millisecond) // give the second goroutine time to join
	close(gate)
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			t.Fatalf("EnsureRunning() error: %v", r.err)
		}
		if r.h == nil || r.h.ID != "sb-1" {
			t.Fatalf("unexpected handle: %+v", r.h)
		}
	}
	if fc.listCalls.Load() != 1 {
		t.Errorf("expected concurrent callers to collapse to 1 list call, got %d", fc.listCalls.Load())
	}
}

func TestEnsureRunning_StaleEntryIsAbandoned(t *testing.T) {
	fc := &fakeClient{instances: []*provider.Instance{{ID: "sb-1", State: "started"}}}
	g := newTestGuard(fc)

	// Plant a wedged resolution that started past the staleness threshold.
	wedged := &pendingEnsure{
		startedAt: time.Now().Add(-31 * time.Second),
		done:      make(chan struct{}), // never closes
	}
	g.mu.Lock()
	g.pending["sb-1"] = wedged
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, _, err := g.EnsureRunning(ctx, "sb-1")
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if h == nil || h.ID != "sb-1" {
		t.Fatalf("expected fresh resolution, got %+v", h)
	}
	if fc.listCalls.Load() != 1 {
		t.Errorf("expected a fresh provider round-trip, got %d list calls", fc.listCalls.Load())
	}
}

func TestForget(t *testing.T) {
	g := newTestGuard(&fakeClient{})
	g.mu.Lock()
	g.pending["sb-1"] = &pendingEnsure{startedAt: time.Now(), done: make(chan struct{})}
	g.mu.Unlock()

	g.Forget("sb-1")

	g.mu.Lock()
	_, ok := g.pending["sb-1"]
	g.mu.Unlock()
	if ok {
		t.Error("expected pending entry to be dropped")
	}
}
