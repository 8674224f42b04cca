package allocator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestPorts(s Store) *Ports {
	return NewPorts(PortConfig{Store: s, RetryDelay: time.Millisecond})
}

func TestAllocatePort_EmptySandbox(t *testing.T) {
	fs := newFakeStore()
	a := newTestPorts(fs)

	port, err := a.AllocatePort(context.Background(), "sb-1", "user-1")
	if err != nil {
		t.Fatalf("AllocatePort() error: %v", err)
	}
	want := portWindowStart + hashOffset("user-1")
	if port != want {
		t.Errorf("expected hash-offset start %d, got %d", want, port)
	}
}

func TestAllocatePort_SkipsTakenPorts(t *testing.T) {
	fs := newFakeStore()
	start := portWindowStart + hashOffset("user-1")
	next := portWindowStart + (hashOffset("user-1")+1)%portWindowSize
	fs.ports["sb-1"] = map[int]bool{start: true}
	a := newTestPorts(fs)

	port, err := a.AllocatePort(context.Background(), "sb-1", "user-1")
	if err != nil {
		t.Fatalf("AllocatePort() error: %v", err)
	}
	if port != next {
		t.Errorf("expected next free port %d, got %d", next, port)
	}
}

func TestAllocatePort_WrapsAroundWindow(t *testing.T) {
	fs := newFakeStore()
	// Find a user whose probe starts mid-window, then take everything from
	// that offset to the end so the probe has to wrap back to the start.
	var user string
	var offset int
	for i := 0; ; i++ {
		u := fmt.Sprintf("user-%d", i)
		if off := hashOffset(u); off > 0 {
			user, offset = u, off
			break
		}
	}
	fs.ports["sb-1"] = make(map[int]bool)
	for p := portWindowStart + offset; p < portWindowStart+portWindowSize; p++ {
		fs.ports["sb-1"][p] = true
	}
	a := newTestPorts(fs)

	port, err := a.AllocatePort(context.Background(), "sb-1", user)
	if err != nil {
		t.Fatalf("AllocatePort() error: %v", err)
	}
	if port != portWindowStart {
		t.Errorf("expected wrap to %d, got %d", portWindowStart, port)
	}
}

func TestAllocatePort_FallbackWhenWindowExhausted(t *testing.T) {
	fs := newFakeStore()
	fs.ports["sb-1"] = make(map[int]bool)
	for p := portWindowStart; p < portWindowStart+portWindowSize; p++ {
		fs.ports["sb-1"][p] = true
	}
	fixed := time.Unix(0, 1234567)
	a := NewPorts(PortConfig{Store: fs, RetryDelay: time.Millisecond, Now: func() time.Time { return fixed }})

	port, err := a.AllocatePort(context.Background(), "sb-1", "user-1")
	if err != nil {
		t.Fatalf("AllocatePort() error: %v", err)
	}
	want := fallbackStart + int(fixed.UnixNano()%fallbackSize)
	if port != want {
		t.Errorf("expected time-derived fallback %d, got %d", want, port)
	}
	if port < fallbackStart || port >= fallbackStart+fallbackSize {
		t.Errorf("fallback port %d outside range", port)
	}
}

func TestAllocatePort_EmptySandboxID(t *testing.T) {
	a := newTestPorts(newFakeStore())
	if _, err := a.AllocatePort(context.Background(), "", "user-1"); err == nil {
		t.Fatal("expected error for empty sandbox ID")
	}
}

func TestAllocatePort_ConcurrentAllocationsDistinct(t *testing.T) {
	fs := newFakeStore()
	a := newTestPorts(fs)

	const n = 20
	results := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			// Commit the way the API layer does: allocate, try the insert,
			// re-allocate on unique-constraint conflict.
			for {
				port, err := a.AllocatePort(context.Background(), "sb-1", user)
				if err != nil {
					t.Errorf("AllocatePort() error: %v", err)
					return
				}
				if fs.claimPort("sb-1", port) == nil {
					results <- port
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for port := range results {
		if port < 3000 || port > 3999 {
			t.Errorf("port %d outside [3000, 3999]", port)
		}
		if seen[port] {
			t.Errorf("port %d allocated twice", port)
		}
		seen[port] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct ports, got %d", n, len(seen))
	}
}
