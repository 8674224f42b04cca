package billing

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeNotifier struct {
	addrs  []string
	getErr error
	setErr error
	pushes [][]string
}

func (f *fakeNotifier) GetWebhookAddresses(ctx context.Context) ([]string, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make([]string, len(f.addrs))
	copy(out, f.addrs)
	return out, nil
}

func (f *fakeNotifier) SetWebhookAddresses(ctx context.Context, addrs []string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.pushes = append(f.pushes, addrs)
	f.addrs = addrs
	return nil
}

func TestAddAddress_MergesWithoutOverwriting(t *testing.T) {
	fn := &fakeNotifier{addrs: []string{"https://a.example/hook", "https://b.example/hook"}}
	s := NewRegistrySync(fn)

	if !s.AddAddress(context.Background(), "https://c.example/hook") {
		t.Fatal("AddAddress() = false, want true")
	}
	want := []string{"https://a.example/hook", "https://b.example/hook", "https://c.example/hook"}
	if len(fn.pushes) != 1 || !reflect.DeepEqual(fn.pushes[0], want) {
		t.Errorf("pushed %v, want %v", fn.pushes, want)
	}
}

func TestAddAddress_AlreadyPresentIsNoop(t *testing.T) {
	fn := &fakeNotifier{addrs: []string{"https://a.example/hook"}}
	s := NewRegistrySync(fn)

	if !s.AddAddress(context.Background(), "https://a.example/hook") {
		t.Fatal("AddAddress() = false, want true")
	}
	if len(fn.pushes) != 0 {
		t.Errorf("expected no push for an already-registered address, got %v", fn.pushes)
	}
}

func TestAddAddress_DeduplicatesRemoteSet(t *testing.T) {
	fn := &fakeNotifier{addrs: []string{"https://a.example/hook", "https://a.example/hook"}}
	s := NewRegistrySync(fn)

	if !s.AddAddress(context.Background(), "https://b.example/hook") {
		t.Fatal("AddAddress() = false, want true")
	}
	want := []string{"https://a.example/hook", "https://b.example/hook"}
	if len(fn.pushes) != 1 || !reflect.DeepEqual(fn.pushes[0], want) {
		t.Errorf("pushed %v, want deduplicated %v", fn.pushes, want)
	}
}

func TestRemoveAddress_FiltersOne(t *testing.T) {
	fn := &fakeNotifier{addrs: []string{"https://a.example/hook", "https://b.example/hook"}}
	s := NewRegistrySync(fn)

	if !s.RemoveAddress(context.Background(), "https://a.example/hook") {
		t.Fatal("RemoveAddress() = false, want true")
	}
	want := []string{"https://b.example/hook"}
	if len(fn.pushes) != 1 || !reflect.DeepEqual(fn.pushes[0], want) {
		t.Errorf("pushed %v, want %v", fn.pushes, want)
	}
}

func TestRemoveAddress_MissingIsNoop(t *testing.T) {
	fn := &fakeNotifier{addrs: []string{"https://a.example/hook"}}
	s := NewRegistrySync(fn)

	if !s.RemoveAddress(context.Background(), "https://gone.example/hook") {
		t.Fatal("RemoveAddress() = false, want true")
	}
	if len(fn.pushes) != 0 {
		t.Errorf("expected no push when the address was absent, got %v", fn.pushes)
	}
}

func TestRegistrySync_FailuresAreReportedNotRaised(t *testing.T) {
	boom := errors.New("notifier unavailable")

	fn := &fakeNotifier{getErr: boom}
	s := NewRegistrySync(fn)
	if s.AddAddress(context.Background(), "https://a.example/hook") {
		t.Error("AddAddress() = true on fetch failure, want false")
	}
	if s.RemoveAddress(context.Background(), "https://a.example/hook") {
		t.Error("RemoveAddress() = true on fetch failure, want false")
	}

	fn = &fakeNotifier{addrs: []string{"https://a.example/hook"}, setErr: boom}
	s = NewRegistrySync(fn)
	if s.AddAddress(context.Background(), "https://b.example/hook") {
		t.Error("AddAddress() = true on push failure, want false")
	}
	if s.RemoveAddress(context.Background(), "https://a.example/hook") {
		t.Error("RemoveAddress() = true on push failure, want false")
	}
}
