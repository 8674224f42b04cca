package ident

import "testing"

func TestNormalizeID(t *testing.T) {
	if got := NormalizeID("user--1"); got != "user-1" {
		t.Errorf("expected user-1, got %s", got)
	}
	if got := NormalizeID("a----b---c"); got != "a-b-c" {
		t.Errorf("expected a-b-c, got %s", got)
	}
	if got := NormalizeID(""); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := NormalizeID("already-clean"); got != "already-clean" {
		t.Errorf("expected unchanged input, got %s", got)
	}
}

func TestNormalizePath(t *testing.T) {
	if got := NormalizePath("/root/proj//a---b/c"); got != "/root/proj/a-b/c" {
		t.Errorf("expected /root/proj/a-b/c, got %s", got)
	}
	if got := NormalizePath("users///u1//sb--1/p"); got != "users/u1/sb-1/p" {
		t.Errorf("expected users/u1/sb-1/p, got %s", got)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"user--1", "/root//a---b/c", "", "plain", "a//b--c"}
	for _, in := range inputs {
		once := NormalizePath(in)
		if twice := NormalizePath(once); twice != once {
			t.Errorf("NormalizePath not idempotent for %q: %q != %q", in, once, twice)
		}
		once = NormalizeID(in)
		if twice := NormalizeID(once); twice != once {
			t.Errorf("NormalizeID not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestProjectPath(t *testing.T) {
	got := ProjectPath("user--1", "sb-abc", "proj-1")
	if got != "users/user-1/sb-abc/proj-1" {
		t.Errorf("unexpected project path: %s", got)
	}
}
