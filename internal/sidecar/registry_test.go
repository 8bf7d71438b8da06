package sidecar

import (
	"context"
	"testing"
)

func TestResolveMissingBinary(t *testing.T) {
	r := New(nil)
	e := r.Resolve(context.Background(), "definitely-not-a-real-binary-xyz")
	if e.Found {
		t.Fatalf("expected binary to be unresolved")
	}

	// second call should hit the cache and return the same result
	e2 := r.Resolve(context.Background(), "definitely-not-a-real-binary-xyz")
	if e2.Found {
		t.Fatalf("expected cached result to still be unresolved")
	}
}

func TestRequireReportsFirstMissing(t *testing.T) {
	r := New(nil)
	err := r.Require(context.Background(), []string{"definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Fatalf("expected MissingSidecar error")
	}
	if err.Kind != "MissingSidecar" {
		t.Fatalf("expected MissingSidecar kind, got %s", err.Kind)
	}
}

func TestRequiredForMatchesOperationTable(t *testing.T) {
	if got := RequiredFor("wipe", "ext4"); len(got) != 1 || got[0] != "mkfs.ext4" {
		t.Fatalf("unexpected sidecars for wipe/ext4: %v", got)
	}
	if got := RequiredFor("resize", "ext4"); len(got) != 2 {
		t.Fatalf("unexpected sidecars for resize/ext4: %v", got)
	}
	if got := RequiredFor("move", ""); len(got) != 1 || got[0] != "sgdisk" {
		t.Fatalf("unexpected sidecars for move: %v", got)
	}
}

func TestMkfsBinaryFor(t *testing.T) {
	if bin, ok := MkfsBinaryFor("ext4"); !ok || bin != "mkfs.ext4" {
		t.Fatalf("unexpected mkfs binary for ext4: %q %v", bin, ok)
	}
	if _, ok := MkfsBinaryFor("unknownfs"); ok {
		t.Fatalf("expected unknownfs to have no mkfs binary")
	}
}
