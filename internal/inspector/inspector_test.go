package inspector

import (
	"testing"

	"github.com/oxidisk/oxidiskd/internal/model"
)

func TestParentDiskOf(t *testing.T) {
	cases := map[string]string{
		"/dev/sda1":    "/dev/sda",
		"/dev/sda12":   "/dev/sda",
		"/dev/nvme0n1p1": "/dev/nvme0n1",
	}
	for in, want := range cases {
		got, err := parentDiskOf(in)
		if err != nil {
			t.Fatalf("parentDiskOf(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parentDiskOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAlignUpDown(t *testing.T) {
	if got := alignUp(100, 1024); got != 1024 {
		t.Errorf("alignUp = %d, want 1024", got)
	}
	if got := alignUp(1024, 1024); got != 1024 {
		t.Errorf("alignUp(exact) = %d, want 1024", got)
	}
	if got := alignDown(2047, 1024); got != 1024 {
		t.Errorf("alignDown = %d, want 1024", got)
	}
}

func TestComputeUnallocated(t *testing.T) {
	partitions := []model.Partition{
		{OffsetBytes: 1024 * 1024, SizeBytes: 10 * 1024 * 1024},
		{OffsetBytes: 20 * 1024 * 1024, SizeBytes: 10 * 1024 * 1024},
	}
	gaps := computeUnallocated(partitions, 40*1024*1024)
	if len(gaps) != 2 {
		t.Fatalf("expected 2 gaps (mid + end), got %d: %+v", len(gaps), gaps)
	}
	if gaps[0].OffsetBytes != 11*1024*1024 {
		t.Errorf("unexpected mid-gap offset: %+v", gaps[0])
	}
	if gaps[1].OffsetBytes != 30*1024*1024 {
		t.Errorf("unexpected end-gap offset: %+v", gaps[1])
	}
}

func TestClassifyPartitionProtection(t *testing.T) {
	i := New(map[string]bool{"System": true})
	protected, reason := i.classifyPartitionProtection(model.Partition{MountPoint: "/"})
	if !protected || reason != model.ProtectionSystem {
		t.Errorf("expected root mount to be protected as system, got %v %v", protected, reason)
	}

	protected, _ = i.classifyPartitionProtection(model.Partition{Name: "data"})
	if protected {
		t.Errorf("expected unlabeled data partition to be unprotected")
	}
}
