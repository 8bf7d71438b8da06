package preflight

import (
	"context"
	"testing"
	"time"

	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/sidecar"
)

func TestRunBlocksProtectedDestructiveOp(t *testing.T) {
	c := New(sidecar.New(nil), 20, time.Second)
	v := c.Run(context.Background(), Request{
		Operation:        "wipe",
		Target:           "/dev/sda",
		IsProtected:      true,
		ProtectionReason: model.ProtectionSystem,
	})
	if v.OK {
		t.Fatalf("expected blocked verdict, got ok=true: %+v", v)
	}
	found := false
	for _, b := range v.Blockers {
		if b == "protected:system" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a protected:system blocker, got %v", v.Blockers)
	}
}

func TestRunOKWhenNoChecksFail(t *testing.T) {
	c := New(sidecar.New(nil), 20, time.Second)
	v := c.Run(context.Background(), Request{Operation: "inspect", Target: "/dev/sda1", FS: "ext4"})
	if !v.OK {
		t.Fatalf("expected ok verdict, blockers=%v", v.Blockers)
	}
}

func TestRunFlagsSizeBelowUsedSpace(t *testing.T) {
	c := New(sidecar.New(nil), 20, time.Second)
	v := c.Run(context.Background(), Request{
		Operation: "resize",
		Target:    "/dev/sda1",
		FS:        "unknownfs",
		NewSize:   100,
		UsedBytes: 1000,
	})
	if v.OK {
		t.Fatalf("expected size blocker")
	}
}
