package dispatcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidisk/oxidiskd/internal/journal"
	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/preflight"
	"github.com/oxidisk/oxidiskd/internal/progressbus"
	"github.com/oxidisk/oxidiskd/internal/sidecar"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	store := journal.New(filepath.Join(dir, "journal.json"), 0, 0)
	bus := progressbus.New()
	checker := preflight.New(sidecar.New(nil), 20, 0)
	return New(checker, store, bus, nil)
}

func TestDispatchRequiresFreshPreflight(t *testing.T) {
	d := newTestDispatcher(t)
	key := model.PreflightKey{Operation: "format", Target: "/dev/sdz1", FS: "exfat"}

	_, err := d.Dispatch(context.Background(), "format", key, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
		return model.Result{OK: true}, nil
	})

	var opErr *model.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, model.KindPreflightRequired, opErr.Kind)
}

func TestDispatchRejectsStaleVerdict(t *testing.T) {
	d := newTestDispatcher(t)
	req := preflight.Request{Operation: "format", Target: "/dev/sdz1", FS: "exfat"}
	d.Preflight(context.Background(), req)

	staleKey := model.PreflightKey{Operation: "format", Target: "/dev/sdz1", FS: "fat32"}
	_, err := d.Dispatch(context.Background(), "format", staleKey, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
		return model.Result{OK: true}, nil
	})

	var opErr *model.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, model.KindPreflightStale, opErr.Kind)
}

func TestDispatchSucceedsWithFreshVerdict(t *testing.T) {
	d := newTestDispatcher(t)
	req := preflight.Request{Operation: "format", Target: "/dev/sdz1", FS: "exfat"}
	verdict := d.Preflight(context.Background(), req)
	require.True(t, verdict.OK, "expected no blockers for an unprotected target with no required sidecars: %v", verdict.Blockers)

	result, err := d.Dispatch(context.Background(), "format", verdict.Key, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
		bus.Progress(model.ProgressEvent{Phase: "format", Percent: 100})
		return model.Result{OK: true, Details: map[string]interface{}{"device": "/dev/sdz1"}}, nil
	})

	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, StateCompleted, d.State())
}

func TestDispatchBlocksSecondConcurrentOperation(t *testing.T) {
	d := newTestDispatcher(t)
	req := preflight.Request{Operation: "wipe", Target: "/dev/sdz", FS: "ext4"}
	verdict := d.Preflight(context.Background(), req)

	started := make(chan struct{})
	release := make(chan struct{})
	go d.Dispatch(context.Background(), "wipe", verdict.Key, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
		close(started)
		<-release
		return model.Result{OK: true}, nil
	})
	<-started

	_, err := d.Dispatch(context.Background(), "wipe", verdict.Key, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
		return model.Result{OK: true}, nil
	})
	var opErr *model.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, model.KindBusy, opErr.Kind)

	close(release)
}

func TestDispatchBlockedByProtection(t *testing.T) {
	d := newTestDispatcher(t)
	req := preflight.Request{
		Operation:        "wipe",
		Target:           "/dev/disk0",
		IsProtected:      true,
		ProtectionReason: model.ProtectionSystem,
	}
	verdict := d.Preflight(context.Background(), req)
	require.False(t, verdict.OK)

	_, err := d.Dispatch(context.Background(), "wipe", verdict.Key, func(ctx context.Context, bus *progressbus.Bus) (model.Result, error) {
		t.Fatal("runner should not execute when preflight is blocked")
		return model.Result{}, nil
	})

	var opErr *model.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, model.KindPreflightBlocked, opErr.Kind)
}
