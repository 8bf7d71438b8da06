package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/oxidisk/oxidiskd/internal/audit"
	"github.com/oxidisk/oxidiskd/internal/config"
	"github.com/oxidisk/oxidiskd/internal/dispatcher"
	"github.com/oxidisk/oxidiskd/internal/imageengine"
	"github.com/oxidisk/oxidiskd/internal/inspector"
	"github.com/oxidisk/oxidiskd/internal/journal"
	"github.com/oxidisk/oxidiskd/internal/oxlog"
	"github.com/oxidisk/oxidiskd/internal/partops"
	"github.com/oxidisk/oxidiskd/internal/preflight"
	"github.com/oxidisk/oxidiskd/internal/progressbus"
	"github.com/oxidisk/oxidiskd/internal/resize"
	"github.com/oxidisk/oxidiskd/internal/sidecar"
	"github.com/oxidisk/oxidiskd/internal/sudoers"
)

// app bundles every component the command handlers share, built once per
// invocation the way the teacher's command handlers each call config.Load
// fresh rather than threading a shared struct through init().
type app struct {
	cfg *config.Config
	log *zap.SugaredLogger

	registry   *sidecar.Registry
	runner     *sidecar.Runner
	bus        *progressbus.Bus
	store      *journal.Store
	inspector  *inspector.Inspector
	checker    *preflight.Checker
	dispatcher *dispatcher.Dispatcher
	ops        *partops.Ops
	resize     *resize.Engine
	image      *imageengine.Engine
	sudoers    *sudoers.Installer
	audit      *audit.DB
}

// buildApp wires every internal package together from configuration. The
// audit database is best-effort: a failure to open it disables persisted
// history but never blocks the command, since audit is a record of what
// happened, not a gate on whether it can happen.
func buildApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := oxlog.New(verbose)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	registry := sidecar.New(cfg.SidecarPaths)
	bus := progressbus.New()
	runner := sidecar.NewRunner(registry, bus)
	store := journal.New(cfg.Journal.Path, cfg.Journal.CheckpointInterval, cfg.Journal.CheckpointBytes)
	insp := inspector.New(cfg.ProtectedRoleSet())
	checker := preflight.New(registry, cfg.Battery.MinPercent, cfg.Timeouts.FSCheck)

	var auditDB *audit.DB
	if db, err := audit.New(cfg.Audit.Path); err != nil {
		log.Warnw("audit database unavailable, history will not be recorded", "err", err)
	} else {
		auditDB = db
	}

	a := &app{
		cfg:        cfg,
		log:        log,
		registry:   registry,
		runner:     runner,
		bus:        bus,
		store:      store,
		inspector:  insp,
		checker:    checker,
		dispatcher: dispatcher.New(checker, store, bus, auditDB),
		ops:        partops.New(runner),
		resize:     resize.New(runner, bus, store, int(cfg.Resize.BlockSizeBytes), cfg.Resize.ExperimentalFS),
		image:      imageengine.New(runner, bus, store),
		sudoers:    sudoers.New(),
		audit:      auditDB,
	}
	return a, nil
}

func (a *app) Close() {
	if a.audit != nil {
		a.audit.Close()
	}
}

// mustApp builds the app or exits the process, for the common case where a
// command handler has no use for a partially built app on failure.
func mustApp() *app {
	a, err := buildApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return a
}
