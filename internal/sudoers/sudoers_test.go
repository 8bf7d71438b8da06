package sudoers

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInstallIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	helper := filepath.Join(dir, "oxidiskd-helper")
	if err := os.WriteFile(helper, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	installer := &Installer{sudoersDir: dir}
	first, err := installer.Install(helper, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Installed {
		t.Errorf("expected first install to report Installed=true")
	}

	second, err := installer.Install(helper, false)
	if err != nil {
		t.Fatalf("unexpected error on reinstall: %v", err)
	}
	if second.Installed {
		t.Errorf("expected reinstall with unchanged fragment to report Installed=false")
	}
}

func TestInstallMissingHelperFails(t *testing.T) {
	dir := t.TempDir()
	installer := &Installer{sudoersDir: dir}
	if _, err := installer.Install(filepath.Join(dir, "does-not-exist"), false); err == nil {
		t.Errorf("expected error for missing helper binary")
	}
}

func TestRemoveIsNoopWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	installer := &Installer{sudoersDir: dir}
	if err := installer.Remove(); err != nil {
		t.Errorf("expected no error removing an absent fragment, got %v", err)
	}
}
