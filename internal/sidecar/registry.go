// Package sidecar locates and version-probes the external binaries the
// engine depends on (partitioning tools, filesystem makers, checkers). Each
// binary is resolved once per process and cached, the way the teacher's
// internal/hba packages cache controller-tool discovery results.
package sidecar

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/oxidisk/oxidiskd/internal/model"
)

// Entry describes one resolved (or unresolved) sidecar binary.
type Entry struct {
	Name         string
	Path         string
	Found        bool
	Version      string
	VersionFloor string // recommended minimum, empty means no floor
}

// Registry resolves and caches sidecar binaries.
type Registry struct {
	extraPaths map[string][]string
	versionRe  *regexp.Regexp

	mu    sync.Mutex
	cache map[string]Entry
}

// New builds a Registry. extraPaths maps a binary name to extra candidate
// directories searched before $PATH (from config.SidecarPaths).
func New(extraPaths map[string][]string) *Registry {
	return &Registry{
		extraPaths: extraPaths,
		versionRe:  regexp.MustCompile(`\d+(\.\d+)+`),
		cache:      make(map[string]Entry),
	}
}

// candidatePaths mirrors the original helper's find_sidecar: binaries
// bundled next to the running executable take priority over system paths.
func (r *Registry) candidatePaths(name string) []string {
	var candidates []string

	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates, filepath.Join(dir, name))
		candidates = append(candidates, filepath.Join(filepath.Dir(dir), "libexec", "oxidisk", name))
	}

	candidates = append(candidates, r.extraPaths[name]...)
	candidates = append(candidates,
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/usr/local/sbin", name),
		filepath.Join("/opt/homebrew/bin", name),
		filepath.Join("/usr/sbin", name),
		filepath.Join("/sbin", name),
	)

	if p, err := exec.LookPath(name); err == nil {
		candidates = append(candidates, p)
	}

	return candidates
}

// Resolve finds and version-probes a sidecar binary, caching the result.
func (r *Registry) Resolve(ctx context.Context, name string) Entry {
	r.mu.Lock()
	if e, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return e
	}
	r.mu.Unlock()

	entry := Entry{Name: name}
	for _, candidate := range r.candidatePaths(name) {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			entry.Path = candidate
			entry.Found = true
			break
		}
	}

	if entry.Found {
		entry.Version = r.probeVersion(ctx, entry.Path)
	}

	r.mu.Lock()
	r.cache[name] = entry
	r.mu.Unlock()
	return entry
}

func (r *Registry) probeVersion(ctx context.Context, path string) string {
	for _, flag := range []string{"--version", "-V", "-v"} {
		out, err := exec.CommandContext(ctx, path, flag).CombinedOutput()
		if err != nil {
			continue
		}
		if m := r.versionRe.FindString(string(out)); m != "" {
			return m
		}
	}
	return ""
}

// Require resolves a set of binaries and returns the first missing one as a
// model.OpError, or nil if all are present.
func (r *Registry) Require(ctx context.Context, names []string) *model.OpError {
	for _, n := range names {
		if !r.Resolve(ctx, n).Found {
			return model.ErrMissingSidecar(n)
		}
	}
	return nil
}

// StatusAll resolves a fixed catalog and reports status for the sidecar
// status screen.
func (r *Registry) StatusAll(ctx context.Context) []model.SidecarStatus {
	out := make([]model.SidecarStatus, 0, len(Catalog))
	for _, name := range Catalog {
		e := r.Resolve(ctx, name)
		out = append(out, model.SidecarStatus{Name: e.Name, Found: e.Found, Path: e.Path})
	}
	return out
}

// Catalog is the full set of external binaries the engine may invoke across
// every operation family, used for the status screen and startup probing.
var Catalog = []string{
	"sgdisk", "parted", "diskutil",
	"mkfs.ext4", "mkfs.ntfs", "mkfs.vfat", "mkfs.exfat", "mkfs.btrfs", "mkfs.xfs", "mkfs.f2fs", "mkswap",
	"e2fsck", "ntfsfix", "fsck.exfat", "fsck.btrfs", "xfs_repair", "fsck.f2fs", "fsck.vfat",
	"resize2fs", "ntfsresize",
	"tune2fs", "ntfslabel", "exfatlabel", "xfs_admin", "btrfs",
	"lsof", "lsblk", "blkid",
	"gzip", "gunzip",
}

// MkfsBinaryFor returns the maker binary for a filesystem family, mirroring
// the original helper's mkfs_binary_for.
func MkfsBinaryFor(fs string) (string, bool) {
	table := map[string]string{
		"ext4":   "mkfs.ext4",
		"ntfs":   "mkfs.ntfs",
		"fat32":  "mkfs.vfat",
		"exfat":  "mkfs.exfat",
		"btrfs":  "mkfs.btrfs",
		"xfs":    "mkfs.xfs",
		"f2fs":   "mkfs.f2fs",
		"swap":   "mkswap",
	}
	bin, ok := table[fs]
	return bin, ok
}

// RequiredFor mirrors required_sidecars: returns the binaries a given
// operation against a given fs needs, for preflight's sidecar check.
func RequiredFor(operation, fs string) []string {
	var names []string
	switch operation {
	case "wipe", "create", "format":
		if bin, ok := MkfsBinaryFor(fs); ok {
			names = append(names, bin)
		}
	case "resize":
		switch fs {
		case "ext4":
			names = append(names, "sgdisk", "resize2fs")
		case "ntfs":
			names = append(names, "sgdisk", "ntfsresize")
		}
	case "move", "create_table", "delete":
		names = append(names, "sgdisk")
	case "check":
		switch fs {
		case "ext4":
			names = append(names, "e2fsck")
		case "ntfs":
			names = append(names, "ntfsfix")
		case "exfat":
			names = append(names, "fsck.exfat")
		case "btrfs":
			names = append(names, "fsck.btrfs")
		case "xfs":
			names = append(names, "xfs_repair")
		case "f2fs":
			names = append(names, "fsck.f2fs")
		}
	}
	return names
}
