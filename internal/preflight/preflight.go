// Package preflight composes the safety checks the Dispatcher must pass
// before executing a destructive operation: protection, sidecar
// availability, busy-process, battery, filesystem sanity, and size
// plausibility. Grounded on the original helper's single monolithic
// preflight handler, split here into one function per sub-check so each is
// independently testable.
package preflight

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/oxidisk/oxidiskd/internal/model"
	"github.com/oxidisk/oxidiskd/internal/sidecar"
	"github.com/oxidisk/oxidiskd/internal/sizefmt"
)

// Request is the input to a preflight run.
type Request struct {
	Operation string
	Target    string // device or partition identifier
	FS        string
	NewSize   int64 // 0 if not applicable
	MountPoint string
	UsedBytes  int64 // 0 if unknown
	FreeBytes  int64 // 0 if unknown; upper bound for create/resize sizing
	NewOffset  int64 // 0 if not applicable; alignment is only checked when set
	IsProtected bool
	ProtectionReason model.ProtectionReason
}

var sizeCheckedOps = map[string]bool{"create": true, "resize": true}

// Checker runs the composed preflight checks.
type Checker struct {
	registry      *sidecar.Registry
	batteryFloor  int
	fsCheckTimeout time.Duration
}

// New builds a Checker.
func New(registry *sidecar.Registry, batteryFloorPercent int, fsCheckTimeout time.Duration) *Checker {
	return &Checker{registry: registry, batteryFloor: batteryFloorPercent, fsCheckTimeout: fsCheckTimeout}
}

var destructiveOps = map[string]bool{
	"wipe": true, "create_table": true, "delete": true, "format": true,
	"resize": true, "move": true, "flash": true,
}

// Run composes every sub-check into a single Verdict.
func (c *Checker) Run(ctx context.Context, req Request) model.Verdict {
	v := model.Verdict{
		Key: model.PreflightKey{Operation: req.Operation, Target: req.Target, FS: req.FS, NewSize: req.NewSize},
		ComputedAt: time.Now(),
	}

	if req.IsProtected && destructiveOps[req.Operation] {
		v.Blockers = append(v.Blockers, fmt.Sprintf("protected:%s", req.ProtectionReason))
	}

	names := sidecar.RequiredFor(req.Operation, req.FS)
	for _, name := range names {
		entry := c.registry.Resolve(ctx, name)
		v.Sidecars = append(v.Sidecars, model.SidecarStatus{Name: name, Found: entry.Found, Path: entry.Path})
		if !entry.Found {
			v.Blockers = append(v.Blockers, fmt.Sprintf("missing sidecar: %s", name))
		}
	}

	if req.MountPoint != "" {
		procs, err := ListOpenProcesses(ctx, req.MountPoint)
		if err != nil {
			v.Warnings = append(v.Warnings, fmt.Sprintf("lsof failed: %v", err))
		} else if len(procs) > 0 {
			v.BusyProcesses = procs
			for _, p := range procs {
				v.Warnings = append(v.Warnings, fmt.Sprintf("in use by pid %d (%s)", p.PID, p.Command))
			}
		}
	}

	if battery := ReadBatteryStatus(ctx); battery != nil {
		v.Battery = battery
		if battery.IsLaptop && !battery.OnAC && battery.Percent != nil && *battery.Percent < c.batteryFloor {
			v.Blockers = append(v.Blockers, "battery too low, connect power")
		}
	}

	if req.Operation == "resize" || req.Operation == "move" {
		check, err := QuickFSCheck(ctx, req.Target, req.FS, c.fsCheckTimeout)
		if err == nil {
			v.FSCheck = check
			if !check.OK {
				if req.Operation == "resize" || req.Operation == "move" {
					v.Blockers = append(v.Blockers, "filesystem check failed, repair recommended")
				} else {
					v.Warnings = append(v.Warnings, "filesystem check failed, repair recommended")
				}
			}
		} else {
			v.Warnings = append(v.Warnings, fmt.Sprintf("filesystem check could not run: %v", err))
		}
	}

	if sizeCheckedOps[req.Operation] && req.NewSize > 0 {
		if req.UsedBytes > 0 {
			minBytes := int64(float64(req.UsedBytes) * 1.05)
			if req.NewSize < minBytes {
				v.Blockers = append(v.Blockers, "target size is smaller than used space (with buffer)")
			}
		}
		if req.FreeBytes > 0 && req.NewSize > req.FreeBytes {
			v.Blockers = append(v.Blockers, "target size exceeds available free space")
		}
		if req.NewSize%sizefmt.MiB != 0 {
			v.Warnings = append(v.Warnings, "requested size is not aligned to 1 MiB")
		}
	}
	if req.NewOffset != 0 && req.NewOffset%sizefmt.MiB != 0 {
		v.Warnings = append(v.Warnings, "requested offset is not aligned to 1 MiB")
	}

	v.OK = len(v.Blockers) == 0
	return v
}

// ReadBatteryStatus reports the host's battery state. On Darwin it shells
// out to pmset -g batt (matching the original); on Linux it reads
// /sys/class/power_supply, a supplemented generalization since this engine
// is not scoped to macOS.
func ReadBatteryStatus(ctx context.Context) *model.BatterySnapshot {
	if runtime.GOOS == "darwin" {
		return readBatteryDarwin(ctx)
	}
	return readBatteryLinux()
}

func readBatteryDarwin(ctx context.Context) *model.BatterySnapshot {
	out, err := exec.CommandContext(ctx, "pmset", "-g", "batt").CombinedOutput()
	if err != nil {
		return nil
	}
	text := string(out)
	lower := strings.ToLower(text)
	if strings.Contains(lower, "no batteries") {
		return &model.BatterySnapshot{IsLaptop: false, OnAC: true}
	}

	onAC := strings.Contains(text, "AC Power")
	var percent *int
	if idx := strings.Index(text, "%"); idx > 0 {
		fields := strings.Fields(text[:idx])
		if len(fields) > 0 {
			if p, err := strconv.Atoi(strings.TrimSpace(fields[len(fields)-1])); err == nil {
				percent = &p
			}
		}
	}
	return &model.BatterySnapshot{IsLaptop: true, OnAC: onAC, Percent: percent}
}

func readBatteryLinux() *model.BatterySnapshot {
	data, err := os.ReadFile("/sys/class/power_supply/BAT0/capacity")
	if err != nil {
		return &model.BatterySnapshot{IsLaptop: false, OnAC: true}
	}
	p, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return &model.BatterySnapshot{IsLaptop: true}
	}
	onAC := true
	if status, err := os.ReadFile("/sys/class/power_supply/AC/online"); err == nil {
		onAC = strings.TrimSpace(string(status)) == "1"
	}
	return &model.BatterySnapshot{IsLaptop: true, OnAC: onAC, Percent: &p}
}

// ListOpenProcesses lists processes with open handles on mountPoint via
// lsof -Fpcn, parsing its field-prefixed output the way the original
// helper does.
func ListOpenProcesses(ctx context.Context, mountPoint string) ([]model.BusyProcess, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-Fpcn", "-f", "--", mountPoint).CombinedOutput()
	if err != nil {
		// lsof exits non-zero when nothing has the path open; treat empty
		// output as "no processes" rather than an error.
		if len(bytes.TrimSpace(out)) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}

	var procs []model.BusyProcess
	seen := make(map[int]bool)
	var pid int
	var cmd string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "p"); ok {
			pid, _ = strconv.Atoi(rest)
		} else if rest, ok := strings.CutPrefix(line, "c"); ok {
			cmd = rest
		}
		if pid != 0 && cmd != "" {
			if !seen[pid] {
				seen[pid] = true
				procs = append(procs, model.BusyProcess{PID: pid, Command: cmd})
			}
			pid, cmd = 0, ""
		}
	}
	return procs, nil
}

// QuickFSCheck runs a read-only consistency check appropriate for fs.
func QuickFSCheck(ctx context.Context, device, fs string, timeout time.Duration) (*model.FSCheckResult, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch fs {
	case "ext4":
		cmd = exec.CommandContext(ctx, "e2fsck", "-n", "-f", device)
	case "ntfs":
		cmd = exec.CommandContext(ctx, "ntfsfix", "-n", device)
	case "exfat":
		cmd = exec.CommandContext(ctx, "fsck.exfat", "-n", device)
	case "btrfs":
		cmd = exec.CommandContext(ctx, "fsck.btrfs", device)
	case "xfs":
		cmd = exec.CommandContext(ctx, "xfs_repair", "-n", device)
	case "f2fs":
		cmd = exec.CommandContext(ctx, "fsck.f2fs", device)
	default:
		return nil, fmt.Errorf("no fs check for %q", fs)
	}

	out, err := cmd.CombinedOutput()
	return &model.FSCheckResult{OK: err == nil, Output: strings.TrimSpace(string(out))}, nil
}
